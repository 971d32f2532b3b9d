package av

import (
	"fmt"
)

const (
	TAG_AUDIO          = 8
	TAG_VIDEO          = 9
	TAG_SCRIPTDATAAMF0 = 18
	TAG_SCRIPTDATAAMF3 = 0xf
)

const (
	SOUND_MP3                   = 2
	SOUND_NELLYMOSER_16KHZ_MONO = 4
	SOUND_NELLYMOSER_8KHZ_MONO  = 5
	SOUND_NELLYMOSER            = 6
	SOUND_ALAW                  = 7
	SOUND_MULAW                 = 8
	SOUND_AAC                   = 10
	SOUND_SPEEX                 = 11

	SOUND_5_5Khz = 0
	SOUND_11Khz  = 1
	SOUND_22Khz  = 2
	SOUND_44Khz  = 3

	SOUND_8BIT  = 0
	SOUND_16BIT = 1

	SOUND_MONO   = 0
	SOUND_STEREO = 1

	AAC_SEQHDR = 0
	AAC_RAW    = 1
)

const (
	AVC_SEQHDR = 0
	AVC_NALU   = 1
	AVC_EOS    = 2

	FRAME_KEY   = 1
	FRAME_INTER = 2

	VIDEO_H264 = 7
)

// 패킷의 헤더 정보로, 오디오/비디오와 관련된 메타 데이터를 담는다.
// 오디오 헤더와 비디오 헤더는 모두 PacketHeader 로 취급된다.
type PacketHeader interface {
}

type AudioPacketHeader interface {
	PacketHeader          // 공통 부모 인터페이스
	SoundFormat() uint8   // 오디오 포맷 정보 반환 (AAC, MP3)
	AACPacketType() uint8 // AAC 패킷 타입 반환 (헤더/데이터 구분)
}

// 키프레임은 독립적으로 디코딩이 가능한 프레임이다. 인터 프레임은 키프레임을 참조해 디코딩 된다.
// 따라서 키프레임을 받기 전의 인터 프레임은 버려도 되는 데이터이다.
type VideoPacketHeader interface {
	PacketHeader            // 공통 부모 인터페이스
	IsKeyFrame() bool       // 키 프레임 여부 반환
	IsSeq() bool            // 시퀀스 헤더 여부 반환
	CodecID() uint8         // 비디오 코덱 ID 반환(H.264)
	CompositionTime() int32 // 컴포지션 타임 오프셋 반환
}

// 스트림의 메타데이터를 관리하기 위해 설계된 구조체이다.
// 각 퍼블리시 세션을 고유하게 식별하기 위해 필요한 정보를 포함하고 있다.
type Info struct {
	Key string // 스트림 키
	URL string // tcUrl + 스트림 키
	UID string // 세션 고유 UID
}

func (info Info) String() string {
	return fmt.Sprintf("<key: %s, URL: %s, UID: %s>", info.Key, info.URL, info.UID)
}
