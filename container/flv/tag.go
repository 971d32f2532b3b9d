package flv

import (
	"fmt"

	"github.com/livego/rtmpsrv/av"
)

// flv 태그 헤더. 11 바이트로 기록된다.
type flvTag struct {
	fType     uint8  // 비디오 0x09, 오디오 0x08, 메타데이터 0x12
	dataSize  uint32 // 바디 크기
	timeStamp uint32 // 재생 시점(ms). 확장 바이트까지 32비트
	streamID  uint32 // always 0
}

// RTMP 오디오/비디오 메시지의 첫 바이트들. FLV 태그 바디와 같은 형식이다.
type mediaTag struct {
	// SoundFormat: UB[4]
	// 2 = MP3, 10 = AAC, 11 = Speex, 14 = MP3 8-kHz ...
	soundFormat uint8

	// SoundRate: UB[2]
	// 0 = 5.5-kHz, 1 = 11-kHz, 2 = 22-kHz, 3 = 44-kHz (AAC 는 항상 3)
	soundRate uint8

	// SoundSize: UB[1]. 0 = 8bit, 1 = 16bit. 비압축 포맷에만 의미가 있다.
	soundSize uint8

	// SoundType: UB[1]. 0 = mono, 1 = stereo (AAC 는 항상 1)
	soundType uint8

	// 0: AAC sequence header, 1: AAC raw
	aacPacketType uint8

	// 1: keyframe, 2: inter frame, 3: disposable inter frame (H.263),
	// 4: generated keyframe, 5: video info/command frame
	frameType uint8

	// 2: Sorenson H.263, 4: On2 VP6, 7: AVC ...
	codecID uint8

	// 0: AVC sequence header, 1: AVC NALU, 2: AVC end of sequence
	avcPacketType uint8

	// compositionTime = PTS - DTS
	compositionTime int32
}

type Tag struct {
	flvt   flvTag
	mediat mediaTag
}

func (tag *Tag) Type() uint8 {
	return tag.flvt.fType
}

func (tag *Tag) IsVideo() bool {
	return tag.flvt.fType == av.TAG_VIDEO
}

func (tag *Tag) SoundFormat() uint8 {
	return tag.mediat.soundFormat
}

func (tag *Tag) SoundRate() uint8 {
	return tag.mediat.soundRate
}

func (tag *Tag) SoundType() uint8 {
	return tag.mediat.soundType
}

func (tag *Tag) AACPacketType() uint8 {
	return tag.mediat.aacPacketType
}

// IsAACSeq reports an AAC sequence header (AudioSpecificConfig).
func (tag *Tag) IsAACSeq() bool {
	return tag.flvt.fType == av.TAG_AUDIO &&
		tag.mediat.soundFormat == av.SOUND_AAC &&
		tag.mediat.aacPacketType == av.AAC_SEQHDR
}

func (tag *Tag) IsKeyFrame() bool {
	return tag.mediat.frameType == av.FRAME_KEY
}

// IsSeq reports an AVC sequence header (AVCDecoderConfigurationRecord).
func (tag *Tag) IsSeq() bool {
	return tag.mediat.frameType == av.FRAME_KEY &&
		tag.mediat.codecID == av.VIDEO_H264 &&
		tag.mediat.avcPacketType == av.AVC_SEQHDR
}

// IsEndOfSeq reports an AVC end of sequence marker.
func (tag *Tag) IsEndOfSeq() bool {
	return tag.mediat.codecID == av.VIDEO_H264 &&
		tag.mediat.avcPacketType == av.AVC_EOS
}

// IsSeqHeader reports a decoder configuration of either kind. Those must reach
// the consumer no matter how far behind it is.
func (tag *Tag) IsSeqHeader() bool {
	return tag.IsSeq() || tag.IsAACSeq()
}

func (tag *Tag) CodecID() uint8 {
	return tag.mediat.codecID
}

func (tag *Tag) CompositionTime() int32 {
	return tag.mediat.compositionTime
}

// ParseMediaTagHeader parses the audio or video tag header at the start of b
// and returns its length.
func (tag *Tag) ParseMediaTagHeader(b []byte, isVideo bool) (n int, err error) {
	if isVideo {
		tag.flvt.fType = av.TAG_VIDEO
		return tag.parseVideoHeader(b)
	}
	tag.flvt.fType = av.TAG_AUDIO
	return tag.parseAudioHeader(b)
}

func (tag *Tag) parseAudioHeader(b []byte) (n int, err error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("invalid audiodata len=%d", len(b))
	}
	flags := b[0]
	tag.mediat.soundFormat = flags >> 4
	tag.mediat.soundRate = (flags >> 2) & 0x3
	tag.mediat.soundSize = (flags >> 1) & 0x1
	tag.mediat.soundType = flags & 0x1
	n++

	if tag.mediat.soundFormat == av.SOUND_AAC {
		if len(b) < 2 {
			return n, fmt.Errorf("invalid aac audiodata len=%d", len(b))
		}
		tag.mediat.aacPacketType = b[1]
		n++
	}
	return
}

func (tag *Tag) parseVideoHeader(b []byte) (n int, err error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("invalid videodata len=%d", len(b))
	}
	flags := b[0]
	tag.mediat.frameType = flags >> 4
	tag.mediat.codecID = flags & 0xf
	n++

	// AVC 만 packet type 과 composition time(3바이트, 빅 엔디언, 부호 있음)을 가진다.
	if tag.mediat.codecID != av.VIDEO_H264 {
		return
	}
	if tag.mediat.frameType != av.FRAME_INTER && tag.mediat.frameType != av.FRAME_KEY {
		return
	}
	if len(b) < 5 {
		return n, fmt.Errorf("invalid avc videodata len=%d", len(b))
	}
	tag.mediat.avcPacketType = b[1]
	ct := int32(b[2])<<16 | int32(b[3])<<8 | int32(b[4])
	if ct&0x800000 != 0 {
		ct |= ^0xffffff
	}
	tag.mediat.compositionTime = ct
	n += 4
	return
}
