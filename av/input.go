package av

import (
	"fmt"
	"strings"
)

// MediaType 는 미디어 이벤트의 종류(비디오/오디오)를 나타낸다.
type MediaType int

const (
	Video MediaType = iota
	Audio
)

func (t MediaType) String() string {
	switch t {
	case Video:
		return "video"
	case Audio:
		return "audio"
	}
	return fmt.Sprintf("MediaType(%d)", int(t))
}

// TagType returns the FLV tag type carrying this kind of media.
func (t MediaType) TagType() uint8 {
	if t == Audio {
		return TAG_AUDIO
	}
	return TAG_VIDEO
}

// Input is a single item handed from the RTMP server to the downstream
// consumer. It is either a Media or a Metadata value and is never mutated
// after it has been sent.
type Input interface {
	isInput()
}

// Media 는 하나의 오디오/비디오 메시지 페이로드이다. (FLV 태그 바디와 동일)
// CanBeDropped 는 소비자에게 주는 힌트일 뿐, 서버의 동작을 바꾸지 않는다.
type Media struct {
	Type         MediaType
	Data         []byte
	Timestamp    uint32
	CanBeDropped bool
}

func (Media) isInput() {}

func (m Media) String() string {
	return fmt.Sprintf("<%s len=%d ts=%d droppable=%v>", m.Type, len(m.Data), m.Timestamp, m.CanBeDropped)
}

// Metadata is the onMetaData object a publisher announces with
// @setDataFrame. Fields the publisher did not send are nil.
type Metadata struct {
	VideoWidth       *uint32
	VideoHeight      *uint32
	VideoCodecID     *uint32
	VideoFrameRate   *float32
	VideoBitrateKbps *uint32
	AudioCodecID     *uint32
	AudioBitrateKbps *uint32
	AudioSampleRate  *uint32
	AudioChannels    *uint32
	AudioIsStereo    *bool
	Encoder          *string
}

func (Metadata) isInput() {}

func (m Metadata) String() string {
	var parts []string
	u := func(name string, v *uint32) {
		if v != nil {
			parts = append(parts, fmt.Sprintf("%s=%d", name, *v))
		}
	}
	u("width", m.VideoWidth)
	u("height", m.VideoHeight)
	u("videocodecid", m.VideoCodecID)
	if m.VideoFrameRate != nil {
		parts = append(parts, fmt.Sprintf("framerate=%g", *m.VideoFrameRate))
	}
	u("videodatarate", m.VideoBitrateKbps)
	u("audiocodecid", m.AudioCodecID)
	u("audiodatarate", m.AudioBitrateKbps)
	u("audiosamplerate", m.AudioSampleRate)
	u("audiochannels", m.AudioChannels)
	if m.AudioIsStereo != nil {
		parts = append(parts, fmt.Sprintf("stereo=%v", *m.AudioIsStereo))
	}
	if m.Encoder != nil {
		parts = append(parts, fmt.Sprintf("encoder=%q", *m.Encoder))
	}
	return "<metadata " + strings.Join(parts, " ") + ">"
}

// MediaSink 는 미디어 채널의 생산자 쪽 끝이다. Send 는 절대 블로킹 되면 안 된다.
type MediaSink interface {
	Send(Input) error
}
