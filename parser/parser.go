package parser

import (
	"io"

	"github.com/pkg/errors"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/parser/aac"
	"github.com/livego/rtmpsrv/parser/h264"
	"github.com/livego/rtmpsrv/parser/mp3"
)

var (
	ErrNoAudioParser = errors.New("no audio parser yet")
	ErrCodec         = errors.New("unsupported codec")
)

// CodecParser 는 FLV 태그 헤더를 보고 코덱별 파서로 본문을 넘긴다.
// 파서는 처음 쓰일 때 만든다.
type CodecParser struct {
	aac  *aac.Parser
	mp3  *mp3.Parser
	h264 *h264.Parser
}

func NewCodecParser() *CodecParser {
	return &CodecParser{}
}

// SampleRate returns the rate announced by the last audio header.
func (c *CodecParser) SampleRate() (int, error) {
	switch {
	case c.aac != nil && c.aac.Configured():
		return c.aac.SampleRate(), nil
	case c.mp3 != nil:
		return c.mp3.SampleRate(), nil
	}
	return 0, ErrNoAudioParser
}

func (c *CodecParser) Channels() (int, error) {
	switch {
	case c.aac != nil && c.aac.Configured():
		return c.aac.Channels(), nil
	case c.mp3 != nil:
		return c.mp3.Channels(), nil
	}
	return 0, ErrNoAudioParser
}

// ParseAudio 는 오디오 본문을 처리한다. AAC raw 프레임은 ADTS 로 w 에 쓰고,
// MP3 는 헤더만 읽는다. w 가 nil 이면 설정만 갱신한다.
func (c *CodecParser) ParseAudio(h av.AudioPacketHeader, body []byte, w io.Writer) error {
	switch h.SoundFormat() {
	case av.SOUND_AAC:
		if c.aac == nil {
			c.aac = aac.NewParser()
		}
		if w == nil {
			if h.AACPacketType() == av.AAC_SEQHDR {
				return c.aac.ParseConfig(body)
			}
			return nil
		}
		return c.aac.Parse(body, h.AACPacketType(), w)
	case av.SOUND_MP3:
		if c.mp3 == nil {
			c.mp3 = mp3.NewParser()
		}
		if err := c.mp3.Parse(body); err != nil {
			return err
		}
		if w != nil {
			_, err := w.Write(body)
			return err
		}
		return nil
	}
	return errors.Wrapf(ErrCodec, "sound format %d", h.SoundFormat())
}

// ParseVideo 는 H.264 본문을 Annex-B 로 w 에 쓴다. 시퀀스 헤더는 저장만 한다.
func (c *CodecParser) ParseVideo(h av.VideoPacketHeader, body []byte, w io.Writer) error {
	if h.CodecID() != av.VIDEO_H264 {
		return errors.Wrapf(ErrCodec, "video codec %d", h.CodecID())
	}
	if c.h264 == nil {
		c.h264 = h264.NewParser()
	}
	return c.h264.Parse(body, h.IsSeq(), w)
}
