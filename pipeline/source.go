package pipeline

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/container/flv"
	"github.com/livego/rtmpsrv/parser"
)

// Receiver is the consumer end of the media channel.
type Receiver interface {
	Recv(ctx context.Context) (av.Input, error)
}

// Buffer 는 소비자에게 넘기는 미디어 한 덩어리이다.
// Offset/OffsetEnd 는 지금까지 내보낸 페이로드 바이트 기준의 위치이다.
type Buffer struct {
	Kind      av.MediaType
	Data      []byte
	Offset    uint64
	OffsetEnd uint64
	Timestamp uint32
	Caps      *Caps
	Droppable bool

	// CapsChanged is set on the first buffer of a kind after its caps changed.
	CapsChanged bool
	// Metadata is set on the first buffer after a new onMetaData arrived.
	Metadata *av.Metadata
	// Header is the parsed FLV audio/video tag header, nil when unparsable.
	Header *flv.Tag
	// Body is Data without the tag header.
	Body []byte
}

// Source 는 미디어 채널에서 입력을 꺼내 Buffer 로 바꾼다.
// 메타데이터는 버퍼가 아니라 캡스로 반영된다.
type Source struct {
	in       Receiver
	l        *log.Entry
	demuxer  *flv.Demuxer
	codec    *parser.CodecParser
	position uint64

	videoCaps, audioCaps *Caps
	videoSent, audioSent *Caps
	pendingMeta          *av.Metadata
}

func NewSource(in Receiver, l *log.Entry) *Source {
	return &Source{
		in:        in,
		l:         l.WithField("component", "source"),
		demuxer:   flv.NewDemuxer(),
		codec:     parser.NewCodecParser(),
		videoCaps: NewCaps("video/x-flv"),
		audioCaps: baseAudioCaps(),
	}
}

func baseAudioCaps() *Caps {
	return NewCaps("audio/mpeg").
		Set("mpegversion", 4).
		Set("framed", true).
		Set("stream-format", "raw")
}

// Position returns the number of payload bytes handed out so far.
func (s *Source) Position() uint64 {
	return s.position
}

// Create 는 다음 미디어 버퍼가 올 때까지 기다린다.
// 채널이 닫히고 비워지면 io.EOF 를 반환한다.
func (s *Source) Create(ctx context.Context) (*Buffer, error) {
	for {
		in, err := s.in.Recv(ctx)
		if err == av.ErrQueueClosed {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		switch v := in.(type) {
		case av.Metadata:
			s.l.Infof("metadata: %v", v)
			s.applyMetadata(v)
		case av.Media:
			if len(v.Data) == 0 {
				continue
			}
			return s.buffer(v), nil
		}
	}
}

func (s *Source) applyMetadata(md av.Metadata) {
	vc := NewCaps("video/x-flv")
	if md.VideoHeight != nil {
		vc.Set("height", int(*md.VideoHeight))
	}
	if md.VideoWidth != nil {
		vc.Set("width", int(*md.VideoWidth))
	}
	if md.VideoFrameRate != nil {
		vc.Set("framerate", float64(*md.VideoFrameRate))
	}
	s.videoCaps = vc

	ac := baseAudioCaps()
	if md.AudioChannels != nil {
		ac.Set("channels", int(*md.AudioChannels))
	} else if md.AudioIsStereo != nil {
		if *md.AudioIsStereo {
			ac.Set("channels", 2)
		} else {
			ac.Set("channels", 1)
		}
	}
	if md.AudioSampleRate != nil {
		ac.Set("rate", int(*md.AudioSampleRate))
	}
	s.audioCaps = ac
	s.pendingMeta = &md
}

// refineAudio 는 시퀀스 헤더/프레임 헤더에서 읽은 실제 값으로 오디오 캡스를 고친다.
func (s *Source) refineAudio(tag *flv.Tag, body []byte) {
	switch tag.SoundFormat() {
	case av.SOUND_MP3:
		s.audioCaps.Set("mpegversion", 1).Set("layer", 3)
	case av.SOUND_AAC:
		if !tag.IsAACSeq() {
			return
		}
	default:
		return
	}
	if err := s.codec.ParseAudio(tag, body, nil); err != nil {
		s.l.Debugf("audio header: %v", err)
		return
	}
	if rate, err := s.codec.SampleRate(); err == nil {
		s.audioCaps.Set("rate", rate)
	}
	if ch, err := s.codec.Channels(); err == nil && ch > 0 {
		s.audioCaps.Set("channels", ch)
	}
}

func (s *Source) buffer(m av.Media) *Buffer {
	b := &Buffer{
		Kind:      m.Type,
		Data:      m.Data,
		Offset:    s.position,
		OffsetEnd: s.position + uint64(len(m.Data)),
		Timestamp: m.Timestamp,
		Droppable: m.CanBeDropped,
		Metadata:  s.pendingMeta,
	}
	s.position = b.OffsetEnd
	s.pendingMeta = nil

	tag, body, err := s.demuxer.Demux(m)
	if err != nil && err != flv.ErrAvcEndSEQ {
		s.l.Debugf("%v: %v", m, err)
	} else {
		b.Header, b.Body = tag, body
	}

	switch m.Type {
	case av.Video:
		b.Caps, b.CapsChanged = s.negotiate(s.videoCaps, &s.videoSent)
	case av.Audio:
		if b.Header != nil {
			s.refineAudio(b.Header, body)
		}
		b.Caps, b.CapsChanged = s.negotiate(s.audioCaps, &s.audioSent)
	}
	return b
}

func (s *Source) negotiate(current *Caps, sent **Caps) (*Caps, bool) {
	if current.Equal(*sent) {
		return *sent, false
	}
	*sent = current.Copy()
	s.l.Infof("setting caps %v", *sent)
	return *sent, true
}
