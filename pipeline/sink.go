package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/container/flv"
	"github.com/livego/rtmpsrv/container/ts"
	"github.com/livego/rtmpsrv/parser"
	"github.com/livego/rtmpsrv/parser/aac"
)

// Format 은 싱크가 내보내는 바이트 형식이다.
type Format int

const (
	FormatFLV Format = iota
	FormatH264
	FormatAAC
	FormatTS
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "flv":
		return FormatFLV, nil
	case "h264":
		return FormatH264, nil
	case "aac":
		return FormatAAC, nil
	case "ts":
		return FormatTS, nil
	}
	return FormatFLV, errors.Errorf("invalid output format %q", s)
}

func (f Format) String() string {
	switch f {
	case FormatH264:
		return "h264"
	case FormatAAC:
		return "aac"
	case FormatTS:
		return "ts"
	}
	return "flv"
}

var errSkipped = errors.New("buffer skipped")

// Lagger reports how many items wait in front of the sink.
type Lagger interface {
	Len() int
}

// Sink 는 Buffer 를 선택한 형식으로 w 에 쓴다.
// 밀려 있는 항목이 threshold 를 넘으면 드롭 가능한 버퍼는 건너뛴다.
type Sink struct {
	w         *trackingWriter
	format    Format
	lag       Lagger
	threshold int
	l         *log.Entry

	mux   *flv.Muxer
	codec *parser.CodecParser

	// ts
	tsMux       *ts.Muxer
	scratch     bytes.Buffer
	wrotePSI    bool
	audioOnly   bool
	soundFormat byte

	written uint64
	skipped uint64
}

func NewSink(w io.Writer, format Format, lag Lagger, threshold int, l *log.Entry) *Sink {
	s := &Sink{
		w:         &trackingWriter{w: w},
		format:    format,
		lag:       lag,
		threshold: threshold,
		l:         l.WithField("component", "sink").WithField("format", format.String()),
		codec:     parser.NewCodecParser(),
	}
	switch format {
	case FormatFLV:
		s.mux = flv.NewMuxer(s.w)
		s.l = s.l.WithField("muxer", s.mux.Info().UID)
	case FormatTS:
		s.tsMux = ts.NewMuxer()
		s.soundFormat = av.SOUND_AAC
	}
	return s
}

// OpenOutput opens the sink destination: "-" or empty is stdout, anything
// else a file or FIFO opened for writing.
func OpenOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open output %s", path)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (s *Sink) lagging() bool {
	return s.threshold > 0 && s.lag != nil && s.lag.Len() > s.threshold
}

// Written returns the number of buffers written and skipped.
func (s *Sink) Written() (written, skipped uint64) {
	return s.written, s.skipped
}

func (s *Sink) Write(b *Buffer) error {
	if b.Droppable && s.lagging() {
		s.skipped++
		s.l.Debugf("lagging, skip %s at %d", b.Kind, b.Timestamp)
		return nil
	}
	var err error
	switch s.format {
	case FormatFLV:
		err = s.writeFLV(b)
	case FormatH264:
		err = s.writeH264(b)
	case FormatAAC:
		err = s.writeAAC(b)
	case FormatTS:
		err = s.writeTS(b)
	}
	switch err {
	case nil:
		s.written++
	case errSkipped:
		s.skipped++
	default:
		return err
	}
	return nil
}

// skipUnsupported 는 코덱 에러(쓸 수 없는 버퍼)를 경고로 바꾼다. 출력 쓰기 에러는 그대로 반환한다.
func (s *Sink) skipUnsupported(err error) error {
	if err == nil {
		return nil
	}
	if s.w.err != nil {
		return err
	}
	if errors.Cause(err) == aac.ErrNoConfig {
		s.l.Debugf("skip buffer: %v", err)
	} else {
		s.l.Warnf("skip buffer: %v", err)
	}
	return errSkipped
}

// trackingWriter remembers the first error of the underlying writer.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}

func (s *Sink) writeFLV(b *Buffer) error {
	if b.Metadata != nil {
		if err := s.mux.WriteMetadata(*b.Metadata); err != nil {
			return errors.Wrap(err, "write metadata")
		}
	}
	err := s.mux.WriteMedia(av.Media{Type: b.Kind, Data: b.Data, Timestamp: b.Timestamp})
	return errors.Wrap(err, "write tag")
}

func (s *Sink) writeH264(b *Buffer) error {
	if b.Kind != av.Video || b.Header == nil || b.Header.IsEndOfSeq() {
		return nil
	}
	return s.skipUnsupported(errors.Wrap(s.codec.ParseVideo(b.Header, b.Body, s.w), "h264"))
}

func (s *Sink) writeAAC(b *Buffer) error {
	if b.Kind != av.Audio || b.Header == nil {
		return nil
	}
	return s.skipUnsupported(errors.Wrap(s.codec.ParseAudio(b.Header, b.Body, s.w), "audio"))
}

// writeTS 는 코덱 본문을 Annex-B/ADTS 로 바꾼 뒤 TS 로 감싼다.
// PAT/PMT 는 처음과 비디오 키프레임마다 다시 쓴다.
func (s *Sink) writeTS(b *Buffer) error {
	if b.Metadata != nil {
		s.audioOnly = b.Metadata.VideoWidth == nil && b.Metadata.VideoCodecID == nil &&
			(b.Metadata.AudioCodecID != nil || b.Metadata.AudioSampleRate != nil)
	}
	if b.Header == nil || b.Header.IsEndOfSeq() {
		return nil
	}

	s.scratch.Reset()
	frame := ts.Frame{Video: b.Kind == av.Video, Timestamp: b.Timestamp}
	if frame.Video {
		if err := s.codec.ParseVideo(b.Header, b.Body, &s.scratch); err != nil {
			return s.skipUnsupported(errors.Wrap(err, "h264"))
		}
		frame.KeyFrame = b.Header.IsKeyFrame()
		frame.CompositionTime = b.Header.CompositionTime()
	} else {
		s.soundFormat = b.Header.SoundFormat()
		if err := s.codec.ParseAudio(b.Header, b.Body, &s.scratch); err != nil {
			return s.skipUnsupported(errors.Wrap(err, "audio"))
		}
	}
	if s.scratch.Len() == 0 {
		return nil
	}
	frame.Data = s.scratch.Bytes()

	if !s.wrotePSI || (frame.Video && frame.KeyFrame) {
		s.wrotePSI = true
		if _, err := s.w.Write(s.tsMux.PAT()); err != nil {
			return err
		}
		if _, err := s.w.Write(s.tsMux.PMT(s.soundFormat, !s.audioOnly)); err != nil {
			return err
		}
	}
	return s.tsMux.Mux(frame, s.w)
}

// Run 은 소스가 끝나거나 ctx 가 취소될 때까지 버퍼를 싱크로 옮긴다.
func Run(ctx context.Context, src *Source, sink *Sink) error {
	for {
		b, err := src.Create(ctx)
		if err == io.EOF {
			written, skipped := sink.Written()
			sink.l.Infof("end of stream, %d buffers written, %d skipped", written, skipped)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := sink.Write(b); err != nil {
			return err
		}
	}
}
