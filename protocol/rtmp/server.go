package rtmp

import (
	"context"
	"crypto/subtle"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/protocol/rtmp/core"
)

const tracerName = "github.com/livego/rtmpsrv/protocol/rtmp"

// ServerResult 는 BytesReceived 가 연결 매니저에게 요청하는 동작이다.
type ServerResult interface {
	isServerResult()
}

// OutboundPacket asks for Bytes to be written to a connection.
type OutboundPacket struct {
	TargetConnectionID int
	Bytes              []byte
}

// DisconnectConnection asks for a connection to be closed at the end of the
// current iteration.
type DisconnectConnection struct {
	ConnectionID int
}

func (OutboundPacket) isServerResult()       {}
func (DisconnectConnection) isServerResult() {}

type SessionState int

const (
	StateHandshaking SessionState = iota // 청크 세션만 열림, connect 전
	StateEstablished
	StatePublishing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StatePublishing:
		return "publishing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PublisherRegistry 는 스트림 키의 소유권을 여러 인스턴스가 공유할 때 쓴다.
// configure.PublisherKeys 가 구현한다.
type PublisherRegistry interface {
	Claim(key, owner string) (bool, error)
	Release(key, owner string) error
}

type session struct {
	id        int
	core      *core.ServerSession
	state     SessionState
	streams   map[uint32]*Stream
	createdAt time.Time
	l         *log.Entry
}

// SessionInfo 는 상태 API 에 노출되는 세션 요약이다.
type SessionInfo struct {
	ConnectionID int          `json:"connection_id"`
	State        string       `json:"state"`
	App          string       `json:"app,omitempty"`
	TcURL        string       `json:"tc_url,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	Streams      []StreamInfo `json:"streams,omitempty"`
}

// Server 는 연결 id 별 RTMP 세션을 소유하고, 받은 바이트를 보낼 바이트와
// 미디어 이벤트로 바꾼다. 소켓에는 접근하지 않는다.
type Server struct {
	sink      av.MediaSink
	streamKey string
	registry  PublisherRegistry
	metrics   *Metrics
	tracer    trace.Tracer
	cfg       core.SessionConfig
	l         *log.Entry

	sessions map[int]*session
	streams  *RtmpStream
}

type Option func(*Server)

// WithStreamKey restricts publishing to key. An empty key accepts any.
func WithStreamKey(key string) Option {
	return func(s *Server) {
		s.streamKey = key
	}
}

func WithLogger(l *log.Entry) Option {
	return func(s *Server) {
		s.l = l
	}
}

func WithPublisherRegistry(r PublisherRegistry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

func WithSessionConfig(cfg core.SessionConfig) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

func NewServer(sink av.MediaSink, opts ...Option) *Server {
	s := &Server{
		sink:     sink,
		cfg:      core.DefaultSessionConfig(),
		sessions: make(map[int]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.l == nil {
		s.l = log.NewEntry(log.StandardLogger())
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.l = s.l.WithField("component", "server")
	s.streams = NewRtmpStream(s.l)
	return s
}

func (s *Server) session(id int) *session {
	ss, ok := s.sessions[id]
	if !ok {
		ss = &session{
			id:        id,
			core:      core.NewServerSession(s.cfg),
			state:     StateHandshaking,
			streams:   make(map[uint32]*Stream),
			createdAt: time.Now(),
			l:         s.l.WithField("conn_id", id),
		}
		s.sessions[id] = ss
		ss.l.Debug("session created")
	}
	return ss
}

// BytesReceived feeds bytes that followed the handshake on connection id.
// Results are in the order the session produced them. A *ServerError means
// the connection sent something that cannot be interpreted; results that
// came before the failure are still returned.
func (s *Server) BytesReceived(id int, b []byte) ([]ServerResult, error) {
	ss := s.session(id)

	var results []ServerResult
	events, err := ss.core.Handle(b)
	for {
		paused := ss.core.Waiting()
		var closed bool
		var herr error
		results, closed, herr = s.handleEvents(ss, events, results)
		if herr != nil {
			return results, &ServerError{ConnectionID: id, Err: herr}
		}
		if closed {
			return results, nil
		}
		if err != nil {
			return results, &ServerError{ConnectionID: id, Err: err}
		}
		// 요청이 처리되어 세션이 다시 입력을 받을 수 있으면 남은 바이트를 이어서 해석한다.
		if !paused || ss.core.Waiting() {
			return results, nil
		}
		events, err = ss.core.Handle(nil)
	}
}

func (s *Server) handleEvents(ss *session, events []core.Event, results []ServerResult) ([]ServerResult, bool, error) {
	for _, ev := range events {
		switch e := ev.(type) {
		case core.OutboundData:
			results = append(results, OutboundPacket{TargetConnectionID: ss.id, Bytes: e.Bytes})

		case core.ConnectRequested:
			ss.l.WithFields(log.Fields{"app": e.App, "tc_url": e.TcURL}).Info("connect")
			out, err := ss.core.AcceptConnect(e.TransactionID)
			if err != nil {
				return results, false, err
			}
			ss.state = StateEstablished
			results = append(results, OutboundPacket{TargetConnectionID: ss.id, Bytes: out})

		case core.PublishRequested:
			var closed bool
			var err error
			results, closed, err = s.publish(ss, e, results)
			if err != nil || closed {
				return results, closed, err
			}

		case core.PublishFinished:
			if st, ok := ss.streams[e.StreamID]; ok {
				s.unpublish(ss, st, "finished")
			}

		case core.StreamMetadataChanged:
			st, ok := ss.streams[e.StreamID]
			if !ok {
				continue
			}
			st.SetMetadata(e.Metadata)
			ss.l.WithField("stream_key", st.info.Key).Debugf("metadata %s", e.Metadata)
			s.send(ss, e.Metadata)
			s.metrics.media("metadata", false)

		case core.VideoDataReceived:
			s.media(ss, av.Video, e.StreamID, e.Timestamp, e.Data)

		case core.AudioDataReceived:
			s.media(ss, av.Audio, e.StreamID, e.Timestamp, e.Data)
		}
	}
	return results, false, nil
}

func (s *Server) media(ss *session, t av.MediaType, streamID, timestamp uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	st, ok := ss.streams[streamID]
	if !ok {
		return
	}
	m := st.Media(t, timestamp, data)
	s.send(ss, m)
	s.metrics.media(t.String(), m.CanBeDropped)
}

func (s *Server) send(ss *session, in av.Input) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Send(in); err != nil {
		ss.l.WithError(err).Debug("media sink refused input")
	}
}

func (s *Server) publish(ss *session, e core.PublishRequested, results []ServerResult) ([]ServerResult, bool, error) {
	st := NewStream(ss.id, e.StreamID, e.App, e.StreamKey, ss.core.TcURL())
	l := ss.l.WithField("stream_key", st.info.Key)

	_, span := s.tracer.Start(context.Background(), "rtmp.publish",
		trace.WithAttributes(
			attribute.Int("rtmp.connection_id", ss.id),
			attribute.String("rtmp.app", e.App),
			attribute.String("rtmp.stream_uid", st.info.UID),
		))

	reject := func(result, code, desc string) ([]ServerResult, bool, error) {
		l.WithField("result", result).Warn("publish rejected")
		s.metrics.publish(result)
		span.SetStatus(codes.Error, result)
		span.End()
		out, err := ss.core.RejectPublish(e.StreamID, e.TransactionID, code, desc)
		if err != nil {
			return results, false, err
		}
		results = append(results,
			OutboundPacket{TargetConnectionID: ss.id, Bytes: out},
			DisconnectConnection{ConnectionID: ss.id})
		return results, true, nil
	}

	if s.streamKey != "" && subtle.ConstantTimeCompare([]byte(e.StreamKey), []byte(s.streamKey)) != 1 {
		return reject("bad_key", "NetStream.Publish.BadName", "Invalid stream key")
	}
	if !s.streams.HandlePublish(st) {
		return reject("duplicate", "NetStream.Publish.BadName", "Stream already publishing")
	}
	if s.registry != nil {
		claimed, err := s.registry.Claim(st.info.Key, st.info.UID)
		if err != nil {
			s.streams.Remove(st)
			l.WithError(err).Error("publisher registry claim failed")
			return reject("registry_error", "NetStream.Publish.Failed", "Publisher registry unavailable")
		}
		if !claimed {
			s.streams.Remove(st)
			return reject("duplicate", "NetStream.Publish.BadName", "Stream already publishing")
		}
	}

	out, err := ss.core.AcceptPublish(e.StreamID, e.TransactionID)
	if err != nil {
		s.streams.Remove(st)
		s.releaseClaim(st, l)
		span.End()
		return results, false, errors.Wrap(err, "accept publish")
	}
	st.span = span
	ss.streams[e.StreamID] = st
	ss.state = StatePublishing
	s.metrics.publish("accepted")
	l.WithFields(log.Fields{"info": st.Info(), "mode": e.Mode}).Info("publish started")

	results = append(results, OutboundPacket{TargetConnectionID: ss.id, Bytes: out})
	return results, false, nil
}

func (s *Server) unpublish(ss *session, st *Stream, reason string) {
	delete(ss.streams, st.streamID)
	s.streams.Remove(st)
	l := ss.l.WithField("stream_key", st.info.Key)
	s.releaseClaim(st, l)
	if st.span != nil {
		st.span.SetAttributes(
			attribute.Int64("rtmp.video_frames", int64(st.videoFrames)),
			attribute.Int64("rtmp.audio_frames", int64(st.audioFrames)),
			attribute.Int64("rtmp.bytes", int64(st.bytes)),
			attribute.String("rtmp.end_reason", reason),
		)
		st.span.End()
	}
	s.metrics.unpublished()
	if len(ss.streams) == 0 && ss.state == StatePublishing {
		ss.state = StateEstablished
	}
	l.WithFields(log.Fields{
		"reason":       reason,
		"video_frames": st.videoFrames,
		"audio_frames": st.audioFrames,
	}).Info("publish finished")
}

func (s *Server) releaseClaim(st *Stream, l *log.Entry) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Release(st.info.Key, st.info.UID); err != nil {
		l.WithError(err).Warn("publisher registry release failed")
	}
}

// NotifyConnectionClosed forgets everything about connection id. Calling it
// for an unknown or already closed id does nothing.
func (s *Server) NotifyConnectionClosed(id int) {
	ss, ok := s.sessions[id]
	if !ok {
		return
	}
	for _, st := range ss.streams {
		s.unpublish(ss, st, "disconnected")
	}
	ss.state = StateClosed
	delete(s.sessions, id)
	ss.l.WithField("lifetime", time.Since(ss.createdAt).Round(time.Millisecond)).Debug("session closed")
}

// HasSession reports whether id currently has session state.
func (s *Server) HasSession(id int) bool {
	_, ok := s.sessions[id]
	return ok
}

func (s *Server) SessionCount() int {
	return len(s.sessions)
}

func (s *Server) PublishingCount() int {
	return s.streams.Len()
}

// Sessions returns a summary of every session, ordered by connection id.
func (s *Server) Sessions() []SessionInfo {
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, ss := range s.sessions {
		si := SessionInfo{
			ConnectionID: ss.id,
			State:        ss.state.String(),
			App:          ss.core.App(),
			TcURL:        ss.core.TcURL(),
			CreatedAt:    ss.createdAt,
		}
		for _, st := range ss.streams {
			si.Streams = append(si.Streams, st.Stat())
		}
		infos = append(infos, si)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectionID < infos[j].ConnectionID
	})
	return infos
}
