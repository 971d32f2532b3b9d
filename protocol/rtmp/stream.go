package rtmp

import (
	"time"

	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/container/flv"
)

// RtmpStream 은 퍼블리시 중인 스트림을 스트림 키로 관리한다. app 이 달라도
// 한 키에는 퍼블리셔가 하나뿐이다. 이벤트 루프 고루틴에서만 접근하므로 잠금이 없다.
type RtmpStream struct {
	streams map[string]*Stream
	l       *log.Entry
}

func NewRtmpStream(l *log.Entry) *RtmpStream {
	return &RtmpStream{
		streams: make(map[string]*Stream),
		l:       l,
	}
}

// HandlePublish registers s under its key. It returns false, leaving the
// current owner in place, when the key is already being published.
func (rs *RtmpStream) HandlePublish(s *Stream) bool {
	if cur, ok := rs.streams[s.info.Key]; ok {
		rs.l.WithFields(log.Fields{"stream_key": s.info.Key, "owner": cur.ID()}).Debug("key already published")
		return false
	}
	rs.streams[s.info.Key] = s
	return true
}

// Remove drops s if it still owns its key.
func (rs *RtmpStream) Remove(s *Stream) {
	if cur, ok := rs.streams[s.info.Key]; ok && cur == s {
		delete(rs.streams, s.info.Key)
	}
}

func (rs *RtmpStream) Len() int {
	return len(rs.streams)
}

// Stream 은 한 연결의 한 메시지 스트림에서 진행 중인 퍼블리시이다.
// 받은 미디어를 av.Media 로 바꾸면서 드롭 가능 여부를 판단한다.
type Stream struct {
	info      av.Info
	connID    int
	streamID  uint32
	app       string
	name      string
	startedAt time.Time
	demuxer   *flv.Demuxer
	span      trace.Span

	seenKeyFrame bool
	audioOnly    bool
	metadata     *av.Metadata

	videoFrames   uint64
	audioFrames   uint64
	bytes         uint64
	lastTimestamp uint32
}

func NewStream(connID int, streamID uint32, app, name, tcURL string) *Stream {
	return &Stream{
		info: av.Info{
			Key: name,
			URL: tcURL + "/" + name,
			UID: uuid.NewV4().String(),
		},
		connID:    connID,
		streamID:  streamID,
		app:       app,
		name:      name,
		startedAt: time.Now(),
		demuxer:   flv.NewDemuxer(),
	}
}

func (s *Stream) ID() string {
	return s.info.UID
}

func (s *Stream) Info() av.Info {
	return s.info
}

// SetMetadata remembers the latest onMetaData. A publisher that announces
// audio fields and no video fields is treated as audio only.
func (s *Stream) SetMetadata(md av.Metadata) {
	s.metadata = &md
	s.audioOnly = md.VideoCodecID == nil && md.VideoWidth == nil && md.VideoHeight == nil &&
		(md.AudioCodecID != nil || md.AudioSampleRate != nil)
}

// Media turns one audio or video message into the value handed to the
// consumer.
//
// 참조할 키프레임이 없는 인터 프레임은 디코딩할 수 없으므로 버려도 된다.
// 첫 비디오 키프레임 전의 오디오도 마찬가지다. 시퀀스 헤더는 절대 버리지 않는다.
func (s *Stream) Media(t av.MediaType, timestamp uint32, data []byte) av.Media {
	m := av.Media{Type: t, Data: data, Timestamp: timestamp}
	s.bytes += uint64(len(data))
	s.lastTimestamp = timestamp

	tag, err := s.demuxer.DemuxH(m)
	if t == av.Video {
		s.videoFrames++
		switch {
		case err != nil:
			m.CanBeDropped = true
		case tag.IsSeq():
		case tag.IsKeyFrame():
			s.seenKeyFrame = true
		default:
			m.CanBeDropped = true
		}
		return m
	}

	s.audioFrames++
	if err == nil && tag.IsAACSeq() {
		return m
	}
	m.CanBeDropped = !s.seenKeyFrame && !s.audioOnly
	return m
}

// StreamInfo 는 상태 API 에 노출되는 스트림 요약이다.
type StreamInfo struct {
	Key           string    `json:"key"`
	App           string    `json:"app"`
	URL           string    `json:"url"`
	UID           string    `json:"uid"`
	StreamID      uint32    `json:"stream_id"`
	StartedAt     time.Time `json:"started_at"`
	VideoFrames   uint64    `json:"video_frames"`
	AudioFrames   uint64    `json:"audio_frames"`
	Bytes         uint64    `json:"bytes"`
	LastTimestamp uint32    `json:"last_timestamp"`
	Width         uint32    `json:"width,omitempty"`
	Height        uint32    `json:"height,omitempty"`
}

func (s *Stream) Stat() StreamInfo {
	si := StreamInfo{
		Key:           s.info.Key,
		App:           s.app,
		URL:           s.info.URL,
		UID:           s.info.UID,
		StreamID:      s.streamID,
		StartedAt:     s.startedAt,
		VideoFrames:   s.videoFrames,
		AudioFrames:   s.audioFrames,
		Bytes:         s.bytes,
		LastTimestamp: s.lastTimestamp,
	}
	if md := s.metadata; md != nil {
		if md.VideoWidth != nil {
			si.Width = *md.VideoWidth
		}
		if md.VideoHeight != nil {
			si.Height = *md.VideoHeight
		}
	}
	return si
}
