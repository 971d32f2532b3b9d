package rtmp

import (
	"io"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/protocol/rtmp/core"
	"github.com/livego/rtmpsrv/protocol/rtmp/rtmptest"
)

func testLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

// peer 는 서버에 직접 바이트를 넣는 가짜 퍼블리셔다. 핸드셰이크 이후만 다룬다.
type peer struct {
	id     int
	pub    rtmptest.Publisher
	reader *rtmptest.Reader
	msgs   []rtmptest.Message
}

func newPeer(id int) *peer {
	return &peer{id: id, reader: rtmptest.NewReader()}
}

type recordingSink struct {
	inputs []av.Input
}

func (s *recordingSink) Send(in av.Input) error {
	s.inputs = append(s.inputs, in)
	return nil
}

func (s *recordingSink) media() []av.Media {
	var ms []av.Media
	for _, in := range s.inputs {
		if m, ok := in.(av.Media); ok {
			ms = append(ms, m)
		}
	}
	return ms
}

// send feeds b to the server and decodes every packet addressed to p.
func (p *peer) send(t *testing.T, srv *Server, b ...[]byte) ([]ServerResult, error) {
	t.Helper()
	var all []byte
	for _, part := range b {
		all = append(all, part...)
	}
	results, err := srv.BytesReceived(p.id, all)
	for _, r := range results {
		if op, ok := r.(OutboundPacket); ok && op.TargetConnectionID == p.id {
			msgs, ferr := p.reader.Feed(op.Bytes)
			require.NoError(t, ferr)
			p.msgs = append(p.msgs, msgs...)
		}
	}
	return results, err
}

func (p *peer) statusCodes() []string {
	var codes []string
	for _, m := range p.msgs {
		if c := m.StatusCode(); c != "" {
			codes = append(codes, c)
		}
	}
	return codes
}

func (p *peer) publish(t *testing.T, srv *Server, key string) ([]ServerResult, error) {
	t.Helper()
	return p.publishApp(t, srv, "live", key)
}

func (p *peer) publishApp(t *testing.T, srv *Server, app, key string) ([]ServerResult, error) {
	t.Helper()
	_, err := p.send(t, srv, p.pub.Connect(app, "rtmp://localhost:5000/"+app))
	require.NoError(t, err)
	_, err = p.send(t, srv, p.pub.ReleaseStream(key), p.pub.FCPublish(key), p.pub.CreateStream())
	require.NoError(t, err)
	return p.send(t, srv, p.pub.Publish(1, key))
}

func disconnects(results []ServerResult, id int) bool {
	for _, r := range results {
		if d, ok := r.(DisconnectConnection); ok && d.ConnectionID == id {
			return true
		}
	}
	return false
}

func TestServerPublishScenario(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(sink, WithStreamKey("mystream"), WithLogger(testLogger()))
	p := newPeer(0)

	results, err := p.publish(t, srv, "mystream")
	require.NoError(t, err)
	assert.False(t, disconnects(results, 0))
	assert.Equal(t, []string{"NetConnection.Connect.Success", "NetStream.Publish.Start"}, p.statusCodes())

	_, err = p.send(t, srv,
		p.pub.SetDataFrame(1, rtmptest.Metadata()),
		p.pub.Video(1, 0, rtmptest.KeyFrame(1024)))
	require.NoError(t, err)

	require.Len(t, sink.inputs, 2)
	md, ok := sink.inputs[0].(av.Metadata)
	require.True(t, ok, "metadata comes first")
	require.NotNil(t, md.VideoWidth)
	require.NotNil(t, md.VideoHeight)
	require.NotNil(t, md.VideoFrameRate)
	assert.Equal(t, uint32(1280), *md.VideoWidth)
	assert.Equal(t, uint32(720), *md.VideoHeight)
	assert.Equal(t, float32(30), *md.VideoFrameRate)

	m, ok := sink.inputs[1].(av.Media)
	require.True(t, ok)
	assert.Equal(t, av.Video, m.Type)
	assert.Len(t, m.Data, 1024)
	assert.Equal(t, uint32(0), m.Timestamp)
	assert.False(t, m.CanBeDropped)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "publishing", sessions[0].State)
	require.Len(t, sessions[0].Streams, 1)
	assert.Equal(t, "mystream", sessions[0].Streams[0].Key)
	assert.Equal(t, "live", sessions[0].Streams[0].App)
	assert.Equal(t, "rtmp://localhost:5000/live/mystream", sessions[0].Streams[0].URL)
	assert.Equal(t, uint32(1280), sessions[0].Streams[0].Width)
}

func TestServerRejectsWrongKey(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(sink, WithStreamKey("other"), WithLogger(testLogger()))
	p := newPeer(3)

	results, err := p.publish(t, srv, "mystream")
	require.NoError(t, err)
	assert.True(t, disconnects(results, 3))
	assert.Contains(t, p.statusCodes(), "NetStream.Publish.BadName")
	assert.Equal(t, 0, srv.PublishingCount())

	// 끊기 전에 도착한 미디어도 전달되지 않는다.
	_, err = p.send(t, srv, p.pub.SetDataFrame(1, rtmptest.Metadata()), p.pub.Video(1, 0, rtmptest.KeyFrame(1024)))
	require.NoError(t, err)
	assert.Empty(t, sink.inputs)
}

func TestServerAcceptsAnyKeyWhenUnset(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(sink, WithLogger(testLogger()))
	p := newPeer(0)

	results, err := p.publish(t, srv, "whatever")
	require.NoError(t, err)
	assert.False(t, disconnects(results, 0))
	assert.Contains(t, p.statusCodes(), "NetStream.Publish.Start")
	assert.Equal(t, 1, srv.PublishingCount())
}

func TestServerDuplicatePublisher(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(sink, WithLogger(testLogger()))
	first, second := newPeer(0), newPeer(1)

	_, err := first.publish(t, srv, "mystream")
	require.NoError(t, err)

	results, err := second.publish(t, srv, "mystream")
	require.NoError(t, err)
	assert.True(t, disconnects(results, 1))
	assert.Contains(t, second.statusCodes(), "NetStream.Publish.BadName")
	srv.NotifyConnectionClosed(1)

	// 첫 퍼블리셔는 그대로 남는다.
	_, err = first.send(t, srv, first.pub.Video(1, 0, rtmptest.KeyFrame(64)))
	require.NoError(t, err)
	require.Len(t, sink.media(), 1)
	assert.Equal(t, 1, srv.PublishingCount())

	// 첫 퍼블리셔가 끝나면 키를 다시 쓸 수 있다.
	srv.NotifyConnectionClosed(0)
	third := newPeer(0)
	results, err = third.publish(t, srv, "mystream")
	require.NoError(t, err)
	assert.False(t, disconnects(results, 0))
}

func TestServerDuplicateKeyAcrossApps(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(sink, WithStreamKey("mystream"), WithLogger(testLogger()))
	first, second := newPeer(0), newPeer(1)

	results, err := first.publishApp(t, srv, "live", "mystream")
	require.NoError(t, err)
	require.False(t, disconnects(results, 0))

	results, err = second.publishApp(t, srv, "other", "mystream")
	require.NoError(t, err)
	assert.True(t, disconnects(results, 1))
	assert.Contains(t, second.statusCodes(), "NetStream.Publish.BadName")
	assert.NotContains(t, second.statusCodes(), "NetStream.Publish.Start")
	assert.Equal(t, 1, srv.PublishingCount())
}

func TestServerMalformedBytesIsolated(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(sink, WithLogger(testLogger()))
	good, bad := newPeer(0), newPeer(1)

	_, err := good.publish(t, srv, "good")
	require.NoError(t, err)

	// csid 9 에 대한 첫 청크가 type 3 헤더다.
	_, err = bad.send(t, srv, []byte{0xc9, 0x00, 0x01, 0x02})
	require.Error(t, err)
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 1, serr.ConnectionID)
	var cerr *core.ChunkError
	assert.ErrorAs(t, err, &cerr)
	srv.NotifyConnectionClosed(1)

	_, err = good.send(t, srv, good.pub.Video(1, 40, rtmptest.KeyFrame(32)))
	require.NoError(t, err)
	require.Len(t, sink.media(), 1)
	assert.Equal(t, uint32(40), sink.media()[0].Timestamp)
}

func TestServerPublishBeforeConnect(t *testing.T) {
	srv := NewServer(&recordingSink{}, WithLogger(testLogger()))
	p := newPeer(0)
	_, err := p.send(t, srv, p.pub.Publish(1, "mystream"))
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	var cerr *core.CommandError
	assert.ErrorAs(t, err, &cerr)
}

func TestNotifyConnectionClosedIdempotent(t *testing.T) {
	srv := NewServer(&recordingSink{}, WithLogger(testLogger()))
	p := newPeer(5)
	_, err := p.publish(t, srv, "mystream")
	require.NoError(t, err)
	require.True(t, srv.HasSession(5))

	srv.NotifyConnectionClosed(5)
	assert.False(t, srv.HasSession(5))
	assert.Equal(t, 0, srv.PublishingCount())

	assert.NotPanics(t, func() {
		srv.NotifyConnectionClosed(5)
		srv.NotifyConnectionClosed(42)
	})
	assert.Equal(t, 0, srv.SessionCount())
}

func TestServerDroppableFlags(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(sink, WithLogger(testLogger()))
	p := newPeer(0)
	_, err := p.publish(t, srv, "mystream")
	require.NoError(t, err)

	avcSeq := []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64}
	aacSeq := []byte{0xaf, 0x00, 0x12, 0x10}
	aacRaw := []byte{0xaf, 0x01, 0x21, 0x00}

	_, err = p.send(t, srv,
		p.pub.Audio(1, 0, aacSeq),
		p.pub.Video(1, 0, avcSeq),
		p.pub.Audio(1, 10, aacRaw),
		p.pub.Video(1, 20, rtmptest.InterFrame(16)),
		p.pub.Video(1, 33, rtmptest.KeyFrame(16)),
		p.pub.Audio(1, 40, aacRaw),
		p.pub.Video(1, 66, rtmptest.InterFrame(16)),
		p.pub.Video(1, 70, nil),
	)
	require.NoError(t, err)

	var flags []bool
	for _, m := range sink.media() {
		flags = append(flags, m.CanBeDropped)
	}
	assert.Equal(t, []bool{
		false, // aac sequence header
		false, // avc sequence header
		true,  // audio before the first keyframe
		true,  // inter frame
		false, // keyframe
		false, // audio after a keyframe
		true,  // inter frame
	}, flags, "empty payloads are not forwarded")
}

func TestServerAudioOnlyNotDroppable(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(sink, WithLogger(testLogger()))
	p := newPeer(0)
	_, err := p.publish(t, srv, "radio")
	require.NoError(t, err)

	md := rtmptest.Metadata()
	for _, k := range []string{"width", "height", "framerate", "videocodecid", "videodatarate"} {
		delete(md, k)
	}
	_, err = p.send(t, srv, p.pub.SetDataFrame(1, md), p.pub.Audio(1, 0, []byte{0xaf, 0x01, 0x21}))
	require.NoError(t, err)

	media := sink.media()
	require.Len(t, media, 1)
	assert.Equal(t, av.Audio, media[0].Type)
	assert.False(t, media[0].CanBeDropped)
}

func TestServerDeleteStreamKeepsConnection(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(sink, WithLogger(testLogger()))
	p := newPeer(0)
	_, err := p.publish(t, srv, "mystream")
	require.NoError(t, err)

	results, err := p.send(t, srv, p.pub.FCUnpublish("mystream"), p.pub.DeleteStream(1))
	require.NoError(t, err)
	assert.False(t, disconnects(results, 0))
	assert.Equal(t, 0, srv.PublishingCount())
	assert.True(t, srv.HasSession(0))
	assert.Equal(t, "established", srv.Sessions()[0].State)

	// 스트림을 다시 만들어 같은 키로 퍼블리시할 수 있다.
	_, err = p.send(t, srv, p.pub.CreateStream(), p.pub.Publish(2, "mystream"))
	require.NoError(t, err)
	assert.Equal(t, 1, srv.PublishingCount())
}

type fakeRegistry struct {
	owners   map[string]string
	released []string
}

func (r *fakeRegistry) Claim(key, owner string) (bool, error) {
	if _, ok := r.owners[key]; ok {
		return false, nil
	}
	r.owners[key] = owner
	return true, nil
}

func (r *fakeRegistry) Release(key, owner string) error {
	if r.owners[key] == owner {
		delete(r.owners, key)
		r.released = append(r.released, key)
	}
	return nil
}

func TestServerPublisherRegistry(t *testing.T) {
	reg := &fakeRegistry{owners: map[string]string{"taken": "other-instance"}}
	srv := NewServer(&recordingSink{}, WithLogger(testLogger()), WithPublisherRegistry(reg))

	p := newPeer(0)
	results, err := p.publish(t, srv, "taken")
	require.NoError(t, err)
	assert.True(t, disconnects(results, 0), "claimed by another instance")
	srv.NotifyConnectionClosed(0)

	q := newPeer(1)
	results, err = q.publish(t, srv, "free")
	require.NoError(t, err)
	assert.False(t, disconnects(results, 1))
	assert.Contains(t, reg.owners, "free")

	srv.NotifyConnectionClosed(1)
	assert.Equal(t, []string{"free"}, reg.released)
	assert.Equal(t, "other-instance", reg.owners["taken"])
}

type brokenRegistry struct{}

func (brokenRegistry) Claim(key, owner string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (brokenRegistry) Release(key, owner string) error { return nil }

func TestServerRegistryFailureFreesLocalKey(t *testing.T) {
	srv := NewServer(&recordingSink{}, WithLogger(testLogger()), WithPublisherRegistry(brokenRegistry{}))
	p := newPeer(0)
	results, err := p.publish(t, srv, "mystream")
	require.NoError(t, err)
	assert.True(t, disconnects(results, 0))
	assert.Contains(t, p.statusCodes(), "NetStream.Publish.Failed")
	assert.Equal(t, 0, srv.PublishingCount())
}

func TestServerHostileInputIsolated(t *testing.T) {
	pub := &rtmptest.Publisher{}
	var manyStreams []byte
	for csid := uint32(3); csid < 300; csid++ {
		manyStreams = append(manyStreams, rtmptest.OpenMessage(csid, rtmptest.TypeVideo, 1, 0xffffff, make([]byte, 128))...)
	}
	var manyLarge []byte
	for csid := uint32(3); csid < 53; csid++ {
		manyLarge = append(manyLarge, rtmptest.OpenMessage(csid, rtmptest.TypeVideo, 1, 0xffffff, make([]byte, 128))...)
	}

	tests := []struct {
		name    string
		in      []byte
		wantErr bool
	}{
		{"strict array count", pub.Message(3, rtmptest.TypeCommandAMF0, 0, 0, []byte{0x0a, 0xff, 0xff, 0xff, 0xff}), true},
		{"ecma array count", pub.Message(4, rtmptest.TypeDataAMF0, 0, 0, []byte{0x08, 0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x09}), true},
		{"too many chunk streams", manyStreams, true},
		{"large declared lengths", manyLarge, false},
		{"huge chunk size then partial chunk", append(pub.SetChunkSize(0xffffff),
			rtmptest.OpenMessage(6, rtmptest.TypeVideo, 1, 0xffffff, make([]byte, 4096))...), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			srv := NewServer(sink, WithLogger(testLogger()))
			good, bad := newPeer(0), newPeer(1)
			_, err := good.publish(t, srv, "good")
			require.NoError(t, err)

			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, err = bad.send(t, srv, tt.in)
			runtime.ReadMemStats(&after)

			if tt.wantErr {
				var serr *ServerError
				require.ErrorAs(t, err, &serr)
				assert.Equal(t, 1, serr.ConnectionID)
			} else {
				require.NoError(t, err)
			}
			assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(64<<20))
			srv.NotifyConnectionClosed(1)

			_, err = good.send(t, srv, good.pub.Video(1, 0, rtmptest.KeyFrame(32)))
			require.NoError(t, err)
			assert.Len(t, sink.media(), 1)
		})
	}
}

func TestServerMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	srv := NewServer(&recordingSink{}, WithLogger(testLogger()), WithMetrics(m))
	p := newPeer(0)
	_, err := p.publish(t, srv, "mystream")
	require.NoError(t, err)
	_, err = p.send(t, srv, p.pub.Video(1, 0, rtmptest.KeyFrame(8)), p.pub.Video(1, 33, rtmptest.InterFrame(8)))
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.publishing))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.mediaMessages.WithLabelValues("video")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.droppableMessage))

	srv.NotifyConnectionClosed(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.publishing))
}
