package rtmp

import (
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livego/rtmpsrv/protocol/rtmp/core"
	"github.com/livego/rtmpsrv/protocol/rtmp/rtmptest"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// pollConn reads c until it has returned want bytes after the handshake or
// an error occurs.
func pollConn(t *testing.T, c *Conn, want int, timeout time.Duration) ([]byte, error) {
	t.Helper()
	var got []byte
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := c.Read()
		if err != nil {
			return got, err
		}
		if res.Status == BytesReceived {
			got = append(got, res.Buffer...)
			if len(got) >= want {
				return got, nil
			}
		}
		if res.Status == NoBytesReceived {
			time.Sleep(time.Millisecond)
		}
	}
	return got, errors.New("poll timed out")
}

func TestConnHandshakeThenBytes(t *testing.T) {
	cli, srv := tcpPair(t)
	conn := NewConn(srv, DefaultConnConfig(), testLogger())
	defer conn.Close()

	client := rtmptest.NewClient(cli)
	payload := client.Connect("live", "rtmp://127.0.0.1/live")
	done := make(chan error, 1)
	go func() {
		if err := client.Handshake(2 * time.Second); err != nil {
			done <- err
			return
		}
		done <- client.Send(payload)
	}()

	got, err := pollConn(t, conn, len(payload), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.True(t, conn.HandshakeDone())
	assert.Equal(t, payload, got)
	assert.Equal(t, uint64(1+2*1536), conn.WriteBytes)
	assert.Equal(t, uint64(1+2*1536+len(payload)), conn.ReadBytes)
}

func TestConnBytesAfterC2InSameRead(t *testing.T) {
	cli, srv := tcpPair(t)
	conn := NewConn(srv, DefaultConnConfig(), testLogger())
	defer conn.Close()

	var pub rtmptest.Publisher
	payload := pub.Connect("live", "rtmp://127.0.0.1/live")
	done := make(chan error, 1)
	go func() {
		if _, err := cli.Write(rtmptest.C0C1()); err != nil {
			done <- err
			return
		}
		s0s1s2 := make([]byte, 1+2*1536)
		for n := 0; n < len(s0s1s2); {
			m, err := cli.Read(s0s1s2[n:])
			if err != nil {
				done <- err
				return
			}
			n += m
		}
		_, err := cli.Write(append(rtmptest.C2(s0s1s2), payload...))
		done <- err
	}()

	got, err := pollConn(t, conn, len(payload), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, payload, got)
}

func TestConnPeerClose(t *testing.T) {
	cli, srv := tcpPair(t)
	conn := NewConn(srv, DefaultConnConfig(), testLogger())
	defer conn.Close()

	require.NoError(t, cli.Close())
	_, err := pollConn(t, conn, 1, 2*time.Second)
	assert.Equal(t, ErrSocketClosed, err)
}

func TestConnHandshakeTimeout(t *testing.T) {
	_, srv := tcpPair(t)
	cfg := DefaultConnConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	conn := NewConn(srv, cfg, testLogger())
	defer conn.Close()

	_, err := pollConn(t, conn, 1, 2*time.Second)
	var ioe *IOError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "handshake", ioe.Op)
	assert.Equal(t, ErrTimeout, errors.Cause(err))
}

func TestConnBadHandshakeVersion(t *testing.T) {
	cli, srv := tcpPair(t)
	conn := NewConn(srv, DefaultConnConfig(), testLogger())
	defer conn.Close()

	c0c1 := rtmptest.C0C1()
	c0c1[0] = 6
	_, err := cli.Write(c0c1)
	require.NoError(t, err)

	_, err = pollConn(t, conn, 1, 2*time.Second)
	assert.Equal(t, core.ErrHandshakeVersion, errors.Cause(err))
}

func TestConnOverPipe(t *testing.T) {
	cli, srv := net.Pipe()
	conn := NewConn(srv, DefaultConnConfig(), testLogger())
	defer conn.Close()
	defer cli.Close()

	client := rtmptest.NewClient(cli)
	payload := client.CreateStream()
	done := make(chan error, 1)
	go func() {
		if err := client.Handshake(2 * time.Second); err != nil {
			done <- err
			return
		}
		done <- client.Send(payload)
	}()

	got, err := pollConn(t, conn, len(payload), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, payload, got)
}

func TestConnCloseIdempotent(t *testing.T) {
	_, srv := tcpPair(t)
	conn := NewConn(srv, DefaultConnConfig(), testLogger())
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	_, err := conn.Read()
	assert.Equal(t, ErrSocketClosed, err)
}

func TestConnIdleTimeout(t *testing.T) {
	cli, srv := tcpPair(t)
	cfg := DefaultConnConfig()
	cfg.ReadTimeout = 50 * time.Millisecond
	conn := NewConn(srv, cfg, testLogger())
	defer conn.Close()

	client := rtmptest.NewClient(cli)
	done := make(chan error, 1)
	go func() { done <- client.Handshake(2 * time.Second) }()

	// 핸드셰이크 후 아무것도 보내지 않으면 read_timeout 이 지난다.
	_, err := pollConn(t, conn, 1, 2*time.Second)
	require.NoError(t, <-done)
	var ioe *IOError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "read", ioe.Op)
	assert.Equal(t, ErrTimeout, ioe.Err)
}
