package rtmp

import (
	"io"
	"net"
	"time"

	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/protocol/rtmp/core"
)

type ReadStatus int

const (
	NoBytesReceived ReadStatus = iota
	HandshakingInProgress
	BytesReceived
)

func (s ReadStatus) String() string {
	switch s {
	case NoBytesReceived:
		return "no_bytes"
	case HandshakingInProgress:
		return "handshaking"
	case BytesReceived:
		return "bytes"
	}
	return "unknown"
}

// ReadResult 는 Conn.Read 한 번의 결과다. Buffer 는 Conn 내부 버퍼를 가리키므로
// 다음 Read 전까지만 유효하다.
type ReadResult struct {
	Status ReadStatus
	Buffer []byte
}

type ConnConfig struct {
	ReadBufferSize   int
	HandshakeTimeout time.Duration // 0 이면 제한 없음
	ReadTimeout      time.Duration // 0 이면 제한 없음
	WriteTimeout     time.Duration // 0 이면 제한 없음
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ReadBufferSize:   4096,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// nonblockReader 는 기다리지 않는 읽기를 제공한다. 읽을 것이 없으면 (0, nil) 을 돌려준다.
type nonblockReader interface {
	tryRead(p []byte) (int, error)
	close()
}

// Conn 은 클라이언트 소켓 하나를 감싼다. 핸드셰이크는 Conn 이 직접 처리하고,
// 그 이후의 바이트만 호출자에게 넘긴다. Read 는 절대 블로킹되지 않는다.
type Conn struct {
	net.Conn
	// 마지막으로 데이터를 받은 시점 (read_timeout)
	av.RWBaser

	UID         string
	ConnectedAt time.Time
	ReadBytes   uint64
	WriteBytes  uint64

	cfg        ConnConfig
	reader     nonblockReader
	buf        []byte
	hs         *core.Handshake
	hsDeadline time.Time
	writeErr   error
	closed     bool
	l          *log.Entry
}

func NewConn(c net.Conn, cfg ConnConfig, l *log.Entry) *Conn {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultConnConfig().ReadBufferSize
	}
	now := time.Now()
	conn := &Conn{
		Conn:        c,
		RWBaser:     av.NewRWBaser(cfg.ReadTimeout),
		UID:         uuid.NewV4().String(),
		ConnectedAt: now,
		cfg:         cfg,
		buf:         make([]byte, cfg.ReadBufferSize),
		hs:          core.NewHandshake(),
	}
	if cfg.HandshakeTimeout > 0 {
		conn.hsDeadline = now.Add(cfg.HandshakeTimeout)
	}
	conn.l = l.WithFields(log.Fields{
		"uid":    conn.UID,
		"remote": c.RemoteAddr().String(),
	})
	if r, ok := newRawReader(c); ok {
		conn.reader = r
	} else {
		conn.reader = newPumpReader(c, cfg.ReadBufferSize)
	}
	return conn
}

func (c *Conn) HandshakeDone() bool {
	return c.hs.Done()
}

// Read performs at most one read from the socket.
func (c *Conn) Read() (ReadResult, error) {
	if c.closed {
		return ReadResult{}, ErrSocketClosed
	}
	if c.writeErr != nil {
		return ReadResult{}, c.writeErr
	}

	n, err := c.reader.tryRead(c.buf)
	if err != nil {
		if err == io.EOF {
			return ReadResult{}, ErrSocketClosed
		}
		return ReadResult{}, &IOError{Op: "read", Err: err}
	}
	if n == 0 {
		if err := c.checkDeadlines(); err != nil {
			return ReadResult{}, err
		}
		return ReadResult{Status: NoBytesReceived}, nil
	}
	c.ReadBytes += uint64(n)
	c.SetPreTime()

	data := c.buf[:n]
	if !c.hs.Done() {
		out, used, err := c.hs.Feed(data)
		if err != nil {
			return ReadResult{}, &IOError{Op: "handshake", Err: err}
		}
		if out != nil {
			if err := c.Write(out); err != nil {
				return ReadResult{}, err
			}
		}
		if !c.hs.Done() || used == len(data) {
			if c.hs.Done() {
				c.l.Debug("handshake complete")
			}
			return ReadResult{Status: HandshakingInProgress}, nil
		}
		c.l.Debugf("handshake complete with %d trailing bytes", len(data)-used)
		data = data[used:]
	}
	return ReadResult{Status: BytesReceived, Buffer: data}, nil
}

func (c *Conn) checkDeadlines() error {
	if !c.hs.Done() {
		if !c.hsDeadline.IsZero() && time.Now().After(c.hsDeadline) {
			return &IOError{Op: "handshake", Err: ErrTimeout}
		}
		return nil
	}
	if c.cfg.ReadTimeout > 0 && !c.Alive() {
		return &IOError{Op: "read", Err: ErrTimeout}
	}
	return nil
}

// Write sends b with the write timeout. A failure is also reported by the
// next Read.
func (c *Conn) Write(b []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.cfg.WriteTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	n, err := c.Conn.Write(b)
	c.WriteBytes += uint64(n)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			err = ErrTimeout
		}
		c.writeErr = &IOError{Op: "write", Err: err}
		return c.writeErr
	}
	return nil
}

// Close is idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.Conn.Close()
	c.reader.close()
	return err
}
