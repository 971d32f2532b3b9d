package rtmp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

type ListenConfig struct {
	Addr           string
	EnableTLS      bool // RTMPS
	CertFile       string
	KeyFile        string
	MaxConnections int // 0 이면 제한 없음
}

// Listen opens the RTMP (or RTMPS) listening socket.
func Listen(cfg ListenConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", cfg.Addr)
	}
	if cfg.MaxConnections > 0 {
		ln = limitListener(ln, cfg.MaxConnections)
	}
	if cfg.EnableTLS {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			ln.Close()
			return nil, errors.Wrap(err, "load rtmps certificate")
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return ln, nil
}

// limitListener 는 netutil.LimitListener 로 동시 연결 수를 막되, 받은 연결이 여전히 syscall.Conn 을
// 구현하게 한다. LimitListener 의 래퍼는 fd 를 숨겨서 모든 연결이 pump 고루틴으로 빠지기 때문이다.
func limitListener(ln net.Listener, n int) net.Listener {
	raw := make(chan net.Conn, 1)
	return &fdListener{
		Listener: netutil.LimitListener(handoffListener{Listener: ln, raw: raw}, n),
		raw:      raw,
	}
}

// handoffListener 는 LimitListener 안쪽에서 원래 연결을 바깥 fdListener 로 넘긴다.
type handoffListener struct {
	net.Listener
	raw chan<- net.Conn
}

func (l handoffListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.raw <- c
	}
	return c, err
}

type fdListener struct {
	net.Listener
	mu  sync.Mutex // Accept 한 번에 handoff 하나
	raw <-chan net.Conn
}

func (l *fdListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &limitedConn{Conn: c, raw: <-l.raw}, nil
}

// limitedConn 은 Close 를 LimitListener 의 연결로 보내 슬롯을 반납하고, fd 는 원래 연결에서 꺼낸다.
type limitedConn struct {
	net.Conn
	raw net.Conn
}

func (c *limitedConn) SyscallConn() (syscall.RawConn, error) {
	sc, ok := c.raw.(syscall.Conn)
	if !ok {
		return nil, errors.Errorf("rtmp: %T has no file descriptor", c.raw)
	}
	return sc.SyscallConn()
}

// Acceptor 는 블로킹 Accept 를 전담하고, 받은 연결을 채널로 이벤트 루프에 넘긴다.
type Acceptor struct {
	ln    net.Listener
	conns chan<- net.Conn
	l     *log.Entry
}

func NewAcceptor(ln net.Listener, conns chan<- net.Conn, l *log.Entry) *Acceptor {
	return &Acceptor{
		ln:    ln,
		conns: conns,
		l:     l.WithFields(log.Fields{"component": "acceptor", "addr": ln.Addr().String()}),
	}
}

func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Serve accepts connections until the listener is closed or ctx is done.
// Accept failures back off from 5ms up to 1s and never stop the loop.
func (a *Acceptor) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			a.ln.Close()
		case <-stop:
		}
	}()

	a.l.Info("rtmp listen on ", a.ln.Addr())
	var backoff time.Duration
	for {
		c, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				a.l.Info("acceptor stopped")
				return nil
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			a.l.WithError(err).Warnf("accept failed, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		a.l.WithField("remote", c.RemoteAddr().String()).Debug("accepted")
		select {
		case a.conns <- c:
		case <-ctx.Done():
			c.Close()
		}
	}
}
