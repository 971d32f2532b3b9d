//go:build unix

package rtmp

import (
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawReader 는 런타임이 이미 논블로킹으로 열어둔 fd 를 직접 read 한다.
// EAGAIN 이면 기다리지 않고 바로 돌아온다.
type rawReader struct {
	rc syscall.RawConn
}

func newRawReader(c net.Conn) (nonblockReader, bool) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, false
	}
	return &rawReader{rc: rc}, true
}

func (r *rawReader) tryRead(p []byte) (int, error) {
	var n int
	var opErr error
	err := r.rc.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	switch opErr {
	case nil:
	case unix.EAGAIN, unix.EINTR:
		return 0, nil
	default:
		return 0, opErr
	}
	if n <= 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (r *rawReader) close() {}
