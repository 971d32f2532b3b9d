package rtmp

import (
	"net"
)

// pumpReader 는 fd 에 직접 접근할 수 없는 연결(RTMPS 의 *tls.Conn, net.Pipe 등)을 위해
// 고루틴 하나가 블로킹 Read 를 대신 수행하고, tryRead 는 채널을 select/default 로 확인한다.
type pumpReader struct {
	data    chan []byte
	errc    chan error
	done    chan struct{}
	pending []byte
	err     error
}

func newPumpReader(c net.Conn, size int) *pumpReader {
	r := &pumpReader{
		data: make(chan []byte, 16),
		errc: make(chan error, 1),
		done: make(chan struct{}),
	}
	go r.pump(c, size)
	return r
}

func (r *pumpReader) pump(c net.Conn, size int) {
	for {
		buf := make([]byte, size)
		n, err := c.Read(buf)
		if n > 0 {
			select {
			case r.data <- buf[:n]:
			case <-r.done:
				return
			}
		}
		if err != nil {
			r.errc <- err
			return
		}
	}
}

func (r *pumpReader) tryRead(p []byte) (int, error) {
	if len(r.pending) == 0 {
		select {
		case b := <-r.data:
			r.pending = b
		default:
			if r.err != nil {
				return 0, r.err
			}
			select {
			case err := <-r.errc:
				// 에러 전에 보낸 데이터가 남아있을 수 있다.
				r.err = err
				select {
				case b := <-r.data:
					r.pending = b
				default:
					return 0, err
				}
			default:
				return 0, nil
			}
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *pumpReader) close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
