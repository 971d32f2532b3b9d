package core

import (
	"github.com/pkg/errors"
)

// errShortBuffer 는 아직 도착하지 않은 바이트가 필요하다는 뜻이다. 오류가 아니라 "더 기다려라" 신호다.
var errShortBuffer = errors.New("rtmp: need more data")

// ReadWriter 는 소켓 대신 호출자가 밀어 넣은(Feed) 바이트 위에서 동작한다.
// 읽기 쪽은 mark/reset 으로 읽기 위치를 되돌릴 수 있어, 메시지가 중간에 잘려 도착해도
// 다음 Feed 때 처음부터 다시 파싱할 수 있다. 쓰기 쪽은 내보낼 바이트를 모아둔다.
type ReadWriter struct {
	in        []byte
	pos       int
	consumed  uint64 // 지금까지 소비한 총 바이트 수 (ack 계산용)
	readError error

	out        []byte
	writeError error
}

func NewReadWriter() *ReadWriter {
	return &ReadWriter{}
}

// Feed appends b to the pending input. b is copied.
func (rw *ReadWriter) Feed(b []byte) {
	if rw.pos > 0 {
		n := copy(rw.in, rw.in[rw.pos:])
		rw.in = rw.in[:n]
		rw.pos = 0
	}
	rw.in = append(rw.in, b...)
	rw.readError = nil
}

// Buffered returns the number of unread input bytes.
func (rw *ReadWriter) Buffered() int {
	return len(rw.in) - rw.pos
}

func (rw *ReadWriter) mark() int {
	return rw.pos
}

func (rw *ReadWriter) reset(m int) {
	rw.pos = m
	rw.readError = nil
}

// commit 은 mark 이후 읽은 바이트를 소비한 것으로 확정한다.
func (rw *ReadWriter) commit(m int) {
	rw.consumed += uint64(rw.pos - m)
}

func (rw *ReadWriter) need(n int) bool {
	if rw.readError != nil {
		return false
	}
	if rw.Buffered() < n {
		rw.readError = errShortBuffer
		return false
	}
	return true
}

func (rw *ReadWriter) Read(p []byte) (int, error) {
	if !rw.need(len(p)) {
		return 0, rw.readError
	}
	n := copy(p, rw.in[rw.pos:])
	rw.pos += n
	return n, nil
}

func (rw *ReadWriter) Peek(n int) ([]byte, error) {
	if !rw.need(n) {
		return nil, rw.readError
	}
	return rw.in[rw.pos : rw.pos+n], nil
}

func (rw *ReadWriter) Discard(n int) (int, error) {
	if !rw.need(n) {
		return 0, rw.readError
	}
	rw.pos += n
	return n, nil
}

func (rw *ReadWriter) ReadUintBE(n int) (uint32, error) {
	if !rw.need(n) {
		return 0, rw.readError
	}
	ret := uint32(0)
	for i := 0; i < n; i++ {
		ret = ret<<8 + uint32(rw.in[rw.pos+i])
	}
	rw.pos += n
	return ret, nil
}

func (rw *ReadWriter) ReadUintLE(n int) (uint32, error) {
	if !rw.need(n) {
		return 0, rw.readError
	}
	ret := uint32(0)
	for i := 0; i < n; i++ {
		ret += uint32(rw.in[rw.pos+i]) << uint32(i*8)
	}
	rw.pos += n
	return ret, nil
}

func (rw *ReadWriter) WriteUintBE(v uint32, n int) error {
	if rw.writeError != nil {
		return rw.writeError
	}
	for i := 0; i < n; i++ {
		b := byte(v>>uint32((n-i-1)<<3)) & 0xff
		rw.out = append(rw.out, b)
	}
	return nil
}

func (rw *ReadWriter) WriteUintLE(v uint32, n int) error {
	if rw.writeError != nil {
		return rw.writeError
	}
	for i := 0; i < n; i++ {
		b := byte(v) & 0xff
		rw.out = append(rw.out, b)
		v = v >> 8
	}
	return nil
}

func (rw *ReadWriter) Write(p []byte) (int, error) {
	if rw.writeError != nil {
		return 0, rw.writeError
	}
	rw.out = append(rw.out, p...)
	return len(p), nil
}

func (rw *ReadWriter) WriteError() error {
	return rw.writeError
}

// Flush hands over everything written so far and starts a new output buffer.
func (rw *ReadWriter) Flush() []byte {
	out := rw.out
	rw.out = nil
	return out
}
