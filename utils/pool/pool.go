package pool

// 청크 스트림이 메시지 페이로드를 담을 저장공간을 매번 새로 할당하지 않도록 큰 버퍼를 잘라서 나눠준다.
// 한번 나눠준 영역은 다시 쓰지 않는다. 버퍼를 다 쓰면 새 버퍼를 만들고, 이전 버퍼는
// 그 조각을 들고 있는 쪽(미디어 큐의 소비자 등)이 놓아주면 GC 가 회수한다.
// 따라서 Get 으로 받은 슬라이스는 이후에 변경되지 않는다는 것이 보장된다.

type Pool struct {
	pos int    // 현재 메모리 풀에서 사용된 위치(오프셋)
	buf []byte // 미리 할당된 고정 크기의 바이트 배열
}

// 메모리 풀 최대크기. 500 kb
const maxpoolsize = 500 * 1024

// Get returns a zeroed slice of size bytes that no later Get call overlaps.
func (pool *Pool) Get(size int) []byte {
	if size > maxpoolsize/4 {
		// 큰 메시지(키프레임 등)는 풀을 빨리 소진시키므로 따로 할당한다.
		return make([]byte, size)
	}
	if maxpoolsize-pool.pos < size {
		pool.pos = 0
		pool.buf = make([]byte, maxpoolsize)
	}
	b := pool.buf[pool.pos : pool.pos+size : pool.pos+size]
	pool.pos += size
	return b
}

// Remaining reports how many bytes can still be handed out before the pool
// allocates a fresh buffer.
func (pool *Pool) Remaining() int {
	return maxpoolsize - pool.pos
}

func NewPool() *Pool {
	return &Pool{
		buf: make([]byte, maxpoolsize),
	}
}
