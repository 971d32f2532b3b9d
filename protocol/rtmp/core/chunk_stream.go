package core

import (
	"encoding/binary"
	"fmt"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/utils/pool"
)

// RTMP 청크 데이터의 메타데이터와 내용을 저장한다.
// 같은 CSID 로 들어오는 청크들은 하나의 ChunkStream 에 이어 붙여져 메시지가 된다.
type ChunkStream struct {
	Format    uint32 // 청크의 포맷 (0~3)
	CSID      uint32 // chunk stream id. RTMP 청크의 고유 ID 1~3 바이트
	Timestamp uint32 // Timestamp. 데이터의 타임 스탬프
	Length    uint32 // Length. 데이터의 페이로드 길이
	TypeID    uint32 // 메시지 타입(오디오, 비디오, 커맨드 등)
	StreamID  uint32 // 연결된 메시지 스트림 ID
	timeDelta uint32 // 이전 청크와의 타임스탬프 차이.
	exted     bool   // 확장 타임스탬프 사용 여부.
	remain    uint32 // 현재 메시지에서 아직 받지 못한 데이터의 크기.
	got       bool   // 메시지가 완전히 수신되었는지 여부
	tmpFormat uint32 // 방금 읽은 basic header 의 포맷 값
	Data      []byte // 메시지의 실데이터
}

// 현재 메시지가 완전히 수신되었는지 확인한다.
func (cs *ChunkStream) full() bool {
	return cs.got
}

// 헤더가 선언한 길이가 이보다 크면 도착한 만큼만 늘려 간다.
const preallocLimit = 64 * 1024

// 새로운 메시지 데이터를 초기화 한다. Data 의 길이는 지금까지 받은 바이트 수이다.
func (cs *ChunkStream) new(pool *pool.Pool) {
	cs.got = false
	cs.remain = cs.Length
	if cs.Length <= preallocLimit {
		// 풀에서는 지정된 크기 만큼 메모리를 할당받아 저장공간을 확보한다.
		cs.Data = pool.Get(int(cs.Length))[:0]
	} else {
		cs.Data = make([]byte, 0, preallocLimit)
	}
}

// extend 는 Data 를 size 만큼 늘리고 늘어난 부분을 돌려준다.
// 용량은 선언된 메시지 길이를 넘지 않는다.
func (cs *ChunkStream) extend(size uint32) []byte {
	n := len(cs.Data)
	want := n + int(size)
	if want > cap(cs.Data) {
		c := 2 * cap(cs.Data)
		if c < want {
			c = want
		}
		if c > int(cs.Length) {
			c = int(cs.Length)
		}
		grown := make([]byte, n, c)
		copy(grown, cs.Data)
		cs.Data = grown
	}
	cs.Data = cs.Data[:want]
	return cs.Data[n:]
}

// pending 은 아직 끝나지 않은 메시지에 대해 받아 둔 바이트 수이다.
func (cs *ChunkStream) pending() int {
	if cs.remain == 0 {
		return 0
	}
	return len(cs.Data)
}

// abort 는 Abort Message 를 받았을 때 받다 만 메시지를 버린다.
func (cs *ChunkStream) abort() {
	cs.remain = 0
	cs.got = false
	cs.Data = nil
}

// writeHeader 는 basic header, message header, 확장 타임스탬프 순으로 쓴다.
// 포맷이 클수록 message header 의 앞쪽 필드만 남는다.
func (cs *ChunkStream) writeHeader(w *ReadWriter) error {
	h := cs.Format << 6
	switch {
	case cs.CSID < 64:
		w.WriteUintBE(h|cs.CSID, 1)
	case cs.CSID-64 < 256:
		w.WriteUintBE(h, 1)
		w.WriteUintLE(cs.CSID-64, 1)
	default:
		w.WriteUintBE(h|1, 1)
		w.WriteUintLE(cs.CSID-64, 2)
	}

	ts := cs.Timestamp
	extended := ts >= 0xffffff
	if extended {
		ts = 0xffffff
	}
	if cs.Format < 3 {
		w.WriteUintBE(ts, 3)
	}
	if cs.Format < 2 {
		if cs.Length > 0xffffff {
			return &ChunkError{CSID: cs.CSID, Reason: fmt.Sprintf("message length %d does not fit", cs.Length)}
		}
		w.WriteUintBE(cs.Length, 3)
		w.WriteUintBE(cs.TypeID, 1)
	}
	if cs.Format == 0 {
		w.WriteUintLE(cs.StreamID, 4)
	}
	if extended {
		w.WriteUintBE(cs.Timestamp, 4)
	}
	return w.WriteError()
}

// writeChunk 는 메시지를 chunkSize 단위로 잘라 첫 청크는 fmt 0, 나머지는 fmt 3 으로 쓴다.
func (cs *ChunkStream) writeChunk(w *ReadWriter, chunkSize int) error {
	if cs.TypeID == av.TAG_AUDIO {
		cs.CSID = 4
	} else if cs.TypeID == av.TAG_VIDEO ||
		cs.TypeID == av.TAG_SCRIPTDATAAMF0 ||
		cs.TypeID == av.TAG_SCRIPTDATAAMF3 {
		cs.CSID = 6
	}
	cs.Length = uint32(len(cs.Data))

	start := 0
	for i := 0; i == 0 || start < len(cs.Data); i++ {
		if i == 0 {
			cs.Format = 0
		} else {
			cs.Format = 3
		}
		if err := cs.writeHeader(w); err != nil {
			return err
		}
		end := start + chunkSize
		if end > len(cs.Data) {
			end = len(cs.Data)
		}
		if _, err := w.Write(cs.Data[start:end]); err != nil {
			return err
		}
		start = end
	}
	return nil
}

// readBasicHeader 는 청크 basic header 를 읽어 포맷과 CSID 를 돌려준다. (CSID 0, 1 은 2, 3 바이트 형식)
func readBasicHeader(r *ReadWriter) (format uint32, csid uint32, err error) {
	h, err := r.ReadUintBE(1)
	if err != nil {
		return 0, 0, err
	}
	format = h >> 6
	csid = h & 0x3f
	switch csid {
	case 0:
		id, err := r.ReadUintLE(1)
		if err != nil {
			return 0, 0, err
		}
		csid = id + 64
	case 1:
		id, err := r.ReadUintLE(2)
		if err != nil {
			return 0, 0, err
		}
		csid = id + 64
	}
	return format, csid, nil
}

// readMessageHeader 는 포맷 0~2 의 message header 를 읽는다.
// 포맷 0 은 절대 타임스탬프, 1 과 2 는 이전 메시지와의 차이를 싣는다.
func (cs *ChunkStream) readMessageHeader(r *ReadWriter) {
	ts, _ := r.ReadUintBE(3)
	if cs.tmpFormat < 2 {
		cs.Length, _ = r.ReadUintBE(3)
		cs.TypeID, _ = r.ReadUintBE(1)
	}
	if cs.tmpFormat == 0 {
		cs.StreamID, _ = r.ReadUintLE(4)
	}
	cs.exted = ts == 0xffffff
	if cs.exted {
		ts, _ = r.ReadUintBE(4)
	}
	if cs.tmpFormat == 0 {
		cs.Timestamp = ts
		cs.timeDelta = 0
	} else {
		cs.timeDelta = ts
		cs.Timestamp += ts
	}
	cs.Format = cs.tmpFormat
}

// continueHeader 는 포맷 3 청크를 처리한다. 새 메시지의 시작이면 이전 헤더를
// 그대로 쓰고 타임스탬프만 다시 계산한다. 메시지 중간이면 false 를 돌려준다.
func (cs *ChunkStream) continueHeader(r *ReadWriter) (bool, error) {
	if cs.remain != 0 {
		// 일부 인코더는 이어지는 청크에도 확장 타임스탬프를 반복한다.
		if cs.exted {
			b, err := r.Peek(4)
			if err != nil {
				return false, err
			}
			if binary.BigEndian.Uint32(b) == cs.Timestamp {
				r.Discard(4)
			}
		}
		return false, nil
	}
	delta := cs.timeDelta
	if cs.exted {
		delta, _ = r.ReadUintBE(4)
	}
	if cs.Format == 0 {
		if cs.exted {
			cs.Timestamp = delta
		}
	} else {
		cs.Timestamp += delta
	}
	return true, nil
}

// readChunk 는 basic header 다음부터 청크 하나를 읽는다.
// 청크 전체가 아직 도착하지 않았으면 errShortBuffer 를 돌려주며, 이때 호출자는
// 읽기 위치와 ChunkStream 을 읽기 전 상태로 되돌려야 한다.
func (cs *ChunkStream) readChunk(r *ReadWriter, chunkSize uint32, pool *pool.Pool) error {
	if cs.remain != 0 && cs.tmpFormat != 3 {
		return &ChunkError{CSID: cs.CSID, Reason: fmt.Sprintf("new message header with %d bytes remaining", cs.remain)}
	}

	fresh := true
	switch cs.tmpFormat {
	case 0, 1, 2:
		cs.readMessageHeader(r)
	case 3:
		var err error
		if fresh, err = cs.continueHeader(r); err != nil {
			return err
		}
	default:
		return &ChunkError{CSID: cs.CSID, Reason: fmt.Sprintf("invalid format=%d", cs.tmpFormat)}
	}
	if r.readError != nil {
		return r.readError
	}

	size := cs.remain
	if fresh {
		size = cs.Length
	}
	if size > chunkSize {
		size = chunkSize
	}
	if r.Buffered() < int(size) {
		return errShortBuffer
	}
	if fresh {
		cs.new(pool)
	}

	if _, err := r.Read(cs.extend(size)); err != nil {
		return err
	}
	cs.remain -= size
	cs.got = cs.remain == 0
	return r.readError
}
