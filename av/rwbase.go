package av

import (
	"sync"
	"time"
)

// RWBaser 는 한 방향의 스트림에 대한 활동 시각과 타임스탬프를 기록한다.
// 연결은 마지막 수신 시각(read_timeout)에, FLV 먹서는 오디오/비디오 타임스탬프에 쓴다.
type RWBaser struct {
	lock               sync.Mutex
	timeout            time.Duration // 0 이면 항상 살아있다
	PreTime            time.Time     // 마지막 활동 시각
	BaseTimestamp      uint32        // 오디오/비디오 중 더 앞선 타임스탬프
	LastVideoTimestamp uint32
	LastAudioTimestamp uint32
}

func NewRWBaser(duration time.Duration) RWBaser {
	return RWBaser{
		timeout: duration,
		PreTime: time.Now(),
	}
}

func (rw *RWBaser) BaseTimeStamp() uint32 {
	return rw.BaseTimestamp
}

func (rw *RWBaser) CalcBaseTimestamp() {
	if rw.LastAudioTimestamp > rw.LastVideoTimestamp {
		rw.BaseTimestamp = rw.LastAudioTimestamp
	} else {
		rw.BaseTimestamp = rw.LastVideoTimestamp
	}
}

// RecTimeStamp records timestamp for an FLV tag type; other tag types are
// ignored.
func (rw *RWBaser) RecTimeStamp(timestamp, typeID uint32) {
	switch typeID {
	case TAG_VIDEO:
		rw.LastVideoTimestamp = timestamp
	case TAG_AUDIO:
		rw.LastAudioTimestamp = timestamp
	}
}

func (rw *RWBaser) SetPreTime() {
	rw.lock.Lock()
	rw.PreTime = time.Now()
	rw.lock.Unlock()
}

// Idle returns the time since the last SetPreTime.
func (rw *RWBaser) Idle() time.Duration {
	rw.lock.Lock()
	defer rw.lock.Unlock()
	return time.Since(rw.PreTime)
}

func (rw *RWBaser) Alive() bool {
	if rw.timeout <= 0 {
		return true
	}
	return rw.Idle() < rw.timeout
}
