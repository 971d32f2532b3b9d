package rtmp

// Arena 는 안정적인 정수 ID 로 값을 보관한다. ID 는 슬롯 인덱스이며,
// Remove 된 뒤에만 다시 쓰인다. 이벤트 루프 고루틴 전용이다.
type Arena[T any] struct {
	slots []arenaSlot[T]
	free  []int
	n     int
}

type arenaSlot[T any] struct {
	v    T
	used bool
}

func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v and returns its id.
func (a *Arena[T]) Insert(v T) int {
	a.n++
	if l := len(a.free); l > 0 {
		id := a.free[l-1]
		a.free = a.free[:l-1]
		a.slots[id] = arenaSlot[T]{v: v, used: true}
		return id
	}
	a.slots = append(a.slots, arenaSlot[T]{v: v, used: true})
	return len(a.slots) - 1
}

func (a *Arena[T]) Get(id int) (T, bool) {
	if id < 0 || id >= len(a.slots) || !a.slots[id].used {
		var zero T
		return zero, false
	}
	return a.slots[id].v, true
}

// Remove deletes id and returns the value it held.
func (a *Arena[T]) Remove(id int) (T, bool) {
	v, ok := a.Get(id)
	if !ok {
		return v, false
	}
	a.slots[id] = arenaSlot[T]{}
	a.free = append(a.free, id)
	a.n--
	return v, true
}

func (a *Arena[T]) Len() int {
	return a.n
}

// Range calls f for every live id in slot order until f returns false.
func (a *Arena[T]) Range(f func(id int, v T) bool) {
	for id := range a.slots {
		if !a.slots[id].used {
			continue
		}
		if !f(id, a.slots[id].v) {
			return
		}
	}
}

// IDs returns the live ids in slot order.
func (a *Arena[T]) IDs() []int {
	ids := make([]int, 0, a.n)
	a.Range(func(id int, _ T) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
