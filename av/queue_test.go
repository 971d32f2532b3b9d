package av

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func video(ts uint32, droppable bool) Media {
	return Media{Type: Video, Data: []byte{0x17}, Timestamp: ts, CanBeDropped: droppable}
}

func drain(t *testing.T, q *MediaQueue) []uint32 {
	t.Helper()
	var ts []uint32
	for {
		in, ok, err := q.TryRecv()
		require.NoError(t, err)
		if !ok {
			return ts
		}
		ts = append(ts, in.(Media).Timestamp)
	}
}

func TestMediaQueueUnboundedKeepsOrder(t *testing.T) {
	q := NewMediaQueue(0, DropOldest)
	for i := uint32(0); i < 200; i++ {
		require.NoError(t, q.Send(video(i, i%2 == 0)))
	}
	assert.Equal(t, 200, q.Len())

	got := drain(t, q)
	require.Len(t, got, 200)
	for i, ts := range got {
		assert.Equal(t, uint32(i), ts)
	}
	assert.Equal(t, uint64(0), q.Dropped())
}

func TestMediaQueueDropOldestPrefersDroppable(t *testing.T) {
	q := NewMediaQueue(3, DropOldest)
	require.NoError(t, q.Send(video(0, false)))
	require.NoError(t, q.Send(video(1, true)))
	require.NoError(t, q.Send(video(2, false)))
	require.NoError(t, q.Send(video(3, false)))
	assert.Equal(t, []uint32{0, 2, 3}, drain(t, q))

	// 버릴 수 있는 것이 없으면 가장 오래된 것을 버린다.
	require.NoError(t, q.Send(video(4, false)))
	require.NoError(t, q.Send(video(5, false)))
	require.NoError(t, q.Send(video(6, false)))
	require.NoError(t, q.Send(video(7, false)))
	assert.Equal(t, []uint32{5, 6, 7}, drain(t, q))
	assert.Equal(t, uint64(2), q.Dropped())
}

func TestMediaQueueDropNewest(t *testing.T) {
	q := NewMediaQueue(2, DropNewest)
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, q.Send(video(i, false)))
	}
	assert.Equal(t, []uint32{0, 1}, drain(t, q))
	assert.Equal(t, uint64(2), q.Dropped())
}

func TestMediaQueueCloseDrainsThenEOS(t *testing.T) {
	q := NewMediaQueue(0, DropOldest)
	require.NoError(t, q.Send(Metadata{}))
	q.Close()
	assert.Equal(t, ErrQueueClosed, q.Send(video(1, false)))

	in, err := q.Recv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, Metadata{}, in)

	_, err = q.Recv(context.Background())
	assert.Equal(t, ErrQueueClosed, err)
}

func TestMediaQueueRecvWaits(t *testing.T) {
	q := NewMediaQueue(0, DropOldest)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Send(video(9, false))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, err := q.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), in.(Media).Timestamp)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Recv(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("drop_newest")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)
	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)
	_, err = ParseOverflowPolicy("block")
	assert.Error(t, err)
}
