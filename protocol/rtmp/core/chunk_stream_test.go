package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livego/rtmpsrv/utils/pool"
)

func TestReadBasicHeader(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		format uint32
		csid   uint32
	}{
		{"one byte", []byte{0x43}, 1, 3},
		{"two bytes", []byte{0x80, 0x0a}, 2, 74},
		{"three bytes", []byte{0xc1, 0x01, 0x01}, 3, 64 + 257},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := NewReadWriter()
			rw.Feed(tt.in)
			format, csid, err := readBasicHeader(rw)
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)
			assert.Equal(t, tt.csid, csid)
			assert.Equal(t, 0, rw.Buffered())
		})
	}

	rw := NewReadWriter()
	rw.Feed([]byte{0x01, 0x00})
	_, _, err := readBasicHeader(rw)
	assert.Equal(t, errShortBuffer, err)
}

func TestChunkStreamWriteRead(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	w := NewReadWriter()
	out := ChunkStream{CSID: 3, TypeID: idCommandMsgAMF0, StreamID: 1, Timestamp: 40, Data: payload}
	require.NoError(t, out.writeChunk(w, 128))
	wire := w.Flush()
	// fmt0 header (12) + 2 fmt3 headers + payload
	assert.Len(t, wire, 12+2+300)

	r := NewReadWriter()
	r.Feed(wire)
	p := pool.NewPool()
	var cs ChunkStream
	for !cs.full() {
		format, csid, err := readBasicHeader(r)
		require.NoError(t, err)
		cs.CSID = csid
		cs.tmpFormat = format
		require.NoError(t, cs.readChunk(r, 128, p))
	}
	assert.Equal(t, uint32(40), cs.Timestamp)
	assert.Equal(t, uint32(1), cs.StreamID)
	assert.Equal(t, uint32(idCommandMsgAMF0), cs.TypeID)
	assert.Equal(t, payload, cs.Data)
}

func TestChunkStreamExtendedTimestamp(t *testing.T) {
	w := NewReadWriter()
	out := ChunkStream{CSID: 6, TypeID: idVideoMsg, StreamID: 1, Timestamp: 0x01000000, Data: []byte{1, 2, 3}}
	require.NoError(t, out.writeChunk(w, 128))

	r := NewReadWriter()
	r.Feed(w.Flush())
	var cs ChunkStream
	format, csid, err := readBasicHeader(r)
	require.NoError(t, err)
	cs.CSID, cs.tmpFormat = csid, format
	require.NoError(t, cs.readChunk(r, 128, pool.NewPool()))
	assert.True(t, cs.full())
	assert.Equal(t, uint32(0x01000000), cs.Timestamp)
}

func TestChunkStreamShortPayloadIsNotConsumed(t *testing.T) {
	w := NewReadWriter()
	out := ChunkStream{CSID: 4, TypeID: idAudioMsg, StreamID: 1, Data: make([]byte, 100)}
	require.NoError(t, out.writeChunk(w, 128))
	wire := w.Flush()

	r := NewReadWriter()
	r.Feed(wire[:50])
	var cs ChunkStream
	_, csid, err := readBasicHeader(r)
	require.NoError(t, err)
	cs.CSID = csid
	assert.Equal(t, errShortBuffer, cs.readChunk(r, 128, pool.NewPool()))
	assert.Nil(t, cs.Data, "no payload buffer is taken before the chunk is complete")
}

func TestChunkStreamRejectsNewHeaderMidMessage(t *testing.T) {
	cs := ChunkStream{CSID: 3, remain: 10, tmpFormat: 1}
	r := NewReadWriter()
	r.Feed(make([]byte, 32))
	err := cs.readChunk(r, 128, pool.NewPool())
	var chunkErr *ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, uint32(3), chunkErr.CSID)
}
