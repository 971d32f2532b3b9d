package ts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packets(t *testing.T, b []byte) [][]byte {
	t.Helper()
	require.Zero(t, len(b)%tsPacketLen)
	var out [][]byte
	for len(b) > 0 {
		require.Equal(t, byte(0x47), b[0])
		out = append(out, b[:tsPacketLen])
		b = b[tsPacketLen:]
	}
	return out
}

func pidOf(p []byte) int {
	return int(p[1]&0x1f)<<8 | int(p[2])
}

// payload returns the packet bytes after the adaptation field.
func payload(p []byte) []byte {
	if p[3]&0x20 != 0 {
		return p[5+int(p[4]):]
	}
	return p[4:]
}

func TestCrc32(t *testing.T) {
	// CRC 를 포함한 섹션 전체의 CRC 는 0 이다.
	pat := NewMuxer().PAT()
	section := pat[5 : 5+12+4]
	assert.Equal(t, uint32(0), GenCrc32(section))
}

func TestPATAndPMT(t *testing.T) {
	m := NewMuxer()
	pat := m.PAT()
	require.Len(t, pat, tsPacketLen)
	assert.Equal(t, 0, pidOf(pat))
	assert.Equal(t, []byte{0x00, 0x01, 0xf0, 0x01}, pat[13:17])
	assert.Equal(t, byte(1), m.PAT()[3]&0x0f, "continuity counter advances")

	pmt := m.PMT(10, true)
	assert.Equal(t, pmtPID, pidOf(pmt))
	sectionLen := int(pmt[7])
	assert.Equal(t, 9+10+4, sectionLen)
	assert.Equal(t, uint32(0), GenCrc32(pmt[5:5+3+sectionLen]))
	assert.Equal(t, byte(streamTypeH264), pmt[17])
	assert.Equal(t, byte(streamTypeAAC), pmt[22])

	audioOnly := m.PMT(2, false)
	assert.Equal(t, byte(0xe1), audioOnly[13])
	assert.Equal(t, byte(0x01), audioOnly[14], "PCR on the audio PID")
	assert.Equal(t, byte(streamTypeMP3), audioOnly[17])
}

func TestMuxKeyFrameSpansPackets(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 500)
	var out bytes.Buffer
	m := NewMuxer()
	require.NoError(t, m.Mux(Frame{Video: true, KeyFrame: true, Timestamp: 1000, CompositionTime: 40, Data: data}, &out))

	pkts := packets(t, out.Bytes())
	require.Len(t, pkts, 3)
	first := pkts[0]
	assert.Equal(t, videoPID, pidOf(first))
	assert.NotZero(t, first[1]&0x40, "unit start")
	assert.Equal(t, byte(7), first[4], "adaptation with PCR")
	assert.Equal(t, byte(0x50), first[5])
	for i, p := range pkts[1:] {
		assert.Zero(t, p[1]&0x40)
		assert.Equal(t, byte(i+2), p[3]&0x0f)
	}

	var es []byte
	for _, p := range pkts {
		es = append(es, payload(p)...)
	}
	require.Equal(t, []byte{0, 0, 1, videoSID}, es[:4])
	assert.Equal(t, byte(0xc0), es[7], "PTS and DTS")
	hdrLen := 9 + int(es[8])
	assert.Equal(t, data, es[hdrLen:])
}

func TestMuxSmallAudioFrameIsStuffed(t *testing.T) {
	var out bytes.Buffer
	m := NewMuxer()
	data := []byte{0xff, 0xf1, 0x50, 0x80, 0x01, 0x7f, 0xfc, 0x21}
	require.NoError(t, m.Mux(Frame{Timestamp: 20, Data: data}, &out))

	pkts := packets(t, out.Bytes())
	require.Len(t, pkts, 1)
	assert.Equal(t, audioPID, pidOf(pkts[0]))
	es := payload(pkts[0])
	assert.Equal(t, []byte{0, 0, 1, audioSID}, es[:4])
	assert.Equal(t, byte(0x80), es[7], "PTS only")
	assert.Equal(t, data, es[14:])
}

func TestWriteTs(t *testing.T) {
	b := make([]byte, 5)
	ts := int64(0x1_2345_6789)
	writeTs(b, 2, ts)
	got := int64(b[0]>>1&0x07)<<30 | int64(b[1])<<22 | int64(b[2]>>1)<<15 | int64(b[3])<<7 | int64(b[4]>>1)
	assert.Equal(t, ts, got)
	assert.Equal(t, byte(0x20), b[0]&0xf0)
}
