package h264

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sps = []byte{0x67, 0x64, 0x00, 0x1f}
	pps = []byte{0x68, 0xce}
	idr = []byte{0x65, 0x88, 0x84}
	non = []byte{0x41, 0x9a}
)

func configRecord() []byte {
	b := []byte{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0x00, byte(len(sps))}
	b = append(b, sps...)
	b = append(b, 0x01, 0x00, byte(len(pps)))
	return append(b, pps...)
}

func avcc(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, byte(len(n)))
		b = append(b, n...)
	}
	return b
}

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, startCode...)
		b = append(b, n...)
	}
	return b
}

func TestParseConfig(t *testing.T) {
	p := NewParser()
	require.NoError(t, p.Parse(configRecord(), true, nil))
	assert.True(t, p.Configured())
	assert.Equal(t, byte(0x64), p.Profile())
	assert.Equal(t, byte(0x1f), p.Level())
	assert.Equal(t, annexB(sps, pps), p.config)

	assert.Equal(t, ErrConfigTooShort, NewParser().Parse([]byte{1, 2}, true, nil))
	broken := configRecord()[:10]
	assert.Equal(t, ErrSPS, NewParser().Parse(broken, true, nil))
}

func TestKeyFrameGetsParameterSets(t *testing.T) {
	p := NewParser()
	require.NoError(t, p.Parse(configRecord(), true, nil))

	var out bytes.Buffer
	require.NoError(t, p.Parse(avcc(idr), false, &out))
	want := append(append([]byte{}, audNALU...), annexB(sps, pps, idr)...)
	assert.Equal(t, want, out.Bytes())

	out.Reset()
	require.NoError(t, p.Parse(avcc(non), false, &out))
	want = append(append([]byte{}, audNALU...), annexB(non)...)
	assert.Equal(t, want, out.Bytes())
}

func TestInbandParameterSetsWin(t *testing.T) {
	p := NewParser()
	require.NoError(t, p.Parse(configRecord(), true, nil))
	sps2 := []byte{0x67, 0x42, 0x00, 0x1e}

	var out bytes.Buffer
	require.NoError(t, p.Parse(avcc(sps2, pps, idr), false, &out))
	want := append(append([]byte{}, audNALU...), annexB(sps2, pps, idr)...)
	assert.Equal(t, want, out.Bytes())
}

func TestAnnexBPassThrough(t *testing.T) {
	var out bytes.Buffer
	in := annexB(non)
	require.NoError(t, NewParser().Parse(in, false, &out))
	assert.Equal(t, in, out.Bytes())
}

func TestBadNALULength(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, ErrNALULength, NewParser().Parse([]byte{0, 0, 0, 9, 0x41}, false, &out))
}
