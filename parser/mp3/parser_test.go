package mp3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		header   []byte
		rate     int
		channels int
	}{
		{"mpeg1 44100 stereo", []byte{0xff, 0xfb, 0x90, 0x00}, 44100, 2},
		{"mpeg1 48000 mono", []byte{0xff, 0xfb, 0x94, 0xc0}, 48000, 1},
		{"mpeg2 24000", []byte{0xff, 0xf3, 0x94, 0x00}, 24000, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			require.NoError(t, p.Parse(tt.header))
			assert.Equal(t, tt.rate, p.SampleRate())
			assert.Equal(t, tt.channels, p.Channels())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	p := NewParser()
	assert.Equal(t, ErrHeaderTooShort, p.Parse([]byte{0xff, 0xfb}))
	assert.Equal(t, ErrNoSync, p.Parse([]byte{0x00, 0xfb, 0x90, 0x00}))
	assert.Equal(t, ErrRateIndex, p.Parse([]byte{0xff, 0xfb, 0x9c, 0x00}))
	assert.Equal(t, 44100, p.SampleRate())
}
