package parser

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/container/flv"
)

func demux(t *testing.T, typ av.MediaType, data []byte) (*flv.Tag, []byte) {
	t.Helper()
	tag, body, err := flv.NewDemuxer().Demux(av.Media{Type: typ, Data: data})
	require.NoError(t, err)
	return tag, body
}

func TestCodecParserAAC(t *testing.T) {
	c := NewCodecParser()
	_, err := c.SampleRate()
	assert.Equal(t, ErrNoAudioParser, err)

	tag, body := demux(t, av.Audio, []byte{0xaf, 0x00, 0x11, 0x90})
	require.NoError(t, c.ParseAudio(tag, body, nil))
	rate, err := c.SampleRate()
	require.NoError(t, err)
	assert.Equal(t, 48000, rate)
	ch, err := c.Channels()
	require.NoError(t, err)
	assert.Equal(t, 2, ch)

	var out bytes.Buffer
	tag, body = demux(t, av.Audio, []byte{0xaf, 0x01, 0x21, 0x00})
	require.NoError(t, c.ParseAudio(tag, body, &out))
	assert.Equal(t, 7+2, out.Len())
	assert.Equal(t, byte(0xff), out.Bytes()[0])
}

func TestCodecParserMP3(t *testing.T) {
	c := NewCodecParser()
	tag, body := demux(t, av.Audio, []byte{0x2f, 0xff, 0xfb, 0x94, 0xc0})
	require.NoError(t, c.ParseAudio(tag, body, nil))
	rate, err := c.SampleRate()
	require.NoError(t, err)
	assert.Equal(t, 48000, rate)
	ch, _ := c.Channels()
	assert.Equal(t, 1, ch)
}

func TestCodecParserVideo(t *testing.T) {
	c := NewCodecParser()
	seq := []byte{0x17, 0x00, 0, 0, 0,
		0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0x00, 0x02, 0x67, 0x64, 0x01, 0x00, 0x02, 0x68, 0xce}
	tag, body := demux(t, av.Video, seq)
	var out bytes.Buffer
	require.NoError(t, c.ParseVideo(tag, body, &out))
	assert.Zero(t, out.Len())

	tag, body = demux(t, av.Video, []byte{0x17, 0x01, 0, 0, 0, 0, 0, 0, 2, 0x65, 0x88})
	require.NoError(t, c.ParseVideo(tag, body, &out))
	assert.True(t, bytes.HasSuffix(out.Bytes(), []byte{0, 0, 0, 1, 0x65, 0x88}))
	assert.True(t, bytes.Contains(out.Bytes(), []byte{0, 0, 0, 1, 0x67, 0x64}))
}

func TestCodecParserUnsupported(t *testing.T) {
	c := NewCodecParser()
	tag, body := demux(t, av.Video, []byte{0x12, 0x00})
	assert.ErrorIs(t, c.ParseVideo(tag, body, nil), ErrCodec)

	tag, body = demux(t, av.Audio, []byte{0xb6, 0x00})
	assert.ErrorIs(t, c.ParseAudio(tag, body, nil), ErrCodec)
}
