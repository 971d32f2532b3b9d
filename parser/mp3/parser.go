package mp3

import (
	"github.com/pkg/errors"
)

// MPEG audio 프레임 헤더에서 샘플링 주파수와 채널 모드를 읽는다.
type Parser struct {
	sampleRate int
	channels   int
}

func NewParser() *Parser {
	return &Parser{}
}

// sampling_frequency 인덱스 (MPEG-1). MPEG-2 는 절반, MPEG-2.5 는 1/4.
// '00' 44.1 kHz, '01' 48 kHz, '10' 32 kHz, '11' reserved
var mp3Rates = []int{44100, 48000, 32000}

var (
	ErrHeaderTooShort = errors.New("mp3: frame header too short")
	ErrNoSync         = errors.New("mp3: missing frame sync")
	ErrRateIndex      = errors.New("mp3: reserved sampling frequency index")
)

// Parse 는 4바이트 프레임 헤더를 읽는다.
func (p *Parser) Parse(src []byte) error {
	if len(src) < 4 {
		return ErrHeaderTooShort
	}
	if src[0] != 0xff || src[1]&0xe0 != 0xe0 {
		return ErrNoSync
	}
	index := (src[2] >> 2) & 0x03
	if int(index) >= len(mp3Rates) {
		return ErrRateIndex
	}
	rate := mp3Rates[index]
	switch (src[1] >> 3) & 0x03 {
	case 0x00: // MPEG-2.5
		rate /= 4
	case 0x02: // MPEG-2
		rate /= 2
	}
	p.sampleRate = rate

	// channel mode 3 = mono
	if src[3]>>6 == 0x03 {
		p.channels = 1
	} else {
		p.channels = 2
	}
	return nil
}

// SampleRate 는 읽은 샘플 레이트를 반환한다. 아직 없으면 44100.
func (p *Parser) SampleRate() int {
	if p.sampleRate == 0 {
		return 44100
	}
	return p.sampleRate
}

func (p *Parser) Channels() int {
	if p.channels == 0 {
		return 2
	}
	return p.channels
}
