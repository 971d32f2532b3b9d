package aac

import (
	"io"

	"github.com/pkg/errors"

	"github.com/livego/rtmpsrv/av"
)

/*
AAC 시퀀스 헤더(AudioSpecificConfig)를 읽고, raw AAC 프레임 앞에 ADTS 헤더를 붙여 내보낸다.
캡스(rate, channels) 계산과 aac 출력 포맷에서 쓰인다.
*/

// AudioSpecificConfig 에서 읽은 값들.
type config struct {
	objectType byte // 오디오 객체 타입 (2 = AAC LC)
	rateIndex  byte // aacRates 인덱스
	channels   byte // channel configuration
}

// 샘플 레이트 테이블. rateIndex 로 참조한다.
var aacRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

var (
	ErrSpecificConfig = errors.New("aac: audio specific config too short")
	ErrNoConfig       = errors.New("aac: raw frame before sequence header")
	ErrFrameTooLarge  = errors.New("aac: frame does not fit in an adts header")
)

const (
	ADTSHeaderLen = 7
	maxFrameLen   = 1<<13 - 1
)

type Parser struct {
	configured bool
	cfg        config
	header     [ADTSHeaderLen]byte
}

func NewParser() *Parser {
	return &Parser{}
}

// ParseConfig 는 AudioSpecificConfig 의 앞 2바이트를 읽는다.
// objectType(5) | rateIndex(4) | channels(4)
func (p *Parser) ParseConfig(src []byte) error {
	if len(src) < 2 {
		return ErrSpecificConfig
	}
	p.cfg.objectType = src[0] >> 3
	p.cfg.rateIndex = (src[0]&0x07)<<1 | src[1]>>7
	p.cfg.channels = (src[1] >> 3) & 0x0f
	p.configured = true
	return nil
}

// Configured reports whether a sequence header has been seen.
func (p *Parser) Configured() bool {
	return p.configured
}

func (p *Parser) ObjectType() int {
	return int(p.cfg.objectType)
}

// SampleRate 는 설정된 샘플 레이트를 반환한다. 범위를 벗어나면 44100.
func (p *Parser) SampleRate() int {
	if int(p.cfg.rateIndex) < len(aacRates) {
		return aacRates[p.cfg.rateIndex]
	}
	return 44100
}

func (p *Parser) Channels() int {
	return int(p.cfg.channels)
}

// ADTSHeader fills the 7 byte ADTS header for a raw frame of payloadLen
// bytes. The returned slice is reused by the next call.
func (p *Parser) ADTSHeader(payloadLen int) ([]byte, error) {
	if !p.configured {
		return nil, ErrNoConfig
	}
	frameLen := payloadLen + ADTSHeaderLen
	if frameLen > maxFrameLen {
		return nil, ErrFrameTooLarge
	}
	profile := p.cfg.objectType
	if profile > 0 {
		profile--
	}
	h := p.header[:]
	h[0] = 0xff
	h[1] = 0xf1 // MPEG-4, layer 0, CRC 없음
	h[2] = (profile&0x03)<<6 | (p.cfg.rateIndex&0x0f)<<2 | (p.cfg.channels>>2)&0x01
	h[3] = (p.cfg.channels&0x03)<<6 | byte(frameLen>>11)&0x03
	h[4] = byte(frameLen >> 3)
	h[5] = byte(frameLen&0x07)<<5 | 0x1f // buffer fullness 0x7ff
	h[6] = 0xfc
	return h, nil
}

func (p *Parser) writeADTS(src []byte, w io.Writer) error {
	if len(src) == 0 {
		return nil
	}
	h, err := p.ADTSHeader(len(src))
	if err != nil {
		return err
	}
	if _, err := w.Write(h); err != nil {
		return err
	}
	_, err = w.Write(src)
	return err
}

// Parse 는 AAC 패킷 타입에 따라 설정을 갱신하거나 ADTS 프레임을 w 에 쓴다.
func (p *Parser) Parse(b []byte, packetType uint8, w io.Writer) error {
	switch packetType {
	case av.AAC_SEQHDR:
		return p.ParseConfig(b)
	case av.AAC_RAW:
		return p.writeADTS(b, w)
	}
	return nil
}
