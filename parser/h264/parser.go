package h264

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

/*
NALU (Network Abstraction Layer Unit) 는 AVC 비트스트림의 단위이다.
RTMP/FLV 는 AVCC 형식(길이 프리픽스)으로 NALU 를 싣고, 시퀀스 헤더에
AVCDecoderConfigurationRecord(SPS/PPS)를 따로 보낸다.
파서는 이것을 Annex-B 형식(스타트 코드)으로 바꾼다. IDR 앞에는 SPS/PPS 를 다시 넣어
중간부터 읽는 디코더도 동기화할 수 있게 한다.
*/
const (
	naluSlice byte = 1
	naluIDR   byte = 5
	naluSEI   byte = 6
	naluSPS   byte = 7
	naluPPS   byte = 8
	naluAUD   byte = 9
)

var (
	ErrConfigTooShort = errors.New("h264: decoder configuration record too short")
	ErrSPS            = errors.New("h264: sps length out of range")
	ErrPPS            = errors.New("h264: pps length out of range")
	ErrNALULength     = errors.New("h264: nalu length out of range")
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}
var audNALU = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0}

type Parser struct {
	lengthSize int          // AVCC 길이 프리픽스 크기 (보통 4)
	config     []byte       // 시퀀스 헤더의 SPS/PPS (Annex-B)
	inband     bytes.Buffer // 프레임 안에서 받은 SPS/PPS
	profile    byte
	level      byte
}

func NewParser() *Parser {
	return &Parser{lengthSize: 4}
}

// parseConfig 는 AVCDecoderConfigurationRecord 에서 SPS/PPS 를 꺼낸다.
func (p *Parser) parseConfig(src []byte) error {
	if len(src) < 7 {
		return ErrConfigTooShort
	}
	p.profile = src[1]
	p.level = src[3]
	p.lengthSize = int(src[4]&0x03) + 1

	var out []byte
	rest := src[5:]
	for _, set := range []struct {
		countMask byte
		err       error
	}{{0x1f, ErrSPS}, {0xff, ErrPPS}} {
		if len(rest) < 1 {
			return set.err
		}
		count := int(rest[0] & set.countMask)
		rest = rest[1:]
		for i := 0; i < count; i++ {
			if len(rest) < 2 {
				return set.err
			}
			n := int(rest[0])<<8 | int(rest[1])
			if n == 0 || len(rest[2:]) < n {
				return set.err
			}
			out = append(out, startCode...)
			out = append(out, rest[2:2+n]...)
			rest = rest[2+n:]
		}
	}
	p.config = out
	return nil
}

// Configured reports whether SPS/PPS are known.
func (p *Parser) Configured() bool {
	return len(p.config) > 0
}

func (p *Parser) Profile() byte { return p.profile }
func (p *Parser) Level() byte   { return p.level }

func isAnnexB(src []byte) bool {
	return len(src) >= 4 && bytes.Equal(src[:4], startCode)
}

func (p *Parser) naluSize(src []byte) int {
	size := 0
	for i := 0; i < p.lengthSize; i++ {
		size = size<<8 | int(src[i])
	}
	return size
}

// writeAnnexB 는 AVCC 프레임을 Annex-B 로 바꿔 쓴다. 접근 단위마다 AUD 를 앞에 둔다.
func (p *Parser) writeAnnexB(src []byte, w io.Writer) error {
	if _, err := w.Write(audNALU); err != nil {
		return err
	}
	p.inband.Reset()
	wroteConfig := false

	for len(src) > 0 {
		if len(src) < p.lengthSize {
			return ErrNALULength
		}
		n := p.naluSize(src)
		src = src[p.lengthSize:]
		if n <= 0 || n > len(src) {
			return ErrNALULength
		}
		nalu := src[:n]
		src = src[n:]

		switch nalu[0] & 0x1f {
		case naluAUD:
		case naluSPS, naluPPS:
			p.inband.Write(startCode)
			p.inband.Write(nalu)
		case naluIDR:
			if !wroteConfig {
				wroteConfig = true
				cfg := p.config
				if p.inband.Len() > 0 {
					cfg = p.inband.Bytes()
				}
				if _, err := w.Write(cfg); err != nil {
					return err
				}
			}
			fallthrough
		case naluSlice, naluSEI:
			if _, err := w.Write(startCode); err != nil {
				return err
			}
			if _, err := w.Write(nalu); err != nil {
				return err
			}
		}
	}
	return nil
}

// Parse 는 시퀀스 헤더면 SPS/PPS 를 저장하고, 아니면 프레임을 Annex-B 로 w 에 쓴다.
// 이미 Annex-B 인 프레임은 그대로 쓴다.
func (p *Parser) Parse(b []byte, isSeq bool, w io.Writer) error {
	if isSeq {
		return p.parseConfig(b)
	}
	if isAnnexB(b) {
		_, err := w.Write(b)
		return err
	}
	return p.writeAnnexB(b, w)
}
