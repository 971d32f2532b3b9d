package ts

import (
	"io"
)

const (
	tsPacketLen      = 188
	tsDefaultDataLen = 184
	h264DefaultHZ    = 90

	pmtPID   = 0x1001
	videoPID = 0x100
	audioPID = 0x101
	videoSID = 0xe0
	audioSID = 0xc0

	streamTypeH264 = 0x1b
	streamTypeAAC  = 0x0f
	streamTypeMP3  = 0x04
)

/*
https://en.wikipedia.org/wiki/MPEG_transport_stream

188 바이트 고정 크기 TS 패킷으로 H.264(Annex-B) 와 AAC(ADTS)/MP3 프레임을 멀티플렉싱 한다.
PAT 는 프로그램 목록과 PMT 의 PID 를, PMT 는 비디오/오디오 스트림의 PID 와 타입을 알려준다.
Continuity Counter 는 PID 마다 0~15 를 순환하며, 수신측은 이것으로 패킷 유실을 알아챈다.
*/
type Muxer struct {
	videoCc  byte
	audioCc  byte
	patCc    byte
	pmtCc    byte
	pat      [tsPacketLen]byte
	pmt      [tsPacketLen]byte
	tsPacket [tsPacketLen]byte
	pes      pesHeader
}

// Frame 은 TS 로 감쌀 프레임 하나이다. Data 는 비디오면 Annex-B, 오디오면 ADTS/MP3 프레임이다.
type Frame struct {
	Video           bool
	KeyFrame        bool
	Timestamp       uint32 // ms, DTS
	CompositionTime int32  // ms, PTS - DTS
	Data            []byte
}

func NewMuxer() *Muxer {
	return &Muxer{}
}

// Mux 는 프레임을 PES 로 만들고 TS 패킷들로 나눠 w 에 쓴다.
// 키프레임의 첫 패킷에는 PCR 을 싣는다.
func (m *Muxer) Mux(f Frame, w io.Writer) error {
	// 90kHz 클럭
	dts := int64(f.Timestamp) * h264DefaultHZ
	pts := dts
	pid, cc := audioPID, &m.audioCc
	if f.Video {
		pid, cc = videoPID, &m.videoCc
		pts = dts + int64(f.CompositionTime)*h264DefaultHZ
	}
	hdr := m.pes.packet(f.Video, pts, dts, len(f.Data))
	data := f.Data

	first := true
	for len(hdr)+len(data) > 0 {
		*cc = (*cc + 1) & 0x0f

		p := m.tsPacket[:]
		p[0] = 0x47
		p[1] = byte(pid>>8) & 0x1f
		if first {
			p[1] |= 0x40 // payload unit start
		}
		p[2] = byte(pid)
		p[3] = 0x10 | *cc // payload only

		withPCR := first && f.Video && f.KeyFrame
		adaptLen := 0
		if withPCR {
			adaptLen = 8 // length, flags, 6 byte PCR
		}
		if remaining := len(hdr) + len(data); remaining < tsDefaultDataLen-adaptLen {
			adaptLen = tsDefaultDataLen - remaining
		}
		if adaptLen > 0 {
			p[3] |= 0x20
			m.adaptation(p[4:4+adaptLen], withPCR, dts)
		}

		i := 4 + adaptLen
		n := copy(p[i:], hdr)
		hdr = hdr[n:]
		i += n
		n = copy(p[i:], data)
		data = data[n:]

		if _, err := w.Write(p); err != nil {
			return err
		}
		first = false
	}
	return nil
}

// adaptation 은 adaptation field 를 채운다. 남는 자리는 0xff 로 스터핑한다.
func (m *Muxer) adaptation(b []byte, withPCR bool, pcr int64) {
	b[0] = byte(len(b) - 1)
	if len(b) == 1 {
		return
	}
	b[1] = 0x00
	j := 2
	if withPCR {
		b[1] = 0x50 // random access, PCR
		writePcr(b[2:8], pcr)
		j = 8
	}
	for ; j < len(b); j++ {
		b[j] = 0xff
	}
}

// PCR: 33비트 base, 6비트 reserved, 9비트 extension(0).
func writePcr(b []byte, pcr int64) {
	b[0] = byte(pcr >> 25)
	b[1] = byte(pcr >> 17)
	b[2] = byte(pcr >> 9)
	b[3] = byte(pcr >> 1)
	b[4] = byte(pcr&0x1)<<7 | 0x7e
	b[5] = 0x00
}

// PAT returns the program association table packet. The returned slice is
// reused by the next call.
func (m *Muxer) PAT() []byte {
	tsHeader := []byte{0x47, 0x40, 0x00, 0x10, 0x00}
	// table id 0, section length 13, program 1 -> PMT PID
	patSection := []byte{
		0x00, 0xb0, 0x0d,
		0x00, 0x01, 0xc1, 0x00, 0x00,
		0x00, 0x01, 0xe0 | byte(pmtPID>>8), byte(pmtPID&0xff),
	}
	tsHeader[3] |= m.patCc & 0x0f
	m.patCc = (m.patCc + 1) & 0x0f
	return fillSection(m.pat[:], tsHeader, patSection)
}

// PMT returns the program map table packet. soundFormat is the FLV sound
// format of the audio stream.
func (m *Muxer) PMT(soundFormat byte, hasVideo bool) []byte {
	tsHeader := []byte{0x47, 0x40 | byte(pmtPID>>8), byte(pmtPID&0xff), 0x10, 0x00}
	audioType := byte(streamTypeAAC)
	if soundFormat == 2 || soundFormat == 14 {
		audioType = streamTypeMP3
	}
	pcrPID := videoPID
	var streams []byte
	if hasVideo {
		streams = append(streams, streamTypeH264, 0xe0|byte(videoPID>>8), byte(videoPID&0xff), 0xf0, 0x00)
	} else {
		pcrPID = audioPID
	}
	streams = append(streams, audioType, 0xe0|byte(audioPID>>8), byte(audioPID&0xff), 0xf0, 0x00)

	pmtSection := []byte{
		0x02, 0xb0, byte(9 + len(streams) + 4),
		0x00, 0x01, 0xc1, 0x00, 0x00,
		0xe0 | byte(pcrPID>>8), byte(pcrPID), 0xf0, 0x00,
	}
	pmtSection = append(pmtSection, streams...)

	tsHeader[3] |= m.pmtCc & 0x0f
	m.pmtCc = (m.pmtCc + 1) & 0x0f
	return fillSection(m.pmt[:], tsHeader, pmtSection)
}

// fillSection 은 TS 헤더, PSI 섹션, CRC 를 쓰고 나머지를 0xff 로 채운다.
func fillSection(dst, tsHeader, section []byte) []byte {
	i := copy(dst, tsHeader)
	i += copy(dst[i:], section)
	crc := GenCrc32(section)
	dst[i] = byte(crc >> 24)
	dst[i+1] = byte(crc >> 16)
	dst[i+2] = byte(crc >> 8)
	dst[i+3] = byte(crc)
	for j := i + 4; j < len(dst); j++ {
		dst[j] = 0xff
	}
	return dst
}

// PES(packetized elementary stream) 헤더.
type pesHeader struct {
	data [19]byte
}

// packet 은 payloadLen 바이트 페이로드 앞에 붙을 PES 헤더를 만든다.
// B 프레임이 있어 PTS 와 DTS 가 다르면 DTS 도 싣는다.
func (h *pesHeader) packet(video bool, pts, dts int64, payloadLen int) []byte {
	b := h.data[:]
	b[0], b[1], b[2] = 0x00, 0x00, 0x01
	b[3] = audioSID
	if video {
		b[3] = videoSID
	}

	flag := byte(0x80) // PTS
	headerSize := 5
	if video && pts != dts {
		flag |= 0x40 // DTS
		headerSize += 5
	}
	// 65535 를 넘으면 0(길이 미지정)으로 둔다.
	size := payloadLen + headerSize + 3
	if size > 0xffff {
		size = 0
	}
	b[4] = byte(size >> 8)
	b[5] = byte(size)
	b[6] = 0x80
	b[7] = flag
	b[8] = byte(headerSize)

	writeTs(b[9:14], flag>>6, pts)
	if flag&0x40 != 0 {
		writeTs(b[14:19], 1, dts)
	}
	return b[:9+headerSize]
}

// writeTs 는 33비트 타임스탬프를 marker bit 를 끼워 5바이트로 쓴다.
func writeTs(b []byte, fb byte, ts int64) {
	ts &= 0x1ffffffff
	b[0] = fb<<4 | byte(ts>>29)&0x0e | 1
	v := uint16(ts>>14)&0xfffe | 1
	b[1] = byte(v >> 8)
	b[2] = byte(v)
	v = uint16(ts<<1)&0xfffe | 1
	b[3] = byte(v >> 8)
	b[4] = byte(v)
}
