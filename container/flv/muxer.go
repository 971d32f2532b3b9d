package flv

// 들어오는 오디오/비디오/메타데이터를 FLV 태그로 감싸 io.Writer 에 기록한다.
import (
	"io"
	"time"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/nareix/joy4/utils/bits/pio"
	uuid "github.com/satori/go.uuid"

	"github.com/livego/rtmpsrv/av"
)

var (
	flvHeader = []byte{0x46, 0x4c, 0x56, 0x01, 0x05, 0x00, 0x00, 0x00, 0x09}
)

const (
	headerLen = 11
)

// Muxer 는 RWBaser 로 마지막 기록 시점과 오디오/비디오 타임스탬프를 추적한다.
type Muxer struct {
	av.RWBaser

	Uid       string
	w         io.Writer
	buf       []byte
	wroteHead bool
	tags      uint64
}

func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{
		Uid:     uuid.NewV4().String(),
		w:       w,
		RWBaser: av.NewRWBaser(time.Second * 10),
		buf:     make([]byte, headerLen),
	}
}

// WriteHeader writes the FLV file header and the first PreviousTagSize.
// It is called implicitly by the first tag.
func (m *Muxer) WriteHeader() error {
	if m.wroteHead {
		return nil
	}
	m.wroteHead = true
	if _, err := m.w.Write(flvHeader); err != nil {
		return err
	}
	pio.PutU32BE(m.buf[:4], 0)
	_, err := m.w.Write(m.buf[:4])
	return err
}

// Write 는 av.Input 하나를 태그 하나로 기록한다.
func (m *Muxer) Write(in av.Input) error {
	switch v := in.(type) {
	case av.Media:
		return m.WriteMedia(v)
	case av.Metadata:
		return m.WriteMetadata(v)
	}
	return nil
}

func (m *Muxer) WriteMedia(md av.Media) error {
	return m.writeTag(md.Type.TagType(), md.Timestamp, md.Data)
}

// WriteMetadata writes an onMetaData script tag at the current timestamp.
func (m *Muxer) WriteMetadata(md av.Metadata) error {
	obj := MetadataAMFMap(md)
	size := flvio.LenAMF0Val("onMetaData") + flvio.LenAMF0Val(obj)
	b := make([]byte, size)
	n := flvio.FillAMF0Val(b, "onMetaData")
	n += flvio.FillAMF0Val(b[n:], obj)
	return m.writeTag(av.TAG_SCRIPTDATAAMF0, m.BaseTimeStamp(), b[:n])
}

func (m *Muxer) writeTag(typeID uint8, timestamp uint32, data []byte) error {
	if err := m.WriteHeader(); err != nil {
		return err
	}
	m.SetPreTime()
	m.RecTimeStamp(timestamp, uint32(typeID))
	m.CalcBaseTimestamp()

	h := m.buf[:headerLen]
	dataLen := len(data)
	pio.PutU8(h[0:1], typeID)
	pio.PutU24BE(h[1:4], uint32(dataLen))
	pio.PutU24BE(h[4:7], timestamp&0xffffff)
	pio.PutU8(h[7:8], uint8(timestamp>>24))
	pio.PutU24BE(h[8:11], 0)

	if _, err := m.w.Write(h); err != nil {
		return err
	}
	if _, err := m.w.Write(data); err != nil {
		return err
	}
	pio.PutU32BE(h[:4], uint32(dataLen+headerLen))
	if _, err := m.w.Write(h[:4]); err != nil {
		return err
	}
	m.tags++
	return nil
}

// Tags returns the number of tags written.
func (m *Muxer) Tags() uint64 {
	return m.tags
}

func (m *Muxer) Info() (ret av.Info) {
	ret.UID = m.Uid
	ret.Key = "flv"
	return
}

// MetadataAMFMap 은 Metadata 중 값이 있는 필드만 onMetaData 키로 옮긴다.
func MetadataAMFMap(md av.Metadata) flvio.AMFMap {
	obj := flvio.AMFMap{}
	u := func(key string, v *uint32) {
		if v != nil {
			obj[key] = float64(*v)
		}
	}
	u("width", md.VideoWidth)
	u("height", md.VideoHeight)
	u("videocodecid", md.VideoCodecID)
	u("videodatarate", md.VideoBitrateKbps)
	u("audiocodecid", md.AudioCodecID)
	u("audiodatarate", md.AudioBitrateKbps)
	u("audiosamplerate", md.AudioSampleRate)
	u("audiochannels", md.AudioChannels)
	if md.VideoFrameRate != nil {
		obj["framerate"] = float64(*md.VideoFrameRate)
	}
	if md.AudioIsStereo != nil {
		obj["stereo"] = *md.AudioIsStereo
	}
	if md.Encoder != nil {
		obj["encoder"] = *md.Encoder
	}
	return obj
}
