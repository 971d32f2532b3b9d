// Package rtmptest provides a scripted publishing client for tests: it
// produces the bytes an encoder such as ffmpeg or OBS sends and decodes what
// the server answers.
package rtmptest

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/nareix/joy4/utils/bits/pio"
)

const (
	TypeSetChunkSize     = 1
	TypeAbort            = 2
	TypeAck              = 3
	TypeUserControl      = 4
	TypeWindowAckSize    = 5
	TypeSetPeerBandwidth = 6
	TypeAudio            = 8
	TypeVideo            = 9
	TypeDataAMF0         = 18
	TypeCommandAMF0      = 20
	TypeAggregate        = 22
)

const handshakeSize = 1536

// C0C1 returns a simple-handshake C0 and C1.
func C0C1() []byte {
	b := make([]byte, 1+handshakeSize)
	b[0] = 3
	rand.Read(b[9:])
	return b
}

// C2 echoes S1 from the server's S0S1S2.
func C2(s0s1s2 []byte) []byte {
	c2 := make([]byte, handshakeSize)
	copy(c2, s0s1s2[1:1+handshakeSize])
	return c2
}

// Publisher encodes client messages. The zero value sends 128 byte chunks.
type Publisher struct {
	ChunkSize int
	txn       float64
}

func (p *Publisher) chunkSize() int {
	if p.ChunkSize <= 0 {
		return 128
	}
	return p.ChunkSize
}

// Message chunks one message with a type 0 header followed by type 3
// continuation headers.
func (p *Publisher) Message(csid, typeID, streamID, ts uint32, payload []byte) []byte {
	size := p.chunkSize()
	hdr := make([]byte, 12)
	hdr[0] = byte(csid & 0x3f)
	pio.PutU24BE(hdr[1:], ts)
	pio.PutU24BE(hdr[4:], uint32(len(payload)))
	hdr[7] = byte(typeID)
	pio.PutU32LE(hdr[8:], streamID)

	out := append([]byte{}, hdr...)
	for i := 0; i < len(payload); {
		if i > 0 {
			out = append(out, byte(0xc0|csid&0x3f))
		}
		end := i + size
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[i:end]...)
		i = end
	}
	return out
}

// OpenMessage writes a type 0 header that declares length bytes but carries
// only first. Chunk stream ids of 64 and above use the two byte basic header.
func OpenMessage(csid, typeID, streamID, length uint32, first []byte) []byte {
	var out []byte
	if csid < 64 {
		out = append(out, byte(csid))
	} else {
		out = append(out, 0x00, byte(csid-64))
	}
	hdr := make([]byte, 11)
	pio.PutU24BE(hdr[3:], length)
	hdr[6] = byte(typeID)
	pio.PutU32LE(hdr[7:], streamID)
	out = append(out, hdr...)
	return append(out, first...)
}

// Abort tells the server to discard the partial message on csid.
func (p *Publisher) Abort(csid uint32) []byte {
	b := make([]byte, 4)
	pio.PutU32BE(b, csid)
	return p.Message(2, TypeAbort, 0, 0, b)
}

func (p *Publisher) command(csid, streamID uint32, name string, args ...interface{}) []byte {
	p.txn++
	vals := append([]interface{}{name, p.txn}, args...)
	return p.Message(csid, TypeCommandAMF0, streamID, 0, AMF0(vals...))
}

// SetChunkSize announces size and switches the publisher to it.
func (p *Publisher) SetChunkSize(size uint32) []byte {
	b := make([]byte, 4)
	pio.PutU32BE(b, size)
	out := p.Message(2, TypeSetChunkSize, 0, 0, b)
	p.ChunkSize = int(size)
	return out
}

func (p *Publisher) WindowAckSize(size uint32) []byte {
	b := make([]byte, 4)
	pio.PutU32BE(b, size)
	return p.Message(2, TypeWindowAckSize, 0, 0, b)
}

func (p *Publisher) Connect(app, tcURL string) []byte {
	return p.command(3, 0, "connect", flvio.AMFMap{
		"app":            app,
		"type":           "nonprivate",
		"flashVer":       "FMLE/3.0 (compatible; FMSc/1.0)",
		"tcUrl":          tcURL,
		"objectEncoding": float64(0),
	})
}

func (p *Publisher) ReleaseStream(key string) []byte {
	return p.command(3, 0, "releaseStream", nil, key)
}

func (p *Publisher) FCPublish(key string) []byte {
	return p.command(3, 0, "FCPublish", nil, key)
}

func (p *Publisher) CreateStream() []byte {
	return p.command(3, 0, "createStream", nil)
}

func (p *Publisher) Publish(streamID uint32, key string) []byte {
	return p.command(4, streamID, "publish", nil, key, "live")
}

func (p *Publisher) FCUnpublish(key string) []byte {
	return p.command(3, 0, "FCUnpublish", nil, key)
}

func (p *Publisher) DeleteStream(streamID uint32) []byte {
	return p.command(3, 0, "deleteStream", nil, float64(streamID))
}

// SetDataFrame sends @setDataFrame("onMetaData", md) on streamID.
func (p *Publisher) SetDataFrame(streamID uint32, md flvio.AMFMap) []byte {
	return p.Message(4, TypeDataAMF0, streamID, 0, AMF0("@setDataFrame", "onMetaData", md))
}

func (p *Publisher) Video(streamID, ts uint32, data []byte) []byte {
	return p.Message(6, TypeVideo, streamID, ts, data)
}

func (p *Publisher) Audio(streamID, ts uint32, data []byte) []byte {
	return p.Message(4, TypeAudio, streamID, ts, data)
}

// AMF0 encodes vals back to back.
func AMF0(vals ...interface{}) []byte {
	size := 0
	for _, v := range vals {
		size += flvio.LenAMF0Val(v)
	}
	b := make([]byte, size)
	n := 0
	for _, v := range vals {
		n += flvio.FillAMF0Val(b[n:], v)
	}
	return b[:n]
}

// Metadata returns the onMetaData object of a 1280x720 30fps H.264/AAC stream.
func Metadata() flvio.AMFMap {
	return flvio.AMFMap{
		"width":           float64(1280),
		"height":          float64(720),
		"framerate":       float64(30),
		"videocodecid":    float64(7),
		"videodatarate":   float64(2500),
		"audiocodecid":    float64(10),
		"audiodatarate":   float64(160),
		"audiosamplerate": float64(44100),
		"audiochannels":   float64(2),
		"stereo":          true,
		"encoder":         "rtmptest",
	}
}

// KeyFrame returns an AVC NALU video payload of size bytes flagged as keyframe.
func KeyFrame(size int) []byte {
	b := make([]byte, size)
	b[0] = 0x17
	b[1] = 0x01
	return b
}

// InterFrame returns an AVC NALU video payload of size bytes flagged as inter frame.
func InterFrame(size int) []byte {
	b := make([]byte, size)
	b[0] = 0x27
	b[1] = 0x01
	return b
}

// Message is one decoded server message.
type Message struct {
	CSID      uint32
	TypeID    uint32
	StreamID  uint32
	Timestamp uint32
	Payload   []byte
}

// Values decodes an AMF0 command or data payload.
func (m Message) Values() ([]interface{}, error) {
	var vals []interface{}
	for n := 0; n < len(m.Payload); {
		v, size, err := flvio.ParseAMF0Val(m.Payload[n:])
		if err != nil {
			return vals, err
		}
		vals = append(vals, v)
		n += size
	}
	return vals, nil
}

// Command returns the command name, or "" for non command messages.
func (m Message) Command() string {
	if m.TypeID != TypeCommandAMF0 {
		return ""
	}
	vals, err := m.Values()
	if err != nil || len(vals) == 0 {
		return ""
	}
	name, _ := vals[0].(string)
	return name
}

// StatusCode returns the "code" of an onStatus or _result info object.
func (m Message) StatusCode() string {
	vals, err := m.Values()
	if err != nil {
		return ""
	}
	for i := len(vals) - 1; i >= 0; i-- {
		if obj, ok := vals[i].(flvio.AMFMap); ok {
			if code, ok := obj["code"].(string); ok {
				return code
			}
		}
	}
	return ""
}

// Reader decodes the chunk stream the server writes. It understands type 0
// and type 3 headers, which is all the server emits.
type Reader struct {
	chunkSize uint32
	buf       []byte
	partial   map[uint32]*Message
	remain    map[uint32]uint32
}

func NewReader() *Reader {
	return &Reader{
		chunkSize: 128,
		partial:   make(map[uint32]*Message),
		remain:    make(map[uint32]uint32),
	}
}

// Feed appends server bytes and returns every message they complete.
func (r *Reader) Feed(b []byte) ([]Message, error) {
	r.buf = append(r.buf, b...)
	var msgs []Message
	for len(r.buf) > 0 {
		format := r.buf[0] >> 6
		csid := uint32(r.buf[0] & 0x3f)
		if csid < 2 {
			return msgs, fmt.Errorf("rtmptest: extended csid not supported")
		}
		n := 1
		switch format {
		case 0:
			if len(r.buf) < 12 {
				return msgs, nil
			}
			m := &Message{
				CSID:      csid,
				Timestamp: pio.U24BE(r.buf[1:]),
				TypeID:    uint32(r.buf[7]),
				StreamID:  pio.U32LE(r.buf[8:]),
			}
			length := pio.U24BE(r.buf[4:])
			m.Payload = make([]byte, 0, length)
			n = 12
			size := length
			if size > r.chunkSize {
				size = r.chunkSize
			}
			if uint32(len(r.buf)-n) < size {
				return msgs, nil
			}
			m.Payload = append(m.Payload, r.buf[n:n+int(size)]...)
			r.buf = r.buf[n+int(size):]
			r.partial[csid] = m
			r.remain[csid] = length - size
		case 3:
			m, ok := r.partial[csid]
			if !ok || r.remain[csid] == 0 {
				return msgs, fmt.Errorf("rtmptest: continuation on idle csid %d", csid)
			}
			size := r.remain[csid]
			if size > r.chunkSize {
				size = r.chunkSize
			}
			if uint32(len(r.buf)-n) < size {
				return msgs, nil
			}
			m.Payload = append(m.Payload, r.buf[n:n+int(size)]...)
			r.buf = r.buf[n+int(size):]
			r.remain[csid] -= size
		default:
			return msgs, fmt.Errorf("rtmptest: chunk format %d not supported", format)
		}

		if r.remain[csid] == 0 {
			m := *r.partial[csid]
			delete(r.partial, csid)
			if m.TypeID == TypeSetChunkSize && len(m.Payload) >= 4 {
				r.chunkSize = pio.U32BE(m.Payload)
			}
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// Client drives a publishing session over a real connection.
type Client struct {
	Conn net.Conn
	Publisher
	reader  *Reader
	pending []Message
}

func NewClient(conn net.Conn) *Client {
	return &Client{Conn: conn, reader: NewReader()}
}

// Handshake performs the simple handshake and returns any chunk stream bytes
// the server sent after S2.
func (c *Client) Handshake(timeout time.Duration) error {
	c.Conn.SetDeadline(time.Now().Add(timeout))
	defer c.Conn.SetDeadline(time.Time{})

	if _, err := c.Conn.Write(C0C1()); err != nil {
		return err
	}
	s0s1s2 := make([]byte, 1+2*handshakeSize)
	for n := 0; n < len(s0s1s2); {
		m, err := c.Conn.Read(s0s1s2[n:])
		if err != nil {
			return err
		}
		n += m
	}
	if s0s1s2[0] != 3 {
		return fmt.Errorf("rtmptest: server version %d", s0s1s2[0])
	}
	_, err := c.Conn.Write(C2(s0s1s2))
	return err
}

func (c *Client) Send(b ...[]byte) error {
	for _, p := range b {
		if _, err := c.Conn.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// WaitFor reads server messages until pred matches one or timeout passes.
// Messages before the match are discarded; those after it are kept for the
// next call.
func (c *Client) WaitFor(timeout time.Duration, pred func(Message) bool) (Message, error) {
	if m, ok := c.match(pred); ok {
		return m, nil
	}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	defer c.Conn.SetReadDeadline(time.Time{})
	for {
		c.Conn.SetReadDeadline(deadline)
		n, err := c.Conn.Read(buf)
		if n > 0 {
			msgs, ferr := c.reader.Feed(buf[:n])
			c.pending = append(c.pending, msgs...)
			if m, ok := c.match(pred); ok {
				return m, nil
			}
			if ferr != nil {
				return Message{}, ferr
			}
		}
		if err != nil {
			return Message{}, err
		}
	}
}

func (c *Client) match(pred func(Message) bool) (Message, bool) {
	for i, m := range c.pending {
		if pred(m) {
			c.pending = c.pending[i+1:]
			return m, true
		}
	}
	c.pending = c.pending[:0]
	return Message{}, false
}

// IsCommand matches a command message by name.
func IsCommand(name string) func(Message) bool {
	return func(m Message) bool { return m.Command() == name }
}
