package core

import (
	"fmt"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/nareix/joy4/utils/bits/pio"
	"github.com/pkg/errors"

	"github.com/livego/rtmpsrv/utils/pool"
)

// 커맨드 이름
const (
	cmdConnect       = "connect"
	cmdFcpublish     = "FCPublish"
	cmdReleaseStream = "releaseStream"
	cmdCreateStream  = "createStream"
	cmdPublish       = "publish"
	cmdFCUnpublish   = "FCUnpublish"
	cmdDeleteStream  = "deleteStream"
	cmdCloseStream   = "closeStream"

	cmdSetDataFrame = "@setDataFrame"
	cmdOnMetaData   = "onMetaData"
)

type SessionConfig struct {
	ChunkSize     uint32 // connect 수락 후 서버가 쓰는 청크 크기
	WindowAckSize uint32
	PeerBandwidth uint32
	FmsVersion    string
	Capabilities  float64

	MaxChunkStreams int // 한 연결이 열 수 있는 청크 스트림 수
	MaxPendingBytes int // 끝나지 않은 메시지들이 붙잡을 수 있는 바이트 합
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ChunkSize:     4096,
		WindowAckSize: defaultWindowAck,
		PeerBandwidth: defaultWindowAck,
		FmsVersion:    "FMS/3,0,1,123",
		Capabilities:  31,

		MaxChunkStreams: 64,
		MaxPendingBytes: 32 << 20,
	}
}

type streamState struct {
	key        string
	mode       string
	pending    bool // publish 요청 후 수락/거절 대기 중
	publishing bool
}

// ServerSession 은 핸드셰이크가 끝난 한 연결의 RTMP 청크 스트림을 해석한다.
// 소켓을 갖지 않는다. 입력은 Handle 로 받고, 보낼 바이트는 이벤트나 Accept* 의 반환값으로 돌려준다.
type ServerSession struct {
	cfg  SessionConfig
	rw   *ReadWriter
	pool *pool.Pool

	chunks          map[uint32]*ChunkStream
	pendingBytes    int
	remoteChunkSize uint32
	localChunkSize  uint32

	remoteWindowAckSize uint32
	ackReceived         uint64

	connected      bool
	waiting        bool
	app            string
	tcURL          string
	objectEncoding float64

	nextStreamID uint32
	streams      map[uint32]*streamState
}

func NewServerSession(cfg SessionConfig) *ServerSession {
	defaults := DefaultSessionConfig()
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.MaxChunkStreams == 0 {
		cfg.MaxChunkStreams = defaults.MaxChunkStreams
	}
	if cfg.MaxPendingBytes == 0 {
		cfg.MaxPendingBytes = defaults.MaxPendingBytes
	}
	return &ServerSession{
		cfg:             cfg,
		rw:              NewReadWriter(),
		pool:            pool.NewPool(),
		chunks:          make(map[uint32]*ChunkStream),
		remoteChunkSize: defaultChunkSize,
		localChunkSize:  defaultChunkSize,
		streams:         make(map[uint32]*streamState),
	}
}

func (s *ServerSession) App() string {
	return s.app
}

func (s *ServerSession) TcURL() string {
	return s.tcURL
}

// Waiting reports whether the session holds back input until a pending
// connect or publish request is answered.
func (s *ServerSession) Waiting() bool {
	return s.waiting
}

// Handle feeds bytes received after the handshake and returns the events they
// complete, in wire order. Incomplete chunks are kept until more bytes arrive.
// Handle(nil) resumes processing of bytes held back while Waiting.
func (s *ServerSession) Handle(b []byte) ([]Event, error) {
	if len(b) > 0 {
		s.rw.Feed(b)
	}
	if s.waiting {
		return nil, nil
	}

	var events []Event
	for !s.waiting {
		m := s.rw.mark()
		format, csid, err := readBasicHeader(s.rw)
		if err == errShortBuffer {
			s.rw.reset(m)
			break
		}
		cs, ok := s.chunks[csid]
		if !ok {
			if format != 0 {
				return events, &ChunkError{CSID: csid, Reason: fmt.Sprintf("format %d on unknown chunk stream", format)}
			}
			if len(s.chunks) >= s.cfg.MaxChunkStreams {
				return events, &ChunkError{CSID: csid, Reason: fmt.Sprintf("more than %d chunk streams", s.cfg.MaxChunkStreams)}
			}
			cs = &ChunkStream{CSID: csid}
		}
		snapshot := *cs
		before := cs.pending()
		cs.tmpFormat = format
		err = cs.readChunk(s.rw, s.remoteChunkSize, s.pool)
		if err == errShortBuffer {
			*cs = snapshot
			s.rw.reset(m)
			break
		}
		if err != nil {
			return events, err
		}
		s.chunks[csid] = cs
		s.rw.commit(m)

		s.pendingBytes += cs.pending() - before
		if s.pendingBytes > s.cfg.MaxPendingBytes {
			return events, &ChunkError{CSID: csid, Reason: fmt.Sprintf("incomplete messages hold %d bytes", s.pendingBytes)}
		}

		if cs.full() {
			if events, err = s.handleMessage(cs, events); err != nil {
				return events, err
			}
		}
	}
	return s.ack(events), nil
}

// ack 은 상대가 알려준 윈도우 크기만큼 받을 때마다 Acknowledgement 를 보낸다.
func (s *ServerSession) ack(events []Event) []Event {
	if s.remoteWindowAckSize == 0 {
		return events
	}
	if s.rw.consumed-s.ackReceived < uint64(s.remoteWindowAckSize) {
		return events
	}
	s.ackReceived = s.rw.consumed
	s.writeMessage(csidControl, idAck, 0, u32Payload(uint32(s.rw.consumed)))
	return append(events, OutboundData{Bytes: s.rw.Flush()})
}

func (s *ServerSession) writeMessage(csid, typeID, streamID uint32, data []byte) error {
	cs := ChunkStream{
		CSID:     csid,
		TypeID:   typeID,
		StreamID: streamID,
		Data:     data,
	}
	return cs.writeChunk(s.rw, int(s.localChunkSize))
}

func (s *ServerSession) writeCommand(csid, streamID uint32, args ...interface{}) error {
	return s.writeMessage(csid, idCommandMsgAMF0, streamID, encodeAMF0(args...))
}

func (s *ServerSession) handleMessage(cs *ChunkStream, events []Event) ([]Event, error) {
	data := cs.Data
	switch cs.TypeID {
	case idSetChunkSize:
		if len(data) < 4 {
			return events, &ChunkError{CSID: cs.CSID, Reason: "short SetChunkSize"}
		}
		size := pio.U32BE(data)
		if size == 0 || size&0x80000000 != 0 {
			return events, &ChunkError{CSID: cs.CSID, Reason: fmt.Sprintf("invalid chunk size %d", size)}
		}
		if size > maxChunkSize {
			size = maxChunkSize
		}
		s.remoteChunkSize = size

	case idAbortMessage:
		if len(data) >= 4 {
			if c, ok := s.chunks[pio.U32BE(data)]; ok {
				s.pendingBytes -= c.pending()
				c.abort()
			}
		}

	case idWindowAckSize:
		if len(data) >= 4 {
			s.remoteWindowAckSize = pio.U32BE(data)
		}

	case idUserControlMessages:
		if len(data) < 6 {
			return events, nil
		}
		switch uint32(pio.U16BE(data)) {
		case pingRequest:
			s.writeMessage(csidControl, idUserControlMessages, 0, userControlPayload(pingResponse, pio.U32BE(data[2:])))
			events = append(events, OutboundData{Bytes: s.rw.Flush()})
		case setBufferLen:
			// 재생 클라이언트의 버퍼 길이. 받기만 하는 서버에는 쓸 데가 없다.
		}

	case idAck, idSetPeerBandwidth, idSharedObjectAMF0, idSharedObjectAMF3:

	case idAggregateMessages:
		return s.handleAggregate(cs, events)

	case idAudioMsg, idVideoMsg:
		st, ok := s.streams[cs.StreamID]
		if !ok || !st.publishing {
			return events, nil
		}
		if cs.TypeID == idAudioMsg {
			events = append(events, AudioDataReceived{
				StreamID:  cs.StreamID,
				App:       s.app,
				StreamKey: st.key,
				Timestamp: cs.Timestamp,
				Data:      data,
			})
		} else {
			events = append(events, VideoDataReceived{
				StreamID:  cs.StreamID,
				App:       s.app,
				StreamKey: st.key,
				Timestamp: cs.Timestamp,
				Data:      data,
			})
		}

	case idDataMsgAMF3, idDataMsgAMF0:
		if cs.TypeID == idDataMsgAMF3 {
			if len(data) < 1 {
				return events, nil
			}
			data = data[1:]
		}
		vals, err := decodeAMF0(data)
		if err != nil {
			return events, &CommandError{Command: "data", Reason: "malformed amf0", Err: err}
		}
		events = s.handleData(cs.StreamID, vals, events)

	case idCommandMsgAMF3, idCommandMsgAMF0:
		if cs.TypeID == idCommandMsgAMF3 {
			if len(data) < 1 {
				return events, &CommandError{Reason: "short amf3 command"}
			}
			data = data[1:]
		}
		vals, err := decodeAMF0(data)
		if err != nil {
			return events, &CommandError{Reason: "malformed amf0", Err: err}
		}
		return s.handleCommand(cs.StreamID, vals, events)
	}
	return events, nil
}

// 집계 메시지 안의 하위 메시지 헤더: type(1) size(3) timestamp(3+1) stream id(3)
const aggregateHeaderLen = 11

// handleAggregate 는 집계 메시지를 하위 메시지로 풀어 하나씩 처리한다.
// 하위 메시지의 타임스탬프는 첫 하위 메시지 기준의 차이만큼 바깥 타임스탬프에 더한다.
func (s *ServerSession) handleAggregate(cs *ChunkStream, events []Event) ([]Event, error) {
	data := cs.Data
	var base uint32
	for i := 0; len(data) > 0; i++ {
		if len(data) < aggregateHeaderLen {
			return events, &ChunkError{CSID: cs.CSID, Reason: "short aggregate sub-message header"}
		}
		typeID := uint32(data[0])
		size := int(pio.U24BE(data[1:]))
		ts := pio.U24BE(data[4:]) | uint32(data[7])<<24
		if len(data)-aggregateHeaderLen < size {
			return events, &ChunkError{CSID: cs.CSID, Reason: fmt.Sprintf("aggregate sub-message of %d bytes overruns message", size)}
		}
		if typeID == idAggregateMessages {
			return events, &ChunkError{CSID: cs.CSID, Reason: "nested aggregate message"}
		}
		if i == 0 {
			base = ts
		}
		sub := &ChunkStream{
			CSID:      cs.CSID,
			TypeID:    typeID,
			StreamID:  cs.StreamID,
			Timestamp: cs.Timestamp + (ts - base),
			Length:    uint32(size),
			Data:      data[aggregateHeaderLen : aggregateHeaderLen+size],
		}
		var err error
		if events, err = s.handleMessage(sub, events); err != nil {
			return events, err
		}
		// 하위 메시지 뒤에는 4바이트 back pointer 가 붙는다.
		data = data[aggregateHeaderLen+size:]
		if len(data) >= 4 {
			data = data[4:]
		} else {
			data = nil
		}
	}
	return events, nil
}

func (s *ServerSession) handleData(streamID uint32, vals []interface{}, events []Event) []Event {
	if len(vals) == 0 {
		return events
	}
	name, _ := vals[0].(string)
	if name == cmdSetDataFrame {
		vals = vals[1:]
		if len(vals) == 0 {
			return events
		}
		name, _ = vals[0].(string)
	}
	if name != cmdOnMetaData || len(vals) < 2 {
		return events
	}
	obj, ok := amfObject(vals[1])
	if !ok {
		return events
	}
	st, ok := s.streams[streamID]
	if !ok || !st.publishing {
		return events
	}
	return append(events, StreamMetadataChanged{
		StreamID:  streamID,
		App:       s.app,
		StreamKey: st.key,
		Metadata:  ParseMetadata(obj),
	})
}

func (s *ServerSession) handleCommand(streamID uint32, vals []interface{}, events []Event) ([]Event, error) {
	if len(vals) == 0 {
		return events, &CommandError{Reason: "empty command"}
	}
	name, ok := vals[0].(string)
	if !ok {
		return events, &CommandError{Reason: fmt.Sprintf("command name is %T", vals[0])}
	}
	var txn float64
	if len(vals) > 1 {
		txn, _ = vals[1].(float64)
	}
	var obj interface{}
	if len(vals) > 2 {
		obj = vals[2]
	}
	var args []interface{}
	if len(vals) > 3 {
		args = vals[3:]
	}

	switch name {
	case cmdConnect:
		if s.connected {
			return events, &CommandError{Command: name, Reason: "already connected"}
		}
		params, ok := amfObject(obj)
		if !ok {
			return events, &CommandError{Command: name, Reason: "missing command object"}
		}
		s.app, _ = amfString(params, "app")
		if s.tcURL, ok = amfString(params, "tcUrl"); !ok {
			s.tcURL, _ = amfString(params, "tcurl")
		}
		s.objectEncoding, _ = amfNumber(params, "objectEncoding")
		s.connected = true
		s.waiting = true
		events = append(events, ConnectRequested{
			TransactionID:  txn,
			App:            s.app,
			TcURL:          s.tcURL,
			ObjectEncoding: s.objectEncoding,
		})

	case cmdCreateStream:
		if !s.connected {
			return events, &CommandError{Command: name, Reason: "before connect"}
		}
		s.nextStreamID++
		s.streams[s.nextStreamID] = &streamState{}
		s.writeCommand(csidCommand, 0, "_result", txn, nil, float64(s.nextStreamID))
		events = append(events, OutboundData{Bytes: s.rw.Flush()})

	case cmdReleaseStream, cmdFcpublish:
		if !s.connected {
			return events, &CommandError{Command: name, Reason: "before connect"}
		}
		s.writeCommand(csidCommand, 0, "_result", txn, nil)
		events = append(events, OutboundData{Bytes: s.rw.Flush()})

	case cmdPublish:
		if !s.connected {
			return events, &CommandError{Command: name, Reason: "before connect"}
		}
		if len(args) < 1 {
			return events, &CommandError{Command: name, Reason: "missing stream key"}
		}
		key, ok := args[0].(string)
		if !ok {
			return events, &CommandError{Command: name, Reason: fmt.Sprintf("stream key is %T", args[0])}
		}
		mode := "live"
		if len(args) > 1 {
			if m, ok := args[1].(string); ok && m != "" {
				mode = m
			}
		}
		st, ok := s.streams[streamID]
		if !ok {
			st = &streamState{}
			s.streams[streamID] = st
		}
		if st.pending || st.publishing {
			return events, &CommandError{Command: name, Reason: fmt.Sprintf("stream %d already publishing", streamID)}
		}
		st.key = key
		st.mode = mode
		st.pending = true
		s.waiting = true
		events = append(events, PublishRequested{
			TransactionID: txn,
			StreamID:      streamID,
			App:           s.app,
			StreamKey:     key,
			Mode:          mode,
		})

	case cmdDeleteStream:
		if len(args) < 1 {
			return events, nil
		}
		id, ok := args[0].(float64)
		if !ok {
			return events, nil
		}
		events = s.finishStream(uint32(id), events)
		delete(s.streams, uint32(id))

	case cmdCloseStream:
		events = s.finishStream(streamID, events)

	case cmdFCUnpublish:
		if len(args) < 1 {
			return events, nil
		}
		key, _ := args[0].(string)
		for id, st := range s.streams {
			if st.publishing && st.key == key {
				events = s.finishStream(id, events)
			}
		}
	}
	return events, nil
}

func (s *ServerSession) finishStream(streamID uint32, events []Event) []Event {
	st, ok := s.streams[streamID]
	if !ok || !st.publishing {
		return events
	}
	events = append(events, PublishFinished{
		StreamID:  streamID,
		App:       s.app,
		StreamKey: st.key,
	})
	st.publishing = false
	st.key = ""
	return events
}

// AcceptConnect answers a ConnectRequested event and resumes input handling.
func (s *ServerSession) AcceptConnect(txn float64) ([]byte, error) {
	if !s.connected || !s.waiting {
		return nil, errors.New("rtmp: no connect request pending")
	}
	s.writeMessage(csidControl, idWindowAckSize, 0, u32Payload(s.cfg.WindowAckSize))
	s.writeMessage(csidControl, idSetPeerBandwidth, 0, setPeerBandwidthPayload(s.cfg.PeerBandwidth, peerBandwidthDynamic))
	s.writeMessage(csidControl, idSetChunkSize, 0, u32Payload(s.cfg.ChunkSize))
	s.localChunkSize = s.cfg.ChunkSize

	err := s.writeCommand(csidCommand, 0, "_result", txn,
		flvio.AMFMap{
			"fmsVer":       s.cfg.FmsVersion,
			"capabilities": s.cfg.Capabilities,
		},
		flvio.AMFMap{
			"level":          "status",
			"code":           "NetConnection.Connect.Success",
			"description":    "Connection succeeded.",
			"objectEncoding": s.objectEncoding,
		},
	)
	if err != nil {
		return nil, err
	}
	s.waiting = false
	return s.rw.Flush(), nil
}

// AcceptPublish answers a PublishRequested event for streamID; media on that
// stream is reported from now on.
func (s *ServerSession) AcceptPublish(streamID uint32, txn float64) ([]byte, error) {
	st, ok := s.streams[streamID]
	if !ok || !st.pending {
		return nil, errors.Errorf("rtmp: no publish request pending on stream %d", streamID)
	}
	st.pending = false
	st.publishing = true
	s.waiting = false

	s.writeMessage(csidControl, idUserControlMessages, 0, userControlPayload(streamBegin, streamID))
	err := s.writeCommand(csidStatus, streamID, "onStatus", txn, nil,
		flvio.AMFMap{
			"level":       "status",
			"code":        "NetStream.Publish.Start",
			"description": "Start publishing " + st.key,
		},
	)
	if err != nil {
		return nil, err
	}
	return s.rw.Flush(), nil
}

// RejectPublish answers a PublishRequested event with an error status.
func (s *ServerSession) RejectPublish(streamID uint32, txn float64, code, description string) ([]byte, error) {
	st, ok := s.streams[streamID]
	if !ok || !st.pending {
		return nil, errors.Errorf("rtmp: no publish request pending on stream %d", streamID)
	}
	st.pending = false
	st.key = ""
	s.waiting = false

	err := s.writeCommand(csidStatus, streamID, "onStatus", txn, nil,
		flvio.AMFMap{
			"level":       "error",
			"code":        code,
			"description": description,
		},
	)
	if err != nil {
		return nil, err
	}
	return s.rw.Flush(), nil
}
