package core

import (
	"github.com/livego/rtmpsrv/av"
)

// Event 는 ServerSession 이 입력 바이트를 해석한 결과이다.
type Event interface {
	isEvent()
}

// OutboundData carries bytes the session wants sent to the peer as-is.
type OutboundData struct {
	Bytes []byte
}

// ConnectRequested 는 클라이언트가 connect 커맨드를 보냈음을 알린다.
// 세션은 AcceptConnect 가 호출될 때까지 이후 입력을 처리하지 않는다.
type ConnectRequested struct {
	TransactionID  float64
	App            string
	TcURL          string
	ObjectEncoding float64
}

// PublishRequested 는 publish 커맨드를 알린다.
// 세션은 AcceptPublish 또는 RejectPublish 가 호출될 때까지 이후 입력을 처리하지 않는다.
type PublishRequested struct {
	TransactionID float64
	StreamID      uint32
	App           string
	StreamKey     string
	Mode          string
}

type PublishFinished struct {
	StreamID  uint32
	App       string
	StreamKey string
}

type StreamMetadataChanged struct {
	StreamID  uint32
	App       string
	StreamKey string
	Metadata  av.Metadata
}

type AudioDataReceived struct {
	StreamID  uint32
	App       string
	StreamKey string
	Timestamp uint32
	Data      []byte
}

type VideoDataReceived struct {
	StreamID  uint32
	App       string
	StreamKey string
	Timestamp uint32
	Data      []byte
}

func (OutboundData) isEvent()          {}
func (ConnectRequested) isEvent()      {}
func (PublishRequested) isEvent()      {}
func (PublishFinished) isEvent()       {}
func (StreamMetadataChanged) isEvent() {}
func (AudioDataReceived) isEvent()     {}
func (VideoDataReceived) isEvent()     {}
