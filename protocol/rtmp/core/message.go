package core

import (
	"github.com/nareix/joy4/utils/bits/pio"
)

// 메시지 타입 ID
const (
	idSetChunkSize = iota + 1
	idAbortMessage
	idAck
	idUserControlMessages
	idWindowAckSize
	idSetPeerBandwidth
	_
	idAudioMsg
	idVideoMsg
	idDataMsgAMF3       = 15
	idSharedObjectAMF3  = 16
	idCommandMsgAMF3    = 17
	idDataMsgAMF0       = 18
	idSharedObjectAMF0  = 19
	idCommandMsgAMF0    = 20
	idAggregateMessages = 22
)

// User Control Message 이벤트 타입
const (
	streamBegin  uint32 = 0
	setBufferLen uint32 = 3
	pingRequest  uint32 = 6
	pingResponse uint32 = 7
)

// 프로토콜 컨트롤 메시지는 항상 CSID 2, 메시지 스트림 0 으로 보낸다.
const (
	csidControl = 2
	csidCommand = 3
	csidStatus  = 5
)

const (
	defaultChunkSize     = 128
	maxChunkSize         = 0xffffff
	defaultWindowAck     = 2500000
	peerBandwidthDynamic = 2
)

func u32Payload(v uint32) []byte {
	b := make([]byte, 4)
	pio.PutU32BE(b, v)
	return b
}

func setPeerBandwidthPayload(size uint32, limit uint8) []byte {
	b := make([]byte, 5)
	pio.PutU32BE(b, size)
	b[4] = limit
	return b
}

// userControlPayload 는 이벤트 타입(2바이트) 뒤에 4바이트 값들을 붙인다.
func userControlPayload(event uint32, args ...uint32) []byte {
	b := make([]byte, 2+4*len(args))
	pio.PutU16BE(b, uint16(event))
	for i, v := range args {
		pio.PutU32BE(b[2+4*i:], v)
	}
	return b
}
