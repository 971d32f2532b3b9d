package core

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"time"

	"github.com/nareix/joy4/utils/bits/pio"
)

const (
	handshakeVersion = 3
	handshakeSize    = 1536
)

var (
	hsClientFullKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'P', 'l', 'a', 'y', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	hsServerFullKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'M', 'e', 'd', 'i', 'a', ' ',
		'S', 'e', 'r', 'v', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	hsClientPartialKey = hsClientFullKey[:30]
	hsServerPartialKey = hsServerFullKey[:36]
)

func hsMakeDigest(key []byte, src []byte, gap int) (dst []byte) {
	h := hmac.New(sha256.New, key)
	if gap <= 0 {
		h.Write(src)
	} else {
		h.Write(src[:gap])
		h.Write(src[gap+32:])
	}
	return h.Sum(nil)
}

func hsCalcDigestPos(p []byte, base int) (pos int) {
	for i := 0; i < 4; i++ {
		pos += int(p[base+i])
	}
	pos = (pos % 728) + base + 4
	return
}

func hsFindDigest(p []byte, key []byte, base int) int {
	gap := hsCalcDigestPos(p, base)
	digest := hsMakeDigest(key, p, gap)
	if !bytes.Equal(p[gap:gap+32], digest) {
		return -1
	}
	return gap
}

// hsParse1 은 C1 에서 클라이언트 다이제스트를 찾고, S2 서명에 쓸 키를 만든다.
func hsParse1(p []byte, peerkey []byte, key []byte) (ok bool, digest []byte) {
	var pos int
	if pos = hsFindDigest(p, peerkey, 772); pos == -1 {
		if pos = hsFindDigest(p, peerkey, 8); pos == -1 {
			return
		}
	}
	ok = true
	digest = hsMakeDigest(key, p[pos:pos+32], -1)
	return
}

func hsCreate01(p []byte, time uint32, ver uint32, key []byte) {
	p[0] = handshakeVersion
	p1 := p[1:]
	rand.Read(p1[8:])
	pio.PutU32BE(p1[0:4], time)
	pio.PutU32BE(p1[4:8], ver)
	gap := hsCalcDigestPos(p1, 8)
	digest := hsMakeDigest(key, p1, gap)
	copy(p1[gap:], digest)
}

func hsCreate2(p []byte, key []byte) {
	rand.Read(p)
	gap := len(p) - 32
	digest := hsMakeDigest(key, p, gap)
	copy(p[gap:], digest)
}

type handshakeStage int

const (
	stageC0C1 handshakeStage = iota
	stageC2
	stageDone
)

// Handshake 는 서버 쪽 RTMP 핸드셰이크를 바이트 단위로 진행한다.
// C0C1 이 다 모이면 S0S1S2 를 만들어 돌려주고, C2 가 다 모이면 끝난다.
// 클라이언트가 복합(digest) 핸드셰이크를 쓰면 그대로 응답하고, 다이제스트가 맞지 않으면
// 단순 핸드셰이크로 응답한다. RequireDigest 가 켜져 있으면 대신 ErrHandshakeDigest 를 낸다.
type Handshake struct {
	RequireDigest bool

	stage handshakeStage
	c0c1  [1 + handshakeSize]byte
	c2    [handshakeSize]byte
	got   int
	start time.Time
}

func NewHandshake() *Handshake {
	return &Handshake{start: time.Now()}
}

func (hs *Handshake) Done() bool {
	return hs.stage == stageDone
}

// Feed consumes handshake bytes from b. It returns the S0S1S2 response once
// C0C1 is complete, and n, the number of bytes of b that belong to the
// handshake. Bytes past n are chunk stream data sent right after C2.
// Feeding a finished handshake returns ErrHandshakeDone.
func (hs *Handshake) Feed(b []byte) (out []byte, n int, err error) {
	if hs.stage == stageDone {
		return nil, 0, ErrHandshakeDone
	}
	for n < len(b) && hs.stage != stageDone {
		switch hs.stage {
		case stageC0C1:
			c := copy(hs.c0c1[hs.got:], b[n:])
			hs.got += c
			n += c
			if hs.c0c1[0] != handshakeVersion {
				return nil, n, ErrHandshakeVersion
			}
			if hs.got < len(hs.c0c1) {
				continue
			}
			if out, err = hs.respond(); err != nil {
				return nil, n, err
			}
			hs.stage = stageC2
			hs.got = 0
		case stageC2:
			c := copy(hs.c2[hs.got:], b[n:])
			hs.got += c
			n += c
			if hs.got == len(hs.c2) {
				hs.stage = stageDone
			}
		}
	}
	return out, n, nil
}

func (hs *Handshake) respond() ([]byte, error) {
	C1 := hs.c0c1[1:]
	S0S1S2 := make([]byte, 1+handshakeSize*2)
	S0S1 := S0S1S2[:1+handshakeSize]
	S1 := S0S1S2[1 : 1+handshakeSize]
	S2 := S0S1S2[1+handshakeSize:]
	S0S1S2[0] = handshakeVersion

	clitime := pio.U32BE(C1[0:4])
	srvtime := clitime
	srvver := uint32(0x0d0e0a0d)
	cliver := pio.U32BE(C1[4:8])

	if cliver != 0 {
		if ok, digest := hsParse1(C1, hsClientPartialKey, hsServerFullKey); ok {
			hsCreate01(S0S1, srvtime, srvver, hsServerPartialKey)
			hsCreate2(S2, digest)
			return S0S1S2, nil
		}
		if hs.RequireDigest {
			return nil, ErrHandshakeDigest
		}
	}

	// 단순 핸드셰이크: S1 = time + zero + random, S2 = C1 echo
	pio.PutU32BE(S1[0:4], uint32(time.Since(hs.start)/time.Millisecond))
	pio.PutU32BE(S1[4:8], 0)
	rand.Read(S1[8:])
	copy(S2, C1)
	return S0S1S2, nil
}
