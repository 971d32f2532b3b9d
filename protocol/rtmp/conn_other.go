//go:build !unix

package rtmp

import "net"

func newRawReader(net.Conn) (nonblockReader, bool) {
	return nil, false
}
