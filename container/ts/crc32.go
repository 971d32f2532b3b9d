package ts

// MPEG-2 CRC32 (poly 0x04c11db7, MSB first, no final xor). PSI 섹션 끝에 붙는다.
var crcTable [256]uint32

func init() {
	for i := range crcTable {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04c11db7
			} else {
				c <<= 1
			}
		}
		crcTable[i] = c
	}
}

func GenCrc32(src []byte) uint32 {
	crc := uint32(0xffffffff)
	for _, b := range src {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
