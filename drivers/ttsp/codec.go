package ttsp

import "encoding/binary"

// Endianness of multi-byte command and response payload fields, as
// reported by the device in its system information.
type Endianness uint8

const (
	BigEndian Endianness = iota
	LittleEndian
)

func (e Endianness) Order() binary.ByteOrder {
	if e == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (e Endianness) String() string {
	if e == LittleEndian {
		return "little"
	}
	return "big"
}

func (e Endianness) Uint16(b []byte) uint16       { return e.Order().Uint16(b) }
func (e Endianness) PutUint16(b []byte, v uint16) { e.Order().PutUint16(b, v) }

// PutUint writes v into the first size bytes of b (size 1, 2 or 4).
func (e Endianness) PutUint(b []byte, size int, v uint32) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		e.Order().PutUint16(b, uint16(v))
	case 4:
		e.Order().PutUint32(b, v)
	}
}

// Uint reads a size-byte unsigned value (size 1, 2 or 4).
func (e Endianness) Uint(b []byte, size int) uint32 {
	switch size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(e.Order().Uint16(b))
	case 4:
		return e.Order().Uint32(b)
	}
	return 0
}

// be16 reads the big-endian fields of the SysInfo map, which ignore the
// payload endianness bit.
func be16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// CRC16 is CRC-16/CCITT: polynomial 0x1021, initial value 0xFFFF, no
// reflection, no final xor.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
