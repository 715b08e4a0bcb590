package bx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBigEndianReadWrite(t *testing.T) {
	{
		b := make([]byte, 2)
		var v uint16 = 0x1234
		PutU16(b, v)
		assert.Equal(t, []byte{0x12, 0x34}, b)
		assert.Equal(t, v, U16(b))
	}
	{
		b := make([]byte, 4)
		var v uint32 = 0x01020304
		PutU32(b, v)
		assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b)
		assert.Equal(t, v, U32(b))
	}
	{
		b := make([]byte, 8)
		var v uint64 = 0x0102030405060708
		PutU64(b, v)
		assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, b)
		assert.Equal(t, v, U64(b))
	}
}

func TestAtVariants(t *testing.T) {
	buf := make([]byte, 16)
	PutU16At(buf, 0, 0x0A0B)
	PutU32At(buf, 2, 0x01020304)
	PutU64At(buf, 6, 0x0102030405060708)

	assert.Equal(t, uint16(0x0A0B), U16At(buf, 0))
	assert.Equal(t, uint32(0x01020304), U32At(buf, 2))
	assert.Equal(t, uint64(0x0102030405060708), U64At(buf, 6))
}

func TestSignedAliases(t *testing.T) {
	b := make([]byte, 4)
	var v int32 = -123456
	PutU32(b, uint32(v))
	assert.Equal(t, v, I32(b))
}
