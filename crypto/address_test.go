package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_TextAndBytes(t *testing.T) {
	a := Address(0x8056c2e21c)

	assert.Equal(t, "8056c2e21c", a.String())
	assert.Equal(t, [AddressSize]byte{0x80, 0x56, 0xc2, 0xe2, 0x1c}, a.Bytes())

	parsed, err := ParseAddress("8056c2e21c")
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	b := a.Bytes()
	fromBytes, err := AddressFromBytes(b[:])
	require.NoError(t, err)
	assert.Equal(t, a, fromBytes)
}

func TestAddress_Invalid(t *testing.T) {
	_, err := ParseAddress("123")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = ParseAddress("zzzzzzzzzz")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = AddressFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAddress_IsReserved(t *testing.T) {
	assert.True(t, Address(0).IsReserved())
	assert.True(t, Address(0xff00000001).IsReserved())
	assert.False(t, Address(0x0100000001).IsReserved())
}
