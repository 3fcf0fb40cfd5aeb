package verb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitmapRoundTrip(t *testing.T) {
	entries := []RabbitmapEntry{
		{Type: TypeText, Display: "readme", Selector: "/0/readme", Host: SameBurrow},
		{Type: TypeMenu, Display: "docs", Selector: "/1/docs", Host: "other.example.com"},
	}
	encoded := EncodeRabbitmap(entries)
	assert.Contains(t, string(encoded), "0readme\t/0/readme\t=\t\r\n")
	assert.Contains(t, string(encoded), "\r\n.\r\n")

	decoded, err := ParseRabbitmap(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)
}

func TestParseRabbitmapEmptyMenu(t *testing.T) {
	decoded, err := ParseRabbitmap(bytes.NewReader(EncodeRabbitmap(nil)))
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestParseRabbitmapMissingTerminator(t *testing.T) {
	_, err := ParseRabbitmap(bytes.NewReader([]byte("0x\t/0/x\t=\t\r\n")))
	require.Error(t, err)
}
