package chainwatch

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTopicAddress(t *testing.T) {
	topic := "0x000000000000000000000000AbCdEF0123456789abcdef0123456789ABCDEF01"
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", decodeTopicAddress(topic))

	assert.Equal(t, "", decodeTopicAddress("0x1234"))
}

func TestDecodeTokenAmount(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"one usdc", "0x00000000000000000000000000000000000000000000000000000000000f4240", "1"},
		{"fractional", "0x7a120", "0.5"},
		{"zero", "0x0", "0"},
		{"empty data", "0x", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeTokenAmount(tt.data, 6)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}

	_, err := decodeTokenAmount("0xzz", 6)
	assert.Error(t, err)
}
