package chainwatch

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// TransferTopic is the ERC-20 Transfer(address,address,uint256) event
// signature, the topic0 every log subscription filters on.
const TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// decodeTopicAddress unpacks an address from a 32-byte indexed topic by
// taking its last 20 bytes.
func decodeTopicAddress(topic string) string {
	s := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(s) < 40 {
		return ""
	}
	return "0x" + s[len(s)-40:]
}

// decodeTokenAmount converts a uint256 data field into a human token amount
// using the token's decimal exponent.
func decodeTokenAmount(dataHex string, decimals int32) (decimal.Decimal, error) {
	s := strings.TrimPrefix(dataHex, "0x")
	if s == "" {
		return decimal.Zero, nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid uint256 data %q", dataHex)
	}
	return decimal.NewFromBigInt(v, -decimals), nil
}
