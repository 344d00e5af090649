package adapters

import (
	"fmt"
	"math/big"
	"strings"
)

// ABI selectors for the ERC-20 calls the bot issues. Computed once from the
// canonical signatures; kept literal to avoid a keccak dependency.
const (
	selectorApprove   = "0x095ea7b3" // approve(address,uint256)
	selectorTransfer  = "0xa9059cbb" // transfer(address,uint256)
	selectorAllowance = "0xdd62ed3e" // allowance(address,address)
	selectorBalanceOf = "0x70a08231" // balanceOf(address)
)

func padAddress(addr string) string {
	return fmt.Sprintf("%064s", strings.TrimPrefix(strings.ToLower(addr), "0x"))
}

func padUint(v *big.Int) string {
	return fmt.Sprintf("%064s", v.Text(16))
}

// EncodeApprove builds calldata for approve(spender, amount).
func EncodeApprove(spender string, amount *big.Int) string {
	return selectorApprove + padAddress(spender) + padUint(amount)
}

// EncodeTransfer builds calldata for transfer(to, amount).
func EncodeTransfer(to string, amount *big.Int) string {
	return selectorTransfer + padAddress(to) + padUint(amount)
}

// EncodeAllowance builds calldata for allowance(owner, spender).
func EncodeAllowance(owner, spender string) string {
	return selectorAllowance + padAddress(owner) + padAddress(spender)
}

// EncodeBalanceOf builds calldata for balanceOf(owner).
func EncodeBalanceOf(owner string) string {
	return selectorBalanceOf + padAddress(owner)
}

// DecodeUint parses a 32-byte ABI-encoded return value.
func DecodeUint(hex string) (*big.Int, error) {
	s := strings.TrimPrefix(hex, "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid uint256 return %q", hex)
	}
	return v, nil
}
