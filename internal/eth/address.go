package eth

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/layer-3/notary/core"
)

// NormalizeAddress validates a hex address and returns its lowercase 0x form
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", core.ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// SameAddress compares two addresses case-insensitively
func SameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) &&
		common.HexToAddress(a) == common.HexToAddress(b)
}
