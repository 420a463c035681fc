package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/text/unicode/norm"
)

// ParseScope turns an operator-supplied business scope into its wire bytes.
// A 0x prefix selects hex; anything else is a name, NFKC-normalised so that
// visually identical names select the same queue and balance book.
func ParseScope(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty scope")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw, err := hexutil.Decode("0x" + s[2:])
		if err != nil {
			return nil, fmt.Errorf("invalid hex scope: %w", err)
		}
		return raw, nil
	}
	return []byte(norm.NFKC.String(s)), nil
}
