// Package tokenid decodes the numeric identifiers the ledger writes into
// indexed event fields.
//
// Indexed fields are 32-byte words rendered as 64 hexadecimal digits,
// left-padded with zeros, usually carrying a "0x" prefix. Every consumer of
// ledger events goes through Decode; reimplementing the parse at a call site
// is how events end up silently attributed to the wrong agent.
package tokenid

import (
	"math/big"
	"strings"
)

// FieldWidth is the number of hex digits in one indexed field.
const FieldWidth = 64

// Zero is the all-zero field. It decodes to 0 and is not a failure.
const Zero = "0x0000000000000000000000000000000000000000000000000000000000000000"

// Decode returns the unsigned integer encoded in field. The second return
// value is false when field is not a well-formed fixed-width hex word; the
// first is then nil. Decode never panics.
func Decode(field string) (*big.Int, bool) {
	digits := strings.TrimPrefix(strings.TrimPrefix(field, "0x"), "0X")
	if len(digits) != FieldWidth {
		return nil, false
	}
	if strings.TrimLeft(digits, "0") == "" {
		return new(big.Int), true
	}
	for i := 0; i < len(digits); i++ {
		if !isHex(digits[i]) {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, false
	}
	return v, true
}

// DecodeUint64 is Decode restricted to identifiers that fit in a uint64,
// which covers every agent id the ledger assigns in practice. Larger values
// are reported as failures.
func DecodeUint64(field string) (uint64, bool) {
	v, ok := Decode(field)
	if !ok || !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

// Encode renders v as a 0x-prefixed, zero-padded field. It returns false for
// negative values and values wider than the field.
func Encode(v *big.Int) (string, bool) {
	if v == nil || v.Sign() < 0 || v.BitLen() > FieldWidth*4 {
		return "", false
	}
	digits := v.Text(16)
	return "0x" + strings.Repeat("0", FieldWidth-len(digits)) + digits, true
}

// EncodeUint64 is Encode for uint64 identifiers.
func EncodeUint64(v uint64) string {
	s, _ := Encode(new(big.Int).SetUint64(v))
	return s
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
