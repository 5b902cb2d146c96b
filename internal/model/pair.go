package model

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pair is a quote request: the price of Token0 denominated in Token1.
// Two pairs with the same tokens in either order share one Ordered key.
type Pair struct {
	Token0 common.Address `json:"token0"`
	Token1 common.Address `json:"token1"`
}

func NewPair(token0, token1 common.Address) Pair {
	return Pair{Token0: token0, Token1: token1}
}

// Ordered returns the canonical form with the lexicographically smaller token first.
func (p Pair) Ordered() Pair {
	if bytes.Compare(p.Token0.Bytes(), p.Token1.Bytes()) <= 0 {
		return p
	}
	return p.Flip()
}

// IsOrdered reports whether p is already canonical.
func (p Pair) IsOrdered() bool {
	return bytes.Compare(p.Token0.Bytes(), p.Token1.Bytes()) <= 0
}

// Flip yields the reverse-quote pair.
func (p Pair) Flip() Pair {
	return Pair{Token0: p.Token1, Token1: p.Token0}
}

// IsSame reports whether both sides are the same token.
func (p Pair) IsSame() bool {
	return p.Token0 == p.Token1
}

func (p Pair) IsZero() bool {
	return p.Token0 == (common.Address{}) && p.Token1 == (common.Address{})
}

// Has reports whether token is one of the pair's sides.
func (p Pair) Has(token common.Address) bool {
	return p.Token0 == token || p.Token1 == token
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.Token0.Hex(), p.Token1.Hex())
}

// MarshalText lets Pair be used as a JSON object key.
func (p Pair) MarshalText() ([]byte, error) {
	return []byte(p.Token0.Hex() + ":" + p.Token1.Hex()), nil
}

func (p *Pair) UnmarshalText(text []byte) error {
	parts := bytes.SplitN(text, []byte(":"), 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid pair: %q", text)
	}
	if !common.IsHexAddress(string(parts[0])) || !common.IsHexAddress(string(parts[1])) {
		return fmt.Errorf("invalid pair address: %q", text)
	}
	p.Token0 = common.HexToAddress(string(parts[0]))
	p.Token1 = common.HexToAddress(string(parts[1]))
	return nil
}

// ComparePairs orders pairs by Token0 then Token1.
func ComparePairs(a, b Pair) int {
	if c := bytes.Compare(a.Token0.Bytes(), b.Token0.Bytes()); c != 0 {
		return c
	}
	return bytes.Compare(a.Token1.Bytes(), b.Token1.Bytes())
}
