package model

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// Protocol tags the pool implementation backing an edge.
type Protocol string

const (
	ProtocolUniswapV2 Protocol = "uniswap_v2"
	ProtocolUniswapV3 Protocol = "uniswap_v3"
)

// PoolID is the storage key for a pool.
type PoolID struct {
	Address  common.Address `json:"address"`
	Protocol Protocol       `json:"protocol"`
}

// PoolInfo is the immutable identity of a discovered pool.
type PoolInfo struct {
	Address      common.Address `json:"address"`
	Protocol     Protocol       `json:"protocol"`
	Token0       common.Address `json:"token0"`
	Token1       common.Address `json:"token1"`
	CreatedBlock uint64         `json:"created_block"`
}

func (p PoolInfo) ID() PoolID {
	return PoolID{Address: p.Address, Protocol: p.Protocol}
}

func (p PoolInfo) Pair() Pair {
	return Pair{Token0: p.Token0, Token1: p.Token1}
}

// Other returns the token on the opposite side of the pool from token.
func (p PoolInfo) Other(token common.Address) (common.Address, bool) {
	switch token {
	case p.Token0:
		return p.Token1, true
	case p.Token1:
		return p.Token0, true
	default:
		return common.Address{}, false
	}
}

// PoolEdge is a directed traversal of a pool.
type PoolEdge struct {
	PoolInfo
	Token0In bool `json:"token0_in"`
}

// NewPoolEdge directs info so that from is the input side.
func NewPoolEdge(info PoolInfo, from common.Address) (PoolEdge, bool) {
	switch from {
	case info.Token0:
		return PoolEdge{PoolInfo: info, Token0In: true}, true
	case info.Token1:
		return PoolEdge{PoolInfo: info, Token0In: false}, true
	default:
		return PoolEdge{}, false
	}
}

func (e PoolEdge) TokenIn() common.Address {
	if e.Token0In {
		return e.Token0
	}
	return e.Token1
}

func (e PoolEdge) TokenOut() common.Address {
	if e.Token0In {
		return e.Token1
	}
	return e.Token0
}

// SubGraphEdge is a pool edge positioned inside a pair subgraph.
type SubGraphEdge struct {
	PoolEdge
	DistanceToStart uint8 `json:"distance_to_start"`
	DistanceToEnd   uint8 `json:"distance_to_end"`
}

// CompareAddresses is a byte-wise ordering used for deterministic iteration.
func CompareAddresses(a, b common.Address) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}
