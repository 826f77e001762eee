package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for Pebble storage:
//
//   bal:<asset>:<account> → 32-byte big-endian balance
//   ord:<orderID>         → order record (JSON)
//   evt:<seq>             → event (JSON)
//   meta:orders           → 8-byte big-endian order counter
//   nonce:<account>       → 8-byte big-endian last accepted request nonce
//
// Numeric ids are zero-padded (20 digits) for lexicographic ordering.

const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixEvent   = "evt:"
	prefixNonce   = "nonce:"
)

var keyOrderCount = []byte("meta:orders")

// balanceKey returns the key for a balance cell.
// Format: "bal:{asset}:{account}"
func balanceKey(asset, account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset.Hex(), account.Hex()))
}

// parseBalanceKey inverts balanceKey.
func parseBalanceKey(k []byte) (asset, account common.Address, err error) {
	const hexLen = 2 + 2*common.AddressLength
	rest := string(k[len(prefixBalance):])
	if len(rest) != 2*hexLen+1 || rest[hexLen] != ':' {
		return asset, account, fmt.Errorf("malformed balance key %q", k)
	}
	return common.HexToAddress(rest[:hexLen]), common.HexToAddress(rest[hexLen+1:]), nil
}

func nonceKey(account common.Address) []byte {
	return []byte(prefixNonce + account.Hex())
}

func parseNonceKey(k []byte) (common.Address, error) {
	rest := string(k[len(prefixNonce):])
	if !common.IsHexAddress(rest) {
		return common.Address{}, fmt.Errorf("malformed nonce key %q", k)
	}
	return common.HexToAddress(rest), nil
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
