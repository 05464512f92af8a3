// Package crypto provides the hashing and signing primitives used by the node.
package crypto

import (
	"github.com/Klingon-tech/metachain/pkg/types"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Hash computes a BLAKE3-256 hash of the input data.
// Used for extrinsic hashes, merkle and state commitments.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// BlakeTwo256 computes a BLAKE2b-256 hash. Block headers are identified
// by the BLAKE2b-256 hash of their SCALE encoding.
func BlakeTwo256(data []byte) types.Hash {
	return blake2b.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees and rolling state commitments.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
