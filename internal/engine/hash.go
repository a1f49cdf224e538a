package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Hash lanes and multipliers. These are part of the public fairness contract:
// any change desynchronizes every derived outcome from the reference server.
const (
	lane1Seed uint32 = 0xdeadbeef
	lane2Seed uint32 = 0x41c6ce57

	lane1Mul uint32 = 2654435761
	lane2Mul uint32 = 1597334677
	mixMulA  uint32 = 2246822507
	mixMulB  uint32 = 3266489909

	lane2Mask uint32 = 0x1FFFFF // low 21 bits of lane 2
)

// Two53 is 2^53, the exclusive upper bound of Hash.
const Two53 = float64(1 << 53)

// Hash returns the 53-bit cyrb53 digest of label.
//
// The label is consumed as UTF-16 code units so that non-ASCII labels hash
// exactly like the browser clients (String.prototype.charCodeAt).
func Hash(label string) uint64 {
	h1, h2 := lane1Seed, lane2Seed
	for _, ch := range utf16.Encode([]rune(label)) {
		h1 = (h1 ^ uint32(ch)) * lane1Mul
		h2 = (h2 ^ uint32(ch)) * lane2Mul
	}

	h1 = (h1 ^ (h1 >> 16)) * mixMulA
	h1 ^= (h2 ^ (h2 >> 16)) * mixMulB
	h2 = (h2 ^ (h2 >> 16)) * mixMulA
	h2 ^= (h1 ^ (h1 >> 16)) * mixMulB

	return uint64(h2&lane2Mask)<<32 | uint64(h1)
}

// Uniform maps label to a uniform draw in [0, 1).
func Uniform(label string) float64 {
	return float64(Hash(label)) / Two53
}

// Label joins label parts with ':' the way every outcome label is built,
// e.g. Label(seed, 12, "c") == "<seed>:12:c".
func Label(parts ...any) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(':')
		}
		switch v := p.(type) {
		case string:
			b.WriteString(v)
		case int:
			b.WriteString(strconv.Itoa(v))
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case uint64:
			b.WriteString(strconv.FormatUint(v, 10))
		default:
			panic("engine: unsupported label part")
		}
	}
	return b.String()
}

// SeedDigest returns a short SHA-256 fingerprint of a seed for logs.
// Raw seeds are never written to logs.
func SeedDigest(seed string) string {
	if seed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:12]
}
