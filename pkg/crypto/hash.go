package crypto

import "golang.org/x/crypto/sha3"

// HashSize is the size of a SHA3-256 digest
const HashSize = 32

// Hash generates a SHA3-256 hash
func Hash(data []byte) [HashSize]byte {
	return sha3.Sum256(data)
}

// HashTwice returns SHA3(data) and SHA3(SHA3(data)). Rooms use the first as
// their encryption key and the second as their public id.
func HashTwice(data []byte) (first, second [HashSize]byte) {
	first = Hash(data)
	second = Hash(first[:])
	return first, second
}
