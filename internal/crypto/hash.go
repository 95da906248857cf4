package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	hash := sha256.New()
	hash.Write(data)
	return hex.EncodeToString(hash.Sum(nil))
}

// HashCanonical hashes the canonical encoding of v.
func HashCanonical(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// HashProofPair hashes the decimal concatenation of two proofs, no separator.
func HashProofPair(lastProof, proof int64) string {
	var buf [40]byte
	b := strconv.AppendInt(buf[:0], lastProof, 10)
	b = strconv.AppendInt(b, proof, 10)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
