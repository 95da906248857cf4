package blockchain

import (
	"time"

	"stampchain/internal/crypto"
)

const (
	// GenesisPrevHash marks the root block; it can never equal a hex digest.
	GenesisPrevHash = "1"
	// GenesisProof seeds the proof-of-work sequence.
	GenesisProof int64 = 100
)

type Block struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
	Entries   []Entry `json:"data"`
	Proof     int64   `json:"proof"`
	PrevHash  string  `json:"previous_hash"`
}

func NewBlock(index int, entries []Entry, proof int64, prevHash string) *Block {
	if entries == nil {
		entries = make([]Entry, 0)
	}
	return &Block{
		Index:     index,
		Timestamp: unixSeconds(time.Now()),
		Entries:   entries,
		Proof:     proof,
		PrevHash:  prevHash,
	}
}

func newGenesisBlock() *Block {
	return NewBlock(1, nil, GenesisProof, GenesisPrevHash)
}

// Hash returns the SHA-256 of the block's canonical encoding.
func (b *Block) Hash() (string, error) {
	return crypto.HashCanonical(b.canonicalFields())
}

func (b *Block) canonicalFields() map[string]interface{} {
	entries := make([]interface{}, len(b.Entries))
	for i, e := range b.Entries {
		entries[i] = e.canonicalFields()
	}
	return map[string]interface{}{
		"index":         b.Index,
		"timestamp":     b.Timestamp,
		"data":          entries,
		"proof":         b.Proof,
		"previous_hash": b.PrevHash,
	}
}

// Clone returns a copy that shares no memory with b.
func (b *Block) Clone() Block {
	c := *b
	c.Entries = make([]Entry, len(b.Entries))
	copy(c.Entries, b.Entries)
	return c
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
