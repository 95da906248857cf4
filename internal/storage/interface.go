package storage

import (
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a lookup matches no archived block.
var ErrNotFound = errors.New("storage: not found")

// BlockData is the archived form of a sealed block.
type BlockData struct {
	Index     int         `json:"index"`
	Hash      string      `json:"hash"`
	Timestamp float64     `json:"timestamp"`
	Proof     int64       `json:"proof"`
	PrevHash  string      `json:"previous_hash"`
	Entries   []EntryData `json:"data"`
}

// EntryData is one archived entry together with its placement.
type EntryData struct {
	BlockIndex int    `json:"block_index"`
	Position   int    `json:"position"`
	Owner      string `json:"owner"`
	Stamp      string `json:"stamp"`
	Year       int    `json:"year"`
}

// BlockStorage mirrors sealed blocks for indexed reads. It is never used to
// rebuild the chain; the ledger is authoritative.
type BlockStorage interface {
	// SaveBlock archives a sealed block and its entries in one transaction.
	SaveBlock(block *BlockData) error

	// GetBlockByIndex returns the archived block at index.
	GetBlockByIndex(index int) (*BlockData, error)

	// GetBlockByHash returns the archived block whose own hash is hash.
	GetBlockByHash(hash string) (*BlockData, error)

	// GetEntriesByOwner lists every sealed entry of owner in chain order.
	GetEntriesByOwner(owner string) ([]EntryData, error)

	Close() error
}
