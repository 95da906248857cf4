package blockchain

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"stampchain/internal/storage"
)

var (
	ErrStaleTip    = errors.New("chain tip moved while mining")
	ErrBrokenChain = errors.New("chain integrity violated")
)

var log = log15.New("module", "blockchain")

// Options tune a Blockchain. Zero values select defaults.
type Options struct {
	// Workers is the number of goroutines a proof-of-work search uses.
	Workers int
	// HashCacheSize bounds the index -> hash cache of sealed blocks.
	HashCacheSize int
}

const (
	defaultWorkers       = 1
	defaultHashCacheSize = 256
)

// Blockchain owns the chain and the pending-entry buffer. mu guards both;
// every read hands out copies.
type Blockchain struct {
	mu      sync.RWMutex
	chain   []*Block
	pending []Entry

	// mining admits one proof-of-work search at a time
	mining  chan struct{}
	workers int
	hashes  *lru.Cache
	storage storage.BlockStorage
	stats   *Stats

	// archiveQueue holds sealed blocks not yet mirrored to storage, in seal
	// order; guarded by mu. archiveMu serializes the writes.
	archiveQueue []*storage.BlockData
	archiveMu    sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan Block
	nextSub int
}

// NewBlockchain builds a ledger holding only the genesis block. store may be
// nil, in which case sealed blocks are not archived.
func NewBlockchain(store storage.BlockStorage, opts Options) (*Blockchain, error) {
	if opts.Workers < 1 {
		opts.Workers = defaultWorkers
	}
	if opts.HashCacheSize < 1 {
		opts.HashCacheSize = defaultHashCacheSize
	}
	cache, err := lru.New(opts.HashCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create hash cache")
	}

	bc := &Blockchain{
		chain:   make([]*Block, 0),
		pending: make([]Entry, 0),
		mining:  make(chan struct{}, 1),
		workers: opts.Workers,
		hashes:  cache,
		storage: store,
		stats:   newStats(),
		subs:    make(map[int]chan Block),
	}

	genesis := newGenesisBlock()
	if err := bc.commitLocked(genesis); err != nil {
		return nil, errors.Wrap(err, "failed to create genesis block")
	}
	bc.flushArchive()
	log.Info("genesis block created", "proof", genesis.Proof, "workers", bc.workers)
	return bc, nil
}

// GetChain returns a copy of every block in order.
func (bc *Blockchain) GetChain() []Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	chainCopy := make([]Block, len(bc.chain))
	for i, b := range bc.chain {
		chainCopy[i] = b.Clone()
	}
	return chainCopy
}

// GetChainLength returns the number of blocks, genesis included.
func (bc *Blockchain) GetChainLength() int {
	bc.mu.RLock()
	length := len(bc.chain)
	bc.mu.RUnlock()
	return length
}

// GetBlock returns a copy of the block at the 1-based index.
func (bc *Blockchain) GetBlock(index int) (Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if index < 1 || index > len(bc.chain) {
		return Block{}, false
	}
	return bc.chain[index-1].Clone(), true
}

// LastBlock returns a copy of the chain tail.
func (bc *Blockchain) LastBlock() Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.lastBlockLocked().Clone()
}

func (bc *Blockchain) lastBlockLocked() *Block {
	if len(bc.chain) == 0 {
		panic("blockchain: empty chain, genesis block missing")
	}
	return bc.chain[len(bc.chain)-1]
}

// Pending returns a copy of the entries waiting for the next block.
func (bc *Blockchain) Pending() []Entry {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	out := make([]Entry, len(bc.pending))
	copy(out, bc.pending)
	return out
}

// Stats exposes the lifetime mining counters.
func (bc *Blockchain) Stats() *Stats {
	return bc.stats
}

// NewEntry buffers an entry and returns the index of the block expected to
// seal it. The index is a hint: a block sealed in between moves it.
func (bc *Blockchain) NewEntry(owner, stamp string, year int) int {
	bc.mu.Lock()
	bc.pending = append(bc.pending, Entry{Owner: owner, Stamp: stamp, Year: year})
	nextBlockIndex := bc.lastBlockLocked().Index + 1
	bc.mu.Unlock()

	bc.stats.EntriesAdded.Inc()
	log.Debug("entry buffered", "owner", owner, "stamp", stamp, "year", year, "block", nextBlockIndex)
	return nextBlockIndex
}

// Mine searches a proof against the current tail and seals the pending
// buffer into a new block. Only one search runs at a time; later callers
// wait their turn and mine the following block. Entries buffered during the
// search are sealed into the block.
func (bc *Blockchain) Mine(ctx context.Context) (*Block, error) {
	select {
	case bc.mining <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ErrMiningCancelled, ctx.Err().Error())
	}
	defer func() { <-bc.mining }()

	start := time.Now()
	for {
		last := bc.LastBlock()
		proof, err := ProofOfWork(ctx, last.Proof, bc.workers, bc.stats.HashAttempts)
		if err != nil {
			log.Warn("mining stopped", "tip", last.Index, "err", err)
			return nil, err
		}

		block, err := bc.sealBlock(proof, last.Index)
		if errors.Cause(err) == ErrStaleTip {
			bc.stats.StaleRestarts.Inc()
			log.Info("tip moved during search, restarting", "tip", last.Index)
			continue
		}
		if err != nil {
			log.Error("failed to seal block", "index", last.Index+1, "err", err)
			return nil, err
		}

		elapsed := time.Since(start)
		bc.stats.LastMineNanos.Store(int64(elapsed))
		log.Info("block mined", "index", block.Index, "proof", block.Proof,
			"entries", len(block.Entries), "elapsed", elapsed)
		return block, nil
	}
}

// NewBlock seals the pending buffer with a proof found elsewhere. The proof
// must be valid against the current tail.
func (bc *Blockchain) NewBlock(proof int64) (*Block, error) {
	tip := bc.LastBlock().Index
	return bc.sealBlock(proof, tip)
}

// sealBlock appends a block carrying the pending buffer, provided the tail
// is still block tip. The block is mirrored to storage once the chain lock
// is released; archive failures are logged and never undo a seal.
func (bc *Blockchain) sealBlock(proof int64, tip int) (*Block, error) {
	sealed, err := bc.appendBlock(proof, tip)
	if err != nil {
		return nil, err
	}
	bc.stats.BlocksSealed.Inc()
	bc.flushArchive()
	return &sealed, nil
}

// appendBlock snapshots the buffer, builds the block, resets the buffer and
// appends, all under one lock.
func (bc *Blockchain) appendBlock(proof int64, tip int) (Block, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	last := bc.lastBlockLocked()
	if last.Index != tip {
		return Block{}, errors.Wrapf(ErrStaleTip, "expected tip %d, have %d", tip, last.Index)
	}
	if !ValidProof(last.Proof, proof) {
		return Block{}, errors.Wrapf(ErrInvalidProof, "proof %d after %d", proof, last.Proof)
	}

	prevHash, err := bc.hashOf(last)
	if err != nil {
		return Block{}, errors.Wrapf(err, "failed to hash block %d", last.Index)
	}

	// the block takes ownership of the buffer's backing array
	block := NewBlock(last.Index+1, bc.pending, proof, prevHash)
	if err := bc.commitLocked(block); err != nil {
		return Block{}, err
	}
	bc.pending = make([]Entry, 0)

	// subscriber sends never block, so publishing here keeps delivery in
	// chain order
	sealed := block.Clone()
	bc.publish(sealed)
	return sealed, nil
}

// commitLocked hashes block, appends it and queues it for the archive.
// Callers hold mu or own bc exclusively.
func (bc *Blockchain) commitLocked(block *Block) error {
	hash, err := block.Hash()
	if err != nil {
		return errors.Wrapf(err, "failed to hash block %d", block.Index)
	}
	bc.chain = append(bc.chain, block)
	bc.hashes.Add(block.Index, hash)
	if bc.storage != nil {
		bc.archiveQueue = append(bc.archiveQueue, toBlockData(block, hash))
	}
	return nil
}

// flushArchive writes queued blocks to storage in seal order. It must be
// called without mu held.
func (bc *Blockchain) flushArchive() {
	bc.archiveMu.Lock()
	defer bc.archiveMu.Unlock()

	bc.mu.Lock()
	queue := bc.archiveQueue
	bc.archiveQueue = nil
	bc.mu.Unlock()

	for _, data := range queue {
		if err := bc.storage.SaveBlock(data); err != nil {
			bc.stats.ArchiveFailures.Inc()
			log.Error("failed to archive block", "index", data.Index, "hash", data.Hash, "err", err)
		}
	}
}

// hashOf returns the hash of a sealed block, from cache when possible.
func (bc *Blockchain) hashOf(block *Block) (string, error) {
	if v, ok := bc.hashes.Get(block.Index); ok {
		return v.(string), nil
	}
	hash, err := block.Hash()
	if err != nil {
		return "", err
	}
	bc.hashes.Add(block.Index, hash)
	return hash, nil
}

// Validate checks linkage, index sequence and proofs of the whole chain.
// The genesis block is trusted.
func (bc *Blockchain) Validate() error {
	bc.mu.RLock()
	chain := make([]*Block, len(bc.chain))
	copy(chain, bc.chain)
	bc.mu.RUnlock()

	for i, block := range chain {
		if block.Index != i+1 {
			return errors.Wrapf(ErrBrokenChain, "block at position %d has index %d", i+1, block.Index)
		}
		if i == 0 {
			continue
		}
		prev := chain[i-1]
		prevHash, err := bc.hashOf(prev)
		if err != nil {
			return errors.Wrapf(err, "failed to hash block %d", prev.Index)
		}
		if block.PrevHash != prevHash {
			return errors.Wrapf(ErrBrokenChain, "block %d does not link to block %d", block.Index, prev.Index)
		}
		if !ValidProof(prev.Proof, block.Proof) {
			return errors.Wrapf(ErrBrokenChain, "block %d carries an invalid proof", block.Index)
		}
	}
	return nil
}

// Subscribe returns a channel receiving every block sealed from now on and
// a function that ends the subscription. Slow subscribers miss blocks
// rather than stall sealing.
func (bc *Blockchain) Subscribe(buffer int) (<-chan Block, func()) {
	ch := make(chan Block, buffer)
	bc.subMu.Lock()
	id := bc.nextSub
	bc.nextSub++
	bc.subs[id] = ch
	bc.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			bc.subMu.Lock()
			if _, ok := bc.subs[id]; ok {
				delete(bc.subs, id)
				close(ch)
			}
			bc.subMu.Unlock()
		})
	}
}

func (bc *Blockchain) publish(block Block) {
	bc.subMu.Lock()
	defer bc.subMu.Unlock()
	for id, ch := range bc.subs {
		select {
		case ch <- block.Clone():
		default:
			log.Warn("subscriber lagging, dropped block", "subscriber", id, "index", block.Index)
		}
	}
}

// Close ends every subscription.
func (bc *Blockchain) Close() {
	bc.subMu.Lock()
	defer bc.subMu.Unlock()
	for id, ch := range bc.subs {
		delete(bc.subs, id)
		close(ch)
	}
}

func toBlockData(block *Block, hash string) *storage.BlockData {
	blockData := &storage.BlockData{
		Index:     block.Index,
		Hash:      hash,
		Timestamp: block.Timestamp,
		Proof:     block.Proof,
		PrevHash:  block.PrevHash,
		Entries:   make([]storage.EntryData, len(block.Entries)),
	}
	for i, e := range block.Entries {
		blockData.Entries[i] = storage.EntryData{
			BlockIndex: block.Index,
			Position:   i,
			Owner:      e.Owner,
			Stamp:      e.Stamp,
			Year:       e.Year,
		}
	}
	return blockData
}
