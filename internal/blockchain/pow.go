package blockchain

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"stampchain/internal/crypto"
)

// Difficulty is the number of leading hex zeros a proof hash must carry.
const Difficulty = 4

// checkEvery is how many candidates a worker tests between context checks.
const checkEvery = 4096

var (
	ErrMiningCancelled = errors.New("proof-of-work search cancelled")
	ErrInvalidProof    = errors.New("invalid proof of work")

	difficultyPrefix = strings.Repeat("0", Difficulty)
)

// ValidProof reports whether sha256(lastProof || proof), both in decimal,
// starts with Difficulty hex zeros.
func ValidProof(lastProof, proof int64) bool {
	return strings.HasPrefix(crypto.HashProofPair(lastProof, proof), difficultyPrefix)
}

// ProofOfWork returns the smallest non-negative proof valid after lastProof.
// The candidate space is striped across workers; the result is the same as
// a sequential scan from zero. hashes, if non-nil, counts evaluated
// candidates.
func ProofOfWork(ctx context.Context, lastProof int64, workers int, hashes *atomic.Int64) (int64, error) {
	if workers < 1 {
		workers = 1
	}
	if hashes == nil {
		hashes = atomic.NewInt64(0)
	}

	best := atomic.NewInt64(math.MaxInt64)
	cancelled := atomic.NewBool(false)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(start int64) {
			defer wg.Done()
			if !searchStripe(ctx, lastProof, start, int64(workers), best, hashes) {
				cancelled.Store(true)
			}
		}(int64(w))
	}
	wg.Wait()

	// a stripe that stopped early may have skipped a smaller proof
	if cancelled.Load() {
		return 0, errors.Wrap(ErrMiningCancelled, ctx.Err().Error())
	}
	return best.Load(), nil
}

// searchStripe tests start, start+step, ... until it finds a valid proof or
// passes the best one found by any worker. Every candidate below the final
// best is therefore tested by exactly one stripe. It returns false if ctx
// ended the search.
func searchStripe(ctx context.Context, lastProof, start, step int64, best, hashes *atomic.Int64) bool {
	var tested int64
	defer func() { hashes.Add(tested) }()

	for candidate := start; candidate < best.Load(); candidate += step {
		if tested%checkEvery == 0 && ctx.Err() != nil {
			return false
		}
		tested++
		if !ValidProof(lastProof, candidate) {
			continue
		}
		for {
			cur := best.Load()
			if candidate >= cur || best.CompareAndSwap(cur, candidate) {
				return true
			}
		}
	}
	return true
}
