package blockchain

import (
	"context"

	"github.com/pkg/errors"
	"github.com/robfig/cron"
	"go.uber.org/atomic"
)

// Scheduler mines on a cron schedule whenever entries are pending.
type Scheduler struct {
	bc      *Blockchain
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running *atomic.Bool
}

// NewScheduler parses spec (six-field cron or a descriptor such as
// "@every 1m") and returns a stopped scheduler.
func NewScheduler(bc *Blockchain, spec string) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		bc:      bc,
		cron:    cron.New(),
		ctx:     ctx,
		cancel:  cancel,
		running: atomic.NewBool(false),
	}
	if err := s.cron.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "invalid mining schedule %q", spec)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	log.Info("scheduled mining started")
	s.cron.Start()
}

// Stop halts the schedule and cancels a search in progress.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	log.Info("scheduled mining stopped")
}

func (s *Scheduler) tick() {
	if len(s.bc.Pending()) == 0 {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		log.Debug("previous scheduled mining still running")
		return
	}
	defer s.running.Store(false)

	if _, err := s.bc.Mine(s.ctx); err != nil {
		log.Warn("scheduled mining failed", "err", err)
	}
}
