package trust

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
)

// DecayConfig tunes the inactivity decay sweep.
type DecayConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// IdleAfter is how long a record may sit untouched before it
	// starts decaying.
	IdleAfter time.Duration
	// Step is the score subtracted per sweep from an idle record.
	Step float64
	// Floor stops decay; idle participants never fall below it.
	Floor float64
}

// DefaultDecayConfig decays idle participants by 0.5 per day after 30
// days of inactivity, down to a floor of 25.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Interval:  24 * time.Hour,
		IdleAfter: 30 * 24 * time.Hour,
		Step:      0.5,
		Floor:     25,
	}
}

// DecaySweeper periodically erodes the scores of inactive participants
// so a dormant high tier does not persist forever.
type DecaySweeper struct {
	engine *Engine
	cfg    DecayConfig
	logger *log.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewDecaySweeper wires a sweeper to the engine's store and clock.
func NewDecaySweeper(engine *Engine, cfg DecayConfig) *DecaySweeper {
	if cfg.Interval <= 0 {
		cfg = DefaultDecayConfig()
	}
	return &DecaySweeper{
		engine: engine,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[TRUST-DECAY] ", log.LstdFlags),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *DecaySweeper) Start() {
	go s.run()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *DecaySweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *DecaySweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(context.Background()); err != nil {
				s.logger.Printf("Sweep failed: %v", err)
			} else if n > 0 {
				s.logger.Printf("Decayed %d idle participants", n)
			}
		}
	}
}

// SweepOnce applies one decay step to every idle record and returns how
// many records changed.
func (s *DecaySweeper) SweepOnce(ctx context.Context) (int, error) {
	all, err := s.engine.store.TrustAll(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.engine.clk.Now().Add(-s.cfg.IdleAfter)
	decayed := 0
	for _, rec := range all {
		if !rec.UpdatedAt.Before(cutoff) || rec.Score <= s.cfg.Floor {
			continue
		}
		if err := s.decayOne(ctx, rec.ParticipantID); err != nil {
			if errors.Is(err, core.ErrConflict) {
				// Someone touched the record; it is no longer idle.
				continue
			}
			return decayed, err
		}
		decayed++
	}
	return decayed, nil
}

func (s *DecaySweeper) decayOne(ctx context.Context, participantID string) error {
	uow, err := s.engine.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	step := -s.cfg.Step
	if err := s.engine.applyDelta(ctx, uow, participantID, step, CauseDecay, "",
		func(r *core.ParticipantTrust) {
			if r.Score < s.cfg.Floor {
				r.Score = s.cfg.Floor
			}
		}); err != nil {
		return err
	}
	return uow.Commit(ctx)
}
