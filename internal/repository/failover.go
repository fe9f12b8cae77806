package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"possync/internal/domain"
	"possync/internal/models"

	"github.com/rs/zerolog"
)

// FailoverOperationStore writes to the primary store and switches to the
// fallback when the primary errors. Every Save carries the full snapshot, so
// the first successful write after recovery brings the primary up to date.
type FailoverOperationStore struct {
	primary   domain.OperationStore
	fallback  domain.OperationStore
	logger    *zerolog.Logger
	recheck   time.Duration
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverOperationStore(primary, fallback domain.OperationStore, recheck time.Duration, logger *zerolog.Logger) *FailoverOperationStore {
	if recheck <= 0 {
		recheck = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverOperationStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		recheck:  recheck,
	}
}

// Degraded reports whether writes currently go to the fallback.
func (r *FailoverOperationStore) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverOperationStore) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary operation store failed, falling back")
	r.isDown.Store(true)
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverOperationStore) shouldRecheck() bool {
	return time.Since(time.Unix(0, r.lastCheck.Load())) > r.recheck
}

func (r *FailoverOperationStore) Save(ctx context.Context, ops []models.QueuedOperation) error {
	if !r.isDown.Load() {
		err := r.primary.Save(ctx, ops)
		if err == nil {
			return nil
		}
		r.markDown(err)
	} else if r.shouldRecheck() {
		if err := r.primary.Save(ctx, ops); err == nil {
			r.logger.Info().Msg("Primary operation store recovered")
			r.isDown.Store(false)
			// Fallback must hold the same snapshot for the next switch.
			if ferr := r.fallback.Save(ctx, ops); ferr != nil {
				r.logger.Warn().Err(ferr).Msg("Failed to mirror snapshot to fallback store")
			}
			return nil
		}
		r.lastCheck.Store(time.Now().UnixNano())
	}

	return r.fallback.Save(ctx, ops)
}

func (r *FailoverOperationStore) Load(ctx context.Context) ([]models.QueuedOperation, error) {
	if !r.isDown.Load() {
		ops, err := r.primary.Load(ctx)
		if err == nil {
			return ops, nil
		}
		r.markDown(err)
	}

	return r.fallback.Load(ctx)
}

func (r *FailoverOperationStore) Close() error {
	return errors.Join(r.primary.Close(), r.fallback.Close())
}
