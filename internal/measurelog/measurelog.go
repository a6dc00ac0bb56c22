package measurelog

import (
	"context"

	"codeberg.org/mutker/aiovctl/internal/errors"
	"codeberg.org/mutker/aiovctl/internal/logger"
	"codeberg.org/mutker/aiovctl/internal/measure"
)

// Recorder is the caller-facing interface for the measurement log.
type Recorder interface {
	Record(ctx context.Context, result *measure.Result) error
	Close() error
}

// Repository defines the interface for measurement storage
type Repository interface {
	Record(result *measure.Result) error
	Close() error
}

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopRecorder struct{}

func NewService(cfg Config) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If the log is disabled, return a no-op recorder
	if !cfg.Enabled {
		logger.Debug().Msg("Measurement log disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, logger.Default())
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to create measurement log repository")
		return nil, err
	}

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

// Record stores one finished bracket. Only succeeded results carry
// both windows; failed brackets are rejected rather than stored with
// defaulted aggregates.
func (s *service) Record(ctx context.Context, result *measure.Result) error {
	errFactory := errors.New()

	if result == nil || result.Outcome != measure.OutcomeSucceeded {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(result); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}

// No-op implementation
func (*noopRecorder) Record(_ context.Context, _ *measure.Result) error {
	return nil
}

func (*noopRecorder) Close() error {
	return nil
}
