// Package queue implements the claim side of the job queue: picking the next
// eligible job and handing it to exactly one worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"genqueue/internal/models"
	"genqueue/internal/telemetry"
)

// Claimer is the subset of store.Jobs the selector needs.
type Claimer interface {
	ClaimCandidates(ctx context.Context, limit int) ([]string, error)
	TryClaim(ctx context.Context, id, workerID string) (models.Job, bool, error)
}

const (
	defaultBatchSize = 8
	defaultMaxRounds = 3
)

// ErrContended is returned when every candidate ClaimNext looked at was
// claimed by another worker first. Jobs may remain, so poll again at once.
var ErrContended = errors.New("claim candidates all taken by other workers")

// Selector claims jobs in (priority, age) order. It holds no lock between
// attempts: every claim is one conditional update, and a lost race just
// moves on to the next candidate.
type Selector struct {
	jobs      Claimer
	batchSize int
	maxRounds int
	logger    *slog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithBatchSize sets how many candidates are fetched per round.
func WithBatchSize(n int) SelectorOption {
	return func(s *Selector) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxRounds bounds how many candidate windows one ClaimNext call walks.
func WithMaxRounds(n int) SelectorOption {
	return func(s *Selector) {
		if n > 0 {
			s.maxRounds = n
		}
	}
}

// WithLogger sets the logger used for conflict diagnostics.
func WithLogger(l *slog.Logger) SelectorOption {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSelector(jobs Claimer, opts ...SelectorOption) *Selector {
	s := &Selector{
		jobs:      jobs,
		batchSize: defaultBatchSize,
		maxRounds: defaultMaxRounds,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClaimNext returns the highest-priority, oldest queued job after moving it
// to in_progress for workerID, or nil when nothing is claimable. If every
// candidate in every round was taken by someone else it returns ErrContended.
func (s *Selector) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	for round := 0; round < s.maxRounds; round++ {
		ids, err := s.jobs.ClaimCandidates(ctx, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("fetch claim candidates: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			job, ok, err := s.jobs.TryClaim(ctx, id, workerID)
			if err != nil {
				return nil, fmt.Errorf("claim %s: %w", id, err)
			}
			if ok {
				telemetry.JobsClaimed.Inc()
				return &job, nil
			}
			telemetry.ClaimConflicts.Inc()
		}
		s.logger.Debug("claim window exhausted", "worker_id", workerID, "round", round+1, "candidates", len(ids))
		if len(ids) < s.batchSize {
			// the window already covered every queued job
			return nil, nil
		}
	}
	s.logger.Info("claim contended", "worker_id", workerID, "rounds", s.maxRounds)
	return nil, ErrContended
}
