// Package deniability pads real backend traffic with decoy requests. Every
// cycle emits the same fixed sequence of three requests (result or
// registration, then TAN, then submission) whether or not a real call is
// needed at each slot, so an outside observer cannot tell a positive result
// flow from a no-op.
package deniability

import (
	"context"

	"github.com/google/uuid"

	"github.com/certware/walletcore/internal/app/metrics"
	"github.com/certware/walletcore/internal/app/transport"
	"github.com/certware/walletcore/pkg/logger"
)

// StepFunc is one real network step inside a cycle.
type StepFunc func(ctx context.Context) error

// CycleSteps names the real work for each slot of the fixed sequence. A nil
// slot is filled with a decoy request of matching shape.
type CycleSteps struct {
	ResultOrRegistration StepFunc
	TAN                  StepFunc
	Submission           StepFunc
}

// FakeClient issues the decoy requests. The transport client satisfies it.
type FakeClient interface {
	FetchResult(ctx context.Context, token string, isFake bool) (transport.ResultResponse, error)
	FetchTAN(ctx context.Context, token string, isFake bool) (transport.TANResponse, error)
	Submit(ctx context.Context, tan string, isFake bool) error
}

// Scheduler runs decoy-padded cycles.
type Scheduler struct {
	client FakeClient
	log    *logger.Logger
}

// New constructs a scheduler over the given transport.
func New(client FakeClient, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("deniability")
	}
	return &Scheduler{client: client, log: log}
}

// RunCycle executes one cycle. All three steps always run, strictly in
// order, each gated on the previous one's completion; a failing real step
// does not skip the remaining slots, because dropping a request would leak
// the failure to an observer. The first real step error is returned after
// the cycle completes.
func (s *Scheduler) RunCycle(ctx context.Context, steps CycleSteps) error {
	realSteps := 0
	var firstErr error

	run := func(slot string, real StepFunc, fake func(context.Context) error) {
		if real != nil {
			realSteps++
			if err := real(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			return
		}
		if err := fake(ctx); err != nil {
			// Decoy failures stay invisible to the caller.
			s.log.WithError(err).WithField("slot", slot).Debug("decoy request failed")
		}
	}

	run("result", steps.ResultOrRegistration, func(ctx context.Context) error {
		_, err := s.client.FetchResult(ctx, fakeToken(), true)
		return err
	})
	run("tan", steps.TAN, func(ctx context.Context) error {
		_, err := s.client.FetchTAN(ctx, fakeToken(), true)
		return err
	})
	run("submission", steps.Submission, func(ctx context.Context) error {
		return s.client.Submit(ctx, fakeToken(), true)
	})

	metrics.RecordDeniabilityCycle(realSteps)
	return firstErr
}

// fakeToken produces a fresh random token so decoy requests are not
// correlatable with each other.
func fakeToken() string {
	return uuid.NewString()
}
