// Package validity classifies certificate trust states and keeps them
// current. Classification is a pure precedence chain; re-evaluation is event
// driven through one process-wide timer armed for the nearest instant at
// which any held certificate can change state.
package validity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/certware/walletcore/internal/app/domain/certificate"
	"github.com/certware/walletcore/internal/app/metrics"
	"github.com/certware/walletcore/internal/app/storage"
	"github.com/certware/walletcore/internal/app/system"
	"github.com/certware/walletcore/pkg/logger"
)

// SignatureVerifier checks the issuer signature of a certificate payload.
type SignatureVerifier interface {
	Verify(payload string) error
}

// VerifierFunc adapts a function to the SignatureVerifier contract.
type VerifierFunc func(payload string) error

func (f VerifierFunc) Verify(payload string) error { return f(payload) }

// RevocationChecker answers whether a certificate is on the revocation list.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, cert certificate.Certificate) bool
}

// BlockListProvider supplies the externally evaluated policy block-list.
type BlockListProvider interface {
	BlockedUCIs(ctx context.Context) (map[string]struct{}, error)
}

// NotificationScheduler is the external alerting collaborator. The engine
// guarantees at most one Schedule call per logical state transition.
type NotificationScheduler interface {
	Schedule(identifier, payload string)
	Cancel(identifier string)
}

// Classify determines the trust state of one certificate. The precedence is
// strict and first match wins: blocked, invalid signature, revoked, expired,
// expiring soon, valid.
func Classify(cert certificate.Certificate, now time.Time, threshold time.Duration, blocked map[string]struct{}, verifyErr error, revoked bool) certificate.TrustState {
	if _, isBlocked := blocked[cert.UCI]; isBlocked {
		return certificate.StateBlocked
	}
	if verifyErr != nil {
		return certificate.StateInvalid
	}
	if revoked {
		return certificate.StateInvalid
	}
	if !now.Before(cert.ExpiresAt) {
		return certificate.StateExpired
	}
	if cert.ExpiresAt.Sub(now) <= threshold {
		return certificate.StateExpiringSoon
	}
	return certificate.StateValid
}

// NextTransition returns the nearest future instant at which any of the
// certificates can change state on its own: its expiry, or its expiry minus
// the expiring-soon threshold. Zero time means nothing is scheduled.
func NextTransition(certs []certificate.Certificate, now time.Time, threshold time.Duration) time.Time {
	var next time.Time
	consider := func(t time.Time) {
		if !t.After(now) {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, c := range certs {
		if c.ExpiresAt.IsZero() {
			continue
		}
		consider(c.ExpiresAt.Add(-threshold))
		consider(c.ExpiresAt)
	}
	return next
}

// Engine re-evaluates all certificate trust states on a single timer and on
// external triggers (certificate set change, signing list change, config
// change).
type Engine struct {
	certs         storage.CertificateStore
	verifier      SignatureVerifier
	revocation    RevocationChecker
	blockList     BlockListProvider
	notifications NotificationScheduler
	log           *logger.Logger

	trigger chan struct{}

	mu        sync.Mutex
	threshold time.Duration
	now       func() time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	onSweep   func()
}

var _ system.Service = (*Engine)(nil)

// New constructs the engine. threshold is the expiring-soon window.
func New(certs storage.CertificateStore, verifier SignatureVerifier, revocation RevocationChecker, threshold time.Duration, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("validity")
	}
	return &Engine{
		certs:      certs,
		verifier:   verifier,
		revocation: revocation,
		threshold:  threshold,
		log:        log,
		trigger:    make(chan struct{}, 1),
		now:        time.Now,
	}
}

// WithBlockList attaches the policy block-list source.
func (e *Engine) WithBlockList(p BlockListProvider) {
	e.mu.Lock()
	e.blockList = p
	e.mu.Unlock()
}

// WithNotifications attaches the external notification scheduler.
func (e *Engine) WithNotifications(n NotificationScheduler) {
	e.mu.Lock()
	e.notifications = n
	e.mu.Unlock()
}

// WithClock overrides the time source. Test hook.
func (e *Engine) WithClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// OnSweep registers a callback fired after a sweep that changed at least one
// state. Used to refresh the cached grouping.
func (e *Engine) OnSweep(fn func()) {
	e.mu.Lock()
	e.onSweep = fn
	e.mu.Unlock()
}

// SetThreshold updates the expiring-soon window and forces a re-evaluation.
func (e *Engine) SetThreshold(threshold time.Duration) {
	e.mu.Lock()
	e.threshold = threshold
	e.mu.Unlock()
	e.Notify()
}

// Notify requests an immediate re-evaluation. Non-blocking; coalesces bursts.
func (e *Engine) Notify() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) Name() string { return "validity-engine" }

// Start launches the re-evaluation loop. The timer is re-armed after every
// sweep; stale timers never fire against superseded state because the loop
// owns the timer exclusively.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		timer := time.NewTimer(time.Hour)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		e.sweepAndArm(runCtx, timer)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-timer.C:
				e.sweepAndArm(runCtx, timer)
			case <-e.trigger:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				e.sweepAndArm(runCtx, timer)
			}
		}
	}()

	e.log.Info("validity engine started")
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (e *Engine) sweepAndArm(ctx context.Context, timer *time.Timer) {
	changed, next, err := e.Reevaluate(ctx)
	if err != nil {
		e.log.WithError(err).Warn("trust state sweep failed")
	}

	e.mu.Lock()
	onSweep := e.onSweep
	now := e.now()
	e.mu.Unlock()

	if changed > 0 && onSweep != nil {
		onSweep()
	}
	if !next.IsZero() {
		timer.Reset(next.Sub(now))
	}
}

// Reevaluate recomputes the trust state of every certificate and persists
// transitions. It returns the number of state changes and the next scheduled
// transition instant.
func (e *Engine) Reevaluate(ctx context.Context) (int, time.Time, error) {
	start := time.Now()
	defer func() { metrics.RecordValiditySweep(time.Since(start)) }()

	e.mu.Lock()
	threshold := e.threshold
	blockList := e.blockList
	notifications := e.notifications
	now := e.now()
	e.mu.Unlock()

	certs, err := e.certs.ListCertificates(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}

	blocked := map[string]struct{}{}
	if blockList != nil {
		if b, err := blockList.BlockedUCIs(ctx); err != nil {
			e.log.WithError(err).Warn("block list unavailable for sweep")
		} else {
			blocked = b
		}
	}

	changed := 0
	for _, cert := range certs {
		state := e.classify(ctx, cert, now, threshold, blocked)
		if state == cert.TrustState {
			continue
		}

		prev := cert.TrustState
		cert.TrustState = state
		if state.Downgraded() {
			cert.IsNewState = true
			if notifications != nil {
				id := fmt.Sprintf("cert-state:%s:%s", cert.UCI, state)
				notifications.Schedule(id, string(state))
			}
		}
		if _, err := e.certs.SaveCertificate(ctx, cert); err != nil {
			return changed, time.Time{}, err
		}
		changed++
		e.log.WithField("uci", cert.UCI).
			WithField("from", prev).
			WithField("to", state).
			Info("certificate trust state changed")
	}

	return changed, NextTransition(certs, now, threshold), nil
}

// classify evaluates the precedence chain, skipping the revocation lookup
// when an earlier rule already decides the state.
func (e *Engine) classify(ctx context.Context, cert certificate.Certificate, now time.Time, threshold time.Duration, blocked map[string]struct{}) certificate.TrustState {
	if _, isBlocked := blocked[cert.UCI]; isBlocked {
		return certificate.StateBlocked
	}
	verifyErr := e.verifier.Verify(cert.Payload)
	if verifyErr != nil {
		return certificate.StateInvalid
	}
	revoked := false
	if e.revocation != nil {
		revoked = e.revocation.IsRevoked(ctx, cert)
	}
	return Classify(cert, now, threshold, blocked, nil, revoked)
}

// MarkSeen clears the unseen-news flags of a certificate after the holder
// looked at it.
func (e *Engine) MarkSeen(ctx context.Context, uci string) error {
	cert, err := e.certs.GetCertificate(ctx, uci)
	if err != nil {
		return err
	}
	if !cert.IsNewState && !cert.IsNewlyAdded {
		return nil
	}
	cert.IsNewState = false
	cert.IsNewlyAdded = false
	_, err = e.certs.SaveCertificate(ctx, cert)
	return err
}
