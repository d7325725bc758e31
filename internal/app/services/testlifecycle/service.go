// Package testlifecycle orchestrates registered corona tests: result polling
// through the deniability scheduler, the 21 day aging horizon, and the
// at-most-once side effects on terminal results.
package testlifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certware/walletcore/internal/app/domain/coronatest"
	issuancedomain "github.com/certware/walletcore/internal/app/domain/issuance"
	"github.com/certware/walletcore/internal/app/services/deniability"
	"github.com/certware/walletcore/internal/app/storage"
	"github.com/certware/walletcore/internal/app/transport"
	"github.com/certware/walletcore/pkg/logger"
)

// AgingHorizon is how long after its operative date a test keeps being
// polled. Older tests expire without further network traffic.
const AgingHorizon = 21 * 24 * time.Hour

// ErrTestInFlight means another update for the same test is running.
var ErrTestInFlight = errors.New("test update already in flight")

// registrationKeyType is the verification server's name for hashed QR keys.
const registrationKeyType = "GUID"

// ResultClient exchanges scanned QR keys for registration tokens and fetches
// lab results.
type ResultClient interface {
	RegisterTest(ctx context.Context, key, keyType string, isFake bool) (transport.RegistrationResponse, error)
	FetchResult(ctx context.Context, token string, isFake bool) (transport.ResultResponse, error)
}

// CycleRunner pads real polling with decoy traffic.
type CycleRunner interface {
	RunCycle(ctx context.Context, steps deniability.CycleSteps) error
}

// NotificationScheduler is the external alerting collaborator.
type NotificationScheduler interface {
	Schedule(identifier, payload string)
	Cancel(identifier string)
}

// DiaryRecorder writes terminal results into the contact diary.
type DiaryRecorder interface {
	Record(ctx context.Context, t coronatest.Test) error
}

// CertificateStarter kicks off certificate issuance for eligible results.
type CertificateStarter interface {
	RegisterRequest(ctx context.Context, token string, testType issuancedomain.TestType, labID string) (issuancedomain.Request, error)
	Run(ctx context.Context, id string) error
}

// Service is the lifecycle manager.
type Service struct {
	store         storage.TestStore
	client        ResultClient
	cycles        CycleRunner
	notifications NotificationScheduler
	diary         DiaryRecorder
	issuance      CertificateStarter
	log           *logger.Logger

	mu       sync.Mutex
	now      func() time.Time
	inFlight map[string]struct{}
}

// New constructs the lifecycle manager.
func New(store storage.TestStore, client ResultClient, cycles CycleRunner, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("testlifecycle")
	}
	return &Service{
		store:    store,
		client:   client,
		cycles:   cycles,
		log:      log,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// WithNotifications attaches the notification collaborator.
func (s *Service) WithNotifications(n NotificationScheduler) {
	s.mu.Lock()
	s.notifications = n
	s.mu.Unlock()
}

// WithDiary attaches the contact diary collaborator.
func (s *Service) WithDiary(d DiaryRecorder) {
	s.mu.Lock()
	s.diary = d
	s.mu.Unlock()
}

// WithIssuance attaches the certificate issuance orchestrator.
func (s *Service) WithIssuance(i CertificateStarter) {
	s.mu.Lock()
	s.issuance = i
	s.mu.Unlock()
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// RegisterTest exchanges a scanned QR key for a registration token and
// stores the test. The exchange runs as the real first slot of a padded
// cycle, so registering a test looks like polling one on the wire.
func (s *Service) RegisterTest(ctx context.Context, key string, testType coronatest.Type, labID string, pocConsentAt time.Time) (coronatest.Test, error) {
	var resp transport.RegistrationResponse
	var regErr error
	cycleErr := s.cycles.RunCycle(ctx, deniability.CycleSteps{
		ResultOrRegistration: func(ctx context.Context) error {
			resp, regErr = s.client.RegisterTest(ctx, key, registrationKeyType, false)
			return regErr
		},
	})
	if cycleErr != nil {
		regErr = cycleErr
	}
	if regErr != nil {
		return coronatest.Test{}, fmt.Errorf("exchange registration token: %w", regErr)
	}

	t := coronatest.Test{
		ID:                   uuid.NewString(),
		Token:                resp.Token,
		Type:                 testType,
		LabID:                labID,
		RegisteredAt:         s.clock()(),
		PointOfCareConsentAt: pocConsentAt,
		Result:               coronatest.ResultPending,
		CertificateSupported: labID != "" || testType == coronatest.TypeAntigen,
	}
	created, err := s.store.CreateTest(ctx, t)
	if err != nil {
		return coronatest.Test{}, err
	}
	s.log.WithField("test", created.ID).WithField("type", testType).Info("test registered")
	return created, nil
}

// Tests lists all registered tests.
func (s *Service) Tests(ctx context.Context) ([]coronatest.Test, error) {
	return s.store.ListTests(ctx)
}

// Remove deletes a test from tracking.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.store.DeleteTest(ctx, id)
}

// UpdateAll polls every pending test. Distinct tests proceed sequentially so
// each cycle keeps its fixed request shape.
func (s *Service) UpdateAll(ctx context.Context, force bool) {
	tests, err := s.store.ListPendingTests(ctx)
	if err != nil {
		s.log.WithError(err).Warn("list pending tests failed")
		return
	}
	for _, t := range tests {
		if _, err := s.UpdateResult(ctx, t.ID, force); err != nil && !errors.Is(err, ErrTestInFlight) {
			s.log.WithError(err).WithField("test", t.ID).Warn("test update failed")
		}
	}
}

// UpdateResult polls one test's result, honoring the aging horizon and the
// per-test single-in-flight guard.
func (s *Service) UpdateResult(ctx context.Context, id string, force bool) (coronatest.Test, error) {
	if !s.acquire(id) {
		return coronatest.Test{}, ErrTestInFlight
	}
	defer s.release(id)

	t, err := s.store.GetTest(ctx, id)
	if err != nil {
		return coronatest.Test{}, err
	}
	if t.Result.Terminal() {
		return t, nil
	}

	now := s.clock()()
	age := now.Sub(t.OperativeDate())

	// Beyond the horizon the lab has purged the sample; stop generating
	// traffic and settle on expired.
	if age > AgingHorizon && !force {
		return s.applyResult(ctx, t, coronatest.ResultExpired, now)
	}

	t.Loading = true
	if t, err = s.store.UpdateTest(ctx, t); err != nil {
		return coronatest.Test{}, err
	}
	defer s.clearLoading(ctx, id)

	var resp transport.ResultResponse
	var fetchErr error
	cycleErr := s.cycles.RunCycle(ctx, deniability.CycleSteps{
		ResultOrRegistration: func(ctx context.Context) error {
			resp, fetchErr = s.client.FetchResult(ctx, t.Token, false)
			return fetchErr
		},
	})
	if cycleErr != nil {
		fetchErr = cycleErr
	}

	if fetchErr != nil {
		if errors.Is(fetchErr, transport.ErrTokenNotFound) || errors.Is(fetchErr, transport.ErrTokenAlreadyUsed) {
			updated, applyErr := s.applyResult(ctx, t, coronatest.ResultExpired, now)
			if applyErr != nil {
				return coronatest.Test{}, applyErr
			}
			if age <= AgingHorizon {
				// Young tests should still be known to the server;
				// surface the anomaly alongside the local expiry.
				return updated, fmt.Errorf("test %s unknown to server: %w", id, fetchErr)
			}
			return updated, nil
		}
		return t, fetchErr
	}

	result := mapResult(t.Type, resp.Code)
	if resp.LabID != "" && t.LabID == "" {
		t.LabID = resp.LabID
		t.CertificateSupported = true
	}
	return s.applyResult(ctx, t, result, now)
}

// applyResult persists a result and fires the transition side effects at
// most once.
func (s *Service) applyResult(ctx context.Context, t coronatest.Test, result coronatest.Result, now time.Time) (coronatest.Test, error) {
	firstTerminal := result.Terminal() && !t.Result.Terminal() && t.Result != result

	t.Result = result
	if firstTerminal {
		t.ResultReceivedAt = now
	}

	s.mu.Lock()
	notifications := s.notifications
	diary := s.diary
	issuance := s.issuance
	s.mu.Unlock()

	if firstTerminal && !t.NotificationSent {
		if notifications != nil {
			notifications.Schedule(fmt.Sprintf("test-result:%s", t.ID), string(result))
		}
		t.NotificationSent = true
	}
	if firstTerminal && !t.DiaryEntryCreated && result != coronatest.ResultExpired {
		if diary != nil {
			if err := diary.Record(ctx, t); err != nil {
				s.log.WithError(err).WithField("test", t.ID).Warn("diary entry failed")
			}
		}
		t.DiaryEntryCreated = true
	}

	updated, err := s.store.UpdateTest(ctx, t)
	if err != nil {
		return coronatest.Test{}, err
	}

	// Negative results from participating labs earn a test certificate.
	if firstTerminal && result == coronatest.ResultNegative &&
		updated.CertificateSupported && !updated.CertificateRequested && issuance != nil {
		if err := s.startIssuance(ctx, updated, issuance); err != nil {
			s.log.WithError(err).WithField("test", updated.ID).Warn("certificate issuance start failed")
		} else {
			updated.CertificateRequested = true
			if updated, err = s.store.UpdateTest(ctx, updated); err != nil {
				return coronatest.Test{}, err
			}
		}
	}

	return updated, nil
}

func (s *Service) startIssuance(ctx context.Context, t coronatest.Test, starter CertificateStarter) error {
	testType := issuancedomain.TestTypeAntigen
	if t.Type == coronatest.TypePCR {
		testType = issuancedomain.TestTypePCR
	}
	req, err := starter.RegisterRequest(ctx, t.Token, testType, t.LabID)
	if err != nil {
		return err
	}
	go func() {
		if err := starter.Run(context.Background(), req.ID); err != nil {
			s.log.WithError(err).WithField("request", req.ID).Warn("issuance run failed")
		}
	}()
	return nil
}

func (s *Service) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Service) clearLoading(ctx context.Context, id string) {
	t, err := s.store.GetTest(ctx, id)
	if err != nil {
		return
	}
	if t.Loading {
		t.Loading = false
		if _, err := s.store.UpdateTest(ctx, t); err != nil {
			s.log.WithError(err).WithField("test", id).Warn("clear loading flag failed")
		}
	}
}

func (s *Service) clock() func() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// mapResult translates server result codes. PCR and antigen results share a
// code space with an offset of five.
func mapResult(testType coronatest.Type, code int) coronatest.Result {
	if testType == coronatest.TypeAntigen && code >= 5 {
		code -= 5
	}
	switch code {
	case 1:
		return coronatest.ResultNegative
	case 2:
		return coronatest.ResultPositive
	case 3:
		return coronatest.ResultInvalid
	case 4:
		return coronatest.ResultExpired
	default:
		return coronatest.ResultPending
	}
}
