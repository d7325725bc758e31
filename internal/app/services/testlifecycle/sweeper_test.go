package testlifecycle

import (
	"context"
	"testing"

	"github.com/certware/walletcore/internal/app/storage/memory"
)

func TestSweeper_StartStop(t *testing.T) {
	svc := newService(memory.New(), &stubResultClient{}, &passthroughCycles{})
	sweeper := NewSweeper(svc, "@every 1h", nil)

	if sweeper.Name() != "test-sweeper" {
		t.Fatalf("unexpected name %q", sweeper.Name())
	}
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Starting twice is a no-op.
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := sweeper.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := sweeper.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSweeper_BadSchedule(t *testing.T) {
	svc := newService(memory.New(), &stubResultClient{}, &passthroughCycles{})
	sweeper := NewSweeper(svc, "not a schedule", nil)

	if err := sweeper.Start(context.Background()); err == nil {
		t.Fatalf("expected error for malformed schedule")
	}
}

func TestSweeper_DefaultSchedule(t *testing.T) {
	svc := newService(memory.New(), &stubResultClient{}, &passthroughCycles{})
	sweeper := NewSweeper(svc, "", nil)
	if sweeper.schedule != "@every 1h" {
		t.Fatalf("expected hourly default, got %q", sweeper.schedule)
	}
}
