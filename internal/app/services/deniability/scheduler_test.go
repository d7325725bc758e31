package deniability

import (
	"context"
	"errors"
	"testing"

	"github.com/certware/walletcore/internal/app/transport"
)

type recordingClient struct {
	calls []string
	err   error
}

func (c *recordingClient) FetchResult(_ context.Context, _ string, isFake bool) (transport.ResultResponse, error) {
	c.calls = append(c.calls, tag("result", isFake))
	return transport.ResultResponse{}, c.err
}

func (c *recordingClient) FetchTAN(_ context.Context, _ string, isFake bool) (transport.TANResponse, error) {
	c.calls = append(c.calls, tag("tan", isFake))
	return transport.TANResponse{}, c.err
}

func (c *recordingClient) Submit(_ context.Context, _ string, isFake bool) error {
	c.calls = append(c.calls, tag("submission", isFake))
	return c.err
}

func tag(slot string, isFake bool) string {
	if isFake {
		return slot + ":fake"
	}
	return slot + ":real"
}

func TestRunCycle_AllDecoys(t *testing.T) {
	client := &recordingClient{}
	sched := New(client, nil)

	if err := sched.RunCycle(context.Background(), CycleSteps{}); err != nil {
		t.Fatalf("all-decoy cycle: %v", err)
	}

	want := []string{"result:fake", "tan:fake", "submission:fake"}
	assertCalls(t, client.calls, want)
}

func TestRunCycle_RealResultOnly(t *testing.T) {
	client := &recordingClient{}
	sched := New(client, nil)

	err := sched.RunCycle(context.Background(), CycleSteps{
		ResultOrRegistration: func(ctx context.Context) error {
			_, err := client.FetchResult(ctx, "real-token", false)
			return err
		},
	})
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	want := []string{"result:real", "tan:fake", "submission:fake"}
	assertCalls(t, client.calls, want)
}

func TestRunCycle_AllRealKeepsOrder(t *testing.T) {
	client := &recordingClient{}
	sched := New(client, nil)

	err := sched.RunCycle(context.Background(), CycleSteps{
		ResultOrRegistration: func(ctx context.Context) error {
			_, err := client.FetchResult(ctx, "t", false)
			return err
		},
		TAN: func(ctx context.Context) error {
			_, err := client.FetchTAN(ctx, "t", false)
			return err
		},
		Submission: func(ctx context.Context) error {
			return client.Submit(ctx, "tan", false)
		},
	})
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	want := []string{"result:real", "tan:real", "submission:real"}
	assertCalls(t, client.calls, want)
}

// A failing real step must not shorten the cycle: the remaining slots still
// emit their decoys, and the error surfaces only after the cycle finishes.
func TestRunCycle_RealFailureDoesNotSkipSlots(t *testing.T) {
	client := &recordingClient{}
	sched := New(client, nil)

	realErr := errors.New("result fetch failed")
	err := sched.RunCycle(context.Background(), CycleSteps{
		ResultOrRegistration: func(ctx context.Context) error {
			client.calls = append(client.calls, "result:real")
			return realErr
		},
	})
	if !errors.Is(err, realErr) {
		t.Fatalf("expected the real error, got %v", err)
	}

	want := []string{"result:real", "tan:fake", "submission:fake"}
	assertCalls(t, client.calls, want)
}

func TestRunCycle_DecoyFailureInvisible(t *testing.T) {
	client := &recordingClient{err: errors.New("backend down")}
	sched := New(client, nil)

	if err := sched.RunCycle(context.Background(), CycleSteps{}); err != nil {
		t.Fatalf("decoy failures must stay invisible, got %v", err)
	}
	if len(client.calls) != 3 {
		t.Fatalf("expected all three slots attempted, got %v", client.calls)
	}
}

func TestRunCycle_FirstRealErrorWins(t *testing.T) {
	client := &recordingClient{}
	sched := New(client, nil)

	first := errors.New("first")
	second := errors.New("second")
	err := sched.RunCycle(context.Background(), CycleSteps{
		TAN:        func(context.Context) error { return first },
		Submission: func(context.Context) error { return second },
	})
	if !errors.Is(err, first) {
		t.Fatalf("expected first error, got %v", err)
	}
}

func assertCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slot %d: expected %s, got %s (all: %v)", i, want[i], got[i], got)
		}
	}
}
