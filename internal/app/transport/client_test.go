package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type capture struct {
	mu       sync.Mutex
	paths    []string
	fakeVals []string
}

func newClientServer(t *testing.T, status int, body string) (*Client, *capture, func()) {
	t.Helper()
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.paths = append(rec.paths, r.URL.Path)
		rec.fakeVals = append(rec.fakeVals, r.Header.Get("cwa-fake"))
		rec.mu.Unlock()

		w.WriteHeader(status)
		if body != "" {
			w.Write([]byte(body))
		}
	}))
	client, err := New(srv.Client(), srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, rec, srv.Close
}

func TestClient_FetchResult(t *testing.T) {
	client, rec, done := newClientServer(t, http.StatusOK, `{"testResult": 2, "labId": "lab-9"}`)
	defer done()

	resp, err := client.FetchResult(context.Background(), "token-1", false)
	if err != nil {
		t.Fatalf("fetch result: %v", err)
	}
	if resp.Code != 2 || resp.LabID != "lab-9" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if rec.paths[0] != "/version/v1/testresult" {
		t.Fatalf("unexpected path %s", rec.paths[0])
	}
	if rec.fakeVals[0] != "0" {
		t.Fatalf("real requests carry cwa-fake 0, got %q", rec.fakeVals[0])
	}
}

func TestClient_RegisterTest(t *testing.T) {
	client, rec, done := newClientServer(t, http.StatusOK, `{"registrationToken": "tok-1"}`)
	defer done()

	resp, err := client.RegisterTest(context.Background(), "qr-key", "GUID", false)
	if err != nil {
		t.Fatalf("register test: %v", err)
	}
	if resp.Token != "tok-1" {
		t.Fatalf("unexpected token %q", resp.Token)
	}
	if rec.paths[0] != "/version/v1/registrationToken" {
		t.Fatalf("unexpected path %s", rec.paths[0])
	}
	if rec.fakeVals[0] != "0" {
		t.Fatalf("real registration carries cwa-fake 0, got %q", rec.fakeVals[0])
	}
}

func TestClient_FakeHeaderSet(t *testing.T) {
	client, rec, done := newClientServer(t, http.StatusOK, `{"tan": "x"}`)
	defer done()

	if _, err := client.FetchTAN(context.Background(), "token-1", true); err != nil {
		t.Fatalf("fetch tan: %v", err)
	}
	if rec.fakeVals[0] != "1" {
		t.Fatalf("decoy requests carry cwa-fake 1, got %q", rec.fakeVals[0])
	}
}

func TestClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusAccepted, ErrPending},
		{http.StatusConflict, ErrKeyAlreadyRegistered},
		{http.StatusNotFound, ErrTokenNotFound},
		{http.StatusGone, ErrTokenAlreadyUsed},
		{http.StatusForbidden, ErrUnsupportedByLab},
		{http.StatusInternalServerError, ErrServer},
		{http.StatusBadGateway, ErrServer},
	}
	for _, tc := range cases {
		client, _, done := newClientServer(t, tc.status, "")
		_, err := client.FetchCertificate(context.Background(), "token-1", false)
		done()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestClient_RevocationChunk(t *testing.T) {
	client, rec, done := newClientServer(t, http.StatusOK, `{"hashes": ["0000aaaa", "0000bbbb"]}`)
	defer done()

	chunk, err := client.FetchRevocationChunk(context.Background(), "sig", "00")
	if err != nil {
		t.Fatalf("fetch chunk: %v", err)
	}
	if len(chunk.Hashes) != 2 {
		t.Fatalf("expected 2 hashes, got %v", chunk.Hashes)
	}
	if rec.paths[0] != "/version/v1/dcc-rl/sig/00/chunk" {
		t.Fatalf("unexpected path %s", rec.paths[0])
	}
}

func TestClient_NetworkErrorTyped(t *testing.T) {
	client, err := New(nil, "http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.FetchResult(context.Background(), "token-1", false); !errors.Is(err, ErrNoNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestClient_EmptyEndpointRejected(t *testing.T) {
	if _, err := New(nil, "  ", nil); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
