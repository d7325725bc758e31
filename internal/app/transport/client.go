// Package transport implements the HTTP client against the verification and
// certificate issuance backend. Every call carries an is-fake marker so the
// plausible deniability scheduler can emit cover traffic that the server
// answers with schema-shaped responses.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/certware/walletcore/pkg/logger"
)

const fakeHeader = "cwa-fake"

// RegistrationResponse binds a registration token to a submitted key.
type RegistrationResponse struct {
	Token string `json:"registrationToken"`
}

// ResultResponse is the polled test result. Code follows the lab server
// convention: 0 pending, 1 negative, 2 positive, 3 invalid, 4 redeemed.
type ResultResponse struct {
	Code       int       `json:"testResult"`
	SampleTime time.Time `json:"sc"`
	LabID      string    `json:"labId"`
}

// TANResponse carries a transaction number for key submission.
type TANResponse struct {
	TAN string `json:"tan"`
}

// EncryptedCertificate is the issuance payload: both fields are base64.
type EncryptedCertificate struct {
	DataEncryptionKey string `json:"dek"`
	EncryptedPayload  string `json:"dcc"`
}

// ChunkResponse is one revocation chunk: the full hashes stored under a
// coarse prefix.
type ChunkResponse struct {
	Hashes []string `json:"hashes"`
}

// Client talks to the backend. Safe for concurrent use.
type Client struct {
	client  *http.Client
	base    *url.URL
	limiter *rate.Limiter
	log     *logger.Logger
}

// New constructs a client for the given base endpoint. A nil http.Client
// gets a 10 second timeout; the limiter smooths bursts across all callers so
// decoy traffic and real traffic share one shape.
func New(client *http.Client, endpoint string, log *logger.Logger) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("transport endpoint required")
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse transport endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("transport")
	}
	return &Client{
		client:  client,
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		log:     log,
	}, nil
}

// RegisterTest exchanges a scanned QR key for a registration token.
func (c *Client) RegisterTest(ctx context.Context, key, keyType string, isFake bool) (RegistrationResponse, error) {
	var out RegistrationResponse
	body := map[string]string{"key": key, "keyType": keyType}
	err := c.post(ctx, "/version/v1/registrationToken", body, isFake, &out)
	return out, err
}

// FetchResult polls the lab result for a registration token.
func (c *Client) FetchResult(ctx context.Context, token string, isFake bool) (ResultResponse, error) {
	var out ResultResponse
	body := map[string]string{"registrationToken": token}
	err := c.post(ctx, "/version/v1/testresult", body, isFake, &out)
	return out, err
}

// FetchTAN requests a submission TAN for a registration token.
func (c *Client) FetchTAN(ctx context.Context, token string, isFake bool) (TANResponse, error) {
	var out TANResponse
	body := map[string]string{"registrationToken": token}
	err := c.post(ctx, "/version/v1/tan", body, isFake, &out)
	return out, err
}

// RegisterPublicKey binds a public key to a registration token. Submitting
// the same key twice yields ErrKeyAlreadyRegistered.
func (c *Client) RegisterPublicKey(ctx context.Context, token, publicKeyPEM string, isFake bool) error {
	body := map[string]string{"registrationToken": token, "publicKey": publicKeyPEM}
	return c.post(ctx, "/version/v1/publicKey", body, isFake, nil)
}

// FetchCertificate requests the encrypted certificate payload. ErrPending
// means the lab has not delivered it yet.
func (c *Client) FetchCertificate(ctx context.Context, token string, isFake bool) (EncryptedCertificate, error) {
	var out EncryptedCertificate
	body := map[string]string{"registrationToken": token}
	err := c.post(ctx, "/version/v1/dcc", body, isFake, &out)
	return out, err
}

// Submit uploads diagnosis keys under a TAN. The payload shape is identical
// for real and fake submissions.
func (c *Client) Submit(ctx context.Context, tan string, isFake bool) error {
	body := map[string]string{"tan": tan}
	return c.post(ctx, "/version/v1/diagnosis-keys", body, isFake, nil)
}

// FetchRevocationChunk downloads the revocation chunk for one key-space and
// coarse prefix.
func (c *Client) FetchRevocationChunk(ctx context.Context, keySpace, prefix string) (ChunkResponse, error) {
	var out ChunkResponse
	path := fmt.Sprintf("/version/v1/dcc-rl/%s/%s/chunk", url.PathEscape(keySpace), url.PathEscape(prefix))
	err := c.get(ctx, path, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, path string, body interface{}, isFake bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if isFake {
		req.Header.Set(fakeHeader, "1")
	} else {
		req.Header.Set(fakeHeader, "0")
	}

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath(path).String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoNetwork, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps backend status codes onto the typed error set.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300 && code != http.StatusAccepted:
		return nil
	case code == http.StatusAccepted:
		return ErrPending
	case code == http.StatusConflict:
		return ErrKeyAlreadyRegistered
	case code == http.StatusNotFound:
		return ErrTokenNotFound
	case code == http.StatusGone:
		return ErrTokenAlreadyUsed
	case code == http.StatusForbidden:
		return ErrUnsupportedByLab
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrServer, code)
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}
