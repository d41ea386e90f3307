package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/openzim/mirrors-qa/backend/pkg/api"
)

const (
	// clientMaxRetries bounds the retry loop around each backend call.
	clientMaxRetries = 3

	// tokenRenewalSlack renews tokens slightly early so one cannot lapse
	// between the expiry check and the request it fronts.
	tokenRenewalSlack = 30 * time.Second
)

// HTTPClient is the transport surface of the backend client. *http.Client
// satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AuthCredentials is a bearer token together with the instant it stops
// being usable.
type AuthCredentials struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still front a request issued at now.
func (c *AuthCredentials) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// APIError carries a non-2xx backend reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend replied %d: %s", e.StatusCode, e.Message)
}

// Client talks to the backend HTTP API on behalf of a single worker. It
// performs the signed handshake whenever its bearer token is missing or
// about to expire, and retries transient failures with exponential backoff.
type Client struct {
	log        *slog.Logger
	baseURL    string
	workerID   string
	signer     *Signer
	httpClient HTTPClient
	clock      clockwork.Clock

	creds *AuthCredentials
}

// NewClient builds a client for the given worker identity. The base URL and
// request timeout come from cfg; cfg.Clock drives token expiry checks.
func NewClient(log *slog.Logger, cfg Config, workerID string, signer *Signer) (*Client, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	baseURL := strings.TrimRight(cfg.BackendURI, "/")
	if baseURL == "" {
		return nil, errors.New("backend URI is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		log:        log,
		baseURL:    baseURL,
		workerID:   workerID,
		signer:     signer,
		httpClient: &http.Client{Timeout: cfg.RequestsTimeout},
		clock:      clock,
	}, nil
}

// Authenticate performs the signed handshake and caches the bearer token it
// yields. Callers normally never need this directly: every API method
// re-authenticates on demand.
func (c *Client) Authenticate(ctx context.Context) error {
	message, signature, err := c.signer.SignedMessage(c.workerID, c.clock.Now())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+api.AuthenticatePath, nil)
	if err != nil {
		return fmt.Errorf("failed to build authenticate request: %w", err)
	}
	req.Header.Set(api.AuthMessageHeader, message)
	req.Header.Set(api.AuthSignatureHeader, signature)

	var token api.TokenResponse
	if err := c.send(req, &token); err != nil {
		return fmt.Errorf("failed to authenticate worker %q: %w", c.workerID, err)
	}

	expiresIn := time.Duration(token.ExpiresIn) * time.Second
	c.creds = &AuthCredentials{
		AccessToken: token.AccessToken,
		ExpiresAt:   c.clock.Now().Add(expiresIn - tokenRenewalSlack),
	}
	c.log.Debug("authenticated with backend", "expires_in", expiresIn)
	return nil
}

// PutWorkerCountries announces which countries this worker can currently
// measure from. The backend replies with the resolved country records.
func (c *Client) PutWorkerCountries(ctx context.Context, countryCodes []string) ([]api.Country, error) {
	path := fmt.Sprintf("%s/%s/countries", api.WorkersPath, url.PathEscape(c.workerID))
	payload := api.UpdateWorkerCountriesRequest{CountryCodes: countryCodes}

	var resp api.CountriesResponse
	if err := c.call(ctx, http.MethodPut, path, payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to update worker countries: %w", err)
	}
	return resp.Countries, nil
}

// ListPendingTests pages through every PENDING test assigned to this worker
// and returns them all.
func (c *Client) ListPendingTests(ctx context.Context) ([]api.Test, error) {
	var tests []api.Test
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("worker_id", c.workerID)
		params.Set("status", api.StatusPending)
		params.Set("page_num", strconv.Itoa(page))

		var resp api.TestsResponse
		if err := c.call(ctx, http.MethodGet, api.TestsPath+"?"+params.Encode(), nil, &resp); err != nil {
			return nil, fmt.Errorf("failed to list pending tests: %w", err)
		}
		if resp.Metadata.PageSize == 0 {
			break
		}
		tests = append(tests, resp.Tests...)
		if resp.Metadata.CurrentPage >= resp.Metadata.LastPage {
			break
		}
	}
	return tests, nil
}

// PatchTest uploads a result for one test and returns the updated record.
func (c *Client) PatchTest(ctx context.Context, testID string, update api.UpdateTestRequest) (*api.Test, error) {
	var test api.Test
	if err := c.call(ctx, http.MethodPatch, api.TestsPath+"/"+url.PathEscape(testID), update, &test); err != nil {
		return nil, fmt.Errorf("failed to submit result for test %s: %w", testID, err)
	}
	return &test, nil
}

// ensureAuth re-authenticates when the cached token is missing or expiring.
func (c *Client) ensureAuth(ctx context.Context) error {
	if c.creds.Valid(c.clock.Now()) {
		return nil
	}
	return c.Authenticate(ctx)
}

// call executes one authenticated API request, retrying transient failures.
// A 401 clears the cached token so the next attempt re-runs the handshake;
// other 4xx replies are permanent.
func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	operation := func() error {
		if err := c.ensureAuth(ctx); err != nil {
			return err
		}

		req, err := c.newRequest(ctx, method, path, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.creds.AccessToken)

		err = c.send(req, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.StatusCode == http.StatusUnauthorized:
				// Tokens can be revoked ahead of their advertised
				// expiry; force a fresh handshake on the next attempt.
				c.creds = nil
				return err
			case apiErr.StatusCode >= http.StatusInternalServerError:
				return err
			default:
				return backoff.Permanent(err)
			}
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), clientMaxRetries), ctx)
	return backoff.Retry(operation, policy)
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// send executes req and decodes the JSON reply into out when out is non-nil.
func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := resp.Status
		var detail api.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&detail); err == nil && detail.Error != "" {
			message = detail.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
