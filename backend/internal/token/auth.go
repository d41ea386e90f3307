package token

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openzim/mirrors-qa/backend/internal/db"
	"github.com/openzim/mirrors-qa/backend/pkg/api"
)

var (
	ErrMissingAuthHeaders       = errors.New("missing auth headers")
	ErrMalformedMessage         = errors.New("malformed auth message")
	ErrInvalidTimestamp         = errors.New("invalid timestamp")
	ErrMessageExpired           = errors.New("auth message outside acceptable window")
	ErrWorkerNotFound           = errors.New("worker not registered")
	ErrInvalidSignatureEncoding = errors.New("invalid signature encoding")
	ErrInvalidSignature         = errors.New("invalid signature")
)

// AuthContext describes a successfully verified handshake.
type AuthContext struct {
	WorkerID string
	Worker   db.Worker
	ClientTS time.Time
}

// Authenticator validates the signed handshake a worker presents to obtain a
// bearer token: the X-SSHAuth-Message header carries
// "<worker-id>:<RFC3339 timestamp>" and X-SSHAuth-Signature a base64 RSA-PSS
// signature of the message bytes by the worker's registered key.
type Authenticator struct {
	Clock clockwork.Clock

	// Window bounds how far the message timestamp may sit from now, in
	// either direction.
	Window time.Duration

	LookupWorker func(ctx context.Context, workerID string) (db.Worker, error)
}

func (a *Authenticator) Validate() error {
	if a.Clock == nil {
		a.Clock = clockwork.NewRealClock()
	}
	if a.Window <= 0 {
		return errors.New("window must be > 0")
	}
	if a.LookupWorker == nil {
		return errors.New("lookup worker function is required")
	}
	return nil
}

func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, error) {
	message := strings.TrimSpace(r.Header.Get(api.AuthMessageHeader))
	sigB64 := strings.TrimSpace(r.Header.Get(api.AuthSignatureHeader))
	if message == "" || sigB64 == "" {
		return nil, ErrMissingAuthHeaders
	}

	// The timestamp itself contains colons, so split on the first one only.
	workerID, tsRaw, ok := strings.Cut(message, ":")
	if !ok || workerID == "" {
		return nil, ErrMalformedMessage
	}
	clientTS, err := time.Parse(time.RFC3339, tsRaw)
	if err != nil {
		return nil, ErrInvalidTimestamp
	}

	d := a.Clock.Now().Sub(clientTS)
	if d < -a.Window || d > a.Window {
		return nil, ErrMessageExpired
	}

	worker, err := a.LookupWorker(r.Context(), workerID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrWorkerNotFound
		}
		return nil, fmt.Errorf("failed to look up worker %q: %w", workerID, err)
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, ErrInvalidSignatureEncoding
	}

	pub, err := ParsePublicKeyPEM([]byte(worker.PubkeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored public key of worker %q: %w", workerID, err)
	}
	if err := Verify(pub, []byte(message), sig); err != nil {
		return nil, ErrInvalidSignature
	}

	return &AuthContext{
		WorkerID: workerID,
		Worker:   worker,
		ClientTS: clientTS,
	}, nil
}
