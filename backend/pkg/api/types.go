// Package api defines the wire types and constants shared between the
// mirrors-qa backend HTTP API and the worker manager client.
package api

import "time"

// Paths registered by the backend HTTP server.
const (
	AuthenticatePath = "/auth/authenticate"
	TestsPath        = "/tests"
	WorkersPath      = "/workers"
	HealthCheckPath  = "/health-check"
)

// Handshake headers presented by workers on POST /auth/authenticate.
const (
	AuthMessageHeader   = "X-SSHAuth-Message"
	AuthSignatureHeader = "X-SSHAuth-Signature"
)

// Test lifecycle states. Stored verbatim; the database enforces membership
// with a CHECK constraint.
const (
	StatusPending   = "PENDING"
	StatusMissed    = "MISSED"
	StatusSucceeded = "SUCCEEDED"
	StatusErrored   = "ERRORED"
)

// ValidStatus reports whether s is one of the persisted test states.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusMissed, StatusSucceeded, StatusErrored:
		return true
	}
	return false
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type Test struct {
	ID           string     `json:"id"`
	RequestedOn  time.Time  `json:"requested_on"`
	StartedOn    *time.Time `json:"started_on,omitempty"`
	Status       string     `json:"status"`
	WorkerID     string     `json:"worker_id"`
	MirrorURL    string     `json:"mirror_url"`
	CountryCode  string     `json:"country_code"`
	IPAddress    *string    `json:"ip_address,omitempty"`
	ASN          *string    `json:"asn,omitempty"`
	ISP          *string    `json:"isp,omitempty"`
	City         *string    `json:"city,omitempty"`
	Latency      *float64   `json:"latency,omitempty"`
	DownloadSize *int64     `json:"download_size,omitempty"`
	Duration     *float64   `json:"duration,omitempty"`
	Speed        *float64   `json:"speed,omitempty"`
	Error        *string    `json:"error,omitempty"`
}

// Metadata describes one page of a paginated listing. When no records match,
// only total_records and page_size are emitted, both zero.
type Metadata struct {
	TotalRecords int `json:"total_records"`
	PageSize     int `json:"page_size"`
	CurrentPage  int `json:"current_page,omitempty"`
	FirstPage    int `json:"first_page,omitempty"`
	LastPage     int `json:"last_page,omitempty"`
}

type TestsResponse struct {
	Tests    []Test   `json:"tests"`
	Metadata Metadata `json:"metadata"`
}

// UpdateTestRequest is the PATCH /tests/{id} body. Nil fields are left
// unchanged on the stored record.
type UpdateTestRequest struct {
	Status       *string    `json:"status,omitempty"`
	StartedOn    *time.Time `json:"started_on,omitempty"`
	IPAddress    *string    `json:"ip_address,omitempty"`
	ASN          *string    `json:"asn,omitempty"`
	ISP          *string    `json:"isp,omitempty"`
	City         *string    `json:"city,omitempty"`
	Latency      *float64   `json:"latency,omitempty"`
	DownloadSize *int64     `json:"download_size,omitempty"`
	Duration     *float64   `json:"duration,omitempty"`
	Speed        *float64   `json:"speed,omitempty"`
	Error        *string    `json:"error,omitempty"`
}

type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type CountriesResponse struct {
	Countries []Country `json:"countries"`
}

type UpdateWorkerCountriesRequest struct {
	CountryCodes []string `json:"country_codes"`
}

type HealthResponse struct {
	ReceivingTests bool `json:"receiving_tests"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
