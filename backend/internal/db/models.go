package db

import (
	"time"

	"github.com/google/uuid"
)

// Region is a continent. Codes are 2-letter lowercase.
type Region struct {
	Code string
	Name string
}

// Country is an ISO 3166-1 alpha-2 country, optionally attached to a region.
type Country struct {
	Code       string
	Name       string
	RegionCode *string
}

// Mirror is one entry of the federated mirror network. The id is the host
// name of its base URL. Metadata columns beyond enabled/country are carried
// from the upstream listing and are informational.
type Mirror struct {
	ID             string
	BaseURL        string
	Enabled        bool
	CountryCode    *string
	RegionCode     *string
	ASN            *string
	Score          *int32
	Latitude       *float64
	Longitude      *float64
	CountryOnly    *bool
	RegionOnly     *bool
	ASOnly         *bool
	OtherCountries []string
}

// Worker is a registered measurement agent. LastSeenOn is nil until the
// worker reports a result for the first time; such workers count as idle.
type Worker struct {
	ID                string
	PubkeyPEM         string
	PubkeyFingerprint string
	LastSeenOn        *time.Time
}

// Test is one scheduled download measurement. Result fields stay nil until a
// worker reports: latency and duration are seconds, download_size bytes,
// speed bytes per second.
type Test struct {
	ID           uuid.UUID
	RequestedOn  time.Time
	StartedOn    *time.Time
	Status       string
	WorkerID     string
	MirrorURL    string
	CountryCode  string
	IPAddress    *string
	ASN          *string
	ISP          *string
	City         *string
	Latency      *float64
	DownloadSize *int64
	Duration     *float64
	Speed        *float64
	Error        *string
}

// TestUpdate carries a partial update for a Test; nil fields keep the stored
// value.
type TestUpdate struct {
	Status       *string
	StartedOn    *time.Time
	IPAddress    *string
	ASN          *string
	ISP          *string
	City         *string
	Latency      *float64
	DownloadSize *int64
	Duration     *float64
	Speed        *float64
	Error        *string
}
