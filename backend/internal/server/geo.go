package server

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// ASNResolver maps an egress IP address to its autonomous system.
type ASNResolver interface {
	ASN(ip string) (asn string, organization string, err error)
}

// GeoIPResolver resolves autonomous systems from a MaxMind ASN database.
type GeoIPResolver struct {
	reader *geoip2.Reader
}

func NewGeoIPResolver(path string) (*GeoIPResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %q: %w", path, err)
	}
	return &GeoIPResolver{reader: reader}, nil
}

func (g *GeoIPResolver) ASN(ip string) (string, string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", "", errors.New("unparseable ip address")
	}
	record, err := g.reader.ASN(parsed)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve asn: %w", err)
	}
	if record.AutonomousSystemNumber == 0 {
		return "", "", errors.New("ip address not announced")
	}
	return fmt.Sprintf("AS%d", record.AutonomousSystemNumber), record.AutonomousSystemOrganization, nil
}

func (g *GeoIPResolver) Close() error {
	return g.reader.Close()
}
