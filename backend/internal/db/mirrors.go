package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const mirrorColumns = `id, base_url, enabled, country_code, region_code, asn, score,
	latitude, longitude, country_only, region_only, as_only, other_countries`

func scanMirror(row pgx.Row) (Mirror, error) {
	var m Mirror
	err := row.Scan(
		&m.ID, &m.BaseURL, &m.Enabled, &m.CountryCode, &m.RegionCode, &m.ASN, &m.Score,
		&m.Latitude, &m.Longitude, &m.CountryOnly, &m.RegionOnly, &m.ASOnly, &m.OtherCountries,
	)
	return m, err
}

// GetOrInsertMirror inserts m unless a mirror with its id already exists and
// returns the stored row either way. The boolean reports whether an insert
// happened. A clashing base_url under a different id is not absorbed; it
// surfaces as ErrDuplicateKey.
func (s *Store) GetOrInsertMirror(ctx context.Context, m Mirror) (Mirror, bool, error) {
	inserted, err := scanMirror(s.q.QueryRow(ctx, `
		INSERT INTO mirror (id, base_url, enabled, country_code, region_code, asn, score,
			latitude, longitude, country_only, region_only, as_only, other_countries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+mirrorColumns,
		m.ID, m.BaseURL, m.Enabled, m.CountryCode, m.RegionCode, m.ASN, m.Score,
		m.Latitude, m.Longitude, m.CountryOnly, m.RegionOnly, m.ASOnly, m.OtherCountries))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Mirror{}, false, fmt.Errorf("failed to insert mirror %q: %w", m.ID, wrapErr(err))
	}
	existing, err := s.GetMirror(ctx, m.ID)
	if err != nil {
		return Mirror{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetMirror(ctx context.Context, id string) (Mirror, error) {
	m, err := scanMirror(s.q.QueryRow(ctx, `
		SELECT `+mirrorColumns+` FROM mirror WHERE id = $1
	`, id))
	if err != nil {
		return Mirror{}, fmt.Errorf("failed to get mirror %q: %w", id, wrapErr(err))
	}
	return m, nil
}

func (s *Store) ListMirrors(ctx context.Context) ([]Mirror, error) {
	return s.listMirrors(ctx, `SELECT `+mirrorColumns+` FROM mirror ORDER BY id ASC`)
}

func (s *Store) ListEnabledMirrors(ctx context.Context) ([]Mirror, error) {
	return s.listMirrors(ctx, `SELECT `+mirrorColumns+` FROM mirror WHERE enabled ORDER BY id ASC`)
}

func (s *Store) listMirrors(ctx context.Context, query string) ([]Mirror, error) {
	rows, err := s.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrors: %w", wrapErr(err))
	}
	defer rows.Close()

	mirrors := []Mirror{}
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mirror: %w", err)
		}
		mirrors = append(mirrors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mirrors: %w", err)
	}
	return mirrors, nil
}

func (s *Store) SetMirrorEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE mirror SET enabled = $2 WHERE id = $1
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update mirror %q: %w", id, wrapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update mirror %q: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateMirrorMetadata refreshes the listing-derived columns from m. The
// enabled flag and the hand-maintained other_countries list are left alone.
func (s *Store) UpdateMirrorMetadata(ctx context.Context, m Mirror) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE mirror
		SET base_url = $2, country_code = $3, region_code = $4, asn = $5, score = $6,
			latitude = $7, longitude = $8, country_only = $9, region_only = $10,
			as_only = $11
		WHERE id = $1
	`, m.ID, m.BaseURL, m.CountryCode, m.RegionCode, m.ASN, m.Score,
		m.Latitude, m.Longitude, m.CountryOnly, m.RegionOnly, m.ASOnly)
	if err != nil {
		return fmt.Errorf("failed to update mirror %q metadata: %w", m.ID, wrapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update mirror %q metadata: %w", m.ID, ErrNotFound)
	}
	return nil
}

// SetMirrorOtherCountries points the mirror's other_countries list at every
// country stored under the given regions. Region codes that resolve to no
// country contribute nothing, so an empty regions slice clears the list. The
// resolved country codes are returned.
func (s *Store) SetMirrorOtherCountries(ctx context.Context, id string, regionCodes []string) ([]string, error) {
	var codes []string
	err := s.q.QueryRow(ctx, `
		UPDATE mirror
		SET other_countries = (
			SELECT COALESCE(array_agg(code ORDER BY code), '{}')
			FROM country WHERE region_code = ANY($2)
		)
		WHERE id = $1
		RETURNING other_countries
	`, id, regionCodes).Scan(&codes)
	if err != nil {
		return nil, fmt.Errorf("failed to update mirror %q countries: %w", id, wrapErr(err))
	}
	return codes, nil
}
