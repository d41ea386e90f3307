package db

import (
	"context"
	"fmt"
)

// CreateRegion inserts a region, refreshing its name when the code already
// exists.
func (s *Store) CreateRegion(ctx context.Context, r Region) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO region (code, name)
		VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name
	`, r.Code, r.Name)
	if err != nil {
		return fmt.Errorf("failed to create region %q: %w", r.Code, wrapErr(err))
	}
	return nil
}

func (s *Store) GetRegion(ctx context.Context, code string) (Region, error) {
	var r Region
	err := s.q.QueryRow(ctx, `
		SELECT code, name FROM region WHERE code = $1
	`, code).Scan(&r.Code, &r.Name)
	if err != nil {
		return Region{}, fmt.Errorf("failed to get region %q: %w", code, wrapErr(err))
	}
	return r, nil
}

// CreateCountry inserts a country, refreshing its name when the code already
// exists. A nil region keeps whatever region is already stored.
func (s *Store) CreateCountry(ctx context.Context, c Country) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO country (code, name, region_code)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name,
			region_code = COALESCE(EXCLUDED.region_code, country.region_code)
	`, c.Code, c.Name, c.RegionCode)
	if err != nil {
		return fmt.Errorf("failed to create country %q: %w", c.Code, wrapErr(err))
	}
	return nil
}

func (s *Store) GetCountry(ctx context.Context, code string) (Country, error) {
	var c Country
	err := s.q.QueryRow(ctx, `
		SELECT code, name, region_code FROM country WHERE code = $1
	`, code).Scan(&c.Code, &c.Name, &c.RegionCode)
	if err != nil {
		return Country{}, fmt.Errorf("failed to get country %q: %w", code, wrapErr(err))
	}
	return c, nil
}

func (s *Store) ListCountries(ctx context.Context) ([]Country, error) {
	rows, err := s.q.Query(ctx, `
		SELECT code, name, region_code FROM country ORDER BY code ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list countries: %w", wrapErr(err))
	}
	defer rows.Close()

	countries := []Country{}
	for rows.Next() {
		var c Country
		if err := rows.Scan(&c.Code, &c.Name, &c.RegionCode); err != nil {
			return nil, fmt.Errorf("failed to scan country: %w", err)
		}
		countries = append(countries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate countries: %w", err)
	}
	return countries, nil
}
