package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openzim/mirrors-qa/backend/internal/db"
)

// Result summarizes one reconciliation pass. Added holds mirrors that were
// inserted or re-enabled, Disabled holds mirrors that dropped off the
// upstream listing.
type Result struct {
	Added    []db.Mirror
	Disabled []db.Mirror
}

// Reconcile aligns the stored mirror registry with the crawled listing in a
// single transaction: unknown mirrors are inserted enabled, known mirrors
// get their metadata refreshed (re-enabling them if needed), and mirrors
// absent from the listing are disabled. Disabled mirrors are kept so their
// test history stays attributable.
//
// An empty listing aborts with db.ErrEmptyInput rather than disabling the
// whole registry: a truncated crawl must never be mistaken for every mirror
// leaving the network.
func Reconcile(ctx context.Context, log *slog.Logger, store *db.Store, fresh []CrawledMirror) (Result, error) {
	if len(fresh) == 0 {
		return Result{}, fmt.Errorf("refusing to reconcile against an empty mirror list: %w", db.ErrEmptyInput)
	}

	var res Result
	err := store.InTx(ctx, func(tx *db.Store) error {
		stored, err := tx.ListMirrors(ctx)
		if err != nil {
			return err
		}

		seen := make(map[string]struct{}, len(fresh))
		for _, cm := range fresh {
			if _, dup := seen[cm.ID]; dup {
				continue
			}
			seen[cm.ID] = struct{}{}

			if err := ensureLocation(ctx, tx, cm); err != nil {
				return err
			}
			record := mirrorRecord(cm)

			current, created, err := tx.GetOrInsertMirror(ctx, record)
			if err != nil {
				return err
			}
			if created {
				log.Info("mirror added", "mirror", cm.ID, "country", cm.Country.Code)
				res.Added = append(res.Added, current)
				continue
			}

			if !current.Enabled {
				if err := tx.SetMirrorEnabled(ctx, cm.ID, true); err != nil {
					return err
				}
				log.Info("mirror re-enabled", "mirror", cm.ID)
				res.Added = append(res.Added, record)
			}
			if err := tx.UpdateMirrorMetadata(ctx, record); err != nil {
				return err
			}
		}

		for _, m := range stored {
			if _, ok := seen[m.ID]; ok || !m.Enabled {
				continue
			}
			if err := tx.SetMirrorEnabled(ctx, m.ID, false); err != nil {
				return err
			}
			log.Info("mirror disabled", "mirror", m.ID)
			res.Disabled = append(res.Disabled, m)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to reconcile mirrors: %w", err)
	}

	MirrorsAddedTotal.Add(float64(len(res.Added)))
	MirrorsDisabledTotal.Add(float64(len(res.Disabled)))
	return res, nil
}

// ensureLocation upserts the region and country rows the mirror refers to,
// so the foreign keys on mirror always resolve.
func ensureLocation(ctx context.Context, tx *db.Store, cm CrawledMirror) error {
	if err := tx.CreateRegion(ctx, db.Region{
		Code: cm.Country.ContinentCode,
		Name: cm.Country.ContinentName,
	}); err != nil {
		return err
	}
	region := cm.Country.ContinentCode
	return tx.CreateCountry(ctx, db.Country{
		Code:       cm.Country.Code,
		Name:       cm.Country.Name,
		RegionCode: &region,
	})
}

func mirrorRecord(cm CrawledMirror) db.Mirror {
	country := cm.Country.Code
	region := cm.Country.ContinentCode
	return db.Mirror{
		ID:          cm.ID,
		BaseURL:     cm.BaseURL,
		Enabled:     true,
		CountryCode: &country,
		RegionCode:  &region,
	}
}
