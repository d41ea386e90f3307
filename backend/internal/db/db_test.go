package db_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/openzim/mirrors-qa/backend/internal/db"
	"github.com/openzim/mirrors-qa/backend/pkg/api"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping store tests in short mode")
	}

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("mirrors_qa"),
		postgres.WithUsername("mirrors_qa"),
		postgres.WithPassword("mirrors_qa"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)
	uri := fmt.Sprintf("postgres://mirrors_qa:mirrors_qa@%s:%s/mirrors_qa?sslmode=disable", host, port.Port())

	require.NoError(t, db.Migrate(log, uri))

	store, err := db.Connect(ctx, log, uri)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func ptr[T any](v T) *T { return &v }

func seedCountry(t *testing.T, store *db.Store, code, name string) {
	t.Helper()
	require.NoError(t, store.CreateCountry(context.Background(), db.Country{Code: code, Name: name}))
}

func seedWorker(t *testing.T, store *db.Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateWorker(context.Background(), db.Worker{
		ID:                id,
		PubkeyPEM:         "-----BEGIN PUBLIC KEY-----\n...\n-----END PUBLIC KEY-----\n",
		PubkeyFingerprint: "SHA256:" + id,
	}))
}

func TestDB_Countries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRegion(ctx, db.Region{Code: "eu", Name: "Europe"}))
	region, err := store.GetRegion(ctx, "eu")
	require.NoError(t, err)
	require.Equal(t, "Europe", region.Name)

	_, err = store.GetRegion(ctx, "xx")
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, store.CreateCountry(ctx, db.Country{Code: "fr", Name: "Frankreich", RegionCode: ptr("eu")}))

	// Upserting the same code refreshes the name.
	require.NoError(t, store.CreateCountry(ctx, db.Country{Code: "fr", Name: "France", RegionCode: ptr("eu")}))

	country, err := store.GetCountry(ctx, "fr")
	require.NoError(t, err)
	require.Equal(t, "France", country.Name)
	require.NotNil(t, country.RegionCode)
	require.Equal(t, "eu", *country.RegionCode)

	_, err = store.GetCountry(ctx, "zz")
	require.ErrorIs(t, err, db.ErrNotFound)

	// The schema rejects uppercase codes.
	require.Error(t, store.CreateCountry(ctx, db.Country{Code: "DE", Name: "Germany"}))

	require.NoError(t, store.CreateCountry(ctx, db.Country{Code: "de", Name: "Germany", RegionCode: ptr("eu")}))
	countries, err := store.ListCountries(ctx)
	require.NoError(t, err)
	require.Len(t, countries, 2)
	require.Equal(t, "de", countries[0].Code)
	require.Equal(t, "fr", countries[1].Code)
}

func TestDB_Mirrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	seedCountry(t, store, "fr", "France")
	seedCountry(t, store, "de", "Germany")

	mirror := db.Mirror{
		ID:             "mirror.example.org",
		BaseURL:        "https://mirror.example.org/kiwix/",
		Enabled:        true,
		CountryCode:    ptr("fr"),
		ASN:            ptr("AS12345"),
		Score:          ptr(int32(42)),
		Latitude:       ptr(48.8566),
		Longitude:      ptr(2.3522),
		CountryOnly:    ptr(false),
		OtherCountries: []string{"be", "lu"},
	}
	created, inserted, err := store.GetOrInsertMirror(ctx, mirror)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, mirror.BaseURL, created.BaseURL)

	// A second call hands back the stored row untouched.
	changed := mirror
	changed.Score = ptr(int32(99))
	again, inserted, err := store.GetOrInsertMirror(ctx, changed)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, created, again)

	// The same base_url under a different id is a conflict, not an upsert.
	clone := mirror
	clone.ID = "clone.example.org"
	_, _, err = store.GetOrInsertMirror(ctx, clone)
	require.ErrorIs(t, err, db.ErrDuplicateKey)

	got, err := store.GetMirror(ctx, "mirror.example.org")
	require.NoError(t, err)
	require.Equal(t, mirror.BaseURL, got.BaseURL)
	require.True(t, got.Enabled)
	require.Equal(t, "fr", *got.CountryCode)
	require.Equal(t, int32(42), *got.Score)
	require.Equal(t, []string{"be", "lu"}, got.OtherCountries)

	_, err = store.GetMirror(ctx, "unknown.example.org")
	require.ErrorIs(t, err, db.ErrNotFound)

	_, _, err = store.GetOrInsertMirror(ctx, db.Mirror{
		ID:      "another.example.org",
		BaseURL: "https://another.example.org/",
		Enabled: false,
	})
	require.NoError(t, err)

	all, err := store.ListMirrors(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "another.example.org", all[0].ID)

	enabled, err := store.ListEnabledMirrors(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, "mirror.example.org", enabled[0].ID)

	require.NoError(t, store.SetMirrorEnabled(ctx, "another.example.org", true))
	enabled, err = store.ListEnabledMirrors(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)

	err = store.SetMirrorEnabled(ctx, "missing.example.org", true)
	require.ErrorIs(t, err, db.ErrNotFound)

	// Metadata refresh keeps the enabled flag and the countries list.
	updated := mirror
	updated.CountryCode = ptr("de")
	updated.Score = ptr(int32(7))
	updated.OtherCountries = nil
	require.NoError(t, store.UpdateMirrorMetadata(ctx, updated))
	got, err = store.GetMirror(ctx, "mirror.example.org")
	require.NoError(t, err)
	require.True(t, got.Enabled)
	require.Equal(t, "de", *got.CountryCode)
	require.Equal(t, int32(7), *got.Score)
	require.Equal(t, []string{"be", "lu"}, got.OtherCountries)

	err = store.UpdateMirrorMetadata(ctx, db.Mirror{ID: "missing.example.org"})
	require.ErrorIs(t, err, db.ErrNotFound)

	t.Run("other countries from regions", func(t *testing.T) {
		require.NoError(t, store.CreateRegion(ctx, db.Region{Code: "na", Name: "North America"}))
		require.NoError(t, store.CreateCountry(ctx, db.Country{Code: "us", Name: "United States", RegionCode: ptr("na")}))
		require.NoError(t, store.CreateCountry(ctx, db.Country{Code: "ca", Name: "Canada", RegionCode: ptr("na")}))

		codes, err := store.SetMirrorOtherCountries(ctx, "mirror.example.org", []string{"na"})
		require.NoError(t, err)
		require.Equal(t, []string{"ca", "us"}, codes)

		got, err := store.GetMirror(ctx, "mirror.example.org")
		require.NoError(t, err)
		require.Equal(t, []string{"ca", "us"}, got.OtherCountries)

		// Unknown regions resolve to nothing, which clears the list.
		codes, err = store.SetMirrorOtherCountries(ctx, "mirror.example.org", []string{"xx"})
		require.NoError(t, err)
		require.Empty(t, codes)

		_, err = store.SetMirrorOtherCountries(ctx, "missing.example.org", []string{"na"})
		require.ErrorIs(t, err, db.ErrNotFound)
	})
}

func TestDB_Workers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedCountry(t, store, "fr", "France")
	seedCountry(t, store, "de", "Germany")
	seedCountry(t, store, "us", "United States")

	seedWorker(t, store, "alpha")
	seedWorker(t, store, "beta")

	err := store.CreateWorker(ctx, db.Worker{ID: "alpha", PubkeyPEM: "x", PubkeyFingerprint: "y"})
	require.ErrorIs(t, err, db.ErrDuplicateKey)

	worker, err := store.GetWorker(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, "SHA256:alpha", worker.PubkeyFingerprint)
	require.Nil(t, worker.LastSeenOn)

	_, err = store.GetWorker(ctx, "ghost")
	require.ErrorIs(t, err, db.ErrNotFound)

	// Workers that never reported are idle regardless of the cutoff.
	idle, err := store.ListIdleWorkers(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 2)

	require.NoError(t, store.TouchWorker(ctx, "alpha", now))
	idle, err = store.ListIdleWorkers(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	require.Equal(t, "beta", idle[0].ID)

	require.NoError(t, store.TouchWorker(ctx, "beta", now.Add(-2*time.Hour)))
	idle, err = store.ListIdleWorkers(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	require.Equal(t, "beta", idle[0].ID)

	err = store.TouchWorker(ctx, "ghost", now)
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, store.SetWorkerCountries(ctx, "alpha", []string{"fr", "de"}))
	countries, err := store.WorkerCountries(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, countries, 2)
	require.Equal(t, "de", countries[0].Code)
	require.Equal(t, "fr", countries[1].Code)

	// Reassignment replaces the whole set.
	require.NoError(t, store.SetWorkerCountries(ctx, "alpha", []string{"us"}))
	countries, err = store.WorkerCountries(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, countries, 1)
	require.Equal(t, "us", countries[0].Code)

	err = store.SetWorkerCountries(ctx, "ghost", []string{"fr"})
	require.ErrorIs(t, err, db.ErrNotFound)

	// Unregistered country codes trip the foreign key.
	require.Error(t, store.SetWorkerCountries(ctx, "alpha", []string{"xx"}))

	countries, err = store.WorkerCountries(ctx, "beta")
	require.NoError(t, err)
	require.Empty(t, countries)
}

func TestDB_Tests(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedCountry(t, store, "fr", "France")
	seedCountry(t, store, "de", "Germany")
	seedWorker(t, store, "alpha")
	seedWorker(t, store, "beta")

	newTest := func(worker, country string, requestedOn time.Time) db.Test {
		t.Helper()
		created, err := store.CreateTest(ctx, db.Test{
			RequestedOn: requestedOn,
			Status:      api.StatusPending,
			WorkerID:    worker,
			MirrorURL:   "https://mirror.example.org/kiwix/",
			CountryCode: country,
		})
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, created.ID)
		return created
	}

	t1 := newTest("alpha", "fr", base)
	t2 := newTest("alpha", "de", base.Add(time.Minute))
	t3 := newTest("beta", "fr", base.Add(2*time.Minute))
	t4 := newTest("beta", "de", base.Add(3*time.Minute))

	// The schema rejects states outside the lifecycle.
	_, err := store.CreateTest(ctx, db.Test{
		RequestedOn: base,
		Status:      "RUNNING",
		WorkerID:    "alpha",
		MirrorURL:   "https://mirror.example.org/",
		CountryCode: "fr",
	})
	require.Error(t, err)

	got, err := store.GetTest(ctx, t1.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, got.Status)
	require.WithinDuration(t, base, got.RequestedOn, time.Second)

	_, err = store.GetTest(ctx, uuid.New())
	require.ErrorIs(t, err, db.ErrNotFound)

	// Partial update keeps everything not mentioned.
	startedOn := base.Add(10 * time.Minute)
	updated, err := store.UpdateTest(ctx, t1.ID, db.TestUpdate{
		StartedOn: ptr(startedOn),
		IPAddress: ptr("203.0.113.7"),
		ISP:       ptr("Example Networks"),
		City:      ptr("Paris"),
	})
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, updated.Status)
	require.Equal(t, "alpha", updated.WorkerID)
	require.Equal(t, "fr", updated.CountryCode)
	require.WithinDuration(t, startedOn, *updated.StartedOn, time.Second)

	updated, err = store.UpdateTest(ctx, t1.ID, db.TestUpdate{
		Status:       ptr(api.StatusSucceeded),
		Latency:      ptr(0.25),
		DownloadSize: ptr(int64(1048576)),
		Duration:     ptr(4.2),
		Speed:        ptr(249659.0),
	})
	require.NoError(t, err)
	require.Equal(t, api.StatusSucceeded, updated.Status)
	require.Equal(t, 0.25, *updated.Latency)
	require.Equal(t, "Paris", *updated.City)

	// SUCCEEDED is final: later writes bounce and change nothing.
	_, err = store.UpdateTest(ctx, t1.ID, db.TestUpdate{City: ptr("Lyon")})
	require.ErrorIs(t, err, db.ErrTestFinished)
	got, err = store.GetTest(ctx, t1.ID)
	require.NoError(t, err)
	require.Equal(t, "Paris", *got.City)
	require.Equal(t, int64(1048576), *got.DownloadSize)

	_, err = store.UpdateTest(ctx, uuid.New(), db.TestUpdate{City: ptr("Nice")})
	require.ErrorIs(t, err, db.ErrNotFound)

	t.Run("listing", func(t *testing.T) {
		all, total, err := store.ListTests(ctx, db.TestFilter{PageSize: 10, PageNum: 1})
		require.NoError(t, err)
		require.Equal(t, 4, total)
		require.Len(t, all, 4)
		// Default ordering is requested_on ascending.
		require.Equal(t, t1.ID, all[0].ID)
		require.Equal(t, t4.ID, all[3].ID)

		page2, total, err := store.ListTests(ctx, db.TestFilter{PageSize: 2, PageNum: 2})
		require.NoError(t, err)
		require.Equal(t, 4, total)
		require.Len(t, page2, 2)
		require.Equal(t, t3.ID, page2[0].ID)

		byWorker, total, err := store.ListTests(ctx, db.TestFilter{WorkerID: "beta", PageSize: 10, PageNum: 1})
		require.NoError(t, err)
		require.Equal(t, 2, total)
		require.Len(t, byWorker, 2)

		byStatus, total, err := store.ListTests(ctx, db.TestFilter{
			Statuses: []string{api.StatusPending}, PageSize: 10, PageNum: 1,
		})
		require.NoError(t, err)
		require.Equal(t, 3, total)
		require.Len(t, byStatus, 3)

		byCountry, total, err := store.ListTests(ctx, db.TestFilter{
			CountryCode: "de", PageSize: 10, PageNum: 1,
		})
		require.NoError(t, err)
		require.Equal(t, 2, total)
		require.Equal(t, t2.ID, byCountry[0].ID)

		// Sorting by another column breaks ties on requested_on ascending.
		sorted, _, err := store.ListTests(ctx, db.TestFilter{
			SortBy: "worker_id", Order: "desc", PageSize: 10, PageNum: 1,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"beta", "beta", "alpha", "alpha"},
			[]string{sorted[0].WorkerID, sorted[1].WorkerID, sorted[2].WorkerID, sorted[3].WorkerID})
		require.Equal(t, t3.ID, sorted[0].ID)
		require.Equal(t, t2.ID, sorted[3].ID)

		_, _, err = store.ListTests(ctx, db.TestFilter{SortBy: "nope", PageSize: 10, PageNum: 1})
		require.Error(t, err)
		_, _, err = store.ListTests(ctx, db.TestFilter{PageSize: 0, PageNum: 1})
		require.Error(t, err)
	})

	t.Run("pending count and expiry", func(t *testing.T) {
		count, err := store.CountPendingTests(ctx, "alpha")
		require.NoError(t, err)
		require.Equal(t, 1, count) // t2 only, t1 succeeded above

		expired, err := store.ExpireTests(ctx, base.Add(90*time.Second))
		require.NoError(t, err)
		require.Len(t, expired, 1) // t2 is the only PENDING older than the cutoff
		require.Equal(t, t2.ID, expired[0].ID)
		require.Equal(t, api.StatusMissed, expired[0].Status)

		// A second pass finds nothing new.
		expired, err = store.ExpireTests(ctx, base.Add(90*time.Second))
		require.NoError(t, err)
		require.Empty(t, expired)

		got, err := store.GetTest(ctx, t3.ID)
		require.NoError(t, err)
		require.Equal(t, api.StatusPending, got.Status)
	})

	t.Run("recent succeeded", func(t *testing.T) {
		ok, err := store.HasRecentSucceeded(ctx, startedOn.Add(-time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.HasRecentSucceeded(ctx, startedOn.Add(time.Minute))
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestDB_AssignWorkerCountries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	seedWorker(t, store, "alpha")

	assigned, err := store.AssignWorkerCountries(ctx, "alpha", []db.Country{
		{Code: "fr", Name: "France"},
		{Code: "de", Name: "Germany"},
	})
	require.NoError(t, err)
	require.Len(t, assigned, 2)
	require.Equal(t, "de", assigned[0].Code)
	require.Equal(t, "Germany", assigned[0].Name)

	// Country rows were created along the way.
	country, err := store.GetCountry(ctx, "fr")
	require.NoError(t, err)
	require.Equal(t, "France", country.Name)

	// Reassignment replaces the set and refreshes names.
	assigned, err = store.AssignWorkerCountries(ctx, "alpha", []db.Country{
		{Code: "fr", Name: "French Republic"},
	})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	require.Equal(t, "French Republic", assigned[0].Name)

	_, err = store.AssignWorkerCountries(ctx, "ghost", []db.Country{{Code: "fr", Name: "France"}})
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestDB_RecordTestResult(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedCountry(t, store, "fr", "France")
	seedWorker(t, store, "alpha")

	newTest := func() db.Test {
		t.Helper()
		created, err := store.CreateTest(ctx, db.Test{
			RequestedOn: base,
			Status:      api.StatusPending,
			WorkerID:    "alpha",
			MirrorURL:   "https://mirror.example.org/kiwix/",
			CountryCode: "fr",
		})
		require.NoError(t, err)
		return created
	}

	first := newTest()
	seenAt := base.Add(5 * time.Minute)
	updated, err := store.RecordTestResult(ctx, first.ID, "alpha", db.TestUpdate{
		Status:  ptr(api.StatusSucceeded),
		Latency: ptr(0.5),
	}, seenAt)
	require.NoError(t, err)
	require.Equal(t, api.StatusSucceeded, updated.Status)

	worker, err := store.GetWorker(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, worker.LastSeenOn)
	require.WithinDuration(t, seenAt, *worker.LastSeenOn, time.Second)

	// A finished test takes no further results.
	_, err = store.RecordTestResult(ctx, first.ID, "alpha", db.TestUpdate{
		Status: ptr(api.StatusErrored),
	}, seenAt)
	require.ErrorIs(t, err, db.ErrTestFinished)

	got, err := store.GetTest(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusSucceeded, got.Status)
	require.Equal(t, 0.5, *got.Latency)

	// A failing touch rolls the whole update back.
	second := newTest()
	_, err = store.RecordTestResult(ctx, second.ID, "ghost", db.TestUpdate{
		Status: ptr(api.StatusErrored),
	}, seenAt)
	require.ErrorIs(t, err, db.ErrNotFound)

	got, err = store.GetTest(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, got.Status)
}

func TestDB_InTx_RollsBackOnError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx *db.Store) error {
		if err := tx.CreateRegion(ctx, db.Region{Code: "eu", Name: "Europe"}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.ErrorContains(t, err, "boom")

	_, err = store.GetRegion(ctx, "eu")
	require.ErrorIs(t, err, db.ErrNotFound)

	err = store.InTx(ctx, func(tx *db.Store) error {
		return tx.CreateRegion(ctx, db.Region{Code: "eu", Name: "Europe"})
	})
	require.NoError(t, err)

	region, err := store.GetRegion(ctx, "eu")
	require.NoError(t, err)
	require.Equal(t, "Europe", region.Name)
}
