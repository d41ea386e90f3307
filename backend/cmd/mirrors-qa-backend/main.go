package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/openzim/mirrors-qa/backend/internal/config"
	"github.com/openzim/mirrors-qa/backend/internal/db"
	"github.com/openzim/mirrors-qa/backend/internal/reconciler"
	"github.com/openzim/mirrors-qa/backend/internal/scheduler"
	"github.com/openzim/mirrors-qa/backend/internal/server"
	"github.com/openzim/mirrors-qa/backend/internal/token"
	"github.com/openzim/mirrors-qa/backend/pkg/locations"
)

const (
	defaultListenAddr  = ":8000"
	defaultMetricsAddr = ":2112"
)

var (
	verbose     bool
	listenAddr  string
	metricsAddr string
	dryRun      bool
	countries   []string
	regions     []string

	enableMirror  bool
	disableMirror bool

	sleepFlag      time.Duration
	idleWorkerFlag time.Duration
	expireTestFlag time.Duration

	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mirrors-qa-backend",
	Short: "mirrors-qa backend",
	Long: `The mirrors-qa backend keeps the registry of download mirrors in sync
with the published mirror list, schedules download tests for workers and
serves the HTTP API they report back to.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mirrors-qa-backend %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequirePostgres(); err != nil {
			return err
		}
		if err := cfg.RequireJWTSecret(); err != nil {
			return err
		}

		startMetricsServer(log, metricsAddr)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		// Bring the registry up to date before taking traffic. A failed
		// crawl is not fatal: the existing registry keeps serving and the
		// next update-mirrors run catches up.
		if err := syncMirrors(ctx, log, store, cfg); err != nil {
			log.Warn("initial mirror sync failed", "error", err)
		}

		srvCfg := server.Config{
			JWTSecret:                []byte(cfg.JWTSecret),
			MessageValidity:          cfg.MessageValidityDuration,
			TokenTTL:                 cfg.TokenExpiryDuration,
			MaxPageSize:              cfg.MaxPageSize,
			UnhealthyNoTestsDuration: cfg.UnhealthyNoTestsDuration,
		}
		if cfg.GeoIPASNDB != "" {
			resolver, err := server.NewGeoIPResolver(cfg.GeoIPASNDB)
			if err != nil {
				log.Warn("ASN enrichment disabled", "db", cfg.GeoIPASNDB, "error", err)
			} else {
				defer resolver.Close()
				srvCfg.Resolver = resolver
				log.Info("ASN enrichment enabled", "db", cfg.GeoIPASNDB)
			}
		}

		srv, err := server.New(log, srvCfg, store)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		listener, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("failed to create listener: %w", err)
		}
		defer listener.Close()

		log.Info("http server listening", "address", listener.Addr().String())
		return srv.Serve(ctx, listener)
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic test scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequirePostgres(); err != nil {
			return err
		}

		startMetricsServer(log, metricsAddr)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		schedCfg := scheduler.Config{
			SleepDuration:      cfg.SchedulerSleepDuration,
			IdleWorkerDuration: cfg.IdleWorkerDuration,
			ExpireTestDuration: cfg.ExpireTestDuration,
		}
		// Flags win over the environment when set.
		if sleepFlag > 0 {
			schedCfg.SleepDuration = sleepFlag
		}
		if idleWorkerFlag > 0 {
			schedCfg.IdleWorkerDuration = idleWorkerFlag
		}
		if expireTestFlag > 0 {
			schedCfg.ExpireTestDuration = expireTestFlag
		}

		sched, err := scheduler.New(log, schedCfg, store)
		if err != nil {
			return err
		}
		return sched.Run(ctx)
	},
}

var updateMirrorsCmd = &cobra.Command{
	Use:   "update-mirrors",
	Short: "Crawl the mirror list and reconcile the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequirePostgres(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		crawler, err := reconciler.NewCrawler(log, cfg.MirrorsListURL, cfg.ExcludedMirrors)
		if err != nil {
			return err
		}
		fresh, err := crawler.Crawl(ctx)
		if err != nil {
			return fmt.Errorf("failed to crawl mirror list: %w", err)
		}

		if dryRun {
			rows, err := planMirrorDiff(ctx, store, fresh)
			if err != nil {
				return err
			}
			log.Info("dry run, registry left untouched", "mirrors", len(fresh), "changes", len(rows))
			printMirrorDiff(rows)
			return nil
		}

		result, err := reconciler.Reconcile(ctx, log, store, fresh)
		if err != nil {
			return fmt.Errorf("failed to reconcile mirrors: %w", err)
		}
		log.Info("mirrors reconciled", "added", len(result.Added), "disabled", len(result.Disabled))

		var rows [][]string
		for _, m := range result.Added {
			rows = append(rows, []string{m.ID, countryOf(m), "enabled"})
		}
		for _, m := range result.Disabled {
			rows = append(rows, []string{m.ID, countryOf(m), "disabled"})
		}
		printMirrorDiff(rows)
		return nil
	},
}

var updateMirrorCmd = &cobra.Command{
	Use:   "update-mirror <mirror-id>",
	Short: "Enable, disable or re-scope a single mirror",
	Long: `Flips a mirror's enabled flag and/or repoints the extra countries it
serves. The --regions codes are flattened to every country stored under those
regions; an empty --regions clears the list. The crawler never touches this
list, so the assignment survives reconciliation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)
		mirrorID := args[0]

		setRegions := cmd.Flags().Changed("regions")
		if enableMirror && disableMirror {
			return fmt.Errorf("--enable and --disable are mutually exclusive")
		}
		if !enableMirror && !disableMirror && !setRegions {
			return fmt.Errorf("nothing to update, pass --enable, --disable or --regions")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequirePostgres(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if enableMirror || disableMirror {
			if err := store.SetMirrorEnabled(ctx, mirrorID, enableMirror); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("mirror %q does not exist", mirrorID)
				}
				return err
			}
			log.Info("mirror updated", "mirror", mirrorID, "enabled", enableMirror)
		}
		if setRegions {
			codes := make([]string, 0, len(regions))
			for _, r := range regions {
				codes = append(codes, strings.ToLower(strings.TrimSpace(r)))
			}
			resolved, err := store.SetMirrorOtherCountries(ctx, mirrorID, codes)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("mirror %q does not exist", mirrorID)
				}
				return err
			}
			if len(resolved) == 0 && len(codes) > 0 {
				log.Warn("no stored country matches the given regions", "regions", strings.Join(codes, ","))
			}
			log.Info("mirror countries updated", "mirror", mirrorID, "countries", strings.Join(resolved, ","))
		}
		return nil
	},
}

var createWorkerCmd = &cobra.Command{
	Use:   "create-worker <worker-id> <public-key-file|->",
	Short: "Register a worker from its RSA public key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)
		workerID := args[0]

		pemBytes, err := readInput(args[1])
		if err != nil {
			return fmt.Errorf("failed to read public key: %w", err)
		}
		pub, err := token.ParsePublicKeyPEM(pemBytes)
		if err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}
		pubPEM, err := token.EncodePublicKeyPEM(pub)
		if err != nil {
			return err
		}
		fingerprint, err := token.Fingerprint(pub)
		if err != nil {
			return err
		}

		assigned, err := countryRecords(countries)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequirePostgres(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		err = store.CreateWorker(ctx, db.Worker{
			ID:                workerID,
			PubkeyPEM:         pubPEM,
			PubkeyFingerprint: fingerprint,
		})
		if errors.Is(err, db.ErrDuplicateKey) {
			return fmt.Errorf("worker %q already exists", workerID)
		}
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}

		if len(assigned) > 0 {
			if _, err := store.AssignWorkerCountries(ctx, workerID, assigned); err != nil {
				return fmt.Errorf("failed to assign countries: %w", err)
			}
		} else {
			log.Warn("worker created without countries, it will not be scheduled until it reports some")
		}

		log.Info("worker created", "worker", workerID, "fingerprint", fingerprint, "countries", len(assigned))
		return nil
	},
}

var updateWorkerCmd = &cobra.Command{
	Use:   "update-worker <worker-id>",
	Short: "Replace the countries assigned to a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)
		workerID := args[0]

		if len(countries) == 0 {
			return fmt.Errorf("at least one country code is required")
		}
		assigned, err := countryRecords(countries)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequirePostgres(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.GetWorker(ctx, workerID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("worker %q does not exist", workerID)
			}
			return err
		}
		if _, err := store.AssignWorkerCountries(ctx, workerID, assigned); err != nil {
			return fmt.Errorf("failed to assign countries: %w", err)
		}

		log.Info("worker updated", "worker", workerID, "countries", len(assigned))
		return nil
	},
}

var listWorkersCmd = &cobra.Command{
	Use:   "list-workers",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequirePostgres(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		workers, err := store.ListWorkers(ctx)
		if err != nil {
			return fmt.Errorf("failed to list workers: %w", err)
		}
		if len(workers) == 0 {
			fmt.Println("no workers registered")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
		table.SetAutoFormatHeaders(false)
		table.SetBorder(true)
		table.SetRowLine(false)
		table.SetHeader([]string{"Worker", "Fingerprint", "Countries", "Last seen"})
		for _, w := range workers {
			assigned, err := store.WorkerCountries(ctx, w.ID)
			if err != nil {
				return err
			}
			codes := make([]string, 0, len(assigned))
			for _, c := range assigned {
				codes = append(codes, c.Code)
			}
			lastSeen := "never"
			if w.LastSeenOn != nil {
				lastSeen = w.LastSeenOn.UTC().Format(time.RFC3339)
			}
			table.Append([]string{w.ID, w.PubkeyFingerprint, strings.Join(codes, ","), lastSeen})
		}
		table.Render()
		return nil
	},
}

var createCountriesCmd = &cobra.Command{
	Use:   "create-countries <csv-file|->",
	Short: "Seed the countries table from a CSV file",
	Long: `Reads rows of country_iso_code,country_name,continent_code,continent_name
(the MaxMind locations CSV layout) and upserts them, attaching each country
to its continent. Incomplete rows are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)

		data, err := readInput(args[0])
		if err != nil {
			return fmt.Errorf("failed to read CSV: %w", err)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequirePostgres(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		created, skipped, err := loadCountriesCSV(ctx, store, data)
		if err != nil {
			return err
		}
		log.Info("countries loaded", "created", created, "skipped", skipped)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose mode - show debug logs")

	serveCmd.Flags().StringVar(&listenAddr, "listen", defaultListenAddr, "address to listen on for the HTTP API")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics, empty disables")

	schedulerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics, empty disables")
	schedulerCmd.Flags().DurationVar(&sleepFlag, "sleep", 0, "pause between scheduler passes (default from SCHEDULER_SLEEP_DURATION)")
	schedulerCmd.Flags().DurationVar(&idleWorkerFlag, "workers-since", 0, "how long a worker must be silent before it is idle (default from IDLE_WORKER_DURATION)")
	schedulerCmd.Flags().DurationVar(&expireTestFlag, "expire-tests-since", 0, "how long a PENDING test may wait before it is MISSED (default from EXPIRE_TEST_DURATION)")

	updateMirrorsCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the changes without touching the registry")

	updateMirrorCmd.Flags().BoolVar(&enableMirror, "enable", false, "enable the mirror")
	updateMirrorCmd.Flags().BoolVar(&disableMirror, "disable", false, "disable the mirror")
	updateMirrorCmd.Flags().StringSliceVar(&regions, "regions", nil, "region codes whose countries the mirror also serves, an empty value clears the list")

	createWorkerCmd.Flags().StringSliceVar(&countries, "countries", nil, "ISO 3166-1 alpha-2 codes to assign to the worker")

	updateWorkerCmd.Flags().StringSliceVar(&countries, "countries", nil, "ISO 3166-1 alpha-2 codes to assign to the worker")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(updateMirrorsCmd)
	rootCmd.AddCommand(updateMirrorCmd)
	rootCmd.AddCommand(createWorkerCmd)
	rootCmd.AddCommand(updateWorkerCmd)
	rootCmd.AddCommand(listWorkersCmd)
	rootCmd.AddCommand(createCountriesCmd)
}

func main() {
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, log *slog.Logger, cfg config.Config) (*db.Store, error) {
	if err := db.Migrate(log, cfg.PostgresURI); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	store, err := db.Connect(ctx, log, cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return store, nil
}

func syncMirrors(ctx context.Context, log *slog.Logger, store *db.Store, cfg config.Config) error {
	crawler, err := reconciler.NewCrawler(log, cfg.MirrorsListURL, cfg.ExcludedMirrors)
	if err != nil {
		return err
	}
	fresh, err := crawler.Crawl(ctx)
	if err != nil {
		return err
	}
	result, err := reconciler.Reconcile(ctx, log, store, fresh)
	if err != nil {
		return err
	}
	log.Info("mirrors reconciled", "added", len(result.Added), "disabled", len(result.Disabled))
	return nil
}

// planMirrorDiff computes what Reconcile would change, without writing.
func planMirrorDiff(ctx context.Context, store *db.Store, fresh []reconciler.CrawledMirror) ([][]string, error) {
	stored, err := store.ListMirrors(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]db.Mirror, len(stored))
	for _, m := range stored {
		known[m.ID] = m
	}

	var rows [][]string
	seen := make(map[string]struct{}, len(fresh))
	for _, cm := range fresh {
		if _, dup := seen[cm.ID]; dup {
			continue
		}
		seen[cm.ID] = struct{}{}
		if m, ok := known[cm.ID]; !ok || !m.Enabled {
			rows = append(rows, []string{cm.ID, cm.Country.Code, "enable"})
		}
	}
	for _, m := range stored {
		if _, ok := seen[m.ID]; !ok && m.Enabled {
			rows = append(rows, []string{m.ID, countryOf(m), "disable"})
		}
	}
	return rows, nil
}

func printMirrorDiff(rows [][]string) {
	if len(rows) == 0 {
		fmt.Println("registry is up to date")
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeader([]string{"Mirror", "Country", "Action"})
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}

func countryOf(m db.Mirror) string {
	if m.CountryCode == nil {
		return ""
	}
	return *m.CountryCode
}

// countryRecords validates ISO codes and resolves their names.
func countryRecords(codes []string) ([]db.Country, error) {
	out := make([]db.Country, 0, len(codes))
	for _, code := range codes {
		loc, ok := locations.ByCode(code)
		if !ok {
			return nil, fmt.Errorf("%s is not a valid country code", code)
		}
		out = append(out, db.Country{Code: loc.Code, Name: loc.Name})
	}
	return out, nil
}

func loadCountriesCSV(ctx context.Context, store *db.Store, data []byte) (created, skipped int, err error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	err = store.InTx(ctx, func(tx *db.Store) error {
		for line := 0; ; line++ {
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to parse CSV: %w", err)
			}
			if line == 0 && len(record) > 0 && record[0] == "country_iso_code" {
				continue // header
			}
			if len(record) < 2 || record[0] == "" || record[1] == "" {
				skipped++
				continue
			}

			country := db.Country{
				Code: strings.ToLower(record[0]),
				Name: record[1],
			}
			if len(record) >= 4 && record[2] != "" && record[3] != "" {
				regionCode := strings.ToLower(record[2])
				if err := tx.CreateRegion(ctx, db.Region{Code: regionCode, Name: record[3]}); err != nil {
					return err
				}
				country.RegionCode = &regionCode
			}
			if err := tx.CreateCountry(ctx, country); err != nil {
				return err
			}
			created++
		}
	})
	if err != nil {
		return 0, 0, err
	}
	return created, skipped, nil
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func startMetricsServer(log *slog.Logger, addr string) {
	if addr == "" {
		return
	}
	server.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
			os.Exit(1)
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		http.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, nil); err != nil {
			log.Error("failed to start prometheus metrics server", "error", err)
			os.Exit(1)
		}
	}()
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
