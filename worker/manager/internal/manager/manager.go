// Package manager implements the per-site agent that turns scheduled tests
// into measurements. It authenticates against the backend with a signed
// handshake, keeps a WireGuard tunnel pointed at whichever country each test
// requires and runs one measurement task container per test inside that
// tunnel's network namespace.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"github.com/openzim/mirrors-qa/backend/pkg/api"
	"github.com/openzim/mirrors-qa/backend/pkg/locations"
	"github.com/openzim/mirrors-qa/worker/task/pkg/probe"
)

const (
	// taskContainerPrefix names measurement containers after their test.
	taskContainerPrefix = "task-worker-"

	// teardownTimeout bounds container cleanup once the run context is
	// already gone.
	teardownTimeout = time.Minute
)

// backendAPI is the backend surface the control loop consumes.
type backendAPI interface {
	PutWorkerCountries(ctx context.Context, countryCodes []string) ([]api.Country, error)
	ListPendingTests(ctx context.Context) ([]api.Test, error)
	PatchTest(ctx context.Context, testID string, update api.UpdateTestRequest) (*api.Test, error)
}

// tunnelAPI is the tunnel surface the control loop drives.
type tunnelAPI interface {
	Start(ctx context.Context, confPath string) error
	Healthcheck(ctx context.Context) (*EgressDescriptor, error)
	EnsureHealthy(ctx context.Context, confPaths []string) (*EgressDescriptor, error)
	Stop(ctx context.Context) error
}

// taskRuntime is the slice of the Docker runtime the control loop uses for
// measurement containers.
type taskRuntime interface {
	StartContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error)
	WaitContainer(ctx context.Context, id string) (int64, error)
	RemoveContainer(ctx context.Context, name string) error
	Close() error
}

// Manager is the long-running control loop of one measurement site.
type Manager struct {
	log      *slog.Logger
	cfg      Config
	workerID string

	backend backendAPI
	tunnel  tunnelAPI
	runtime taskRuntime

	// instanceDir is this worker's scratch space under the workdir; task
	// containers write their metrics records there.
	instanceDir string
	// hostInstanceDir is instanceDir as seen from the host, for binds.
	hostInstanceDir string

	// taskContainers tracks measurement containers that may still be
	// running, so teardown can reap them.
	taskContainers map[string]struct{}
}

// New wires up a manager: it loads the signing key, connects to the Docker
// daemon, resolves the host-side paths of the workdir binds and prepares
// this worker's scratch space. It refuses to start when the workdir holds no
// VPN configuration files at all.
func New(ctx context.Context, log *slog.Logger, workerID string, cfg Config) (*Manager, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	signer, err := LoadSigner(cfg.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	log.Info("loaded signing key", "fingerprint", signer.Fingerprint())

	client, err := NewClient(log, cfg, workerID, signer)
	if err != nil {
		return nil, err
	}

	runtime, err := NewRuntime(ctx, log, cfg)
	if err != nil {
		return nil, err
	}

	instanceDir := filepath.Join(cfg.Workdir, workerID)
	wgConfigDir := filepath.Join(instanceDir, "wireguard")
	confsDir := filepath.Join(wgConfigDir, "wg_confs")
	if err := os.MkdirAll(confsDir, 0o755); err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}

	if configs, err := availableConfigs(cfg.Workdir); err != nil {
		_ = runtime.Close()
		return nil, err
	} else if len(configs) == 0 {
		_ = runtime.Close()
		return nil, fmt.Errorf("no wireguard configuration file found in %s", cfg.Workdir)
	}

	// Sibling containers bind host paths, not this container's paths.
	// Resolve the workdir and kernel-modules binds through our own
	// container; outside a container the local paths are used as-is.
	hostMounts := map[string]string{}
	if name, err := runningContainerName(); err == nil {
		hostMounts, err = runtime.HostMounts(ctx, name, []string{cfg.Workdir, cfg.WireguardKernelModules})
		if err != nil {
			log.Debug("not running inside a container, using local paths for binds", "error", err)
			hostMounts = map[string]string{}
		}
	}
	hostModulesDir := hostMounts[cfg.WireguardKernelModules]

	m := &Manager{
		log:            log,
		cfg:            cfg,
		workerID:       workerID,
		backend:        client,
		runtime:        runtime,
		instanceDir:    instanceDir,
		taskContainers: make(map[string]struct{}),
	}
	m.hostInstanceDir = hostPath(hostMounts, cfg.Workdir, instanceDir)
	m.tunnel = NewTunnel(log, runtime, cfg, confsDir, hostPath(hostMounts, cfg.Workdir, wgConfigDir), hostModulesDir)
	return m, nil
}

// Run starts the tunnel on the first available config and serves the control
// loop until ctx is canceled. Teardown is best-effort: the backend recovers
// tests a dead worker left behind by expiring them.
func (m *Manager) Run(ctx context.Context) error {
	configs, err := availableConfigs(m.cfg.Workdir)
	if err != nil {
		m.teardown()
		return err
	}
	if len(configs) == 0 {
		m.teardown()
		return fmt.Errorf("no wireguard configuration file found in %s", m.cfg.Workdir)
	}

	m.log.Info("starting tunnel", "config", filepath.Base(configs[0]), "available_configs", len(configs))
	if err := m.tunnel.Start(ctx, configs[0]); err != nil {
		m.teardown()
		return err
	}

	if err := m.tick(ctx); err != nil && ctx.Err() == nil {
		m.log.Error("tick failed", "error", err)
	}

	ticker := m.cfg.Clock.NewTicker(m.cfg.SleepDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("shutting down")
			m.teardown()
			return nil
		case <-ticker.Chan():
			if err := m.tick(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("tick failed", "error", err)
			}
		}
	}
}

// tick is one pass of the control loop: heal the tunnel, announce countries,
// fetch pending tests and process them in order. Failures of individual
// tests are logged and skipped; the test stays PENDING until the backend
// expires it.
func (m *Manager) tick(ctx context.Context) error {
	configs, err := availableConfigs(m.cfg.Workdir)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return fmt.Errorf("no wireguard configuration file found in %s", m.cfg.Workdir)
	}

	if _, err := m.tunnel.Healthcheck(ctx); err != nil {
		m.log.Warn("tunnel unhealthy, cycling through available configs", "error", err)
		if _, err := m.tunnel.EnsureHealthy(ctx, configs); err != nil {
			return fmt.Errorf("unable to restore tunnel: %w", err)
		}
	}

	countryCodes := configCountryCodes(configs)
	if len(countryCodes) == 0 {
		m.log.Warn("no country code could be inferred from configuration files")
	} else {
		countries, err := m.backend.PutWorkerCountries(ctx, countryCodes)
		if err != nil {
			return err
		}
		m.log.Info("announced worker countries", "countries", len(countries))
	}

	tests, err := m.backend.ListPendingTests(ctx)
	if err != nil {
		return err
	}
	if len(tests) == 0 {
		m.log.Info("no pending test")
		return nil
	}
	m.log.Info("fetched pending tests", "tests", len(tests))

	for _, test := range tests {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.processTest(ctx, test); err != nil {
			m.log.Error("skipping test", "test", test.ID, "country", test.CountryCode, "error", err)
		}
	}
	return nil
}

// processTest points the tunnel at the test's country, runs the measurement
// task through it and uploads the merged result. The task's output file is
// deleted whatever the outcome.
func (m *Manager) processTest(ctx context.Context, test api.Test) error {
	configs, err := availableConfigs(m.cfg.Workdir)
	if err != nil {
		return err
	}
	candidates := candidateConfigs(configs, test.CountryCode)
	if len(candidates) == 0 {
		return fmt.Errorf("no configuration file for country %q", test.CountryCode)
	}
	// Spread load across the country's endpoints.
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	outputPath := filepath.Join(m.instanceDir, test.ID+".json")
	defer func() {
		if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to delete task output", "path", outputPath, "error", err)
		}
	}()

	m.log.Info("pointing tunnel at requested country", "test", test.ID, "country", test.CountryCode)
	egress, err := m.tunnel.EnsureHealthy(ctx, candidates)
	if err != nil {
		return fmt.Errorf("failed to reconfigure tunnel for country %q: %w", test.CountryCode, err)
	}

	metrics, err := m.runTask(ctx, test, outputPath)
	if err != nil {
		return err
	}

	updated, err := m.backend.PatchTest(ctx, test.ID, mergeResult(*metrics, egress))
	if err != nil {
		return fmt.Errorf("failed to upload result: %w", err)
	}
	m.log.Info("uploaded test result", "test", test.ID, "status", updated.Status)
	return nil
}

// runTask executes one measurement container inside the tunnel's network
// namespace and returns the metrics record it wrote to outputPath.
func (m *Manager) runTask(ctx context.Context, test api.Test, outputPath string) (*probe.Metrics, error) {
	name := taskContainerPrefix + test.ID
	// A crashed earlier run may have left the name behind.
	if err := m.runtime.RemoveContainer(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to remove stale task container: %w", err)
	}

	testFileURL := joinURL(test.MirrorURL, m.cfg.TestFilePath)
	m.log.Info("starting measurement task", "test", test.ID, "url", testFileURL)

	m.taskContainers[name] = struct{}{}
	id, err := m.runtime.StartContainer(ctx, name,
		&container.Config{
			Image: m.cfg.TaskWorkerImage,
			Cmd:   []string{"run", testFileURL, "--output=" + filepath.Base(outputPath)},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: m.hostInstanceDir, Target: DefaultWorkdir},
			},
			// Sharing the tunnel's namespace makes the download egress
			// through the requested country.
			NetworkMode: container.NetworkMode("container:" + m.cfg.WireguardContainerName),
		})
	if err != nil {
		return nil, fmt.Errorf("failed to start task container: %w", err)
	}

	exitCode, waitErr := m.runtime.WaitContainer(ctx, id)
	if err := m.runtime.RemoveContainer(ctx, name); err != nil {
		m.log.Error("failed to remove task container", "container", name, "error", err)
	} else {
		delete(m.taskContainers, name)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("failed to wait for task container: %w", waitErr)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("task container exited with status %d", exitCode)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read task output: %w", err)
	}
	var metrics probe.Metrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, fmt.Errorf("failed to parse task output: %w", err)
	}
	return &metrics, nil
}

// teardown removes the tunnel and any task container still around, then
// closes the Docker client. The run context is gone by now, so cleanup gets
// its own deadline.
func (m *Manager) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := m.tunnel.Stop(ctx); err != nil {
		m.log.Error("failed to remove tunnel container", "error", err)
	}
	for name := range m.taskContainers {
		if err := m.runtime.RemoveContainer(ctx, name); err != nil {
			m.log.Error("failed to remove task container", "container", name, "error", err)
		}
	}
	if err := m.runtime.Close(); err != nil {
		m.log.Error("failed to close docker client", "error", err)
	}
}

// mergeResult builds the backend update from the task metrics and the
// tunnel's egress descriptor. The egress observation wins for identity
// fields: it reports where traffic actually left, while the task only knows
// what it downloaded.
func mergeResult(metrics probe.Metrics, egress *EgressDescriptor) api.UpdateTestRequest {
	update := api.UpdateTestRequest{
		Status:       &metrics.Status,
		StartedOn:    &metrics.StartedOn,
		Latency:      &metrics.Latency,
		DownloadSize: &metrics.DownloadSize,
		Duration:     &metrics.Duration,
		Speed:        &metrics.Speed,
		Error:        metrics.Error,
	}
	if egress.IP != "" {
		update.IPAddress = &egress.IP
	}
	if egress.City != "" {
		update.City = &egress.City
	}
	if egress.Organization != "" {
		update.ISP = &egress.Organization
	}
	return update
}

// availableConfigs lists the VPN configuration files present in dir.
func availableConfigs(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.conf"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for configuration files: %w", dir, err)
	}
	return paths, nil
}

// configCountry extracts the ISO country code a config filename declares:
// "<cc>.conf" or "<cc>-<endpoint>.conf". Returns false for anything else.
func configCountry(path string) (string, bool) {
	stem := strings.TrimSuffix(filepath.Base(path), ".conf")
	var code string
	switch {
	case len(stem) == 2:
		code = stem
	case len(stem) > 2 && stem[2] == '-':
		code = stem[:2]
	default:
		return "", false
	}
	code = strings.ToLower(code)
	if !locations.IsValidCode(code) {
		return "", false
	}
	return code, true
}

// configCountryCodes returns the distinct countries the given config files
// declare, sorted.
func configCountryCodes(paths []string) []string {
	seen := make(map[string]struct{})
	for _, path := range paths {
		if code, ok := configCountry(path); ok {
			seen[code] = struct{}{}
		}
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// candidateConfigs filters paths down to those declaring countryCode.
func candidateConfigs(paths []string, countryCode string) []string {
	want := strings.ToLower(countryCode)
	var matches []string
	for _, path := range paths {
		if code, ok := configCountry(path); ok && code == want {
			matches = append(matches, path)
		}
	}
	return matches
}

// joinURL joins a mirror base URL and the test file path with exactly one
// slash.
func joinURL(baseURL, filePath string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(filePath, "/")
}

// hostPath translates a path under the in-container workdir into the
// corresponding host path, falling back to the path itself when the workdir
// is not a bind mount.
func hostPath(hostMounts map[string]string, workdir, path string) string {
	hostWorkdir, ok := hostMounts[workdir]
	if !ok {
		return path
	}
	rel, err := filepath.Rel(workdir, path)
	if err != nil {
		return path
	}
	return filepath.Join(hostWorkdir, rel)
}

// runningContainerName reports the name of the container this process runs
// in. Docker seeds /etc/hostname with the container name or ID.
func runningContainerName() (string, error) {
	data, err := os.ReadFile("/etc/hostname")
	if err != nil {
		return "", fmt.Errorf("failed to read /etc/hostname: %w", err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", errors.New("empty /etc/hostname")
	}
	return name, nil
}
