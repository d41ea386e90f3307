package manager

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultSleepDuration       = time.Hour
	DefaultWorkdir             = "/data"
	DefaultPrivateKeyFile      = "/etc/ssh/keys/id_rsa"
	DefaultRequestsTimeout     = 30 * time.Second
	DefaultDockerSocket        = "/var/run/docker.sock"
	DefaultDockerTimeout       = 3 * time.Minute
	DefaultDockerRetries       = 3
	DefaultDockerRetryInterval = 5 * time.Second

	DefaultWireguardImage         = "lscr.io/linuxserver/wireguard:latest"
	DefaultWireguardContainerName = "wireguard"
	DefaultWireguardKernelModules = "/lib/modules"
	DefaultHealthcheckInterval    = 10 * time.Second
	DefaultHealthcheckTimeout     = 5 * time.Second
	DefaultHealthcheckRetries     = 3
)

// Config carries every manager setting sourced from the environment.
type Config struct {
	// BackendURI is the base URL of the backend HTTP API.
	BackendURI string

	// PrivateKeyFile holds the RSA key that signs the auth handshake.
	PrivateKeyFile string

	// Workdir is the in-container directory holding VPN configuration
	// files and per-worker scratch space. It must be a bind mount so the
	// tunnel and task containers can share it through host paths.
	Workdir string

	SleepDuration time.Duration

	// RequestsTimeout bounds each HTTP request to the backend.
	RequestsTimeout time.Duration

	DockerSocket        string
	DockerTimeout       time.Duration
	DockerRetries       int
	DockerRetryInterval time.Duration

	WireguardImage         string
	WireguardContainerName string
	WireguardKernelModules string
	HealthcheckInterval    time.Duration
	HealthcheckTimeout     time.Duration
	HealthcheckRetries     int

	TaskWorkerImage string

	// TestFilePath is the object fetched from each mirror, joined onto
	// the mirror's base URL.
	TestFilePath string

	Clock clockwork.Clock
}

// LoadConfig reads the environment, honoring a .env file when present.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BackendURI:             os.Getenv("BACKEND_API_URI"),
		PrivateKeyFile:         envString("PRIVATE_KEY_FILE", DefaultPrivateKeyFile),
		Workdir:                envString("WORKDIR", DefaultWorkdir),
		DockerSocket:           envString("DOCKER_SOCKET", DefaultDockerSocket),
		WireguardImage:         envString("WIREGUARD_IMAGE", DefaultWireguardImage),
		WireguardContainerName: envString("WIREGUARD_CONTAINER_NAME", DefaultWireguardContainerName),
		WireguardKernelModules: envString("WIREGUARD_KERNEL_MODULES", DefaultWireguardKernelModules),
		TaskWorkerImage:        os.Getenv("TASK_WORKER_IMAGE"),
		TestFilePath:           os.Getenv("TEST_FILE_PATH"),
	}

	var err error
	if cfg.SleepDuration, err = envDuration("SLEEP_DURATION", DefaultSleepDuration); err != nil {
		return Config{}, err
	}
	if cfg.RequestsTimeout, err = envDuration("REQUESTS_TIMEOUT", DefaultRequestsTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DockerTimeout, err = envDuration("DOCKER_CLIENT_TIMEOUT", DefaultDockerTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DockerRetries, err = envInt("DOCKER_API_RETRIES", DefaultDockerRetries); err != nil {
		return Config{}, err
	}
	if cfg.DockerRetryInterval, err = envDuration("DOCKER_API_RETRY_DURATION", DefaultDockerRetryInterval); err != nil {
		return Config{}, err
	}
	if cfg.HealthcheckInterval, err = envDuration("WIREGUARD_HEALTHCHECK_INTERVAL", DefaultHealthcheckInterval); err != nil {
		return Config{}, err
	}
	if cfg.HealthcheckTimeout, err = envDuration("WIREGUARD_HEALTHCHECK_TIMEOUT", DefaultHealthcheckTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HealthcheckRetries, err = envInt("WIREGUARD_HEALTHCHECK_RETRIES", DefaultHealthcheckRetries); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks required settings and fills defaults for the rest.
func (c *Config) Validate() error {
	if c.BackendURI == "" {
		return fmt.Errorf("BACKEND_API_URI is required")
	}
	if c.TaskWorkerImage == "" {
		return fmt.Errorf("TASK_WORKER_IMAGE is required")
	}
	if c.TestFilePath == "" {
		return fmt.Errorf("TEST_FILE_PATH is required")
	}
	if c.PrivateKeyFile == "" {
		c.PrivateKeyFile = DefaultPrivateKeyFile
	}
	if c.Workdir == "" {
		c.Workdir = DefaultWorkdir
	}
	if c.SleepDuration <= 0 {
		c.SleepDuration = DefaultSleepDuration
	}
	if c.RequestsTimeout <= 0 {
		c.RequestsTimeout = DefaultRequestsTimeout
	}
	if c.DockerSocket == "" {
		c.DockerSocket = DefaultDockerSocket
	}
	if c.DockerTimeout <= 0 {
		c.DockerTimeout = DefaultDockerTimeout
	}
	if c.DockerRetries < 0 {
		c.DockerRetries = DefaultDockerRetries
	}
	if c.DockerRetryInterval <= 0 {
		c.DockerRetryInterval = DefaultDockerRetryInterval
	}
	if c.WireguardImage == "" {
		c.WireguardImage = DefaultWireguardImage
	}
	if c.WireguardContainerName == "" {
		c.WireguardContainerName = DefaultWireguardContainerName
	}
	if c.HealthcheckInterval <= 0 {
		c.HealthcheckInterval = DefaultHealthcheckInterval
	}
	if c.HealthcheckTimeout <= 0 {
		c.HealthcheckTimeout = DefaultHealthcheckTimeout
	}
	if c.HealthcheckRetries <= 0 {
		c.HealthcheckRetries = DefaultHealthcheckRetries
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
