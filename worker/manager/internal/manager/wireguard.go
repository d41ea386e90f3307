package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
)

const (
	// wgInterface is the interface name the tunnel image manages; its
	// config must be staged as <confsDir>/wg0.conf.
	wgInterface = "wg0"

	// wgPort is the WireGuard listen port inside the tunnel container.
	// The host side is assigned at random by the daemon.
	wgPort = "51820/udp"

	// egressProbeURL echoes the geo-IP identity of whoever fetches it.
	egressProbeURL = "https://am.i.mullvad.net/json"
)

// EgressDescriptor is the geo-IP echo fetched through the tunnel: the
// authoritative view of where measurement traffic actually exits.
type EgressDescriptor struct {
	IP            string  `json:"ip"`
	Country       string  `json:"country"`
	City          string  `json:"city"`
	Longitude     float64 `json:"longitude"`
	Latitude      float64 `json:"latitude"`
	Organization  string  `json:"organization"`
	MullvadExitIP bool    `json:"mullvad_exit_ip"`
}

// containerRuntime is the slice of the Docker runtime the tunnel drives.
type containerRuntime interface {
	StartContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error)
	RemoveContainer(ctx context.Context, name string) error
	Exec(ctx context.Context, containerName string, cmd []string) ([]byte, error)
}

// Tunnel manages the WireGuard container all measurements run through.
// Pointing it at another country is a matter of staging that country's
// config file and cycling the interface.
type Tunnel struct {
	log     *slog.Logger
	runtime containerRuntime
	cfg     Config

	// confsDir is where the tunnel image reads wg0.conf from; it must be
	// inside the /config bind.
	confsDir string
	// hostConfigDir and hostModulesDir are host-side paths for the
	// container binds. An empty hostModulesDir skips the modules mount.
	hostConfigDir  string
	hostModulesDir string
}

// NewTunnel wires a tunnel around the given runtime. confsDir is the local
// staging directory; hostConfigDir is its parent as seen from the host.
func NewTunnel(log *slog.Logger, runtime containerRuntime, cfg Config, confsDir, hostConfigDir, hostModulesDir string) *Tunnel {
	return &Tunnel{
		log:            log,
		runtime:        runtime,
		cfg:            cfg,
		confsDir:       confsDir,
		hostConfigDir:  hostConfigDir,
		hostModulesDir: hostModulesDir,
	}
}

func egressProbeCmd() []string {
	return []string{"curl", "--interface", wgInterface, "-s", egressProbeURL}
}

// Start replaces any stale tunnel container with a fresh one booted on the
// given config file. The image brings wg0 up on boot with the staged config.
func (t *Tunnel) Start(ctx context.Context, confPath string) error {
	if err := t.runtime.RemoveContainer(ctx, t.cfg.WireguardContainerName); err != nil {
		return fmt.Errorf("failed to remove stale tunnel container: %w", err)
	}
	if err := t.stageConf(confPath); err != nil {
		return err
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: t.hostConfigDir, Target: "/config"},
	}
	if t.hostModulesDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: t.hostModulesDir, Target: "/lib/modules"})
	}

	_, err := t.runtime.StartContainer(ctx, t.cfg.WireguardContainerName,
		&container.Config{
			Image:        t.cfg.WireguardImage,
			Env:          []string{"PUID=1000", "PGID=1000", "TZ=Etc/UTC"},
			ExposedPorts: nat.PortSet{wgPort: struct{}{}},
			Healthcheck: &container.HealthConfig{
				Test:     append([]string{"CMD"}, egressProbeCmd()...),
				Interval: t.cfg.HealthcheckInterval,
				Timeout:  t.cfg.HealthcheckTimeout,
				Retries:  t.cfg.HealthcheckRetries,
			},
		},
		&container.HostConfig{
			CapAdd:  []string{"NET_ADMIN", "SYS_MODULE"},
			Sysctls: map[string]string{"net.ipv4.conf.all.src_valid_mark": "1"},
			// An empty binding lets the daemon pick the host port.
			PortBindings: nat.PortMap{wgPort: []nat.PortBinding{{}}},
			Mounts:       mounts,
			RestartPolicy: container.RestartPolicy{
				Name:              container.RestartPolicyOnFailure,
				MaximumRetryCount: t.cfg.HealthcheckRetries,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to start tunnel container: %w", err)
	}
	t.log.Info("tunnel container started", "container", t.cfg.WireguardContainerName, "config", filepath.Base(confPath))
	return nil
}

// Healthcheck probes the geo-IP echo from inside the tunnel namespace. A nil
// error means the tunnel routes traffic; the descriptor says where it
// egresses.
func (t *Tunnel) Healthcheck(ctx context.Context) (*EgressDescriptor, error) {
	out, err := t.runtime.Exec(ctx, t.cfg.WireguardContainerName, egressProbeCmd())
	if err != nil {
		return nil, fmt.Errorf("tunnel probe failed: %w", err)
	}
	var egress EgressDescriptor
	if err := json.Unmarshal(out, &egress); err != nil {
		return nil, fmt.Errorf("failed to parse egress descriptor: %w", err)
	}
	return &egress, nil
}

// CycleInterface bounces wg0 so it picks up a newly staged config. Bringing
// the interface down fails when it is already down; that is tolerated.
func (t *Tunnel) CycleInterface(ctx context.Context) error {
	name := t.cfg.WireguardContainerName
	if _, err := t.runtime.Exec(ctx, name, []string{"wg-quick", "down", wgInterface}); err != nil {
		t.log.Debug("wireguard interface was not up", "error", err)
	}
	if _, err := t.runtime.Exec(ctx, name, []string{"wg-quick", "up", wgInterface}); err != nil {
		return fmt.Errorf("failed to bring wireguard interface up: %w", err)
	}
	return nil
}

// EnsureHealthy walks candidate configs until one yields a healthy tunnel:
// stage, cycle, probe. The first healthy config stays active and its egress
// descriptor is returned.
func (t *Tunnel) EnsureHealthy(ctx context.Context, confPaths []string) (*EgressDescriptor, error) {
	for _, confPath := range confPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := filepath.Base(confPath)
		if err := t.stageConf(confPath); err != nil {
			t.log.Warn("failed to stage wireguard config", "config", name, "error", err)
			continue
		}
		if err := t.CycleInterface(ctx); err != nil {
			t.log.Warn("failed to cycle wireguard interface", "config", name, "error", err)
			continue
		}
		egress, err := t.Healthcheck(ctx)
		if err != nil {
			t.log.Warn("tunnel unhealthy", "config", name, "error", err)
			continue
		}
		t.log.Info("tunnel healthy", "config", name, "ip", egress.IP, "country", egress.Country)
		return egress, nil
	}
	return nil, fmt.Errorf("no healthy tunnel from %d candidate config(s)", len(confPaths))
}

// Stop removes the tunnel container.
func (t *Tunnel) Stop(ctx context.Context) error {
	return t.runtime.RemoveContainer(ctx, t.cfg.WireguardContainerName)
}

// stageConf copies a country config into place as wg0.conf.
func (t *Tunnel) stageConf(confPath string) error {
	data, err := os.ReadFile(confPath)
	if err != nil {
		return fmt.Errorf("failed to read wireguard config: %w", err)
	}
	target := filepath.Join(t.confsDir, wgInterface+".conf")
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return fmt.Errorf("failed to stage wireguard config: %w", err)
	}
	return nil
}
