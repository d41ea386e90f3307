package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
)

const egressFixture = `{"ip":"185.65.134.1","country":"France","city":"Paris",` +
	`"longitude":2.35,"latitude":48.86,"mullvad_exit_ip":true,"organization":"Mullvad VPN AB"}`

func testTunnelConfig() Config {
	return Config{
		WireguardImage:         DefaultWireguardImage,
		WireguardContainerName: "wireguard",
		HealthcheckInterval:    10 * time.Second,
		HealthcheckTimeout:     5 * time.Second,
		HealthcheckRetries:     3,
	}
}

func TestTunnel_Start(t *testing.T) {
	t.Parallel()

	confsDir := t.TempDir()
	confPath := writeConf(t, t.TempDir(), "fr-paris.conf")

	var removed []string
	var gotName string
	var gotCfg *container.Config
	var gotHost *container.HostConfig

	runtime := &mockRuntime{
		RemoveContainerFunc: func(ctx context.Context, name string) error {
			removed = append(removed, name)
			return nil
		},
		StartContainerFunc: func(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
			gotName, gotCfg, gotHost = name, cfg, hostCfg
			return "cid-wg", nil
		},
	}

	tn := NewTunnel(testLogger(), runtime, testTunnelConfig(), confsDir, "/host/data/worker-1/wireguard", "/host/lib/modules")
	require.NoError(t, tn.Start(context.Background(), confPath))

	// Any stale container under the same name is replaced.
	require.Equal(t, []string{"wireguard"}, removed)
	require.Equal(t, "wireguard", gotName)

	require.Equal(t, DefaultWireguardImage, gotCfg.Image)
	require.ElementsMatch(t, []string{"PUID=1000", "PGID=1000", "TZ=Etc/UTC"}, gotCfg.Env)
	require.Contains(t, gotCfg.ExposedPorts, nat.Port("51820/udp"))
	require.Equal(t,
		[]string{"CMD", "curl", "--interface", "wg0", "-s", egressProbeURL},
		gotCfg.Healthcheck.Test)
	require.Equal(t, 10*time.Second, gotCfg.Healthcheck.Interval)
	require.Equal(t, 5*time.Second, gotCfg.Healthcheck.Timeout)
	require.Equal(t, 3, gotCfg.Healthcheck.Retries)

	require.Equal(t, []string{"NET_ADMIN", "SYS_MODULE"}, []string(gotHost.CapAdd))
	require.Equal(t, map[string]string{"net.ipv4.conf.all.src_valid_mark": "1"}, gotHost.Sysctls)
	require.Len(t, gotHost.PortBindings[nat.Port("51820/udp")], 1)
	require.Equal(t, container.RestartPolicyOnFailure, gotHost.RestartPolicy.Name)
	require.Equal(t, 3, gotHost.RestartPolicy.MaximumRetryCount)

	require.Len(t, gotHost.Mounts, 2)
	require.Equal(t, "/host/data/worker-1/wireguard", gotHost.Mounts[0].Source)
	require.Equal(t, "/config", gotHost.Mounts[0].Target)
	require.Equal(t, "/host/lib/modules", gotHost.Mounts[1].Source)
	require.Equal(t, "/lib/modules", gotHost.Mounts[1].Target)

	staged, err := os.ReadFile(filepath.Join(confsDir, "wg0.conf"))
	require.NoError(t, err)
	want, err := os.ReadFile(confPath)
	require.NoError(t, err)
	require.Equal(t, want, staged)
}

func TestTunnel_Start_WithoutKernelModules(t *testing.T) {
	t.Parallel()

	confsDir := t.TempDir()
	confPath := writeConf(t, t.TempDir(), "fr-paris.conf")

	var gotHost *container.HostConfig
	runtime := &mockRuntime{
		RemoveContainerFunc: func(ctx context.Context, name string) error { return nil },
		StartContainerFunc: func(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
			gotHost = hostCfg
			return "cid-wg", nil
		},
	}

	tn := NewTunnel(testLogger(), runtime, testTunnelConfig(), confsDir, "/host/wireguard", "")
	require.NoError(t, tn.Start(context.Background(), confPath))

	require.Len(t, gotHost.Mounts, 1)
	require.Equal(t, "/config", gotHost.Mounts[0].Target)
}

func TestTunnel_Healthcheck(t *testing.T) {
	t.Parallel()

	runtime := &mockRuntime{
		ExecFunc: func(ctx context.Context, containerName string, cmd []string) ([]byte, error) {
			require.Equal(t, "wireguard", containerName)
			require.Equal(t, []string{"curl", "--interface", "wg0", "-s", egressProbeURL}, cmd)
			return []byte(egressFixture), nil
		},
	}

	tn := NewTunnel(testLogger(), runtime, testTunnelConfig(), t.TempDir(), "/host/wireguard", "")

	egress, err := tn.Healthcheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "185.65.134.1", egress.IP)
	require.Equal(t, "France", egress.Country)
	require.Equal(t, "Paris", egress.City)
	require.InDelta(t, 2.35, egress.Longitude, 1e-9)
	require.InDelta(t, 48.86, egress.Latitude, 1e-9)
	require.Equal(t, "Mullvad VPN AB", egress.Organization)
	require.True(t, egress.MullvadExitIP)
}

func TestTunnel_Healthcheck_Errors(t *testing.T) {
	t.Parallel()

	runtime := &mockRuntime{
		ExecFunc: func(ctx context.Context, containerName string, cmd []string) ([]byte, error) {
			return nil, errors.New("exit status 28")
		},
	}
	tn := NewTunnel(testLogger(), runtime, testTunnelConfig(), t.TempDir(), "/host/wireguard", "")

	_, err := tn.Healthcheck(context.Background())
	require.ErrorContains(t, err, "tunnel probe failed")

	runtime.ExecFunc = func(ctx context.Context, containerName string, cmd []string) ([]byte, error) {
		return []byte("<html>blocked</html>"), nil
	}
	_, err = tn.Healthcheck(context.Background())
	require.ErrorContains(t, err, "failed to parse egress descriptor")
}

func TestTunnel_CycleInterface(t *testing.T) {
	t.Parallel()

	var cmds [][]string
	runtime := &mockRuntime{
		ExecFunc: func(ctx context.Context, containerName string, cmd []string) ([]byte, error) {
			cmds = append(cmds, cmd)
			// The interface is not up yet; the down command fails.
			if cmd[1] == "down" {
				return nil, errors.New("wg0 is not a WireGuard interface")
			}
			return nil, nil
		},
	}
	tn := NewTunnel(testLogger(), runtime, testTunnelConfig(), t.TempDir(), "/host/wireguard", "")

	require.NoError(t, tn.CycleInterface(context.Background()))
	require.Equal(t, [][]string{
		{"wg-quick", "down", "wg0"},
		{"wg-quick", "up", "wg0"},
	}, cmds)
}

func TestTunnel_CycleInterface_UpFailure(t *testing.T) {
	t.Parallel()

	runtime := &mockRuntime{
		ExecFunc: func(ctx context.Context, containerName string, cmd []string) ([]byte, error) {
			if cmd[1] == "up" {
				return nil, errors.New("exit status 1")
			}
			return nil, nil
		},
	}
	tn := NewTunnel(testLogger(), runtime, testTunnelConfig(), t.TempDir(), "/host/wireguard", "")

	require.ErrorContains(t, tn.CycleInterface(context.Background()), "failed to bring wireguard interface up")
}

func TestTunnel_EnsureHealthy(t *testing.T) {
	t.Parallel()

	confsDir := t.TempDir()
	srcDir := t.TempDir()
	confA := filepath.Join(srcDir, "fr-paris.conf")
	confB := filepath.Join(srcDir, "fr-lyon.conf")
	require.NoError(t, os.WriteFile(confA, []byte("endpoint=paris"), 0o600))
	require.NoError(t, os.WriteFile(confB, []byte("endpoint=lyon"), 0o600))

	runtime := &mockRuntime{
		// Only the lyon endpoint routes traffic.
		ExecFunc: func(ctx context.Context, containerName string, cmd []string) ([]byte, error) {
			if cmd[0] == "wg-quick" {
				return nil, nil
			}
			staged, err := os.ReadFile(filepath.Join(confsDir, "wg0.conf"))
			require.NoError(t, err)
			if strings.Contains(string(staged), "lyon") {
				return []byte(egressFixture), nil
			}
			return nil, errors.New("exit status 28")
		},
	}
	tn := NewTunnel(testLogger(), runtime, testTunnelConfig(), confsDir, "/host/wireguard", "")

	egress, err := tn.EnsureHealthy(context.Background(), []string{confA, confB})
	require.NoError(t, err)
	require.Equal(t, "185.65.134.1", egress.IP)

	// The winning config stays staged.
	staged, err := os.ReadFile(filepath.Join(confsDir, "wg0.conf"))
	require.NoError(t, err)
	require.Equal(t, "endpoint=lyon", string(staged))
}

func TestTunnel_EnsureHealthy_AllUnhealthy(t *testing.T) {
	t.Parallel()

	confsDir := t.TempDir()
	confPath := writeConf(t, t.TempDir(), "fr-paris.conf")

	runtime := &mockRuntime{
		ExecFunc: func(ctx context.Context, containerName string, cmd []string) ([]byte, error) {
			if cmd[0] == "wg-quick" {
				return nil, nil
			}
			return nil, errors.New("exit status 28")
		},
	}
	tn := NewTunnel(testLogger(), runtime, testTunnelConfig(), confsDir, "/host/wireguard", "")

	_, err := tn.EnsureHealthy(context.Background(), []string{confPath})
	require.ErrorContains(t, err, fmt.Sprintf("no healthy tunnel from %d candidate config(s)", 1))
}
