package local

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/openfroyo/rollout/pkg/hardware"
)

// FactSource reports runtime facts about the machine.
type FactSource interface {
	Facts(ctx context.Context) (map[string]string, error)
}

// SystemFacts reads facts through gopsutil.
type SystemFacts struct {
	Hardware hardware.Reader
}

// Facts implements FactSource.
func (s SystemFacts) Facts(ctx context.Context) (map[string]string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}
	facts := map[string]string{
		"hostname":              info.Hostname,
		"os":                    info.OS,
		"platform":              info.Platform,
		"platform_family":       info.PlatformFamily,
		"platform_version":      info.PlatformVersion,
		"kernel_version":        info.KernelVersion,
		"kernel_arch":           info.KernelArch,
		"virtualization_system": info.VirtualizationSystem,
	}

	reader := s.Hardware
	if reader == nil {
		reader = hardware.SystemReader{}
	}
	cores, memMB, err := reader.Read(ctx)
	if err != nil {
		return nil, err
	}
	facts["cpu_count"] = strconv.Itoa(cores)
	facts["memory_mb"] = strconv.FormatInt(memMB, 10)
	return facts, nil
}

// ServiceReader reports the state of a named service.
type ServiceReader interface {
	State(ctx context.Context, name string) (string, error)
}

// SystemdReader asks systemctl for service states.
type SystemdReader struct {
	// Systemctl defaults to "systemctl".
	Systemctl string
}

// State returns the output of "systemctl is-active", e.g. "active" or
// "inactive". It is "unknown" when systemctl prints nothing.
func (r SystemdReader) State(ctx context.Context, name string) (string, error) {
	bin := r.Systemctl
	if bin == "" {
		bin = "systemctl"
	}
	// is-active exits non-zero for anything but active; the state is on stdout.
	out, err := exec.CommandContext(ctx, bin, "is-active", name).Output()
	state := strings.TrimSpace(string(out))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("failed to run %s: %w", bin, err)
		}
	}
	if state == "" {
		return "unknown", nil
	}
	return state, nil
}
