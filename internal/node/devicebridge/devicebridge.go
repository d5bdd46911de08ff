// Package devicebridge enumerates attached devices and reports platform
// device-bridge (adb) liveness. Grounded on
// original_source/noderunner/executor.py's get_device_snapshot,
// get_device_count, and check_adb_status, ported from shelling out to
// `adb` via subprocess to the equivalent Go os/exec calls.
package devicebridge

import (
	"bufio"
	"context"
	"os/exec"
	"strings"

	"github.com/fleetgate/fleetgate/internal/model"
)

// Bridge lists devices and reports adb liveness by invoking the adb binary
// on PATH, matching the original's subprocess-based approach — adb itself
// is the vendor-supplied device bridge and is not reimplemented here.
type Bridge struct{}

// New builds a Bridge.
func New() *Bridge { return &Bridge{} }

// Devices returns the serials of every device adb reports as ready (not
// offline or unauthorized).
func (b *Bridge) Devices(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "adb", "devices", "-l").Output()
	if err != nil {
		return nil, err
	}
	return parseDeviceList(string(out)), nil
}

func parseDeviceList(output string) []string {
	var serials []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "List of devices") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	return serials
}

// Status reports adb's liveness by running `adb version`.
func (b *Bridge) Status(ctx context.Context) model.HealthStatus {
	if err := exec.CommandContext(ctx, "adb", "version").Run(); err != nil {
		return model.HealthError
	}
	return model.HealthOK
}
