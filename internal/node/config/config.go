// Package config resolves the node runner's environment-variable
// configuration into typed values the rest of the node packages need.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the resolved set of node runner settings.
type Config struct {
	GatewayURL        string        // GATEWAY_URL — orchestrator WebSocket endpoint
	NodeID            string        // NODE_ID — this node's stable identity
	VendorWSURL       string        // LAIXI_WS_URL — vendor daemon endpoint
	VendorExePath     string        // LAIXI_EXE_PATH — vendor daemon executable, for relaunch
	VendorProcessName string        // LAIXI_PROCESS_NAME — process to kill before relaunch; defaults from VendorExePath
	VendorContainer   string        // LAIXI_CONTAINER_NAME — non-empty selects Docker container-mode healing instead
	DockerSocket      string        // LAIXI_DOCKER_SOCKET — optional override of the Docker daemon socket path
	HeartbeatInterval time.Duration // HEARTBEAT_INTERVAL — e.g. "30s"; 0 lets the heartbeat package apply its own default
	Version           string        // NODE_VERSION — reported in HELLO unless cmd/node has a version set via -ldflags; defaults to "dev"
	Capabilities      []string      // NODE_CAPABILITIES — comma-separated, e.g. "android,ios"
}

// Load resolves Config from the environment, returning an error if a
// required variable is missing.
func Load() (Config, error) {
	cfg := Config{
		GatewayURL:      os.Getenv("GATEWAY_URL"),
		NodeID:          os.Getenv("NODE_ID"),
		VendorWSURL:     os.Getenv("LAIXI_WS_URL"),
		VendorExePath:   os.Getenv("LAIXI_EXE_PATH"),
		VendorContainer: os.Getenv("LAIXI_CONTAINER_NAME"),
		DockerSocket:    os.Getenv("LAIXI_DOCKER_SOCKET"),
		Version:         envOrDefault("NODE_VERSION", "dev"),
	}

	for _, required := range [][2]string{
		{"GATEWAY_URL", cfg.GatewayURL},
		{"NODE_ID", cfg.NodeID},
		{"LAIXI_WS_URL", cfg.VendorWSURL},
	} {
		if required[1] == "" {
			return Config{}, fmt.Errorf("config: %s is required", required[0])
		}
	}

	cfg.VendorProcessName = envOrDefault("LAIXI_PROCESS_NAME", processNameFromPath(cfg.VendorExePath))

	if raw := os.Getenv("HEARTBEAT_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid HEARTBEAT_INTERVAL %q: %w", raw, err)
		}
		cfg.HeartbeatInterval = d
	}

	if raw := os.Getenv("NODE_CAPABILITIES"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Capabilities = append(cfg.Capabilities, c)
			}
		}
	}

	return cfg, nil
}

func processNameFromPath(path string) string {
	if path == "" {
		return ""
	}
	i := strings.LastIndexAny(path, `/\`)
	return path[i+1:]
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
