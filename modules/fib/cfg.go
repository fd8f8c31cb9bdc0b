package fib

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fwdplane/fibd/common/go/logging"
)

// Config is the configuration of the FIB module.
type Config struct {
	// Engine selects the lookup engine: "radix", "dir" or "dxr".
	Engine string `yaml:"engine"`
	// DirectBits is the K of the DXR direct table (D20R by default).
	DirectBits int `yaml:"direct_bits"`
	// UpdateDelay is the quiet interval before batched chunk
	// recomputation after a route update.
	UpdateDelay time.Duration `yaml:"update_delay"`
	// Endpoint is the TCP address of the line-oriented control channel.
	Endpoint string `yaml:"endpoint"`
	// MetricsEndpoint, when set, serves Prometheus metrics over HTTP.
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	// ImportKernelRoutes seeds the table from the host routing table at
	// startup.
	ImportKernelRoutes bool `yaml:"import_kernel_routes"`
	// Routes is the initial route list, one "ADDR/LEN [GW] PORT" spec
	// per entry. Any malformed entry aborts configuration.
	Routes []string `yaml:"routes"`
	// Logging configures the logging subsystem.
	Logging logging.Config `yaml:"logging"`
}

// DefaultConfig returns the default module configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine:      "dxr",
		DirectBits:  20,
		UpdateDelay: 200 * time.Millisecond,
		Endpoint:    "127.0.0.1:7643",
		Logging:     *logging.DefaultConfig(),
	}
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}
