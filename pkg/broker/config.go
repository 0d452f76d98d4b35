package broker

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"
)

// Config holds broker configuration. Zero values are filled in by
// ApplyDefaults with capacities derived from the host.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxInterpreters is the global interpreter cap (Nmax).
	MaxInterpreters int `yaml:"max_interpreters"`
	// PerClient is the interpreters-per-client cap (Cmax).
	PerClient int `yaml:"interpreters_per_client"`
	// WorkerThreads is the number of dispatcher goroutines (W).
	WorkerThreads int `yaml:"worker_threads"`
	// QueueSize bounds the request queue (Q).
	QueueSize int `yaml:"queue_size"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields:
//
//	Nmax = min(max(2, cpus-1), 8)
//	Cmax = 1
//	W    = max(2, 2*Nmax)
//	Q    = W
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 5556
	}
	if c.MaxInterpreters == 0 {
		c.MaxInterpreters = deriveMaxInterpreters(logicalCPUs())
	}
	if c.PerClient == 0 {
		c.PerClient = 1
	}
	if c.WorkerThreads == 0 {
		c.WorkerThreads = 2 * c.MaxInterpreters
		if c.WorkerThreads < 2 {
			c.WorkerThreads = 2
		}
	}
	if c.QueueSize == 0 {
		// The queue never holds more backlog than the worker threads can
		// absorb in one tick.
		c.QueueSize = c.WorkerThreads
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Endpoint returns the socket bind address.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

func deriveMaxInterpreters(cpus int) int {
	n := cpus - 1
	if n < 2 {
		n = 2
	}
	if n > 8 {
		n = 8
	}
	return n
}

func logicalCPUs() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
