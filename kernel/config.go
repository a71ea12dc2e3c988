package kernel

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/op/go-logging"
)

// Config sizes the simulated machine.
type Config struct {
	NCPU       int    `json:"ncpu"`
	NPROC      int    `json:"nproc"`
	PhysPages  int    `json:"phys_pages"`
	Scheduler  string `json:"scheduler"`
	TickMillis int    `json:"tick_ms"`
	COW        bool   `json:"cow"`
	COWDebug   bool   `json:"cow_debug"`
	LogLevel   string `json:"log_level"`
	LogFile    string `json:"log_file"`
}

func DefaultConfig() Config {
	return Config{
		NCPU:       3,
		NPROC:      64,
		PhysPages:  2048,
		Scheduler:  "rr",
		TickMillis: 10,
		COW:        true,
		LogLevel:   "INFO",
	}
}

// LoadConfig reads a JSON config over the defaults, then applies the
// XV6_NCPU, XV6_SCHEDULER and XV6_LOG_LEVEL environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("XV6_NCPU"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("XV6_NCPU=%q: %w", v, err)
		}
		c.NCPU = n
	}
	if v, ok := os.LookupEnv("XV6_SCHEDULER"); ok {
		c.Scheduler = v
	}
	if v, ok := os.LookupEnv("XV6_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return nil
}

// Validate rejects configurations the kernel cannot boot with.
func (c Config) Validate() error {
	if c.NCPU < 1 || c.NCPU > 64 {
		return fmt.Errorf("config: ncpu %d out of range [1, 64]: %w", c.NCPU, EINVAL)
	}
	if c.NPROC < 2 {
		return fmt.Errorf("config: nproc %d, need at least 2: %w", c.NPROC, EINVAL)
	}
	if c.PhysPages < 16 {
		return fmt.Errorf("config: phys_pages %d, need at least 16: %w", c.PhysPages, EINVAL)
	}
	if c.TickMillis < 1 {
		return fmt.Errorf("config: tick_ms %d: %w", c.TickMillis, EINVAL)
	}
	if _, err := ParsePolicy(c.Scheduler); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logging.LogLevel(strings.ToUpper(c.LogLevel)); err != nil {
		return fmt.Errorf("config: log_level %q: %w", c.LogLevel, EINVAL)
	}
	return nil
}

func (c Config) tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}
