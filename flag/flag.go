package flag

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/memory"
	"github.com/sirupsen/logrus"
)

var (
	errInvalidConfig = errors.New("invalid configuration")
	errLogFormat     = errors.New("log format must be text or json")
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// Region is a physical memory region. Start and Size are sizes in the
// ParseSize format; a bare Size is in megabytes.
type Region struct {
	Start string `toml:"start"`
	Size  string `toml:"size"`
}

func (r Region) parse(name string) (memory.Region, error) {
	start, err := ParseSize(r.Start, "")
	if err != nil {
		return memory.Region{}, fmt.Errorf("%s start: %w", name, err)
	}

	size, err := ParseSize(r.Size, "m")
	if err != nil {
		return memory.Region{}, fmt.Errorf("%s size: %w", name, err)
	}

	return memory.NewRegion(name, uint64(start), uint64(size)), nil
}

// Config is the monitor's configuration, read from a TOML file.
type Config struct {
	// Harts is the number of hardware harts.
	Harts                 int    `toml:"harts"`
	ConfidentialMemory    Region `toml:"confidential_memory"`
	NonConfidentialMemory Region `toml:"non_confidential_memory"`

	MaxConfidentialVMs     int `toml:"max_confidential_vms"`
	MaxHartsPerVM          int `toml:"max_harts_per_vm"`
	InterHartQueueCapacity int `toml:"inter_hart_queue_capacity"`
	// DefaultVMHarts is used when the hypervisor does not ask for a
	// number of confidential harts.
	DefaultVMHarts int `toml:"default_vm_harts"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	// AuditPath is the file exits are recorded to. Empty disables auditing.
	AuditPath string `toml:"audit"`
}

// DefaultConfig is a platform with four harts and 256MiB of each kind of
// memory.
func DefaultConfig() Config {
	return Config{
		Harts:                  4,
		ConfidentialMemory:     Region{Start: "0x80000000", Size: "256M"},
		NonConfidentialMemory:  Region{Start: "0x90000000", Size: "256M"},
		MaxConfidentialVMs:     control.DefaultLimits.MaxConfidentialVMs,
		MaxHartsPerVM:          control.DefaultLimits.MaxHartsPerVM,
		InterHartQueueCapacity: control.DefaultLimits.InterHartQueueCapacity,
		DefaultVMHarts:         2,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// LoadConfig reads path over the defaults. Keys missing from the file keep
// their default value.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()

	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}

	if keys := md.Undecoded(); len(keys) > 0 {
		return c, fmt.Errorf("%w: unknown keys %v in %s", errInvalidConfig, keys, path)
	}

	return c, c.Validate()
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if c.Harts < 1 || c.Harts > control.MaxHardwareHarts {
		return fmt.Errorf("%w: harts %d not in [1, %d]", errInvalidConfig, c.Harts, control.MaxHardwareHarts)
	}

	if c.MaxHartsPerVM < 1 || c.MaxConfidentialVMs < 1 || c.InterHartQueueCapacity < 1 {
		return fmt.Errorf("%w: limits must be positive", errInvalidConfig)
	}

	if c.DefaultVMHarts < 1 || c.DefaultVMHarts > c.MaxHartsPerVM {
		return fmt.Errorf("%w: default_vm_harts %d not in [1, %d]", errInvalidConfig, c.DefaultVMHarts, c.MaxHartsPerVM)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: %w", errInvalidConfig, errLogFormat)
	}

	_, err := c.Layout()

	return err
}

// Layout returns the physical memory layout.
func (c *Config) Layout() (*memory.Layout, error) {
	conf, err := c.ConfidentialMemory.parse("confidential")
	if err != nil {
		return nil, err
	}

	nonConf, err := c.NonConfidentialMemory.parse("non-confidential")
	if err != nil {
		return nil, err
	}

	return memory.NewLayout(conf, nonConf)
}

func (c *Config) Limits() control.Limits {
	return control.Limits{
		MaxConfidentialVMs:     c.MaxConfidentialVMs,
		MaxHartsPerVM:          c.MaxHartsPerVM,
		InterHartQueueCapacity: c.InterHartQueueCapacity,
	}
}

// NewLogger returns a logger writing to w at the configured level and
// format.
func (c *Config) NewLogger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)

	switch c.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errLogFormat
	}

	return log, nil
}

// OpenAudit creates the audit file. It returns nil when auditing is
// disabled.
func (c *Config) OpenAudit() (*os.File, error) {
	if c.AuditPath == "" {
		return nil, nil
	}

	f, err := os.Create(c.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	return f, nil
}
