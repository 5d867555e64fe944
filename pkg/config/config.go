package config

import (
	"errors"
	"fmt"
	"time"
)

// Dangling contract policies.
const (
	DanglingFailOpen   = "fail_open"
	DanglingFailClosed = "fail_closed"
)

// Resource kinds.
const (
	KindRenewable   = "renewable"
	KindAllocatable = "allocatable"
)

// Config holds kernel and server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Blobs     BlobConfig      `yaml:"blobs"`
	Kernel    KernelConfig    `yaml:"kernel"`
	Contracts ContractsConfig `yaml:"contracts"`
	Quota     QuotaConfig     `yaml:"quota"`
	Judge     JudgeConfig     `yaml:"judge"`
	Genesis   GenesisConfig   `yaml:"genesis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr           string  `yaml:"addr"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	// CORSOrigins lists browser origins allowed to call the API. Empty disables CORS.
	CORSOrigins []string `yaml:"cors_origins"`
}

type AuthConfig struct {
	// Secret is the input keying material for the API token signing key.
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

type DatabaseConfig struct {
	// URL is sqlite://path, sqlite::memory: or postgres://...
	URL string `yaml:"url"`
}

// RedisConfig selects the distributed quota backend. An empty Addr keeps usage in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BlobConfig controls offloading of large artifact content.
type BlobConfig struct {
	Type        string `yaml:"type"` // "none" | "fs" | "s3" | "gcs"
	Path        string `yaml:"path"`
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	Prefix      string `yaml:"prefix"`
	InlineLimit int64  `yaml:"inline_limit"`
}

type KernelConfig struct {
	MaxPermissionDepth int    `yaml:"max_permission_depth"`
	StateRetries       int    `yaml:"state_retries"`
	ScripResource      string `yaml:"scrip_resource"`
	DiskResource       string `yaml:"disk_resource"`
	// CostResource is the renewable resource charged per action.
	CostResource string           `yaml:"cost_resource"`
	ActionCosts  map[string]int64 `yaml:"action_costs"`
}

type ContractsConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	JudgmentTimeout  time.Duration `yaml:"judgment_timeout"`
	RequireExplicit  bool          `yaml:"require_explicit"`
	DefaultContract  string        `yaml:"default_contract"`
	DefaultOnMissing string        `yaml:"default_on_missing"`
	DanglingPolicy   string        `yaml:"dangling_policy"`
	FastPath         bool          `yaml:"fast_path"`
	MemoryLimitBytes uint64        `yaml:"memory_limit_bytes"`
}

type QuotaConfig struct {
	Resources []ResourceConfig `yaml:"resources"`
}

// ResourceConfig declares a constrained resource. Ceiling is the provider-wide
// aggregate limit across all principals; zero means unbounded.
type ResourceConfig struct {
	Name    string        `yaml:"name"`
	Kind    string        `yaml:"kind"`
	Window  time.Duration `yaml:"window"`
	Ceiling int64         `yaml:"ceiling"`
}

type JudgeConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	Resource string        `yaml:"resource"`
	Cost     int64         `yaml:"cost"`
}

type GenesisConfig struct {
	Principals []PrincipalConfig `yaml:"principals"`
}

// PrincipalConfig seeds a principal at bootstrap.
type PrincipalConfig struct {
	ID       string           `yaml:"id"`
	Balances map[string]int64 `yaml:"balances"`
	Quotas   map[string]int64 `yaml:"quotas"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Default returns a configuration that boots a single-node kernel on sqlite.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Log:  LogConfig{Level: "INFO", Format: "json"},
		Database: DatabaseConfig{
			URL: "sqlite://agora.db",
		},
		Blobs: BlobConfig{Type: "none", InlineLimit: 64 * 1024},
		Kernel: KernelConfig{
			MaxPermissionDepth: 10,
			StateRetries:       3,
			ScripResource:      "scrip",
			DiskResource:       "disk",
			CostResource:       "calls",
			ActionCosts:        map[string]int64{},
		},
		Contracts: ContractsConfig{
			Timeout:          250 * time.Millisecond,
			JudgmentTimeout:  30 * time.Second,
			DefaultContract:  "genesis_contract_freeware",
			DefaultOnMissing: "genesis_contract_private",
			DanglingPolicy:   DanglingFailClosed,
			FastPath:         true,
			MemoryLimitBytes: 16 << 20,
		},
		Quota: QuotaConfig{
			Resources: []ResourceConfig{
				{Name: "disk", Kind: KindAllocatable},
				{Name: "calls", Kind: KindRenewable, Window: time.Minute},
				{Name: "llm_tokens", Kind: KindRenewable, Window: time.Minute},
			},
		},
		Judge: JudgeConfig{
			Timeout:  30 * time.Second,
			Resource: "llm_tokens",
			Cost:     1,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agora",
			SampleRate:  1.0,
		},
	}
}

// Resource returns the declared resource with the given name.
func (c *Config) Resource(name string) (ResourceConfig, bool) {
	for _, r := range c.Quota.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceConfig{}, false
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Kernel.MaxPermissionDepth <= 0 {
		errs = append(errs, fmt.Errorf("kernel.max_permission_depth must be positive, got %d", c.Kernel.MaxPermissionDepth))
	}
	if c.Kernel.StateRetries < 1 {
		errs = append(errs, errors.New("kernel.state_retries must be at least 1"))
	}
	if c.Contracts.Timeout <= 0 {
		errs = append(errs, errors.New("contracts.timeout must be positive"))
	}
	if c.Contracts.JudgmentTimeout < c.Contracts.Timeout {
		errs = append(errs, errors.New("contracts.judgment_timeout must not be shorter than contracts.timeout"))
	}
	switch c.Contracts.DanglingPolicy {
	case DanglingFailOpen, DanglingFailClosed:
	default:
		errs = append(errs, fmt.Errorf("contracts.dangling_policy: unknown policy %q", c.Contracts.DanglingPolicy))
	}
	if c.Contracts.DanglingPolicy == DanglingFailOpen && c.Contracts.DefaultOnMissing == "" {
		errs = append(errs, errors.New("contracts.default_on_missing is required with fail_open"))
	}
	if !c.Contracts.RequireExplicit && c.Contracts.DefaultContract == "" {
		errs = append(errs, errors.New("contracts.default_contract is required unless require_explicit is set"))
	}

	seen := make(map[string]bool, len(c.Quota.Resources))
	for _, r := range c.Quota.Resources {
		if r.Name == "" {
			errs = append(errs, errors.New("quota.resources: empty name"))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("quota.resources: duplicate resource %q", r.Name))
		}
		seen[r.Name] = true
		switch r.Kind {
		case KindRenewable:
			if r.Window <= 0 {
				errs = append(errs, fmt.Errorf("quota.resources[%s]: renewable resources need a positive window", r.Name))
			}
		case KindAllocatable:
		default:
			errs = append(errs, fmt.Errorf("quota.resources[%s]: unknown kind %q", r.Name, r.Kind))
		}
		if r.Ceiling < 0 {
			errs = append(errs, fmt.Errorf("quota.resources[%s]: negative ceiling", r.Name))
		}
	}
	if c.Kernel.DiskResource != "" && !seen[c.Kernel.DiskResource] {
		errs = append(errs, fmt.Errorf("kernel.disk_resource %q is not a declared resource", c.Kernel.DiskResource))
	}
	for action, cost := range c.Kernel.ActionCosts {
		if cost < 0 {
			errs = append(errs, fmt.Errorf("kernel.action_costs[%s]: negative cost", action))
		}
	}
	if len(c.Kernel.ActionCosts) > 0 && !seen[c.Kernel.CostResource] {
		errs = append(errs, fmt.Errorf("kernel.cost_resource %q is not a declared resource", c.Kernel.CostResource))
	}
	return errors.Join(errs...)
}
