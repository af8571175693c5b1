package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"msigwallet/internal/domain"
)

// EnvPrefix is the prefix of environment overrides. Every overridable field
// names its full variable, e.g. MSIG_SERVER_ADDR.
const EnvPrefix = "msig"

// Config models wallet.yml.
type Config struct {
	Wallet   WalletConfig   `yaml:"wallet"`
	Signers  []SignerSpec   `yaml:"signers" ignored:"true"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
}

type WalletConfig struct {
	ID             string        `yaml:"id"              envconfig:"MSIG_WALLET_ID"`
	Admin          string        `yaml:"admin"           envconfig:"MSIG_WALLET_ADMIN"`
	RequiredWeight uint64        `yaml:"required_weight" envconfig:"MSIG_WALLET_REQUIRED_WEIGHT"`
	Timelock       time.Duration `yaml:"timelock"        envconfig:"MSIG_WALLET_TIMELOCK"`
}

// SignerSpec is a genesis signer seeded on first start.
type SignerSpec struct {
	Address string `yaml:"address"`
	Weight  uint64 `yaml:"weight"`
}

type DispatchConfig struct {
	Timeout      time.Duration `yaml:"timeout"        envconfig:"MSIG_DISPATCH_TIMEOUT"`
	AllowRawURLs bool          `yaml:"allow_raw_urls" envconfig:"MSIG_DISPATCH_ALLOW_RAW_URLS"`
	Targets      []Target      `yaml:"targets" ignored:"true"`
}

// Target is a named call destination proposals can refer to.
type Target struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled defaults to true when unset.
func (t Target) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type NotifyConfig struct {
	NATSURL       string `yaml:"nats_url"       envconfig:"MSIG_NOTIFY_NATS_URL"`
	SubjectPrefix string `yaml:"subject_prefix" envconfig:"MSIG_NOTIFY_SUBJECT_PREFIX"`
}

type ServerConfig struct {
	Addr             string `yaml:"addr"               envconfig:"MSIG_SERVER_ADDR"`
	BasePath         string `yaml:"base_path"          envconfig:"MSIG_SERVER_BASE_PATH"`
	JWTSecret        string `yaml:"jwt_secret"         envconfig:"MSIG_SERVER_JWT_SECRET"`
	AllowActorHeader bool   `yaml:"allow_actor_header" envconfig:"MSIG_SERVER_ALLOW_ACTOR_HEADER"`
	DevLogin         bool   `yaml:"dev_login"          envconfig:"MSIG_SERVER_DEV_LOGIN"`
}

const (
	defaultDispatchTimeout = 30 * time.Second
	defaultSubjectPrefix   = "msig.events"
	defaultAddr            = "127.0.0.1:8080"
	defaultBasePath        = "/v1"
)

// Load reads wallet.yml from the workspace, applies environment overrides
// and validates the result.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with msig init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses raw YAML, applies environment overrides and validates.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = defaultDispatchTimeout
	}
	if c.Notify.SubjectPrefix == "" {
		c.Notify.SubjectPrefix = defaultSubjectPrefix
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = defaultBasePath
	}
	for i := range c.Signers {
		c.Signers[i].Address = strings.TrimSpace(c.Signers[i].Address)
	}
	c.Wallet.Admin = strings.TrimSpace(c.Wallet.Admin)
}

// TotalWeight sums the genesis signer weights, saturating at
// domain.MaxWeight.
func (c *Config) TotalWeight() uint64 {
	var total uint64
	for _, s := range c.Signers {
		total, _ = domain.AddWeight(total, s.Weight)
	}
	return total
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Wallet.ID == "" {
		return fmt.Errorf("config.wallet.id is required")
	}
	if c.Wallet.Admin == "" {
		return fmt.Errorf("config.wallet.admin is required")
	}
	if c.Wallet.Timelock < 0 {
		return fmt.Errorf("config.wallet.timelock must not be negative")
	}
	if len(c.Signers) == 0 {
		return fmt.Errorf("config.signers must list at least one signer")
	}
	seen := map[string]bool{}
	var total uint64
	for i, s := range c.Signers {
		if s.Address == "" {
			return fmt.Errorf("config.signers[%d].address is required", i)
		}
		if s.Weight == 0 {
			return fmt.Errorf("signer %s must have a weight greater than 0", s.Address)
		}
		var ok bool
		if total, ok = domain.AddWeight(total, s.Weight); !ok {
			return fmt.Errorf("signer %s weight %d pushes the total weight past %d", s.Address, s.Weight, domain.MaxWeight)
		}
		if seen[s.Address] {
			return fmt.Errorf("signer %s listed twice", s.Address)
		}
		seen[s.Address] = true
	}
	if c.Wallet.RequiredWeight == 0 {
		return fmt.Errorf("config.wallet.required_weight must be greater than 0")
	}
	if c.Wallet.RequiredWeight > total {
		return fmt.Errorf("config.wallet.required_weight %d exceeds total signer weight %d", c.Wallet.RequiredWeight, total)
	}
	if c.Dispatch.Timeout < 0 {
		return fmt.Errorf("config.dispatch.timeout must not be negative")
	}
	names := map[string]bool{}
	for i, t := range c.Dispatch.Targets {
		if t.Name == "" {
			return fmt.Errorf("config.dispatch.targets[%d].name is required", i)
		}
		if names[t.Name] {
			return fmt.Errorf("dispatch target %s defined twice", t.Name)
		}
		names[t.Name] = true
		if err := ValidateTargetURL(t.URL); err != nil {
			return fmt.Errorf("dispatch target %s: %w", t.Name, err)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// ValidateTargetURL accepts absolute http(s) URLs only.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url host required")
	}
	return nil
}

// Target returns the named, enabled target.
func (c *Config) Target(name string) (Target, bool) {
	for _, t := range c.Dispatch.Targets {
		if t.Name == name && t.IsEnabled() {
			return t, true
		}
	}
	return Target{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "wallet.yml")
}

// GenerateDefault returns a starter wallet.yml with a single admin-owned
// signer so the wallet is usable right away.
func GenerateDefault(walletID, admin string) string {
	return fmt.Sprintf(defaultTemplate, walletID, admin, admin)
}

const defaultTemplate = `wallet:
  id: %s
  admin: %s
  required_weight: 1
  timelock: 0s

signers:
  - address: %s
    weight: 1

dispatch:
  timeout: 30s
  allow_raw_urls: false
  targets: []

notify:
  nats_url: ""
  subject_prefix: msig.events

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""
  allow_actor_header: false
  dev_login: false
`
