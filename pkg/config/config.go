package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

type Config struct {
	App      AppConfig                `json:"app"`
	Gateways map[string]GatewayConfig `json:"gateways"`
	Store    StoreConfig              `json:"store"`
	Resolver ResolverConfig           `json:"resolver"`
	Engine   EngineConfig             `json:"engine"`
}

type AppConfig struct {
	Name      string `json:"name"`
	SitesPath string `json:"sites_path"`
}

type GatewayConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel,omitempty"`
	Enabled bool   `json:"enabled"`
}

type StoreConfig struct {
	Path            string `json:"path"`
	CredentialsPath string `json:"credentials_path"`
}

type ResolverConfig struct {
	ListenAddr string `json:"listen_addr"`
	BaseURL    string `json:"base_url"`
}

// EngineConfig collects the scheduling and anti-automation policy knobs.
// It is injected into the Scheduler and Engine at construction time so
// tests can substitute near-zero timings.
type EngineConfig struct {
	PollInterval   Duration `json:"poll_interval"`
	Lookahead      Duration `json:"lookahead"`
	SeedLead       Duration `json:"seed_lead"`
	StartMargin    Duration `json:"start_margin"`
	StepTimeout    Duration `json:"step_timeout"`
	ConfirmTimeout Duration `json:"confirm_timeout"`
	ChallengeTTL   Duration `json:"challenge_ttl"`
	SnapshotTTL    Duration `json:"snapshot_ttl"`
	MaxConcurrent  int64    `json:"max_concurrent"`
	Headless       bool     `json:"headless"`
}

// Duration wraps time.Duration so JSON config can say "5m" instead of
// nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func LoadConfig(path string) *Config {
	file, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer file.Close()

	var cfg Config
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config file: %v", err)
	}

	cfg.Engine.applyDefaults()
	return &cfg
}

func (e *EngineConfig) applyDefaults() {
	if e.PollInterval == 0 {
		e.PollInterval = Duration(30 * time.Second)
	}
	if e.Lookahead == 0 {
		e.Lookahead = Duration(5 * time.Minute)
	}
	if e.SeedLead == 0 {
		e.SeedLead = Duration(4 * time.Minute)
	}
	if e.StartMargin == 0 {
		e.StartMargin = Duration(20 * time.Second)
	}
	if e.StepTimeout == 0 {
		e.StepTimeout = Duration(30 * time.Second)
	}
	if e.ConfirmTimeout == 0 {
		e.ConfirmTimeout = Duration(45 * time.Second)
	}
	if e.ChallengeTTL == 0 {
		e.ChallengeTTL = Duration(5 * time.Minute)
	}
	if e.SnapshotTTL == 0 {
		e.SnapshotTTL = Duration(30 * time.Minute)
	}
	if e.MaxConcurrent == 0 {
		e.MaxConcurrent = 3
	}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	tg, ok := c.Gateways["telegram"]
	if ok && tg.Enabled {
		return tg, true
	}
	return GatewayConfig{}, false
}

// GetDiscordConfig returns discord config if enabled
func (c *Config) GetDiscordConfig() (GatewayConfig, bool) {
	dc, ok := c.Gateways["discord"]
	if ok && dc.Enabled {
		return dc, true
	}
	return GatewayConfig{}, false
}
