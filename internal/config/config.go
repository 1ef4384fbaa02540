// Package config loads and validates the runtime configuration: monitored
// sources, screen layouts, bet styles, and pipeline tuning knobs. The
// configuration is read once at startup and is read-only afterward.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/UVuruna/gmbl-sub000/internal/region"
)

var (
	ErrUnknownPosition = errors.New("unknown position")
	ErrUnknownStyle    = errors.New("unknown bet style")
	ErrInvalidSource   = errors.New("invalid source")
)

// requiredRegions are the region roles every source layout must define.
var requiredRegions = []string{
	RolePhase, RoleScore, RoleBalance, RolePlayerCount, RoleTotalWin,
	RoleStakeField, RolePlayButton,
}

// Region roles referenced throughout the runtime.
const (
	RolePhase       = "phase"
	RoleScore       = "score"
	RoleBalance     = "balance"
	RolePlayerCount = "player_count"
	RoleTotalWin    = "total_win"
	RoleStakeField  = "stake_field"
	RolePlayButton  = "play_button"
)

// Duration wraps time.Duration with YAML support for Go duration strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Source configures one monitored game instance.
type Source struct {
	ID             string                   `yaml:"id"`
	Position       string                   `yaml:"position"`
	BetStyle       string                   `yaml:"bet_style"`
	BetSequence    []int64                  `yaml:"bet_sequence"` // overrides bet_style when set
	AutoCashout    float64                  `yaml:"auto_cashout"`
	TargetMoney    int64                    `yaml:"target_money"`
	StrategyScript string                   `yaml:"strategy_script"`
	Regions        map[string]region.Region `yaml:"regions"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	Database   string `yaml:"database"`
	Model      string `yaml:"model"`
	ListenAddr string `yaml:"listen_addr"` // empty disables the status API

	PollInterval   Duration `yaml:"poll_interval"`
	EnqueueTimeout Duration `yaml:"enqueue_timeout"`
	Cooldown       Duration `yaml:"cooldown"`
	StepDelay      Duration `yaml:"step_delay"`
	JoinTimeout    Duration `yaml:"join_timeout"`

	ActionQueueSize int      `yaml:"action_queue_size"`
	RecordQueueSize int      `yaml:"record_queue_size"`
	BatchSize       int      `yaml:"batch_size"`
	BatchTimeout    Duration `yaml:"batch_timeout"`

	Positions map[string]region.Offset `yaml:"positions"`
	BetStyles map[string][]int64       `yaml:"bet_styles"`
	Sources   []Source                 `yaml:"sources"`
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database:        "data/rounds.db",
		Model:           "data/models/game_phase_centroids.json",
		PollInterval:    Duration(200 * time.Millisecond),
		EnqueueTimeout:  Duration(250 * time.Millisecond),
		Cooldown:        Duration(2 * time.Second),
		StepDelay:       Duration(100 * time.Millisecond),
		JoinTimeout:     Duration(5 * time.Second),
		ActionQueueSize: 64,
		RecordQueueSize: 1024,
		BatchSize:       50,
		BatchTimeout:    Duration(time.Second),
	}
}

// Validate checks cross references and per-source invariants. Any failure
// here is fatal at startup.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("%w: no sources configured", ErrInvalidSource)
	}
	if c.BatchSize <= 0 || c.ActionQueueSize <= 0 || c.RecordQueueSize <= 0 {
		return fmt.Errorf("%w: queue and batch sizes must be positive", ErrInvalidSource)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.ID == "" {
			return fmt.Errorf("%w: source %d has no id", ErrInvalidSource, i)
		}
		if seen[src.ID] {
			return fmt.Errorf("%w: duplicate source id %q", ErrInvalidSource, src.ID)
		}
		seen[src.ID] = true

		if _, ok := c.Positions[src.Position]; !ok {
			return fmt.Errorf("%w: %q (source %q)", ErrUnknownPosition, src.Position, src.ID)
		}
		if _, err := c.betSequence(src); err != nil {
			return err
		}
		if src.AutoCashout <= 1.0 {
			return fmt.Errorf("%w: source %q auto_cashout must exceed 1.0", ErrInvalidSource, src.ID)
		}
		for _, role := range requiredRegions {
			r, ok := src.Regions[role]
			if !ok {
				return fmt.Errorf("%w: source %q missing region %q", ErrInvalidSource, src.ID, role)
			}
			if !r.Valid() {
				return fmt.Errorf("%w: source %q region %q has no extent", ErrInvalidSource, src.ID, role)
			}
		}
	}
	return nil
}

func (c *Config) betSequence(src *Source) ([]int64, error) {
	seq := src.BetSequence
	if len(seq) == 0 {
		var ok bool
		seq, ok = c.BetStyles[src.BetStyle]
		if !ok {
			return nil, fmt.Errorf("%w: %q (source %q)", ErrUnknownStyle, src.BetStyle, src.ID)
		}
	}
	if len(seq) == 0 {
		return nil, fmt.Errorf("%w: source %q has an empty bet sequence", ErrInvalidSource, src.ID)
	}
	for _, v := range seq {
		if v <= 0 {
			return nil, fmt.Errorf("%w: source %q has non-positive stake %d", ErrInvalidSource, src.ID, v)
		}
	}
	return seq, nil
}

// BetSequence returns the source's stake ladder as decimals, resolving the
// bet style when no explicit sequence is set. Call only after Validate.
func (c *Config) BetSequence(src *Source) []decimal.Decimal {
	seq, err := c.betSequence(src)
	if err != nil {
		return nil
	}
	out := make([]decimal.Decimal, len(seq))
	for i, v := range seq {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

// ResolveRegions returns the source's absolute screen regions: its base
// layout shifted by its named position. Call only after Validate.
func (c *Config) ResolveRegions(src *Source) map[string]region.Region {
	return region.Resolve(src.Regions, c.Positions[src.Position])
}
