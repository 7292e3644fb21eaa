package strategy

import (
	"errors"
	"math"
	"strings"
)

// ErrInvalidConfig is the sentinel every *ConfigError unwraps to.
var ErrInvalidConfig = errors.New("invalid strategy config")

// ConfigError reports an unknown or incomplete strategy configuration,
// naming the condition and parameter at fault.
type ConfigError struct {
	Condition string
	Param     string
	Reason    string
}

func (e *ConfigError) Error() string {
	parts := []string{"strategy config"}
	if e.Condition != "" {
		parts = append(parts, e.Condition)
	}
	if e.Param != "" {
		parts = append(parts, e.Param)
	}
	return strings.Join(parts, ": ") + ": " + e.Reason
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Config is a validated strategy configuration: one entry rule, one exit rule,
// starting cash and the number of shares bought per entry.
type Config struct {
	Entry     EntryRule
	Exit      ExitRule
	Cash      float64
	OrderSize int64
}

// Validate checks every parameter the selected rules need.
func (c Config) Validate() error {
	if c.Entry == nil {
		return &ConfigError{Param: "entry", Reason: "entry condition is required"}
	}
	if c.Exit == nil {
		return &ConfigError{Param: "exit", Reason: "exit condition is required"}
	}
	if err := c.Entry.validate(); err != nil {
		return err
	}
	if err := c.Exit.validate(); err != nil {
		return err
	}
	if !(c.Cash > 0) || math.IsInf(c.Cash, 0) {
		return &ConfigError{Param: "cash", Reason: "starting cash must be positive"}
	}
	if c.OrderSize <= 0 {
		return &ConfigError{Param: "order_size", Reason: "order size must be a positive integer"}
	}
	return nil
}

// Spec returns the loose form of the configuration, used for persistence
// and transport.
func (c Config) Spec() Spec {
	s := Spec{Cash: c.Cash, OrderSize: c.OrderSize}
	if c.Entry != nil {
		s.Entry = ConditionSpec{Condition: c.Entry.Kind().String(), Params: c.Entry.Params()}
	}
	if c.Exit != nil {
		s.Exit = ConditionSpec{Condition: c.Exit.Kind().String(), Params: c.Exit.Params()}
	}
	return s
}

// Builder assembles a Config and validates it in Build.
type Builder struct {
	cfg Config
}

// NewBuilder starts an empty configuration.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Entry(r EntryRule) *Builder {
	b.cfg.Entry = r
	return b
}

func (b *Builder) Exit(r ExitRule) *Builder {
	b.cfg.Exit = r
	return b
}

func (b *Builder) Cash(cash float64) *Builder {
	b.cfg.Cash = cash
	return b
}

func (b *Builder) OrderSize(n int64) *Builder {
	b.cfg.OrderSize = n
	return b
}

// Build returns the configuration or the first *ConfigError found.
func (b *Builder) Build() (Config, error) {
	if err := b.cfg.Validate(); err != nil {
		return Config{}, err
	}
	return b.cfg, nil
}
