// Package schema loads storage-schemas configuration: rules that map
// metric names to retention layouts and aggregation settings, so CLIs can
// create databases without spelling out archives every time.
//
// The file is HuJSON (JSON with comments and trailing commas):
//
//	{
//	    "schemas": [
//	        {
//	            // carbon's own metrics keep high resolution for 90 days
//	            "name": "carbon",
//	            "pattern": "^carbon\\.",
//	            "retentions": "60s:90d",
//	            "aggregation": "average",
//	            "x_files_factor": 0.5,
//	        },
//	    ],
//	    "default": {
//	        "retentions": "60s:1d,5m:30d,1h:2y",
//	        "aggregation": "average",
//	        "x_files_factor": 0.5,
//	    },
//	}
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/whisper/pkg/whisper"
)

var (
	// ErrNotFound is returned by [Load] when the config file is missing.
	ErrNotFound = errors.New("schema: config file not found")

	// ErrInvalid is returned for unparseable or inconsistent config files.
	ErrInvalid = errors.New("schema: invalid config")

	// ErrNoMatch is returned by [Config.Resolve] when no rule matches and
	// no default is configured.
	ErrNoMatch = errors.New("schema: no rule matches")
)

// Rule maps a metric-name pattern to storage settings.
type Rule struct {
	Name         string   `json:"name"`
	Pattern      string   `json:"pattern"`
	Retentions   string   `json:"retentions"`
	Aggregation  string   `json:"aggregation,omitempty"`
	XFilesFactor *float32 `json:"x_files_factor,omitempty"` //nolint:tagliatelle // snake_case for config file

	re *regexp.Regexp
}

// Config is a parsed storage-schemas file.
type Config struct {
	Schemas []Rule `json:"schemas"`
	Default *Rule  `json:"default,omitempty"`
}

// Resolved is the storage layout picked for one metric.
type Resolved struct {
	Rule         string
	Retentions   []whisper.Retention
	Aggregation  whisper.AggregationMethod
	XFilesFactor float32
}

// Defaults applied when a rule leaves fields unset.
const (
	defaultAggregation  = "average"
	defaultXFilesFactor = float32(0.5)
)

// Load reads and validates a storage-schemas file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg, parseErr := parse(data)
	if parseErr != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalid, path, parseErr)
	}

	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	// Standardize HuJSON to plain JSON.
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	for i := range cfg.Schemas {
		rule := &cfg.Schemas[i]

		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %d (%s): empty pattern", i, rule.Name)
		}

		re, compileErr := regexp.Compile(rule.Pattern)
		if compileErr != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, compileErr)
		}

		rule.re = re

		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
	}

	if cfg.Default != nil {
		if err := validateRule(cfg.Default); err != nil {
			return nil, fmt.Errorf("default rule: %w", err)
		}
	}

	return &cfg, nil
}

func validateRule(rule *Rule) error {
	if rule.Retentions == "" {
		return errors.New("empty retentions")
	}

	if _, err := whisper.ParseRetentions(rule.Retentions); err != nil {
		return err
	}

	agg := rule.Aggregation
	if agg == "" {
		agg = defaultAggregation
	}

	if _, err := whisper.ParseAggregationMethod(agg); err != nil {
		return err
	}

	if rule.XFilesFactor != nil && (*rule.XFilesFactor < 0 || *rule.XFilesFactor > 1) {
		return fmt.Errorf("x_files_factor %v outside [0,1]", *rule.XFilesFactor)
	}

	return nil
}

// Resolve picks the storage settings for a metric name: the first matching
// rule wins, then the default rule, then [ErrNoMatch].
func (c *Config) Resolve(metric string) (Resolved, error) {
	for i := range c.Schemas {
		rule := &c.Schemas[i]
		if rule.re.MatchString(metric) {
			return resolveRule(rule)
		}
	}

	if c.Default != nil {
		return resolveRule(c.Default)
	}

	return Resolved{}, fmt.Errorf("%w: %s", ErrNoMatch, metric)
}

func resolveRule(rule *Rule) (Resolved, error) {
	retentions, err := whisper.ParseRetentions(rule.Retentions)
	if err != nil {
		return Resolved{}, err
	}

	agg := rule.Aggregation
	if agg == "" {
		agg = defaultAggregation
	}

	method, err := whisper.ParseAggregationMethod(agg)
	if err != nil {
		return Resolved{}, err
	}

	xff := defaultXFilesFactor
	if rule.XFilesFactor != nil {
		xff = *rule.XFilesFactor
	}

	name := rule.Name
	if name == "" {
		name = rule.Pattern
	}

	return Resolved{
		Rule:         name,
		Retentions:   retentions,
		Aggregation:  method,
		XFilesFactor: xff,
	}, nil
}
