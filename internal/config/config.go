package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen   string   `yaml:"listen"`
	Database Database `yaml:"database"`

	Fulfillment Fulfillment `yaml:"fulfillment"`

	Prowlarr Prowlarr  `yaml:"prowlarr"`
	RSS      RSS       `yaml:"rss"`
	Library  Library   `yaml:"library"`
	Telegram *Telegram `yaml:"telegram"`

	// Indexers keys by indexer name as reported in search results.
	Indexers map[string]Indexer `yaml:"indexers"`
	// FlagBonuses maps release flags (e.g. "Freeleech") to additive ranking
	// bonus points, applied no matter which indexer reported the flag.
	FlagBonuses map[string]int `yaml:"flag_bonuses"`

	Cleanup Cleanup `yaml:"cleanup"`
}

type Database struct {
	DSN string `yaml:"dsn"`
}

type Fulfillment struct {
	// RequireApproval forces new requests into awaiting_approval instead of
	// being auto-approved.
	RequireApproval     bool `yaml:"require_approval"`
	MaxSearchAttempts   int  `yaml:"max_search_attempts"`
	MaxDownloadAttempts int  `yaml:"max_download_attempts"`
	MaxImportRetries    int  `yaml:"max_import_retries"`
}

type Prowlarr struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type RSS struct {
	Feeds []string `yaml:"feeds"`
}

type Library struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// Path is the library root organized imports are moved into.
	Path string `yaml:"path"`
}

type Telegram struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type Indexer struct {
	// Priority is added to the ranking bonus of every result from this
	// indexer.
	Priority int `yaml:"priority"`
	// SeedingTime is the seed-time requirement before the cleanup engine may
	// reclaim a finished torrent from this indexer: a number of minutes, or
	// "unlimited" to never reclaim. Missing means unlimited.
	SeedingTime SeedRequirement `yaml:"seeding_time_minutes"`
}

type Cleanup struct {
	BatchSize int `yaml:"batch_size"`
}

// SeedRequirement is an explicit unlimited-or-minutes value. Zero minutes
// means no seeding is required at all; "unlimited" means the download is
// never reclaimed.
type SeedRequirement struct {
	Unlimited bool
	Minutes   int
}

func Minutes(n int) SeedRequirement { return SeedRequirement{Minutes: n} }

func Unlimited() SeedRequirement { return SeedRequirement{Unlimited: true} }

func (s *SeedRequirement) UnmarshalYAML(value *yaml.Node) error {
	if value.Value == "unlimited" {
		s.Unlimited = true
		return nil
	}
	n, err := strconv.Atoi(value.Value)
	if err != nil {
		return fmt.Errorf("invalid seeding_time_minutes %q: expected a number or \"unlimited\"", value.Value)
	}
	if n < 0 {
		return fmt.Errorf("invalid seeding_time_minutes %d: must not be negative", n)
	}
	s.Minutes = n
	return nil
}

// SeedRequirementFor resolves the per-indexer seed-time requirement. An
// unconfigured indexer is treated as unlimited so that unknown trackers are
// never reclaimed by the cleanup engine.
func (c *Config) SeedRequirementFor(indexerName string) SeedRequirement {
	idx, ok := c.Indexers[indexerName]
	if !ok {
		return Unlimited()
	}
	return idx.SeedingTime
}

// IndexerPriorities flattens the indexer table into the name -> bonus map the
// ranking algorithm consumes.
func (c *Config) IndexerPriorities() map[string]int {
	m := make(map[string]int, len(c.Indexers))
	for name, idx := range c.Indexers {
		m[name] = idx.Priority
	}
	return m
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8386"
	}
	if c.Fulfillment.MaxSearchAttempts == 0 {
		c.Fulfillment.MaxSearchAttempts = 3
	}
	if c.Fulfillment.MaxDownloadAttempts == 0 {
		c.Fulfillment.MaxDownloadAttempts = 3
	}
	if c.Fulfillment.MaxImportRetries == 0 {
		c.Fulfillment.MaxImportRetries = 3
	}
	if c.Cleanup.BatchSize == 0 {
		c.Cleanup.BatchSize = 50
	}
}
