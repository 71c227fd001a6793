// Package config reads the YAML configuration of a replog node
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"replog/internal/replog"
	"replog/internal/replog/leader"
)

type Participant struct {
	ID      replog.ParticipantID `yaml:"id"`
	Address string               `yaml:"address"`
}

// Replication overrides the leader tunables. Durations are Go duration strings ("150ms"); zero keeps the default.
type Replication struct {
	MaxBatchEntries     int           `yaml:"max_batch_entries"`
	MaxBatchBytes       int           `yaml:"max_batch_bytes"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	AppendTimeout       time.Duration `yaml:"append_timeout"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	CacheBytes          int           `yaml:"cache_bytes"`
	EstablishLeadership bool          `yaml:"establish_leadership"`
}

// Assignment is a static leadership assignment, applied at startup
type Assignment struct {
	Term   replog.Term          `yaml:"term"`
	Leader replog.ParticipantID `yaml:"leader"`
}

type Config struct {
	// ID of this node, a random uuid when empty
	ID      replog.ParticipantID `yaml:"id"`
	Address string               `yaml:"address"`
	// Dir holds the bbolt log file
	Dir string `yaml:"dir"`

	Participants []Participant `yaml:"participants"`
	Assignment   Assignment    `yaml:"assignment"`
	Replication  Replication   `yaml:"replication"`

	Verbose bool `yaml:"verbose"`
	// MetricsReport is a JSON file the metrics report is written to on shutdown, none when empty
	MetricsReport string `yaml:"metrics_report"`
}

// ReadConfig reads and validates the configuration in file
func ReadConfig(file string) (*Config, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", file, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML configuration
func Parse(raw []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", replog.ErrInvalidConfig, err)
	}

	if c.ID == "" {
		c.ID = replog.ParticipantID(uuid.New().String())
	}
	if c.Dir == "" {
		c.Dir = "."
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the participant list and the assignment
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", replog.ErrInvalidConfig)
	}
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", replog.ErrInvalidConfig)
	}

	seen := make(map[replog.ParticipantID]bool, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID == "" || p.Address == "" {
			return fmt.Errorf("%w: participant needs an id and an address: %+v", replog.ErrInvalidConfig, p)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate participant %s", replog.ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = true
	}

	if c.Assignment.Leader != "" {
		if c.Assignment.Term == 0 {
			return fmt.Errorf("%w: assignment of %s needs a term", replog.ErrInvalidConfig, c.Assignment.Leader)
		}
		if c.Assignment.Leader != c.ID && !seen[c.Assignment.Leader] {
			return fmt.Errorf("%w: assigned leader %s is not a participant", replog.ErrInvalidConfig, c.Assignment.Leader)
		}
	}

	return c.LeaderConfig(leader.DefaultConfig()).Validate()
}

// GetParticipant returns the participant with the given id
func (c *Config) GetParticipant(id replog.ParticipantID) (Participant, error) {
	if id == c.ID {
		return Participant{ID: c.ID, Address: c.Address}, nil
	}
	for _, p := range c.Participants {
		if p.ID == id {
			return p, nil
		}
	}
	return Participant{}, fmt.Errorf("participant %s not found", id)
}

// Peers returns every participant except this node
func (c *Config) Peers() []Participant {
	peers := make([]Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID != c.ID {
			peers = append(peers, p)
		}
	}
	return peers
}

// ParticipantIDs returns the ids of all participants, this node included
func (c *Config) ParticipantIDs() []replog.ParticipantID {
	ids := []replog.ParticipantID{c.ID}
	for _, p := range c.Peers() {
		ids = append(ids, p.ID)
	}
	return ids
}

// LeaderConfig applies the replication overrides to base
func (c *Config) LeaderConfig(base leader.Config) leader.Config {
	r := c.Replication
	if r.MaxBatchEntries != 0 {
		base.MaxBatchEntries = r.MaxBatchEntries
	}
	if r.MaxBatchBytes != 0 {
		base.MaxBatchBytes = r.MaxBatchBytes
	}
	if r.HeartbeatInterval != 0 {
		base.HeartbeatInterval = r.HeartbeatInterval
	}
	if r.AppendTimeout != 0 {
		base.AppendTimeout = r.AppendTimeout
	}
	if r.BackoffBase != 0 {
		base.BackoffBase = r.BackoffBase
	}
	if r.BackoffMax != 0 {
		base.BackoffMax = r.BackoffMax
	}
	if r.CacheBytes != 0 {
		base.CacheBytes = r.CacheBytes
	}
	base.EstablishLeadership = base.EstablishLeadership || r.EstablishLeadership
	return base
}
