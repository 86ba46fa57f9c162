// Package config holds the run configuration of a conformance run.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sarchlab/akita/v4/sim"
)

// HomeConfig describes the reference home node answering requests.
type HomeConfig struct {
	// NodeID is the node id the home node answers from. Default: 0.
	NodeID uint16 `json:"node_id"`

	// RequestLatency is the number of ticks between a request reaching the
	// home node and its first response. Default: 20.
	RequestLatency uint64 `json:"request_latency"`

	// BeatInterval is the number of ticks between data beats. Default: 1.
	BeatInterval uint64 `json:"beat_interval"`

	// DataWidth is the data channel width in bytes (16, 32 or 64).
	// Default: 32, so a 64-byte line takes two beats.
	DataWidth int `json:"data_width"`

	// LineSize is the coherence granule in bytes. Default: 64.
	LineSize int `json:"line_size"`

	// Sets and Ways size the directory tracking granted lines.
	// Default: 64 sets, 8 ways.
	Sets int `json:"sets"`
	Ways int `json:"ways"`
}

// RunConfig holds the settings of a conformance run.
type RunConfig struct {
	// DeadlineTicks is the tick at which unresolved transactions time out.
	// Default: 10000.
	DeadlineTicks uint64 `json:"deadline_ticks"`

	// FreqGHz is the tick frequency of the simulation engine. Default: 1.
	FreqGHz float64 `json:"freq_ghz"`

	// SharedHome makes all endpoints talk to one home node. By default each
	// endpoint gets its own, so endpoints cannot observe each other.
	SharedHome bool `json:"shared_home"`

	// ArchivePath is the sqlite file reports are recorded to. Empty disables
	// archiving.
	ArchivePath string `json:"archive_path,omitempty"`

	Home HomeConfig `json:"home"`
}

// DefaultRunConfig returns a RunConfig with default values.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		DeadlineTicks: 10000,
		FreqGHz:       1,
		Home: HomeConfig{
			NodeID:         0,
			RequestLatency: 20,
			BeatInterval:   1,
			DataWidth:      32,
			LineSize:       64,
			Sets:           64,
			Ways:           8,
		},
	}
}

// LoadConfig loads a RunConfig from a JSON file. Fields missing from the
// file keep their defaults.
func LoadConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config file: %w", err)
	}

	config := DefaultRunConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse run config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a RunConfig to a JSON file.
func (c *RunConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize run config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run config file: %w", err)
	}

	return nil
}

// Freq returns the tick frequency.
func (c *RunConfig) Freq() sim.Freq {
	return sim.Freq(c.FreqGHz) * sim.GHz
}

// Validate checks that the configuration can drive a run.
func (c *RunConfig) Validate() error {
	if c.DeadlineTicks == 0 {
		return fmt.Errorf("deadline_ticks must be > 0")
	}
	if c.FreqGHz <= 0 {
		return fmt.Errorf("freq_ghz must be > 0")
	}
	return c.Home.Validate()
}

// Validate checks the home node settings.
func (h HomeConfig) Validate() error {
	if h.RequestLatency == 0 {
		return fmt.Errorf("home.request_latency must be > 0")
	}
	if h.BeatInterval == 0 {
		return fmt.Errorf("home.beat_interval must be > 0")
	}
	switch h.DataWidth {
	case 16, 32, 64:
	default:
		return fmt.Errorf("home.data_width must be 16, 32 or 64, got %d", h.DataWidth)
	}
	if h.LineSize < h.DataWidth || h.LineSize&(h.LineSize-1) != 0 {
		return fmt.Errorf("home.line_size must be a power of two >= data_width, got %d", h.LineSize)
	}
	if h.Sets <= 0 || h.Ways <= 0 {
		return fmt.Errorf("home.sets and home.ways must be > 0")
	}
	return nil
}

// Clone returns a deep copy of the RunConfig.
func (c *RunConfig) Clone() *RunConfig {
	clone := *c
	return &clone
}
