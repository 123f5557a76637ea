// Package radio is an in-process radio: a hub wires node transports
// together with explicit adjacency, simulating advertisement, link
// writes and signal strength so whole meshes can run inside one test.
package radio

import (
	"math/rand"
	"sync"
	"time"
)

// SimulationConfig controls the realism of the simulated radio
type SimulationConfig struct {
	// PacketLossRate is the probability a link write is lost
	PacketLossRate float64 // Default: 0.015

	// Radio characteristics
	BaseRSSI     int // Default: -50 dBm (close range)
	RSSIVariance int // Default: 10 dBm fluctuation

	// MaxLinks caps concurrent logical connections per node
	MaxLinks int // Default: 7 (typical BLE stack limit)

	// SendTimeout bounds one link write
	SendTimeout time.Duration // Default: 5s

	// Deterministic mode for reproducible scenarios
	Deterministic bool
	Seed          int64
}

// DefaultSimulationConfig returns realistic radio parameters
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		PacketLossRate: 0.015,
		BaseRSSI:       -50,
		RSSIVariance:   10,
		MaxLinks:       7,
		SendTimeout:    5 * time.Second,
	}
}

// PerfectSimulationConfig returns a 100% reliable config for testing
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.PacketLossRate = 0
	cfg.RSSIVariance = 0
	cfg.Deterministic = true
	return cfg
}

// Simulator draws the random radio behavior
type Simulator struct {
	mu     sync.Mutex
	config *SimulationConfig
	rng    *rand.Rand
}

// NewSimulator creates a simulator for the given config
func NewSimulator(config *SimulationConfig) *Simulator {
	if config == nil {
		config = DefaultSimulationConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Simulator{config: config, rng: rng}
}

// ShouldDropPacket returns true when a link write is lost
func (s *Simulator) ShouldDropPacket() bool {
	if s.config.PacketLossRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.config.PacketLossRate
}

// RSSI returns a simulated signal-strength reading
func (s *Simulator) RSSI() int {
	if s.config.RSSIVariance <= 0 {
		return s.config.BaseRSSI
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.BaseRSSI - s.rng.Intn(s.config.RSSIVariance)
}
