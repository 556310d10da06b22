// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telepage

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/telepaging/pkg/config"
	"github.com/intel/telepaging/pkg/telepage/codec"
	"github.com/intel/telepaging/pkg/telepage/protocol"
	"github.com/intel/telepaging/pkg/telepage/remote"
)

const (
	// configModule is our path in the runtime configuration.
	configModule = "telepage"
)

// Profile is a named set of defaults for scanning, migration and prefetching.
type Profile string

const (
	// ProfileBalanced is the default profile.
	ProfileBalanced Profile = "balanced"
	// ProfilePerformance favors keeping pages local.
	ProfilePerformance Profile = "performance"
	// ProfilePowerSaving favors moving pages away.
	ProfilePowerSaving Profile = "power-saving"
	// ProfileCustom uses explicitly configured values only.
	ProfileCustom Profile = "custom"
)

// profileDefaults are the values a profile provides.
type profileDefaults struct {
	scanInterval   time.Duration
	maxMigrations  int
	coldThreshold  time.Duration
	hotAccessCount int
	memoryBudget   uint64
	bandwidth      int
}

var profiles = map[Profile]profileDefaults{
	ProfileBalanced: {
		scanInterval:   time.Second,
		maxMigrations:  16,
		coldThreshold:  5 * time.Second,
		hotAccessCount: 10,
		memoryBudget:   4 << 20,
		bandwidth:      1000,
	},
	ProfilePerformance: {
		scanInterval:   500 * time.Millisecond,
		maxMigrations:  32,
		coldThreshold:  10 * time.Second,
		hotAccessCount: 5,
		memoryBudget:   8 << 20,
		bandwidth:      2000,
	},
	ProfilePowerSaving: {
		scanInterval:   2 * time.Second,
		maxMigrations:  8,
		coldThreshold:  2 * time.Second,
		hotAccessCount: 20,
		memoryBudget:   2 << 20,
		bandwidth:      500,
	},
}

// PrefetcherConfig is the configuration of the prefetcher.
type PrefetcherConfig struct {
	// Policy controls how far ahead pages are prefetched.
	Policy PrefetchPolicy `json:"Policy"`
	// MaxConcurrent is the maximum number of prefetches in flight.
	MaxConcurrent int `json:"MaxConcurrent"`
	// MemoryBudget bounds the memory used by prefetched pages.
	MemoryBudget uint64 `json:"MemoryBudget,omitempty"`
	// MinConfidence is the minimum confidence of admitted requests.
	MinConfidence int `json:"MinConfidence"`
	// Timeout is the timeout of a single prefetch.
	Timeout config.Duration `json:"Timeout"`
}

// MigrationConfig is the configuration of automatic migration.
type MigrationConfig struct {
	// ScanInterval is the interval of auto-migration scans.
	ScanInterval config.Duration `json:"ScanInterval,omitempty"`
	// MaxMigrationsPerScan bounds the pages moved by a scan.
	MaxMigrationsPerScan int `json:"MaxMigrationsPerScan,omitempty"`
	// ColdThreshold is the idle time after which local pages are pushed away.
	ColdThreshold config.Duration `json:"ColdThreshold,omitempty"`
	// HotThreshold is the window accesses are counted in.
	HotThreshold config.Duration `json:"HotThreshold"`
	// HotAccessCount is the number of accesses within HotThreshold
	// above which remote pages are pulled local.
	HotAccessCount int `json:"HotAccessCount,omitempty"`
	// Bandwidth limits migration, in MB/s. Zero is unlimited.
	Bandwidth int `json:"Bandwidth,omitempty"`
}

// TransferConfig is the configuration of remote transfers.
type TransferConfig struct {
	// RequestTimeout is the timeout of remote requests.
	RequestTimeout config.Duration `json:"RequestTimeout"`
	// Transport is the transport to remote nodes, tcp or rdma.
	Transport string `json:"Transport"`
	// Compression is the payload and compressed tier algorithm.
	Compression codec.Algorithm `json:"Compression"`
	// CompressionLevel is 0 for fastest, 1 for default, 2 for better.
	CompressionLevel int `json:"CompressionLevel"`
	// Encryption is the payload encryption level.
	Encryption protocol.EncryptionLevel `json:"Encryption"`
	// Key is the cluster secret payload keys are derived from.
	Key string `json:"Key,omitempty"`
	// MaintenanceInterval is the interval of timeout and cleanup scans.
	MaintenanceInterval config.Duration `json:"MaintenanceInterval"`
	// MeasureInterval is the interval of node latency measurements.
	MeasureInterval config.Duration `json:"MeasureInterval"`
}

// MemoryConfig gives the sizes of the local memory tiers.
type MemoryConfig struct {
	TeraPage    uint64 `json:"TeraPage"`
	HBM         uint64 `json:"HBM,omitempty"`
	Accelerator uint64 `json:"Accelerator,omitempty"`
	NVM         uint64 `json:"NVM,omitempty"`
}

// Sizes returns the configured sizes of the local tiers.
func (m MemoryConfig) Sizes() map[TierKind]uint64 {
	sizes := map[TierKind]uint64{}
	for kind, size := range map[TierKind]uint64{
		TeraPage:    m.TeraPage,
		HBM:         m.HBM,
		Accelerator: m.Accelerator,
		NVM:         m.NVM,
	} {
		if size > 0 {
			sizes[kind] = size
		}
	}
	return sizes
}

// NodeConfig describes a node of the cluster.
type NodeConfig struct {
	ID      uint64 `json:"ID"`
	Address string `json:"Address"`
	Memory  uint64 `json:"Memory,omitempty"`
}

// Config is the configuration of TelePaging.
type Config struct {
	// Mode selects which of prediction, prefetching and migration are active.
	Mode Mode `json:"Mode"`
	// Profile provides defaults for unset scan, migration and prefetch values.
	Profile Profile `json:"Profile"`
	// PrefetchWindow is the number of pages predicted ahead.
	PrefetchWindow int `json:"PrefetchWindow"`
	// PredictionConfidenceThreshold filters predictions, 0-100.
	PredictionConfidenceThreshold int `json:"PredictionConfidenceThreshold"`
	// MaxMigrationDistance bounds the tier distance of a migration.
	MaxMigrationDistance int `json:"MaxMigrationDistance"`
	// LearningEnabled enables learning of new access patterns.
	LearningEnabled bool `json:"LearningEnabled"`

	Prefetcher PrefetcherConfig `json:"Prefetcher"`
	Migration  MigrationConfig  `json:"Migration"`
	Transfer   TransferConfig   `json:"Transfer"`
	Memory     MemoryConfig     `json:"Memory"`

	// NodeID is the id of this node.
	NodeID uint64 `json:"NodeID"`
	// Listen is the address the page server listens on, if any.
	Listen string `json:"Listen,omitempty"`
	// ExportMemory is the memory exported to other nodes.
	ExportMemory uint64 `json:"ExportMemory"`
	// Nodes is the static list of cluster nodes.
	Nodes []NodeConfig `json:"Nodes,omitempty"`
}

var (
	cfglock sync.RWMutex
	opt     = &Config{}
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:                          Full,
		Profile:                       ProfileBalanced,
		PrefetchWindow:                4,
		PredictionConfidenceThreshold: 60,
		MaxMigrationDistance:          5,
		LearningEnabled:               true,
		Prefetcher: PrefetcherConfig{
			Policy:        PolicyStandard,
			MaxConcurrent: 4,
			MinConfidence: 70,
			Timeout:       config.Duration(protocol.DefaultTimeout),
		},
		Migration: MigrationConfig{
			HotThreshold: config.Duration(time.Minute),
		},
		Transfer: TransferConfig{
			RequestTimeout:      config.Duration(protocol.DefaultTimeout),
			Transport:           "tcp",
			Compression:         codec.LZ4,
			CompressionLevel:    int(codec.LevelDefault),
			Encryption:          protocol.EncryptionNone,
			MaintenanceInterval: config.Duration(time.Second),
			MeasureInterval:     config.Duration(30 * time.Second),
		},
		Memory: MemoryConfig{
			TeraPage: 64 << 20,
		},
		ExportMemory: 256 << 20,
	}
}

// Reset implements config.Fragment.
func (c *Config) Reset() {
	cfglock.Lock()
	defer cfglock.Unlock()
	*c = DefaultConfig()
}

// Describe implements config.Fragment.
func (c *Config) Describe() string {
	return `TelePaging distributed tiered memory.
  Mode:                          disabled, prediction-only, prefetch-only or full
  Profile:                       balanced, performance, power-saving or custom
  PrefetchWindow:                pages predicted ahead
  PredictionConfidenceThreshold: minimum confidence of predictions, 0-100
  MaxMigrationDistance:          maximum tier distance of a migration
  LearningEnabled:               learn new access patterns
  Prefetcher:                    Policy, MaxConcurrent, MemoryBudget, MinConfidence, Timeout
  Migration:                     ScanInterval, MaxMigrationsPerScan, ColdThreshold,
                                 HotThreshold, HotAccessCount, Bandwidth (MB/s)
  Transfer:                      RequestTimeout, Transport, Compression, CompressionLevel,
                                 Encryption, Key, MaintenanceInterval, MeasureInterval
  Memory:                        sizes of the TeraPage, HBM, Accelerator and NVM tiers
  NodeID, Listen, ExportMemory:  this node, its page server address and exported memory
  Nodes:                         list of ID, Address, Memory of cluster nodes`
}

// Validate implements config.FragmentValidator.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, ok := profiles[c.Profile]; !ok && c.Profile != ProfileCustom {
		result = multierror.Append(result, telepageError("unknown profile %q", c.Profile))
	}
	if c.PrefetchWindow < 0 || c.PrefetchWindow > 64 {
		result = multierror.Append(result, telepageError("invalid prefetch window %d", c.PrefetchWindow))
	}
	if t := c.PredictionConfidenceThreshold; t < 0 || t > 100 {
		result = multierror.Append(result, telepageError("invalid confidence threshold %d", t))
	}
	if t := c.Prefetcher.MinConfidence; t < 0 || t > 100 {
		result = multierror.Append(result, telepageError("invalid prefetch confidence %d", t))
	}
	if d := c.MaxMigrationDistance; d < 0 || d > Remote.Rank() {
		result = multierror.Append(result, telepageError("invalid migration distance %d", d))
	}
	if c.Prefetcher.MaxConcurrent < 0 {
		result = multierror.Append(result, telepageError("invalid prefetch concurrency %d", c.Prefetcher.MaxConcurrent))
	}
	switch strings.ToLower(c.Transfer.Transport) {
	case "tcp", "rdma":
	default:
		result = multierror.Append(result, telepageError("unknown transport %q", c.Transfer.Transport))
	}
	if l := c.Transfer.CompressionLevel; l < int(codec.LevelFastest) || l > int(codec.LevelBetter) {
		result = multierror.Append(result, telepageError("invalid compression level %d", l))
	}
	if c.Transfer.Encryption != protocol.EncryptionNone && c.Transfer.Key == "" {
		result = multierror.Append(result, telepageError("encryption %s needs a key", c.Transfer.Encryption))
	}
	if c.Memory.TeraPage == 0 {
		result = multierror.Append(result, telepageError("no TeraPage memory configured"))
	}
	seen := map[uint64]string{}
	for _, n := range c.Nodes {
		if addr, ok := seen[n.ID]; ok {
			result = multierror.Append(result, telepageError("node %d listed twice (%s, %s)", n.ID, addr, n.Address))
		}
		seen[n.ID] = n.Address
		if n.Address == "" && n.ID != c.NodeID {
			result = multierror.Append(result, telepageError("node %d has no address", n.ID))
		}
	}

	return result.ErrorOrNil()
}

// Resolved returns the configuration with unset values filled in from
// the profile. The custom profile falls back to balanced defaults.
func (c Config) Resolved() Config {
	p, ok := profiles[c.Profile]
	if !ok {
		p = profiles[ProfileBalanced]
	}

	m := &c.Migration
	if m.ScanInterval == 0 {
		m.ScanInterval = config.Duration(p.scanInterval)
	}
	if m.MaxMigrationsPerScan == 0 {
		m.MaxMigrationsPerScan = p.maxMigrations
	}
	if m.ColdThreshold == 0 {
		m.ColdThreshold = config.Duration(p.coldThreshold)
	}
	if m.HotThreshold == 0 {
		m.HotThreshold = config.Duration(time.Minute)
	}
	if m.HotAccessCount == 0 {
		m.HotAccessCount = p.hotAccessCount
	}
	if m.Bandwidth == 0 {
		m.Bandwidth = p.bandwidth
	}
	if c.Prefetcher.MemoryBudget == 0 {
		c.Prefetcher.MemoryBudget = p.memoryBudget
	}
	if c.Prefetcher.MaxConcurrent == 0 {
		c.Prefetcher.MaxConcurrent = 4
	}
	if c.Prefetcher.Timeout == 0 {
		c.Prefetcher.Timeout = config.Duration(protocol.DefaultTimeout)
	}
	if c.Transfer.RequestTimeout == 0 {
		c.Transfer.RequestTimeout = config.Duration(protocol.DefaultTimeout)
	}
	if c.Transfer.MaintenanceInterval == 0 {
		c.Transfer.MaintenanceInterval = config.Duration(time.Second)
	}
	if c.Transfer.MeasureInterval == 0 {
		c.Transfer.MeasureInterval = config.Duration(30 * time.Second)
	}
	c.Nodes = append([]NodeConfig{}, c.Nodes...)

	return c
}

// RemoteOptions returns the options of remote node clients.
func (c *Config) RemoteOptions() (remote.Options, error) {
	var key []byte
	if c.Transfer.Key != "" {
		key = []byte(c.Transfer.Key)
	}
	t, err := protocol.NewTransform(c.Transfer.Compression, codec.Level(c.Transfer.CompressionLevel),
		c.Transfer.Encryption, key)
	if err != nil {
		return remote.Options{}, err
	}
	transport := protocol.TransportTCP
	if strings.ToLower(c.Transfer.Transport) == "rdma" {
		transport = protocol.TransportRDMA
	}
	return remote.Options{
		Local:     c.NodeID,
		Timeout:   c.Transfer.RequestTimeout.Std(),
		Transform: t,
		Transport: transport,
	}, nil
}

// RemoteNodes returns the cluster nodes of the configuration.
func (c *Config) RemoteNodes() []remote.Node {
	nodes := make([]remote.Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		nodes = append(nodes, remote.Node{ID: n.ID, Address: n.Address, Memory: n.Memory})
	}
	return nodes
}

func (c *Config) prefetcherOptions() PrefetcherOptions {
	return PrefetcherOptions{
		Policy:        c.Prefetcher.Policy,
		Window:        c.PrefetchWindow,
		MaxConcurrent: c.Prefetcher.MaxConcurrent,
		MemoryBudget:  c.Prefetcher.MemoryBudget,
		MinConfidence: c.Prefetcher.MinConfidence,
		Timeout:       c.Prefetcher.Timeout.Std(),
	}
}

func (c *Config) heatOptions() HeatOptions {
	return HeatOptions{
		HotWindow: c.Migration.HotThreshold.Std(),
		HotCount:  c.Migration.HotAccessCount,
		ColdAfter: c.Migration.ColdThreshold.Std(),
	}
}

// String returns the configuration as JSON.
func (c Config) String() string {
	raw, err := json.Marshal(c)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(raw)
}

// CurrentConfig returns a copy of the active runtime configuration.
func CurrentConfig() Config {
	cfglock.RLock()
	defer cfglock.RUnlock()
	c := *opt
	c.Nodes = append([]NodeConfig{}, opt.Nodes...)
	return c
}

func init() {
	config.MustRegister(configModule, opt)
}
