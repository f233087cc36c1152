// Package config loads FastStore's server and client configuration from a
// YAML file, mirroring the key layout of the original storage.conf:
// timeouts and retry policy, write-combine tuning, the OTID/OPID hash
// table shapes, recovery behavior, and replication channel count.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig holds exponential-backoff retry policy for a network op class.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.InitialWait == 0 {
		r.InitialWait = 100 * time.Millisecond
	}
	if r.MaxWait == 0 {
		r.MaxWait = 5 * time.Second
	}
	return r
}

// WriteCombineConfig tunes the client-side write-combine engine.
type WriteCombineConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
	MaxCombineTime time.Duration `yaml:"max_combine_time"`
	FlushWorkers  int           `yaml:"flush_workers"`
}

func (w WriteCombineConfig) withDefaults() WriteCombineConfig {
	if w.MaxBufferSize == 0 {
		w.MaxBufferSize = 4 << 20
	}
	if w.MaxCombineTime == 0 {
		w.MaxCombineTime = 500 * time.Millisecond
	}
	if w.FlushWorkers == 0 {
		w.FlushWorkers = 4
	}
	return w
}

// HTableConfig sizes a sharded hash table (OTID or OPID).
type HTableConfig struct {
	ShardCount int           `yaml:"shard_count"`
	Capacity   int           `yaml:"capacity"`
	EntryTTL   time.Duration `yaml:"entry_ttl"`
	TTLJitter  time.Duration `yaml:"ttl_jitter"`
}

func (h HTableConfig) withDefaults(shardCount, capacity int, ttl time.Duration) HTableConfig {
	if h.ShardCount == 0 {
		h.ShardCount = shardCount
	}
	if h.Capacity == 0 {
		h.Capacity = capacity
	}
	if h.EntryTTL == 0 {
		h.EntryTTL = ttl
	}
	if h.TTLJitter == 0 {
		h.TTLJitter = h.EntryTTL / 10
	}
	return h
}

// RecoveryConfig tunes the data-recovery driver.
type RecoveryConfig struct {
	ThreadsPerDataGroup int           `yaml:"threads_per_data_group"`
	MaxQueueDepth       int           `yaml:"max_queue_depth"`
	FetchBatchRecords   int           `yaml:"fetch_batch_records"`
	CatchUpPollInterval time.Duration `yaml:"catch_up_poll_interval"`
	CatchUpFastEnough   time.Duration `yaml:"catch_up_fast_enough"`
	MaxCatchUpLag       uint64        `yaml:"max_catch_up_lag"`
}

func (r RecoveryConfig) withDefaults() RecoveryConfig {
	if r.ThreadsPerDataGroup == 0 {
		r.ThreadsPerDataGroup = 4
	}
	if r.MaxQueueDepth == 0 {
		r.MaxQueueDepth = 128
	}
	if r.FetchBatchRecords == 0 {
		r.FetchBatchRecords = 1024
	}
	if r.CatchUpPollInterval == 0 {
		r.CatchUpPollInterval = time.Second
	}
	if r.CatchUpFastEnough == 0 {
		r.CatchUpFastEnough = time.Second
	}
	if r.MaxCatchUpLag == 0 {
		r.MaxCatchUpLag = 64
	}
	return r
}

// ReplicaConfig tunes the replication pipeline.
type ReplicaConfig struct {
	ChannelsBetweenTwoServers int           `yaml:"channels_between_two_servers"`
	AckTimeout                time.Duration `yaml:"ack_timeout"`
}

func (r ReplicaConfig) withDefaults() ReplicaConfig {
	if r.ChannelsBetweenTwoServers == 0 {
		r.ChannelsBetweenTwoServers = 4
	}
	if r.AckTimeout == 0 {
		r.AckTimeout = 3 * time.Second
	}
	return r
}

// AllocatorConfig sizes the sharded allocator pool.
type AllocatorConfig struct {
	ShardCount int `yaml:"shard_count"`
	TrunkSize  uint64 `yaml:"trunk_size"`
}

func (a AllocatorConfig) withDefaults() AllocatorConfig {
	if a.ShardCount == 0 {
		a.ShardCount = 17
	}
	if a.TrunkSize == 0 {
		a.TrunkSize = 64 << 20
	}
	return a
}

// TrunkReclaimConfig tunes the background trunk reclaimer.
type TrunkReclaimConfig struct {
	Interval           time.Duration `yaml:"interval"`
	SparsenessThreshold float64      `yaml:"sparseness_threshold"`
}

func (t TrunkReclaimConfig) withDefaults() TrunkReclaimConfig {
	if t.Interval == 0 {
		t.Interval = 30 * time.Second
	}
	if t.SparsenessThreshold == 0 {
		t.SparsenessThreshold = 0.6
	}
	return t
}

// ReadRule selects how a read is served relative to the write-combine cache.
type ReadRule string

const (
	// ReadRuleCombineFirst serves from the client-side combine cache
	// before falling through to the data server.
	ReadRuleCombineFirst ReadRule = "combine_first"
	// ReadRuleServerOnly always reads through to the data server.
	ReadRuleServerOnly ReadRule = "server_only"
)

// Config is FastStore's full runtime configuration.
type Config struct {
	DataPath string `yaml:"data_path"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`
	ReadRule       ReadRule      `yaml:"read_rule"`

	NetRetry RetryConfig `yaml:"net_retry"`

	WriteCombine WriteCombineConfig `yaml:"write_combine"`

	OPIDHTable HTableConfig `yaml:"opid_htable"`
	OTIDHTable HTableConfig `yaml:"otid_htable"`

	Recovery RecoveryConfig `yaml:"recovery"`
	Replica  ReplicaConfig  `yaml:"replica"`
	Allocator AllocatorConfig `yaml:"allocator"`
	TrunkReclaim TrunkReclaimConfig `yaml:"trunk_reclaim"`

	DataGroupCount uint32 `yaml:"data_group_count"`

	Log log `yaml:"log"`
}

// log mirrors pkg/log.Config's fields for embedding in the top-level file.
type log struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns a Config populated entirely with defaults, used by
// tests and by the server binary when no config path is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and parses a YAML config file, filling unset fields with
// defaults the way the original storage.conf's own built-ins worked.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.DataPath == "" {
		c.DataPath = "./data"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.NetworkTimeout == 0 {
		c.NetworkTimeout = 10 * time.Second
	}
	if c.ReadRule == "" {
		c.ReadRule = ReadRuleCombineFirst
	}
	if c.DataGroupCount == 0 {
		c.DataGroupCount = 1
	}
	c.NetRetry = c.NetRetry.withDefaults()
	c.WriteCombine = c.WriteCombine.withDefaults()
	c.OPIDHTable = c.OPIDHTable.withDefaults(61, 65536, 2*time.Minute)
	c.OTIDHTable = c.OTIDHTable.withDefaults(61, 65536, 5*time.Minute)
	c.Recovery = c.Recovery.withDefaults()
	c.Replica = c.Replica.withDefaults()
	c.Allocator = c.Allocator.withDefaults()
	c.TrunkReclaim = c.TrunkReclaim.withDefaults()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.DataGroupCount == 0 {
		return fmt.Errorf("data_group_count must be >= 1")
	}
	if c.Allocator.ShardCount <= 0 {
		return fmt.Errorf("allocator.shard_count must be > 0")
	}
	if c.Replica.ChannelsBetweenTwoServers <= 0 {
		return fmt.Errorf("replica.channels_between_two_servers must be > 0")
	}
	if c.TrunkReclaim.SparsenessThreshold <= 0 || c.TrunkReclaim.SparsenessThreshold >= 1 {
		return fmt.Errorf("trunk_reclaim.sparseness_threshold must be in (0, 1)")
	}
	return nil
}
