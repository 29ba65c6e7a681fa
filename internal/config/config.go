package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/quorumdb/cluster/internal/models"
)

// Config is the node configuration read from the environment by the
// composition root. Durations come in as milliseconds to match the option
// names operators know.
type Config struct {
	ClusterName string `envconfig:"CLUSTER_NAME"`
	NodeID      string `envconfig:"NODE_ID,optional"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	ListenAddr string `envconfig:"LISTEN_ADDR"`
	SeedNodes  string `envconfig:"SEED_NODES"`

	Datacenter  string `envconfig:"DATACENTER"`
	Rack        string `envconfig:"RACK"`
	PreferLocal bool   `envconfig:"PREFER_LOCAL,default=false"`

	RingDelayMillis      int64   `envconfig:"RING_DELAY_MS,default=30000"`
	FdInitialValueMillis int64   `envconfig:"FD_INITIAL_VALUE_MS,optional"`
	FdMaxIntervalMillis  int64   `envconfig:"FD_MAX_INTERVAL_MS,optional"`
	PhiConvictThreshold  float64 `envconfig:"PHI_CONVICT_THRESHOLD,default=8.0"`
	GossipIntervalMillis int64   `envconfig:"GOSSIP_INTERVAL_MS,default=1000"`

	DynamicUpdateIntervalMillis int64   `envconfig:"DYNAMIC_UPDATE_INTERVAL_MS,default=100"`
	DynamicResetIntervalMillis  int64   `envconfig:"DYNAMIC_RESET_INTERVAL_MS,default=600000"`
	DynamicBadnessThreshold     float64 `envconfig:"DYNAMIC_BADNESS_THRESHOLD,default=0.1"`

	ReplicationStrategy string `envconfig:"REPLICATION_STRATEGY,default=network_topology"`
	// dc1:3,dc2:2 for the network-topology strategy; empty for local.
	ReplicationOptions string `envconfig:"REPLICATION_OPTIONS,optional"`

	PreferredAddrPath string `envconfig:"PREFERRED_ADDR_PATH,default=data/preferred.db"`
	AdminListenAddr   string `envconfig:"ADMIN_LISTEN_ADDR,default=:7071"`
	StatsdAddr        string `envconfig:"STATSD_ADDR,optional"`
}

func (c *Config) GossipInterval() time.Duration {
	return time.Duration(c.GossipIntervalMillis) * time.Millisecond
}

func (c *Config) RingDelay() time.Duration {
	return time.Duration(c.RingDelayMillis) * time.Millisecond
}

// FdInitialValue defaults to twice the gossip period so the very first
// interval does not convict anyone.
func (c *Config) FdInitialValue() time.Duration {
	if c.FdInitialValueMillis > 0 {
		return time.Duration(c.FdInitialValueMillis) * time.Millisecond
	}
	return 2 * c.GossipInterval()
}

func (c *Config) FdMaxInterval() time.Duration {
	if c.FdMaxIntervalMillis > 0 {
		return time.Duration(c.FdMaxIntervalMillis) * time.Millisecond
	}
	return c.FdInitialValue()
}

func (c *Config) DynamicUpdateInterval() time.Duration {
	return time.Duration(c.DynamicUpdateIntervalMillis) * time.Millisecond
}

func (c *Config) DynamicResetInterval() time.Duration {
	return time.Duration(c.DynamicResetIntervalMillis) * time.Millisecond
}

func (c *Config) Local() (models.Endpoint, error) {
	return models.ParseEndpoint(c.ListenAddr)
}

func (c *Config) Seeds() ([]models.Endpoint, error) {
	return models.ParseEndpoints(c.SeedNodes)
}

// StrategyOptions parses "dc:rf" pairs; duplicate datacenters are a
// configuration error and fail fast.
func (c *Config) StrategyOptions() (map[string]string, error) {
	options := make(map[string]string)
	if strings.TrimSpace(c.ReplicationOptions) == "" {
		return options, nil
	}
	for _, pair := range strings.Split(c.ReplicationOptions, ",") {
		dc, rf, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("invalid replication option %q: expected dc:rf", pair)
		}
		if _, dup := options[dc]; dup {
			return nil, fmt.Errorf("duplicate datacenter %q in replication options", dc)
		}
		options[dc] = rf
	}
	return options, nil
}

func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("cluster name must not be empty")
	}
	if c.Datacenter == "" || c.Rack == "" {
		return fmt.Errorf("datacenter and rack must be configured")
	}
	if c.GossipIntervalMillis <= 0 {
		return fmt.Errorf("gossip interval must be positive, got %dms", c.GossipIntervalMillis)
	}
	if c.RingDelayMillis <= 0 {
		return fmt.Errorf("ring delay must be positive, got %dms", c.RingDelayMillis)
	}
	if c.PhiConvictThreshold <= 0 {
		return fmt.Errorf("phi convict threshold must be positive, got %f", c.PhiConvictThreshold)
	}
	if c.DynamicBadnessThreshold < 0 {
		return fmt.Errorf("badness threshold must not be negative, got %f", c.DynamicBadnessThreshold)
	}
	if _, err := c.Local(); err != nil {
		return err
	}
	if _, err := c.Seeds(); err != nil {
		return err
	}
	if _, err := c.StrategyOptions(); err != nil {
		return err
	}
	return nil
}
