package queryctx

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Config for the query context registry.
type Config struct {
	ShardCount           int           `yaml:"shard_count"`
	TombstoneGracePeriod time.Duration `yaml:"tombstone_grace_period"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	DefaultExpireTimeout time.Duration `yaml:"default_expire_timeout"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.ShardCount, "query-context.shard-count", 64, "Number of independently locked shards of the query context registry.")
	f.DurationVar(&cfg.TombstoneGracePeriod, "query-context.tombstone-grace-period", time.Minute, "How long a removed query context stays reachable for late status and fetch requests before it is reclaimed.")
	f.DurationVar(&cfg.SweepInterval, "query-context.sweep-interval", 5*time.Second, "How often finished, expired and tombstoned query contexts are reclaimed.")
	f.DurationVar(&cfg.DefaultExpireTimeout, "query-context.default-expire-timeout", 300*time.Second, "Idle period after which a query context with no running fragment may be reclaimed, unless the query sets its own timeout.")
}

func (cfg *Config) Validate() error {
	if cfg.ShardCount <= 0 {
		return errors.Errorf("query context shard count must be positive, got %d", cfg.ShardCount)
	}
	if cfg.TombstoneGracePeriod <= 0 {
		return errors.New("query context tombstone grace period must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("query context sweep interval must be positive")
	}
	if cfg.DefaultExpireTimeout <= 0 {
		return errors.New("query context default expire timeout must be positive")
	}
	return nil
}
