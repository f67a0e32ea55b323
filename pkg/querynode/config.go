package querynode

import (
	"flag"

	"github.com/pkg/errors"
	"github.com/weaveworks/common/server"

	"github.com/cortexproject/querynode/pkg/queryctx"
	"github.com/cortexproject/querynode/pkg/tracing"
	"github.com/cortexproject/querynode/pkg/worker"
)

// Config is the root config for the query node.
type Config struct {
	PrintConfig bool `yaml:"-"`

	Server       server.Config   `yaml:"server"`
	QueryContext queryctx.Config `yaml:"query_context"`
	Worker       worker.Config   `yaml:"worker"`
	Tracing      tracing.Config  `yaml:"tracing"`
}

// RegisterFlags registers flag.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Server.MetricsNamespace = "cortex"
	c.Server.ExcludeRequestInLog = true
	f.BoolVar(&c.PrintConfig, "print.config", false, "Print the config and exit.")

	c.Server.RegisterFlags(f)
	c.QueryContext.RegisterFlags(f)
	c.Worker.RegisterFlags(f)
	c.Tracing.RegisterFlags(f)
}

// Validate the config and returns an error if the validation
// doesn't pass
func (c *Config) Validate() error {
	if err := c.QueryContext.Validate(); err != nil {
		return errors.Wrap(err, "invalid query context config")
	}
	if err := c.Worker.Validate(); err != nil {
		return errors.Wrap(err, "invalid worker config")
	}
	if err := c.Tracing.Validate(); err != nil {
		return errors.Wrap(err, "invalid tracing config")
	}
	return nil
}
