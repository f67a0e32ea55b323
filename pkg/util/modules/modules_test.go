package modules

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexproject/querynode/pkg/util/services"
)

func idleInit(initialised *[]string, name string) func() (services.Service, error) {
	return func() (services.Service, error) {
		*initialised = append(*initialised, name)
		return services.NewIdleService(nil, nil), nil
	}
}

func TestInitModuleServices_DependencyOrder(t *testing.T) {
	var initialised []string

	mm := NewManager()
	mm.RegisterModule("server", idleInit(&initialised, "server"))
	mm.RegisterModule("query-contexts", idleInit(&initialised, "query-contexts"))
	mm.RegisterModule("worker", idleInit(&initialised, "worker"))
	mm.RegisterModule("all", nil)

	require.NoError(t, mm.AddDependency("worker", "server", "query-contexts"))
	require.NoError(t, mm.AddDependency("all", "worker"))

	svcs, err := mm.InitModuleServices("all")
	require.NoError(t, err)

	var names []string
	for _, s := range svcs {
		names = append(names, s.Name)
		assert.NotNil(t, s.Service)
	}
	assert.Equal(t, []string{"query-contexts", "server", "worker"}, names)
	assert.Equal(t, names, initialised)
	assert.Equal(t, []string{"all", "query-contexts", "server", "worker"}, mm.ModuleNames())
}

func TestInitModuleServices_Errors(t *testing.T) {
	mm := NewManager()
	mm.RegisterModule("broken", func() (services.Service, error) {
		return nil, errors.New("no listener")
	})
	mm.RegisterModule("top", nil)

	assert.Error(t, mm.AddDependency("missing", "top"))
	assert.Error(t, mm.AddDependency("top", "missing"))
	require.NoError(t, mm.AddDependency("top", "broken"))

	_, err := mm.InitModuleServices("top")
	assert.ErrorContains(t, err, "error initialising module: broken")

	_, err = mm.InitModuleServices("unknown")
	assert.Error(t, err)
}

func TestInitModuleServices_SharedDependencyInitialisedOnce(t *testing.T) {
	var initialised []string

	mm := NewManager()
	for _, name := range []string{"tracing", "server", "query-contexts", "worker"} {
		mm.RegisterModule(name, idleInit(&initialised, name))
	}
	require.NoError(t, mm.AddDependency("server", "tracing"))
	require.NoError(t, mm.AddDependency("query-contexts", "tracing"))
	require.NoError(t, mm.AddDependency("worker", "tracing", "server", "query-contexts"))

	_, err := mm.InitModuleServices("worker")
	require.NoError(t, err)
	assert.Equal(t, []string{"tracing", "query-contexts", "server", "worker"}, initialised)
}

func TestInitModuleServices_Cycle(t *testing.T) {
	var initialised []string

	mm := NewManager()
	mm.RegisterModule("a", idleInit(&initialised, "a"))
	mm.RegisterModule("b", idleInit(&initialised, "b"))
	require.NoError(t, mm.AddDependency("a", "b"))
	require.NoError(t, mm.AddDependency("b", "a"))

	_, err := mm.InitModuleServices("a")
	assert.EqualError(t, err, "dependency cycle: a -> b -> a")
	assert.Empty(t, initialised)
}
