package modules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/cortexproject/querynode/pkg/util/services"
)

type module struct {
	deps []string

	// nil for modules that only group their dependencies.
	initFn func() (services.Service, error)
}

// NamedService is a module's service together with the module name.
type NamedService struct {
	Name    string
	Service services.Service
}

// Manager initialises the modules of a process in dependency order.
type Manager struct {
	modules map[string]*module
}

func NewManager() *Manager {
	return &Manager{
		modules: make(map[string]*module),
	}
}

// RegisterModule registers a module under name. Registering the same name
// twice replaces the earlier init function and drops its dependencies.
func (m *Manager) RegisterModule(name string, initFn func() (services.Service, error)) {
	m.modules[name] = &module{initFn: initFn}
}

// AddDependency records that name needs every module in dependsOn. All of them
// must already be registered.
func (m *Manager) AddDependency(name string, dependsOn ...string) error {
	mod, ok := m.modules[name]
	if !ok {
		return fmt.Errorf("no such module: %s", name)
	}
	for _, d := range dependsOn {
		if _, ok := m.modules[d]; !ok {
			return fmt.Errorf("module %s depends on unknown module %s", name, d)
		}
	}
	mod.deps = append(mod.deps, dependsOn...)
	return nil
}

// InitModuleServices runs the init function of target and of everything it
// transitively depends on, dependencies first. Services come back in that same
// order: start them front to back and stop them back to front.
func (m *Manager) InitModuleServices(target string) ([]NamedService, error) {
	if _, ok := m.modules[target]; !ok {
		return nil, fmt.Errorf("unrecognised module name: %s", target)
	}

	order, err := m.initOrder(target)
	if err != nil {
		return nil, err
	}

	var result []NamedService
	for _, name := range order {
		initFn := m.modules[name].initFn
		if initFn == nil {
			continue
		}

		s, err := initFn()
		if err != nil {
			return nil, errors.Wrapf(err, "error initialising module: %s", name)
		}
		if s != nil {
			result = append(result, NamedService{Name: name, Service: s})
		}
	}
	return result, nil
}

// ModuleNames returns the registered module names, sorted.
func (m *Manager) ModuleNames() []string {
	result := make([]string, 0, len(m.modules))
	for name := range m.modules {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// initOrder returns target and its transitive dependencies, each placed after
// everything it depends on. Siblings are visited by name so the order is stable.
func (m *Manager) initOrder(target string) ([]string, error) {
	const (
		visiting = 1
		visited  = 2
	)

	var (
		state = map[string]int{}
		order []string
		path  []string
	)

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle: %s -> %s", strings.Join(path, " -> "), name)
		}

		state[name] = visiting
		path = append(path, name)

		deps := append([]string(nil), m.modules[name].deps...)
		sort.Strings(deps)
		for _, d := range deps {
			if err := visit(d); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		state[name] = visited
		order = append(order, name)
		return nil
	}

	if err := visit(target); err != nil {
		return nil, err
	}
	return order, nil
}
