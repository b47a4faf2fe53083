package engine

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mensylisir/fleetctl/pkg/deploy/state"
	"github.com/mensylisir/fleetctl/pkg/logger"
)

// Module is one named unit of infrastructure-as-code: its engine, its
// on-disk sources, and the content fingerprint computed over them.
type Module struct {
	Name   string
	Engine Engine
	Dir    string
	Hash   string
}

// retentionOverride is the shape of the per-module override file that
// redefines which files participate in the module hash.
type retentionOverride struct {
	Include []string `yaml:"Include"`
	Exclude []string `yaml:"Exclude"`
}

// loadRetention returns the hash retention rule for a module directory:
// the engine default, unless a valid override file redefines it. A missing
// or unreadable override file falls back to the default silently; the file
// itself is always excluded from hashing by the state package.
func loadRetention(dir string, e Engine) state.RetentionRule {
	rule := e.DefaultRetention()
	raw, err := os.ReadFile(filepath.Join(dir, state.OverrideFileName))
	if err != nil {
		return rule
	}
	var override retentionOverride
	if err := yaml.Unmarshal(raw, &override); err != nil {
		logger.Get().Warnf("Ignoring invalid %s in %s: %v", state.OverrideFileName, dir, err)
		return rule
	}
	if override.Include != nil {
		rule.Include = override.Include
	}
	if override.Exclude != nil {
		rule.Exclude = override.Exclude
	}
	return rule
}

// LoadModule builds a Module from a directory, computing its hash with the
// engine's retention rule or the module's override.
func LoadModule(name, dir string, e Engine) (*Module, error) {
	rule := loadRetention(dir, e)
	hash, err := state.ModuleHash(os.DirFS(dir), ".", rule)
	if err != nil {
		return nil, errors.Wrapf(err, "hashing module %s", name)
	}
	return &Module{Name: name, Engine: e, Dir: dir, Hash: hash}, nil
}

// LoadModules discovers the modules shipped alongside a manifest. The first
// directory level under packageDir names the engine, the second names the
// module; module names must be unique across engines.
func LoadModules(packageDir string, reg *Registry) (map[string]*Module, error) {
	modules := make(map[string]*Module)
	for _, engineName := range reg.Names() {
		e, _ := reg.Get(engineName)
		engineDir := filepath.Join(packageDir, engineName)
		entries, err := os.ReadDir(engineDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "listing modules for engine %s", engineName)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, dup := modules[name]; dup {
				return nil, errors.Errorf("the module %s already exists", name)
			}
			mod, err := LoadModule(name, filepath.Join(engineDir, name), e)
			if err != nil {
				return nil, err
			}
			modules[name] = mod
		}
	}
	logger.Get().Infof("Found %d modules in this package", len(modules))
	return modules, nil
}
