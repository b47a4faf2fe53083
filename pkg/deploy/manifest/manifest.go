// Package manifest loads the package definition file: which modules exist,
// where each one is deployed across the organization, and the settings
// shared by a package (state bucket, worker count, defaults per engine).
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// DefaultFileName is where the package definition is looked up when no
// path is given on the command line.
const DefaultFileName = "package.yaml"

// DefaultConcurrentWorkers bounds the executor pool when the manifest does
// not set ConcurrentWorkers.
const DefaultConcurrentWorkers = 10

// ErrInvalid wraps everything that is wrong with a package definition file.
type ErrInvalid struct {
	Reason string
}

func (e *ErrInvalid) Error() string {
	return "the package definition file is invalid - " + e.Reason
}

func invalidf(format string, args ...interface{}) error {
	return &ErrInvalid{Reason: fmt.Sprintf(format, args...)}
}

// PackageConfiguration carries the package-wide settings.
type PackageConfiguration struct {
	S3Bucket          string `yaml:"S3Bucket"`
	S3Region          string `yaml:"S3Region"`
	S3Prefix          string `yaml:"S3Prefix"`
	ConcurrentWorkers int    `yaml:"ConcurrentWorkers"`
	// OverrideAccountNameByTag names an account tag whose value replaces
	// the account name during fleet discovery.
	OverrideAccountNameByTag string `yaml:"OverrideAccountNameByTag"`
}

// SourceReference points at another deployment, optionally tolerating its
// absence from the graph.
type SourceReference struct {
	Module          string `yaml:"Module"`
	AccountID       string `yaml:"AccountId"`
	Region          string `yaml:"Region"`
	IgnoreIfMissing bool   `yaml:"IgnoreIfNotExists"`
}

// OutputReference points at one named output of another deployment.
type OutputReference struct {
	Module          string `yaml:"Module"`
	AccountID       string `yaml:"AccountId"`
	Region          string `yaml:"Region"`
	OutputName      string `yaml:"OutputName"`
	IgnoreIfMissing bool   `yaml:"IgnoreIfNotExists"`
}

// Scope filters the fleet down to the accounts and regions a deployment
// block covers.
type Scope struct {
	AccountIDs   []string `yaml:"AccountIds"`
	AccountNames []string `yaml:"AccountNames"`
	AccountTags  []string `yaml:"AccountTags"`
	OUIDs        []string `yaml:"OUIds"`
	OUTags       []string `yaml:"OUTags"`
	Regions      []string `yaml:"Regions"`
}

// DeploymentBlock is one entry of a module's Deployments list.
type DeploymentBlock struct {
	Include              *Scope                     `yaml:"Include"`
	Exclude              *Scope                     `yaml:"Exclude"`
	Variables            map[string]state.Value     `yaml:"Variables"`
	VariablesFromOutputs map[string]OutputReference `yaml:"VariablesFromOutputs"`
	Dependencies         []SourceReference          `yaml:"Dependencies"`
}

// ModuleBlock declares the deployments of one module and its shared
// configuration and variables.
type ModuleBlock struct {
	Configuration        map[string]state.Value     `yaml:"Configuration"`
	Variables            map[string]state.Value     `yaml:"Variables"`
	VariablesFromOutputs map[string]OutputReference `yaml:"VariablesFromOutputs"`
	Deployments          []DeploymentBlock          `yaml:"Deployments"`
}

// Manifest is the parsed package definition file.
type Manifest struct {
	PackageConfiguration PackageConfiguration              `yaml:"PackageConfiguration"`
	// DefaultModuleConfiguration and DefaultVariables layer defaults under
	// each module: the key "All" applies to every engine, an engine name
	// applies to that engine's modules only.
	DefaultModuleConfiguration map[string]map[string]state.Value `yaml:"DefaultModuleConfiguration"`
	DefaultVariables           map[string]map[string]state.Value `yaml:"DefaultVariables"`
	Modules                    map[string]*ModuleBlock           `yaml:"Modules"`
}

// Load reads and validates a package definition file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, invalidf("reading %s: %v", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a package definition document.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, invalidf("%v", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.PackageConfiguration.S3Bucket == "" {
		return invalidf("PackageConfiguration.S3Bucket is required")
	}
	if m.PackageConfiguration.S3Region == "" {
		return invalidf("PackageConfiguration.S3Region is required")
	}
	if m.PackageConfiguration.ConcurrentWorkers < 0 {
		return invalidf("PackageConfiguration.ConcurrentWorkers must not be negative")
	}
	if len(m.Modules) == 0 {
		return invalidf("at least one module block is required")
	}
	for name, block := range m.Modules {
		if block == nil {
			return invalidf("module %q: block must be a mapping", name)
		}
		for i, deployment := range block.Deployments {
			for varName, ref := range deployment.VariablesFromOutputs {
				if ref.Module == "" || ref.AccountID == "" || ref.Region == "" || ref.OutputName == "" {
					return invalidf("module %q deployment %d: VariablesFromOutputs.%s must set Module, AccountId, Region and OutputName", name, i, varName)
				}
			}
			for j, dep := range deployment.Dependencies {
				if dep.Module == "" || dep.AccountID == "" || dep.Region == "" {
					return invalidf("module %q deployment %d: Dependencies[%d] must set Module, AccountId and Region", name, i, j)
				}
			}
		}
		for varName, ref := range block.VariablesFromOutputs {
			if ref.Module == "" || ref.AccountID == "" || ref.Region == "" || ref.OutputName == "" {
				return invalidf("module %q: VariablesFromOutputs.%s must set Module, AccountId, Region and OutputName", name, varName)
			}
		}
	}
	return nil
}

// Workers returns the configured worker count, defaulted.
func (m *Manifest) Workers() int {
	if m.PackageConfiguration.ConcurrentWorkers > 0 {
		return m.PackageConfiguration.ConcurrentWorkers
	}
	return DefaultConcurrentWorkers
}

// ObjectKey prepends the configured S3 prefix to an object name.
func (m *Manifest) ObjectKey(name string) string {
	return m.PackageConfiguration.S3Prefix + name
}
