// Package planner derives the target set from the manifest and the fleet
// inventory, diffs it against the persisted current state, and populates
// the dependency graph the executor drains. It also owns the step-level
// bookkeeping shared with the executor: committing outcomes back to the
// state store and resolving output-valued variables.
package planner

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
	"github.com/mensylisir/fleetctl/pkg/deploy/fleet"
	"github.com/mensylisir/fleetctl/pkg/deploy/graph"
	"github.com/mensylisir/fleetctl/pkg/deploy/manifest"
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
	"github.com/mensylisir/fleetctl/pkg/logger"
)

// ErrModuleBlockMissing reports a deployment present in the current state
// whose module has no block in the manifest: destroys need the module's
// configuration, so the block must stay (even with an empty deployment
// list) until the last deployment is gone.
type ErrModuleBlockMissing struct {
	Module string
}

func (e *ErrModuleBlockMissing) Error() string {
	return fmt.Sprintf("there must be a block for the module %q even with an empty list of deployments", e.Module)
}

// Filters is the CLI include/exclude surface restricting which steps are
// acted on during a run. Excluded steps still enter the graph (ordering
// needs them) but are marked skipped.
type Filters struct {
	IncludeModules      []string
	ExcludeModules      []string
	IncludeAccountIDs   []string
	IncludeAccountNames []string
	IncludeAccountTags  []string
	IncludeOUIDs        []string
	IncludeOUTags       []string
	ExcludeAccountIDs   []string
	ExcludeAccountNames []string
	ExcludeAccountTags  []string
	ExcludeOUIDs        []string
	ExcludeOUTags       []string
	IncludeRegions      []string
	ExcludeRegions      []string
}

// Options configures a Package.
type Options struct {
	Manifest  *manifest.Manifest
	Inventory *fleet.Inventory
	Modules   map[string]*engine.Module
	Store     *state.Store
	Command   string
	// ForceUpdate redeploys steps whose hash and variables are unchanged.
	ForceUpdate bool
	Filters     Filters
	Logger      *logger.Logger
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Package is the planned run: the target and current sets, their diff
// expressed as per-step actions in the dependency graph, and the module
// configurations every step executes under.
type Package struct {
	manifest  *manifest.Manifest
	inventory *fleet.Inventory
	modules   map[string]*engine.Module
	current   *state.Store
	command   string

	forceUpdate bool

	target        map[state.StepKey]state.TargetRecord
	modulesConfig map[string]engine.ModuleConfig
	graph         *graph.Graph

	allowedModules  map[string]bool
	allowedAccounts map[string]bool
	allowedRegions  map[string]bool

	log *logger.Logger
	now func() time.Time
}

// New composes the module configurations, derives the target set, diffs it
// against the current store and validates the resulting graph.
func New(opts Options) (*Package, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Package{
		manifest:      opts.Manifest,
		inventory:     opts.Inventory,
		modules:       opts.Modules,
		current:       opts.Store,
		command:       opts.Command,
		forceUpdate:   opts.ForceUpdate,
		target:        make(map[state.StepKey]state.TargetRecord),
		modulesConfig: make(map[string]engine.ModuleConfig),
		graph:         graph.New(now),
		log:           log,
		now:           now,
	}

	if err := p.initModulesConfig(); err != nil {
		return nil, err
	}
	if err := p.initTargets(); err != nil {
		return nil, err
	}
	p.initFilters(opts.Filters)
	if err := p.initGraph(); err != nil {
		return nil, err
	}
	return p, nil
}

// Graph exposes the dependency graph for the executor and reporting.
func (p *Package) Graph() *graph.Graph { return p.graph }

// Store exposes the current state store.
func (p *Package) Store() *state.Store { return p.current }

// Target returns the target record for a key.
func (p *Package) Target(key state.StepKey) (state.TargetRecord, bool) {
	rec, ok := p.target[key]
	return rec, ok
}

// Command returns the CLI command this run executes.
func (p *Package) Command() string { return p.command }

// Module returns the loaded module for a key's module name.
func (p *Package) Module(name string) (*engine.Module, bool) {
	mod, ok := p.modules[name]
	return mod, ok
}

// initModulesConfig layers the effective configuration of each module:
// defaults for all engines, then engine-specific defaults, then the module
// block, and validates the result against the module's engine.
func (p *Package) initModulesConfig() error {
	for name, block := range p.manifest.Modules {
		mod, ok := p.modules[name]
		if !ok {
			return &manifest.ErrInvalid{Reason: fmt.Sprintf("module %q has no module directory", name)}
		}
		cfg := engine.ModuleConfig{}
		if defaults, ok := p.manifest.DefaultModuleConfiguration["All"]; ok {
			overlay(cfg, defaults)
		}
		if defaults, ok := p.manifest.DefaultModuleConfiguration[mod.Engine.Name()]; ok {
			overlay(cfg, defaults)
		}
		overlay(cfg, block.Configuration)
		if err := mod.Engine.ValidateModuleConfig(cfg); err != nil {
			return &manifest.ErrInvalid{Reason: fmt.Sprintf("configuration of %s: %v", name, err)}
		}
		p.modulesConfig[name] = cfg
	}
	return nil
}

// initTargets expands every deployment block into concrete (account,
// region) target records.
func (p *Package) initTargets() error {
	for name, block := range p.manifest.Modules {
		for _, deployment := range block.Deployments {
			if err := p.processDeploymentBlock(name, block, deployment); err != nil {
				return err
			}
		}
	}
	p.log.Infof("The target state contains %d deployments", len(p.target))
	return nil
}

func (p *Package) processDeploymentBlock(module string, block *manifest.ModuleBlock, deployment manifest.DeploymentBlock) error {
	mod := p.modules[module]
	engineName := mod.Engine.Name()

	// Variables layer the same way the module configuration does, with the
	// deployment block on top.
	variables := map[string]state.Value{}
	if defaults, ok := p.manifest.DefaultVariables["All"]; ok {
		overlay(variables, defaults)
	}
	if defaults, ok := p.manifest.DefaultVariables[engineName]; ok {
		overlay(variables, defaults)
	}
	overlay(variables, block.Variables)
	overlay(variables, deployment.Variables)

	varFromOutputs := map[string]manifest.OutputReference{}
	for name, ref := range block.VariablesFromOutputs {
		varFromOutputs[name] = ref
	}
	for name, ref := range deployment.VariablesFromOutputs {
		varFromOutputs[name] = ref
	}

	accountIDs := p.expandAccounts(deployment)
	for _, accountID := range accountIDs {
		for _, region := range p.expandRegions(accountID, deployment) {
			key := state.NewStepKey(module, accountID, region)
			record := state.TargetRecord{
				Variables:            substituteVariables(variables, accountID, region),
				VariablesFromOutputs: substituteOutputRefs(varFromOutputs, accountID, region),
				Dependencies:         substituteDependencies(deployment.Dependencies, accountID, region),
				ModuleHash:           mod.Hash,
			}
			p.target[key] = record
			p.resolveVariablesFromOutputs(key)
		}
	}
	return nil
}

// expandAccounts intersects the fleet against the block's include filters
// and subtracts its exclude filters.
func (p *Package) expandAccounts(deployment manifest.DeploymentBlock) []string {
	ids := newSet(p.inventory.AllAccounts())
	if include := deployment.Include; include != nil {
		if include.AccountIDs != nil {
			ids.intersect(p.inventory.AccountsByID(include.AccountIDs))
		}
		if include.AccountNames != nil {
			ids.intersect(p.inventory.AccountsByName(include.AccountNames))
		}
		if include.AccountTags != nil {
			ids.intersect(p.inventory.AccountsByTag(include.AccountTags))
		}
		if include.OUIDs != nil {
			ids.intersect(p.inventory.AccountsByOU(include.OUIDs))
		}
		if include.OUTags != nil {
			ids.intersect(p.inventory.AccountsByOUTag(include.OUTags))
		}
	}
	if exclude := deployment.Exclude; exclude != nil {
		if exclude.AccountIDs != nil {
			ids.subtract(p.inventory.AccountsByID(exclude.AccountIDs))
		}
		if exclude.AccountNames != nil {
			ids.subtract(p.inventory.AccountsByName(exclude.AccountNames))
		}
		if exclude.AccountTags != nil {
			ids.subtract(p.inventory.AccountsByTag(exclude.AccountTags))
		}
		if exclude.OUIDs != nil {
			ids.subtract(p.inventory.AccountsByOU(exclude.OUIDs))
		}
		if exclude.OUTags != nil {
			ids.subtract(p.inventory.AccountsByOUTag(exclude.OUTags))
		}
	}
	return ids.sorted()
}

// expandRegions returns the regions a deployment block covers for one
// account: the account's enabled regions, narrowed by include and exclude.
func (p *Package) expandRegions(accountID string, deployment manifest.DeploymentBlock) []string {
	regions := newSet(p.inventory.AccountRegions(accountID, []string{fleet.AllEnabledRegions}))
	if deployment.Include != nil && len(deployment.Include.Regions) > 0 {
		regions.intersect(p.inventory.AccountRegions(accountID, deployment.Include.Regions))
	}
	if deployment.Exclude != nil && len(deployment.Exclude.Regions) > 0 {
		regions.subtract(p.inventory.AccountRegions(accountID, deployment.Exclude.Regions))
	}
	return regions.sorted()
}

// initFilters reduces the CLI include/exclude arguments to allow-sets over
// modules, accounts and regions.
func (p *Package) initFilters(f Filters) {
	modules := map[string]bool{}
	for name := range p.modules {
		modules[name] = true
	}
	if f.IncludeModules != nil {
		modules = intersectSet(modules, f.IncludeModules)
	}
	for _, name := range f.ExcludeModules {
		delete(modules, name)
	}
	p.allowedModules = modules

	accounts := newSet(p.inventory.AllAccounts()).members
	if f.IncludeAccountIDs != nil {
		accounts = intersectSet(accounts, p.inventory.AccountsByID(f.IncludeAccountIDs))
	}
	if f.IncludeAccountNames != nil {
		accounts = intersectSet(accounts, p.inventory.AccountsByName(f.IncludeAccountNames))
	}
	if f.IncludeAccountTags != nil {
		accounts = intersectSet(accounts, p.inventory.AccountsByTag(f.IncludeAccountTags))
	}
	if f.IncludeOUIDs != nil {
		accounts = intersectSet(accounts, p.inventory.AccountsByOU(f.IncludeOUIDs))
	}
	if f.IncludeOUTags != nil {
		accounts = intersectSet(accounts, p.inventory.AccountsByOUTag(f.IncludeOUTags))
	}
	for _, id := range p.inventory.AccountsByID(f.ExcludeAccountIDs) {
		delete(accounts, id)
	}
	for _, id := range p.inventory.AccountsByName(f.ExcludeAccountNames) {
		delete(accounts, id)
	}
	for _, id := range p.inventory.AccountsByTag(f.ExcludeAccountTags) {
		delete(accounts, id)
	}
	for _, id := range p.inventory.AccountsByOU(f.ExcludeOUIDs) {
		delete(accounts, id)
	}
	for _, id := range p.inventory.AccountsByOUTag(f.ExcludeOUTags) {
		delete(accounts, id)
	}
	p.allowedAccounts = accounts

	regions := newSet(p.inventory.AllEnabledRegionNames()).members
	if f.IncludeRegions != nil {
		regions = intersectSet(regions, f.IncludeRegions)
	}
	for _, region := range f.ExcludeRegions {
		delete(regions, region)
	}
	p.allowedRegions = regions
}

// skippedByFilters reports whether the CLI filters exclude a step.
func (p *Package) skippedByFilters(key state.StepKey) bool {
	return !(p.allowedModules[key.Module] && p.allowedAccounts[key.AccountID] && p.allowedRegions[key.Region])
}

// initGraph populates the dependency graph from the target and current
// sets and validates it.
func (p *Package) initGraph() error {
	for key, targetRec := range p.target {
		action := graph.ActionCreate
		if currentRec, ok := p.current.Get(key); ok {
			if p.updateNeeded(currentRec, targetRec) {
				action = graph.ActionUpdate
			} else {
				action = graph.ActionNone
			}
		}
		maxAttempts, delay := p.modulesConfig[key.Module].RetryParams()
		p.graph.AddStep(key, action, p.skippedByFilters(key), maxAttempts, delay)
	}

	for key := range p.current.All() {
		if _, ok := p.modulesConfig[key.Module]; !ok {
			return &ErrModuleBlockMissing{Module: key.Module}
		}
		if _, ok := p.target[key]; !ok {
			maxAttempts, delay := p.modulesConfig[key.Module].RetryParams()
			p.graph.AddStep(key, graph.ActionDestroy, p.skippedByFilters(key), maxAttempts, delay)
		}
	}

	if err := p.addGraphDependencies(); err != nil {
		return err
	}
	if err := p.graph.Validate(); err != nil {
		return err
	}
	p.log.Debugf("The deployment graph is valid and contains %d steps", p.graph.Len())
	return nil
}

func (p *Package) addGraphDependencies() error {
	for _, step := range p.graph.Steps() {
		key := step.Key
		var deps []state.Dependency
		var varRefs map[string]state.OutputSource
		if rec, ok := p.target[key]; ok {
			deps, varRefs = rec.Dependencies, rec.VariablesFromOutputs
		} else if rec, ok := p.current.Get(key); ok {
			deps, varRefs = rec.Dependencies, rec.VariablesFromOutputs
		}
		for _, dep := range deps {
			if err := p.graph.AddDependency(dep.SourceKey(), key, false, dep.IgnoreIfMissing); err != nil {
				return errors.Wrapf(err, "dependencies of %s", key)
			}
		}
		for _, ref := range varRefs {
			if err := p.graph.AddDependency(ref.SourceKey(), key, true, ref.IgnoreIfMissing); err != nil {
				return errors.Wrapf(err, "variable sources of %s", key)
			}
		}
	}
	return nil
}

// updateNeeded reports whether the current and target records differ in
// module hash or variables, or the run forces updates.
func (p *Package) updateNeeded(current state.CurrentRecord, target state.TargetRecord) bool {
	if p.forceUpdate {
		return true
	}
	return current.ModuleHash != target.ModuleHash || !valuesEqual(current.Variables, target.Variables)
}

// resolveVariablesFromOutputs rewrites a step's variables from the outputs
// of its source deployments, when the source exists in the current state
// and carries the named output. Called once at plan time for a visible
// diff, and again by the executor right before each execution to pick up
// outputs produced during this run.
func (p *Package) resolveVariablesFromOutputs(key state.StepKey) {
	target, ok := p.target[key]
	if !ok {
		return
	}
	for varName, ref := range target.VariablesFromOutputs {
		source, ok := p.current.Get(ref.SourceKey())
		if !ok {
			continue
		}
		if value, ok := source.Outputs[ref.OutputName]; ok {
			target.Variables[varName] = value
		}
	}
}

// GetModuleConfig returns the module configuration for a step, with the
// placeholder tokens resolved to the step's account and region.
func (p *Package) GetModuleConfig(key state.StepKey) engine.ModuleConfig {
	cfg := p.modulesConfig[key.Module]
	resolved := substituteValue(deepCopyMap(cfg), key.AccountID, key.Region)
	return engine.ModuleConfig(resolved.(map[string]state.Value))
}

func overlay(dst map[string]state.Value, src map[string]state.Value) {
	for k, v := range src {
		dst[k] = v
	}
}
