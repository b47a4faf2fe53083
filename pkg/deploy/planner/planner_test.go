package planner

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
	"github.com/mensylisir/fleetctl/pkg/deploy/fleet"
	"github.com/mensylisir/fleetctl/pkg/deploy/graph"
	"github.com/mensylisir/fleetctl/pkg/deploy/manifest"
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// fakeObjectStore is an in-memory S3 stand-in shared by the planner tests.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjectStore) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

// stubEngine satisfies engine.Engine without touching the filesystem.
type stubEngine struct{ name string }

func (s *stubEngine) Name() string { return s.name }

func (s *stubEngine) DefaultRetention() state.RetentionRule {
	return state.RetentionRule{Include: []string{"*"}}
}

func (s *stubEngine) ValidateModuleConfig(cfg engine.ModuleConfig) error {
	return engine.ValidateBaseConfig(cfg)
}

func (s *stubEngine) Prepare(req engine.PrepareRequest) ([]engine.Command, error) {
	return nil, nil
}

func (s *stubEngine) Postprocess(req engine.PostprocessRequest) (engine.Outcome, error) {
	return engine.Outcome{}, nil
}

func testFleet() *fleet.Inventory {
	return &fleet.Inventory{
		Accounts: map[string]fleet.Account{
			"111111111111": {
				Name:           "prod-network",
				Tags:           map[string]string{"env": "prod"},
				EnabledRegions: []string{"eu-west-1", "us-east-1"},
				ParentOUIDs:    []string{"r-root", "ou-prod"},
			},
			"222222222222": {
				Name:           "dev-sandbox",
				Tags:           map[string]string{"env": "dev"},
				EnabledRegions: []string{"eu-west-1"},
				ParentOUIDs:    []string{"r-root", "ou-dev"},
			},
		},
		OUs: map[string]fleet.OU{
			"r-root":  {Name: "root"},
			"ou-prod": {Name: "prod", Tags: map[string]string{"stage": "prod"}},
			"ou-dev":  {Name: "dev", Tags: map[string]string{"stage": "dev"}},
		},
	}
}

func testModules(hashes map[string]string) map[string]*engine.Module {
	e := &stubEngine{name: "script"}
	modules := make(map[string]*engine.Module, len(hashes))
	for name, hash := range hashes {
		modules[name] = &engine.Module{Name: name, Engine: e, Hash: hash}
	}
	return modules
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.NewStore(context.Background(), state.Options{
		Client: newFakeObjectStore(),
		Bucket: "b",
		Key:    "state.json",
	})
	require.NoError(t, err)
	t.Cleanup(store.Stop)
	return store
}

func baseManifest() *manifest.Manifest {
	return &manifest.Manifest{
		PackageConfiguration: manifest.PackageConfiguration{S3Bucket: "b", S3Region: "eu-west-1"},
		Modules: map[string]*manifest.ModuleBlock{
			"vpc": {
				Variables: map[string]state.Value{
					"cidr":    "10.0.0.0/16",
					"account": "${CURRENT_ACCOUNT_ID}",
				},
				Deployments: []manifest.DeploymentBlock{
					{
						Include: &manifest.Scope{
							OUTags:  []string{"stage=prod"},
							Regions: []string{"eu-west-1"},
						},
					},
				},
			},
		},
	}
}

func newPackage(t *testing.T, opts Options) *Package {
	t.Helper()
	if opts.Inventory == nil {
		opts.Inventory = testFleet()
	}
	if opts.Store == nil {
		opts.Store = testStore(t)
	}
	if opts.Command == "" {
		opts.Command = engine.CommandApply
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func TestTargetDerivationScopesAndPlaceholders(t *testing.T) {
	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
	})

	key := state.NewStepKey("vpc", "111111111111", "eu-west-1")
	rec, ok := p.Target(key)
	require.True(t, ok, "only the prod OU account in eu-west-1 is in scope")
	assert.Equal(t, "111111111111", rec.Variables["account"])
	assert.Equal(t, "h1", rec.ModuleHash)

	_, ok = p.Target(state.NewStepKey("vpc", "222222222222", "eu-west-1"))
	assert.False(t, ok, "the dev account is not in the prod OU")
	_, ok = p.Target(state.NewStepKey("vpc", "111111111111", "us-east-1"))
	assert.False(t, ok, "us-east-1 is not in the include list")
}

func TestTargetDerivationAllEnabledAndExclude(t *testing.T) {
	m := baseManifest()
	m.Modules["vpc"].Deployments = []manifest.DeploymentBlock{
		{
			Include: &manifest.Scope{Regions: []string{fleet.AllEnabledRegions}},
			Exclude: &manifest.Scope{AccountIDs: []string{"222222222222"}},
		},
	}
	p := newPackage(t, Options{
		Manifest: m,
		Modules:  testModules(map[string]string{"vpc": "h1"}),
	})

	_, ok := p.Target(state.NewStepKey("vpc", "111111111111", "eu-west-1"))
	assert.True(t, ok)
	_, ok = p.Target(state.NewStepKey("vpc", "111111111111", "us-east-1"))
	assert.True(t, ok, "ALL_ENABLED expands to each enabled region")
	_, ok = p.Target(state.NewStepKey("vpc", "222222222222", "eu-west-1"))
	assert.False(t, ok, "excluded account")
}

func TestActionsCreateNoneUpdateDestroy(t *testing.T) {
	store := testStore(t)
	inScope := state.NewStepKey("vpc", "111111111111", "eu-west-1")
	gone := state.NewStepKey("vpc", "111111111111", "us-east-1")

	// The in-scope record matches the target exactly; the other record is
	// no longer in any deployment block.
	store.Put(inScope, state.CurrentRecord{
		Variables:  map[string]state.Value{"cidr": "10.0.0.0/16", "account": "111111111111"},
		ModuleHash: "h1",
	})
	store.Put(gone, state.CurrentRecord{ModuleHash: "h1"})

	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Store:    store,
	})

	step, ok := p.Graph().Step(inScope)
	require.True(t, ok)
	assert.Equal(t, graph.ActionNone, step.Action)

	step, ok = p.Graph().Step(gone)
	require.True(t, ok)
	assert.Equal(t, graph.ActionDestroy, step.Action)
}

func TestActionUpdateOnHashDrift(t *testing.T) {
	store := testStore(t)
	key := state.NewStepKey("vpc", "111111111111", "eu-west-1")
	store.Put(key, state.CurrentRecord{
		Variables:  map[string]state.Value{"cidr": "10.0.0.0/16", "account": "111111111111"},
		ModuleHash: "old-hash",
	})

	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Store:    store,
	})

	step, _ := p.Graph().Step(key)
	assert.Equal(t, graph.ActionUpdate, step.Action)
}

func TestForceUpdateOverridesDiff(t *testing.T) {
	store := testStore(t)
	key := state.NewStepKey("vpc", "111111111111", "eu-west-1")
	store.Put(key, state.CurrentRecord{
		Variables:  map[string]state.Value{"cidr": "10.0.0.0/16", "account": "111111111111"},
		ModuleHash: "h1",
	})

	p := newPackage(t, Options{
		Manifest:    baseManifest(),
		Modules:     testModules(map[string]string{"vpc": "h1"}),
		Store:       store,
		ForceUpdate: true,
	})

	step, _ := p.Graph().Step(key)
	assert.Equal(t, graph.ActionUpdate, step.Action)
}

func TestVariableNumbersCompareAcrossYAMLAndJSON(t *testing.T) {
	m := baseManifest()
	// YAML decoding yields int; the state document yields float64.
	m.Modules["vpc"].Variables = map[string]state.Value{"ttl": 300}
	store := testStore(t)
	key := state.NewStepKey("vpc", "111111111111", "eu-west-1")
	store.Put(key, state.CurrentRecord{
		Variables:  map[string]state.Value{"ttl": float64(300)},
		ModuleHash: "h1",
	})

	p := newPackage(t, Options{
		Manifest: m,
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Store:    store,
	})

	step, _ := p.Graph().Step(key)
	assert.Equal(t, graph.ActionNone, step.Action, "an int/float64 encoding difference is not a real change")
}

func TestMissingModuleBlockForCurrentDeployment(t *testing.T) {
	store := testStore(t)
	store.Put(state.NewStepKey("retired", "111111111111", "eu-west-1"), state.CurrentRecord{})

	_, err := New(Options{
		Manifest:  baseManifest(),
		Inventory: testFleet(),
		Modules:   testModules(map[string]string{"vpc": "h1"}),
		Store:     store,
		Command:   engine.CommandApply,
	})
	var missing *ErrModuleBlockMissing
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "retired", missing.Module)
}

func TestCLIFiltersMarkStepsSkipped(t *testing.T) {
	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Filters:  Filters{ExcludeModules: []string{"vpc"}},
	})

	step, _ := p.Graph().Step(state.NewStepKey("vpc", "111111111111", "eu-west-1"))
	assert.True(t, step.Skip)
	assert.Equal(t, graph.StatusSkipped, step.Status)
}

func TestCompleteApplyCommitsStore(t *testing.T) {
	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
	})
	key := state.NewStepKey("vpc", "111111111111", "eu-west-1")

	next, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, key, next.Key)
	require.Equal(t, graph.ActionCreate, next.Action)

	outputs := map[string]state.Value{"vpc_id": "vpc-123"}
	require.NoError(t, p.Complete(key, true, "created", nil, outputs))

	rec, ok := p.Store().Get(key)
	require.True(t, ok)
	assert.Equal(t, "h1", rec.ModuleHash)
	assert.Equal(t, outputs, rec.Outputs)
	assert.NotEmpty(t, rec.LastChangedTime)
}

func TestCompleteDestroyRemovesRecord(t *testing.T) {
	m := baseManifest()
	m.Modules["vpc"].Deployments = nil
	store := testStore(t)
	key := state.NewStepKey("vpc", "111111111111", "eu-west-1")
	store.Put(key, state.CurrentRecord{ModuleHash: "h1"})

	p := newPackage(t, Options{
		Manifest: m,
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Store:    store,
	})

	next, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, graph.ActionDestroy, next.Action)
	require.NoError(t, p.Complete(key, true, "destroyed", nil, nil))

	_, ok := p.Store().Get(key)
	assert.False(t, ok)
}

func TestCompletePreviewLeavesStoreUntouched(t *testing.T) {
	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Command:  engine.CommandPreview,
	})
	key := state.NewStepKey("vpc", "111111111111", "eu-west-1")

	_, err := p.Next()
	require.NoError(t, err)
	require.NoError(t, p.Complete(key, true, "would create", nil, nil))

	_, ok := p.Store().Get(key)
	assert.False(t, ok)
}

func withOutputChain(t *testing.T, sourceOutputs map[string]state.Value) (*Package, state.StepKey, state.StepKey) {
	t.Helper()
	vpcKey := state.NewStepKey("vpc", "111111111111", "eu-west-1")
	dnsKey := state.NewStepKey("dns", "111111111111", "eu-west-1")

	m := baseManifest()
	m.Modules["vpc"].Variables = map[string]state.Value{"cidr": "10.0.0.0/16"}
	m.Modules["dns"] = &manifest.ModuleBlock{
		Deployments: []manifest.DeploymentBlock{
			{
				Include: &manifest.Scope{
					OUTags:  []string{"stage=prod"},
					Regions: []string{"eu-west-1"},
				},
				VariablesFromOutputs: map[string]manifest.OutputReference{
					"vpc_id": {
						Module:     "vpc",
						AccountID:  "${CURRENT_ACCOUNT_ID}",
						Region:     "${CURRENT_REGION}",
						OutputName: "vpc_id",
					},
				},
			},
		},
	}

	store := testStore(t)
	store.Put(vpcKey, state.CurrentRecord{
		Variables:  map[string]state.Value{"cidr": "10.0.0.0/16"},
		ModuleHash: "old-vpc",
		Outputs:    sourceOutputs,
	})
	store.Put(dnsKey, state.CurrentRecord{
		Variables:  resolvedDNSVariables(sourceOutputs),
		ModuleHash: "h-dns",
	})

	p := newPackage(t, Options{
		Manifest: m,
		Modules:  testModules(map[string]string{"vpc": "h-vpc", "dns": "h-dns"}),
		Store:    store,
	})
	return p, vpcKey, dnsKey
}

func resolvedDNSVariables(outputs map[string]state.Value) map[string]state.Value {
	vars := map[string]state.Value{}
	if v, ok := outputs["vpc_id"]; ok {
		vars["vpc_id"] = v
	}
	return vars
}

func TestConditionalUpdatePropagationAndElision(t *testing.T) {
	p, vpcKey, dnsKey := withOutputChain(t, map[string]state.Value{"vpc_id": "vpc-1"})

	dnsStep, _ := p.Graph().Step(dnsKey)
	require.Equal(t, graph.ActionConditionalUpdate, dnsStep.Action,
		"an update upstream of an isVar edge propagates as conditional-update")

	next, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, vpcKey, next.Key)
	// The vpc update completes with its outputs unchanged.
	require.NoError(t, p.Complete(vpcKey, true, "updated", nil, map[string]state.Value{"vpc_id": "vpc-1"}))

	// The dns step is elided without reaching the executor.
	_, err = p.Next()
	require.ErrorIs(t, err, graph.ErrNoMorePendingStep)
	dnsStep, _ = p.Graph().Step(dnsKey)
	assert.Equal(t, graph.StatusCompleted, dnsStep.Status)
	assert.False(t, dnsStep.MadeChanges)
	assert.Equal(t, conditionalElidedResult, dnsStep.Result)
}

func TestConditionalUpdateUpgradesWhenOutputsChange(t *testing.T) {
	p, vpcKey, dnsKey := withOutputChain(t, map[string]state.Value{"vpc_id": "vpc-1"})

	next, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, vpcKey, next.Key)
	// The vpc update produces a new vpc_id.
	require.NoError(t, p.Complete(vpcKey, true, "updated", nil, map[string]state.Value{"vpc_id": "vpc-2"}))

	next, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, dnsKey, next.Key)
	assert.Equal(t, graph.ActionUpdate, next.Action, "changed outputs upgrade conditional-update to update")

	rec, ok := p.Target(dnsKey)
	require.True(t, ok)
	assert.Equal(t, "vpc-2", rec.Variables["vpc_id"], "variables are re-resolved right before execution")
}

func TestUpdateHash(t *testing.T) {
	store := testStore(t)
	key := state.NewStepKey("vpc", "111111111111", "eu-west-1")
	store.Put(key, state.CurrentRecord{
		Variables:  map[string]state.Value{"cidr": "10.0.0.0/16", "account": "111111111111"},
		ModuleHash: "old-hash",
	})

	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Store:    store,
		Command:  engine.CommandUpdateHash,
	})

	next, err := p.Next()
	require.NoError(t, err)
	changed, err := p.UpdateHash(next.Key)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, _ := store.Get(key)
	assert.Equal(t, "h1", rec.ModuleHash)
	assert.NotEmpty(t, rec.LastChangedTime)

	step, _ := p.Graph().Step(key)
	assert.Equal(t, graph.StatusCompleted, step.Status)
	assert.True(t, step.MadeChanges)
}

func TestRerunAfterApplyIsIdempotent(t *testing.T) {
	backend := newFakeObjectStore()
	store, err := state.NewStore(context.Background(), state.Options{Client: backend, Bucket: "b", Key: "state.json"})
	require.NoError(t, err)

	opts := Options{
		Manifest:  baseManifest(),
		Inventory: testFleet(),
		Modules:   testModules(map[string]string{"vpc": "h1"}),
		Store:     store,
		Command:   engine.CommandApply,
	}
	p, err := New(opts)
	require.NoError(t, err)
	require.True(t, p.AnalyzeChanges())

	next, err := p.Next()
	require.NoError(t, err)
	require.NoError(t, p.Complete(next.Key, true, "created", nil, map[string]state.Value{"vpc_id": "vpc-1"}))
	require.NoError(t, p.Save(context.Background(), true))

	// A fresh planner over the persisted state finds nothing to do.
	store2, err := state.NewStore(context.Background(), state.Options{Client: backend, Bucket: "b", Key: "state.json"})
	require.NoError(t, err)
	defer store2.Stop()
	opts.Store = store2
	p2, err := New(opts)
	require.NoError(t, err)

	assert.False(t, p2.AnalyzeChanges())
	_, err = p2.Next()
	require.ErrorIs(t, err, graph.ErrNoMorePendingStep)
}

func TestRemoveOrphans(t *testing.T) {
	store := testStore(t)
	orphan := state.NewStepKey("vpc", "999999999999", "eu-west-1")
	alive := state.NewStepKey("vpc", "111111111111", "eu-west-1")
	store.Put(orphan, state.CurrentRecord{})
	store.Put(alive, state.CurrentRecord{
		Variables:  map[string]state.Value{"cidr": "10.0.0.0/16", "account": "111111111111"},
		ModuleHash: "h1",
	})

	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Store:    store,
		Command:  engine.CommandRemoveOrphans,
	})

	// Dry run reports without deleting.
	orphans, err := p.RemoveOrphans(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []state.StepKey{orphan}, orphans)
	_, ok := store.Get(orphan)
	assert.True(t, ok)

	orphans, err = p.RemoveOrphans(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []state.StepKey{orphan}, orphans)
	_, ok = store.Get(orphan)
	assert.False(t, ok)
	_, ok = store.Get(alive)
	assert.True(t, ok)
}

func TestExportChangesBuckets(t *testing.T) {
	store := testStore(t)
	gone := state.NewStepKey("vpc", "111111111111", "us-east-1")
	store.Put(gone, state.CurrentRecord{ModuleHash: "h1"})

	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Store:    store,
		Command:  engine.CommandList,
	})

	changes := p.ExportChanges()
	pending, ok := changes["PendingChanges"].(map[string]state.Value)
	require.True(t, ok)
	assert.Len(t, pending["Create"], 1)
	assert.Len(t, pending["Destroy"], 1)
	assert.NotContains(t, changes, "NoChanges")
}

func TestAnalyzeResultsCountsPending(t *testing.T) {
	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
	})

	// Nothing processed yet: the only step is still pending.
	madeChanges, failed := p.AnalyzeResults()
	assert.False(t, madeChanges)
	assert.False(t, failed)

	next, err := p.Next()
	require.NoError(t, err)
	require.NoError(t, p.Complete(next.Key, true, "created", nil, nil))

	madeChanges, failed = p.AnalyzeResults()
	assert.True(t, madeChanges)
	assert.False(t, failed)
}

func TestAnalyzeResultsReportsFailures(t *testing.T) {
	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
	})

	next, err := p.Next()
	require.NoError(t, err)
	require.NoError(t, p.Fail(next.Key, "boom", nil))

	_, failed := p.AnalyzeResults()
	assert.True(t, failed)
}

func TestNowOverrideControlsTimestamps(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p := newPackage(t, Options{
		Manifest: baseManifest(),
		Modules:  testModules(map[string]string{"vpc": "h1"}),
		Now:      func() time.Time { return fixed },
	})

	next, err := p.Next()
	require.NoError(t, err)
	require.NoError(t, p.Complete(next.Key, true, "created", nil, nil))

	rec, _ := p.Store().Get(next.Key)
	assert.Equal(t, "2026-05-01T10:00:00Z", rec.LastChangedTime)
}
