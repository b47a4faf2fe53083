package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mensylisir/fleetctl/pkg/deploy/credentials"
	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
	"github.com/mensylisir/fleetctl/pkg/deploy/fleet"
	"github.com/mensylisir/fleetctl/pkg/deploy/manifest"
	"github.com/mensylisir/fleetctl/pkg/deploy/planner"
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
	"github.com/mensylisir/fleetctl/pkg/logger"
)

// filterFlags is the CLI include/exclude surface shared by the commands
// that restrict their deployment scope.
type filterFlags struct {
	forceUpdate         bool
	detailedExitcode    bool
	nonInteractive      bool
	keepDeploymentCache bool
	saveStateEvery      int

	includeModules      []string
	excludeModules      []string
	includeAccountIDs   []string
	excludeAccountIDs   []string
	includeAccountNames []string
	excludeAccountNames []string
	includeAccountTags  []string
	excludeAccountTags  []string
	includeOUIDs        []string
	excludeOUIDs        []string
	includeOUTags       []string
	excludeOUTags       []string
	includeRegions      []string
	excludeRegions      []string
}

func (f *filterFlags) register(cmd *cobra.Command, withExecution bool) {
	cmd.Flags().BoolVarP(&f.forceUpdate, "force-update", "f", false, "Redeploy modules even when the module hash and variables are unchanged")
	cmd.Flags().BoolVar(&f.detailedExitcode, "detailed-exitcode", false, "Exit code is 0 with no changes, 1 on error, 2 with changes present")
	cmd.Flags().StringSliceVar(&f.includeModules, "include-modules", nil, "Restrict the modules to deploy")
	cmd.Flags().StringSliceVar(&f.excludeModules, "exclude-modules", nil, "Exclude modules from the deployment scope")
	cmd.Flags().StringSliceVar(&f.includeAccountIDs, "include-account-ids", nil, "Restrict the accounts to deploy to")
	cmd.Flags().StringSliceVar(&f.excludeAccountIDs, "exclude-account-ids", nil, "Exclude accounts from the deployment scope")
	cmd.Flags().StringSliceVar(&f.includeAccountNames, "include-account-names", nil, "Restrict the accounts by name (supports *)")
	cmd.Flags().StringSliceVar(&f.excludeAccountNames, "exclude-account-names", nil, "Exclude accounts by name (supports *)")
	cmd.Flags().StringSliceVar(&f.includeAccountTags, "include-account-tags", nil, "Restrict the accounts by tag (KEY=VALUE)")
	cmd.Flags().StringSliceVar(&f.excludeAccountTags, "exclude-account-tags", nil, "Exclude accounts by tag (KEY=VALUE)")
	cmd.Flags().StringSliceVar(&f.includeOUIDs, "include-ou-ids", nil, "Restrict the accounts by organizational unit")
	cmd.Flags().StringSliceVar(&f.excludeOUIDs, "exclude-ou-ids", nil, "Exclude accounts by organizational unit")
	cmd.Flags().StringSliceVar(&f.includeOUTags, "include-ou-tags", nil, "Restrict the accounts by organizational unit tag (KEY=VALUE)")
	cmd.Flags().StringSliceVar(&f.excludeOUTags, "exclude-ou-tags", nil, "Exclude accounts by organizational unit tag (KEY=VALUE)")
	cmd.Flags().StringSliceVar(&f.includeRegions, "include-regions", nil, "Restrict the regions to deploy to")
	cmd.Flags().StringSliceVar(&f.excludeRegions, "exclude-regions", nil, "Exclude regions from the deployment scope")
	if withExecution {
		cmd.Flags().BoolVar(&f.nonInteractive, "non-interactive", false, "Do not ask for confirmation of the deployment scope")
		cmd.Flags().BoolVar(&f.keepDeploymentCache, "keep-deployment-cache", false, "Preserve per-deployment working directories after the run")
		cmd.Flags().IntVar(&f.saveStateEvery, "save-state-every-seconds", 0, "Autosave the package state at this interval (0 disables)")
	}
}

func (f *filterFlags) planner() planner.Filters {
	return planner.Filters{
		IncludeModules:      f.includeModules,
		ExcludeModules:      f.excludeModules,
		IncludeAccountIDs:   f.includeAccountIDs,
		ExcludeAccountIDs:   f.excludeAccountIDs,
		IncludeAccountNames: f.includeAccountNames,
		ExcludeAccountNames: f.excludeAccountNames,
		IncludeAccountTags:  f.includeAccountTags,
		ExcludeAccountTags:  f.excludeAccountTags,
		IncludeOUIDs:        f.includeOUIDs,
		ExcludeOUIDs:        f.excludeOUIDs,
		IncludeOUTags:       f.includeOUTags,
		ExcludeOUTags:       f.excludeOUTags,
		IncludeRegions:      f.includeRegions,
		ExcludeRegions:      f.excludeRegions,
	}
}

// runtime bundles everything a command needs after bootstrap.
type runtime struct {
	manifest  *manifest.Manifest
	inventory *fleet.Inventory
	store     *state.Store
	pkg       *planner.Package
	creds     *credentials.Cache
	log       *logger.Logger
}

// buildRuntime performs the common startup sequence: load and validate the
// manifest, discover the modules next to it, load the fleet inventory and
// the current state from remote storage, and plan the run.
func buildRuntime(ctx context.Context, command string, flags *filterFlags) (*runtime, error) {
	log := logger.Get()

	m, err := manifest.Load(packageFileFlag)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(m.PackageConfiguration.S3Region))
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS configuration")
	}
	s3Client := s3.NewFromConfig(awsCfg)
	stsClient := sts.NewFromConfig(awsCfg)

	reg := engine.NewRegistry()
	reg.Register(engine.NewTerraformEngine(engine.BackendConfig{
		Bucket: m.PackageConfiguration.S3Bucket,
		Region: m.PackageConfiguration.S3Region,
		Prefix: m.PackageConfiguration.S3Prefix,
	}))
	reg.Register(engine.NewScriptEngine())

	packageDir, err := filepath.Abs(filepath.Dir(packageFileFlag))
	if err != nil {
		return nil, err
	}
	modules, err := engine.LoadModules(packageDir, reg)
	if err != nil {
		return nil, err
	}

	inventory, err := fleet.Load(ctx, s3Client, m.PackageConfiguration.S3Bucket, m.ObjectKey(fleet.CacheObjectKey))
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(ctx, state.Options{
		Client:         s3Client,
		Bucket:         m.PackageConfiguration.S3Bucket,
		Key:            m.ObjectKey("state.json"),
		AutosavePeriod: time.Duration(flags.saveStateEvery) * time.Second,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	pkg, err := planner.New(planner.Options{
		Manifest:    m,
		Inventory:   inventory,
		Modules:     modules,
		Store:       store,
		Command:     command,
		ForceUpdate: flags.forceUpdate,
		Filters:     flags.planner(),
		Logger:      log,
	})
	if err != nil {
		store.Stop()
		return nil, err
	}

	return &runtime{
		manifest:  m,
		inventory: inventory,
		store:     store,
		pkg:       pkg,
		creds:     credentials.NewCache(stsClient, credentials.DefaultTTL),
		log:       log,
	}, nil
}

// writeOutputJSON exports a command's result document to the output file.
func writeOutputJSON(content interface{}, description string) error {
	logger.Get().Infof("Exporting %s to %s", description, outputFileFlag)
	raw, err := json.MarshalIndent(content, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encoding output document")
	}
	return os.WriteFile(outputFileFlag, raw, 0o644)
}
