package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// TerraformEngineName is the registry name of the stateful planning engine.
const TerraformEngineName = "terraform"

// providerFileName is the generated file carrying the AWS provider and S3
// backend configuration for a deployment.
const providerFileName = "fleetctl.tf"

// BackendConfig locates the remote state objects the terraform backend
// writes per deployment.
type BackendConfig struct {
	Bucket string
	Region string
	Prefix string
}

// TerraformEngine stages terraform workspaces: it copies the module's
// templates into the deployment cache directory, generates provider and
// backend configuration, and drives init/plan/apply subprocesses.
type TerraformEngine struct {
	backend BackendConfig
}

// NewTerraformEngine builds the engine around the package's remote state
// backend location.
func NewTerraformEngine(backend BackendConfig) *TerraformEngine {
	return &TerraformEngine{backend: backend}
}

func (t *TerraformEngine) Name() string { return TerraformEngineName }

// DefaultRetention hashes the terraform templates only: variable files and
// generated artifacts do not change what the module deploys.
func (t *TerraformEngine) DefaultRetention() state.RetentionRule {
	return state.RetentionRule{Include: []string{"*.tf"}}
}

func (t *TerraformEngine) ValidateModuleConfig(cfg ModuleConfig) error {
	if err := ValidateBaseConfig(cfg); err != nil {
		return err
	}
	if v, ok := cfg["TerraformExecutable"]; ok {
		if _, isString := v.(string); !isString {
			return errors.New("TerraformExecutable must be a string")
		}
	}
	return nil
}

// Prepare stages the deployment cache directory and returns the terraform
// command sequence. For create and update the module templates are copied
// in and a tfvars file is generated; for destroy no templates are staged
// (an empty configuration is the target state), only an optional
// override.tf preserving custom provider settings. The generated provider
// and backend file is written for every action.
func (t *TerraformEngine) Prepare(req PrepareRequest) ([]Command, error) {
	if req.Action == ActionCreate || req.Action == ActionUpdate {
		if err := os.RemoveAll(req.DeploymentCacheDir); err != nil {
			return nil, errors.Wrap(err, "cleaning deployment cache dir")
		}
		if err := os.MkdirAll(req.DeploymentCacheDir, 0o755); err != nil {
			return nil, err
		}
		if err := os.CopyFS(req.DeploymentCacheDir, os.DirFS(req.ModuleDir)); err != nil {
			return nil, errors.Wrap(err, "copying module templates")
		}
		vars, err := json.MarshalIndent(req.Variables, "", "    ")
		if err != nil {
			return nil, errors.Wrap(err, "encoding variables")
		}
		varFile := filepath.Join(req.DeploymentCacheDir, "terraform.tfvars.json")
		if err := os.WriteFile(varFile, vars, 0o644); err != nil {
			return nil, err
		}
	}
	if req.Action == ActionDestroy {
		override := filepath.Join(req.ModuleDir, "override.tf")
		if raw, err := os.ReadFile(override); err == nil {
			dst := filepath.Join(req.DeploymentCacheDir, "override.tf")
			if err := os.WriteFile(dst, raw, 0o644); err != nil {
				return nil, err
			}
		}
	}

	if err := t.writeProviderFile(req); err != nil {
		return nil, err
	}

	terraformExec := "terraform"
	if v, ok := req.ModuleConfig["TerraformExecutable"].(string); ok && v != "" {
		terraformExec = v
	}
	commonArgs := []string{"-no-color"}
	commonEnv := map[string]string{
		"TF_PLUGIN_CACHE_DIR":                            req.EngineCacheDir,
		"TF_PLUGIN_CACHE_MAY_BREAK_DEPENDENCY_LOCK_FILE": "true",
	}

	commands := []Command{
		{
			Name: "init",
			Args: append([]string{terraformExec, "init"}, commonArgs...),
			Cwd:  req.DeploymentCacheDir,
			Env:  commonEnv,
		},
		{
			Name: "plan",
			Args: append([]string{terraformExec, "plan", "-out=tfplan"}, commonArgs...),
			Cwd:  req.DeploymentCacheDir,
			Env:  commonEnv,
		},
		{
			Name:       "get plan in JSON",
			Args:       append([]string{terraformExec, "show", "-json", "tfplan"}, commonArgs...),
			Cwd:        req.DeploymentCacheDir,
			Env:        commonEnv,
			StdoutFile: filepath.Join(req.DeploymentCacheDir, "plan.json"),
		},
	}
	if req.Command == CommandApply {
		commands = append(commands, Command{
			Name: "apply plan",
			Args: append(append([]string{terraformExec, "apply", "-auto-approve"}, commonArgs...), "tfplan"),
			Cwd:  req.DeploymentCacheDir,
			Env:  commonEnv,
		})
		if req.Action == ActionCreate || req.Action == ActionUpdate {
			commands = append(commands, Command{
				Name:       "get outputs",
				Args:       append([]string{terraformExec, "output", "-json"}, commonArgs...),
				Cwd:        req.DeploymentCacheDir,
				Env:        commonEnv,
				StdoutFile: filepath.Join(req.DeploymentCacheDir, "output.json"),
			})
		}
	}
	return commands, nil
}

// writeProviderFile generates the AWS provider and S3 backend blocks. The
// provider assumes the module's role itself so that the backend keeps the
// deployer's own permissions for the state bucket.
func (t *TerraformEngine) writeProviderFile(req PrepareRequest) error {
	var b strings.Builder
	fmt.Fprintf(&b, "provider \"aws\" {\n")
	fmt.Fprintf(&b, "  region = %q\n", req.Key.Region)
	if role, ok := req.ModuleConfig.AssumeRole(); ok {
		fmt.Fprintf(&b, "  assume_role {\n")
		fmt.Fprintf(&b, "    role_arn = %q\n", role)
		fmt.Fprintf(&b, "    session_name = %q\n", "fleetctl")
		fmt.Fprintf(&b, "  }\n")
	}
	if endpoints := req.ModuleConfig.EndpointURLs(); len(endpoints) > 0 {
		fmt.Fprintf(&b, "  endpoints {\n")
		for _, service := range sortedKeys(endpoints) {
			fmt.Fprintf(&b, "    %s = %q\n", service, endpoints[service])
		}
		fmt.Fprintf(&b, "  }\n")
	}
	fmt.Fprintf(&b, "}\n")

	stateKey := path.Join(
		t.backend.Prefix, "terraform",
		req.Key.Module, req.Key.AccountID, req.Key.Region, "terraform.tfstate",
	)
	fmt.Fprintf(&b, "terraform {\n")
	fmt.Fprintf(&b, "  backend \"s3\" {\n")
	fmt.Fprintf(&b, "    bucket = %q\n", t.backend.Bucket)
	fmt.Fprintf(&b, "    region = %q\n", t.backend.Region)
	fmt.Fprintf(&b, "    key = %q\n", stateKey)
	for _, service := range sortedKeys(req.ModuleConfig.EndpointURLs()) {
		url := req.ModuleConfig.EndpointURLs()[service]
		switch service {
		case "s3":
			fmt.Fprintf(&b, "    endpoint = %q\n", url)
			fmt.Fprintf(&b, "    force_path_style = true\n")
		case "sts":
			fmt.Fprintf(&b, "    sts_endpoint = %q\n", url)
		case "iam":
			fmt.Fprintf(&b, "    iam_endpoint = %q\n", url)
		}
	}
	fmt.Fprintf(&b, "  }\n")
	fmt.Fprintf(&b, "}\n")

	dst := filepath.Join(req.DeploymentCacheDir, providerFileName)
	return os.WriteFile(dst, []byte(b.String()), 0o644)
}

// Postprocess parses the plan JSON to classify resource changes, and for
// applied creates and updates reads the terraform outputs back.
func (t *TerraformEngine) Postprocess(req PostprocessRequest) (Outcome, error) {
	var plan struct {
		ResourceChanges []struct {
			Address string `json:"address"`
			Change  struct {
				Actions []string `json:"actions"`
			} `json:"change"`
		} `json:"resource_changes"`
	}
	raw, err := os.ReadFile(filepath.Join(req.DeploymentCacheDir, "plan.json"))
	if err != nil {
		return Outcome{}, errors.Wrap(err, "reading plan.json")
	}
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Outcome{}, errors.Wrap(err, "decoding plan.json")
	}

	var toAdd, toChange, toDelete []state.Value
	for _, change := range plan.ResourceChanges {
		switch strings.Join(change.Change.Actions, ",") {
		case "create":
			toAdd = append(toAdd, change.Address)
		case "delete":
			toDelete = append(toDelete, change.Address)
		case "update", "delete,create", "create,delete":
			toChange = append(toChange, change.Address)
		}
	}
	madeChanges := len(toAdd)+len(toChange)+len(toDelete) > 0

	if req.Command == CommandPreview {
		return Outcome{
			MadeChanges: madeChanges,
			Result: fmt.Sprintf("%d resources to add, %d to change, %d to delete",
				len(toAdd), len(toChange), len(toDelete)),
			DetailedResults: map[string]state.Value{
				"ResourcesToAdd":    toAdd,
				"ResourcesToChange": toChange,
				"ResourcesToDelete": toDelete,
			},
		}, nil
	}

	var outputs map[string]state.Value
	if req.Action == ActionCreate || req.Action == ActionUpdate {
		raw, err := os.ReadFile(filepath.Join(req.DeploymentCacheDir, "output.json"))
		if err != nil {
			return Outcome{}, errors.Wrap(err, "reading output.json")
		}
		var decoded map[string]struct {
			Value state.Value `json:"value"`
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return Outcome{}, errors.Wrap(err, "decoding output.json")
		}
		outputs = make(map[string]state.Value, len(decoded))
		for name, out := range decoded {
			outputs[name] = out.Value
		}
	}

	return Outcome{
		MadeChanges: madeChanges,
		Result: fmt.Sprintf("%d resources added, %d changed, %d deleted",
			len(toAdd), len(toChange), len(toDelete)),
		DetailedResults: map[string]state.Value{
			"ResourcesAdded":   toAdd,
			"ResourcesChanged": toChange,
			"ResourcesDeleted": toDelete,
		},
		Outputs: outputs,
	}, nil
}
