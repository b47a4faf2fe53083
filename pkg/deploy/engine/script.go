package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// ScriptEngineName is the registry name of the scripted engine.
const ScriptEngineName = "script"

// ScriptEngine runs a module's own executable. The executable receives the
// step context through an input.json file in the deployment cache directory
// and reports its outcome through an output.json file next to it.
type ScriptEngine struct{}

// NewScriptEngine builds the scripted engine.
func NewScriptEngine() *ScriptEngine {
	return &ScriptEngine{}
}

func (s *ScriptEngine) Name() string { return ScriptEngineName }

// DefaultRetention hashes every file in the module directory: a script
// module has no generated artifacts of its own to exclude.
func (s *ScriptEngine) DefaultRetention() state.RetentionRule {
	return state.RetentionRule{Include: []string{"*"}}
}

func (s *ScriptEngine) ValidateModuleConfig(cfg ModuleConfig) error {
	if err := ValidateBaseConfig(cfg); err != nil {
		return err
	}
	if v, ok := cfg["Executable"]; ok {
		if _, isString := v.(string); !isString {
			return errors.New("Executable must be a string")
		}
	}
	return nil
}

// scriptInput is the wire shape of input.json.
type scriptInput struct {
	Deployment struct {
		Module    string `json:"Module"`
		AccountID string `json:"AccountId"`
		Region    string `json:"Region"`
	} `json:"Deployment"`
	Command            string                 `json:"Command"`
	Action             string                 `json:"Action"`
	Variables          map[string]state.Value `json:"Variables"`
	ModuleConfig       ModuleConfig           `json:"ModuleConfig"`
	ModulePath         string                 `json:"ModulePath"`
	DeploymentCacheDir string                 `json:"DeploymentCacheDir"`
	EngineCacheDir     string                 `json:"EngineCacheDir"`
}

// scriptOutput is the wire shape of output.json.
type scriptOutput struct {
	MadeChanges     bool                   `json:"MadeChanges"`
	Result          string                 `json:"Result"`
	DetailedResults map[string]state.Value `json:"DetailedResults"`
	Outputs         map[string]state.Value `json:"Outputs"`
}

// Prepare writes input.json and returns the single command running the
// module's executable with assumed-role credentials in its environment.
func (s *ScriptEngine) Prepare(req PrepareRequest) ([]Command, error) {
	in := scriptInput{
		Command:            req.Command,
		Action:             req.Action,
		Variables:          req.Variables,
		ModuleConfig:       req.ModuleConfig,
		ModulePath:         req.ModuleDir,
		DeploymentCacheDir: req.DeploymentCacheDir,
		EngineCacheDir:     req.EngineCacheDir,
	}
	in.Deployment.Module = req.Key.Module
	in.Deployment.AccountID = req.Key.AccountID
	in.Deployment.Region = req.Key.Region

	raw, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "encoding input.json")
	}
	inputFile := filepath.Join(req.DeploymentCacheDir, "input.json")
	if err := os.WriteFile(inputFile, raw, 0o644); err != nil {
		return nil, err
	}

	executable := "main"
	if v, ok := req.ModuleConfig["Executable"].(string); ok && v != "" {
		executable = v
	}
	// A relative executable refers to a script shipped in the module dir.
	if !filepath.IsAbs(executable) {
		executable = filepath.Join(req.ModuleDir, executable)
	}

	return []Command{
		{
			Name:       "run",
			Args:       []string{executable, inputFile},
			Cwd:        req.ModuleDir,
			AssumeRole: true,
		},
	}, nil
}

// Postprocess reads the output.json the script left behind.
func (s *ScriptEngine) Postprocess(req PostprocessRequest) (Outcome, error) {
	raw, err := os.ReadFile(filepath.Join(req.DeploymentCacheDir, "output.json"))
	if err != nil {
		return Outcome{}, errors.Wrap(err, "reading output.json")
	}
	var out scriptOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{}, errors.Wrap(err, "decoding output.json")
	}
	return Outcome{
		MadeChanges:     out.MadeChanges,
		Result:          out.Result,
		DetailedResults: out.DetailedResults,
		Outputs:         out.Outputs,
	}, nil
}
