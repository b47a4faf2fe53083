// Package executor drains the dependency graph with a pool of workers:
// each worker pulls a ready step, runs the engine's subprocess sequence
// with interruptible signalling, and commits the outcome back to the graph
// and the state store.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mensylisir/fleetctl/pkg/deploy/credentials"
	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
	"github.com/mensylisir/fleetctl/pkg/deploy/graph"
	"github.com/mensylisir/fleetctl/pkg/deploy/planner"
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
	"github.com/mensylisir/fleetctl/pkg/logger"
)

// DefaultWorkers is the worker pool size when the manifest does not set
// one.
const DefaultWorkers = 10

const previewGuardResult = "Unable to preview changes as this deployment is dependent on other deployments with pending changes"

// Options configures an Executor.
type Options struct {
	Package *planner.Package
	// Credentials may be nil when no module assumes a role.
	Credentials *credentials.Cache
	Workers     int
	// TempDir is the base under which the engine caches, deployment caches
	// and logs are created.
	TempDir string
	// KeepDeploymentCache preserves per-step working directories after
	// success instead of wiping them.
	KeepDeploymentCache bool
	Logger              *logger.Logger
}

// StepTiming records how long one executed step took, for the end-of-run
// summary.
type StepTiming struct {
	Key      state.StepKey
	Duration time.Duration
}

// Executor owns the worker pool and the on-disk layout of a run.
type Executor struct {
	pkg     *planner.Package
	creds   *credentials.Cache
	workers int
	log     *logger.Logger

	keepDeploymentCache bool
	enginesCacheDir     map[string]string
	deploymentsCacheDir string
	rootLogsDir         string

	signals *interruptState

	lockNext sync.Mutex

	timingsMu sync.Mutex
	timings   []StepTiming

	logsMu sync.Mutex
}

// New builds an Executor and prepares the temporary directory layout: one
// cache directory per engine (preserved across runs for tool plugins), a
// deployments cache root (wiped at start), and a timestamped logs
// directory.
func New(opts Options) (*Executor, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	e := &Executor{
		pkg:                 opts.Package,
		creds:               opts.Credentials,
		workers:             workers,
		log:                 log,
		keepDeploymentCache: opts.KeepDeploymentCache,
		signals:             newInterruptState(),
	}
	if err := e.createTempDirs(opts.TempDir); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Executor) createTempDirs(tempDir string) error {
	cacheDir := filepath.Join(tempDir, "cache")

	e.enginesCacheDir = make(map[string]string)
	engineNames := map[string]bool{}
	for _, step := range e.pkg.Graph().Steps() {
		if mod, ok := e.pkg.Module(step.Key.Module); ok {
			engineNames[mod.Engine.Name()] = true
		}
	}
	for name := range engineNames {
		dir := filepath.Join(cacheDir, "engines", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		e.enginesCacheDir[name] = dir
	}

	e.deploymentsCacheDir = filepath.Join(cacheDir, "deployments")
	if err := os.RemoveAll(e.deploymentsCacheDir); err != nil {
		return err
	}

	// The short uuid suffix keeps two runs started within the same second
	// from sharing a logs directory.
	runID := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
	e.rootLogsDir = filepath.Join(tempDir, "logs", runID)
	return os.MkdirAll(e.rootLogsDir, 0o755)
}

// LogsDir returns the logs directory of this run.
func (e *Executor) LogsDir() string { return e.rootLogsDir }

// Timings returns the per-step execution durations recorded so far.
func (e *Executor) Timings() []StepTiming {
	e.timingsMu.Lock()
	defer e.timingsMu.Unlock()
	out := make([]StepTiming, len(e.timings))
	copy(out, e.timings)
	return out
}

// Run drains the graph. It installs the interrupt handler for its
// duration, launches the worker pool, saves the state store on the way out
// and removes the deployments cache root unless asked to keep it.
func (e *Executor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := e.signals.install(func() {
		// Fourth press: persist what we have and abort the run.
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := e.pkg.Save(saveCtx, false); err != nil {
			e.log.Errorf("Failed to save the package state: %v", err)
		}
		saveCancel()
		cancel()
	}, e.log)
	defer stop()

	g, _ := errgroup.WithContext(runCtx)
	for i := 0; i < e.workers; i++ {
		workerID := i
		g.Go(func() error {
			e.worker(runCtx, workerID)
			return nil
		})
	}
	_ = g.Wait()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer saveCancel()
	if err := e.pkg.Save(saveCtx, false); err != nil {
		e.log.Errorf("Failed to save the package state: %v", err)
	}

	if !e.keepDeploymentCache {
		_ = os.RemoveAll(e.deploymentsCacheDir)
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		return &ErrInterrupted{}
	}
	return nil
}

// ErrInterrupted reports that the run was aborted by the interrupt
// escalation before the graph was drained.
type ErrInterrupted struct{}

func (e *ErrInterrupted) Error() string { return "interrupted" }

// worker is the main loop of one pool member.
func (e *Executor) worker(ctx context.Context, id int) {
	e.log.Debugf("Starting worker %d", id)
	for {
		if ctx.Err() != nil || e.signals.stopWorkers() {
			return
		}

		e.lockNext.Lock()
		next, err := e.pkg.Next()
		e.lockNext.Unlock()
		switch {
		case err == nil:
			e.log.Infof("%s Starting to %s (Attempt %d/%d)", next.Key, next.Action, next.NbAttempts, next.MaxAttempts)
		case err == graph.ErrNoProcessableStep:
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		case err == graph.ErrNoMorePendingStep:
			return
		default:
			e.log.Errorf("Worker failed to get the next deployment to process: %v", err)
			return
		}

		if e.pkg.Command() == engine.CommandUpdateHash {
			changed, err := e.pkg.UpdateHash(next.Key)
			if err != nil {
				e.log.Errorf("%s Failed to update the module hash: %v", next.Key, err)
			} else if changed {
				e.log.Infof("%s Updated the value of the module hash", next.Key)
			} else {
				e.log.Infof("%s No action needed", next.Key)
			}
			continue
		}

		// Previews of a step downstream of pending changes would plan
		// against a state that does not exist yet.
		if e.pkg.Command() == engine.CommandPreview &&
			next.Action != graph.ActionDestroy &&
			e.pkg.Graph().HasAscendantsWithChanges(next.Key) {
			e.log.Errorf("%s %s", next.Key, previewGuardResult)
			if err := e.pkg.Fail(next.Key, previewGuardResult, nil); err != nil {
				e.log.Errorf("%s Failed to record the preview failure: %v", next.Key, err)
			}
			continue
		}

		e.executeStep(ctx, next)
	}
}

// executeStep runs one step end to end: prepare, subprocess sequence,
// postprocess, commit. Failures are annotated with the section that failed
// and recorded against the step, never propagated to the worker loop.
func (e *Executor) executeStep(ctx context.Context, next planner.NextStep) {
	key := next.Key
	start := time.Now()
	section := "other"

	deploymentCacheDir := filepath.Join(e.deploymentsCacheDir, key.Module, key.AccountID, key.Region)

	err := func() error {
		if err := os.MkdirAll(deploymentCacheDir, 0o755); err != nil {
			return err
		}

		mod, ok := e.pkg.Module(key.Module)
		if !ok {
			return fmt.Errorf("no module loaded for %s", key.Module)
		}
		moduleConfig := e.pkg.GetModuleConfig(key)
		variables := e.pkg.StepVariables(key, next.Action)

		e.log.Debugf("%s Executing prepare", key)
		commands, err := mod.Engine.Prepare(engine.PrepareRequest{
			Key:                key,
			Command:            e.pkg.Command(),
			Action:             next.Action.String(),
			Variables:          variables,
			ModuleConfig:       moduleConfig,
			ModuleDir:          mod.Dir,
			DeploymentCacheDir: deploymentCacheDir,
			EngineCacheDir:     e.enginesCacheDir[mod.Engine.Name()],
		})
		if err != nil {
			section = "prepare"
			return err
		}

		for _, command := range commands {
			if err := e.runCommand(ctx, key, command, moduleConfig, next.NbAttempts); err != nil {
				section = fmt.Sprintf("subprocess '%s'", command.Name)
				return err
			}
		}

		e.log.Debugf("%s Executing postprocess", key)
		outcome, err := mod.Engine.Postprocess(engine.PostprocessRequest{
			Key:                key,
			Command:            e.pkg.Command(),
			Action:             next.Action.String(),
			ModuleConfig:       moduleConfig,
			DeploymentCacheDir: deploymentCacheDir,
		})
		if err != nil {
			section = "postprocess"
			return err
		}

		if err := e.pkg.Complete(key, outcome.MadeChanges, outcome.Result, outcome.DetailedResults, outcome.Outputs); err != nil {
			return err
		}
		e.log.Successf("%s Completed - %s", key, outcome.Result)
		return nil
	}()

	if err != nil {
		e.log.Errorf("%s Failed in section %s: %v", key, section, err)
		if failErr := e.pkg.Fail(key, "Failed", map[string]state.Value{
			"FailedSection": section,
			"ErrorMessage":  err.Error(),
		}); failErr != nil {
			e.log.Errorf("%s Failed to record the failure: %v", key, failErr)
		}
	}

	e.timingsMu.Lock()
	e.timings = append(e.timings, StepTiming{Key: key, Duration: time.Since(start)})
	e.timingsMu.Unlock()
	e.log.Debugf("%s Execution time: %.3f seconds", key, time.Since(start).Seconds())

	if !e.keepDeploymentCache {
		_ = os.RemoveAll(deploymentCacheDir)
	}
}

// runCommand spawns one subprocess with the merged environment and
// assumed-role credentials, forwards escalation signals, and appends the
// captured streams to the step's log files.
func (e *Executor) runCommand(ctx context.Context, key state.StepKey, command engine.Command, moduleConfig engine.ModuleConfig, attempt int) error {
	env := os.Environ()
	for k, v := range command.Env {
		env = append(env, k+"="+v)
	}
	if command.AssumeRole {
		if role, ok := moduleConfig.AssumeRole(); ok {
			if e.creds == nil {
				return fmt.Errorf("module requires assuming %s but no credential cache is configured", role)
			}
			creds, err := e.creds.Get(ctx, role)
			if err != nil {
				return err
			}
			env = append(env, creds.Env()...)
		}
	}

	e.log.Debugf("%s Executing subprocess '%s'", key, command.Name)
	result, err := runSubprocess(ctx, command, env, e.signals)

	e.writeSubprocessLogs(key, command.Name, attempt, "stdout.log", result.stdout)
	e.writeSubprocessLogs(key, command.Name, attempt, "stderr.log", result.stderr)
	if command.StdoutFile != "" && len(result.stdout) > 0 {
		if writeErr := os.WriteFile(command.StdoutFile, result.stdout, 0o644); writeErr != nil && err == nil {
			err = writeErr
		}
	}
	return err
}

// writeSubprocessLogs appends one subprocess's captured stream to the
// step's log file, with a per-attempt banner.
func (e *Executor) writeSubprocessLogs(key state.StepKey, commandName string, attempt int, filename string, content []byte) {
	logDir := filepath.Join(e.rootLogsDir, key.Module, key.AccountID, key.Region)

	e.logsMu.Lock()
	defer e.logsMu.Unlock()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		e.log.Errorf("%s Failed to create log directory: %v", key, err)
		return
	}
	f, err := os.OpenFile(filepath.Join(logDir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Errorf("%s Failed to open log file: %v", key, err)
		return
	}
	defer f.Close()
	fmt.Fprintln(f, "################################")
	fmt.Fprintf(f, "# Subprocess '%s' - Attempt #%d\n", commandName, attempt)
	fmt.Fprintln(f, "################################")
	f.Write(content)
	fmt.Fprintln(f)
}
