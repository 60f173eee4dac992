// Package orchestrator runs multi-stage pipelines against registered
// targets: test, deploy, verify, plus rollback and arbitrary
// whitelisted commands. Pipelines are single-flight per target, every
// subprocess is whitelist-validated, and every stage transition lands
// in the audit log.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"clawd/internal/config"
	"clawd/internal/logging"
	"clawd/internal/store"
)

var (
	// ErrUnknownProject means the target has no registered path.
	ErrUnknownProject = errors.New("unknown project")
	// ErrNotWhitelisted means the command head is not in the whitelist.
	ErrNotWhitelisted = errors.New("command not whitelisted")
	// ErrBadArgument means an argument failed sanitization.
	ErrBadArgument = errors.New("argument rejected")
	// ErrPipelineActive means the target already has a pipeline running.
	ErrPipelineActive = errors.New("pipeline already active for target")
	// ErrNoDeployHistory means rollback has nothing to roll back to.
	ErrNoDeployHistory = errors.New("no successful deploy in history")
)

// RunResult is the outcome of one subprocess invocation.
type RunResult struct {
	Success   bool
	Stdout    string
	Stderr    string
	Killed    bool
	Simulated bool
}

// Runner spawns subprocesses. The dev-mode simulation lives behind this
// interface, not inside the orchestrator.
type Runner interface {
	Run(ctx context.Context, name string, args []string, cwd string, timeout time.Duration) (RunResult, error)
}

// StageStatus is the outcome of one pipeline stage.
type StageStatus string

const (
	StagePass StageStatus = "PASS"
	StageFail StageStatus = "FAIL"
	StageSkip StageStatus = "SKIP"
	StageWarn StageStatus = "WARN"
)

// StageResult records one stage of a pipeline run.
type StageResult struct {
	Name     string
	Status   StageStatus
	Output   string
	Duration time.Duration
	Note     string
}

// PipelineResult is the full outcome of a pipeline run.
type PipelineResult struct {
	Target     string
	Stages     []StageResult
	Success    bool
	Warning    string
	URL        string
	Duration   time.Duration
	IsRollback bool
}

// argAlphabet is the fixed character set allowed in subprocess
// arguments. Anything outside it is rejected before interpolation.
var argAlphabet = regexp.MustCompile(`^[A-Za-z0-9._/:=@%+,~-]+$`)

// Orchestrator executes pipelines. One instance per process.
type Orchestrator struct {
	cfg     config.PipelineConfig
	runner  Runner
	store   *store.Store
	history *history
	http    *http.Client

	mu     sync.Mutex
	active map[string]bool

	testTimeout   time.Duration
	deployTimeout time.Duration
	verifyTimeout time.Duration
	verifySettle  time.Duration

	log *logging.Logger
}

// New builds an orchestrator from the pipeline config section.
func New(cfg config.PipelineConfig, runner Runner, st *store.Store) *Orchestrator {
	o := &Orchestrator{
		cfg:           cfg,
		runner:        runner,
		store:         st,
		history:       newHistory(cfg.HistoryCap),
		http:          &http.Client{},
		active:        make(map[string]bool),
		testTimeout:   config.Duration(cfg.TestTimeout, 180*time.Second),
		deployTimeout: config.Duration(cfg.DeployTimeout, 180*time.Second),
		verifyTimeout: config.Duration(cfg.VerifyTimeout, 15*time.Second),
		verifySettle:  config.Duration(cfg.VerifySettle, 3*time.Second),
		log:           logging.Get(logging.CategoryPipeline),
	}
	return o
}

// ProjectPath resolves a target to its working directory.
func (o *Orchestrator) ProjectPath(target string) (string, error) {
	path, ok := o.cfg.Projects[target]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProject, target)
	}
	return path, nil
}

// RequiresConfirmation reports whether a command head demands a
// confirmation token before execution.
func (o *Orchestrator) RequiresConfirmation(head string) bool {
	entry, ok := o.cfg.Whitelist[head]
	return ok && entry.RequiresConfirmation
}

// validateCommand checks the head against the whitelist and every
// argument against the sanitization alphabet. It returns the parsed
// command and the per-command timeout.
func (o *Orchestrator) validateCommand(cmdline string) (head string, args []string, timeout time.Duration, err error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return "", nil, 0, fmt.Errorf("%w: empty command", ErrBadArgument)
	}
	head = fields[0]
	entry, ok := o.cfg.Whitelist[head]
	if !ok {
		return "", nil, 0, fmt.Errorf("%w: %s", ErrNotWhitelisted, head)
	}
	for _, a := range fields[1:] {
		if !argAlphabet.MatchString(a) {
			return "", nil, 0, fmt.Errorf("%w: %q", ErrBadArgument, a)
		}
	}
	return head, fields[1:], config.Duration(entry.Timeout, 180*time.Second), nil
}

// acquire claims the single-flight slot for a target.
func (o *Orchestrator) acquire(target string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[target] {
		return fmt.Errorf("%w: %s", ErrPipelineActive, target)
	}
	o.active[target] = true
	return nil
}

func (o *Orchestrator) release(target string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, target)
}

// Active lists targets with a pipeline currently running.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for t := range o.active {
		out = append(out, t)
	}
	return out
}

// History returns the deployment history ring, oldest first.
func (o *Orchestrator) History() []HistoryEntry {
	return o.history.all()
}

// Deploy runs the canonical test -> deploy -> verify pipeline. A stage
// failure skips the rest; a verify failure is a warning, not a pipeline
// failure.
func (o *Orchestrator) Deploy(ctx context.Context, target string) (*PipelineResult, error) {
	return o.runPipeline(ctx, target, false)
}

// Rollback reverts target to the revision before its latest successful
// deploy and re-runs the deploy stage. If the rollback deploy itself
// fails, the working tree is restored with `git checkout -`.
func (o *Orchestrator) Rollback(ctx context.Context, target string) (*PipelineResult, error) {
	cwd, err := o.ProjectPath(target)
	if err != nil {
		return nil, err
	}
	if _, ok := o.history.lastSuccessfulDeploy(target); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDeployHistory, target)
	}
	if err := o.acquire(target); err != nil {
		return nil, err
	}
	defer o.release(target)

	start := time.Now()
	res := &PipelineResult{Target: target, IsRollback: true}
	o.audit("rollback:start", target, "success", "")

	checkout := o.runStage(ctx, res, "revert", "git checkout HEAD~1", cwd)
	if checkout.Status != StagePass {
		o.finish(res, start, false)
		return res, nil
	}

	deploy := o.runStage(ctx, res, "deploy", o.cfg.DeployCommand, cwd)
	if deploy.Status != StagePass {
		// Restore the tree only when the redeploy fails; a successful
		// rollback leaves HEAD~1 deployed and checked out.
		restore := o.runStage(ctx, res, "restore", "git checkout -", cwd)
		if restore.Status != StagePass {
			o.log.Error("rollback restore failed for %s, tree left at HEAD~1", target)
		}
		o.finish(res, start, false)
		return res, nil
	}
	res.URL = extractURL(deploy.Output)

	o.finish(res, start, true)
	return res, nil
}

// RunWhitelisted executes one arbitrary whitelisted command in the
// target's directory. Used for build/install/restart style actions.
func (o *Orchestrator) RunWhitelisted(ctx context.Context, target, cmdline string) (RunResult, error) {
	cwd, err := o.ProjectPath(target)
	if err != nil {
		return RunResult{}, err
	}
	head, args, timeout, err := o.validateCommand(cmdline)
	if err != nil {
		o.audit("exec:"+cmdline, target, "failed", errString(err))
		return RunResult{}, err
	}
	out, err := o.runner.Run(ctx, head, args, cwd, timeout)
	status := "success"
	if err != nil || !out.Success {
		status = "failed"
	}
	o.audit("exec:"+head, target, status, shapeOutput(out.Stdout+out.Stderr, 500))
	return out, err
}

func (o *Orchestrator) runPipeline(ctx context.Context, target string, rollback bool) (*PipelineResult, error) {
	cwd, err := o.ProjectPath(target)
	if err != nil {
		return nil, err
	}
	if err := o.acquire(target); err != nil {
		return nil, err
	}
	defer o.release(target)

	start := time.Now()
	res := &PipelineResult{Target: target, IsRollback: rollback}
	o.audit("pipeline:start", target, "success", "")

	test := o.runStage(ctx, res, "test", o.cfg.TestCommand, cwd)
	if test.Status != StagePass {
		o.skip(res, "deploy", "aborted (tests failed)")
		o.skip(res, "verify", "")
		o.finish(res, start, false)
		return res, nil
	}

	deploy := o.runStage(ctx, res, "deploy", o.cfg.DeployCommand, cwd)
	if deploy.Status != StagePass {
		o.skip(res, "verify", "aborted (deploy failed)")
		o.finish(res, start, false)
		return res, nil
	}
	res.URL = extractURL(deploy.Output)

	o.verifyStage(ctx, res, target)
	o.finish(res, start, true)
	return res, nil
}

// runStage validates, executes, audits, and appends one stage.
func (o *Orchestrator) runStage(ctx context.Context, res *PipelineResult, name, cmdline, cwd string) StageResult {
	start := time.Now()
	sr := StageResult{Name: name}

	head, args, timeout, err := o.validateCommand(cmdline)
	if err != nil {
		sr.Status = StageFail
		sr.Note = errString(err)
		o.appendStage(res, sr, start)
		return sr
	}

	out, err := o.runner.Run(ctx, head, args, cwd, timeout)
	sr.Output = shapeOutput(out.Stdout+"\n"+out.Stderr, o.cfg.OutputLimit)
	switch {
	case err != nil:
		sr.Status = StageFail
		sr.Note = errString(err)
	case out.Killed:
		sr.Status = StageFail
		sr.Note = "timed out"
	case !out.Success:
		sr.Status = StageFail
	default:
		sr.Status = StagePass
	}
	o.appendStage(res, sr, start)
	return sr
}

func (o *Orchestrator) appendStage(res *PipelineResult, sr StageResult, start time.Time) {
	sr.Duration = time.Since(start)
	res.Stages = append(res.Stages, sr)
	status := "success"
	if sr.Status == StageFail {
		status = "failed"
	}
	o.audit("pipeline:"+sr.Name, res.Target, status, sr.Note)
}

func (o *Orchestrator) skip(res *PipelineResult, name, note string) {
	res.Stages = append(res.Stages, StageResult{Name: name, Status: StageSkip, Note: note})
	o.audit("pipeline:"+name, res.Target, "success", "skipped")
}

// verifyStage probes the target's health endpoint. Non-2xx or probe
// failure degrades to a warning; health endpoints are unreliable right
// after a deploy, so the pipeline still succeeds.
func (o *Orchestrator) verifyStage(ctx context.Context, res *PipelineResult, target string) {
	start := time.Now()
	sr := StageResult{Name: "verify"}

	url := o.cfg.HealthURLs[target]
	if url == "" && res.URL != "" {
		// Fall back to the deploy's preview URL after a settling delay.
		url = res.URL
		select {
		case <-time.After(o.verifySettle):
		case <-ctx.Done():
		}
	}
	if url == "" {
		sr.Status = StageWarn
		sr.Note = "no health endpoint configured"
		res.Warning = sr.Note
		o.appendStage(res, sr, start)
		return
	}

	vctx, cancel := context.WithTimeout(ctx, o.verifyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(vctx, http.MethodGet, url, nil)
	if err != nil {
		sr.Status = StageWarn
		sr.Note = errString(err)
		res.Warning = sr.Note
		o.appendStage(res, sr, start)
		return
	}
	resp, err := o.http.Do(req)
	switch {
	case err != nil:
		sr.Status = StageWarn
		sr.Note = "health check failed: " + errString(err)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		sr.Status = StagePass
	default:
		sr.Status = StageWarn
		sr.Note = fmt.Sprintf("health check returned %d", resp.StatusCode)
	}
	if resp != nil {
		resp.Body.Close()
	}
	if sr.Status == StageWarn {
		res.Warning = sr.Note
	}
	o.appendStage(res, sr, start)
}

// finish stamps the result, records history, and audits the outcome.
func (o *Orchestrator) finish(res *PipelineResult, start time.Time, success bool) {
	res.Duration = time.Since(start)
	res.Success = success

	entry := HistoryEntry{
		Target:     res.Target,
		StartedAt:  start,
		Duration:   res.Duration,
		IsRollback: res.IsRollback,
		URL:        res.URL,
	}
	for _, s := range res.Stages {
		switch s.Name {
		case "test":
			entry.TestsPassed = s.Status == StagePass
		case "deploy":
			entry.DeploySuccess = s.Status == StagePass
		case "verify":
			entry.VerifyPassed = s.Status == StagePass
		}
	}
	if res.IsRollback {
		// Rollback pipelines have no test stage; the deploy stage alone
		// decides success.
		entry.DeploySuccess = success
	}
	o.history.add(entry)

	status := "success"
	if !success {
		status = "failed"
	}
	extra, _ := json.Marshal(map[string]any{
		"duration": res.Duration.String(),
		"url":      res.URL,
		"rollback": res.IsRollback,
	})
	o.audit("pipeline:complete", res.Target, status, string(extra))
	o.log.Info("pipeline %s for %s: %s in %s", outcomeWord(success), res.Target, status, res.Duration)
}

func (o *Orchestrator) audit(action, target, status, extra string) {
	if o.store == nil {
		return
	}
	if err := o.store.AppendAudit(store.AuditEntry{
		Action: action,
		Target: target,
		Status: status,
		Actor:  "orchestrator",
		Extra:  extra,
	}); err != nil {
		o.log.Warn("audit append failed: %v", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func outcomeWord(success bool) string {
	if success {
		return "completed"
	}
	return "failed"
}
