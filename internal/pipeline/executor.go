package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/tool"
)

// Config carries the deployment defaults applied when a step leaves its
// retry policy or timeout unset.
type Config struct {
	DefaultStepTimeout time.Duration
	DefaultRetry       domain.RetryPolicy
}

// Result is the terminal outcome of one pipeline execution.
type Result struct {
	Outcome    domain.Outcome
	Steps      []domain.StepLog
	VarsDigest string
	Err        string
}

// Executor walks a pipeline's steps in order, rendering arguments, checking
// schemas, invoking tools and retrying per policy. All nondeterminism lives
// in tool calls and clock reads; given identical variable-map seeds and tool
// outputs, bindings and control flow are identical.
type Executor struct {
	catalog tool.Catalog
	schemas *SchemaValidator
	clk     clock.Clock
	logger  *slog.Logger
	cfg     Config
}

func NewExecutor(catalog tool.Catalog, clk clock.Clock, logger *slog.Logger, cfg Config) *Executor {
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 30 * time.Second
	}
	if cfg.DefaultRetry.MaxAttempts <= 0 {
		cfg.DefaultRetry.MaxAttempts = 5
	}
	if cfg.DefaultRetry.BaseDelay <= 0 {
		cfg.DefaultRetry.BaseDelay = time.Second
	}
	if cfg.DefaultRetry.MaxDelay <= 0 {
		cfg.DefaultRetry.MaxDelay = 5 * time.Minute
	}
	return &Executor{
		catalog: catalog,
		schemas: NewSchemaValidator(),
		clk:     clk,
		logger:  logger.With("component", "executor"),
		cfg:     cfg,
	}
}

// Run executes the task's pipeline against the given scheduled instant.
// canceled is polled at step boundaries and after timeouts; when it reports
// true the pipeline stops with OutcomeCanceled and no retry.
func (e *Executor) Run(ctx context.Context, task *domain.Task, scheduledAt time.Time, canceled func() bool) Result {
	params := task.Params
	if params == nil {
		params = map[string]any{}
	}
	steps := map[string]any{}
	vars := map[string]any{
		"now":    scheduledAt.UTC().Format(time.RFC3339),
		"params": params,
		"steps":  steps,
	}

	var log []domain.StepLog

	finish := func(outcome domain.Outcome, errMsg string) Result {
		return Result{
			Outcome:    outcome,
			Steps:      log,
			VarsDigest: digest(vars),
			Err:        truncate(errMsg, 1024),
		}
	}

	for _, step := range task.Pipeline.Steps {
		if canceled != nil && canceled() {
			return finish(domain.OutcomeCanceled, "cancel requested")
		}

		started := e.clk.Now()

		if step.If != "" {
			ok, err := EvalPredicate(step.If, vars)
			if err != nil {
				log = append(log, stepLog(step.ID, started, e.clk.Now(), domain.StepFailed, 0, "", err))
				return finish(domain.OutcomePermanentError, fmt.Sprintf("step %s: %v", step.ID, err))
			}
			if !ok {
				log = append(log, stepLog(step.ID, started, e.clk.Now(), domain.StepSkipped, 0, "", nil))
				continue
			}
		}

		output, attempts, err := e.runStep(ctx, step, vars, canceled)
		if err != nil {
			outcome := domain.OutcomePermanentError
			stepOutcome := domain.StepFailed
			if errors.Is(err, context.Canceled) || (canceled != nil && canceled()) {
				outcome = domain.OutcomeCanceled
				stepOutcome = domain.StepCanceled
			} else if tool.IsRetryable(err) {
				outcome = domain.OutcomeRetryableError
			}
			log = append(log, stepLog(step.ID, started, e.clk.Now(), stepOutcome, attempts, "", err))
			return finish(outcome, fmt.Sprintf("step %s: %v", step.ID, err))
		}

		log = append(log, stepLog(step.ID, started, e.clk.Now(), domain.StepSucceeded, attempts, digest(output), nil))

		if step.SaveAs != "" {
			if _, exists := steps[step.SaveAs]; exists {
				// Pipeline validation forbids this; reaching it is an
				// internal invariant violation, fatal to the run.
				err := fmt.Errorf("step %s: save_as %q already bound", step.ID, step.SaveAs)
				e.logger.ErrorContext(ctx, "variable map invariant violated",
					"task_id", task.ID, "step_id", step.ID, "save_as", step.SaveAs)
				return finish(domain.OutcomePermanentError, err.Error())
			}
			steps[step.SaveAs] = output
		}
	}

	return finish(domain.OutcomeSuccess, "")
}

// runStep renders, validates, and invokes one step with its retry policy.
// Returns the tool output and the number of invocations made.
func (e *Executor) runStep(ctx context.Context, step domain.Step, vars map[string]any, canceled func() bool) (any, int, error) {
	rendered, err := Render(asAnyMap(step.With), vars)
	if err != nil {
		return nil, 0, tool.PermanentError(err)
	}
	args, _ := rendered.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	cap, err := e.catalog.Resolve(step.Uses)
	if err != nil {
		return nil, 0, tool.PermanentError(err)
	}

	if err := e.schemas.Validate(cap.InputSchema, args); err != nil {
		return nil, 0, tool.PermanentError(err)
	}

	retry := e.cfg.DefaultRetry
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 0 {
			retry.MaxAttempts = step.Retry.MaxAttempts
		}
		if step.Retry.BaseDelay > 0 {
			retry.BaseDelay = step.Retry.BaseDelay
		}
		if step.Retry.MaxDelay > 0 {
			retry.MaxDelay = step.Retry.MaxDelay
		}
		retry.JitterRatio = step.Retry.JitterRatio
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		output, err := e.invoke(ctx, cap, args, timeout)
		if err == nil {
			if verr := e.schemas.Validate(cap.OutputSchema, output); verr != nil {
				return nil, attempt, tool.PermanentError(verr)
			}
			return output, attempt, nil
		}
		lastErr = err

		if !tool.IsRetryable(err) || ctx.Err() != nil {
			return nil, attempt, err
		}
		if canceled != nil && canceled() {
			return nil, attempt, err
		}
		if attempt == retry.MaxAttempts {
			break
		}

		delay := RetryDelay(retry, attempt)
		e.logger.InfoContext(ctx, "step retry",
			"step_id", step.ID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, retry.MaxAttempts, lastErr
}

func (e *Executor) invoke(ctx context.Context, cap *tool.Capability, args map[string]any, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := cap.Invoke(callCtx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, tool.RetryableError(fmt.Errorf("tool timed out after %s", timeout))
		}
		return nil, err
	}
	return output, nil
}

func stepLog(id string, started, finished time.Time, outcome domain.StepOutcome, attempts int, outDigest string, err error) domain.StepLog {
	l := domain.StepLog{
		StepID:       id,
		StartedAt:    started,
		FinishedAt:   finished,
		Outcome:      outcome,
		Attempts:     attempts,
		OutputDigest: outDigest,
	}
	if err != nil {
		l.Error = truncate(err.Error(), 512)
	}
	return l
}

func asAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// digest is a short content hash used for step outputs and the final
// variable map; encoding/json sorts map keys, so it is stable.
func digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
