package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"primed/internal/config"
	"primed/pkg/logx"
)

// ExecRunner shells out to the configured processor binary. The final
// non-empty stdout line must be a JSON envelope:
//
//	{"success": true, "error": "", "cost_usd": 0.0312}
//
// Anything before that line is treated as processor chatter and ignored.
type ExecRunner struct {
	binary   string
	baseArgs []string
	workDir  string
	log      logx.Logger
}

func NewExecRunner(cfg config.ProcessorConfig, log logx.Logger) *ExecRunner {
	return &ExecRunner{
		binary:   cfg.Binary,
		baseArgs: append([]string(nil), cfg.BaseArgs...),
		workDir:  cfg.WorkDir,
		log:      log.With(logx.String("component", "processor")),
	}
}

func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	args := append([]string(nil), r.baseArgs...)
	args = append(args, inv.Command)
	if inv.Arguments != "" {
		args = append(args, inv.Arguments)
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(inv.MaxBudgetUSD, 'f', -1, 64))
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = r.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// After ctx cancellation, give the process a short grace to exit before
	// Wait gives up on it.
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(err, exec.ErrWaitDelay) {
			return Result{Duration: elapsed}, ErrAbandoned
		}
		return Result{Duration: elapsed}, ctxErr
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Result{Duration: elapsed}, fmt.Errorf("processor %s: %s", inv.Command, Scrub(msg))
	}

	res, perr := parseEnvelope(stdout.Bytes())
	if perr != nil {
		return Result{Duration: elapsed}, fmt.Errorf("processor %s: %w", inv.Command, perr)
	}
	res.Duration = elapsed
	return res, nil
}

type envelope struct {
	Success bool    `json:"success"`
	Error   string  `json:"error"`
	CostUSD float64 `json:"cost_usd"`
}

func parseEnvelope(out []byte) (Result, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			return Result{}, fmt.Errorf("malformed result envelope: %w", err)
		}
		return Result{Success: env.Success, Error: Scrub(env.Error), CostUSD: env.CostUSD}, nil
	}
	return Result{}, fmt.Errorf("empty processor output")
}
