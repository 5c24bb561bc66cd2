package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/kylemclaren/claude-routines/internal/logs"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

const (
	// StageOutput tags lines produced by the agent's own output
	StageOutput = "output"
	// StageStderr tags lines captured from the agent's stderr
	StageStderr = "stderr"
)

// CommandConfig configures the command runtime
type CommandConfig struct {
	Command       string
	Args          []string
	Timeout       time.Duration
	MaxConcurrent int
}

// DefaultCommandConfig runs the claude CLI in print mode with stream-json output
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		Command:       "claude",
		Args:          []string{"-p", "--dangerously-skip-permissions", "--verbose", "--output-format", "stream-json"},
		Timeout:       30 * time.Minute,
		MaxConcurrent: 4,
	}
}

// Command runs an external agent CLI per execution and reports through the stores
type Command struct {
	cfg        CommandConfig
	executions *executions.Store
	logs       *logs.Store
	sem        *semaphore.Weighted
	logger     log.Logger
	wg         sync.WaitGroup
}

// NewCommand creates the command runtime
func NewCommand(cfg CommandConfig, execStore *executions.Store, logStore *logs.Store) *Command {
	def := DefaultCommandConfig()
	if cfg.Command == "" {
		cfg.Command = def.Command
		cfg.Args = def.Args
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	return &Command{
		cfg:        cfg,
		executions: execStore,
		logs:       logStore,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:     log.GetLogger(),
	}
}

// Start launches the run in the background and returns immediately
func (c *Command) Start(_ context.Context, job Job) error {
	prompt := gjson.GetBytes(job.Config, "prompt").String()
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%s has no prompt configured", job.Parent)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		c.execute(ctx, job, prompt)
	}()
	return nil
}

// Wait blocks until every started run has finished
func (c *Command) Wait() {
	c.wg.Wait()
}

// outcome is what the final stream-json "result" event reports
type outcome struct {
	costUSD    float64
	durationMs int64
	summary    string
	isError    bool
}

func (c *Command) execute(ctx context.Context, job Job, prompt string) {
	ctx, span := otel.Tracer("github.com/kylemclaren/claude-routines/internal/runtime").Start(ctx, "runtime.execute")
	span.SetAttributes(
		attribute.Int64("execution.id", job.ExecutionID),
		attribute.String("execution.parent", job.Parent.String()),
	)
	defer span.End()

	entry := c.logger.WithFields(logrus.Fields{"execution": job.ExecutionID, "parent": job.Parent.String()})

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.fail(job, entry, "timed out waiting for a free runtime slot")
		return
	}
	defer c.sem.Release(1)

	if _, err := c.executions.MarkRunning(ctx, job.OwnerID, job.ExecutionID); err != nil {
		entry.WithError(err).Error("Failed to mark execution running")
		// an invalid transition means someone else already moved it on
		if !db.IsInvalidTransition(err) {
			c.fail(job, entry, fmt.Sprintf("failed to mark execution running: %v", err))
		}
		return
	}
	startTime := time.Now()

	args := append(append([]string{}, c.cfg.Args...), prompt)
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	cmd.Dir = gjson.GetBytes(job.Config, "working_dir").String()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.fail(job, entry, fmt.Sprintf("failed to create stdout pipe: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.fail(job, entry, fmt.Sprintf("failed to create stderr pipe: %v", err))
		return
	}
	if err := cmd.Start(); err != nil {
		c.fail(job, entry, fmt.Sprintf("failed to start command: %v", err))
		return
	}

	// Collect stderr in background
	var stderrLines []string
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrLines = append(stderrLines, scanner.Text())
		}
	}()

	res := c.consume(ctx, job, stdout)
	<-stderrDone
	cmdErr := cmd.Wait()

	for _, line := range stderrLines {
		c.append(job, db.LevelWarn, StageStderr, line)
	}

	if res.durationMs == 0 {
		res.durationMs = time.Since(startTime).Milliseconds()
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		span.SetStatus(codes.Error, "timeout")
		c.fail(job, entry, fmt.Sprintf("execution timed out after %s", c.cfg.Timeout))
	case cmdErr != nil:
		span.RecordError(cmdErr)
		span.SetStatus(codes.Error, cmdErr.Error())
		msg := cmdErr.Error()
		if len(stderrLines) > 0 {
			msg = fmt.Sprintf("%s\n%s", msg, strings.Join(stderrLines, "\n"))
		}
		c.fail(job, entry, msg)
	case res.isError:
		span.SetStatus(codes.Error, "agent reported an error")
		c.fail(job, entry, firstNonEmpty(res.summary, "agent reported an error"))
	default:
		span.SetAttributes(attribute.Float64("execution.cost_usd", res.costUSD))
		_, err := c.executions.Complete(context.Background(), job.OwnerID, job.ExecutionID, executions.Result{
			CostUSD:    res.costUSD,
			DurationMs: res.durationMs,
			Summary:    res.summary,
		})
		if err != nil {
			entry.WithError(err).Error("Failed to complete execution")
		}
	}
}

// consume turns stream-json output into log lines. Text deltas are buffered until a newline
// so each log line holds one line of agent output.
func (c *Command) consume(ctx context.Context, job Job, stdout io.Reader) outcome {
	var res outcome
	var pending strings.Builder
	flush := func() {
		if pending.Len() == 0 {
			return
		}
		c.append(job, db.LevelInfo, StageOutput, pending.String())
		pending.Reset()
	}

	scanner := bufio.NewScanner(stdout)
	// Increase buffer size for large JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			// not stream-json, keep the raw line
			flush()
			c.append(job, db.LevelInfo, StageOutput, line)
			continue
		}

		event := gjson.Parse(line)
		switch event.Get("type").String() {
		case "stream_event":
			if event.Get("event.type").String() != "content_block_delta" ||
				event.Get("event.delta.type").String() != "text_delta" {
				continue
			}
			text := event.Get("event.delta.text").String()
			for {
				i := strings.IndexByte(text, '\n')
				if i < 0 {
					pending.WriteString(text)
					break
				}
				pending.WriteString(text[:i])
				flush()
				text = text[i+1:]
			}
		case "result":
			res.costUSD = event.Get("total_cost_usd").Float()
			res.durationMs = event.Get("duration_ms").Int()
			res.summary = event.Get("result").String()
			res.isError = event.Get("is_error").Bool()
		}
	}
	flush()
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.append(job, db.LevelError, StageOutput, fmt.Sprintf("failed to read output: %v", err))
	}
	return res
}

func (c *Command) append(job Job, level db.LogLevel, stage, message string) {
	_, err := c.logs.Append(context.Background(), job.OwnerID, job.ExecutionID, logs.Entry{
		Level:   level,
		Stage:   stage,
		Message: message,
	})
	if err != nil {
		c.logger.WithError(err).WithField("execution", job.ExecutionID).Warn("Failed to append log line")
	}
}

// fail records a failure with a fresh context, since the run's own context may be done
func (c *Command) fail(job Job, entry *logrus.Entry, message string) {
	c.append(job, db.LevelError, "", message)
	if _, err := c.executions.Fail(context.Background(), job.OwnerID, job.ExecutionID, message); err != nil {
		entry.WithError(err).Error("Failed to record execution failure")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
