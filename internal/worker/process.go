package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/scanerr"
)

// 子进程退出码
const (
	ExitOK         = 0
	ExitInputError = 2
	ExitFailed     = 3
)

const stderrTail = 4096

// ProcessRunner 每个单元启动 `{Binary} {Args...} extract`，从 stdout 读取事件
type ProcessRunner struct {
	Binary string
	Args   []string
	Env    []string
	// WaitDelay SIGTERM 后等待子进程退出的上限
	WaitDelay time.Duration
	Logger    *slog.Logger
}

func NewProcessRunner(binary string, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{Binary: binary, WaitDelay: 5 * time.Second, Logger: logger}
}

func (r *ProcessRunner) Run(ctx context.Context, unit Unit, progress ProgressFunc) *model.Document {
	log := r.Logger.With("job_id", unit.JobID, "dataset", unit.Dataset.Name)

	payload, err := json.Marshal(UnitInput{
		JobID:     unit.JobID,
		Workspace: unit.Workspace,
		Dataset:   unit.Dataset,
		Token:     tokenInput(unit.Token),
	})
	if err != nil {
		return r.failed(unit, scanerr.KindUnknown, "encode unit input: "+err.Error())
	}

	args := append(append([]string{}, r.Args...), "extract")
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.WaitDelay
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.failed(unit, scanerr.KindUnknown, "stdout pipe: "+err.Error())
	}
	if err := cmd.Start(); err != nil {
		return r.failed(unit, scanerr.KindUnknown, "start worker: "+err.Error())
	}

	var (
		result *model.Document
		errEv  *model.OutcomeError
	)
	readErr := ReadEvents(stdout, func(ev Event) {
		switch ev.Type {
		case EventProgress:
			notify(progress, ev.Stage, ev.Message)
		case EventResult:
			if ev.Document != nil {
				result = ev.Document
			}
		case EventError:
			errEv = ev.Error
		}
	}, func(line string) {
		log.Debug("worker emitted non-event line", "line", truncate(line, 200))
	})
	waitErr := cmd.Wait()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return r.failed(unit, scanerr.KindTimeout, "extraction unit timed out; worker killed")
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return r.failed(unit, scanerr.KindUnknown, "extraction unit cancelled")
	}
	if readErr != nil {
		log.Warn("worker stdout read failed", "error", readErr)
	}

	code := exitCode(waitErr)
	if result != nil {
		if code != ExitOK && code != ExitFailed {
			log.Warn("worker exited abnormally after result", "exit_code", code)
		}
		return result
	}
	if errEv != nil {
		doc := model.NewDocument(&unit.Workspace, &unit.Dataset)
		doc.JobID = unit.JobID
		doc.Fail(errEv.Kind, errEv.Reason, errEv.Message)
		return doc
	}

	msg := fmt.Sprintf("worker exited with code %d without a result", code)
	if tail := strings.TrimSpace(stderr.String()); tail != "" {
		msg += ": " + tail
	}
	log.Warn("worker failed", "exit_code", code)
	return r.failed(unit, scanerr.KindUnknown, msg)
}

func (r *ProcessRunner) failed(unit Unit, kind scanerr.Kind, msg string) *model.Document {
	doc := model.FailedDocument(&unit.Workspace, &unit.Dataset, string(kind), "", msg)
	doc.JobID = unit.JobID
	return doc
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tailBuffer 只保留最后 max 字节
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
