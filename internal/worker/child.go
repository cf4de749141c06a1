package worker

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rbutinar/power-bi-catalog/internal/extractor"
	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/scanerr"
)

// RunChild ProcessRunner 的子进程端：从 in 读取 UnitInput，提取后向 out 写事件，返回退出码
func RunChild(ctx context.Context, in io.Reader, out io.Writer, ex *extractor.Extractor) int {
	w := NewEventWriter(out)

	var input UnitInput
	if err := json.NewDecoder(in).Decode(&input); err != nil {
		_ = w.Emit(Event{Type: EventError, Error: &model.OutcomeError{
			Kind:    string(scanerr.KindUnknown),
			Message: "invalid unit input: " + err.Error(),
		}})
		return ExitInputError
	}
	if input.Dataset.ID == "" || input.Workspace.ID == "" {
		_ = w.Emit(Event{Type: EventError, Error: &model.OutcomeError{
			Kind:    string(scanerr.KindUnknown),
			Message: "unit input missing workspace or dataset",
		}})
		return ExitInputError
	}

	_ = w.Progress(StageStarted, input.Dataset.Name)
	_ = w.Progress(StageConnecting, input.Workspace.Name)

	doc := ex.Extract(ctx, extractor.Target{
		JobID:     input.JobID,
		Workspace: input.Workspace,
		Dataset:   input.Dataset,
	}, input.Token.token())

	if err := w.Emit(Event{Type: EventResult, Document: doc}); err != nil {
		return ExitFailed
	}
	if doc.Outcome == model.OutcomeFailed {
		return ExitFailed
	}
	return ExitOK
}
