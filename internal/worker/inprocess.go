package worker

import (
	"context"

	"github.com/rbutinar/power-bi-catalog/internal/extractor"
	"github.com/rbutinar/power-bi-catalog/internal/model"
)

// InProcessRunner 在当前进程内直接调用提取器
type InProcessRunner struct {
	extractor *extractor.Extractor
}

func NewInProcessRunner(ex *extractor.Extractor) *InProcessRunner {
	return &InProcessRunner{extractor: ex}
}

func (r *InProcessRunner) Run(ctx context.Context, unit Unit, progress ProgressFunc) *model.Document {
	notify(progress, StageStarted, unit.Dataset.Name)
	doc := r.extractor.Extract(ctx, extractor.Target{
		JobID:     unit.JobID,
		Workspace: unit.Workspace,
		Dataset:   unit.Dataset,
	}, unit.Token)
	notify(progress, StageExtracted, doc.Outcome)
	return doc
}
