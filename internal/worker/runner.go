package worker

import (
	"context"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/credential"
)

// Unit 任务中一个语义模型的提取
type Unit struct {
	JobID     string
	Workspace model.Workspace
	Dataset   model.Dataset
	Token     *credential.Token
}

// ProgressFunc 接收单元的中间阶段
type ProgressFunc func(stage, message string)

// Runner 执行单元，Run 总是返回文档，失败以 failed 文档表示
type Runner interface {
	Run(ctx context.Context, unit Unit, progress ProgressFunc) *model.Document
}

func notify(progress ProgressFunc, stage, message string) {
	if progress != nil {
		progress(stage, message)
	}
}
