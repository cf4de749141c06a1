// Package worker 在当前进程或子进程中执行提取单元，子进程通过 stdout 输出 JSON 行
package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/credential"
)

// 子进程事件类型，每行一个 JSON 对象
const (
	EventProgress = "progress"
	EventResult   = "result"
	EventError    = "error"
)

// 进度阶段
const (
	StageStarted    = "started"
	StageConnecting = "connecting"
	StageExtracted  = "extracted"
)

// Event 子进程 stdout 的一行
type Event struct {
	Type     string              `json:"type"`
	Stage    string              `json:"stage,omitempty"`
	Message  string              `json:"message,omitempty"`
	Document *model.Document     `json:"document,omitempty"`
	Error    *model.OutcomeError `json:"error,omitempty"`
}

// UnitInput 写入子进程 stdin
type UnitInput struct {
	JobID     string          `json:"job_id"`
	Workspace model.Workspace `json:"workspace"`
	Dataset   model.Dataset   `json:"dataset"`
	Token     TokenInput      `json:"token"`
}

// TokenInput 仅用于跨进程传递访问令牌
type TokenInput struct {
	Mode        credential.Mode     `json:"mode"`
	Audience    credential.Audience `json:"audience"`
	AccessToken string              `json:"access_token"`
	Expiry      time.Time           `json:"expiry"`
}

func tokenInput(t *credential.Token) TokenInput {
	if t == nil {
		return TokenInput{}
	}
	return TokenInput{Mode: t.Mode, Audience: t.Audience, AccessToken: t.AccessToken, Expiry: t.Expiry}
}

func (t TokenInput) token() *credential.Token {
	if t.AccessToken == "" {
		return nil
	}
	return &credential.Token{Mode: t.Mode, Audience: t.Audience, AccessToken: t.AccessToken, Expiry: t.Expiry}
}

// EventWriter 按 JSON 行写事件
type EventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEventWriter(w io.Writer) *EventWriter {
	return &EventWriter{enc: json.NewEncoder(w)}
}

func (w *EventWriter) Emit(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(ev)
}

func (w *EventWriter) Progress(stage, message string) error {
	return w.Emit(Event{Type: EventProgress, Stage: stage, Message: message})
}

// maxEventSize 单行上限，result 事件包含整份文档
const maxEventSize = 64 << 20

// ReadEvents 逐行解码事件，无法解析的行交给 onGarbage 后跳过
func ReadEvents(r io.Reader, onEvent func(Event), onGarbage func(line string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			if onGarbage != nil {
				onGarbage(string(line))
			}
			continue
		}
		onEvent(ev)
	}
	return sc.Err()
}
