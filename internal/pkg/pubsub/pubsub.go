package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// 每个扫描任务一个频道，订阅方按模式订阅全部任务
const ChannelPrefix = "pbiscan:progress:"

const channelPattern = ChannelPrefix + "*"

// Channel 扫描任务的进度频道
func Channel(scanID string) string {
	return ChannelPrefix + scanID
}

// 消息类型
const (
	TypeScanStatus = "scan_status"
	TypeUnitStage  = "unit_stage"
	TypeUnitDone   = "unit_done"
)

// ProgressMessage 进度消息
type ProgressMessage struct {
	Type                string `json:"type"`
	ScanID              string `json:"scan_id"`
	Status              string `json:"status"`
	Stage               string `json:"stage,omitempty"`
	WorkspaceID         string `json:"workspace_id,omitempty"`
	DatasetID           string `json:"dataset_id,omitempty"`
	DatasetName         string `json:"dataset_name,omitempty"`
	Outcome             string `json:"outcome,omitempty"`
	ProcessedWorkspaces int    `json:"processed_workspaces"`
	TotalWorkspaces     int    `json:"total_workspaces"`
	ProcessedDatasets   int    `json:"processed_datasets"`
	TotalDatasets       int    `json:"total_datasets"`
	Progress            int    `json:"progress"`
	Message             string `json:"message,omitempty"`
	Error               string `json:"error,omitempty"`
}

// Percent 由已处理 / 总数计算进度
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p > 100 {
		p = 100
	}
	return p
}

// Publisher Redis 发布者
type Publisher struct {
	client *redis.Client
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishProgress 发布进度消息
func (p *Publisher) PublishProgress(ctx context.Context, msg *ProgressMessage) error {
	if msg.Type == "" {
		msg.Type = TypeScanStatus
	}
	if msg.Progress == 0 {
		msg.Progress = Percent(msg.ProcessedDatasets, msg.TotalDatasets)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal progress message: %w", err)
	}

	return p.client.Publish(ctx, Channel(msg.ScanID), data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client *redis.Client
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe 订阅全部任务的进度消息，ready 在订阅生效后关闭（可为 nil）
func (s *Subscriber) Subscribe(ctx context.Context, ready chan<- struct{}, handler func(*ProgressMessage)) error {
	sub := s.client.PSubscribe(ctx, channelPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", channelPattern, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg ProgressMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				continue
			}
			// 频道名优先于消息体
			if id := strings.TrimPrefix(m.Channel, ChannelPrefix); id != m.Channel && id != "" {
				msg.ScanID = id
			}
			handler(&msg)
		}
	}
}
