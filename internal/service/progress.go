package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/pubsub"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/ws"
)

// ProgressBroadcaster 将任务进度推送给 WebSocket 订阅者
// 配置了 Redis 时经频道转发，多实例部署下每个实例都能收到
type ProgressBroadcaster struct {
	hub       *ws.Hub
	publisher *pubsub.Publisher
	logger    *slog.Logger
}

func NewProgressBroadcaster(hub *ws.Hub, publisher *pubsub.Publisher, logger *slog.Logger) *ProgressBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressBroadcaster{hub: hub, publisher: publisher, logger: logger.With("component", "progress")}
}

// PublishProgress 发布一条进度
func (b *ProgressBroadcaster) PublishProgress(ctx context.Context, msg *pubsub.ProgressMessage) error {
	if b.publisher != nil {
		return b.publisher.PublishProgress(ctx, msg)
	}
	return b.deliver(msg)
}

func (b *ProgressBroadcaster) deliver(msg *pubsub.ProgressMessage) error {
	if msg.Type == "" {
		msg.Type = pubsub.TypeScanStatus
	}
	if !b.hub.HasSubscribers(msg.ScanID) {
		return nil
	}
	return b.hub.SendToScan(msg.ScanID, &ws.Message{Type: msg.Type, Data: msg})
}

// Relay 订阅 Redis 进度频道并转发到本实例的连接，直到 ctx 结束
func (b *ProgressBroadcaster) Relay(ctx context.Context, sub *pubsub.Subscriber, ready chan<- struct{}) error {
	b.logger.Info("progress relay started", "channel", pubsub.ChannelPrefix+"*")
	err := sub.Subscribe(ctx, ready, func(msg *pubsub.ProgressMessage) {
		if err := b.deliver(msg); err != nil {
			b.logger.Warn("deliver progress failed", "scan_id", msg.ScanID, "error", err)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ProgressOf 由任务快照生成状态消息
func ProgressOf(snap *model.ScanJob) *pubsub.ProgressMessage {
	return &pubsub.ProgressMessage{
		Type:                pubsub.TypeScanStatus,
		ScanID:              snap.ID,
		Status:              snap.Status,
		ProcessedWorkspaces: snap.ProcessedWorkspaces,
		TotalWorkspaces:     snap.TotalWorkspaces,
		ProcessedDatasets:   snap.ProcessedDatasets,
		TotalDatasets:       snap.TotalDatasets,
		Progress:            pubsub.Percent(snap.ProcessedDatasets, snap.TotalDatasets),
		Message:             snap.ErrorMessage,
	}
}
