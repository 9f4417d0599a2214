package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "MetaPilot/internal/errors"
	"MetaPilot/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelRedis Channel = "redis"
)

// Event 描述一次需要告警的事件，通常来自失败的自主操作或步骤。
type Event struct {
	Code        xerrors.Code      `json:"code"`
	Message     string            `json:"message"`
	Severity    xerrors.Severity  `json:"severity"`
	OperationID string            `json:"operation_id,omitempty"`
	AgentType   string            `json:"agent_type,omitempty"`
	Step        int               `json:"step,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入结构化日志。
type LogNotifier struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewLogNotifier 按级别名称创建日志通知器，未知级别回退为 warn。
func NewLogNotifier(log *slog.Logger, level string) *LogNotifier {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil || level == "" {
		lvl = slog.LevelWarn
	}
	return &LogNotifier{Logger: log, Level: lvl}
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 输出告警日志。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.L()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	level := slog.LevelWarn
	if n != nil {
		level = n.Level
	}
	attrs := []slog.Attr{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("operation_id", event.OperationID),
	}
	if event.AgentType != "" {
		attrs = append(attrs, slog.String("agent_type", event.AgentType))
	}
	if event.Step > 0 {
		attrs = append(attrs, slog.Int("step", event.Step))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	log.LogAttrs(ctx, level, event.Message, attrs...)
	return nil
}

// RedisNotifier 通过 Redis PUBLISH 将告警推送给订阅方。
type RedisNotifier struct {
	Client      redis.UniversalClient
	ChannelName string
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 以 JSON 形式发布事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Client == nil || n.ChannelName == "" {
		logger.L().Warn("RedisNotifier 未正确配置，跳过发送", slog.String("operation_id", event.OperationID))
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	return n.Client.Publish(ctx, n.ChannelName, payload).Err()
}

// FromError 根据错误码属性构造事件，错误码未要求告警时返回 false。
func FromError(operationID string, err error) (Event, bool) {
	if err == nil {
		return Event{}, false
	}
	if !xerrors.ShouldAlert(err) {
		return Event{}, false
	}
	return Event{
		Code:        xerrors.CodeOf(err),
		Message:     err.Error(),
		Severity:    xerrors.SeverityOf(err),
		OperationID: operationID,
		OccurredAt:  time.Now(),
	}, true
}
