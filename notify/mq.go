package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"

	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/observability"
)

// DefaultTopicPrefix 事件主题前缀，完整主题为 前缀 + 事件类型
const DefaultTopicPrefix = "pulse.events."

// Publisher MQ 发布端口，genesis mq.Client 满足此接口
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Envelope MQ 上的事件信封
type Envelope struct {
	Type       model.EventType   `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    json.RawMessage   `json:"payload"`
	Trace      map[string]string `json:"trace,omitempty"`
}

// MQEmitter 将事件发布到 NATS 主题，供各网关节点订阅后扇出
type MQEmitter struct {
	publisher   Publisher
	topicPrefix string
	timeout     time.Duration
	logger      clog.Logger
}

// NewMQEmitter 创建 MQ 出口
func NewMQEmitter(publisher Publisher, topicPrefix string, logger clog.Logger) *MQEmitter {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &MQEmitter{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		timeout:     3 * time.Second,
		logger:      logger.WithNamespace("notify"),
	}
}

// Topic 事件类型对应的主题
func (e *MQEmitter) Topic(eventType model.EventType) string {
	return e.topicPrefix + string(eventType)
}

// Emit 实现 Emitter
func (e *MQEmitter) Emit(ctx context.Context, event model.Event) error {
	data, err := Encode(ctx, event)
	if err != nil {
		return err
	}

	// 使用独立超时，避免上游请求取消导致已落地的状态变化无法广播
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	topic := e.Topic(event.Type)
	if err := e.publisher.Publish(pubCtx, topic, data); err != nil {
		return xerrors.Wrapf(err, "publish %s", topic)
	}

	e.logger.DebugContext(ctx, "event published",
		clog.String("topic", topic),
		clog.Int("size", len(data)))
	return nil
}

// Encode 将事件编码为信封，并注入当前链路信息
func Encode(ctx context.Context, event model.Event) ([]byte, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, xerrors.Wrapf(err, "marshal %s payload", event.Type)
	}
	env := Envelope{
		Type:       event.Type,
		OccurredAt: event.OccurredAt,
		Payload:    payload,
		Trace:      map[string]string{},
	}
	observability.InjectTraceContext(ctx, env.Trace)
	return json.Marshal(env)
}

// Decode 解析信封；Payload 保持原始 JSON，由订阅方按 Type 解析
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Wrapf(err, "unmarshal envelope")
	}
	if env.Type == "" {
		return nil, xerrors.New("envelope missing type")
	}
	return &env, nil
}
