package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"

	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/notify"
	"github.com/ceyewan/pulse/observability"
	"github.com/ceyewan/pulse/store"
)

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Topic      string        `mapstructure:"topic"`
	QueueGroup string        `mapstructure:"queue_group"`
	MaxRetry   uint64        `mapstructure:"max_retry"`
	RetryBase  time.Duration `mapstructure:"retry_base"`
}

func (c *ConsumerConfig) withDefaults() ConsumerConfig {
	out := *c
	if out.Topic == "" {
		out.Topic = "pulse.inbound.message.persisted"
	}
	if out.QueueGroup == "" {
		out.QueueGroup = "pulse-core"
	}
	if out.MaxRetry == 0 {
		out.MaxRetry = 3
	}
	if out.RetryBase <= 0 {
		out.RetryBase = 200 * time.Millisecond
	}
	return out
}

// Consumer 订阅 message.persisted 并交给 Handler
type Consumer struct {
	client  mq.Client
	handler *Handler
	config  ConsumerConfig
	logger  clog.Logger

	subscription mq.Subscription
}

// NewConsumer 创建消费者
func NewConsumer(client mq.Client, handler *Handler, config ConsumerConfig, logger clog.Logger) *Consumer {
	if logger == nil {
		logger = clog.Discard()
	}
	return &Consumer{
		client:  client,
		handler: handler,
		config:  config.withDefaults(),
		logger:  logger.WithNamespace("consumer"),
	}
}

// Start 启动队列订阅（同组内负载均衡）
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer",
		clog.String("topic", c.config.Topic),
		clog.String("queue_group", c.config.QueueGroup))

	sub, err := c.client.QueueSubscribe(ctx, c.config.Topic, c.config.QueueGroup, c.handleMessage)
	if err != nil {
		return xerrors.Wrapf(err, "failed to subscribe to topic %s", c.config.Topic)
	}
	c.subscription = sub
	return nil
}

// Stop 取消订阅
func (c *Consumer) Stop() error {
	if c.subscription == nil {
		return nil
	}
	c.logger.Info("stopping consumer")
	if err := c.subscription.Unsubscribe(); err != nil {
		return xerrors.Wrapf(err, "unsubscribe %s", c.config.Topic)
	}
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg mq.Message) error {
	c.logger.Debug("received message",
		clog.String("subject", msg.Subject()),
		clog.Int("data_len", len(msg.Data())))

	if err := c.process(ctx, msg.Data()); err != nil {
		if errors.Is(err, errMalformed) {
			// 无法解析的消息直接 Ack，避免重复消费
			msg.Ack()
			return nil
		}
		msg.Nak()
		return err
	}
	msg.Ack()
	return nil
}

var errMalformed = xerrors.New("gateway: malformed message")

// process 解析并处理一条 message.persisted
func (c *Consumer) process(ctx context.Context, data []byte) error {
	env, payload, err := decodePersisted(data)
	if err != nil {
		c.logger.Error("drop malformed message", clog.Error(err))
		return errMalformed
	}

	ctx = observability.ExtractTraceContext(ctx, env.Trace)
	if err := c.processWithRetry(ctx, payload); err != nil {
		c.logger.ErrorContext(ctx, "failed to process message after retries",
			clog.String("message_id", payload.Message.MessageID),
			clog.Error(err))
		return err
	}
	return nil
}

// processWithRetry 只重试临时存储不可达的情况，其它错误直接返回
func (c *Consumer) processWithRetry(ctx context.Context, p *model.MessagePersisted) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryBase
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.config.MaxRetry), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.handler.OnMessagePersisted(ctx, p.Message, p.ConversationID)
		if err == nil {
			return nil
		}
		if !store.IsUnavailable(err) {
			return backoff.Permanent(err)
		}
		c.logger.WarnContext(ctx, "retrying message",
			clog.String("message_id", p.Message.MessageID),
			clog.Int("attempt", attempt),
			clog.Error(err))
		return err
	}, policy)
}

func decodePersisted(data []byte) (*notify.Envelope, *model.MessagePersisted, error) {
	env, err := notify.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	if env.Type != model.EventMessagePersisted {
		return nil, nil, xerrors.New("unexpected event type " + string(env.Type))
	}
	var p model.MessagePersisted
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, xerrors.Wrapf(err, "unmarshal message.persisted")
	}
	if p.Message == nil || p.Message.MessageID == "" {
		return nil, nil, xerrors.New("message.persisted without message")
	}
	return env, &p, nil
}
