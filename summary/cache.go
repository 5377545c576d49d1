// Package summary 维护会话列表使用的最后一条消息摘要
//
// 内容覆盖与已读/已送达集合相互独立：对旧消息的已读回执在新消息到达后被静默丢弃，
// 不会影响新消息的预览与集合。
package summary

import (
	"context"
	"strconv"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/notify"
	"github.com/ceyewan/pulse/observability"
	"github.com/ceyewan/pulse/store"
)

// MessageStore 持久化消息端口
type MessageStore interface {
	// GetLatestMessages 返回每个会话的最后一条消息，没有消息的会话不出现在结果中
	GetLatestMessages(ctx context.Context, conversationIDs []string) (map[string]*model.MessageContent, error)
}

// Cache 会话摘要缓存
type Cache struct {
	store    store.Store
	messages MessageStore
	emitter  notify.Emitter
	cfg      Config
	logger   clog.Logger
}

// Option 配置选项
type Option func(*Cache)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger.WithNamespace("summary")
		}
	}
}

// WithEmitter 设置事件出口
func WithEmitter(e notify.Emitter) Option {
	return func(c *Cache) {
		if e != nil {
			c.emitter = e
		}
	}
}

// New 创建摘要缓存，messages 为 nil 时不做回源
func New(s store.Store, messages MessageStore, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		store:    s,
		messages: messages,
		emitter:  notify.Nop,
		cfg:      cfg,
		logger:   clog.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMessageSent 新消息落库后更新摘要，发送者计入已读与已送达
// 缓存中已有更新时间戳的消息时不覆盖
func (c *Cache) OnMessageSent(ctx context.Context, msg *model.Message, conversationID string) error {
	if conversationID == "" {
		conversationID = msg.ConversationID
	}
	ctx, end := observability.StartSpan(ctx, "summary.OnMessageSent",
		attribute.String("conversation_id", conversationID),
		attribute.String("message_id", msg.MessageID))
	defer end()

	p := optimizePreview(msg.Content, msg.Type, msg.Attachments, c.cfg.GetPreviewLength())
	sum := &model.ConversationSummary{
		ConversationID:  conversationID,
		MessageID:       msg.MessageID,
		SenderID:        msg.SenderID,
		ContentPreview:  p.Text,
		HasMore:         p.HasMore,
		MessageType:     msg.Type,
		Timestamp:       msg.Timestamp,
		ReadBy:          []string{msg.SenderID},
		DeliveredTo:     []string{msg.SenderID},
		AttachmentCount: len(msg.Attachments),
	}

	code, err := c.put(ctx, sum)
	if err != nil {
		return err
	}
	switch code {
	case -1:
		c.logger.DebugContext(ctx, "older message ignored",
			clog.String("conversation_id", conversationID),
			clog.String("message_id", msg.MessageID))
	case 1:
		c.publish(ctx, sum)
	}
	return nil
}

func (c *Cache) put(ctx context.Context, sum *model.ConversationSummary) (int64, error) {
	cid := sum.ConversationID
	res, err := c.store.Eval(ctx, putScript,
		[]string{c.sumKey(cid), c.readKey(cid), c.dlvKey(cid), c.msgKey(sum.MessageID)},
		sum.MessageID,
		sum.SenderID,
		sum.ContentPreview,
		boolString(sum.HasMore),
		sum.MessageType,
		sum.Timestamp.UnixMilli(),
		sum.AttachmentCount,
		c.cfg.GetTTL().Milliseconds(),
		cid,
	)
	if err != nil {
		return 0, err
	}
	return store.ToInt64(res), nil
}

// OnReadStatusChanged 修改已读集合；messageId 不是缓存中的最后一条消息时为空操作
func (c *Cache) OnReadStatusChanged(ctx context.Context, conversationID, messageID, userID string, isRead bool) error {
	op := "unread"
	if isRead {
		op = "read"
	}
	return c.mark(ctx, conversationID, messageID, userID, op)
}

// OnDeliveredStatusChanged 修改已送达集合
func (c *Cache) OnDeliveredStatusChanged(ctx context.Context, conversationID, messageID, userID string) error {
	return c.mark(ctx, conversationID, messageID, userID, "delivered")
}

func (c *Cache) mark(ctx context.Context, conversationID, messageID, userID, op string) error {
	res, err := c.store.Eval(ctx, markScript,
		[]string{c.sumKey(conversationID), c.readKey(conversationID), c.dlvKey(conversationID)},
		messageID, userID, op,
	)
	if err != nil {
		return err
	}

	switch store.ToInt64(res) {
	case -1:
		c.logger.DebugContext(ctx, "stale status update dropped",
			clog.String("conversation_id", conversationID),
			clog.String("message_id", messageID),
			clog.String("op", op))
	case 1:
		sums, err := c.loadCached(ctx, []string{conversationID})
		if err != nil {
			return err
		}
		if s := sums[conversationID]; s != nil {
			c.publish(ctx, s)
		}
	}
	return nil
}

// OnDeliveryStatusChanged 实现 delivery.StatusListener
// 通过 messageId 索引定位会话，索引不存在说明消息已不是任何会话的最后一条
func (c *Cache) OnDeliveryStatusChanged(ctx context.Context, messageID, userID string, status model.DeliveryState) error {
	if status != model.DeliveryRead && status != model.DeliveryDelivered {
		return nil
	}
	cid, err := c.store.Get(ctx, c.msgKey(messageID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if status == model.DeliveryRead {
		return c.OnReadStatusChanged(ctx, cid, messageID, userID, true)
	}
	return c.OnDeliveredStatusChanged(ctx, cid, messageID, userID)
}

// GetSummary 读取单个会话摘要，缓存未命中时回源
func (c *Cache) GetSummary(ctx context.Context, conversationID, userID string) (*model.ConversationSummary, error) {
	sums, err := c.GetBulkSummaries(ctx, []string{conversationID}, userID)
	if err != nil {
		return nil, err
	}
	return sums[conversationID], nil
}

// GetBulkSummaries 批量读取，缓存读取固定两次往返，未命中的会话一次查询回源
// 临时存储不可达时全部回源，结果不含已读集合
func (c *Cache) GetBulkSummaries(ctx context.Context, conversationIDs []string, userID string) (map[string]*model.ConversationSummary, error) {
	ctx, end := observability.StartSpan(ctx, "summary.GetBulkSummaries",
		attribute.Int("count", len(conversationIDs)))
	defer end()

	out := make(map[string]*model.ConversationSummary, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}

	cached, err := c.loadCached(ctx, conversationIDs)
	cacheDown := err != nil
	if err != nil {
		if !store.IsUnavailable(err) || c.messages == nil {
			return nil, err
		}
		c.logger.WarnContext(ctx, "summary cache unavailable, reading durable store",
			clog.Int("count", len(conversationIDs)),
			clog.Error(err))
		cached = map[string]*model.ConversationSummary{}
	}

	var missing []string
	for _, cid := range conversationIDs {
		if s, ok := cached[cid]; ok {
			out[cid] = s
		} else {
			missing = append(missing, cid)
		}
	}

	if len(missing) > 0 && c.messages != nil {
		loaded, err := c.loadDurable(ctx, missing, !cacheDown)
		if err != nil {
			return nil, err
		}
		for cid, s := range loaded {
			out[cid] = s
		}
	}

	for _, s := range out {
		s.ReadByViewer = contains(s.ReadBy, userID)
	}
	return out, nil
}

// loadCached 两次往返读取摘要与集合
func (c *Cache) loadCached(ctx context.Context, conversationIDs []string) (map[string]*model.ConversationSummary, error) {
	sumKeys := make([]string, len(conversationIDs))
	setKeys := make([]string, 0, 2*len(conversationIDs))
	for i, cid := range conversationIDs {
		sumKeys[i] = c.sumKey(cid)
		setKeys = append(setKeys, c.readKey(cid), c.dlvKey(cid))
	}

	rows, err := c.store.BatchHGetAll(ctx, sumKeys)
	if err != nil {
		return nil, err
	}
	sets, err := c.store.BatchSMembers(ctx, setKeys)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*model.ConversationSummary, len(conversationIDs))
	for i, cid := range conversationIDs {
		f := rows[i]
		if len(f) == 0 {
			continue
		}
		attachments, _ := strconv.Atoi(f["attachments"])
		out[cid] = &model.ConversationSummary{
			ConversationID:  cid,
			MessageID:       f["message_id"],
			SenderID:        f["sender_id"],
			ContentPreview:  f["preview"],
			HasMore:         f["has_more"] == "1",
			MessageType:     f["type"],
			Timestamp:       store.ParseMillis(f["ts"]),
			ReadBy:          sets[2*i],
			DeliveredTo:     sets[2*i+1],
			AttachmentCount: attachments,
		}
	}
	return out, nil
}

// loadDurable 从持久层回源，recache 为 true 时写回缓存
func (c *Cache) loadDurable(ctx context.Context, conversationIDs []string, recache bool) (map[string]*model.ConversationSummary, error) {
	latest, err := c.messages.GetLatestMessages(ctx, conversationIDs)
	if err != nil {
		return nil, xerrors.Wrapf(err, "load latest messages")
	}

	out := make(map[string]*model.ConversationSummary, len(latest))
	for cid, msg := range latest {
		attachments := make([]model.Attachment, msg.AttachmentCount)
		for i := range attachments {
			attachments[i] = model.Attachment{Type: msg.MsgType}
		}
		p := optimizePreview(msg.Content, msg.MsgType, attachments, c.cfg.GetPreviewLength())
		s := model.SummaryFromContent(msg, p.Text, p.HasMore)
		s.ConversationID = cid
		s.ReadBy = []string{msg.SenderID}
		s.DeliveredTo = []string{msg.SenderID}
		out[cid] = s

		if recache {
			if _, err := c.put(ctx, s); err != nil {
				c.logger.WarnContext(ctx, "recache summary failed",
					clog.String("conversation_id", cid),
					clog.Error(err))
			}
		}
	}
	return out, nil
}

// Invalidate 删除会话摘要，下次读取时回源
func (c *Cache) Invalidate(ctx context.Context, conversationID string) error {
	_, err := c.store.Del(ctx, c.sumKey(conversationID), c.readKey(conversationID), c.dlvKey(conversationID))
	return err
}

func (c *Cache) publish(ctx context.Context, sum *model.ConversationSummary) {
	err := c.emitter.Emit(ctx, model.NewEvent(model.EventSummaryChanged, time.Now(), model.SummaryChanged{
		ConversationID: sum.ConversationID,
		Summary:        sum,
	}))
	if err != nil {
		c.logger.WarnContext(ctx, "emit summary event failed",
			clog.String("conversation_id", sum.ConversationID),
			clog.Error(err))
	}
}

func (c *Cache) sumKey(cid string) string  { return c.store.Key("sum", cid) }
func (c *Cache) readKey(cid string) string { return c.store.Key("sum", cid, "read") }
func (c *Cache) dlvKey(cid string) string  { return c.store.Key("sum", cid, "dlv") }
func (c *Cache) msgKey(mid string) string  { return c.store.Key("sumidx", mid) }

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
