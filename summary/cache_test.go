package summary_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/pulse/delivery"
	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/notify"
	"github.com/ceyewan/pulse/store/storetest"
	"github.com/ceyewan/pulse/summary"
)

type fakeMessages struct {
	mu     sync.Mutex
	latest map[string]*model.MessageContent
	calls  int
}

func (f *fakeMessages) GetLatestMessages(_ context.Context, ids []string) (map[string]*model.MessageContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := map[string]*model.MessageContent{}
	for _, id := range ids {
		if m, ok := f.latest[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender string, at time.Time, content string) *model.Message {
	return &model.Message{
		MessageID:      id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        content,
		Type:           model.MessageText,
		Timestamp:      at,
	}
}

func newCache(t *testing.T, messages summary.MessageStore) (*summary.Cache, *notify.Recorder) {
	t.Helper()
	s, _ := storetest.New(t)
	rec := &notify.Recorder{}
	return summary.New(s, messages, summary.Config{}, summary.WithEmitter(rec)), rec
}

func TestCache_MessageSentResetsSets(t *testing.T) {
	ctx := context.Background()
	c, rec := newCache(t, nil)

	require.NoError(t, c.OnMessageSent(ctx, msg("m1", "alice", t0, "hello"), "c1"))
	require.NoError(t, c.OnReadStatusChanged(ctx, "c1", "m1", "bob", true))

	s, err := c.GetSummary(ctx, "c1", "bob")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "m1", s.MessageID)
	assert.Equal(t, "hello", s.ContentPreview)
	assert.ElementsMatch(t, []string{"alice", "bob"}, s.ReadBy)
	assert.True(t, s.ReadByViewer)

	require.NoError(t, c.OnMessageSent(ctx, msg("m2", "carol", t0.Add(time.Second), "next"), "c1"))
	s, err = c.GetSummary(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "m2", s.MessageID)
	assert.Equal(t, []string{"carol"}, s.ReadBy)
	assert.Equal(t, []string{"carol"}, s.DeliveredTo)
	assert.False(t, s.ReadByViewer)

	assert.Len(t, rec.OfType(model.EventSummaryChanged), 3)
}

func TestCache_StaleMessageIDIsNoop(t *testing.T) {
	ctx := context.Background()
	c, rec := newCache(t, nil)

	require.NoError(t, c.OnMessageSent(ctx, msg("m1", "alice", t0, "first"), "c1"))
	require.NoError(t, c.OnMessageSent(ctx, msg("m2", "alice", t0.Add(time.Second), "second"), "c1"))
	rec.Reset()

	// m1 的已读回执晚到
	require.NoError(t, c.OnReadStatusChanged(ctx, "c1", "m1", "bob", true))
	require.NoError(t, c.OnDeliveredStatusChanged(ctx, "c1", "m1", "bob"))

	s, err := c.GetSummary(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "m2", s.MessageID)
	assert.NotContains(t, s.ReadBy, "bob")
	assert.NotContains(t, s.DeliveredTo, "bob")
	assert.Empty(t, rec.Events())
}

func TestCache_TimestampNeverRegresses(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, nil)

	require.NoError(t, c.OnMessageSent(ctx, msg("m2", "alice", t0.Add(time.Minute), "newer"), "c1"))
	require.NoError(t, c.OnMessageSent(ctx, msg("m1", "alice", t0, "older"), "c1"))

	s, err := c.GetSummary(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "m2", s.MessageID)
	assert.True(t, s.Timestamp.Equal(t0.Add(time.Minute)))
}

func TestCache_ReadImpliesDelivered(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, nil)

	require.NoError(t, c.OnMessageSent(ctx, msg("m1", "alice", t0, "hi"), "c1"))
	require.NoError(t, c.OnReadStatusChanged(ctx, "c1", "m1", "bob", true))

	s, err := c.GetSummary(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Contains(t, s.DeliveredTo, "bob")

	// 取消已读不影响已送达
	require.NoError(t, c.OnReadStatusChanged(ctx, "c1", "m1", "bob", false))
	s, err = c.GetSummary(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.NotContains(t, s.ReadBy, "bob")
	assert.Contains(t, s.DeliveredTo, "bob")
}

func TestCache_PreviewOptimized(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, nil)

	m := msg("m1", "alice", t0, "")
	m.Type = model.MessageImage
	m.Attachments = []model.Attachment{{Type: model.MessageImage}, {Type: model.MessageImage}}
	require.NoError(t, c.OnMessageSent(ctx, m, "c1"))

	s, err := c.GetSummary(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "Sent 2 photos", s.ContentPreview)
	assert.Equal(t, 2, s.AttachmentCount)
}

func TestCache_BulkReadThrough(t *testing.T) {
	ctx := context.Background()
	durable := &fakeMessages{latest: map[string]*model.MessageContent{
		"c2": {MsgID: "m9", SessionID: "c2", SenderID: "dave", Content: "from db", MsgType: model.MessageText, SentAt: t0},
	}}
	c, _ := newCache(t, durable)

	require.NoError(t, c.OnMessageSent(ctx, msg("m1", "alice", t0, "cached"), "c1"))

	got, err := c.GetBulkSummaries(ctx, []string{"c1", "c2", "c3"}, "dave")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cached", got["c1"].ContentPreview)
	assert.Equal(t, "from db", got["c2"].ContentPreview)
	assert.True(t, got["c2"].ReadByViewer)
	assert.Equal(t, 1, durable.calls)

	// 回源结果已写回缓存
	_, err = c.GetBulkSummaries(ctx, []string{"c1", "c2"}, "dave")
	require.NoError(t, err)
	assert.Equal(t, 1, durable.calls)
}

func TestCache_StoreUnavailableFallsBack(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	durable := &fakeMessages{latest: map[string]*model.MessageContent{
		"c1": {MsgID: "m1", SessionID: "c1", SenderID: "alice", Content: "db", MsgType: model.MessageText, SentAt: t0},
	}}
	c := summary.New(s, durable, summary.Config{})
	mr.Close()

	got, err := c.GetSummary(ctx, "c1", "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "db", got.ContentPreview)
}

func TestCache_DeliveryListener(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)
	c := summary.New(s, nil, summary.Config{})
	syncer := delivery.New(s, nil, delivery.Config{}, delivery.WithListener(c))

	require.NoError(t, c.OnMessageSent(ctx, msg("m1", "alice", t0, "hi"), "c1"))
	require.NoError(t, syncer.RecordStatus(ctx, "m1", "bob", "phone", model.DeliveryDelivered))

	got, err := c.GetSummary(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Contains(t, got.DeliveredTo, "bob")
	assert.NotContains(t, got.ReadBy, "bob")

	require.NoError(t, syncer.RecordStatus(ctx, "m1", "bob", "phone", model.DeliveryRead))
	got, err = c.GetSummary(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.True(t, got.ReadByViewer)

	// 没有摘要索引的消息直接忽略
	require.NoError(t, c.OnDeliveryStatusChanged(ctx, "unknown", "bob", model.DeliveryRead))
}

func TestCache_MessageIndexSeparateFromSummary(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, nil)

	// 会话 id 与消息 id 取值恰好拼出相同的键段
	m := msg("read", "alice", t0, "hi")
	m.ConversationID = "msg"
	require.NoError(t, c.OnMessageSent(ctx, m, "msg"))
	require.NoError(t, c.OnDeliveryStatusChanged(ctx, "read", "bob", model.DeliveryRead))

	s, err := c.GetSummary(ctx, "msg", "bob")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "read", s.MessageID)
	assert.True(t, s.ReadByViewer)
}
