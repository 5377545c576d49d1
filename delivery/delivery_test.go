package delivery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/pulse/delivery"
	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/notify"
	"github.com/ceyewan/pulse/store/storetest"
)

// memStatusStore 按状态序合并的内存持久层
type memStatusStore struct {
	mu   sync.Mutex
	rows map[[3]string]*model.DeliveryStatusRecord
	err  error
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{rows: map[[3]string]*model.DeliveryStatusRecord{}}
}

func (m *memStatusStore) AppendStatuses(_ context.Context, recs []*model.DeliveryStatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, r := range recs {
		k := [3]string{r.MessageID, r.UserID, r.DeviceID}
		if cur, ok := m.rows[k]; ok && !cur.Status.Supersedes(r.Status) {
			continue
		}
		cp := *r
		m.rows[k] = &cp
	}
	return nil
}

func (m *memStatusStore) GetStatus(_ context.Context, messageID, userID string) (*model.DeliveryStatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.rows[[3]string{messageID, userID, ""}]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memStatusStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type recordingListener struct {
	mu    sync.Mutex
	calls []model.DeliveryState
}

func (l *recordingListener) OnDeliveryStatusChanged(_ context.Context, _, _ string, status model.DeliveryState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, status)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	sync     *delivery.Synchronizer
	durable  *memStatusStore
	events   *notify.Recorder
	listener *recordingListener
	clock    *fakeClock
}

func newFixture(t *testing.T, cfg delivery.Config) (*fixture, func()) {
	t.Helper()
	s, mr := storetest.New(t)
	f := &fixture{
		durable:  newMemStatusStore(),
		events:   &notify.Recorder{},
		listener: &recordingListener{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.sync = delivery.New(s, f.durable, cfg,
		delivery.WithEmitter(f.events),
		delivery.WithListener(f.listener),
		delivery.WithClock(f.clock.Now),
	)
	return f, mr.Close
}

func TestSynchronizer_NeverRegresses(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, delivery.Config{})

	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliveryRead))
	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliveryDelivered))
	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliverySent))

	dev, err := f.sync.GetDeviceStatus(ctx, "m1", "bob", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRead, dev.Status)

	agg, err := f.sync.GetStatus(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRead, agg.Status)

	assert.Len(t, f.events.OfType(model.EventDeliveryChanged), 1)
	assert.Equal(t, []model.DeliveryState{model.DeliveryRead}, f.listener.calls)

	t.Run("failed 不能通过 RecordStatus 写入", func(t *testing.T) {
		err := f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliveryFailed)
		assert.ErrorIs(t, err, delivery.ErrInvalidStatus)
	})
}

func TestSynchronizer_AggregateIsMaxOverDevices(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, delivery.Config{})

	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliveryDelivered))
	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d2", model.DeliverySent))

	agg, err := f.sync.GetStatus(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, agg.Status)

	d2, err := f.sync.GetDeviceStatus(ctx, "m1", "bob", "d2")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, d2.Status)

	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d2", model.DeliveryRead))
	agg, err = f.sync.GetStatus(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRead, agg.Status)

	// d2 sent 未让聚合前进，不产生事件
	assert.Equal(t, []model.DeliveryState{model.DeliveryDelivered, model.DeliveryRead}, f.listener.calls)

	t.Run("无设备记录直接作用于聚合", func(t *testing.T) {
		require.NoError(t, f.sync.RecordStatus(ctx, "m2", "carol", "", model.DeliveryDelivered))
		agg, err := f.sync.GetStatus(ctx, "m2", "carol")
		require.NoError(t, err)
		assert.Equal(t, model.DeliveryDelivered, agg.Status)
		assert.Len(t, f.events.OfType(model.EventDeliveryChanged), 3)
	})
}

func TestSynchronizer_MarkFailedBackoff(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, delivery.Config{BackoffBase: 2 * time.Second, MaxRetries: 3})

	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliverySent))

	delays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range delays {
		now := f.clock.Now()
		rec, err := f.sync.MarkFailed(ctx, "m1", "bob", "d1", "E_OFFLINE")
		require.NoError(t, err, "attempt %d", i+1)
		require.NotNil(t, rec.FailureInfo)
		assert.Equal(t, model.DeliveryFailed, rec.Status)
		assert.Equal(t, i+1, rec.FailureInfo.RetryCount)
		assert.False(t, rec.FailureInfo.Permanent)
		assert.Equal(t, want, rec.FailureInfo.NextRetryAt.Sub(now))
		f.clock.Advance(time.Second)
	}

	rec, err := f.sync.MarkFailed(ctx, "m1", "bob", "d1", "E_OFFLINE")
	require.ErrorIs(t, err, delivery.ErrPermanentFailure)
	require.NotNil(t, rec)
	assert.True(t, rec.FailureInfo.Permanent)
	assert.Equal(t, 3, rec.FailureInfo.RetryCount)

	dev, err := f.sync.GetDeviceStatus(ctx, "m1", "bob", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, dev.Status)
	assert.True(t, dev.FailureInfo.Permanent)
	assert.Equal(t, "E_OFFLINE", dev.FailureInfo.Code)

	t.Run("永久失败后不再排队重试", func(t *testing.T) {
		f.clock.Advance(time.Minute)
		retries, err := f.sync.PopDueRetries(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, retries)
	})
}

func TestSynchronizer_MarkFailedAfterDelivered(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, delivery.Config{})

	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliveryDelivered))
	rec, err := f.sync.MarkFailed(ctx, "m1", "bob", "d1", "E_LATE")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, rec.Status)
}

func TestSynchronizer_Retries(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, delivery.Config{BackoffBase: 2 * time.Second})

	_, err := f.sync.MarkFailed(ctx, "m1", "bob", "d1", "E_OFFLINE")
	require.NoError(t, err)
	_, err = f.sync.MarkFailed(ctx, "m2", "bob", "d1", "E_OFFLINE")
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	retries, err := f.sync.PopDueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, retries, "未到期")

	// m2 在到期前送达，重试被撤销
	require.NoError(t, f.sync.RecordStatus(ctx, "m2", "bob", "d1", model.DeliveryDelivered))

	f.clock.Advance(time.Second)
	n, err := f.sync.DispatchDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs := f.events.OfType(model.EventDeliveryRetry)
	require.Len(t, evs, 1)
	r := evs[0].Payload.(model.DeliveryRetry)
	assert.Equal(t, "m1", r.MessageID)
	assert.Equal(t, "d1", r.DeviceID)
	assert.Equal(t, 1, r.Attempt)

	t.Run("已取出的重试不会重复派发", func(t *testing.T) {
		retries, err := f.sync.PopDueRetries(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, retries)
	})
}

func TestSynchronizer_Reconcile(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, delivery.Config{ReconcileBatch: 2})

	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliveryDelivered))
	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d2", model.DeliveryRead))
	require.NoError(t, f.sync.RecordStatus(ctx, "m2", "carol", "d1", model.DeliverySent))

	t.Run("持久层失败时批次重新入队", func(t *testing.T) {
		f.durable.err = errors.New("pg down")
		_, err := f.sync.ReconcileToDurable(ctx)
		require.Error(t, err)
		f.durable.err = nil
	})

	// 3 条设备记录 + 2 条聚合记录
	n, err := f.sync.ReconcileToDurable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, f.durable.len())

	n, err = f.sync.ReconcileToDurable(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := f.durable.GetStatus(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRead, rec.Status)

	t.Run("之后的写入再次进入对账", func(t *testing.T) {
		require.NoError(t, f.sync.RecordStatus(ctx, "m2", "carol", "d1", model.DeliveryRead))
		n, err := f.sync.ReconcileToDurable(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestSynchronizer_GetStatusFallsBackToDurable(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, delivery.Config{})

	rec, err := f.sync.GetStatus(ctx, "m9", "bob")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, f.durable.AppendStatuses(ctx, []*model.DeliveryStatusRecord{
		{MessageID: "m9", UserID: "bob", Status: model.DeliveryRead, Timestamp: f.clock.Now()},
	}))
	rec, err = f.sync.GetStatus(ctx, "m9", "bob")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.DeliveryRead, rec.Status)
}

func TestSynchronizer_StoreUnavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, closeStore := newFixture(t, delivery.Config{BufferSize: 1})
	closeStore()

	// 第一条进入缓冲
	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliveryDelivered))
	assert.Zero(t, f.durable.len())

	// 缓冲已满，直接写持久层
	require.NoError(t, f.sync.RecordStatus(ctx, "m2", "bob", "d1", model.DeliveryRead))
	assert.Equal(t, 2, f.durable.len())

	// 对账时缓冲被刷入持久层，随后读取待对账集合失败
	_, err := f.sync.ReconcileToDurable(ctx)
	assert.Error(t, err)
	assert.Equal(t, 4, f.durable.len())

	rec, err := f.sync.GetStatus(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, rec.Status)
}

func TestSynchronizer_PermanentFailureReachesDurable(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, delivery.Config{MaxRetries: 1})

	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "", model.DeliverySent))
	_, err := f.sync.ReconcileToDurable(ctx)
	require.NoError(t, err)

	_, err = f.sync.MarkFailed(ctx, "m1", "bob", "", "E_GONE")
	require.NoError(t, err)
	_, err = f.sync.MarkFailed(ctx, "m1", "bob", "", "E_GONE")
	require.ErrorIs(t, err, delivery.ErrPermanentFailure)

	_, err = f.sync.ReconcileToDurable(ctx)
	require.NoError(t, err)

	rec, err := f.durable.GetStatus(ctx, "m1", "bob")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.DeliveryFailed, rec.Status)
	require.NotNil(t, rec.FailureInfo)
	assert.True(t, rec.FailureInfo.Permanent)
}

func TestSynchronizer_RecoveryClearsFailure(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, delivery.Config{})

	_, err := f.sync.MarkFailed(ctx, "m1", "bob", "d1", "E_OFFLINE")
	require.NoError(t, err)
	require.NoError(t, f.sync.RecordStatus(ctx, "m1", "bob", "d1", model.DeliveryDelivered))

	dev, err := f.sync.GetDeviceStatus(ctx, "m1", "bob", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, dev.Status)
	assert.Nil(t, dev.FailureInfo)
}

func TestSynchronizer_MarkFailedStoreUnavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, closeStore := newFixture(t, delivery.Config{BackoffBase: 2 * time.Second, MaxRetries: 3, BufferSize: 1})
	closeStore()

	now := f.clock.Now()
	rec, err := f.sync.MarkFailed(ctx, "m1", "bob", "d1", "E_OFFLINE")
	require.NoError(t, err)
	require.NotNil(t, rec.FailureInfo)
	assert.Equal(t, model.DeliveryFailed, rec.Status)
	assert.Equal(t, 2*time.Second, rec.FailureInfo.NextRetryAt.Sub(now))
	assert.Zero(t, f.durable.len(), "failure buffered")

	// 缓冲已满，失败直接写持久层，只写设备记录
	_, err = f.sync.MarkFailed(ctx, "m2", "bob", "d1", "E_OFFLINE")
	require.NoError(t, err)
	assert.Equal(t, 1, f.durable.len())

	// 对账时临时存储仍不可用，缓冲的失败刷入持久层
	_, err = f.sync.ReconcileToDurable(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, f.durable.len())
}
