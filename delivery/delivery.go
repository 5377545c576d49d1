// Package delivery 同步消息在各设备上的投递与已读状态
//
// 写路径同步落在临时存储，持久化由对账任务按固定间隔批量完成。
// 临时存储在两次对账之间崩溃最多丢失一个周期内的状态变化，这是显式接受的一致性取舍。
package delivery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/notify"
	"github.com/ceyewan/pulse/observability"
	"github.com/ceyewan/pulse/store"
)

var (
	// ErrPermanentFailure 重试次数已用尽，调用方必须处理，不会被静默丢弃
	ErrPermanentFailure = xerrors.New("delivery: retries exhausted")
	// ErrInvalidStatus 只能通过 RecordStatus 写入 sent/delivered/read
	ErrInvalidStatus = xerrors.New("delivery: invalid status")
)

// StatusStore 持久化端口，写入需按状态序保护，不得回退
type StatusStore interface {
	AppendStatuses(ctx context.Context, records []*model.DeliveryStatusRecord) error
	GetStatus(ctx context.Context, messageID, userID string) (*model.DeliveryStatusRecord, error)
}

// StatusListener 用户级聚合状态前进时回调
type StatusListener interface {
	OnDeliveryStatusChanged(ctx context.Context, messageID, userID string, status model.DeliveryState) error
}

// Retry 到期待重投的记录
type Retry struct {
	MessageID string
	UserID    string
	DeviceID  string
	Attempt   int
}

// Synchronizer 投递状态同步器
type Synchronizer struct {
	store    store.Store
	durable  StatusStore
	emitter  notify.Emitter
	listener StatusListener
	cfg      Config
	buffer   *buffer
	logger   clog.Logger
	now      func() time.Time
}

// Option 配置选项
type Option func(*Synchronizer)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger.WithNamespace("delivery")
		}
	}
}

// WithEmitter 设置事件出口
func WithEmitter(e notify.Emitter) Option {
	return func(s *Synchronizer) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithListener 设置聚合状态监听者（会话摘要缓存）
func WithListener(l StatusListener) Option {
	return func(s *Synchronizer) {
		s.listener = l
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建同步器
func New(st store.Store, durable StatusStore, cfg Config, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:   st,
		durable: durable,
		emitter: notify.Nop,
		cfg:     cfg,
		buffer:  newBuffer(cfg.GetBufferSize()),
		logger:  clog.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetListener 在构造之后绑定监听者，用于与摘要缓存的双向装配
func (s *Synchronizer) SetListener(l StatusListener) {
	s.listener = l
}

// RecordStatus 写入 (messageID, userID, deviceID) 的状态
// 对同一键幂等，乱序到达的较低状态被忽略
func (s *Synchronizer) RecordStatus(ctx context.Context, messageID, userID, deviceID string, status model.DeliveryState) error {
	if status == model.DeliveryFailed || !status.Valid() {
		return ErrInvalidStatus
	}
	if messageID == "" || userID == "" {
		return xerrors.New("delivery: message id and user id are required")
	}

	ctx, end := observability.StartSpan(ctx, "delivery.RecordStatus",
		attribute.String("message_id", messageID),
		attribute.String("status", string(status)))
	defer end()

	rec := &model.DeliveryStatusRecord{
		MessageID: messageID,
		UserID:    userID,
		DeviceID:  deviceID,
		Status:    status,
		Timestamp: s.now(),
	}
	err := s.apply(ctx, rec)
	if err == nil {
		return nil
	}
	if !store.IsUnavailable(err) {
		return err
	}

	// 临时存储不可用：入缓冲等待对账周期重放，缓冲满则直接写持久层
	if s.buffer.push(rec) {
		observability.RecordDeliveryWrite(ctx, string(status), "buffered")
		observability.SetDeliveryBuffered(ctx, s.buffer.len())
		s.logger.WarnContext(ctx, "ephemeral store unavailable, status buffered",
			clog.String("message_id", messageID),
			clog.String("user_id", userID),
			clog.Error(err))
		return nil
	}

	if derr := s.durable.AppendStatuses(ctx, withAggregates([]*model.DeliveryStatusRecord{rec})); derr != nil {
		s.logger.ErrorContext(ctx, "status write lost, both stores unavailable",
			clog.String("message_id", messageID),
			clog.String("user_id", userID),
			clog.Error(derr))
		return xerrors.Wrapf(derr, "write status to durable store")
	}
	observability.RecordDeliveryWrite(ctx, string(status), "durable")
	return nil
}

// apply 执行前进式写入，聚合前进时广播并回调监听者
func (s *Synchronizer) apply(ctx context.Context, rec *model.DeliveryStatusRecord) error {
	devKey, aggKey := s.recordKeys(rec.MessageID, rec.UserID, rec.DeviceID)
	res, err := s.store.Eval(ctx, recordScript,
		[]string{devKey, aggKey, s.dirtyKey(), s.retryKey()},
		string(rec.Status),
		rec.Status.Rank(),
		rec.Timestamp.UnixMilli(),
		s.cfg.GetRecordTTL().Milliseconds(),
		member(rec.MessageID, rec.UserID, rec.DeviceID),
		member(rec.MessageID, rec.UserID, ""),
	)
	if err != nil {
		return err
	}

	vals := store.ToSlice(res)
	if store.ToInt64(store.At(vals, 0)) == 0 {
		observability.RecordDeliveryWrite(ctx, string(rec.Status), "ignored")
		s.logger.DebugContext(ctx, "status not advanced, ignored",
			clog.String("message_id", rec.MessageID),
			clog.String("user_id", rec.UserID),
			clog.String("device_id", rec.DeviceID),
			clog.String("status", string(rec.Status)))
		return nil
	}
	observability.RecordDeliveryWrite(ctx, string(rec.Status), "applied")

	if store.ToInt64(store.At(vals, 1)) == 1 {
		s.onAggregateAdvanced(ctx, rec)
	}
	return nil
}

func (s *Synchronizer) onAggregateAdvanced(ctx context.Context, rec *model.DeliveryStatusRecord) {
	err := s.emitter.Emit(ctx, model.NewEvent(model.EventDeliveryChanged, rec.Timestamp, model.DeliveryChanged{
		MessageID: rec.MessageID,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		Status:    rec.Status,
	}))
	if err != nil {
		s.logger.WarnContext(ctx, "emit delivery event failed",
			clog.String("message_id", rec.MessageID),
			clog.Error(err))
	}

	if s.listener != nil {
		if err := s.listener.OnDeliveryStatusChanged(ctx, rec.MessageID, rec.UserID, rec.Status); err != nil {
			s.logger.WarnContext(ctx, "status listener failed",
				clog.String("message_id", rec.MessageID),
				clog.String("user_id", rec.UserID),
				clog.Error(err))
		}
	}
}

// GetStatus 读取用户级聚合状态；临时存储未命中或不可达时回落到持久层
// 两者都没有时返回 nil
func (s *Synchronizer) GetStatus(ctx context.Context, messageID, userID string) (*model.DeliveryStatusRecord, error) {
	_, aggKey := s.recordKeys(messageID, userID, "")
	fields, err := s.store.HGetAll(ctx, aggKey)
	if err != nil && !store.IsUnavailable(err) {
		return nil, err
	}
	if err == nil && len(fields) > 0 {
		return decodeRecord(messageID, userID, "", fields), nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "ephemeral store unavailable, reading durable status",
			clog.String("message_id", messageID),
			clog.Error(err))
	}

	if s.durable == nil {
		return nil, err
	}
	rec, derr := s.durable.GetStatus(ctx, messageID, userID)
	if derr != nil {
		return nil, xerrors.Wrapf(derr, "get durable status")
	}
	return rec, nil
}

// GetDeviceStatus 读取单设备状态，只查临时存储
func (s *Synchronizer) GetDeviceStatus(ctx context.Context, messageID, userID, deviceID string) (*model.DeliveryStatusRecord, error) {
	devKey, _ := s.recordKeys(messageID, userID, deviceID)
	fields, err := s.store.HGetAll(ctx, devKey)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRecord(messageID, userID, deviceID, fields), nil
}

// MarkFailed 记录投递失败，重试间隔为 base * 2^retryCount
// 重试用尽时记录被标记为永久失败并返回 ErrPermanentFailure
// 已送达或已读的设备不会被标记失败，此时返回当前记录
// 临时存储不可用时失败进入缓冲，返回的记录按首次失败估算下次重试时间
func (s *Synchronizer) MarkFailed(ctx context.Context, messageID, userID, deviceID, errorCode string) (*model.DeliveryStatusRecord, error) {
	if messageID == "" || userID == "" {
		return nil, xerrors.New("delivery: message id and user id are required")
	}
	ctx, end := observability.StartSpan(ctx, "delivery.MarkFailed",
		attribute.String("message_id", messageID),
		attribute.String("code", errorCode))
	defer end()

	now := s.now()
	rec, err := s.fail(ctx, messageID, userID, deviceID, errorCode, now)
	if err == nil || !store.IsUnavailable(err) {
		return rec, err
	}

	pending := &model.DeliveryStatusRecord{
		MessageID: messageID,
		UserID:    userID,
		DeviceID:  deviceID,
		Status:    model.DeliveryFailed,
		Timestamp: now,
		FailureInfo: &model.FailureInfo{
			Code:        errorCode,
			RetryCount:  1,
			MaxRetries:  s.cfg.GetMaxRetries(),
			NextRetryAt: now.Add(s.cfg.GetBackoffBase()),
		},
	}
	if s.buffer.push(pending) {
		observability.RecordDeliveryWrite(ctx, string(model.DeliveryFailed), "buffered")
		observability.SetDeliveryBuffered(ctx, s.buffer.len())
		s.logger.WarnContext(ctx, "ephemeral store unavailable, failure buffered",
			clog.String("message_id", messageID),
			clog.String("device_id", deviceID),
			clog.Error(err))
		return pending, nil
	}

	if derr := s.durable.AppendStatuses(ctx, withAggregates([]*model.DeliveryStatusRecord{pending})); derr != nil {
		s.logger.ErrorContext(ctx, "failure write lost, both stores unavailable",
			clog.String("message_id", messageID),
			clog.String("device_id", deviceID),
			clog.Error(derr))
		return nil, xerrors.Wrapf(derr, "write failure to durable store")
	}
	observability.RecordDeliveryWrite(ctx, string(model.DeliveryFailed), "durable")
	return pending, nil
}

// fail 在临时存储上执行失败记录与重试安排，at 为失败发生时间
func (s *Synchronizer) fail(ctx context.Context, messageID, userID, deviceID, errorCode string, at time.Time) (*model.DeliveryStatusRecord, error) {
	devKey, aggKey := s.recordKeys(messageID, userID, deviceID)
	res, err := s.store.Eval(ctx, markFailedScript,
		[]string{devKey, aggKey, s.dirtyKey(), s.retryKey()},
		at.UnixMilli(),
		s.cfg.GetRecordTTL().Milliseconds(),
		s.cfg.GetBackoffBase().Milliseconds(),
		s.cfg.GetMaxRetries(),
		errorCode,
		member(messageID, userID, deviceID),
		member(messageID, userID, ""),
	)
	if err != nil {
		return nil, err
	}

	vals := store.ToSlice(res)
	code := store.ToInt64(store.At(vals, 0))
	if code == -1 {
		s.logger.DebugContext(ctx, "failure ignored, already delivered",
			clog.String("message_id", messageID),
			clog.String("device_id", deviceID))
		return s.GetDeviceStatus(ctx, messageID, userID, deviceID)
	}

	rec := &model.DeliveryStatusRecord{
		MessageID: messageID,
		UserID:    userID,
		DeviceID:  deviceID,
		Status:    model.DeliveryFailed,
		Timestamp: at,
		FailureInfo: &model.FailureInfo{
			Code:       errorCode,
			RetryCount: int(store.ToInt64(store.At(vals, 1))),
			MaxRetries: s.cfg.GetMaxRetries(),
			Permanent:  code == 2,
		},
	}
	if next := store.ToInt64(store.At(vals, 2)); next > 0 {
		rec.FailureInfo.NextRetryAt = time.UnixMilli(next)
	}
	observability.RecordDeliveryWrite(ctx, string(model.DeliveryFailed), "applied")

	if rec.FailureInfo.Permanent {
		s.logger.ErrorContext(ctx, "delivery failed permanently",
			clog.String("message_id", messageID),
			clog.String("user_id", userID),
			clog.String("device_id", deviceID),
			clog.String("code", errorCode),
			clog.Int("retry_count", rec.FailureInfo.RetryCount))
		s.emitFailed(ctx, rec)
		return rec, ErrPermanentFailure
	}

	s.logger.InfoContext(ctx, "delivery failed, retry scheduled",
		clog.String("message_id", messageID),
		clog.String("device_id", deviceID),
		clog.Int("retry_count", rec.FailureInfo.RetryCount),
		clog.Duration("delay", rec.FailureInfo.NextRetryAt.Sub(at)))
	return rec, nil
}

func (s *Synchronizer) emitFailed(ctx context.Context, rec *model.DeliveryStatusRecord) {
	err := s.emitter.Emit(ctx, model.NewEvent(model.EventDeliveryChanged, rec.Timestamp, model.DeliveryChanged{
		MessageID: rec.MessageID,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		Status:    model.DeliveryFailed,
	}))
	if err != nil {
		s.logger.WarnContext(ctx, "emit delivery event failed", clog.Error(err))
	}
}

// PopDueRetries 原子取出已到期的重试
func (s *Synchronizer) PopDueRetries(ctx context.Context, limit int) ([]Retry, error) {
	if limit <= 0 {
		limit = s.cfg.GetRetryBatch()
	}
	res, err := s.store.Eval(ctx, popDueScript, []string{s.retryKey()}, s.now().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}

	members := store.ToSlice(res)
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	ids := make([][3]string, len(members))
	for i, m := range members {
		ids[i] = parseMember(store.ToString(m))
		keys[i], _ = s.recordKeys(ids[i][0], ids[i][1], ids[i][2])
	}
	rows, err := s.store.BatchHGetAll(ctx, keys)
	if err != nil {
		return nil, err
	}

	retries := make([]Retry, 0, len(members))
	for i, id := range ids {
		f := rows[i]
		// 期间已被确认或记录已过期
		if len(f) == 0 || f["status"] != string(model.DeliveryFailed) {
			continue
		}
		attempt, _ := strconv.Atoi(f["retry_count"])
		retries = append(retries, Retry{MessageID: id[0], UserID: id[1], DeviceID: id[2], Attempt: attempt})
	}
	return retries, nil
}

// DispatchDueRetries 取出到期重试并广播 delivery.retry，由传输层重投
func (s *Synchronizer) DispatchDueRetries(ctx context.Context) (int, error) {
	retries, err := s.PopDueRetries(ctx, s.cfg.GetRetryBatch())
	if err != nil {
		return 0, err
	}
	now := s.now()
	for _, r := range retries {
		err := s.emitter.Emit(ctx, model.NewEvent(model.EventDeliveryRetry, now, model.DeliveryRetry{
			MessageID: r.MessageID,
			UserID:    r.UserID,
			DeviceID:  r.DeviceID,
			Attempt:   r.Attempt,
		}))
		if err != nil {
			s.logger.WarnContext(ctx, "emit retry event failed",
				clog.String("message_id", r.MessageID),
				clog.Error(err))
		}
	}
	if len(retries) > 0 {
		s.logger.DebugContext(ctx, "due retries dispatched", clog.Int("count", len(retries)))
	}
	return len(retries), nil
}

// ReconcileToDurable 将待对账记录批量刷入持久层，返回写入的记录数
// 失败的批次重新放回待对账集合，下个周期重试
func (s *Synchronizer) ReconcileToDurable(ctx context.Context) (int, error) {
	ctx, end := observability.StartSpan(ctx, "delivery.ReconcileToDurable")
	defer end()

	start := s.now()
	total := s.drainBuffer(ctx)

	batch := s.cfg.GetReconcileBatch()
	for i := 0; i < s.cfg.GetReconcileMaxBatches(); i++ {
		members, err := s.store.SPopN(ctx, s.dirtyKey(), int64(batch))
		if err != nil {
			return total, xerrors.Wrapf(err, "pop dirty records")
		}
		if len(members) == 0 {
			break
		}

		n, err := s.flush(ctx, members)
		if err != nil {
			if _, rerr := s.store.SAdd(ctx, s.dirtyKey(), members...); rerr != nil {
				s.logger.ErrorContext(ctx, "requeue dirty records failed",
					clog.Int("count", len(members)),
					clog.Error(rerr))
			}
			return total, err
		}
		total += n

		if len(members) < batch {
			break
		}
	}

	observability.RecordReconcile(ctx, total, time.Since(start))
	if total > 0 {
		s.logger.InfoContext(ctx, "delivery statuses reconciled", clog.Int("count", total))
	}
	return total, nil
}

func (s *Synchronizer) flush(ctx context.Context, members []string) (int, error) {
	keys := make([]string, len(members))
	ids := make([][3]string, len(members))
	for i, m := range members {
		ids[i] = parseMember(m)
		devKey, aggKey := s.recordKeys(ids[i][0], ids[i][1], ids[i][2])
		if ids[i][2] == "" {
			keys[i] = aggKey
		} else {
			keys[i] = devKey
		}
	}

	rows, err := s.store.BatchHGetAll(ctx, keys)
	if err != nil {
		return 0, err
	}

	records := make([]*model.DeliveryStatusRecord, 0, len(rows))
	for i, f := range rows {
		if len(f) == 0 {
			continue
		}
		records = append(records, decodeRecord(ids[i][0], ids[i][1], ids[i][2], f))
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := s.durable.AppendStatuses(ctx, records); err != nil {
		return 0, xerrors.Wrapf(err, "append %d statuses", len(records))
	}
	return len(records), nil
}

// drainBuffer 重放缓冲中的写入；临时存储仍不可用时直接写持久层
func (s *Synchronizer) drainBuffer(ctx context.Context) int {
	pending := s.buffer.drain()
	if len(pending) == 0 {
		return 0
	}
	defer func() { observability.SetDeliveryBuffered(ctx, s.buffer.len()) }()

	var rest []*model.DeliveryStatusRecord
	for i, rec := range pending {
		err := s.replay(ctx, rec)
		if err == nil || errors.Is(err, ErrPermanentFailure) {
			continue
		}
		if store.IsUnavailable(err) {
			rest = pending[i:]
			break
		}
		s.logger.ErrorContext(ctx, "replay buffered status failed",
			clog.String("message_id", rec.MessageID),
			clog.Error(err))
	}
	if len(rest) == 0 {
		return 0
	}

	direct := withAggregates(rest)
	if err := s.durable.AppendStatuses(ctx, direct); err != nil {
		s.logger.ErrorContext(ctx, "flush buffered statuses failed, requeued",
			clog.Int("count", len(rest)),
			clog.Error(err))
		for _, r := range rest {
			if !s.buffer.push(r) {
				s.logger.ErrorContext(ctx, "status buffer full, write dropped",
					clog.String("message_id", r.MessageID),
					clog.String("user_id", r.UserID))
			}
		}
		return 0
	}
	return len(direct)
}

// replay 重放一条缓冲写入，失败记录走失败脚本以累计重试次数
func (s *Synchronizer) replay(ctx context.Context, rec *model.DeliveryStatusRecord) error {
	if rec.Status != model.DeliveryFailed {
		return s.apply(ctx, rec)
	}
	var code string
	if rec.FailureInfo != nil {
		code = rec.FailureInfo.Code
	}
	_, err := s.fail(ctx, rec.MessageID, rec.UserID, rec.DeviceID, code, rec.Timestamp)
	return err
}

// withAggregates 为设备级记录补上对应的用户级记录，持久层按状态序合并
// 单设备失败不代表用户级失败，失败记录不补聚合
func withAggregates(recs []*model.DeliveryStatusRecord) []*model.DeliveryStatusRecord {
	out := make([]*model.DeliveryStatusRecord, 0, 2*len(recs))
	for _, r := range recs {
		out = append(out, r)
		if r.DeviceID != "" && r.Status != model.DeliveryFailed {
			agg := *r
			agg.DeviceID = ""
			out = append(out, &agg)
		}
	}
	return out
}

func (s *Synchronizer) recordKeys(messageID, userID, deviceID string) (devKey, aggKey string) {
	aggKey = s.store.Key("dlv", "agg", messageID, userID)
	if deviceID == "" {
		return aggKey, aggKey
	}
	return s.store.Key("dlv", "dev", messageID, userID, deviceID), aggKey
}

func (s *Synchronizer) dirtyKey() string {
	return s.store.Key("dlv", "dirty")
}

func (s *Synchronizer) retryKey() string {
	return s.store.Key("dlv", "retry")
}

const memberSep = "|"

func member(messageID, userID, deviceID string) string {
	return messageID + memberSep + userID + memberSep + deviceID
}

func parseMember(m string) [3]string {
	var out [3]string
	parts := strings.SplitN(m, memberSep, 3)
	copy(out[:], parts)
	return out
}

func decodeRecord(messageID, userID, deviceID string, f map[string]string) *model.DeliveryStatusRecord {
	rec := &model.DeliveryStatusRecord{
		MessageID: messageID,
		UserID:    userID,
		DeviceID:  deviceID,
		Status:    model.DeliveryState(f["status"]),
		Timestamp: store.ParseMillis(f["ts"]),
	}
	if rc, ok := f["retry_count"]; ok || f["fail_code"] != "" {
		count, _ := strconv.Atoi(rc)
		maxRetries, _ := strconv.Atoi(f["max_retries"])
		rec.FailureInfo = &model.FailureInfo{
			Code:        f["fail_code"],
			RetryCount:  count,
			MaxRetries:  maxRetries,
			NextRetryAt: store.ParseMillis(f["next_retry_at"]),
			Permanent:   f["permanent"] == "1",
		}
	}
	return rec
}
