// Package presence 跟踪用户的多设备在线状态
//
// 用户在线当且仅当至少有一台设备的记录未过期且状态不为 offline。
// 所有状态变更都在单个 Lua 脚本内完成，多设备并发上下线不会让用户状态抖动。
package presence

import (
	"context"
	"math"
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
	// ErrDeviceNotConnected 心跳对应的设备记录不存在（已过期或已被扫描清理）
	ErrDeviceNotConnected = xerrors.New("presence: device not connected")
	// ErrUserNotConnected 用户没有任何在线设备
	ErrUserNotConnected = xerrors.New("presence: user has no connected device")
	// ErrInvalidStatus 非法状态
	ErrInvalidStatus = xerrors.New("presence: invalid status")
)

var inf = math.Inf(1)

// Tracker 在线状态跟踪器
type Tracker struct {
	store   store.Store
	emitter notify.Emitter
	cfg     Config
	logger  clog.Logger
	now     func() time.Time
}

// Option 配置选项
type Option func(*Tracker)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger.WithNamespace("presence")
		}
	}
}

// WithEmitter 设置事件出口
func WithEmitter(e notify.Emitter) Option {
	return func(t *Tracker) {
		if e != nil {
			t.emitter = e
		}
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New 创建跟踪器
func New(s store.Store, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		store:   s,
		emitter: notify.Nop,
		cfg:     cfg,
		logger:  clog.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetOnline 注册设备，仅在用户的首个活跃设备上线时广播 online
func (t *Tracker) SetOnline(ctx context.Context, userID string, device model.Device) error {
	return t.setOnline(ctx, userID, device, "")
}

// Reregister 重新登记已被清理的设备，guardKey 不存在时返回 ErrDeviceNotConnected
// 检查与登记在同一脚本内完成，guardKey 被删除后的迟到心跳不会复活设备
func (t *Tracker) Reregister(ctx context.Context, userID string, device model.Device, guardKey string) error {
	if guardKey == "" {
		return xerrors.New("presence: guard key is required")
	}
	return t.setOnline(ctx, userID, device, guardKey)
}

func (t *Tracker) setOnline(ctx context.Context, userID string, device model.Device, guardKey string) error {
	if userID == "" || device.DeviceID == "" {
		return xerrors.New("presence: user id and device id are required")
	}
	ctx, end := observability.StartSpan(ctx, "presence.SetOnline",
		attribute.String("user_id", userID),
		attribute.String("device_id", device.DeviceID))
	defer end()

	keys := []string{t.devKey(userID, device.DeviceID), t.devsKey(userID), t.userKey(userID)}
	if guardKey != "" {
		keys = append(keys, guardKey)
	}

	now := t.now()
	res, err := t.store.Eval(ctx, setOnlineScript, keys,
		now.UnixMilli(),
		t.cfg.GetTTL().Milliseconds(),
		t.cfg.userTTL().Milliseconds(),
		device.DeviceID,
		t.devPrefix(userID),
		device.Platform,
		device.SocketID,
		device.AppVersion,
	)
	if err != nil {
		t.logger.ErrorContext(ctx, "set online failed",
			clog.String("user_id", userID),
			clog.String("device_id", device.DeviceID),
			clog.Error(err))
		return err
	}

	vals := store.ToSlice(res)
	code := store.ToInt64(store.At(vals, 0))
	if code == -1 {
		t.logger.DebugContext(ctx, "re-register refused, guard key gone",
			clog.String("user_id", userID),
			clog.String("device_id", device.DeviceID))
		return ErrDeviceNotConnected
	}
	t.logger.DebugContext(ctx, "device online",
		clog.String("user_id", userID),
		clog.String("device_id", device.DeviceID),
		clog.Int64("device_count", store.ToInt64(store.At(vals, 1))))

	if code == 1 {
		t.publish(ctx, now, model.PresenceChanged{
			UserID: userID,
			Status: model.PresenceOnline,
			Reason: model.ReasonConnect,
		})
	}
	return nil
}

// SetOffline 注销设备；最后一台设备下线时用户下线并广播 offline
// 设备已不存在时为幂等空操作。socketID 非空时，设备已在其他 socket 上重连则不做修改
func (t *Tracker) SetOffline(ctx context.Context, userID, deviceID, socketID string) error {
	ctx, end := observability.StartSpan(ctx, "presence.SetOffline",
		attribute.String("user_id", userID),
		attribute.String("device_id", deviceID))
	defer end()

	now := t.now()
	res, err := t.store.Eval(ctx, setOfflineScript,
		[]string{t.devKey(userID, deviceID), t.devsKey(userID), t.userKey(userID)},
		now.UnixMilli(),
		deviceID,
		t.devPrefix(userID),
		t.cfg.GetLastSeenRetention().Milliseconds(),
		socketID,
	)
	if err != nil {
		t.logger.ErrorContext(ctx, "set offline failed",
			clog.String("user_id", userID),
			clog.String("device_id", deviceID),
			clog.Error(err))
		return err
	}

	vals := store.ToSlice(res)
	switch store.ToInt64(store.At(vals, 0)) {
	case -1:
		t.logger.DebugContext(ctx, "set offline no-op, device not registered",
			clog.String("user_id", userID),
			clog.String("device_id", deviceID))
	case -2:
		t.logger.InfoContext(ctx, "set offline no-op, device moved to another socket",
			clog.String("user_id", userID),
			clog.String("device_id", deviceID),
			clog.String("socket_id", socketID))
	case 1:
		t.publish(ctx, now, model.PresenceChanged{
			UserID: userID,
			Status: model.PresenceOffline,
			Reason: model.ReasonDisconnect,
		})
	default:
		t.logger.DebugContext(ctx, "device offline, user still online",
			clog.String("user_id", userID),
			clog.String("device_id", deviceID),
			clog.Int64("device_count", store.ToInt64(store.At(vals, 1))))
	}
	return nil
}

// Heartbeat 续期设备记录，是连接存活期间防止过期的唯一机制
func (t *Tracker) Heartbeat(ctx context.Context, userID, deviceID string) error {
	now := t.now()
	res, err := t.store.Eval(ctx, heartbeatScript,
		[]string{t.devKey(userID, deviceID), t.devsKey(userID), t.userKey(userID)},
		now.UnixMilli(),
		t.cfg.GetTTL().Milliseconds(),
		t.cfg.userTTL().Milliseconds(),
		deviceID,
	)
	if err != nil {
		return err
	}
	if store.ToInt64(res) == 0 {
		return ErrDeviceNotConnected
	}
	return nil
}

// UpdateStatus 修改用户状态（对所有设备生效），状态或签名变化时广播
func (t *Tracker) UpdateStatus(ctx context.Context, userID string, status model.PresenceStatus, message string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	ctx, end := observability.StartSpan(ctx, "presence.UpdateStatus",
		attribute.String("user_id", userID),
		attribute.String("status", string(status)))
	defer end()

	now := t.now()
	res, err := t.store.Eval(ctx, updateStatusScript,
		[]string{t.devsKey(userID), t.userKey(userID)},
		now.UnixMilli(),
		string(status),
		message,
		t.devPrefix(userID),
		t.cfg.userTTL().Milliseconds(),
		t.cfg.GetLastSeenRetention().Milliseconds(),
	)
	if err != nil {
		return err
	}

	switch store.ToInt64(res) {
	case -1:
		return ErrUserNotConnected
	case 1:
		t.publish(ctx, now, model.PresenceChanged{
			UserID:        userID,
			Status:        status,
			StatusMessage: message,
			Reason:        model.ReasonStatusUpdate,
		})
	}
	return nil
}

// GetPresence 读取用户汇总状态
// 从未上线或离线记录已过期时返回 nil；存储不可达时返回 unknown 而不是 offline
func (t *Tracker) GetPresence(ctx context.Context, userID string) (*model.DevicePresence, error) {
	fields, err := t.store.HGetAll(ctx, t.userKey(userID))
	if err != nil {
		if store.IsUnavailable(err) {
			t.logger.WarnContext(ctx, "presence store unavailable, reporting unknown",
				clog.String("user_id", userID),
				clog.Error(err))
			return unknown(userID), nil
		}
		return nil, err
	}
	return t.decodeUser(userID, fields), nil
}

// GetBulkPresence 单次往返批量读取，结果不包含从未上线的用户
func (t *Tracker) GetBulkPresence(ctx context.Context, userIDs []string) (map[string]*model.DevicePresence, error) {
	out := make(map[string]*model.DevicePresence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, uid := range userIDs {
		keys[i] = t.userKey(uid)
	}

	rows, err := t.store.BatchHGetAll(ctx, keys)
	if err != nil {
		if store.IsUnavailable(err) {
			t.logger.WarnContext(ctx, "presence store unavailable, reporting unknown",
				clog.Int("users", len(userIDs)),
				clog.Error(err))
			for _, uid := range userIDs {
				out[uid] = unknown(uid)
			}
			return out, nil
		}
		return nil, err
	}

	for i, uid := range userIDs {
		if p := t.decodeUser(uid, rows[i]); p != nil {
			out[uid] = p
		}
	}
	return out, nil
}

// IsOnline 用户是否在线
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	p, err := t.GetPresence(ctx, userID)
	if err != nil {
		return false, err
	}
	return p.Online(), nil
}

// GetDevices 列出用户当前注册的设备记录
func (t *Tracker) GetDevices(ctx context.Context, userID string) ([]*model.DevicePresence, error) {
	ids, err := t.store.ZRangeByScore(ctx, t.devsKey(userID), inf, 0)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, did := range ids {
		keys[i] = t.devKey(userID, did)
	}
	rows, err := t.store.BatchHGetAll(ctx, keys)
	if err != nil {
		return nil, err
	}

	devices := make([]*model.DevicePresence, 0, len(ids))
	for i, did := range ids {
		f := rows[i]
		if len(f) == 0 {
			continue
		}
		devices = append(devices, &model.DevicePresence{
			UserID:      userID,
			DeviceID:    did,
			Status:      model.PresenceStatus(f["status"]),
			LastSeenAt:  store.ParseMillis(f["last_seen_at"]),
			ConnectedAt: store.ParseMillis(f["connected_at"]),
			Platform:    f["platform"],
			DeviceCount: 1,
		})
	}
	return devices, nil
}

// SweepStale 扫描所有用户，清理超过阈值无心跳的设备
// 因此失去最后一台设备的用户被强制下线并广播 reason=stale_connection
// 返回被强制下线的用户数
func (t *Tracker) SweepStale(ctx context.Context) (int, error) {
	ctx, end := observability.StartSpan(ctx, "presence.SweepStale")
	defer end()

	now := t.now()
	cutoff := now.Add(-t.cfg.GetStaleThreshold()).UnixMilli()
	prefix := t.store.Key("presence", "user") + ":"

	var forced, pruned int
	err := t.store.Scan(ctx, prefix+"*", int64(t.cfg.GetSweepBatch()), func(keys []string) error {
		for _, key := range keys {
			userID := strings.TrimPrefix(key, prefix)
			res, err := t.store.Eval(ctx, sweepScript,
				[]string{t.devsKey(userID), key},
				now.UnixMilli(),
				cutoff,
				t.devPrefix(userID),
				t.cfg.GetLastSeenRetention().Milliseconds(),
			)
			if err != nil {
				return err
			}
			vals := store.ToSlice(res)
			pruned += int(store.ToInt64(store.At(vals, 1)))
			if store.ToInt64(store.At(vals, 0)) == 1 {
				forced++
				t.publish(ctx, now, model.PresenceChanged{
					UserID: userID,
					Status: model.PresenceOffline,
					Reason: model.ReasonStaleConnection,
				})
			}
		}
		return nil
	})

	observability.RecordPresenceSwept(ctx, forced)
	if forced > 0 || pruned > 0 {
		t.logger.InfoContext(ctx, "stale presence swept",
			clog.Int("forced_offline", forced),
			clog.Int("pruned_devices", pruned))
	}
	if err != nil {
		return forced, xerrors.Wrapf(err, "sweep stale presence")
	}
	return forced, nil
}

func (t *Tracker) decodeUser(userID string, f map[string]string) *model.DevicePresence {
	if len(f) == 0 {
		return nil
	}
	count, _ := strconv.Atoi(f["device_count"])
	p := &model.DevicePresence{
		UserID:        userID,
		DeviceID:      f["last_device"],
		Status:        model.PresenceStatus(f["status"]),
		LastSeenAt:    store.ParseMillis(f["last_seen_at"]),
		ConnectedAt:   store.ParseMillis(f["connected_at"]),
		StatusMessage: f["status_message"],
		Platform:      f["platform"],
		DeviceCount:   count,
	}
	// 所有设备都已过期但扫描尚未运行
	if p.Status.Active() && t.now().Sub(p.LastSeenAt) > t.cfg.GetTTL() {
		p.Status = model.PresenceOffline
		p.DeviceCount = 0
		p.StatusMessage = ""
	}
	return p
}

func (t *Tracker) publish(ctx context.Context, ts time.Time, payload model.PresenceChanged) {
	observability.RecordPresenceTransition(ctx, string(payload.Status), payload.Reason)
	t.logger.InfoContext(ctx, "presence changed",
		clog.String("user_id", payload.UserID),
		clog.String("status", string(payload.Status)),
		clog.String("reason", payload.Reason))
	if err := t.emitter.Emit(ctx, model.NewEvent(model.EventPresenceChanged, ts, payload)); err != nil {
		t.logger.WarnContext(ctx, "emit presence event failed",
			clog.String("user_id", payload.UserID),
			clog.Error(err))
	}
}

func (t *Tracker) userKey(userID string) string {
	return t.store.Key("presence", "user", userID)
}

func (t *Tracker) devsKey(userID string) string {
	return t.store.Key("presence", "devs", userID)
}

func (t *Tracker) devKey(userID, deviceID string) string {
	return t.devPrefix(userID) + deviceID
}

func (t *Tracker) devPrefix(userID string) string {
	return t.store.Key("presence", "dev", userID) + ":"
}

func unknown(userID string) *model.DevicePresence {
	return &model.DevicePresence{UserID: userID, Status: model.PresenceUnknown}
}
