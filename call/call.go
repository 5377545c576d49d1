// Package call 驱动语音/视频通话的会话状态机
//
// 状态只能向前推进：idle -> ringing -> connecting -> active -> ended。
// 所有超时都记录在临时存储的会话记录与超时索引中，由定时扫描触发，进程重启不影响正确性。
package call

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/notify"
	"github.com/ceyewan/pulse/observability"
	"github.com/ceyewan/pulse/store"
)

var (
	// ErrInvalidTransition 当前状态不接受该信令
	ErrInvalidTransition = xerrors.New("call: invalid transition")
	// ErrCallEnded 通话已结束，用于区分“已处理”与“成功”
	ErrCallEnded = xerrors.New("call: already ended")
	// ErrNotParticipant 信令发出方不是通话双方
	ErrNotParticipant = xerrors.New("call: not a participant")
	// ErrUserBusy 主叫或被叫已在另一通未结束的通话中
	ErrUserBusy = xerrors.New("call: user busy")
	// ErrCallNotFound 会话不存在或已过期
	ErrCallNotFound = xerrors.New("call: not found")
	// ErrInvalidRequest 发起参数非法
	ErrInvalidRequest = xerrors.New("call: invalid request")
)

// Archive 通话归档端口
type Archive interface {
	// ArchiveCall 按 callId 幂等写入
	ArchiveCall(ctx context.Context, session *model.CallSession) error
}

// IDGenerator 会话 ID 生成器
type IDGenerator interface {
	Next() string
}

// Manager 通话状态机
type Manager struct {
	store   store.Store
	archive Archive
	ids     IDGenerator
	emitter notify.Emitter
	cfg     Config
	logger  clog.Logger
	now     func() time.Time
}

// Option 配置选项
type Option func(*Manager)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.WithNamespace("call")
		}
	}
}

// WithEmitter 设置事件出口
func WithEmitter(e notify.Emitter) Option {
	return func(m *Manager) {
		if e != nil {
			m.emitter = e
		}
	}
}

// WithIDGenerator 设置会话 ID 生成器，默认使用 UUID
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New 创建通话状态机，archive 为 nil 时结束的会话不归档
func New(s store.Store, archive Archive, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:   s,
		archive: archive,
		emitter: notify.Nop,
		cfg:     cfg,
		logger:  clog.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initiate 创建会话并代主叫发出 ring
func (m *Manager) Initiate(ctx context.Context, initiatorID, targetID string, callType model.CallType) (*model.CallSession, error) {
	if initiatorID == "" || targetID == "" || initiatorID == targetID || !callType.Valid() {
		return nil, ErrInvalidRequest
	}

	ctx, end := observability.StartSpan(ctx, "call.Initiate",
		attribute.String("initiator_id", initiatorID),
		attribute.String("target_id", targetID))
	defer end()

	now := m.now()
	callID := m.nextID()
	res, err := m.store.Eval(ctx, createScript,
		[]string{m.sessionKey(callID), m.deadlinesKey(), m.busyKey(initiatorID), m.busyKey(targetID)},
		callID,
		initiatorID,
		targetID,
		string(callType),
		now.UnixMilli(),
		now.Add(m.cfg.GetRingTimeout()).UnixMilli(),
		m.cfg.liveTTL().Milliseconds(),
	)
	if err != nil {
		return nil, err
	}
	switch store.ToInt64(res) {
	case -1:
		return nil, xerrors.Wrapf(ErrUserBusy, "initiator %s", initiatorID)
	case -2:
		return nil, xerrors.Wrapf(ErrUserBusy, "target %s", targetID)
	}

	return m.HandleSignal(ctx, callID, initiatorID, SignalRing, nil)
}

// HandleSignal 处理一条信令，成功时返回转移后的会话
// 已结束的会话返回 ErrCallEnded，其它不被接受的信令返回 ErrInvalidTransition
func (m *Manager) HandleSignal(ctx context.Context, callID, actorID string, sig Signal, payload json.RawMessage) (*model.CallSession, error) {
	if !sig.Valid() {
		return nil, xerrors.Wrapf(ErrInvalidTransition, "unknown signal %q", sig)
	}

	ctx, end := observability.StartSpan(ctx, "call.HandleSignal",
		attribute.String("call_id", callID),
		attribute.String("signal", string(sig)))
	defer end()

	s, err := m.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	to, reason, err := Next(s.State, sig, RoleOf(s, actorID))
	if err != nil {
		m.logger.DebugContext(ctx, "signal rejected",
			clog.String("call_id", callID),
			clog.String("actor_id", actorID),
			clog.String("state", string(s.State)),
			clog.String("signal", string(sig)),
			clog.Error(err))
		return nil, err
	}
	return m.transition(ctx, s, to, reason, payload)
}

// Get 读取会话
func (m *Manager) Get(ctx context.Context, callID string) (*model.CallSession, error) {
	f, err := m.store.HGetAll(ctx, m.sessionKey(callID))
	if err != nil {
		return nil, err
	}
	if len(f) == 0 {
		return nil, ErrCallNotFound
	}
	return decodeSession(f), nil
}

// ActiveCall 用户当前未结束的通话，没有时返回 ErrCallNotFound
func (m *Manager) ActiveCall(ctx context.Context, userID string) (*model.CallSession, error) {
	callID, err := m.store.Get(ctx, m.busyKey(userID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return m.Get(ctx, callID)
}

func (m *Manager) transition(ctx context.Context, s *model.CallSession, to model.CallState, reason string, payload json.RawMessage) (*model.CallSession, error) {
	now := m.now()
	var deadline int64
	ttl := m.cfg.GetEndedRetention()
	if !to.Terminal() {
		deadline = now.Add(m.cfg.timeout(to)).UnixMilli()
		ttl = m.cfg.liveTTL()
	}

	res, err := m.store.Eval(ctx, transitionScript,
		[]string{
			m.sessionKey(s.CallID),
			m.deadlinesKey(),
			m.busyKey(s.InitiatorID),
			m.busyKey(s.TargetID),
			m.archiveKey(),
		},
		string(s.State),
		string(to),
		now.UnixMilli(),
		deadline,
		reason,
		s.CallID,
		ttl.Milliseconds(),
	)
	if err != nil {
		return nil, err
	}

	vals := store.ToSlice(res)
	switch store.ToInt64(store.At(vals, 0)) {
	case -1:
		return nil, ErrCallNotFound
	case 0:
		// 并发信令或超时扫描抢先推进了状态
		if model.CallState(store.ToString(store.At(vals, 1))).Terminal() {
			return nil, ErrCallEnded
		}
		return nil, ErrInvalidTransition
	}

	from := s.State
	s.State = to
	s.Deadline = time.Time{}
	if deadline > 0 {
		s.Deadline = time.UnixMilli(deadline)
	}
	switch to {
	case model.CallActive:
		t := now
		s.ConnectedAt = &t
	case model.CallEnded:
		t := now
		s.EndedAt = &t
		s.EndReason = reason
	}

	observability.RecordCallTransition(ctx, string(to), reason)
	m.logger.InfoContext(ctx, "call state changed",
		clog.String("call_id", s.CallID),
		clog.String("from", string(from)),
		clog.String("to", string(to)),
		clog.String("reason", reason))
	m.publish(ctx, now, s, payload)

	if to.Terminal() {
		m.archiveOne(ctx, s)
	}
	return s, nil
}

// CheckDeadlines 结束所有超时的会话，返回结束的数量
func (m *Manager) CheckDeadlines(ctx context.Context) (int, error) {
	now := m.now()
	ids, err := m.store.ZRangeByScore(ctx, m.deadlinesKey(), float64(now.UnixMilli()), int64(m.cfg.GetDeadlineBatch()))
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, callID := range ids {
		s, err := m.Get(ctx, callID)
		if err != nil {
			if errors.Is(err, ErrCallNotFound) {
				_, _ = m.store.ZRem(ctx, m.deadlinesKey(), callID)
				continue
			}
			return ended, err
		}
		if s.State.Terminal() {
			_, _ = m.store.ZRem(ctx, m.deadlinesKey(), callID)
			continue
		}
		if s.Deadline.After(now) {
			continue
		}

		if _, err := m.transition(ctx, s, model.CallEnded, expiryReason(s.State), nil); err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrCallEnded) {
				continue
			}
			return ended, err
		}
		ended++
	}
	return ended, nil
}

// RetryArchives 重试归档失败的会话，返回成功归档的数量
func (m *Manager) RetryArchives(ctx context.Context) (int, error) {
	ids, err := m.store.SMembers(ctx, m.archiveKey())
	if err != nil {
		return 0, err
	}

	done := 0
	for _, callID := range ids {
		s, err := m.Get(ctx, callID)
		if err != nil {
			if errors.Is(err, ErrCallNotFound) {
				m.logger.WarnContext(ctx, "session expired before archive", clog.String("call_id", callID))
				_, _ = m.store.SRem(ctx, m.archiveKey(), callID)
				continue
			}
			return done, err
		}
		if m.archiveOne(ctx, s) {
			done++
		}
	}
	return done, nil
}

func (m *Manager) archiveOne(ctx context.Context, s *model.CallSession) bool {
	if m.archive != nil {
		if err := m.archive.ArchiveCall(ctx, s); err != nil {
			m.logger.WarnContext(ctx, "archive call failed, will retry",
				clog.String("call_id", s.CallID),
				clog.Error(err))
			return false
		}
	}
	if _, err := m.store.SRem(ctx, m.archiveKey(), s.CallID); err != nil {
		m.logger.WarnContext(ctx, "clear archive mark failed",
			clog.String("call_id", s.CallID),
			clog.Error(err))
	}
	return true
}

func (m *Manager) publish(ctx context.Context, at time.Time, s *model.CallSession, payload json.RawMessage) {
	err := m.emitter.Emit(ctx, model.NewEvent(model.EventCallStateChanged, at, model.CallStateChanged{
		CallID:      s.CallID,
		State:       s.State,
		Reason:      s.EndReason,
		InitiatorID: s.InitiatorID,
		TargetID:    s.TargetID,
		Payload:     payload,
	}))
	if err != nil {
		m.logger.WarnContext(ctx, "emit call event failed",
			clog.String("call_id", s.CallID),
			clog.Error(err))
	}
}

func (m *Manager) nextID() string {
	if m.ids != nil {
		if id := m.ids.Next(); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func (m *Manager) sessionKey(callID string) string { return m.store.Key("call", callID) }
func (m *Manager) deadlinesKey() string            { return m.store.Key("call", "deadlines") }
func (m *Manager) busyKey(userID string) string    { return m.store.Key("call", "busy", userID) }
func (m *Manager) archiveKey() string              { return m.store.Key("call", "archive") }

func decodeSession(f map[string]string) *model.CallSession {
	s := &model.CallSession{
		CallID:      f["call_id"],
		InitiatorID: f["initiator_id"],
		TargetID:    f["target_id"],
		CallType:    model.CallType(f["call_type"]),
		State:       model.CallState(f["state"]),
		StartedAt:   store.ParseMillis(f["started_at"]),
		EndReason:   f["end_reason"],
	}
	if t := optMillis(f["connected_at"]); t != nil {
		s.ConnectedAt = t
	}
	if t := optMillis(f["ended_at"]); t != nil {
		s.EndedAt = t
	}
	if ms, _ := strconv.ParseInt(f["deadline"], 10, 64); ms > 0 {
		s.Deadline = time.UnixMilli(ms)
	}
	return s
}

func optMillis(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := store.ParseMillis(v)
	return &t
}
