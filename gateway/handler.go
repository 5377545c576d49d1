// Package gateway 是传输层调用核心的入口
//
// 连接处理器只需要提供 socketId，socket 到 (用户, 设备) 的映射保存在临时存储中，
// 任意网关节点都能处理同一 socket 的后续心跳与断开。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ceyewan/pulse/call"
	"github.com/ceyewan/pulse/delivery"
	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/observability"
	"github.com/ceyewan/pulse/presence"
	"github.com/ceyewan/pulse/ratelimit"
	"github.com/ceyewan/pulse/store"
	"github.com/ceyewan/pulse/summary"
)

// ErrUnknownSocket socket 没有登记或映射已过期
var ErrUnknownSocket = xerrors.New("gateway: unknown socket")

// MemberLookup 会话成员查询端口
type MemberLookup interface {
	GetConversationMembers(ctx context.Context, conversationID string) ([]string, error)
}

// CallHistory 通话归档查询端口
type CallHistory interface {
	ListCallHistory(ctx context.Context, userID string, limit int) ([]*model.CallHistory, error)
}

// DurableStatuses 持久层设备级投递状态查询端口
type DurableStatuses interface {
	ListDeviceStatuses(ctx context.Context, messageID, userID string) ([]*model.DeliveryStatusRecord, error)
}

// Deps 核心组件；History 与 Durable 为空时不挂载对应查询接口
type Deps struct {
	Presence  *presence.Tracker
	Delivery  *delivery.Synchronizer
	Summaries *summary.Cache
	Calls     *call.Manager
	Policy    *ratelimit.Policy
	Members   MemberLookup
	History   CallHistory
	Durable   DurableStatuses
}

// Handler 入站边界
type Handler struct {
	store     store.Store
	deps      Deps
	socketTTL time.Duration
	logger    clog.Logger
}

// NewHandler 创建 Handler，socketTTL 应与在线状态 TTL 一致
func NewHandler(s store.Store, deps Deps, socketTTL time.Duration, logger clog.Logger) *Handler {
	if logger == nil {
		logger = clog.Discard()
	}
	if socketTTL <= 0 {
		socketTTL = 5 * time.Minute
	}
	return &Handler{
		store:     s,
		deps:      deps,
		socketTTL: socketTTL,
		logger:    logger.WithNamespace("gateway"),
	}
}

// socketBinding socket 映射的值：uid|did|platform
type socketBinding struct {
	UserID   string
	DeviceID string
	Platform string
}

func (b socketBinding) encode() string {
	return b.UserID + "|" + b.DeviceID + "|" + b.Platform
}

func decodeBinding(v string) (socketBinding, bool) {
	parts := strings.SplitN(v, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return socketBinding{}, false
	}
	return socketBinding{UserID: parts[0], DeviceID: parts[1], Platform: parts[2]}, true
}

// OnDeviceConnect 设备连接建立
func (h *Handler) OnDeviceConnect(ctx context.Context, userID string, device model.Device) error {
	if userID == "" || device.DeviceID == "" || device.SocketID == "" {
		return xerrors.New("gateway: user id, device id and socket id are required")
	}
	b := socketBinding{UserID: userID, DeviceID: device.DeviceID, Platform: device.Platform}
	if err := h.store.Set(ctx, h.socketKey(device.SocketID), b.encode(), h.socketTTL); err != nil {
		return err
	}
	if err := h.deps.Presence.SetOnline(ctx, userID, device); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "device connected",
		clog.String("user_id", userID),
		clog.String("device_id", device.DeviceID),
		clog.String("socket_id", device.SocketID),
		clog.String("platform", device.Platform))
	return nil
}

// OnDeviceDisconnect 设备连接断开；重复断开为空操作
// 先删除 socket 映射再注销设备，之后到达的心跳无法再重新登记该设备；
// 设备已在其他 socket 上重连时不影响新连接
func (h *Handler) OnDeviceDisconnect(ctx context.Context, socketID string) error {
	b, err := h.resolve(ctx, socketID)
	if err != nil {
		if errors.Is(err, ErrUnknownSocket) {
			h.logger.DebugContext(ctx, "disconnect for unknown socket", clog.String("socket_id", socketID))
			return nil
		}
		return err
	}
	if _, err := h.store.Del(ctx, h.socketKey(socketID)); err != nil {
		return err
	}
	if err := h.deps.Presence.SetOffline(ctx, b.UserID, b.DeviceID, socketID); err != nil {
		// 映射已删除，设备记录由 TTL 与扫描兜底清理
		h.logger.WarnContext(ctx, "set offline failed after unbinding socket",
			clog.String("user_id", b.UserID),
			clog.String("device_id", b.DeviceID),
			clog.String("socket_id", socketID),
			clog.Error(err))
		return err
	}
	h.logger.InfoContext(ctx, "device disconnected",
		clog.String("user_id", b.UserID),
		clog.String("device_id", b.DeviceID),
		clog.String("socket_id", socketID))
	return nil
}

// OnHeartbeat 心跳续期；设备记录已被清理且 socket 映射仍在时重新登记
func (h *Handler) OnHeartbeat(ctx context.Context, socketID string) error {
	b, err := h.resolve(ctx, socketID)
	if err != nil {
		return err
	}

	err = h.deps.Presence.Heartbeat(ctx, b.UserID, b.DeviceID)
	if errors.Is(err, presence.ErrDeviceNotConnected) {
		h.logger.InfoContext(ctx, "heartbeat for swept device, re-registering",
			clog.String("user_id", b.UserID),
			clog.String("device_id", b.DeviceID))
		err = h.deps.Presence.Reregister(ctx, b.UserID, model.Device{
			DeviceID: b.DeviceID,
			SocketID: socketID,
			Platform: b.Platform,
		}, h.socketKey(socketID))
		if errors.Is(err, presence.ErrDeviceNotConnected) {
			return ErrUnknownSocket
		}
	}
	if err != nil {
		return err
	}

	if _, err := h.store.Expire(ctx, h.socketKey(socketID), h.socketTTL); err != nil {
		h.logger.WarnContext(ctx, "refresh socket binding failed",
			clog.String("socket_id", socketID),
			clog.Error(err))
	}
	return nil
}

// OnMessagePersisted 消息落库后更新会话摘要，并为除发送者外的每个成员写 sent
func (h *Handler) OnMessagePersisted(ctx context.Context, msg *model.Message, conversationID string) error {
	if msg == nil || msg.MessageID == "" {
		return xerrors.New("gateway: message is required")
	}
	if conversationID == "" {
		conversationID = msg.ConversationID
	}

	ctx, end := observability.StartSpan(ctx, "gateway.OnMessagePersisted",
		attribute.String("conversation_id", conversationID),
		attribute.String("message_id", msg.MessageID))
	defer end()

	var errs []error
	if err := h.deps.Summaries.OnMessageSent(ctx, msg, conversationID); err != nil {
		h.logger.WarnContext(ctx, "update summary failed",
			clog.String("conversation_id", conversationID),
			clog.String("message_id", msg.MessageID),
			clog.Error(err))
		errs = append(errs, err)
	}

	members, err := h.deps.Members.GetConversationMembers(ctx, conversationID)
	if err != nil {
		return errors.Join(append(errs, xerrors.Wrapf(err, "get members of %s", conversationID))...)
	}
	for _, uid := range members {
		if uid == msg.SenderID {
			continue
		}
		if err := h.deps.Delivery.RecordStatus(ctx, msg.MessageID, uid, "", model.DeliverySent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnDeliveryAck 设备确认送达或已读
func (h *Handler) OnDeliveryAck(ctx context.Context, socketID, messageID string, status model.DeliveryState) error {
	b, err := h.resolve(ctx, socketID)
	if err != nil {
		return err
	}
	return h.deps.Delivery.RecordStatus(ctx, messageID, b.UserID, b.DeviceID, status)
}

// OnDeliveryFailed 传输层投递失败，返回的记录携带下次重试时间
func (h *Handler) OnDeliveryFailed(ctx context.Context, messageID, userID, deviceID, code string) (*model.DeliveryStatusRecord, error) {
	return h.deps.Delivery.MarkFailed(ctx, messageID, userID, deviceID, code)
}

// OnCallInitiate 发起通话
func (h *Handler) OnCallInitiate(ctx context.Context, initiatorID, targetID string, callType model.CallType) (*model.CallSession, error) {
	return h.deps.Calls.Initiate(ctx, initiatorID, targetID, callType)
}

// OnCallSignal 通话信令，payload 原样转发给对端
func (h *Handler) OnCallSignal(ctx context.Context, callID, actorID string, signal call.Signal, payload json.RawMessage) (*model.CallSession, error) {
	return h.deps.Calls.HandleSignal(ctx, callID, actorID, signal, payload)
}

// OnHTTPRequest 端点限流检查
func (h *Handler) OnHTTPRequest(ctx context.Context, id ratelimit.Identity, endpoint string) (ratelimit.Decision, error) {
	return h.deps.Policy.Check(ctx, id, endpoint)
}

func (h *Handler) resolve(ctx context.Context, socketID string) (socketBinding, error) {
	v, err := h.store.Get(ctx, h.socketKey(socketID))
	if err != nil {
		if store.IsNotFound(err) {
			return socketBinding{}, ErrUnknownSocket
		}
		return socketBinding{}, err
	}
	b, ok := decodeBinding(v)
	if !ok {
		return socketBinding{}, ErrUnknownSocket
	}
	return b, nil
}

func (h *Handler) socketKey(socketID string) string {
	return h.store.Key("socket", socketID)
}
