package core

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/pulse/config"
	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/pkg/health"
	"github.com/ceyewan/pulse/store/storetest"
)

type seqIDs struct{ n int }

func (s *seqIDs) Next() string {
	s.n++
	return "id-" + strconv.Itoa(s.n)
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	s, _ := storetest.New(t)
	cfg := &config.Config{}
	cfg.Events.Disable = true

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := &Core{
		config: cfg,
		logger: clog.Discard(),
		ctx:    ctx,
		cancel: cancel,
		probe:  health.NewProbe(time.Second),
	}
	c.initBusinessComponents(&resources{store: s}, c.newEmitter(nil), &seqIDs{})
	return c
}

func TestCore_Jobs(t *testing.T) {
	c := newTestCore(t)
	r := c.newRunner()

	var names []string
	for _, j := range r.Jobs() {
		names = append(names, j.Name)
		assert.Positive(t, j.Interval, j.Name)
	}
	assert.Equal(t, []string{
		"presence.sweep",
		"delivery.reconcile",
		"delivery.retry",
		"call.deadlines",
		"call.archive",
	}, names)

	for _, j := range r.Jobs() {
		assert.True(t, r.RunOnce(context.Background(), j), j.Name)
	}
}

func TestCore_Components(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	require.NoError(t, c.Handler.OnDeviceConnect(ctx, "u1", model.Device{DeviceID: "d1", SocketID: "s1", Platform: "web"}))
	online, err := c.Presence.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	s, err := c.Calls.Initiate(ctx, "u1", "u2", model.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, "id-1", s.CallID)
}

func TestCore_NewEmitterDisabled(t *testing.T) {
	c := &Core{config: &config.Config{}, logger: clog.Discard()}
	c.config.Events.Disable = true
	assert.NotNil(t, c.newEmitter(nil))
	assert.NoError(t, c.newEmitter(nil).Emit(context.Background(), model.Event{Type: model.EventPresenceChanged}))
}

func TestCore_LocalEvents(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)
	cfg := &config.Config{}
	cfg.Events.Disable = true
	cfg.Events.LocalBuffer = 16

	cctx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	c := &Core{config: cfg, logger: clog.Discard(), ctx: cctx, cancel: cancel, probe: health.NewProbe(time.Second)}
	c.initBusinessComponents(&resources{store: s}, c.newEmitter(nil), &seqIDs{})
	require.NotNil(t, c.Events())

	require.NoError(t, c.Handler.OnDeviceConnect(ctx, "u1", model.Device{DeviceID: "d1", SocketID: "s1", Platform: "web"}))
	select {
	case ev := <-c.Events():
		assert.Equal(t, model.EventPresenceChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no local event")
	}

	assert.Nil(t, newTestCore(t).Events())
}
