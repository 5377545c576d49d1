package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/pulse/call"
	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/notify"
	"github.com/ceyewan/pulse/store/storetest"
)

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

type fakeArchive struct {
	mu       sync.Mutex
	sessions map[string]*model.CallHistory
	err      error
}

func (a *fakeArchive) ArchiveCall(_ context.Context, s *model.CallSession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.sessions == nil {
		a.sessions = map[string]*model.CallHistory{}
	}
	a.sessions[s.CallID] = s.ToHistory()
	return nil
}

func (a *fakeArchive) get(id string) *model.CallHistory {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

type seqIDs struct{ n int }

func (g *seqIDs) Next() string {
	g.n++
	return "call-" + string(rune('0'+g.n))
}

type fixture struct {
	m       *call.Manager
	clock   *fakeClock
	rec     *notify.Recorder
	archive *fakeArchive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, _ := storetest.New(t)
	f := &fixture{
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		rec:     &notify.Recorder{},
		archive: &fakeArchive{},
	}
	f.m = call.New(s, f.archive, call.Config{},
		call.WithEmitter(f.rec),
		call.WithClock(f.clock.Now),
		call.WithIDGenerator(&seqIDs{}),
	)
	return f
}

func (f *fixture) states() []model.CallState {
	var out []model.CallState
	for _, e := range f.rec.OfType(model.EventCallStateChanged) {
		out = append(out, e.Payload.(model.CallStateChanged).State)
	}
	return out
}

func TestManager_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.m.Initiate(ctx, "alice", "bob", model.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, "call-1", s.CallID)
	assert.Equal(t, model.CallRinging, s.State)
	assert.WithinDuration(t, f.clock.Now().Add(30*time.Second), s.Deadline, 0)

	s, err = f.m.HandleSignal(ctx, s.CallID, "bob", call.SignalAccept, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CallConnecting, s.State)

	f.clock.Advance(2 * time.Second)
	s, err = f.m.HandleSignal(ctx, s.CallID, "alice", call.SignalConnected, []byte(`{"sdp":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, model.CallActive, s.State)
	require.NotNil(t, s.ConnectedAt)

	f.clock.Advance(90 * time.Second)
	s, err = f.m.HandleSignal(ctx, s.CallID, "bob", call.SignalHangup, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CallEnded, s.State)
	assert.Equal(t, model.EndReasonHangup, s.EndReason)

	assert.Equal(t, []model.CallState{model.CallRinging, model.CallConnecting, model.CallActive, model.CallEnded}, f.states())

	h := f.archive.get(s.CallID)
	require.NotNil(t, h)
	assert.Equal(t, int64(90), h.DurationSec)
	assert.Equal(t, string(model.CallEnded), h.FinalState)

	got, err := f.m.Get(ctx, s.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.CallEnded, got.State)
	assert.True(t, got.Deadline.IsZero())
}

func TestManager_EndedIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.m.Initiate(ctx, "alice", "bob", model.CallVoice)
	require.NoError(t, err)
	_, err = f.m.HandleSignal(ctx, s.CallID, "bob", call.SignalDecline, nil)
	require.NoError(t, err)

	_, err = f.m.HandleSignal(ctx, s.CallID, "bob", call.SignalAccept, nil)
	assert.ErrorIs(t, err, call.ErrCallEnded)
	_, err = f.m.HandleSignal(ctx, s.CallID, "alice", call.SignalHangup, nil)
	assert.ErrorIs(t, err, call.ErrCallEnded)

	got, err := f.m.Get(ctx, s.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.EndReasonDeclined, got.EndReason)
}

func TestManager_RejectsWrongActor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.m.Initiate(ctx, "alice", "bob", model.CallVoice)
	require.NoError(t, err)

	_, err = f.m.HandleSignal(ctx, s.CallID, "alice", call.SignalAccept, nil)
	assert.ErrorIs(t, err, call.ErrInvalidTransition)
	_, err = f.m.HandleSignal(ctx, s.CallID, "mallory", call.SignalHangup, nil)
	assert.ErrorIs(t, err, call.ErrNotParticipant)
	_, err = f.m.HandleSignal(ctx, "missing", "alice", call.SignalHangup, nil)
	assert.ErrorIs(t, err, call.ErrCallNotFound)
	_, err = f.m.HandleSignal(ctx, s.CallID, "alice", call.Signal("offer"), nil)
	assert.ErrorIs(t, err, call.ErrInvalidTransition)
}

func TestManager_UserBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.m.Initiate(ctx, "alice", "bob", model.CallVoice)
	require.NoError(t, err)

	_, err = f.m.Initiate(ctx, "carol", "bob", model.CallVoice)
	assert.ErrorIs(t, err, call.ErrUserBusy)
	_, err = f.m.Initiate(ctx, "alice", "carol", model.CallVoice)
	assert.ErrorIs(t, err, call.ErrUserBusy)

	active, err := f.m.ActiveCall(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, s.CallID, active.CallID)

	// 结束后释放忙线
	_, err = f.m.HandleSignal(ctx, s.CallID, "alice", call.SignalHangup, nil)
	require.NoError(t, err)
	_, err = f.m.Initiate(ctx, "carol", "bob", model.CallVoice)
	require.NoError(t, err)

	_, err = f.m.Initiate(ctx, "dave", "dave", model.CallVoice)
	assert.ErrorIs(t, err, call.ErrInvalidRequest)
}

func TestManager_Deadlines(t *testing.T) {
	tests := []struct {
		name    string
		advance func(ctx context.Context, t *testing.T, f *fixture, id string)
		after   time.Duration
		reason  string
	}{
		{
			name:    "ring timeout",
			advance: func(context.Context, *testing.T, *fixture, string) {},
			after:   31 * time.Second,
			reason:  model.EndReasonTimeout,
		},
		{
			name: "connect timeout",
			advance: func(ctx context.Context, t *testing.T, f *fixture, id string) {
				_, err := f.m.HandleSignal(ctx, id, "bob", call.SignalAccept, nil)
				require.NoError(t, err)
			},
			after:  11 * time.Second,
			reason: model.EndReasonConnectTimeout,
		},
		{
			name: "max duration",
			advance: func(ctx context.Context, t *testing.T, f *fixture, id string) {
				_, err := f.m.HandleSignal(ctx, id, "bob", call.SignalAccept, nil)
				require.NoError(t, err)
				_, err = f.m.HandleSignal(ctx, id, "bob", call.SignalConnected, nil)
				require.NoError(t, err)
			},
			after:  2*time.Hour + time.Second,
			reason: model.EndReasonMaxDuration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			s, err := f.m.Initiate(ctx, "alice", "bob", model.CallVoice)
			require.NoError(t, err)
			tt.advance(ctx, t, f, s.CallID)

			// 未到期
			n, err := f.m.CheckDeadlines(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			f.clock.Advance(tt.after)
			n, err = f.m.CheckDeadlines(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := f.m.Get(ctx, s.CallID)
			require.NoError(t, err)
			assert.Equal(t, model.CallEnded, got.State)
			assert.Equal(t, tt.reason, got.EndReason)

			// 超时已随结束一起移除
			n, err = f.m.CheckDeadlines(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestManager_AcceptBeatsRingDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.m.Initiate(ctx, "alice", "bob", model.CallVoice)
	require.NoError(t, err)
	f.clock.Advance(29 * time.Second)
	_, err = f.m.HandleSignal(ctx, s.CallID, "bob", call.SignalAccept, nil)
	require.NoError(t, err)

	// 振铃超时点已过，但会话已进入 connecting，新超时尚未到期
	f.clock.Advance(5 * time.Second)
	n, err := f.m.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.m.Get(ctx, s.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.CallConnecting, got.State)
}

func TestManager_RetryArchives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.archive.err = errors.New("db down")

	s, err := f.m.Initiate(ctx, "alice", "bob", model.CallVoice)
	require.NoError(t, err)
	_, err = f.m.HandleSignal(ctx, s.CallID, "bob", call.SignalDecline, nil)
	require.NoError(t, err, "归档失败不影响状态转移")
	assert.Nil(t, f.archive.get(s.CallID))

	n, err := f.m.RetryArchives(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.archive.err = nil
	n, err = f.m.RetryArchives(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, f.archive.get(s.CallID))

	n, err = f.m.RetryArchives(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
