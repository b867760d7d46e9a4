package presence

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry() *Registry {
	return New(DefaultConfig(), zap.NewNop())
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry()

	caps := []Capability{{Name: "code_review", Version: "1.0", Priority: 5}}
	info := r.Register("agent-1", EntityAgent, StatusOnline, caps, map[string]any{"region": "eu"})
	assert.Equal(t, "agent-1", info.EntityID)
	assert.Equal(t, EntityAgent, info.EntityType)
	assert.Equal(t, StatusOnline, info.Status)
	assert.False(t, info.ConnectedAt.IsZero())

	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, caps, got.Capabilities)
	assert.Equal(t, "eu", got.Metadata["region"])
}

func TestRegisterDefaultsInvalidStatus(t *testing.T) {
	r := newTestRegistry()
	info := r.Register("agent-1", EntityAgent, Status("bogus"), nil, nil)
	assert.Equal(t, StatusOnline, info.Status)
}

func TestReRegisterKeepsConnectedAt(t *testing.T) {
	r := newTestRegistry()
	first := r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)
	second := r.Register("agent-1", EntityAgent, StatusBusy, nil, nil)
	assert.Equal(t, first.ConnectedAt, second.ConnectedAt)
	assert.Equal(t, StatusBusy, second.Status)
}

func TestUpdateNotifiesOnlyOnStatusChange(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)

	var mu sync.Mutex
	var changes []Status
	r.SubscribeAll(func(_ Info, change Status) {
		mu.Lock()
		changes = append(changes, change)
		mu.Unlock()
	})

	_, err := r.Update("agent-1", StatusBusy, "reviewing", "pr-42")
	require.NoError(t, err)
	_, err = r.Update("agent-1", StatusBusy, "still reviewing", "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusBusy}, changes)
}

func TestUpdateUnknownEntity(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Update("ghost", StatusAway, "", "")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestUpdateKeepsMessageAndActivity(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)

	_, err := r.Update("agent-1", StatusBusy, "deep work", "task-9")
	require.NoError(t, err)
	got, err := r.Update("agent-1", StatusBusy, "", "")
	require.NoError(t, err)
	assert.Equal(t, "deep work", got.StatusMessage)
	assert.Equal(t, "task-9", got.CurrentActivity)
}

func TestRemoveFiresOffline(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)

	var got []Status
	r.Subscribe("agent-1", func(_ Info, change Status) {
		got = append(got, change)
	})

	assert.True(t, r.Remove("agent-1", "disconnect"))
	assert.False(t, r.Remove("agent-1", "disconnect"))
	_, ok := r.Get("agent-1")
	assert.False(t, ok)
	assert.Equal(t, []Status{StatusOffline}, got)
}

func TestRemoveDeletesEntitySessions(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)
	s1 := r.CreateSession("agent-1", EntityAgent, "conn-1", nil)
	s2 := r.CreateSession("agent-1", EntityAgent, "conn-2", nil)

	r.Remove("agent-1", "shutdown")
	_, ok := r.GetSession(s1.ID)
	assert.False(t, ok)
	_, ok = r.GetSession(s2.ID)
	assert.False(t, ok)
}

func TestListFilters(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-b", EntityAgent, StatusOnline, nil, nil)
	r.Register("agent-a", EntityAgent, StatusBusy, nil, nil)
	r.Register("user-1", EntityUser, StatusOnline, nil, nil)

	all := r.List("", "")
	require.Len(t, all, 3)
	assert.Equal(t, "agent-a", all[0].EntityID)
	assert.Equal(t, "agent-b", all[1].EntityID)

	agents := r.List(EntityAgent, "")
	assert.Len(t, agents, 2)

	online := r.List("", StatusOnline)
	assert.Len(t, online, 2)

	busyAgents := r.List(EntityAgent, StatusBusy)
	require.Len(t, busyAgents, 1)
	assert.Equal(t, "agent-a", busyAgents[0].EntityID)
}

func TestSessionLifecycle(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)

	sess := r.CreateSession("agent-1", EntityAgent, "conn-1", map[string]any{"ua": "cell0-agent"})
	assert.True(t, strings.HasPrefix(sess.ID, "sess_"))
	assert.False(t, sess.Authenticated)
	assert.False(t, sess.IsAuthenticated())

	authed, err := r.AuthenticateSession(sess.ID, []string{"presence.write", "task.*"})
	require.NoError(t, err)
	assert.True(t, authed.Authenticated)
	assert.True(t, authed.HasPermission("presence.write"))
	assert.False(t, authed.HasPermission("admin"))

	_, err = r.AuthenticateSession("sess_missing", nil)
	assert.ErrorIs(t, err, ErrEntityNotFound)

	assert.True(t, r.RemoveSession(sess.ID, "close"))
	assert.False(t, r.RemoveSession(sess.ID, "close"))
}

func TestWildcardPermission(t *testing.T) {
	r := newTestRegistry()
	sess := r.CreateSession("admin-1", EntityUser, "conn-1", nil)
	authed, err := r.AuthenticateSession(sess.ID, []string{"*"})
	require.NoError(t, err)
	assert.True(t, authed.HasPermission("anything.at.all"))
}

func TestLastSessionRemovedGoesOffline(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)
	s1 := r.CreateSession("agent-1", EntityAgent, "conn-1", nil)
	s2 := r.CreateSession("agent-1", EntityAgent, "conn-2", nil)

	var changes []Status
	r.Subscribe("agent-1", func(_ Info, change Status) {
		changes = append(changes, change)
	})

	r.RemoveSession(s1.ID, "close")
	info, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, info.Status)
	assert.Empty(t, changes)

	r.RemoveSession(s2.ID, "close")
	info, ok = r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, info.Status)
	assert.Equal(t, []Status{StatusOffline}, changes)
}

func TestSessionsForEntity(t *testing.T) {
	r := newTestRegistry()
	r.CreateSession("agent-1", EntityAgent, "conn-1", nil)
	r.CreateSession("agent-1", EntityAgent, "conn-2", nil)
	r.CreateSession("agent-2", EntityAgent, "conn-3", nil)

	sessions := r.SessionsForEntity("agent-1")
	assert.Len(t, sessions, 2)
	assert.Empty(t, r.SessionsForEntity("ghost"))
}

func TestSubscribeEntityScoped(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)
	r.Register("agent-2", EntityAgent, StatusOnline, nil, nil)

	var got []string
	r.Subscribe("agent-1", func(info Info, _ Status) {
		got = append(got, info.EntityID)
	})

	_, err := r.Update("agent-1", StatusAway, "", "")
	require.NoError(t, err)
	_, err = r.Update("agent-2", StatusAway, "", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"agent-1"}, got)
}

func TestUnsubscribe(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)

	count := 0
	id := r.SubscribeAll(func(Info, Status) { count++ })
	assert.True(t, strings.HasPrefix(id, "sub_"))

	_, err := r.Update("agent-1", StatusAway, "", "")
	require.NoError(t, err)
	assert.True(t, r.Unsubscribe(id))
	assert.False(t, r.Unsubscribe(id))
	_, err = r.Update("agent-1", StatusBusy, "", "")
	require.NoError(t, err)

	assert.Equal(t, 1, count)
}

func TestCallbackMayReenterRegistry(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)

	done := make(chan struct{})
	r.SubscribeAll(func(info Info, _ Status) {
		// Reads back into the registry; deadlocks if fired under the lock.
		_, _ = r.Get(info.EntityID)
		_ = r.Stats()
		close(done)
	})

	_, err := r.Update("agent-1", StatusAway, "", "")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not complete; registry lock held during notify")
	}
}

func TestSubscriptionBookkeeping(t *testing.T) {
	r := newTestRegistry()
	sess := r.CreateSession("agent-1", EntityAgent, "conn-1", nil)

	assert.True(t, r.AddSubscription(sess.ID, "builds"))
	assert.True(t, r.AddSubscription(sess.ID, "builds")) // idempotent
	assert.True(t, r.AddSubscription(sess.ID, "deploys"))

	got, ok := r.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"builds", "deploys"}, got.Subscriptions)

	assert.True(t, r.RemoveSubscription(sess.ID, "builds"))
	assert.False(t, r.RemoveSubscription(sess.ID, "builds"))
	got, _ = r.GetSession(sess.ID)
	assert.Equal(t, []string{"deploys"}, got.Subscriptions)

	assert.False(t, r.AddSubscription("sess_missing", "builds"))
}

func TestTouchSessionRefreshesEntity(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)
	sess := r.CreateSession("agent-1", EntityAgent, "conn-1", nil)

	before, _ := r.Get("agent-1")
	time.Sleep(5 * time.Millisecond)
	require.True(t, r.TouchSession(sess.ID))
	after, _ := r.Get("agent-1")
	assert.True(t, after.LastSeen.After(before.LastSeen))

	assert.False(t, r.TouchSession("sess_missing"))
}

func TestStaleEntityGoesOffline(t *testing.T) {
	r := New(Config{
		CleanupInterval: 10 * time.Millisecond,
		StaleTimeout:    30 * time.Millisecond,
		SessionTimeout:  time.Minute,
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)
	require.Eventually(t, func() bool {
		info, ok := r.Get("agent-1")
		return ok && info.Status == StatusOffline
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTouchKeepsEntityFresh(t *testing.T) {
	r := New(Config{
		CleanupInterval: 10 * time.Millisecond,
		StaleTimeout:    50 * time.Millisecond,
		SessionTimeout:  time.Minute,
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.True(t, r.Touch("agent-1"))
		info, ok := r.Get("agent-1")
		require.True(t, ok)
		require.Equal(t, StatusOnline, info.Status)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIdleSessionSweptAndEntityOffline(t *testing.T) {
	r := New(Config{
		CleanupInterval: 10 * time.Millisecond,
		StaleTimeout:    time.Minute,
		SessionTimeout:  30 * time.Millisecond,
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)
	sess := r.CreateSession("agent-1", EntityAgent, "conn-1", nil)

	require.Eventually(t, func() bool {
		_, ok := r.GetSession(sess.ID)
		if ok {
			return false
		}
		info, ok := r.Get("agent-1")
		return ok && info.Status == StatusOffline
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStats(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline, nil, nil)
	r.Register("agent-2", EntityAgent, StatusBusy, nil, nil)
	r.Register("user-1", EntityUser, StatusOnline, nil, nil)
	r.CreateSession("agent-1", EntityAgent, "conn-1", nil)
	r.SubscribeAll(func(Info, Status) {})

	s := r.Stats()
	assert.Equal(t, 3, s.TotalEntities)
	assert.Equal(t, 2, s.Online)
	assert.Equal(t, 2, s.ByType["agent"])
	assert.Equal(t, 1, s.ByType["user"])
	assert.Equal(t, 1, s.ByStatus["busy"])
	assert.Equal(t, 1, s.ActiveSessions)
	assert.Equal(t, 1, s.Watchers)
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", EntityAgent, StatusOnline,
		[]Capability{{Name: "deploy"}}, map[string]any{"k": "v"})

	got, _ := r.Get("agent-1")
	got.Capabilities[0].Name = "mutated"
	got.Metadata["k"] = "mutated"

	again, _ := r.Get("agent-1")
	assert.Equal(t, "deploy", again.Capabilities[0].Name)
	assert.Equal(t, "v", again.Metadata["k"])
}
