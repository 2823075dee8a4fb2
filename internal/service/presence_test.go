package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace_chat/pkg/logger"
)

type presenceEvent struct {
	userID string
	online bool
}

func newTrackerForTest(t *testing.T, grace time.Duration) (PresenceTracker, chan presenceEvent) {
	t.Helper()

	tracker := NewPresenceTracker(grace, logger.New("error"))
	events := make(chan presenceEvent, 16)
	tracker.Subscribe(func(userID string, online bool) {
		events <- presenceEvent{userID: userID, online: online}
	})
	return tracker, events
}

func TestPresenceTracker_ConnectDisconnect(t *testing.T) {
	tracker, events := newTrackerForTest(t, 10*time.Millisecond)

	record := tracker.Connect("alice")
	assert.Equal(t, 1, record.ConnectionCount)
	assert.True(t, tracker.IsOnline("alice"))

	select {
	case ev := <-events:
		assert.Equal(t, presenceEvent{userID: "alice", online: true}, ev)
	case <-time.After(time.Second):
		t.Fatal("expected userOnline event")
	}

	// Второе соединение (другая вкладка) не дает повторного события
	record = tracker.Connect("alice")
	assert.Equal(t, 2, record.ConnectionCount)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}

	tracker.Disconnect("alice")
	assert.True(t, tracker.IsOnline("alice"))

	tracker.Disconnect("alice")
	assert.False(t, tracker.IsOnline("alice"))

	select {
	case ev := <-events:
		assert.Equal(t, presenceEvent{userID: "alice", online: false}, ev)
	case <-time.After(time.Second):
		t.Fatal("expected userOffline event after grace window")
	}
}

func TestPresenceTracker_GraceWindowSuppressesFlapping(t *testing.T) {
	tracker, events := newTrackerForTest(t, 50*time.Millisecond)

	tracker.Connect("bob")
	require.Equal(t, presenceEvent{userID: "bob", online: true}, <-events)

	// Быстрый reconnect внутри grace-окна: offline не объявляется
	tracker.Disconnect("bob")
	tracker.Connect("bob")

	select {
	case ev := <-events:
		t.Fatalf("unexpected event during grace window: %+v", ev)
	case <-time.After(120 * time.Millisecond):
	}

	assert.True(t, tracker.IsOnline("bob"))
}

func TestPresenceTracker_CounterNeverNegative(t *testing.T) {
	tracker, _ := newTrackerForTest(t, 5*time.Millisecond)

	tracker.Disconnect("carol")
	assert.False(t, tracker.IsOnline("carol"))
	assert.Equal(t, 0, tracker.Snapshot("carol").ConnectionCount)

	tracker.Connect("carol")
	tracker.Disconnect("carol")
	tracker.Disconnect("carol")
	assert.Equal(t, 0, tracker.Snapshot("carol").ConnectionCount)
}

func TestPresenceTracker_Convergence(t *testing.T) {
	tests := []struct {
		name        string
		connects    int
		disconnects int
		wantOnline  bool
	}{
		{name: "more connects than disconnects", connects: 3, disconnects: 2, wantOnline: true},
		{name: "balanced", connects: 2, disconnects: 2, wantOnline: false},
		{name: "no activity", connects: 0, disconnects: 0, wantOnline: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTrackerForTest(t, time.Millisecond)

			for i := 0; i < tt.connects; i++ {
				tracker.Connect("dave")
			}
			for i := 0; i < tt.disconnects; i++ {
				tracker.Disconnect("dave")
			}

			assert.Equal(t, tt.wantOnline, tracker.IsOnline("dave"))
		})
	}
}
