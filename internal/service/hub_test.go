package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace_chat/internal/config"
	"marketplace_chat/internal/domain"
	"marketplace_chat/pkg/logger"
)

// fakeConn собирает записанные события, имитируя транспортное соединение
type fakeConn struct {
	mu     sync.Mutex
	events []domain.Event
	closed bool
}

func (c *fakeConn) WriteEvent(event domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) waitEvents(t *testing.T, n int) []domain.Event {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := make([]domain.Event, len(c.events))
			copy(out, c.events)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events", n)
	return nil
}

func (c *fakeConn) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newHubForTest(t *testing.T) ConnectionManager {
	t.Helper()

	log := logger.New("error")
	presence := NewPresenceTracker(10*time.Millisecond, log)
	cfg := config.ChatConfig{SendChannelBuffer: 16}
	return NewConnectionManager(presence, cfg, log)
}

func mustEvent(t *testing.T, name string, payload interface{}) domain.Event {
	t.Helper()

	event, err := domain.NewEvent(name, payload)
	require.NoError(t, err)
	return event
}

func TestHub_FanOutToAllUserConnections(t *testing.T) {
	hub := newHubForTest(t)

	tab1 := &fakeConn{}
	tab2 := &fakeConn{}
	hub.Register(tab1, "alice")
	hub.Register(tab2, "alice")

	event := mustEvent(t, domain.EventReceiveMessage, map[string]string{"content": "hola"})
	delivered := hub.Send("alice", event)
	assert.Equal(t, 2, delivered)

	tab1.waitEvents(t, 1)
	tab2.waitEvents(t, 1)
}

func TestHub_SendToOfflineUserIsSilentDrop(t *testing.T) {
	hub := newHubForTest(t)

	event := mustEvent(t, domain.EventReceiveMessage, map[string]string{"content": "hola"})
	delivered := hub.Send("nobody", event)
	assert.Zero(t, delivered)
}

func TestHub_UnregisterReleasesConnection(t *testing.T) {
	hub := newHubForTest(t)

	conn := &fakeConn{}
	hub.Register(conn, "bob")
	hub.Unregister(conn)

	assert.True(t, conn.closed)
	assert.Zero(t, hub.Send("bob", mustEvent(t, domain.EventTyping, nil)))

	// Повторное снятие - no-op
	hub.Unregister(conn)
}

func TestHub_ScopedSendRespectsWatch(t *testing.T) {
	hub := newHubForTest(t)

	watching := &fakeConn{}
	elsewhere := &fakeConn{}
	hub.Register(watching, "carol")
	hub.Register(elsewhere, "carol")

	hub.Watch(watching, "dave")
	hub.Watch(elsewhere, "erin")

	event := mustEvent(t, domain.EventTyping, domain.TypingPayload{From: "dave"})
	delivered := hub.SendScoped("carol", "dave", event)
	assert.Equal(t, 1, delivered)

	watching.waitEvents(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, elsewhere.eventCount())
}

func TestHub_PresenceEventsReachWatchers(t *testing.T) {
	hub := newHubForTest(t)

	watcher := &fakeConn{}
	hub.Register(watcher, "frank")
	hub.Watch(watcher, "grace")

	counterpart := &fakeConn{}
	hub.Register(counterpart, "grace")

	events := watcher.waitEvents(t, 1)
	assert.Equal(t, domain.EventUserOnline, events[0].Event)

	hub.Unregister(counterpart)

	events = watcher.waitEvents(t, 2)
	assert.Equal(t, domain.EventUserOffline, events[1].Event)
}
