package service

import (
	"sync"
	"time"

	"marketplace_chat/internal/domain"
	"marketplace_chat/pkg/logger"
)

// PresenceTracker считает живые соединения каждого пользователя.
// Переход 1->0 объявляется offline только после grace-окна, чтобы
// быстрый reconnect (навигация по страницам) не мигал online/offline.
type PresenceTracker interface {
	Connect(userID string) domain.PresenceRecord
	Disconnect(userID string)
	IsOnline(userID string) bool
	Snapshot(userID string) domain.PresenceRecord

	// Subscribe регистрирует единственного получателя переходов online/offline
	Subscribe(fn func(userID string, online bool))
}

type presenceEntry struct {
	count        int
	lastSeenAt   time.Time
	offlineTimer *time.Timer
}

type presenceTracker struct {
	mu      sync.Mutex
	grace   time.Duration
	entries map[string]*presenceEntry
	onEvent func(userID string, online bool)
	log     logger.Logger
}

func NewPresenceTracker(grace time.Duration, log logger.Logger) PresenceTracker {
	return &presenceTracker{
		grace:   grace,
		entries: make(map[string]*presenceEntry),
		log:     log,
	}
}

func (t *presenceTracker) Subscribe(fn func(userID string, online bool)) {
	t.mu.Lock()
	t.onEvent = fn
	t.mu.Unlock()
}

func (t *presenceTracker) Connect(userID string) domain.PresenceRecord {
	t.mu.Lock()

	entry, ok := t.entries[userID]
	if !ok {
		entry = &presenceEntry{}
		t.entries[userID] = entry
	}

	// Пользователь считался online, если держал соединения
	// или его offline еще не объявлен (идет grace-окно)
	wasOnline := entry.count > 0 || entry.offlineTimer != nil

	if entry.offlineTimer != nil {
		entry.offlineTimer.Stop()
		entry.offlineTimer = nil
	}

	entry.count++
	entry.lastSeenAt = time.Now()
	record := domain.PresenceRecord{
		UserID:          userID,
		ConnectionCount: entry.count,
		LastSeenAt:      entry.lastSeenAt,
	}
	fn := t.onEvent
	t.mu.Unlock()

	if !wasOnline && fn != nil {
		fn(userID, true)
	}

	return record
}

func (t *presenceTracker) Disconnect(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok || entry.count == 0 {
		return
	}

	entry.count--
	entry.lastSeenAt = time.Now()

	if entry.count > 0 {
		return
	}

	timer := time.AfterFunc(t.grace, func() {
		t.declareOffline(userID)
	})
	entry.offlineTimer = timer
}

// declareOffline срабатывает по истечении grace-окна, если за это время
// пользователь не переподключился
func (t *presenceTracker) declareOffline(userID string) {
	t.mu.Lock()

	entry, ok := t.entries[userID]
	if !ok || entry.count > 0 || entry.offlineTimer == nil {
		t.mu.Unlock()
		return
	}

	delete(t.entries, userID)
	fn := t.onEvent
	t.mu.Unlock()

	if fn != nil {
		fn(userID, false)
	}
}

func (t *presenceTracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	return ok && entry.count > 0
}

func (t *presenceTracker) Snapshot(userID string) domain.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := domain.PresenceRecord{UserID: userID}
	if entry, ok := t.entries[userID]; ok {
		record.ConnectionCount = entry.count
		record.LastSeenAt = entry.lastSeenAt
	}
	return record
}
