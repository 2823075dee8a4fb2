package service

import (
	"sync"

	"marketplace_chat/internal/config"
	"marketplace_chat/internal/domain"
	"marketplace_chat/pkg/logger"
)

// Conn - транспортное соединение глазами хаба. Реализация для
// gorilla/websocket живет в handler-слое
type Conn interface {
	WriteEvent(event domain.Event) error
	Close() error
}

// ConnectionManager - единственный компонент, которому разрешено писать
// события в конкретное соединение. Один пользователь может держать
// несколько соединений (несколько вкладок) одновременно
type ConnectionManager interface {
	Register(conn Conn, userID string)
	Unregister(conn Conn)

	// Watch привязывает к соединению наблюдаемого собеседника:
	// только его presence/typing события будут доставляться клиенту
	Watch(conn Conn, counterpartID string)

	// Send доставляет событие во все активные соединения пользователя,
	// возвращает число соединений, принявших событие в очередь.
	// Ноль соединений - событие молча отбрасывается
	Send(userID string, event domain.Event) int

	// SendScoped доставляет событие только в те соединения userID,
	// которые сейчас наблюдают watchedID
	SendScoped(userID, watchedID string, event domain.Event) int
}

type hubClient struct {
	conn   Conn
	userID string
	watch  string
	send   chan domain.Event
	once   sync.Once
}

func (c *hubClient) stop() {
	c.once.Do(func() {
		close(c.send)
	})
}

type hub struct {
	mu       sync.RWMutex
	clients  map[Conn]*hubClient
	byUser   map[string]map[*hubClient]struct{}
	presence PresenceTracker
	buffer   int
	log      logger.Logger
}

func NewConnectionManager(presence PresenceTracker, cfg config.ChatConfig, log logger.Logger) ConnectionManager {
	h := &hub{
		clients:  make(map[Conn]*hubClient),
		byUser:   make(map[string]map[*hubClient]struct{}),
		presence: presence,
		buffer:   cfg.SendChannelBuffer,
		log:      log,
	}

	// Переходы presence транслируются соединениям, наблюдающим пользователя
	presence.Subscribe(h.onPresenceChange)

	return h
}

func (h *hub) Register(conn Conn, userID string) {
	client := &hubClient{
		conn:   conn,
		userID: userID,
		send:   make(chan domain.Event, h.buffer),
	}

	h.mu.Lock()
	h.clients[conn] = client
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*hubClient]struct{})
	}
	h.byUser[userID][client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)

	h.presence.Connect(userID)
	h.log.Info("Connection registered", "user", userID)
}

func (h *hub) Unregister(conn Conn) {
	h.mu.Lock()
	client, ok := h.clients[conn]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn)
	if set, ok := h.byUser[client.userID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.byUser, client.userID)
		}
	}
	h.mu.Unlock()

	client.stop()
	_ = conn.Close()

	h.presence.Disconnect(client.userID)
	h.log.Info("Connection unregistered", "user", client.userID)
}

func (h *hub) Watch(conn Conn, counterpartID string) {
	h.mu.Lock()
	if client, ok := h.clients[conn]; ok {
		client.watch = counterpartID
	}
	h.mu.Unlock()
}

func (h *hub) Send(userID string, event domain.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.enqueue(h.collect(userID, ""), event)
}

func (h *hub) SendScoped(userID, watchedID string, event domain.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.enqueue(h.collect(userID, watchedID), event)
}

// collect вызывается под h.mu
func (h *hub) collect(userID, watchedID string) []*hubClient {
	set, ok := h.byUser[userID]
	if !ok {
		return nil
	}

	targets := make([]*hubClient, 0, len(set))
	for client := range set {
		if watchedID != "" && client.watch != watchedID {
			continue
		}
		targets = append(targets, client)
	}
	return targets
}

// enqueue вызывается под h.mu, чтобы канал не закрылся между выборкой
// получателей и записью. Не блокируется: медленное соединение теряет
// событие, а не тормозит отправителя
func (h *hub) enqueue(targets []*hubClient, event domain.Event) int {
	delivered := 0
	for _, client := range targets {
		select {
		case client.send <- event:
			delivered++
		default:
			h.log.Warn("Dropping event for slow connection", "user", client.userID, "event", event.Event)
		}
	}
	return delivered
}

func (h *hub) writePump(client *hubClient) {
	for event := range client.send {
		if err := client.conn.WriteEvent(event); err != nil {
			h.log.Warn("Failed to write event", "user", client.userID, "event", event.Event, "error", err)
			h.Unregister(client.conn)
			return
		}
	}
}

func (h *hub) onPresenceChange(userID string, online bool) {
	name := domain.EventUserOnline
	if !online {
		name = domain.EventUserOffline
	}

	event, err := domain.NewEvent(name, domain.PresencePayload{UserID: userID})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets []*hubClient
	for _, client := range h.clients {
		if client.watch == userID {
			targets = append(targets, client)
		}
	}
	h.enqueue(targets, event)
}
