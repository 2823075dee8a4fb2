package chatclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketplace_chat/internal/domain"
	"marketplace_chat/pkg/logger"
)

// Options - клиентские настройки с разумными значениями по умолчанию
type Options struct {
	HandshakeTimeout time.Duration
	HistoryPageSize  int
	TypingDebounce   time.Duration
	TypingExpiry     time.Duration
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.HistoryPageSize == 0 {
		o.HistoryPageSize = 50
	}
	if o.TypingDebounce == 0 {
		o.TypingDebounce = time.Second
	}
	if o.TypingExpiry == 0 {
		o.TypingExpiry = 4 * time.Second
	}
}

// Client - реестр соединения на одну аутентифицированную идентичность.
// Создается один раз на процесс, разделяется всеми сессиями и явно
// закрывается при logout. Обрыв соединения лечится автоматическим
// reconnect с полной ресинхронизацией сессий
type Client struct {
	url    string
	token  string
	selfID string
	opts   Options
	log    logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	sessions map[string]*Session
	closed   bool

	writeMu sync.Mutex
}

func New(url, token, selfID string, opts Options, log logger.Logger) *Client {
	opts.withDefaults()
	return &Client{
		url:      url,
		token:    token,
		selfID:   selfID,
		opts:     opts,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

func (c *Client) SelfID() string {
	return c.selfID
}

// Connect открывает websocket-соединение и запускает read-цикл
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url+"?token="+c.token, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close - явный teardown при logout
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Session возвращает сессию диалога с собеседником, создавая ее при
// первом обращении. Закрытие сессии не трогает общее соединение
func (c *Client) Session(counterpartID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[counterpartID]; ok {
		return s
	}

	s := newSession(c, counterpartID)
	c.sessions[counterpartID] = s
	return s
}

func (c *Client) dropSession(counterpartID string) {
	c.mu.Lock()
	delete(c.sessions, counterpartID)
	c.mu.Unlock()
}

func (c *Client) send(event domain.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return websocket.ErrCloseSent
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(event)
}

func (c *Client) sendPayload(name string, payload interface{}) error {
	event, err := domain.NewEvent(name, payload)
	if err != nil {
		return err
	}
	return c.send(event)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var event domain.Event
		if err := conn.ReadJSON(&event); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()

			if !closed {
				c.log.Warn("Connection lost, reconnecting", "error", err)
				c.reconnect()
			}
			return
		}

		c.dispatch(event)
	}
}

// reconnect восстанавливает соединение с экспоненциальным backoff
// и ресинхронизирует каждую сессию: watch + дозапрос истории с
// последнего известного курсора
func (c *Client) reconnect() {
	operation := func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		defer cancel()
		return c.Connect(ctx)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // транспортный уровень переподключается бесконечно

	if err := backoff.Retry(operation, policy); err != nil {
		c.log.Error("Reconnect failed", "error", err)
		return
	}

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.resync()
	}
}

func (c *Client) dispatch(event domain.Event) {
	switch event.Event {
	case domain.EventReceiveMessage, domain.EventMessageAck:
		var message domain.Message
		if err := json.Unmarshal(event.Data, &message); err != nil {
			return
		}
		counterpart := message.SenderID
		if counterpart == c.selfID {
			counterpart = message.ReceiverID
		}
		if s := c.lookup(counterpart); s != nil {
			s.onMessage(&message, event.Event == domain.EventMessageAck)
		}

	case domain.EventMessagesHistory:
		var payload domain.MessagesHistoryPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		if s := c.lookup(payload.CounterpartID); s != nil {
			s.onHistory(&payload)
		}

	case domain.EventTyping, domain.EventStopTyping:
		var payload domain.TypingPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		if s := c.lookup(payload.From); s != nil {
			s.onTyping(event.Event == domain.EventTyping)
		}

	case domain.EventUserOnline, domain.EventUserOffline:
		var payload domain.PresencePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		if s := c.lookup(payload.UserID); s != nil {
			s.onPresence(event.Event == domain.EventUserOnline)
		}

	case domain.EventMessagesRead:
		var payload domain.MessagesReadPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		if s := c.lookup(payload.ReaderID); s != nil {
			s.onMessagesRead()
		}

	case domain.EventError:
		var payload domain.ErrorPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		c.mu.Lock()
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.mu.Unlock()
		for _, s := range sessions {
			s.onSendError(&payload)
		}

	default:
		c.log.Debug("Unhandled event", "event", event.Event)
	}
}

func (c *Client) lookup(counterpartID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[counterpartID]
}

func newClientMessageID() uuid.UUID {
	return uuid.New()
}
