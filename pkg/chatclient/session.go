package chatclient

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketplace_chat/internal/domain"
)

// SendState - оптимистичное состояние исходящего сообщения
type SendState int

const (
	SendPending SendState = iota
	SendAcked
	SendFailed
)

// Session - сессия диалога с одним собеседником поверх общего соединения.
// Держит упорядоченный дедуплицированный список сообщений: история и живой
// поток сливаются через единый merge-by-id редьюсер
type Session struct {
	client        *Client
	counterpartID string

	mu                sync.Mutex
	messages          []*domain.Message
	seen              map[uuid.UUID]struct{}
	pending           map[uuid.UUID]SendState
	lastCursor        string
	counterpartOnline bool
	counterpartTyping bool
	typingTimer       *time.Timer
	lastTypingSent    time.Time
	closed            bool

	onMessageFn  func(*domain.Message)
	onPresenceFn func(online bool)
	onTypingFn   func(typing bool)
	onSendFailFn func(clientMessageID uuid.UUID, reason string, retryable bool)
}

func newSession(client *Client, counterpartID string) *Session {
	return &Session{
		client:        client,
		counterpartID: counterpartID,
		seen:          make(map[uuid.UUID]struct{}),
		pending:       make(map[uuid.UUID]SendState),
	}
}

// Колбэки должны быть установлены до Activate
func (s *Session) OnMessage(fn func(*domain.Message)) { s.onMessageFn = fn }
func (s *Session) OnPresence(fn func(online bool))    { s.onPresenceFn = fn }
func (s *Session) OnTyping(fn func(typing bool))      { s.onTypingFn = fn }
func (s *Session) OnSendFailed(fn func(clientMessageID uuid.UUID, reason string, retryable bool)) {
	s.onSendFailFn = fn
}

// Activate подписывает сессию на события собеседника и запрашивает
// первую страницу истории
func (s *Session) Activate() error {
	if err := s.client.sendPayload(domain.EventWatch, domain.WatchPayload{CounterpartID: s.counterpartID}); err != nil {
		return err
	}
	return s.requestHistory("")
}

// Close отписывает сессию, не закрывая общее соединение
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.mu.Unlock()

	s.client.dropSession(s.counterpartID)
}

// Send генерирует клиентский идентификатор и отправляет сообщение.
// Повторная отправка с тем же идентификатором безопасна: сервер вернет
// уже сохраненное сообщение вместо дубликата
func (s *Session) Send(content string) (uuid.UUID, error) {
	clientID := newClientMessageID()
	return clientID, s.Resend(clientID, content)
}

// Resend повторяет неудавшуюся отправку с прежним идентификатором
func (s *Session) Resend(clientMessageID uuid.UUID, content string) error {
	s.mu.Lock()
	s.pending[clientMessageID] = SendPending
	s.mu.Unlock()

	err := s.client.sendPayload(domain.EventSendMessage, domain.SendMessagePayload{
		ReceiverID:      s.counterpartID,
		Content:         content,
		ClientMessageID: &clientMessageID,
	})
	if err != nil {
		s.mu.Lock()
		s.pending[clientMessageID] = SendFailed
		s.mu.Unlock()
	}
	return err
}

// SendStateOf возвращает оптимистичное состояние исходящего сообщения
func (s *Session) SendStateOf(clientMessageID uuid.UUID) (SendState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.pending[clientMessageID]
	return state, ok
}

// NotifyTyping шлет индикатор набора, прореживая частые нажатия
func (s *Session) NotifyTyping() {
	s.mu.Lock()
	if time.Since(s.lastTypingSent) < s.client.opts.TypingDebounce {
		s.mu.Unlock()
		return
	}
	s.lastTypingSent = time.Now()
	s.mu.Unlock()

	_ = s.client.sendPayload(domain.EventTyping, domain.TypingPayload{To: s.counterpartID})
}

func (s *Session) NotifyStoppedTyping() {
	s.mu.Lock()
	s.lastTypingSent = time.Time{}
	s.mu.Unlock()

	_ = s.client.sendPayload(domain.EventStopTyping, domain.TypingPayload{To: s.counterpartID})
}

func (s *Session) MarkRead() error {
	return s.client.sendPayload(domain.EventMarkAsRead, domain.MarkAsReadPayload{CounterpartID: s.counterpartID})
}

// Messages возвращает копию текущего упорядоченного списка
func (s *Session) Messages() []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) CounterpartOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterpartOnline
}

func (s *Session) CounterpartTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterpartTyping
}

func (s *Session) requestHistory(cursor string) error {
	return s.client.sendPayload(domain.EventGetHistory, domain.GetHistoryPayload{
		CounterpartID: s.counterpartID,
		Cursor:        cursor,
		Limit:         s.client.opts.HistoryPageSize,
	})
}

// resync вызывается после reconnect: восстановить watch и дотянуть
// историю с последнего известного курсора
func (s *Session) resync() {
	s.mu.Lock()
	cursor := s.lastCursor
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	_ = s.client.sendPayload(domain.EventWatch, domain.WatchPayload{CounterpartID: s.counterpartID})
	_ = s.requestHistory(cursor)
}

func (s *Session) onMessage(message *domain.Message, isAck bool) {
	s.mu.Lock()
	inserted := s.merge(message)
	if isAck && message.ClientMessageID != nil {
		s.pending[*message.ClientMessageID] = SendAcked
	}
	// Живое сообщение от собеседника гасит его индикатор набора
	if !isAck && message.SenderID == s.counterpartID {
		s.setTypingLocked(false)
	}
	fn := s.onMessageFn
	s.mu.Unlock()

	if inserted && fn != nil {
		fn(message)
	}
}

func (s *Session) onHistory(payload *domain.MessagesHistoryPayload) {
	s.mu.Lock()
	var added []*domain.Message
	for _, message := range payload.Messages {
		if s.merge(message) {
			added = append(added, message)
		}
	}
	if payload.NextCursor != "" {
		s.lastCursor = payload.NextCursor
	} else if n := len(s.messages); n > 0 {
		last := s.messages[n-1]
		s.lastCursor = domain.Cursor{SentAt: last.SentAt, ID: last.ID}.Encode()
	}
	fn := s.onMessageFn
	s.mu.Unlock()

	// Страница была полной - просим следующую
	if payload.NextCursor != "" {
		_ = s.requestHistory(payload.NextCursor)
	}

	if fn != nil {
		for _, message := range added {
			fn(message)
		}
	}
}

func (s *Session) onPresence(online bool) {
	s.mu.Lock()
	s.counterpartOnline = online
	if !online {
		// Ушедший offline собеседник не может продолжать набирать
		s.setTypingLocked(false)
	}
	fn := s.onPresenceFn
	s.mu.Unlock()

	if fn != nil {
		fn(online)
	}
}

func (s *Session) onTyping(typing bool) {
	s.mu.Lock()
	s.setTypingLocked(typing)
	if typing {
		// Индикатор гаснет сам, если сигнал не обновится
		if s.typingTimer != nil {
			s.typingTimer.Stop()
		}
		s.typingTimer = time.AfterFunc(s.client.opts.TypingExpiry, func() {
			s.onTyping(false)
		})
	}
	fn := s.onTypingFn
	s.mu.Unlock()

	if fn != nil {
		fn(typing)
	}
}

func (s *Session) onMessagesRead() {
	s.mu.Lock()
	for _, message := range s.messages {
		if message.SenderID == s.client.selfID {
			message.Read = true
			message.Delivered = true
		}
	}
	s.mu.Unlock()
}

func (s *Session) onSendError(payload *domain.ErrorPayload) {
	if payload.ClientMessageID == nil {
		return
	}

	s.mu.Lock()
	_, ours := s.pending[*payload.ClientMessageID]
	if ours {
		s.pending[*payload.ClientMessageID] = SendFailed
	}
	fn := s.onSendFailFn
	s.mu.Unlock()

	if ours && fn != nil {
		fn(*payload.ClientMessageID, payload.Message, payload.Retryable)
	}
}

// setTypingLocked вызывается под s.mu
func (s *Session) setTypingLocked(typing bool) {
	s.counterpartTyping = typing
	if !typing && s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

// merge - редьюсер слияния по id: вставляет сообщение в позицию,
// сохраняющую порядок (sent_at, id), либо игнорирует дубликат.
// Вызывается под s.mu
func (s *Session) merge(message *domain.Message) bool {
	if _, ok := s.seen[message.ID]; ok {
		return false
	}

	idx := sort.Search(len(s.messages), func(i int) bool {
		return message.Before(s.messages[i])
	})

	s.messages = append(s.messages, nil)
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = message
	s.seen[message.ID] = struct{}{}

	return true
}
