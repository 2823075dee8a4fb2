package domain

import "time"

// PresenceRecord - эфемерное состояние присутствия пользователя.
// Живет только в памяти процесса, после рестарта восстанавливается
// с нуля по мере переподключения клиентов.
type PresenceRecord struct {
	UserID          string    `json:"user_id"`
	ConnectionCount int       `json:"connection_count"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

func (p PresenceRecord) Online() bool {
	return p.ConnectionCount > 0
}
