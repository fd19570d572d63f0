// Package profile хранит аудиторский след голосовых профилей.
// Сохраняются только SHA-256 дайджесты центроидов: сырые эмбеддинги
// не пишутся на диск и поиск по сходству не поддерживается.
package profile

import "time"

// CurrentVersion текущая версия формата файла
const CurrentVersion = 1

// Record аудиторская запись одного кластера спикера в рамках встречи
type Record struct {
	ID        string    `json:"id"`
	MeetingID string    `json:"meetingId"`
	Speaker   string    `json:"speaker"`
	Digest    string    `json:"digest"` // hex SHA-256 от little-endian float32 центроида
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired возвращает true если запись пережила срок хранения
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// recordFile формат файла на диске
type recordFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}
