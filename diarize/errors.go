package diarize

import (
	"errors"
	"fmt"
)

// Фатальные ошибки пайплайна. Пер-окно и пер-реплика сбои сюда не входят:
// они изолируются и не прерывают запуск.
var (
	// ErrModelUnavailable нет пригодного провайдера для обязательной способности
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrExternalRequired режим external_only без доступного внешнего провайдера
	ErrExternalRequired = errors.New("external provider required")
	// ErrPersistence запись профиля/сопоставления не удалась после повторов
	ErrPersistence = errors.New("persistence failed")
	// ErrConflict конкурентная запись сопоставления для одной встречи
	ErrConflict = errors.New("concurrent mapping modification")
)

// CapabilityError ошибка, привязанная к конкретной способности.
// Позволяет вызывающему отличить "нет локальной модели" от
// "нет внешних credentials" и от временного внешнего сбоя.
type CapabilityError struct {
	Capability Capability
	Reason     string
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Capability, e.Reason, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// ConfigError недопустимое значение поля конфигурации
type ConfigError struct {
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%q", e.Field, e.Value)
}
