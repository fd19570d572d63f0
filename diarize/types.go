// Package diarize реализует ядро диаризации: сегментацию по спикерам,
// слияние с транскрипцией, идентификацию имён и статистику.
package diarize

import "time"

// ProcessingMode режим обработки аудио
type ProcessingMode string

const (
	// ModeBatch обрабатывает полную запись целиком (максимальная точность)
	ModeBatch ProcessingMode = "batch"
	// ModeRealTime обрабатывает поток чанков инкрементально (минимальная задержка)
	ModeRealTime ProcessingMode = "realtime"
)

// PrivacyMode политика выбора провайдера: может ли аудио/текст покидать устройство
type PrivacyMode string

const (
	// PrivacyLocalOnly внешние провайдеры запрещены
	PrivacyLocalOnly PrivacyMode = "local_only"
	// PrivacyPreferExternal внешний провайдер предпочтителен, при сбое - локальный
	PrivacyPreferExternal PrivacyMode = "prefer_external"
	// PrivacyExternalOnly только внешний провайдер, без fallback
	PrivacyExternalOnly PrivacyMode = "external_only"
)

// Config конфигурация запуска диаризации.
// Неизменяема в рамках одного запуска: Manager снимает копию при старте,
// поэтому смена настроек не влияет на уже идущие запуски.
type Config struct {
	ProcessingMode       ProcessingMode `json:"processingMode"`
	PrivacyMode          PrivacyMode    `json:"privacyMode"`
	ConfidenceThreshold  float64        `json:"confidenceThreshold"`
	EnableIdentification bool           `json:"enableIdentification"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ProcessingMode:       ModeBatch,
		PrivacyMode:          PrivacyPreferExternal,
		ConfidenceThreshold:  0.7,
		EnableIdentification: true,
	}
}

// Validate проверяет допустимость значений конфигурации
func (c Config) Validate() error {
	switch c.ProcessingMode {
	case ModeBatch, ModeRealTime:
	default:
		return &ConfigError{Field: "processingMode", Value: string(c.ProcessingMode)}
	}
	switch c.PrivacyMode {
	case PrivacyLocalOnly, PrivacyPreferExternal, PrivacyExternalOnly:
	default:
		return &ConfigError{Field: "privacyMode", Value: string(c.PrivacyMode)}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return &ConfigError{Field: "confidenceThreshold", Value: "out of [0,1]"}
	}
	return nil
}

// AudioSegment отрезок аудио, отнесённый к одному кластеру спикера.
// Cluster - локальный ID в рамках запуска, не глобальная идентичность.
type AudioSegment struct {
	Start       float64 `json:"start"` // секунды от начала встречи
	End         float64 `json:"end"`
	Cluster     int     `json:"cluster"`
	Overlapping bool    `json:"overlapping,omitempty"`
}

// Duration возвращает длительность сегмента в секундах
func (s AudioSegment) Duration() float64 {
	return s.End - s.Start
}

// SpeakerCluster живое состояние кластера внутри одного запуска.
// Принадлежит единственному запуску и уничтожается вместе с ним.
type SpeakerCluster struct {
	ID         int
	Centroid   []float64 // running mean эмбеддингов, нормализованный
	Count      int       // количество окон в кластере
	LastUpdate int       // индекс окна последнего обновления (для LRU)
	Duration   float64   // суммарная длительность окон (сек)
}

// TranscriptUtterance реплика от внешней подсистемы транскрипции (read-only)
type TranscriptUtterance struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration возвращает длительность реплики в секундах
func (u TranscriptUtterance) Duration() float64 {
	return u.End - u.Start
}

// UnknownSpeaker метка-сентинел для реплик без временного совпадения с сегментами
const UnknownSpeaker = "Unknown"

// LabeledUtterance реплика с присвоенной меткой спикера.
// Speaker ("Speaker 1", "Speaker 2"...) назначается по порядку первого
// появления кластера и не переиспользуется в рамках запуска.
type LabeledUtterance struct {
	Text        string  `json:"text"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Speaker     string  `json:"speaker"`
	Confidence  float64 `json:"confidence"` // overlap/duration, [0,1]
	Overlapping bool    `json:"overlapping,omitempty"`
}

// Duration возвращает длительность реплики в секундах
func (u LabeledUtterance) Duration() float64 {
	return u.End - u.Start
}

// MappingSource источник сопоставления метки и имени
type MappingSource string

const (
	// SourceIdentification имя найдено автоматически по тексту
	SourceIdentification MappingSource = "identification"
	// SourceManual имя задано пользователем; терминальный источник
	SourceManual MappingSource = "manual"
)

// SpeakerMapping сопоставление метки спикера с именем.
// Source=manual никогда не переводится обратно в identification.
type SpeakerMapping struct {
	Speaker    string        `json:"speaker"`
	Name       string        `json:"name,omitempty"`
	Confidence float64       `json:"confidence"`
	Source     MappingSource `json:"source"`
	At         time.Time     `json:"at"`
}

// NameCandidate кандидат имени, извлечённый из текста реплик
type NameCandidate struct {
	Speaker    string  `json:"speaker"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Utterance  int     `json:"utterance"` // индекс реплики-источника
}

// SpeakerStatistics статистика по одному спикеру.
// Производное значение: пересчитывается из реплик по запросу, не хранится.
type SpeakerStatistics struct {
	Speaker      string  `json:"speaker"`
	SpeakingTime float64 `json:"speakingTime"` // секунды
	Percentage   float64 `json:"percentage"`   // от общей длительности, может суммарно превышать 100 при перекрытиях
	Turns        int     `json:"turns"`
}

// Capability способность, для которой роутер выбирает исполнителя
type Capability string

const (
	CapabilitySegmentation   Capability = "segmentation"
	CapabilityIdentification Capability = "identification"
)

// Target цель исполнения, выбранная роутером
type Target string

const (
	TargetLocal    Target = "local"
	TargetExternal Target = "external"
)
