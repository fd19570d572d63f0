package meeting

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"speakerlens/diarize"
	"speakerlens/profile"
)

// ManagerConfig конфигурация менеджера встреч
type ManagerConfig struct {
	DataDir          string
	Workers          int           // Максимум одновременных запусков
	QueueSize        int           // Ёмкость очереди чанков realtime-запуска
	BacklogThreshold int           // Глубина очереди, после которой запуск деградирует
	ProviderTimeout  time.Duration // Таймаут одного обращения к провайдеру
}

// DefaultManagerConfig возвращает конфигурацию по умолчанию
func DefaultManagerConfig(dataDir string) ManagerConfig {
	return ManagerConfig{
		DataDir:          dataDir,
		Workers:          2,
		QueueSize:        32,
		BacklogThreshold: 24,
		ProviderTimeout:  30 * time.Second,
	}
}

// Deps зависимости пайплайна. Конструкторы вместо готовых объектов:
// селектор и энкодер создаются заново на каждый запуск.
type Deps struct {
	NewSelector func(diarize.Config) diarize.Selector
	// NewEmbedder получает таймаут одной попытки провайдера
	// (ManagerConfig.ProviderTimeout): истёкший дедлайн - внешний сбой
	// для breaker, а не отмена запуска
	NewEmbedder func(diarize.Selector, time.Duration) diarize.Embedder
	Fast        diarize.OfflineDiarizer // Быстрый локальный batch-диаризатор, может быть nil
	External    diarize.Analyzer        // Внешний анализатор имён, может быть nil
	Profiles    *profile.Store          // Может быть nil, тогда аудит не ведётся
}

// Manager владеет встречами и ограничивает число одновременных запусков
type Manager struct {
	config ManagerConfig
	deps   Deps

	mu       sync.RWMutex
	pipeline diarize.Config
	meetings map[string]*Meeting
	runs     map[string]*run

	workers chan struct{}

	onStatus func(RunStatus)
}

// NewManager создаёт менеджер встреч
func NewManager(config ManagerConfig, deps Deps) (*Manager, error) {
	if deps.NewSelector == nil || deps.NewEmbedder == nil {
		return nil, fmt.Errorf("selector and embedder constructors are required")
	}
	if config.Workers <= 0 {
		config.Workers = DefaultManagerConfig("").Workers
	}
	if err := os.MkdirAll(filepath.Join(config.DataDir, "meetings"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	return &Manager{
		config:   config,
		deps:     deps,
		pipeline: diarize.DefaultConfig(),
		meetings: make(map[string]*Meeting),
		runs:     make(map[string]*run),
		workers:  make(chan struct{}, config.Workers),
	}, nil
}

// SetStatusCallback устанавливает подписчика на события run_status
func (m *Manager) SetStatusCallback(fn func(RunStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

func (m *Manager) emitStatus(meeting *Meeting) {
	m.mu.RLock()
	fn := m.onStatus
	status := meeting.runStatus()
	m.mu.RUnlock()
	if fn != nil {
		fn(status)
	}
}

// Configure заменяет конфигурацию пайплайна целиком.
// Идущие запуски работают на снятой при старте копии.
func (m *Manager) Configure(cfg diarize.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline = cfg
	log.Printf("[Meeting] Pipeline configured: mode=%s privacy=%s threshold=%.2f identification=%v",
		cfg.ProcessingMode, cfg.PrivacyMode, cfg.ConfidenceThreshold, cfg.EnableIdentification)
	return nil
}

// Config возвращает текущую конфигурацию пайплайна
func (m *Manager) Config() diarize.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pipeline
}

// StartMeeting создаёт встречу и запускает её обработку.
// Занимает слот worker pool; свободного слота нет - ошибка сразу.
func (m *Manager) StartMeeting() (*Meeting, error) {
	m.mu.Lock()
	cfg := m.pipeline
	m.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	select {
	case m.workers <- struct{}{}:
	default:
		return nil, fmt.Errorf("all %d workers busy", cap(m.workers))
	}

	meeting := &Meeting{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Status:    StatusActive,
		Config:    cfg,
	}

	r := newRun(m, meeting)

	m.mu.Lock()
	m.meetings[meeting.ID] = meeting
	m.runs[meeting.ID] = r
	m.mu.Unlock()

	r.start()
	log.Printf("[Meeting] Started: %s (mode=%s privacy=%s)", meeting.ID, cfg.ProcessingMode, cfg.PrivacyMode)
	return meeting, nil
}

func (m *Manager) activeRun(meetingID string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[meetingID]
	if !ok {
		return nil, fmt.Errorf("no active run for meeting %s", meetingID)
	}
	return r, nil
}

// PushChunk передаёт аудио-чанк (PCM float32, 16kHz mono) встрече
func (m *Manager) PushChunk(meetingID string, samples []float32) error {
	r, err := m.activeRun(meetingID)
	if err != nil {
		return err
	}
	return r.pushChunk(samples)
}

// PushTranscript передаёт реплики транскрипта встрече
func (m *Manager) PushTranscript(meetingID string, utterances []diarize.TranscriptUtterance) error {
	r, err := m.activeRun(meetingID)
	if err != nil {
		return err
	}
	return r.pushTranscript(utterances)
}

// FinishMeeting завершает приём данных и ждёт окончания обработки
func (m *Manager) FinishMeeting(meetingID string) (*Meeting, error) {
	r, err := m.activeRun(meetingID)
	if err != nil {
		return nil, err
	}
	r.finish()
	r.wait()
	return m.GetMeeting(meetingID)
}

// CancelMeeting прерывает обработку. Частичные результаты сохраняются.
func (m *Manager) CancelMeeting(meetingID string) error {
	r, err := m.activeRun(meetingID)
	if err != nil {
		return err
	}
	r.cancel()
	r.wait()
	return nil
}

// GetMeeting возвращает встречу по ID
func (m *Manager) GetMeeting(meetingID string) (*Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meeting, ok := m.meetings[meetingID]
	if !ok {
		return nil, fmt.Errorf("meeting not found: %s", meetingID)
	}
	return meeting, nil
}

// Statistics пересчитывает статистику говорения по текущим маппингам
func (m *Manager) Statistics(meetingID string) ([]diarize.SpeakerStatistics, error) {
	m.mu.RLock()
	meeting, ok := m.meetings[meetingID]
	var r *run
	if ok {
		r = m.runs[meetingID]
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("meeting not found: %s", meetingID)
	}

	m.mu.RLock()
	utterances := make([]diarize.LabeledUtterance, len(meeting.Utterances))
	copy(utterances, meeting.Utterances)
	total := meeting.TotalAudioDuration
	m.mu.RUnlock()

	if r != nil {
		if labeled := r.labeledSnapshot(); len(labeled) > 0 {
			utterances = r.mappings.Rename(labeled)
		}
	}
	return diarize.Aggregate(utterances, total), nil
}

// SetSpeakerName фиксирует ручной маппинг метки на имя.
// Ручная правка побеждает идентификацию и переживает повторные запуски.
func (m *Manager) SetSpeakerName(meetingID, speaker, name string) error {
	if speaker == "" || name == "" {
		return fmt.Errorf("speaker and name are required")
	}

	m.mu.RLock()
	meeting, ok := m.meetings[meetingID]
	r := m.runs[meetingID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("meeting not found: %s", meetingID)
	}
	if r == nil {
		return fmt.Errorf("meeting %s is closed for edits", meetingID)
	}

	r.mappings.Apply(diarize.SpeakerMapping{
		Speaker:    speaker,
		Name:       name,
		Confidence: 1,
		Source:     diarize.SourceManual,
		At:         time.Now(),
	})

	labeled := r.labeledSnapshot()

	m.mu.Lock()
	meeting.Mappings = r.mappings.Current()
	if len(labeled) > 0 {
		meeting.Utterances = r.mappings.Rename(labeled)
	}
	m.mu.Unlock()

	return m.persist(meeting)
}

// persist сохраняет встречу на диск с ограниченными ретраями.
// Исчерпанные ретраи заворачиваются в ErrPersistence.
func (m *Manager) persist(meeting *Meeting) error {
	m.mu.RLock()
	data, err := json.MarshalIndent(meeting, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal meeting: %w", err)
	}

	path := filepath.Join(m.config.DataDir, "meetings", meeting.ID+".json")
	operation := func() error {
		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return err
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("failed to save meeting %s: %v: %w", meeting.ID, err, diarize.ErrPersistence)
	}
	return nil
}

// releaseRun освобождает слот worker pool после завершения запуска
func (m *Manager) releaseRun(meetingID string) {
	<-m.workers
	log.Printf("[Meeting] Run finished: %s", meetingID)
}

// Close отменяет все активные запуски и дожидается их завершения
func (m *Manager) Close() {
	m.mu.RLock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		r.wait()
	}
}
