package profile

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention срок хранения аудиторских записей
const DefaultRetention = 90 * 24 * time.Hour

// DefaultSweepInterval период фоновой чистки просроченных записей
const DefaultSweepInterval = time.Hour

// Store хранилище аудиторских записей голосовых профилей
type Store struct {
	path      string
	retention time.Duration
	mu        sync.RWMutex
	data      recordFile

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewStore создаёт хранилище. profiles.json лежит в dataDir;
// фоновая чистка запускается сразу и останавливается через Close.
func NewStore(dataDir string, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}

	store := &Store{
		path:      filepath.Join(dataDir, "profiles.json"),
		retention: retention,
		data:      recordFile{Version: CurrentVersion},
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}

	log.Printf("[Profile] Store initialized: %s (%d records)", store.path, len(store.data.Records))
	go store.sweepLoop(DefaultSweepInterval)
	return store, nil
}

// load загружает данные из файла
func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.data); err != nil {
		return fmt.Errorf("failed to parse profiles.json: %w", err)
	}

	if s.data.Version < CurrentVersion {
		if err := s.migrate(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// migrate выполняет миграцию формата
func (s *Store) migrate() error {
	switch s.data.Version {
	case 0:
		s.data.Version = 1
		return s.saveUnsafe()
	default:
		return nil
	}
}

// saveUnsafe сохраняет без блокировки (вызывать только при удержании lock).
// Запись атомарная: временный файл и rename.
func (s *Store) saveUnsafe() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profiles: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Record сохраняет аудиторскую запись кластера спикера.
// От центроида остаётся только дайджест.
func (s *Store) Record(meetingID, speaker string, centroid []float64) (Record, error) {
	if len(centroid) == 0 {
		return Record{}, fmt.Errorf("empty centroid for %s/%s", meetingID, speaker)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	rec := Record{
		ID:        uuid.New().String(),
		MeetingID: meetingID,
		Speaker:   speaker,
		Digest:    DigestCentroid(centroid),
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}

	s.data.Records = append(s.data.Records, rec)
	if err := s.saveUnsafe(); err != nil {
		s.data.Records = s.data.Records[:len(s.data.Records)-1]
		return Record{}, err
	}

	log.Printf("[Profile] Recorded: meeting=%s speaker=%q digest=%s", meetingID, speaker, rec.Digest[:8])
	return rec, nil
}

// ByMeeting возвращает копии записей встречи
func (s *Store) ByMeeting(meetingID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Record
	for _, rec := range s.data.Records {
		if rec.MeetingID == meetingID {
			result = append(result, rec)
		}
	}
	return result
}

// Count возвращает количество записей
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Records)
}

// Sweep удаляет просроченные записи и возвращает их количество
func (s *Store) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kept := s.data.Records[:0]
	for _, rec := range s.data.Records {
		if !rec.Expired(now) {
			kept = append(kept, rec)
		}
	}

	removed := len(s.data.Records) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	s.data.Records = kept
	if err := s.saveUnsafe(); err != nil {
		return 0, err
	}
	log.Printf("[Profile] Sweep removed %d expired records", removed)
	return removed, nil
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(); err != nil {
				log.Printf("[Profile] Sweep failed: %v", err)
			}
		case <-s.sweepStop:
			return
		}
	}
}

// Close останавливает фоновую чистку
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.sweepStop)
		<-s.sweepDone
	})
}

// DigestCentroid вычисляет hex SHA-256 от байтов центроида.
// Центроид приводится к little-endian float32: дайджест стабилен
// между платформами и совпадает для одинаковых векторов.
func DigestCentroid(centroid []float64) string {
	buf := make([]byte, 4*len(centroid))
	for i, v := range centroid {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
