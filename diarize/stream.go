package diarize

import (
	"context"
	"log"
)

// StreamSegmenter инкрементальная кластеризация: каждое окно присваивается
// сразу и решение никогда не пересматривается (append-only). Точность ниже
// batch-режима, зато сегменты доступны по мере поступления аудио.
type StreamSegmenter struct {
	config   SegmenterConfig
	embedder Embedder

	clusters []*SpeakerCluster
	nextID   int
	window   int // индекс текущего окна (для LRU)

	pending []float32 // хвост, не добравший полного окна
	offset  float64   // время начала pending (сек от начала встречи)

	consecutiveFailures int
	attempted           int
	embedded            int
}

// NewStreamSegmenter создаёт realtime-сегментатор
func NewStreamSegmenter(config SegmenterConfig, embedder Embedder) *StreamSegmenter {
	return &StreamSegmenter{
		config:   config,
		embedder: embedder,
	}
}

// Push обрабатывает очередной чанк и возвращает новые сегменты.
// Решения по прошлым окнам не пересматриваются.
func (s *StreamSegmenter) Push(ctx context.Context, samples []float32) ([]AudioSegment, error) {
	s.pending = append(s.pending, samples...)

	winSize := s.config.windowSamples()
	var segments []AudioSegment

	for len(s.pending) >= winSize {
		if err := ctx.Err(); err != nil {
			return segments, err
		}

		win := s.pending[:winSize]
		segs, err := s.processWindow(ctx, win, s.offset, s.offset+s.config.WindowDuration)
		if err != nil {
			return segments, err
		}
		segments = append(segments, segs...)

		s.pending = s.pending[winSize:]
		s.offset += s.config.WindowDuration
	}

	return segments, nil
}

// Finish обрабатывает неполный хвост и завершает запуск
func (s *StreamSegmenter) Finish(ctx context.Context) ([]AudioSegment, error) {
	minSize := s.config.SampleRate / 10

	var segments []AudioSegment
	if len(s.pending) >= minSize {
		end := s.offset + float64(len(s.pending))/float64(s.config.SampleRate)
		segs, err := s.processWindow(ctx, s.pending, s.offset, end)
		if err != nil {
			s.pending = nil
			return nil, err
		}
		segments = segs
	}
	s.pending = nil

	// Проверка работоспособности всего запуска выполняется независимо от
	// того, был ли хвост: запуск без единого эмбеддинга не завершается успешно
	if s.attempted > 0 && s.embedded == 0 {
		return nil, &CapabilityError{
			Capability: CapabilitySegmentation,
			Reason:     "embedding extraction unavailable for entire run",
			Err:        ErrModelUnavailable,
		}
	}
	return segments, nil
}

// processWindow присваивает окно кластеру и возвращает сегменты окна
func (s *StreamSegmenter) processWindow(ctx context.Context, win []float32, start, end float64) ([]AudioSegment, error) {
	s.attempted++
	raw, err := s.embedder.Embed(ctx, win)
	if err != nil {
		// Окно остаётся неприсвоенным; запуск продолжается
		s.consecutiveFailures++
		log.Printf("[Stream] window embed failed (consecutive=%d): %v", s.consecutiveFailures, err)
		if s.consecutiveFailures >= s.config.MaxConsecutiveFailures && s.embedded == 0 {
			return nil, &CapabilityError{
				Capability: CapabilitySegmentation,
				Reason:     "embedding extraction unavailable",
				Err:        ErrModelUnavailable,
			}
		}
		return nil, nil
	}
	s.consecutiveFailures = 0
	s.embedded++
	s.window++

	emb := toVec(raw)
	best, second, bestSim, secondSim := bestMatch(s.clusters, emb)

	duration := end - start

	switch {
	case best >= 0 && bestSim >= s.config.Tau:
		// Лучший кластер достаточно близок - дописываем
		cl := s.clusters[best]
		cl.updateCentroid(emb)
		cl.Count++
		cl.LastUpdate = s.window
		cl.Duration += duration

		overlapping := second >= 0 && bestSim-secondSim < s.config.OverlapMargin
		segments := []AudioSegment{{Start: start, End: end, Cluster: cl.ID, Overlapping: overlapping}}
		if overlapping {
			other := s.clusters[second]
			other.Duration += duration
			segments = append(segments, AudioSegment{Start: start, End: end, Cluster: other.ID, Overlapping: true})
		}
		return segments, nil

	case len(s.clusters) >= s.config.MaxActiveClusters:
		// Потолок кластеров: окно принудительно уходит в least-recently-updated
		// кластер с флагом перекрытия - эвристика вместо отказа
		lru := s.clusters[0]
		for _, cl := range s.clusters[1:] {
			if cl.LastUpdate < lru.LastUpdate {
				lru = cl
			}
		}
		lru.updateCentroid(emb)
		lru.Count++
		lru.LastUpdate = s.window
		lru.Duration += duration
		log.Printf("[Stream] cluster cap reached (%d), forcing window into cluster %d", s.config.MaxActiveClusters, lru.ID)
		return []AudioSegment{{Start: start, End: end, Cluster: lru.ID, Overlapping: true}}, nil

	default:
		// Новый спикер
		cl := &SpeakerCluster{ID: s.nextID, Count: 1, LastUpdate: s.window, Duration: duration}
		cl.updateCentroid(emb)
		s.nextID++
		s.clusters = append(s.clusters, cl)
		return []AudioSegment{{Start: start, End: end, Cluster: cl.ID}}, nil
	}
}

// Clusters возвращает живые кластеры запуска (для записи аудит-профилей
// при завершении). Владение остаётся за сегментатором.
func (s *StreamSegmenter) Clusters() []*SpeakerCluster {
	return s.clusters
}

var _ Segmenter = (*StreamSegmenter)(nil)
