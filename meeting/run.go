package meeting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"speakerlens/diarize"
)

// run один запуск обработки встречи. Живёт от StartMeeting до завершения
// пайплайна; после завершения остаётся доступным для ручных правок имён.
type run struct {
	manager *Manager
	meeting *Meeting

	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}

	mappings *mappingBook
	queue    *chunkQueue

	mu         sync.Mutex
	finished   bool
	batch      [][]float32 // batch-режим копит чанки до finish
	transcript []diarize.TranscriptUtterance
	labeled    []diarize.LabeledUtterance
	finishCh   chan struct{}
}

func newRun(m *Manager, meeting *Meeting) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		manager:  m,
		meeting:  meeting,
		ctx:      ctx,
		cancelFn: cancel,
		done:     make(chan struct{}),
		mappings: newMappingBook(),
		queue:    newChunkQueue(m.config.QueueSize, m.config.BacklogThreshold),
		finishCh: make(chan struct{}),
	}
}

func (r *run) start() {
	go r.loop()
}

func (r *run) pushChunk(samples []float32) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return fmt.Errorf("meeting %s no longer accepts audio", r.meeting.ID)
	}
	if r.meeting.Config.ProcessingMode == diarize.ModeBatch {
		chunk := make([]float32, len(samples))
		copy(chunk, samples)
		r.batch = append(r.batch, chunk)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	chunk := make([]float32, len(samples))
	copy(chunk, samples)
	if !r.queue.Push(chunk) {
		return fmt.Errorf("chunk dropped: realtime queue full")
	}
	return nil
}

func (r *run) pushTranscript(utterances []diarize.TranscriptUtterance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return fmt.Errorf("meeting %s no longer accepts transcript", r.meeting.ID)
	}
	r.transcript = append(r.transcript, utterances...)
	return nil
}

// finish закрывает приём данных. Идемпотентно.
func (r *run) finish() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.mu.Unlock()

	r.queue.Close()
	close(r.finishCh)
}

func (r *run) cancel() {
	r.cancelFn()
	r.finish()
}

func (r *run) wait() {
	<-r.done
}

// loop основной цикл запуска: построение сегментера, приём аудио,
// слияние с транскриптом, идентификация, статистика и сохранение.
func (r *run) loop() {
	defer close(r.done)
	defer r.manager.releaseRun(r.meeting.ID)
	defer r.cancelFn()

	cfg := r.meeting.Config
	selector := r.manager.deps.NewSelector(cfg)

	segments, runErr := r.collectSegments(cfg, selector)

	cancelled := r.ctx.Err() != nil

	// Слияние и идентификация идут даже при частичных сегментах:
	// отмена и сбой сегментации не выбрасывают уже полученное
	merge := diarize.NewMerger().Merge(segments, r.snapshotTranscript())

	r.mu.Lock()
	r.labeled = merge.Utterances
	r.mu.Unlock()

	if runErr == nil && !cancelled && cfg.EnableIdentification {
		r.identify(cfg, selector, merge.Utterances)
	}

	r.finalize(selector, segments, merge, runErr, cancelled)
}

// collectSegments прогоняет все аудио-чанки через сегментер выбранной
// стратегии и возвращает сегменты за весь запуск
func (r *run) collectSegments(cfg diarize.Config, selector diarize.Selector) ([]diarize.AudioSegment, error) {
	segmenter, err := r.buildSegmenter(cfg, selector)
	if err != nil {
		return nil, err
	}

	var segments []diarize.AudioSegment
	var total float64

	consume := func(chunk []float32) error {
		// Отмена проверяется между чанками, не посреди вызова провайдера
		if err := r.ctx.Err(); err != nil {
			return err
		}
		segs, err := segmenter.Push(r.ctx, chunk)
		if err != nil {
			return err
		}
		segments = append(segments, segs...)
		total += float64(len(chunk)) / float64(diarize.DefaultSegmenterConfig().SampleRate)
		return nil
	}

	if cfg.ProcessingMode == diarize.ModeBatch {
		<-r.finishCh
		for _, chunk := range r.snapshotBatch() {
			if err = consume(chunk); err != nil {
				break
			}
		}
	} else {
		for chunk := range r.queue.Chunks() {
			if err = consume(chunk); err != nil {
				// Закрываем приём и дочитываем очередь, чтобы
				// отправители не зависли
				r.finish()
				for range r.queue.Chunks() {
				}
				break
			}
		}
	}

	r.manager.mu.Lock()
	r.meeting.TotalAudioDuration = total
	r.manager.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return segments, nil
		}
		return segments, err
	}

	tail, err := segmenter.Finish(r.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return segments, nil
		}
		return segments, err
	}
	segments = append(segments, tail...)

	r.recordProfiles(segmenter, segments)
	return segments, nil
}

// buildSegmenter выбирает стратегию сегментации. Ошибка выбора до первого
// чанка фатальна: privacy-политика невыполнима на этой машине.
func (r *run) buildSegmenter(cfg diarize.Config, selector diarize.Selector) (diarize.Segmenter, error) {
	target, err := selector.Select(diarize.CapabilitySegmentation)
	if err != nil {
		return nil, err
	}

	segCfg := diarize.DefaultSegmenterConfig()
	embedder := r.manager.deps.NewEmbedder(selector, r.manager.config.ProviderTimeout)

	if cfg.ProcessingMode == diarize.ModeBatch {
		var fast diarize.OfflineDiarizer
		if target == diarize.TargetLocal && r.manager.deps.Fast != nil {
			fast = r.manager.deps.Fast
		}
		return diarize.NewBatchSegmenter(segCfg, embedder, fast), nil
	}
	return diarize.NewStreamSegmenter(segCfg, embedder), nil
}

// identify запускает извлечение имён и фиксирует маппинги по порогу
func (r *run) identify(cfg diarize.Config, selector diarize.Selector, utterances []diarize.LabeledUtterance) {
	identifier := diarize.NewIdentifier(selector, r.manager.deps.External)
	candidates, err := identifier.Identify(r.ctx, utterances)
	if err != nil {
		// Идентификация вторична: её сбой не роняет запуск
		log.Printf("[Meeting] %s: identification failed: %v", r.meeting.ID, err)
		return
	}

	for _, c := range candidates {
		if c.Confidence < cfg.ConfidenceThreshold {
			// LowConfidence: наблюдение, метка остаётся как есть
			log.Printf("[Meeting] %s: low confidence for %q: %q (%.2f < %.2f)",
				r.meeting.ID, c.Speaker, c.Name, c.Confidence, cfg.ConfidenceThreshold)
			continue
		}
		r.mappings.Apply(diarize.SpeakerMapping{
			Speaker:    c.Speaker,
			Name:       c.Name,
			Confidence: c.Confidence,
			Source:     diarize.SourceIdentification,
			At:         time.Now(),
		})
	}
}

// recordProfiles пишет аудиторские записи центроидов кластеров
func (r *run) recordProfiles(segmenter diarize.Segmenter, segments []diarize.AudioSegment) {
	store := r.manager.deps.Profiles
	if store == nil {
		return
	}
	withClusters, ok := segmenter.(interface{ Clusters() []*diarize.SpeakerCluster })
	if !ok {
		return
	}

	labels := diarize.LabelClusters(segments)
	for _, cluster := range withClusters.Clusters() {
		if len(cluster.Centroid) == 0 {
			continue
		}
		label, ok := labels[cluster.ID]
		if !ok {
			continue
		}
		if _, err := store.Record(r.meeting.ID, label, cluster.Centroid); err != nil {
			log.Printf("[Meeting] %s: profile record failed: %v", r.meeting.ID, err)
		}
	}
}

// finalize фиксирует итоговое состояние встречи и сохраняет его
func (r *run) finalize(selector diarize.Selector, segments []diarize.AudioSegment, merge diarize.MergeResult, runErr error, cancelled bool) {
	r.mu.Lock()
	labeled := r.labeled
	r.mu.Unlock()

	m := r.meeting
	mgr := r.manager

	mgr.mu.Lock()
	now := time.Now()
	m.EndedAt = &now
	m.Segments = segments
	m.AlignmentFailures = merge.AlignmentFailures
	m.DroppedChunks = r.queue.Dropped()
	m.Degraded = selector.Degraded() || r.queue.Backlogged()
	m.Mappings = r.mappings.Current()
	m.Utterances = r.mappings.Rename(labeled)
	m.Statistics = diarize.Aggregate(m.Utterances, m.TotalAudioDuration)

	switch {
	case runErr != nil:
		m.Status = StatusFailed
		m.Error = runErr.Error()
	case cancelled:
		m.Status = StatusCancelled
	default:
		m.Status = StatusCompleted
	}
	mgr.mu.Unlock()

	if err := mgr.persist(m); err != nil {
		log.Printf("[Meeting] %s: %v", m.ID, err)
		mgr.mu.Lock()
		if m.Error == "" {
			m.Error = err.Error()
		}
		mgr.mu.Unlock()
	}

	mgr.emitStatus(m)
}

func (r *run) labeledSnapshot() []diarize.LabeledUtterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]diarize.LabeledUtterance, len(r.labeled))
	copy(result, r.labeled)
	return result
}

func (r *run) snapshotBatch() [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batch
}

func (r *run) snapshotTranscript() []diarize.TranscriptUtterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]diarize.TranscriptUtterance, len(r.transcript))
	copy(result, r.transcript)
	return result
}
