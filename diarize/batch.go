package diarize

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// OfflineDiarizer полный локальный диаризатор: сегментация и кластеризация
// всей записи одним вызовом (ускоренный путь для batch-режима).
type OfflineDiarizer interface {
	Diarize(samples []float32) ([]AudioSegment, error)
}

// BatchSegmenter глобальная кластеризация: накапливает всю запись в Push,
// кластеризует полный набор эмбеддингов в Finish. Точность максимальна,
// сегменты не выдаются до завершения.
type BatchSegmenter struct {
	config   SegmenterConfig
	embedder Embedder
	fast     OfflineDiarizer // опционально; nil если не установлен или запрещён роутером

	samples []float32

	// Финальные кластеры после Finish (для аудит-профилей)
	final []*SpeakerCluster
}

// NewBatchSegmenter создаёт batch-сегментатор.
// fast передаётся только когда роутер выбрал локальное исполнение.
func NewBatchSegmenter(config SegmenterConfig, embedder Embedder, fast OfflineDiarizer) *BatchSegmenter {
	return &BatchSegmenter{
		config:   config,
		embedder: embedder,
		fast:     fast,
		samples:  make([]float32, 0, config.SampleRate*60),
	}
}

// Push накапливает аудио; batch-режим ничего не эмитит до Finish
func (b *BatchSegmenter) Push(ctx context.Context, samples []float32) ([]AudioSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.samples = append(b.samples, samples...)
	return nil, nil
}

// Finish выполняет глобальную кластеризацию и возвращает все сегменты
func (b *BatchSegmenter) Finish(ctx context.Context) ([]AudioSegment, error) {
	if len(b.samples) == 0 {
		return nil, nil
	}

	// Ускоренный путь: полный локальный диаризатор
	if b.fast != nil {
		segments, err := b.fast.Diarize(b.samples)
		if err == nil {
			b.final = b.fastClusters(ctx, segments)
			return segments, nil
		}
		log.Printf("[Batch] offline diarizer failed, falling back to embedding clustering: %v", err)
	}

	return b.clusterWindows(ctx)
}

// batchWindow окно анализа с эмбеддингом
type batchWindow struct {
	start, end float64
	emb        []float64
}

// clusterWindows нарезает запись на окна, извлекает эмбеддинги и
// кластеризует полный набор
func (b *BatchSegmenter) clusterWindows(ctx context.Context) ([]AudioSegment, error) {
	winSize := b.config.windowSamples()
	minSize := b.config.SampleRate / 10 // окна короче 0.1с - тишина или шум

	var windows []batchWindow
	consecutiveFailures := 0
	attempted := 0

	for pos := 0; pos < len(b.samples); pos += winSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := pos + winSize
		if end > len(b.samples) {
			end = len(b.samples)
		}
		if end-pos < minSize {
			continue
		}

		attempted++
		emb, err := b.embedder.Embed(ctx, b.samples[pos:end])
		if err != nil {
			// Сбой одного окна не прерывает запуск: окно остаётся
			// неприсвоенным и пропускается
			consecutiveFailures++
			log.Printf("[Batch] window embed failed (consecutive=%d): %v", consecutiveFailures, err)
			continue
		}
		consecutiveFailures = 0

		windows = append(windows, batchWindow{
			start: float64(pos) / float64(b.config.SampleRate),
			end:   float64(end) / float64(b.config.SampleRate),
			emb:   toVec(emb),
		})
	}

	if attempted > 0 && len(windows) == 0 {
		return nil, &CapabilityError{
			Capability: CapabilitySegmentation,
			Reason:     "embedding extraction unavailable for entire run",
			Err:        ErrModelUnavailable,
		}
	}
	if len(windows) == 0 {
		return nil, nil
	}

	// Глобальная кластеризация
	embeddings := make([][]float64, len(windows))
	for i, w := range windows {
		embeddings[i] = w.emb
	}
	assignment := clusterAgglomerative(embeddings, b.config.Tau)

	// Шумоподавление: короткие кластеры вливаются в ближайший выживший
	assignment = b.mergeShortClusters(windows, assignment)

	// Центроиды финальных кластеров для детекции перекрытий
	centroids := buildCentroids(windows, assignment)

	b.final = b.final[:0]
	counts := make(map[int]int)
	durations := make(map[int]float64)
	for i, w := range windows {
		counts[assignment[i]]++
		durations[assignment[i]] += w.end - w.start
	}
	var ids []int
	for id := range centroids {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		b.final = append(b.final, &SpeakerCluster{
			ID:       id,
			Centroid: centroids[id],
			Count:    counts[id],
			Duration: durations[id],
		})
	}

	return b.emitSegments(windows, assignment, centroids), nil
}

// Clusters возвращает финальные кластеры запуска после Finish.
func (b *BatchSegmenter) Clusters() []*SpeakerCluster {
	return b.final
}

// fastClusters восстанавливает кластеры по сегментам ускоренного пути.
// Центроид берётся с самого длинного сегмента кластера (не длиннее одного
// окна анализа); сбой эмбеддинга одного кластера не прерывает запуск,
// такой кластер просто не попадает в аудит
func (b *BatchSegmenter) fastClusters(ctx context.Context, segments []AudioSegment) []*SpeakerCluster {
	minSize := b.config.SampleRate / 10

	counts := make(map[int]int)
	durations := make(map[int]float64)
	longest := make(map[int]AudioSegment)
	for _, seg := range segments {
		counts[seg.Cluster]++
		durations[seg.Cluster] += seg.End - seg.Start
		if cur, ok := longest[seg.Cluster]; !ok || seg.End-seg.Start > cur.End-cur.Start {
			longest[seg.Cluster] = seg
		}
	}

	var ids []int
	for id := range longest {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var clusters []*SpeakerCluster
	for _, id := range ids {
		seg := longest[id]
		start := int(seg.Start * float64(b.config.SampleRate))
		end := int(seg.End * float64(b.config.SampleRate))
		if end > start+b.config.windowSamples() {
			end = start + b.config.windowSamples()
		}
		if start < 0 {
			start = 0
		}
		if end > len(b.samples) {
			end = len(b.samples)
		}
		if end-start < minSize {
			continue
		}

		emb, err := b.embedder.Embed(ctx, b.samples[start:end])
		if err != nil {
			log.Printf("[Batch] cluster %d audit embedding failed: %v", id, err)
			continue
		}
		clusters = append(clusters, &SpeakerCluster{
			ID:       id,
			Centroid: toVec(emb),
			Count:    counts[id],
			Duration: durations[id],
		})
	}
	return clusters
}

// mergeShortClusters вливает кластеры с суммарной длительностью ниже
// MinClusterDuration в ближайший (по центроиду) выживший кластер
func (b *BatchSegmenter) mergeShortClusters(windows []batchWindow, assignment []int) []int {
	durations := make(map[int]float64)
	for i, w := range windows {
		durations[assignment[i]] += w.end - w.start
	}

	centroids := buildCentroids(windows, assignment)

	var survivors []int
	for id, d := range durations {
		if d >= b.config.MinClusterDuration {
			survivors = append(survivors, id)
		}
	}
	// Всё короткое - оставляем как есть, вливать некуда
	if len(survivors) == 0 || len(survivors) == len(durations) {
		return assignment
	}
	sort.Ints(survivors)

	remap := make(map[int]int)
	for id := range durations {
		if durations[id] >= b.config.MinClusterDuration {
			remap[id] = id
			continue
		}
		best := survivors[0]
		bestSim := -2.0
		for _, s := range survivors {
			sim := cosineSimilarity(centroids[id], centroids[s])
			if sim > bestSim {
				bestSim = sim
				best = s
			}
		}
		remap[id] = best
	}

	result := make([]int, len(assignment))
	for i, id := range assignment {
		result[i] = remap[id]
	}
	return result
}

// emitSegments помечает перекрытия, склеивает соседние окна одного кластера
// и возвращает сегменты в порядке неубывания Start
func (b *BatchSegmenter) emitSegments(windows []batchWindow, assignment []int, centroids map[int][]float64) []AudioSegment {
	ids := make([]int, 0, len(centroids))
	for id := range centroids {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var segments []AudioSegment
	for i, w := range windows {
		primary := assignment[i]

		// Перекрытие: top-2 сходства в пределах OverlapMargin.
		// Окно засчитывается обоим кластерам для учёта времени.
		best, second := -1, -1
		bestSim, secondSim := -2.0, -2.0
		for _, id := range ids {
			sim := cosineSimilarity(centroids[id], w.emb)
			if sim > bestSim {
				second, secondSim = best, bestSim
				best, bestSim = id, sim
			} else if sim > secondSim {
				second, secondSim = id, sim
			}
		}

		overlapping := second >= 0 && bestSim-secondSim < b.config.OverlapMargin
		segments = append(segments, AudioSegment{Start: w.start, End: w.end, Cluster: primary, Overlapping: overlapping})
		if overlapping {
			// Второй участник перекрытия - ближайший кластер, отличный от основного
			other := best
			if other == primary {
				other = second
			}
			if other != primary {
				segments = append(segments, AudioSegment{Start: w.start, End: w.end, Cluster: other, Overlapping: true})
			}
		}
	}

	segments = coalesceSegments(segments)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	log.Printf("[Batch] %d windows -> %d segments, %d clusters", len(windows), len(segments), len(ids))
	return segments
}

// buildCentroids вычисляет нормализованный средний эмбеддинг каждого кластера
func buildCentroids(windows []batchWindow, assignment []int) map[int][]float64 {
	centroids := make(map[int][]float64)
	counts := make(map[int]int)
	for i, w := range windows {
		id := assignment[i]
		if centroids[id] == nil {
			centroids[id] = make([]float64, len(w.emb))
		}
		for j, x := range w.emb {
			centroids[id][j] += x
		}
		counts[id]++
	}
	for id, c := range centroids {
		for j := range c {
			c[j] /= float64(counts[id])
		}
		normalize(c)
	}
	return centroids
}

// coalesceSegments склеивает смежные сегменты одного кластера.
// Флаг Overlapping сохраняется если перекрыт любой из склеенных.
func coalesceSegments(segments []AudioSegment) []AudioSegment {
	if len(segments) == 0 {
		return segments
	}

	// Группируем по кластеру, склеиваем внутри группы
	byCluster := make(map[int][]AudioSegment)
	for _, s := range segments {
		byCluster[s.Cluster] = append(byCluster[s.Cluster], s)
	}

	var out []AudioSegment
	for _, group := range byCluster {
		sort.SliceStable(group, func(i, j int) bool { return group[i].Start < group[j].Start })
		cur := group[0]
		for _, s := range group[1:] {
			const eps = 1e-9
			if s.Start <= cur.End+eps {
				if s.End > cur.End {
					cur.End = s.End
				}
				cur.Overlapping = cur.Overlapping || s.Overlapping
			} else {
				out = append(out, cur)
				cur = s
			}
		}
		out = append(out, cur)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Cluster < out[j].Cluster
	})
	return out
}

var _ Segmenter = (*BatchSegmenter)(nil)

// String для диагностики
func (b *BatchSegmenter) String() string {
	return fmt.Sprintf("BatchSegmenter(window=%.1fs, tau=%.2f)", b.config.WindowDuration, b.config.Tau)
}
