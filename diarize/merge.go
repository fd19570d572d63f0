package diarize

import (
	"log"
	"sort"
)

// Merger сопоставляет кластеризованные аудио-сегменты с репликами
// транскрипции. Метки "Speaker N" назначаются кластерам в порядке первого
// появления и фиксируются до конца запуска: повторный прогон на тех же
// данных даёт идентичные метки.
type Merger struct {
	// GapTolerance реплика без пересечения с сегментами получает метку
	// UnknownSpeaker, если ближайший сегмент дальше этого допуска (сек)
	GapTolerance float64
}

// MergeResult результат слияния
type MergeResult struct {
	Utterances []LabeledUtterance
	// AlignmentFailures количество реплик без временного совпадения
	// (нефатально, отражается в наблюдаемости запуска)
	AlignmentFailures int
}

// NewMerger создаёт merger с допуском по умолчанию
func NewMerger() *Merger {
	return &Merger{GapTolerance: 0.5}
}

// Merge присваивает каждой реплике кластер с максимальным временным
// перекрытием. Порядок реплик транскрипта сохраняется.
func (m *Merger) Merge(segments []AudioSegment, utterances []TranscriptUtterance) MergeResult {
	// Кластеры в порядке первого появления по времени
	ordered := make([]AudioSegment, len(segments))
	copy(ordered, segments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	labels := newLabeler()
	for _, seg := range ordered {
		labels.Label(seg.Cluster)
	}

	result := MergeResult{Utterances: make([]LabeledUtterance, 0, len(utterances))}

	for _, u := range utterances {
		cluster, confidence, overlapping, ok := m.attribute(ordered, u)

		lu := LabeledUtterance{
			Text:  u.Text,
			Start: u.Start,
			End:   u.End,
		}
		if ok {
			lu.Speaker = labels.Label(cluster)
			lu.Confidence = confidence
			lu.Overlapping = overlapping
		} else {
			// AlignmentFailure: реплика без совпадения, сентинел вместо метки
			lu.Speaker = UnknownSpeaker
			lu.Confidence = 0
			result.AlignmentFailures++
			log.Printf("[Merger] no segment within %.1fs of utterance [%.2f-%.2f]", m.GapTolerance, u.Start, u.End)
		}
		result.Utterances = append(result.Utterances, lu)
	}

	return result
}

// LabelClusters возвращает метки кластеров в порядке их первого появления
// по времени. Правило то же, что у Merge: одни и те же сегменты всегда
// дают одни и те же метки.
func LabelClusters(segments []AudioSegment) map[int]string {
	ordered := make([]AudioSegment, len(segments))
	copy(ordered, segments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	labels := newLabeler()
	for _, seg := range ordered {
		labels.Label(seg.Cluster)
	}
	return labels.labels
}

// attribute находит кластер с максимальным перекрытием для реплики.
// Сегменты в пределах GapTolerance от границ реплики тоже участвуют,
// но нулевое перекрытие даёт нулевую уверенность.
func (m *Merger) attribute(segments []AudioSegment, u TranscriptUtterance) (cluster int, confidence float64, overlapping bool, ok bool) {
	bestOverlap := 0.0
	bestGap := -1.0
	bestGapCluster := 0
	bestGapOverlapping := false

	for _, seg := range segments {
		overlapStart := u.Start
		if seg.Start > overlapStart {
			overlapStart = seg.Start
		}
		overlapEnd := u.End
		if seg.End < overlapEnd {
			overlapEnd = seg.End
		}
		overlap := overlapEnd - overlapStart

		if overlap > bestOverlap {
			bestOverlap = overlap
			cluster = seg.Cluster
			overlapping = seg.Overlapping
			continue
		}

		// Нет пересечения: запоминаем ближайший сегмент в пределах допуска
		if overlap <= 0 {
			gap := -overlap
			if gap <= m.GapTolerance && (bestGap < 0 || gap < bestGap) {
				bestGap = gap
				bestGapCluster = seg.Cluster
				bestGapOverlapping = seg.Overlapping
			}
		}
	}

	if bestOverlap > 0 {
		dur := u.Duration()
		if dur <= 0 {
			return cluster, 0, overlapping, true
		}
		conf := bestOverlap / dur
		if conf > 1 {
			conf = 1
		}
		return cluster, conf, overlapping, true
	}

	if bestGap >= 0 {
		// Сегмент рядом, но без пересечения: атрибуция с нулевой уверенностью
		return bestGapCluster, 0, bestGapOverlapping, true
	}

	return 0, 0, false, false
}
