package diarize

import (
	"context"
	"fmt"
)

// Embedder извлекает голосовой эмбеддинг из окна аудио (16kHz mono float32).
// Вызов может блокироваться на инференсе или сети - вызывающий обязан
// передавать ctx с таймаутом.
type Embedder interface {
	Embed(ctx context.Context, samples []float32) ([]float32, error)
}

// Analyzer анализирует текст транскрипта и извлекает кандидатов имён
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) ([]NameCandidate, error)
}

// Selector выбирает цель исполнения для способности согласно privacy-политике
// запуска и ведёт состояние circuit breaker по внешним сбоям.
type Selector interface {
	Select(capability Capability) (Target, error)
	ReportFailure(capability Capability)
	ReportSuccess(capability Capability)
	Degraded() bool
}

// Segmenter превращает аудио в упорядоченную последовательность AudioSegment.
// Две стратегии за одним интерфейсом: batch (глобальная кластеризация после
// Finish) и realtime (append-only, сегменты выдаются из Push).
type Segmenter interface {
	// Push принимает очередную порцию аудио. Batch-реализация накапливает
	// и ничего не возвращает; realtime возвращает новые сегменты.
	Push(ctx context.Context, samples []float32) ([]AudioSegment, error)
	// Finish завершает обработку и возвращает оставшиеся сегменты.
	// Сегменты за весь запуск упорядочены по неубыванию Start.
	Finish(ctx context.Context) ([]AudioSegment, error)
}

// SegmenterConfig общие параметры сегментации для обеих стратегий
type SegmenterConfig struct {
	SampleRate     int     // Гц, ожидается 16000
	WindowDuration float64 // длина окна анализа (сек)
	// Tau порог косинусного сходства для присвоения окна кластеру
	Tau float64
	// OverlapMargin если top-2 сходства различаются меньше чем на это
	// значение, окно считается перекрытием двух спикеров
	OverlapMargin float64
	// MaxActiveClusters мягкий потолок активных кластеров (realtime).
	// При достижении новое окно принудительно уходит в least-recently-updated
	// кластер с флагом Overlapping, а не отбрасывается.
	MaxActiveClusters int
	// MinClusterDuration кластеры короче этого суммарно (сек) вливаются
	// в ближайший выживший кластер (batch, шумоподавление)
	MinClusterDuration float64
	// MaxConsecutiveFailures после стольких подряд сбоев эмбеддинга окна
	// засчитываются роутеру для circuit breaking
	MaxConsecutiveFailures int
}

// DefaultSegmenterConfig возвращает параметры для разговорного аудио 16kHz
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		SampleRate:             16000,
		WindowDuration:         1.5,
		Tau:                    0.70,
		OverlapMargin:          0.05,
		MaxActiveClusters:      8,
		MinClusterDuration:     3.0,
		MaxConsecutiveFailures: 3,
	}
}

// windowSamples возвращает размер окна в семплах
func (c SegmenterConfig) windowSamples() int {
	n := int(c.WindowDuration * float64(c.SampleRate))
	if n < 1 {
		n = 1
	}
	return n
}

// labeler присваивает человекочитаемые метки кластерам в порядке первого
// появления. Метка закрепляется за кластером до конца запуска.
type labeler struct {
	labels map[int]string
	next   int
}

func newLabeler() *labeler {
	return &labeler{labels: make(map[int]string), next: 1}
}

// Label возвращает метку кластера, создавая её при первом обращении
func (l *labeler) Label(cluster int) string {
	if lbl, ok := l.labels[cluster]; ok {
		return lbl
	}
	lbl := speakerLabel(l.next)
	l.labels[cluster] = lbl
	l.next++
	return lbl
}

func speakerLabel(n int) string {
	return fmt.Sprintf("Speaker %d", n)
}
