package meeting

import (
	"log"
	"sync"
)

// chunkQueue ограниченная очередь аудио-чанков realtime-запуска.
// Переполнение не блокирует отправителя: чанк отбрасывается с учётом,
// а глубина выше порога помечает запуск деградировавшим.
type chunkQueue struct {
	ch        chan []float32
	threshold int

	mu      sync.Mutex
	closed  bool
	dropped int
	backlog bool
}

func newChunkQueue(size, threshold int) *chunkQueue {
	if size <= 0 {
		size = 32
	}
	if threshold <= 0 || threshold > size {
		threshold = size * 3 / 4
	}
	return &chunkQueue{
		ch:        make(chan []float32, size),
		threshold: threshold,
	}
}

// Push ставит чанк в очередь. Возвращает false если чанк отброшен.
func (q *chunkQueue) Push(chunk []float32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	select {
	case q.ch <- chunk:
		if len(q.ch) > q.threshold && !q.backlog {
			q.backlog = true
			log.Printf("[Queue] backlog above threshold (%d/%d), run degraded", len(q.ch), cap(q.ch))
		}
		return true
	default:
		q.dropped++
		log.Printf("[Queue] full, chunk dropped (total dropped: %d)", q.dropped)
		return false
	}
}

// Chunks канал для потребителя. Закрывается вместе с очередью.
func (q *chunkQueue) Chunks() <-chan []float32 {
	return q.ch
}

// Close закрывает очередь для записи
func (q *chunkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Backlogged возвращает true если глубина очереди превышала порог
func (q *chunkQueue) Backlogged() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog
}

// Dropped возвращает количество отброшенных чанков
func (q *chunkQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
