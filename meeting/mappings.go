package meeting

import (
	"log"
	"sort"
	"sync"
	"time"

	"speakerlens/diarize"
)

// mappingBook маппинги "метка спикера -> имя" одной встречи.
// История только дописывается, текущее состояние выводится из неё.
// Ручная правка блокирует метку от автоматической идентификации навсегда,
// в том числе при повторных запусках.
type mappingBook struct {
	mu        sync.Mutex
	current   map[string]diarize.SpeakerMapping
	history   []diarize.SpeakerMapping
	conflicts int
}

func newMappingBook() *mappingBook {
	return &mappingBook{current: make(map[string]diarize.SpeakerMapping)}
}

// Apply фиксирует маппинг. Возвращает false если маппинг отвергнут
// (автоматическая идентификация против ручной правки).
func (b *mappingBook) Apply(m diarize.SpeakerMapping) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m.At.IsZero() {
		m.At = time.Now()
	}

	existing, ok := b.current[m.Speaker]
	if ok && existing.Source == diarize.SourceManual {
		if m.Source != diarize.SourceManual {
			log.Printf("[Mappings] %q: identification %q rejected, manual mapping %q holds",
				m.Speaker, m.Name, existing.Name)
			return false
		}
		// Две ручные правки одной метки: побеждает последняя
		b.conflicts++
		log.Printf("[Mappings] %q: manual conflict, %q replaces %q (%v)",
			m.Speaker, m.Name, existing.Name, diarize.ErrConflict)
	}

	b.current[m.Speaker] = m
	b.history = append(b.history, m)
	return true
}

// Name возвращает текущее имя метки
func (b *mappingBook) Name(speaker string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.current[speaker]
	if !ok {
		return "", false
	}
	return m.Name, true
}

// ManualLocked возвращает true если метка закреплена ручной правкой
func (b *mappingBook) ManualLocked(speaker string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.current[speaker]
	return ok && m.Source == diarize.SourceManual
}

// Current возвращает действующие маппинги, отсортированные по метке
func (b *mappingBook) Current() []diarize.SpeakerMapping {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]diarize.SpeakerMapping, 0, len(b.current))
	for _, m := range b.current {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Speaker < result[j].Speaker })
	return result
}

// History возвращает копию полной истории в порядке фиксации
func (b *mappingBook) History() []diarize.SpeakerMapping {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]diarize.SpeakerMapping, len(b.history))
	copy(result, b.history)
	return result
}

// Rename применяет действующие маппинги к меткам реплик
func (b *mappingBook) Rename(utterances []diarize.LabeledUtterance) []diarize.LabeledUtterance {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]diarize.LabeledUtterance, len(utterances))
	copy(result, utterances)
	for i := range result {
		if m, ok := b.current[result[i].Speaker]; ok {
			result[i].Speaker = m.Name
		}
	}
	return result
}
