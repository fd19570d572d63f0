package provider

import (
	"context"
	"fmt"
	"log"
	"time"

	"speakerlens/diarize"
)

// RoutedEmbedder направляет каждое окно локальному или внешнему энкодеру
// согласно селектору запуска. Внешний сбой учитывается в breaker и
// тут же разрешается повторным выбором: privacy-политика решает,
// падать или деградировать на локальную модель.
//
// Таймаут применяется к каждой попытке отдельно: истёкший дедлайн
// внешнего вызова - обычный внешний сбой, после которого локальная
// попытка стартует со свежим дедлайном. Отмена родительского контекста
// (остановка запуска) в breaker не засчитывается.
type RoutedEmbedder struct {
	selector diarize.Selector
	local    diarize.Embedder
	external diarize.Embedder
	timeout  time.Duration
}

// NewRoutedEmbedder создаёт маршрутизируемый энкодер.
// local может быть nil если локальная модель не установлена.
// timeout <= 0 отключает ограничение времени на попытку.
func NewRoutedEmbedder(selector diarize.Selector, local, external diarize.Embedder, timeout time.Duration) *RoutedEmbedder {
	return &RoutedEmbedder{selector: selector, local: local, external: external, timeout: timeout}
}

// Embed извлекает эмбеддинг окна через выбранную цель
func (r *RoutedEmbedder) Embed(ctx context.Context, samples []float32) ([]float32, error) {
	target, err := r.selector.Select(diarize.CapabilitySegmentation)
	if err != nil {
		return nil, err
	}

	if target == diarize.TargetLocal {
		return r.embedLocal(ctx, samples)
	}

	embedding, err := r.embedAttempt(ctx, r.external, samples)
	if err == nil {
		r.selector.ReportSuccess(diarize.CapabilitySegmentation)
		return embedding, nil
	}
	// Проверяется родительский контекст: дедлайн попытки сюда не попадает
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	log.Printf("[Embedder] external request failed: %v", err)
	r.selector.ReportFailure(diarize.CapabilitySegmentation)

	// Повторный выбор: в prefer_external политике это fallback на локальную
	// модель, в external_only - ошибка как есть
	target, selErr := r.selector.Select(diarize.CapabilitySegmentation)
	if selErr != nil || target != diarize.TargetLocal {
		return nil, err
	}
	return r.embedLocal(ctx, samples)
}

// embedAttempt одна попытка со своим дедлайном
func (r *RoutedEmbedder) embedAttempt(ctx context.Context, embedder diarize.Embedder, samples []float32) ([]float32, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return embedder.Embed(ctx, samples)
}

func (r *RoutedEmbedder) embedLocal(ctx context.Context, samples []float32) ([]float32, error) {
	if r.local == nil {
		return nil, &diarize.CapabilityError{
			Capability: diarize.CapabilitySegmentation,
			Reason:     "no local model installed",
			Err:        diarize.ErrModelUnavailable,
		}
	}
	embedding, err := r.embedAttempt(ctx, r.local, samples)
	if err != nil {
		return nil, fmt.Errorf("local embedder: %w", err)
	}
	return embedding, nil
}

var _ diarize.Embedder = (*RoutedEmbedder)(nil)
