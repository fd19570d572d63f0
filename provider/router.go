// Package provider реализует выбор исполнителя (локальная модель или
// внешний API) для способностей пайплайна и конкретных провайдеров:
// локальный ONNX-энкодер, sherpa-диаризатор, внешние HTTP-провайдеры.
package provider

import (
	"log"
	"os"
	"sync"

	"speakerlens/diarize"
)

// Переменные окружения с credentials внешних провайдеров.
// Читаются только роутером и только в момент выбора.
var (
	segmentationCredVars   = []string{"HUGGINGFACE_API_KEY", "HF_TOKEN"}
	identificationCredVars = []string{"OPENAI_API_KEY"}
)

// RouterConfig конфигурация роутера
type RouterConfig struct {
	// BreakerLimit после стольких подряд внешних сбоев в рамках запуска
	// внешний провайдер больше не опрашивается (до конца запуска)
	BreakerLimit int
}

// DefaultRouterConfig возвращает конфигурацию по умолчанию
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{BreakerLimit: 3}
}

// Router фабрика per-run селекторов. Знает, какие локальные реализации
// реально загружены; наличие credentials проверяет при каждом выборе.
type Router struct {
	config RouterConfig
	local  map[diarize.Capability]bool
}

// NewRouter создаёт роутер. localSegmentation/localIdentification - признаки
// что локальная реализация способности установлена и загружена.
func NewRouter(config RouterConfig, localSegmentation, localIdentification bool) *Router {
	if config.BreakerLimit <= 0 {
		config.BreakerLimit = DefaultRouterConfig().BreakerLimit
	}
	return &Router{
		config: config,
		local: map[diarize.Capability]bool{
			diarize.CapabilitySegmentation:   localSegmentation,
			diarize.CapabilityIdentification: localIdentification,
		},
	}
}

// NewRun создаёт селектор с состоянием circuit breaker на один запуск.
// Конфигурация снимается копией: смена настроек не влияет на идущий запуск.
func (r *Router) NewRun(cfg diarize.Config) *RunRouter {
	return &RunRouter{
		privacy:  cfg.PrivacyMode,
		local:    r.local,
		limit:    r.config.BreakerLimit,
		failures: make(map[diarize.Capability]int),
		broken:   make(map[diarize.Capability]bool),
	}
}

// RunRouter селектор одного запуска. Все методы потокобезопасны.
type RunRouter struct {
	privacy diarize.PrivacyMode
	local   map[diarize.Capability]bool
	limit   int

	mu       sync.Mutex
	failures map[diarize.Capability]int
	broken   map[diarize.Capability]bool
	degraded bool
}

// Select выбирает цель исполнения для способности согласно privacy-политике
func (r *RunRouter) Select(capability diarize.Capability) (diarize.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.privacy {
	case diarize.PrivacyLocalOnly:
		if !r.local[capability] {
			return "", &diarize.CapabilityError{
				Capability: capability,
				Reason:     "no local model installed",
				Err:        diarize.ErrModelUnavailable,
			}
		}
		return diarize.TargetLocal, nil

	case diarize.PrivacyExternalOnly:
		// Без fallback: отсутствие credentials или сработавший breaker фатальны
		if !hasCredentials(capability) {
			return "", &diarize.CapabilityError{
				Capability: capability,
				Reason:     "no external credentials configured",
				Err:        diarize.ErrExternalRequired,
			}
		}
		if r.broken[capability] {
			return "", &diarize.CapabilityError{
				Capability: capability,
				Reason:     "external provider failing, fallback disabled by privacy mode",
				Err:        diarize.ErrExternalRequired,
			}
		}
		return diarize.TargetExternal, nil

	case diarize.PrivacyPreferExternal:
		if hasCredentials(capability) && !r.broken[capability] {
			return diarize.TargetExternal, nil
		}
		if r.local[capability] {
			if !r.degraded {
				log.Printf("[Router] %s: external unavailable, run degraded to local", capability)
			}
			r.degraded = true
			return diarize.TargetLocal, nil
		}
		return "", &diarize.CapabilityError{
			Capability: capability,
			Reason:     "external unavailable and no local model installed",
			Err:        diarize.ErrModelUnavailable,
		}

	default:
		return "", &diarize.ConfigError{Field: "privacyMode", Value: string(r.privacy)}
	}
}

// ReportFailure учитывает внешний сбой (таймаут, auth, rate-limit).
// После limit подряд сбоев внешний провайдер отключается до конца запуска,
// чтобы не платить таймаут на каждом чанке в streaming-режиме.
func (r *RunRouter) ReportFailure(capability diarize.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures[capability]++
	if r.failures[capability] >= r.limit && !r.broken[capability] {
		r.broken[capability] = true
		log.Printf("[Router] %s: circuit breaker open after %d consecutive external failures", capability, r.failures[capability])
	}
}

// ReportSuccess сбрасывает счётчик подряд идущих сбоев
func (r *RunRouter) ReportSuccess(capability diarize.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[capability] = 0
}

// Degraded возвращает true если запуск хоть раз падал на fallback
func (r *RunRouter) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// hasCredentials проверяет наличие credentials в окружении.
// Отсутствие - маршрутизируемое условие, не авария.
func hasCredentials(capability diarize.Capability) bool {
	var vars []string
	switch capability {
	case diarize.CapabilitySegmentation:
		vars = segmentationCredVars
	case diarize.CapabilityIdentification:
		vars = identificationCredVars
	}
	for _, v := range vars {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

var _ diarize.Selector = (*RunRouter)(nil)
