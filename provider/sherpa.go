package provider

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"speakerlens/diarize"
)

// SherpaDiarizerConfig конфигурация batch-диаризатора на базе sherpa-onnx
type SherpaDiarizerConfig struct {
	SegmentationModelPath string  // Модель сегментации (pyannote)
	EmbeddingModelPath    string  // Модель эмбеддингов (wespeaker/3dspeaker)
	NumThreads            int
	ClusteringThreshold   float32 // Порог кластеризации (0.0-1.0)
	MinDurationOn         float32 // Минимальная длительность речи (сек)
	MinDurationOff        float32 // Минимальная длительность паузы (сек)
	Provider              string  // ONNX provider: cpu, cuda, coreml, auto
}

// DefaultSherpaDiarizerConfig возвращает конфигурацию по умолчанию
func DefaultSherpaDiarizerConfig(segmentationPath, embeddingPath string) SherpaDiarizerConfig {
	return SherpaDiarizerConfig{
		SegmentationModelPath: segmentationPath,
		EmbeddingModelPath:    embeddingPath,
		NumThreads:            4,
		ClusteringThreshold:   0.5,
		MinDurationOn:         0.3,
		MinDurationOff:        0.5,
		Provider:              "auto",
	}
}

// detectBestProvider определяет ONNX provider для текущей платформы
func detectBestProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// SherpaDiarizer пакетная диаризация целой записи целиком.
// Используется как быстрый путь batch-режима вместо оконной кластеризации.
type SherpaDiarizer struct {
	config   SherpaDiarizerConfig
	mu       sync.Mutex
	diarizer *sherpa.OfflineSpeakerDiarization
}

// NewSherpaDiarizer создаёт диаризатор. Возвращает ошибку если модели
// отсутствуют или backend не удалось инициализировать.
func NewSherpaDiarizer(config SherpaDiarizerConfig) (*SherpaDiarizer, error) {
	if _, err := os.Stat(config.SegmentationModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("segmentation model not found: %s", config.SegmentationModelPath)
	}
	if _, err := os.Stat(config.EmbeddingModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("embedding model not found: %s", config.EmbeddingModelPath)
	}

	provider := config.Provider
	if provider == "auto" || provider == "" {
		provider = detectBestProvider()
	}

	sherpaConfig := &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: config.SegmentationModelPath,
			},
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      config.EmbeddingModelPath,
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: -1, // Автоматическое определение количества спикеров
			Threshold:   config.ClusteringThreshold,
		},
		MinDurationOn:  config.MinDurationOn,
		MinDurationOff: config.MinDurationOff,
	}

	d := sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
	if d == nil {
		if provider != "cpu" {
			log.Printf("[Sherpa] %s provider failed, falling back to CPU", provider)
			sherpaConfig.Segmentation.Provider = "cpu"
			sherpaConfig.Embedding.Provider = "cpu"
			d = sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
			provider = "cpu"
		}
		if d == nil {
			return nil, fmt.Errorf("failed to create sherpa-onnx diarizer: %w", diarize.ErrModelUnavailable)
		}
	}

	log.Printf("[Sherpa] diarizer initialized: provider=%s", provider)
	config.Provider = provider

	return &SherpaDiarizer{config: config, diarizer: d}, nil
}

// Diarize обрабатывает запись целиком и возвращает сегменты речи
// с кластерами спикеров. samples - PCM float32, 16kHz, mono.
func (d *SherpaDiarizer) Diarize(samples []float32) ([]diarize.AudioSegment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.diarizer == nil {
		return nil, fmt.Errorf("diarizer closed: %w", diarize.ErrModelUnavailable)
	}
	if len(samples) == 0 {
		return nil, nil
	}

	segments := d.diarizer.Process(samples)
	if len(segments) == 0 {
		return nil, nil
	}

	result := make([]diarize.AudioSegment, len(segments))
	speakers := make(map[int]bool)
	for i, seg := range segments {
		result[i] = diarize.AudioSegment{
			Start:   float64(seg.Start),
			End:     float64(seg.End),
			Cluster: seg.Speaker,
		}
		speakers[seg.Speaker] = true
	}

	log.Printf("[Sherpa] %d segments from %d speakers", len(result), len(speakers))
	return result, nil
}

// SampleRate возвращает ожидаемую частоту дискретизации
func (d *SherpaDiarizer) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.diarizer != nil {
		return d.diarizer.SampleRate()
	}
	return 16000
}

// Close освобождает ресурсы backend
func (d *SherpaDiarizer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.diarizer != nil {
		sherpa.DeleteOfflineSpeakerDiarization(d.diarizer)
		d.diarizer = nil
	}
}

var _ diarize.OfflineDiarizer = (*SherpaDiarizer)(nil)
