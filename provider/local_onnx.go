package provider

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"speakerlens/diarize"
)

var (
	onnxInitMu      sync.Mutex
	onnxInitialized bool
)

// initONNXRuntime загружает shared library ONNX Runtime.
// Путь берётся из ONNXRUNTIME_SHARED_LIBRARY_PATH либо из стандартных мест.
func initONNXRuntime() error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if onnxInitialized {
		return nil
	}

	libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if libPath == "" {
		searchPaths := []string{
			"../Resources/libonnxruntime.dylib",
			"./libonnxruntime.dylib",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
			"./libonnxruntime.so",
		}
		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}

	if libPath == "" {
		return fmt.Errorf("ONNX Runtime library not found")
	}
	log.Printf("[ONNX] using runtime library: %s", libPath)
	ort.SetSharedLibraryPath(libPath)

	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	onnxInitialized = true
	return nil
}

// LocalEmbedderConfig конфигурация локального ONNX-энкодера спикеров
type LocalEmbedderConfig struct {
	ModelPath string
	Mel       melConfig
}

// DefaultLocalEmbedderConfig конфигурация под WeSpeaker ResNet34
func DefaultLocalEmbedderConfig(modelPath string) LocalEmbedderConfig {
	return LocalEmbedderConfig{
		ModelPath: modelPath,
		Mel:       defaultMelConfig(),
	}
}

// LocalEmbedder извлекает голосовые эмбеддинги локальной ONNX-моделью.
// Вход модели [1, numFrames, numMels], выход - вектор эмбеддинга.
type LocalEmbedder struct {
	config  LocalEmbedderConfig
	mel     *melExtractor
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewLocalEmbedder загружает модель. Файл модели обязан существовать:
// отсутствие модели обрабатывается выше роутером, а не здесь.
func NewLocalEmbedder(config LocalEmbedderConfig) (*LocalEmbedder, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", config.ModelPath)
	}

	mel, err := newMelExtractor(config.Mel)
	if err != nil {
		return nil, err
	}

	if err := initONNXRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	e := &LocalEmbedder{config: config, mel: mel}
	if err := e.loadModel(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *LocalEmbedder) loadModel() error {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(e.config.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to get model info: %w", err)
	}

	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	log.Printf("[ONNX] embedder inputs: %v, outputs: %v", inputNames, outputNames)

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		e.config.ModelPath,
		inputNames,
		outputNames,
		options,
	)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	e.session = session
	return nil
}

// Embed возвращает L2-нормированный эмбеддинг голоса из окна PCM
func (e *LocalEmbedder) Embed(ctx context.Context, samples []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, fmt.Errorf("embedder closed: %w", diarize.ErrModelUnavailable)
	}
	if len(samples) < e.config.Mel.SampleRate/10 {
		return nil, fmt.Errorf("audio window too short: %d samples", len(samples))
	}

	frames := e.mel.Extract(samples)
	if len(frames) == 0 {
		return nil, fmt.Errorf("no mel frames extracted")
	}

	numMels := e.config.Mel.NumMels
	flat := make([]float32, len(frames)*numMels)
	for t, frame := range frames {
		copy(flat[t*numMels:], frame)
	}

	shape := ort.NewShape(1, int64(len(frames)), int64(numMels))
	input, err := ort.NewTensor(shape, flat)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	data := outputs[0].(*ort.Tensor[float32]).GetData()
	result := make([]float32, len(data))
	copy(result, data)
	return normalizeVector(result), nil
}

func normalizeVector(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq < 1e-12 {
		return v
	}
	inv := float32(1 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Close освобождает ONNX-сессию
func (e *LocalEmbedder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}

var _ diarize.Embedder = (*LocalEmbedder)(nil)
