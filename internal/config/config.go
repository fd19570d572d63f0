package config

import (
	"flag"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir           string
	ModelsDir         string
	EmbedderModel     string
	SegmentationModel string
	EmbeddingModel    string
	Port              string
	GRPCAddr          string
	Workers           int
	RetentionDays     int
}

func Load() *Config {
	// Ключи внешних провайдеров (HUGGINGFACE_API_KEY, OPENAI_API_KEY)
	// подхватываются из .env, если он есть
	_ = godotenv.Load()

	dataDir := flag.String("data", "data/meetings", "Directory for meeting data")
	modelsDir := flag.String("models", "", "Directory with ONNX models (default: dataDir/../models)")
	embedderModel := flag.String("embedder", "", "Path to speaker embedding ONNX model (default: modelsDir/speaker-embedder.onnx)")
	segmentationModel := flag.String("segmentation", "", "Path to pyannote segmentation ONNX model (default: modelsDir/segmentation.onnx)")
	embeddingModel := flag.String("embedding", "", "Path to sherpa embedding ONNX model (default: modelsDir/embedding.onnx)")
	port := flag.String("port", "8080", "WebSocket server port")
	grpcAddr := flag.String("grpc", "", "gRPC listen address (unix:/path, npipe:\\\\.\\pipe\\name or host:port)")
	workers := flag.Int("workers", 2, "Max concurrent diarization runs")
	retentionDays := flag.Int("retention", 90, "Voice profile retention in days")
	flag.Parse()

	finalModelsDir := *modelsDir
	if finalModelsDir == "" {
		finalModelsDir = filepath.Join(filepath.Dir(*dataDir), "models")
	}

	cfg := &Config{
		DataDir:           *dataDir,
		ModelsDir:         finalModelsDir,
		EmbedderModel:     *embedderModel,
		SegmentationModel: *segmentationModel,
		EmbeddingModel:    *embeddingModel,
		Port:              *port,
		GRPCAddr:          *grpcAddr,
		Workers:           *workers,
		RetentionDays:     *retentionDays,
	}
	if cfg.EmbedderModel == "" {
		cfg.EmbedderModel = filepath.Join(finalModelsDir, "speaker-embedder.onnx")
	}
	if cfg.SegmentationModel == "" {
		cfg.SegmentationModel = filepath.Join(finalModelsDir, "segmentation.onnx")
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = filepath.Join(finalModelsDir, "embedding.onnx")
	}
	return cfg
}
