package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"speakerlens/diarize"
	"speakerlens/internal/api"
	"speakerlens/internal/config"
	"speakerlens/meeting"
	"speakerlens/profile"
	"speakerlens/provider"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting SpeakerLens backend (data=%s, models=%s)", cfg.DataDir, cfg.ModelsDir)

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	store, err := profile.NewStore(cfg.DataDir, retention)
	if err != nil {
		log.Fatalf("Ошибка создания хранилища профилей: %v", err)
	}

	// Локальные модели опциональны: без них роутер предложит внешних
	// провайдеров или откажет в зависимости от privacy policy
	var localEmbedder *provider.LocalEmbedder
	if le, err := provider.NewLocalEmbedder(provider.DefaultLocalEmbedderConfig(cfg.EmbedderModel)); err != nil {
		log.Printf("Локальный эмбеддер недоступен: %v", err)
	} else {
		localEmbedder = le
	}

	var fast diarize.OfflineDiarizer
	if sd, err := provider.NewSherpaDiarizer(provider.DefaultSherpaDiarizerConfig(cfg.SegmentationModel, cfg.EmbeddingModel)); err != nil {
		log.Printf("Оффлайн диаризатор недоступен: %v", err)
	} else {
		fast = sd
	}

	// Локальная идентификация по шаблонам доступна всегда
	router := provider.NewRouter(provider.DefaultRouterConfig(), localEmbedder != nil, true)
	hfEmbedder := provider.NewHFEmbedder("")
	analyzer := provider.NewOpenAIAnalyzer("", "")

	mgrCfg := meeting.DefaultManagerConfig(cfg.DataDir)
	if cfg.Workers > 0 {
		mgrCfg.Workers = cfg.Workers
	}
	mgr, err := meeting.NewManager(mgrCfg, meeting.Deps{
		NewSelector: func(c diarize.Config) diarize.Selector { return router.NewRun(c) },
		NewEmbedder: func(sel diarize.Selector, timeout time.Duration) diarize.Embedder {
			var local diarize.Embedder
			if localEmbedder != nil {
				local = localEmbedder
			}
			return provider.NewRoutedEmbedder(sel, local, hfEmbedder, timeout)
		},
		Fast:     fast,
		External: analyzer,
		Profiles: store,
	})
	if err != nil {
		log.Fatalf("Ошибка создания менеджера встреч: %v", err)
	}

	server := api.NewServer(cfg, mgr, store)
	go server.Start()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan

	log.Println("Остановка...")
	mgr.Close()
	store.Close()
	if localEmbedder != nil {
		localEmbedder.Close()
	}
	if sd, ok := fast.(*provider.SherpaDiarizer); ok {
		sd.Close()
	}
}
