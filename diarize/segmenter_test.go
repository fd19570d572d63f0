package diarize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
)

// seqEmbedder отдаёт заранее заданные эмбеддинги по порядку вызовов
type seqEmbedder struct {
	vectors [][]float32
	errs    map[int]error // ошибки по номеру вызова (с нуля)
	calls   int
}

func (e *seqEmbedder) Embed(ctx context.Context, samples []float32) ([]float32, error) {
	call := e.calls
	e.calls++
	if err, ok := e.errs[call]; ok {
		return nil, err
	}
	if call < len(e.vectors) {
		return e.vectors[call], nil
	}
	return nil, fmt.Errorf("no vector for call %d", call)
}

// windowAudio возвращает n полных окон тишины
func windowAudio(cfg SegmenterConfig, n int) []float32 {
	return make([]float32, cfg.windowSamples()*n)
}

func streamConfig() SegmenterConfig {
	cfg := DefaultSegmenterConfig()
	cfg.Tau = 0.7
	return cfg
}

func TestStreamSegmenterClustersByVoice(t *testing.T) {
	cfg := streamConfig()
	embedder := &seqEmbedder{vectors: [][]float32{
		{1, 0, 0},
		{1, 0, 0},
		{0, 1, 0},
		{1, 0, 0},
	}}
	s := NewStreamSegmenter(cfg, embedder)

	segments, err := s.Push(context.Background(), windowAudio(cfg, 4))
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if len(segments) != 4 {
		t.Fatalf("got %d segments, want 4", len(segments))
	}

	wantClusters := []int{0, 0, 1, 0}
	for i, seg := range segments {
		if seg.Cluster != wantClusters[i] {
			t.Errorf("segment %d cluster = %d, want %d", i, seg.Cluster, wantClusters[i])
		}
		wantStart := float64(i) * cfg.WindowDuration
		if math.Abs(seg.Start-wantStart) > 1e-9 {
			t.Errorf("segment %d start = %v, want %v", i, seg.Start, wantStart)
		}
	}

	clusters := s.Clusters()
	if len(clusters) != 2 {
		t.Fatalf("got %d clusters, want 2", len(clusters))
	}
	if clusters[0].Count != 3 || clusters[1].Count != 1 {
		t.Errorf("cluster counts = %d/%d, want 3/1", clusters[0].Count, clusters[1].Count)
	}
}

func TestStreamSegmenterAppendOnly(t *testing.T) {
	// Решения по прошлым окнам не пересматриваются: окна выданные из Push
	// сохраняют кластер даже когда центроид дрейфует
	cfg := streamConfig()
	embedder := &seqEmbedder{vectors: [][]float32{
		{1, 0, 0},
		{0.9, 0.436, 0},
		{0.8, 0.6, 0},
	}}
	s := NewStreamSegmenter(cfg, embedder)

	var all []AudioSegment
	for i := 0; i < 3; i++ {
		segs, err := s.Push(context.Background(), windowAudio(cfg, 1))
		if err != nil {
			t.Fatalf("Push() error: %v", err)
		}
		all = append(all, segs...)
	}

	for i, seg := range all {
		if seg.Cluster != 0 {
			t.Errorf("segment %d reassigned to cluster %d", i, seg.Cluster)
		}
	}
}

func TestStreamSegmenterOverlapMargin(t *testing.T) {
	cfg := streamConfig()
	embedder := &seqEmbedder{vectors: [][]float32{
		{1, 0},
		{0, 1},
		{0.72, 0.70}, // близко к обоим кластерам
	}}
	s := NewStreamSegmenter(cfg, embedder)

	s.Push(context.Background(), windowAudio(cfg, 2))
	segments, err := s.Push(context.Background(), windowAudio(cfg, 1))
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	if len(segments) != 2 {
		t.Fatalf("got %d segments for overlapping window, want 2", len(segments))
	}
	for _, seg := range segments {
		if !seg.Overlapping {
			t.Errorf("segment cluster %d not flagged overlapping", seg.Cluster)
		}
	}
	if segments[0].Cluster == segments[1].Cluster {
		t.Error("overlap emitted twice for the same cluster")
	}
}

func TestStreamSegmenterClusterCapForcesLRU(t *testing.T) {
	cfg := streamConfig()
	cfg.MaxActiveClusters = 2
	embedder := &seqEmbedder{vectors: [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1}, // третий голос при потолке 2
	}}
	s := NewStreamSegmenter(cfg, embedder)

	s.Push(context.Background(), windowAudio(cfg, 2))
	segments, err := s.Push(context.Background(), windowAudio(cfg, 1))
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(segments))
	}
	// Принудительное присвоение уходит в least-recently-updated кластер
	if segments[0].Cluster != 0 {
		t.Errorf("forced assignment went to cluster %d, want 0 (LRU)", segments[0].Cluster)
	}
	if !segments[0].Overlapping {
		t.Error("forced assignment not flagged overlapping")
	}
	if len(s.Clusters()) != 2 {
		t.Errorf("cluster count = %d, want capped at 2", len(s.Clusters()))
	}
}

func TestStreamSegmenterSkipsFailedWindows(t *testing.T) {
	cfg := streamConfig()
	embedder := &seqEmbedder{
		vectors: [][]float32{{1, 0}, nil, {1, 0}},
		errs:    map[int]error{1: fmt.Errorf("transient")},
	}
	s := NewStreamSegmenter(cfg, embedder)

	segments, err := s.Push(context.Background(), windowAudio(cfg, 3))
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if len(segments) != 2 {
		t.Errorf("got %d segments, want 2 (failed window skipped)", len(segments))
	}
}

func TestStreamSegmenterFailsWhenNothingEmbeds(t *testing.T) {
	cfg := streamConfig()
	cfg.MaxConsecutiveFailures = 3
	embedder := &seqEmbedder{errs: map[int]error{
		0: fmt.Errorf("down"), 1: fmt.Errorf("down"), 2: fmt.Errorf("down"),
	}}
	s := NewStreamSegmenter(cfg, embedder)

	_, err := s.Push(context.Background(), windowAudio(cfg, 3))
	if !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Push() error = %v, want ErrModelUnavailable", err)
	}
}

func TestStreamSegmenterFinishProcessesTail(t *testing.T) {
	cfg := streamConfig()
	embedder := &seqEmbedder{vectors: [][]float32{{1, 0}, {1, 0}}}
	s := NewStreamSegmenter(cfg, embedder)

	s.Push(context.Background(), windowAudio(cfg, 1))
	// Хвост в полсекунды
	s.Push(context.Background(), make([]float32, cfg.SampleRate/2))

	segments, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("got %d tail segments, want 1", len(segments))
	}
	wantEnd := cfg.WindowDuration + 0.5
	if math.Abs(segments[0].End-wantEnd) > 1e-9 {
		t.Errorf("tail end = %v, want %v", segments[0].End, wantEnd)
	}
}

func TestStreamSegmenterFinishFailsWithoutEmbeddingsAndTail(t *testing.T) {
	// Все окна упали, но порог подряд идущих сбоев не достигнут; запуск
	// без единого эмбеддинга не должен завершиться успешно даже когда
	// хвост пуст
	cfg := streamConfig()
	cfg.MaxConsecutiveFailures = 3
	embedder := &seqEmbedder{errs: map[int]error{
		0: fmt.Errorf("down"), 1: fmt.Errorf("down"),
	}}
	s := NewStreamSegmenter(cfg, embedder)

	if _, err := s.Push(context.Background(), windowAudio(cfg, 2)); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	segments, err := s.Finish(context.Background())
	if !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Finish() error = %v, segments = %d, want ErrModelUnavailable", err, len(segments))
	}
}

func TestStreamSegmenterIgnoresTinyTail(t *testing.T) {
	cfg := streamConfig()
	embedder := &seqEmbedder{}
	s := NewStreamSegmenter(cfg, embedder)

	s.pending = make([]float32, cfg.SampleRate/20) // 50мс
	segments, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	if segments != nil {
		t.Errorf("tiny tail produced %d segments", len(segments))
	}
	if embedder.calls != 0 {
		t.Errorf("embedder called %d times for tiny tail", embedder.calls)
	}
}

func batchConfig() SegmenterConfig {
	cfg := DefaultSegmenterConfig()
	cfg.MinClusterDuration = 0
	return cfg
}

func pushAll(t *testing.T, s Segmenter, samples []float32) []AudioSegment {
	t.Helper()
	segs, err := s.Push(context.Background(), samples)
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	tail, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	return append(segs, tail...)
}

func TestBatchSegmenterGlobalClustering(t *testing.T) {
	cfg := batchConfig()
	embedder := &seqEmbedder{vectors: [][]float32{
		{1, 0}, {1, 0}, {0, 1}, {0, 1},
	}}
	b := NewBatchSegmenter(cfg, embedder, nil)

	segments := pushAll(t, b, windowAudio(cfg, 4))
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2 coalesced: %+v", len(segments), segments)
	}
	if segments[0].Cluster != 0 || segments[0].Start != 0 || math.Abs(segments[0].End-3) > 1e-9 {
		t.Errorf("first segment = %+v, want cluster 0 [0-3]", segments[0])
	}
	if segments[1].Cluster != 1 || math.Abs(segments[1].Start-3) > 1e-9 || math.Abs(segments[1].End-6) > 1e-9 {
		t.Errorf("second segment = %+v, want cluster 1 [3-6]", segments[1])
	}

	clusters := b.Clusters()
	if len(clusters) != 2 {
		t.Fatalf("got %d final clusters, want 2", len(clusters))
	}
	for _, c := range clusters {
		if len(c.Centroid) == 0 {
			t.Errorf("cluster %d has empty centroid", c.ID)
		}
	}
}

func TestBatchSegmenterTransitiveClosure(t *testing.T) {
	// A~B и B~C объединяются даже если A и C сами по себе далеки
	cfg := batchConfig()
	cfg.Tau = 0.9
	embedder := &seqEmbedder{vectors: [][]float32{
		{1, 0},
		{0.96, 0.28},
		{0.85, 0.53},
	}}
	b := NewBatchSegmenter(cfg, embedder, nil)

	segments := pushAll(t, b, windowAudio(cfg, 3))
	for _, seg := range segments {
		if seg.Cluster != 0 {
			t.Errorf("segment %+v split from the transitive chain", seg)
		}
	}
}

func TestBatchSegmenterMergesShortClusters(t *testing.T) {
	cfg := DefaultSegmenterConfig()
	cfg.MinClusterDuration = 3.0
	embedder := &seqEmbedder{vectors: [][]float32{
		{1, 0}, {1, 0}, {0, 1}, // последний кластер 1.5с < 3с
	}}
	b := NewBatchSegmenter(cfg, embedder, nil)

	segments := pushAll(t, b, windowAudio(cfg, 3))
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1 after short cluster merge: %+v", len(segments), segments)
	}
	if segments[0].Cluster != 0 || math.Abs(segments[0].End-4.5) > 1e-9 {
		t.Errorf("merged segment = %+v, want cluster 0 [0-4.5]", segments[0])
	}
}

func TestBatchSegmenterSkipsFailedWindows(t *testing.T) {
	cfg := batchConfig()
	embedder := &seqEmbedder{
		vectors: [][]float32{{1, 0}, nil, {1, 0}},
		errs:    map[int]error{1: fmt.Errorf("transient")},
	}
	b := NewBatchSegmenter(cfg, embedder, nil)

	segments := pushAll(t, b, windowAudio(cfg, 3))
	// Окно 1.5-3.0 пропущено, соседние не склеиваются через дыру
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segments), segments)
	}
}

func TestBatchSegmenterFailsWhenAllWindowsFail(t *testing.T) {
	cfg := batchConfig()
	embedder := &seqEmbedder{errs: map[int]error{
		0: fmt.Errorf("down"), 1: fmt.Errorf("down"),
	}}
	b := NewBatchSegmenter(cfg, embedder, nil)

	b.Push(context.Background(), windowAudio(cfg, 2))
	_, err := b.Finish(context.Background())
	if !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Finish() error = %v, want ErrModelUnavailable", err)
	}
}

type stubOffline struct {
	segments []AudioSegment
	err      error
	calls    int
}

func (s *stubOffline) Diarize(samples []float32) ([]AudioSegment, error) {
	s.calls++
	return s.segments, s.err
}

func TestBatchSegmenterFastPath(t *testing.T) {
	cfg := batchConfig()
	embedder := &seqEmbedder{vectors: [][]float32{{1, 0}, {0, 1}}}
	fast := &stubOffline{segments: []AudioSegment{
		{Start: 0, End: 2.5, Cluster: 0},
		{Start: 2.5, End: 6, Cluster: 1},
	}}
	b := NewBatchSegmenter(cfg, embedder, fast)

	segments := pushAll(t, b, windowAudio(cfg, 4))
	if fast.calls != 1 {
		t.Errorf("offline diarizer called %d times, want 1", fast.calls)
	}
	// Один эмбеддинг на кластер для аудит-центроидов
	if embedder.calls != 2 {
		t.Errorf("embedder called %d times on fast path, want 2", embedder.calls)
	}
	if len(segments) != 2 || segments[1].Cluster != 1 {
		t.Errorf("fast path segments = %+v", segments)
	}

	clusters := b.Clusters()
	if len(clusters) != 2 {
		t.Fatalf("got %d audit clusters on fast path, want 2", len(clusters))
	}
	for _, c := range clusters {
		if len(c.Centroid) == 0 {
			t.Errorf("cluster %d has empty centroid", c.ID)
		}
	}
	if math.Abs(clusters[1].Duration-3.5) > 1e-9 {
		t.Errorf("cluster 1 duration = %v, want 3.5", clusters[1].Duration)
	}
}

func TestBatchSegmenterFastPathAuditSkipsFailedClusters(t *testing.T) {
	// Сбой аудит-эмбеддинга одного кластера не прерывает запуск
	cfg := batchConfig()
	embedder := &seqEmbedder{
		vectors: [][]float32{nil, {0, 1}},
		errs:    map[int]error{0: fmt.Errorf("transient")},
	}
	fast := &stubOffline{segments: []AudioSegment{
		{Start: 0, End: 3, Cluster: 0},
		{Start: 3, End: 6, Cluster: 1},
	}}
	b := NewBatchSegmenter(cfg, embedder, fast)

	segments := pushAll(t, b, windowAudio(cfg, 4))
	if len(segments) != 2 {
		t.Fatalf("fast path segments = %+v", segments)
	}
	clusters := b.Clusters()
	if len(clusters) != 1 || clusters[0].ID != 1 {
		t.Fatalf("audit clusters = %+v, want only cluster 1", clusters)
	}
}

func TestBatchSegmenterFastPathFallsBack(t *testing.T) {
	cfg := batchConfig()
	embedder := &seqEmbedder{vectors: [][]float32{{1, 0}, {1, 0}}}
	fast := &stubOffline{err: fmt.Errorf("backend crashed")}
	b := NewBatchSegmenter(cfg, embedder, fast)

	segments := pushAll(t, b, windowAudio(cfg, 2))
	if embedder.calls != 2 {
		t.Errorf("embedder called %d times, want 2 (fallback)", embedder.calls)
	}
	if len(segments) != 1 {
		t.Errorf("fallback segments = %+v", segments)
	}
}

func TestBatchSegmenterCancelledContext(t *testing.T) {
	cfg := batchConfig()
	b := NewBatchSegmenter(cfg, &seqEmbedder{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Push(ctx, windowAudio(cfg, 1)); !errors.Is(err, context.Canceled) {
		t.Errorf("Push() error = %v, want context.Canceled", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 0}, []float64{1, 0}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"zero vector", []float64{0, 0}, []float64{1, 0}, 0},
		{"length mismatch", []float64{1, 0}, []float64{1, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClusterAgglomerativeFirstAppearanceOrder(t *testing.T) {
	embeddings := [][]float64{
		{0, 1}, {1, 0}, {0, 1}, {1, 0},
	}
	assignment := clusterAgglomerative(embeddings, 0.7)
	want := []int{0, 1, 0, 1}
	for i := range want {
		if assignment[i] != want[i] {
			t.Fatalf("assignment = %v, want %v", assignment, want)
		}
	}
}
