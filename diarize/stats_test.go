package diarize

import (
	"math"
	"reflect"
	"testing"
)

func labeled(speaker string, start, end float64) LabeledUtterance {
	return LabeledUtterance{Speaker: speaker, Start: start, End: end}
}

func TestAggregateScenario(t *testing.T) {
	// Два спикера без перекрытий, спикер 1 возвращается после спикера 2
	utterances := []LabeledUtterance{
		labeled("Speaker 1", 0, 5),
		labeled("Speaker 2", 5, 13),
		labeled("Speaker 1", 13, 18),
	}

	stats := Aggregate(utterances, 18)
	if len(stats) != 2 {
		t.Fatalf("got %d speakers, want 2", len(stats))
	}

	s1 := stats[0]
	if s1.Speaker != "Speaker 1" {
		t.Fatalf("first speaker = %q, want Speaker 1", s1.Speaker)
	}
	if math.Abs(s1.SpeakingTime-10) > 1e-9 {
		t.Errorf("Speaker 1 time = %v, want 10", s1.SpeakingTime)
	}
	if math.Abs(s1.Percentage-55.6) > 0.1 {
		t.Errorf("Speaker 1 percentage = %v, want 55.6", s1.Percentage)
	}
	if s1.Turns != 2 {
		t.Errorf("Speaker 1 turns = %d, want 2", s1.Turns)
	}

	s2 := stats[1]
	if math.Abs(s2.SpeakingTime-8) > 1e-9 {
		t.Errorf("Speaker 2 time = %v, want 8", s2.SpeakingTime)
	}
	if math.Abs(s2.Percentage-44.4) > 0.1 {
		t.Errorf("Speaker 2 percentage = %v, want 44.4", s2.Percentage)
	}
	if s2.Turns != 1 {
		t.Errorf("Speaker 2 turns = %d, want 1", s2.Turns)
	}
}

func TestAggregatePure(t *testing.T) {
	utterances := []LabeledUtterance{
		labeled("Speaker 1", 0, 4),
		labeled("Speaker 2", 4, 9),
		labeled("Speaker 1", 9, 12),
	}

	first := Aggregate(utterances, 12)
	second := Aggregate(utterances, 12)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Aggregate not idempotent:\n%+v\n%+v", first, second)
	}
	// Вход не мутирован
	if utterances[0].Start != 0 || utterances[2].End != 12 {
		t.Error("Aggregate mutated input")
	}
}

func TestAggregateConsecutiveUtterancesOneTurn(t *testing.T) {
	// Серия реплик одного спикера - одна очередь
	utterances := []LabeledUtterance{
		labeled("Speaker 1", 0, 2),
		labeled("Speaker 1", 2, 4),
		labeled("Speaker 1", 4, 6),
		labeled("Speaker 2", 6, 8),
	}
	stats := Aggregate(utterances, 8)
	if stats[0].Turns != 1 {
		t.Errorf("Speaker 1 turns = %d, want 1 (contiguous run)", stats[0].Turns)
	}
}

func TestAggregateOverlapExceedsTotal(t *testing.T) {
	// Перекрывающиеся реплики засчитываются каждому спикеру целиком
	utterances := []LabeledUtterance{
		{Speaker: "Speaker 1", Start: 0, End: 10, Overlapping: true},
		{Speaker: "Speaker 2", Start: 0, End: 10, Overlapping: true},
	}
	stats := Aggregate(utterances, 10)

	var sum float64
	for _, s := range stats {
		sum += s.Percentage
	}
	if sum <= 100 {
		t.Errorf("percentage sum = %v, want > 100 for full overlap", sum)
	}
}

func TestAggregateSkipsUnknownButBreaksRuns(t *testing.T) {
	utterances := []LabeledUtterance{
		labeled("Speaker 1", 0, 2),
		labeled(UnknownSpeaker, 2, 4),
		labeled("Speaker 1", 4, 6),
	}
	stats := Aggregate(utterances, 6)

	if len(stats) != 1 {
		t.Fatalf("got %d speakers, want 1 (Unknown excluded)", len(stats))
	}
	if math.Abs(stats[0].SpeakingTime-4) > 1e-9 {
		t.Errorf("time = %v, want 4 (Unknown not counted)", stats[0].SpeakingTime)
	}
	// Неатрибутированная реплика прерывает серию
	if stats[0].Turns != 2 {
		t.Errorf("turns = %d, want 2", stats[0].Turns)
	}
}

func TestAggregateEmpty(t *testing.T) {
	if stats := Aggregate(nil, 10); stats != nil {
		t.Errorf("Aggregate(nil) = %+v, want nil", stats)
	}
}

func TestAggregateZeroTotalDuration(t *testing.T) {
	stats := Aggregate([]LabeledUtterance{labeled("Speaker 1", 0, 5)}, 0)
	if stats[0].Percentage != 0 {
		t.Errorf("percentage = %v with zero total, want 0", stats[0].Percentage)
	}
}
