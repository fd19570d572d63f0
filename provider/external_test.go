package provider

import (
	"math"
	"testing"
)

func TestParseIdentifications(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name:    "plain JSON",
			content: `{"identifications": [{"speaker": "Speaker 1", "name": "Anna Petrova", "confidence": 85}]}`,
			want:    1,
		},
		{
			name: "markdown fenced JSON",
			content: "```json\n" +
				`{"identifications": [{"speaker": "Speaker 1", "name": "Boris", "confidence": 70}, {"speaker": "Speaker 2", "name": "Carol", "confidence": 92}]}` +
				"\n```",
			want: 2,
		},
		{
			name:    "empty identifications",
			content: `{"identifications": []}`,
			want:    0,
		},
		{
			name:    "entries without name are dropped",
			content: `{"identifications": [{"speaker": "Speaker 1", "name": "  ", "confidence": 90}]}`,
			want:    0,
		},
		{
			name:    "malformed JSON",
			content: `the speakers are probably Anna and Boris`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidates, err := parseIdentifications(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseIdentifications() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseIdentifications() error: %v", err)
			}
			if len(candidates) != tt.want {
				t.Errorf("got %d candidates, want %d", len(candidates), tt.want)
			}
		})
	}
}

func TestParseIdentificationsConfidenceScale(t *testing.T) {
	candidates, err := parseIdentifications(
		`{"identifications": [{"speaker": "Speaker 1", "name": "Anna", "confidence": 85}, {"speaker": "Speaker 2", "name": "Boris", "confidence": 150}]}`)
	if err != nil {
		t.Fatalf("parseIdentifications() error: %v", err)
	}
	if math.Abs(candidates[0].Confidence-0.85) > 1e-9 {
		t.Errorf("confidence = %v, want 0.85", candidates[0].Confidence)
	}
	if candidates[1].Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", candidates[1].Confidence)
	}
}

func TestMelExtractorShape(t *testing.T) {
	extractor, err := newMelExtractor(defaultMelConfig())
	if err != nil {
		t.Fatalf("newMelExtractor() error: %v", err)
	}

	// 1 секунда 16kHz: 1 + (16000-400)/160 = 98 фреймов
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 16000))
	}

	frames := extractor.Extract(samples)
	if len(frames) != 98 {
		t.Fatalf("got %d frames, want 98", len(frames))
	}
	for i, frame := range frames {
		if len(frame) != 80 {
			t.Fatalf("frame %d has %d mels, want 80", i, len(frame))
		}
	}
}

func TestMelExtractorShortInput(t *testing.T) {
	extractor, err := newMelExtractor(defaultMelConfig())
	if err != nil {
		t.Fatalf("newMelExtractor() error: %v", err)
	}
	if frames := extractor.Extract(make([]float32, 100)); frames != nil {
		t.Errorf("got %d frames for sub-window input, want none", len(frames))
	}
}

func TestNormalizeVector(t *testing.T) {
	v := normalizeVector([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("normalizeVector() = %v, want [0.6 0.8]", v)
	}

	zero := normalizeVector([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector changed: %v", zero)
	}
}
