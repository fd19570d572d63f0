package diarize

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
)

// Identifier извлекает имена спикеров из текста реплик.
// Текст подчиняется той же privacy-политике, что и аудио: цель исполнения
// (локальный паттерн-движок или внешний анализатор) выбирает Selector,
// независимо от выбора для сегментации.
type Identifier struct {
	selector Selector
	external Analyzer
	timeout  time.Duration
}

// NewIdentifier создаёт идентификатор. external может быть nil -
// тогда доступен только локальный паттерн-движок.
func NewIdentifier(selector Selector, external Analyzer) *Identifier {
	return &Identifier{
		selector: selector,
		external: external,
		timeout:  30 * time.Second,
	}
}

// Identify возвращает по одному победившему кандидату на метку спикера.
// Порог уверенности применяет вызывающий при фиксации в SpeakerMapping.
func (id *Identifier) Identify(ctx context.Context, utterances []LabeledUtterance) ([]NameCandidate, error) {
	if len(utterances) == 0 {
		return nil, nil
	}

	target, err := id.selector.Select(CapabilityIdentification)
	if err != nil {
		return nil, err
	}

	var candidates []NameCandidate
	if target == TargetExternal {
		candidates, err = id.analyzeExternal(ctx, utterances)
		if err != nil {
			id.selector.ReportFailure(CapabilityIdentification)
			// Переспрашиваем роутер: prefer_external после сбоя отдаёт local
			target, rerr := id.selector.Select(CapabilityIdentification)
			if rerr != nil {
				return nil, rerr
			}
			if target != TargetLocal {
				return nil, err
			}
			log.Printf("[Identify] external analyzer failed, using local patterns: %v", err)
			candidates = ExtractCandidates(utterances)
		} else {
			id.selector.ReportSuccess(CapabilityIdentification)
		}
	} else {
		candidates = ExtractCandidates(utterances)
	}

	return ResolveCandidates(candidates), nil
}

func (id *Identifier) analyzeExternal(ctx context.Context, utterances []LabeledUtterance) ([]NameCandidate, error) {
	if id.external == nil {
		return nil, &CapabilityError{
			Capability: CapabilityIdentification,
			Reason:     "no external analyzer configured",
			Err:        ErrModelUnavailable,
		}
	}
	tctx, cancel := context.WithTimeout(ctx, id.timeout)
	defer cancel()
	return id.external.Analyze(tctx, BuildTranscript(utterances))
}

// BuildTranscript собирает текст с метками спикеров для внешнего анализатора
func BuildTranscript(utterances []LabeledUtterance) string {
	var sb strings.Builder
	for _, u := range utterances {
		sb.WriteString(u.Speaker)
		sb.WriteString(": ")
		sb.WriteString(u.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Паттерны самопредставления. Имя требует заглавной буквы, поэтому
// регистронезависимость задана явной альтернацией, а не (?i).
const namePattern = `([A-Z][a-zA-Z'\-]+(?:\s+[A-Z][a-zA-Z'\-]+)?)`

var introPatterns = []struct {
	re   *regexp.Regexp
	base float64
}{
	{regexp.MustCompile(`\b[Mm]y name is\s+` + namePattern), 0.95},
	{regexp.MustCompile(`\bI(?:'m| am)\s+` + namePattern), 0.90},
	{regexp.MustCompile(`\b[Tt]his is\s+` + namePattern), 0.80},
	{regexp.MustCompile(namePattern + `\s+speaking\b`), 0.70},
	{regexp.MustCompile(namePattern + `\s+here\b`), 0.60},
}

// notNames слова, проходящие шаблон имени, но именами не являющиеся
var notNames = map[string]bool{
	"A": true, "The": true, "It": true, "Not": true, "So": true,
	"Very": true, "Here": true, "Just": true, "Really": true,
	"Going": true, "Gonna": true, "Okay": true, "Sorry": true,
	"Fine": true, "Good": true, "Right": true, "Sure": true,
}

// ExtractCandidates локальный паттерн-движок: ищет самопредставления в
// репликах. Текст устройства не покидает.
func ExtractCandidates(utterances []LabeledUtterance) []NameCandidate {
	var candidates []NameCandidate

	for i, u := range utterances {
		if u.Speaker == UnknownSpeaker {
			continue
		}
		for _, p := range introPatterns {
			m := p.re.FindStringSubmatch(u.Text)
			if m == nil {
				continue
			}
			name := strings.TrimSpace(m[1])
			conf := scoreName(name, p.base)
			if conf <= 0 {
				continue
			}
			candidates = append(candidates, NameCandidate{
				Speaker:    u.Speaker,
				Name:       name,
				Confidence: conf,
				Utterance:  i,
			})
		}
	}

	return candidates
}

// scoreName корректирует базовую уверенность паттерна качеством имени:
// полное имя (имя+фамилия) надёжнее одиночного слова, служебные слова
// отбрасываются
func scoreName(name string, base float64) float64 {
	tokens := strings.Fields(name)
	if len(tokens) == 0 {
		return 0
	}
	if notNames[tokens[0]] {
		return 0
	}
	if len(tokens[0]) < 2 {
		return 0
	}

	conf := base
	if len(tokens) >= 2 {
		conf += 0.05
	} else {
		conf -= 0.05
	}

	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

// ResolveCandidates выбирает победителя для каждой метки:
// максимальная уверенность, при точном равенстве - более поздний кандидат
func ResolveCandidates(candidates []NameCandidate) []NameCandidate {
	winners := make(map[string]NameCandidate)
	var order []string

	for _, c := range candidates {
		cur, ok := winners[c.Speaker]
		if !ok {
			winners[c.Speaker] = c
			order = append(order, c.Speaker)
			continue
		}
		if c.Confidence > cur.Confidence || (c.Confidence == cur.Confidence && c.Utterance >= cur.Utterance) {
			winners[c.Speaker] = c
		}
	}

	result := make([]NameCandidate, 0, len(winners))
	for _, speaker := range order {
		result = append(result, winners[speaker])
	}
	return result
}

// String для диагностики
func (id *Identifier) String() string {
	return fmt.Sprintf("Identifier(timeout=%s)", id.timeout)
}
