package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"speakerlens/diarize"
)

const (
	defaultHFEndpoint     = "https://api-inference.huggingface.co/models/pyannote/wespeaker-voxceleb-resnet34-LM"
	defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel    = "gpt-4o-mini"

	externalHTTPTimeout = 30 * time.Second
	externalMaxRetries  = 2
)

// httpStatusError невосстановимый HTTP-статус внешнего провайдера
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("external provider returned status %d: %s", e.Status, e.Body)
}

// HFEmbedder извлекает голосовые эмбеддинги через Hugging Face Inference API
type HFEmbedder struct {
	endpoint string
	client   *http.Client
}

// NewHFEmbedder создаёт внешний энкодер. Токен читается из окружения
// в момент запроса, а не фиксируется при создании.
func NewHFEmbedder(endpoint string) *HFEmbedder {
	if endpoint == "" {
		endpoint = defaultHFEndpoint
	}
	return &HFEmbedder{
		endpoint: endpoint,
		client:   &http.Client{Timeout: externalHTTPTimeout},
	}
}

func hfToken() string {
	for _, v := range segmentationCredVars {
		if tok := os.Getenv(v); tok != "" {
			return tok
		}
	}
	return ""
}

// Embed отправляет окно PCM и возвращает эмбеддинг.
// Ретраи только на сетевых ошибках и 5xx/429, auth-ошибки не повторяются.
func (e *HFEmbedder) Embed(ctx context.Context, samples []float32) ([]float32, error) {
	token := hfToken()
	if token == "" {
		return nil, fmt.Errorf("no API token in environment: %w", diarize.ErrExternalRequired)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"inputs": samples,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var embedding []float32
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			statusErr := &httpStatusError{Status: resp.StatusCode, Body: truncate(string(body), 200)}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if err := json.Unmarshal(body, &embedding); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode embedding: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), externalMaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty embedding from external provider")
	}
	return normalizeVector(embedding), nil
}

var _ diarize.Embedder = (*HFEmbedder)(nil)

// OpenAIAnalyzer извлекает имена спикеров из транскрипта через chat API
type OpenAIAnalyzer struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOpenAIAnalyzer создаёт внешний анализатор имён
func NewOpenAIAnalyzer(endpoint, model string) *OpenAIAnalyzer {
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIAnalyzer{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: externalHTTPTimeout},
	}
}

const analyzerSystemPrompt = `You analyze meeting transcripts where speakers are labeled "Speaker 1", "Speaker 2", etc.
Identify real names of speakers from self-introductions and how others address them.
Respond with JSON only: {"identifications": [{"speaker": "Speaker 1", "name": "...", "confidence": 0-100}]}.
Include a speaker only when the transcript gives real evidence of the name.`

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type identificationPayload struct {
	Identifications []struct {
		Speaker    string  `json:"speaker"`
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	} `json:"identifications"`
}

// Analyze отправляет транскрипт и разбирает ответ модели.
// Confidence модели приходит в шкале 0-100 и приводится к [0,1].
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, transcript string) ([]diarize.NameCandidate, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("no API key in environment: %w", diarize.ErrExternalRequired)
	}

	reqBody, err := json.Marshal(chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: analyzerSystemPrompt},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{Status: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("empty response from analyzer")
	}

	return parseIdentifications(chat.Choices[0].Message.Content)
}

// parseIdentifications разбирает JSON из ответа модели.
// Модель иногда оборачивает JSON в markdown-ограждения, срезаем их.
func parseIdentifications(content string) ([]diarize.NameCandidate, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var payload identificationPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("analyzer returned malformed JSON: %w", err)
	}

	candidates := make([]diarize.NameCandidate, 0, len(payload.Identifications))
	for _, id := range payload.Identifications {
		name := strings.TrimSpace(id.Name)
		if id.Speaker == "" || name == "" {
			continue
		}
		conf := id.Confidence / 100
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		candidates = append(candidates, diarize.NameCandidate{
			Speaker:    id.Speaker,
			Name:       name,
			Confidence: conf,
		})
	}
	log.Printf("[Analyzer] external analyzer returned %d identifications", len(candidates))
	return candidates, nil
}

var _ diarize.Analyzer = (*OpenAIAnalyzer)(nil)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
