package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/thebtf/promptcluster/internal/config"
	"github.com/thebtf/promptcluster/internal/privacy"
	"github.com/thebtf/promptcluster/pkg/models"
)

const (
	OpenAIModelVersion     = "openai"
	OpenAIDefaultBaseURL   = "https://api.openai.com/v1"
	OpenAIDefaultModel     = "text-embedding-3-small"
	OpenAIDefaultDimension = 1536
	// OpenAIMaxInputTokens is the per-input token limit of the embeddings endpoint.
	OpenAIMaxInputTokens = 8191
	openAIHTTPTimeout    = 30 * time.Second
)

type openAIModel struct {
	client     *http.Client
	codec      tokenizer.Codec
	baseURL    string
	apiKey     string
	modelName  string
	dimensions int
	maxTokens  int
}

type openAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        "OpenAI Compatible",
		Version:     OpenAIModelVersion,
		Dimensions:  OpenAIDefaultDimension,
		Description: "OpenAI-compatible embedding via REST API (supports LiteLLM proxy)",
	}, newOpenAIModel)
}

func newOpenAIModel() (EmbeddingModel, error) {
	apiKey := config.GetEmbeddingAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("EMBEDDING_API_KEY is required for openai provider")
	}

	baseURL := config.GetEmbeddingBaseURL()
	if baseURL == "" {
		baseURL = OpenAIDefaultBaseURL
	}
	modelName := config.GetEmbeddingModelName()
	if modelName == "" {
		modelName = OpenAIDefaultModel
	}
	dimensions := config.GetEmbeddingDimensions()
	if dimensions <= 0 {
		dimensions = OpenAIDefaultDimension
	}

	codec, err := newOpenAIModelCodec()
	if err != nil {
		return nil, err
	}

	return &openAIModel{
		client:     &http.Client{Timeout: openAIHTTPTimeout},
		codec:      codec,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		modelName:  modelName,
		dimensions: dimensions,
		maxTokens:  OpenAIMaxInputTokens,
	}, nil
}

// newOpenAIModelCodec loads the tokenizer used by the text-embedding-3 family.
func newOpenAIModelCodec() (tokenizer.Codec, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load cl100k tokenizer: %w", err)
	}
	return codec, nil
}

func (m *openAIModel) Name() string { return m.modelName }
func (m *openAIModel) Version() string {
	return OpenAIModelVersion
}
func (m *openAIModel) Dimensions() int { return m.dimensions }
func (m *openAIModel) Close() error    { return nil }

func (m *openAIModel) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	input := make([]string, len(texts))
	redacted := 0
	for i, text := range texts {
		// Credentials and contact details never leave the process.
		clean, kinds := privacy.Redact(text)
		if len(kinds) > 0 {
			redacted++
		}
		truncated, err := m.truncate(clean)
		if err != nil {
			return nil, &models.EmbeddingFailure{Index: i, Err: fmt.Errorf("tokenize: %w", err)}
		}
		input[i] = truncated
	}
	if redacted > 0 {
		log.Debug().Int("texts", redacted).Str("model", m.modelName).Msg("Redacted sensitive spans before embedding")
	}

	results, err := m.embedRequest(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d results for %d inputs (model=%s)",
			len(results), len(texts), m.modelName)
	}
	for i, v := range results {
		if len(v) == 0 {
			return nil, &models.EmbeddingFailure{Index: i, Err: errors.New("embedding API returned an empty vector")}
		}
	}
	return results, nil
}

// truncate cuts text to the endpoint's token limit.
func (m *openAIModel) truncate(text string) (string, error) {
	if m.codec == nil || m.maxTokens <= 0 {
		return text, nil
	}
	ids, _, err := m.codec.Encode(text)
	if err != nil {
		return "", err
	}
	if len(ids) <= m.maxTokens {
		return text, nil
	}
	return m.codec.Decode(ids[:m.maxTokens])
}

func (m *openAIModel) embedRequest(ctx context.Context, input []string) ([][]float64, error) {
	reqBody := openAIEmbedRequest{
		Input:          input,
		Model:          m.modelName,
		EncodingFormat: "float",
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embedding request to %s: %w", m.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding API error (model=%s, status=%d): %s",
			m.modelName, resp.StatusCode, strings.TrimSpace(string(bodySnippet)))
	}

	var embedResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode embedding response from %s: %w", m.baseURL, err)
	}

	// Sort by index to preserve order
	sort.Slice(embedResp.Data, func(i, j int) bool {
		return embedResp.Data[i].Index < embedResp.Data[j].Index
	})

	results := make([][]float64, len(embedResp.Data))
	for i, d := range embedResp.Data {
		results[i] = d.Embedding
	}
	return results, nil
}
