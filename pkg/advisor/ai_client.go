package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	defaultAIBaseURL      = "https://api.openai.com/v1"
	defaultGeminiBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	aiRequestTimeout      = 2 * time.Minute
	maxAIResponseBodySize = 2 << 20
	aiMaxOutputTokens     = 8192
	aiTemperature         = 0.2
)

type completionRequest struct {
	EndpointURL  string
	APIKey       string
	Model        string
	SystemPrompt string
	UserPrompt   string
	Logger       *slog.Logger
}

type completionResult struct {
	Model   string
	Content string
}

// Seams for tests.
var generateCompletion = requestChatCompletion
var geminiCompletion = requestGeminiNative

// buildCompletionsEndpoint normalizes a configured base URL into a full
// chat-completions endpoint. Accepts bare hosts, /v1 roots, and already
// complete endpoints.
func buildCompletionsEndpoint(baseURL string) (string, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = defaultAIBaseURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	lower := strings.ToLower(trimmed)

	endpoint := ""
	switch {
	case strings.HasSuffix(lower, "/chat/completions"):
		endpoint = trimmed
	case strings.HasSuffix(lower, "/v1"):
		endpoint = trimmed + "/chat/completions"
	default:
		endpoint = trimmed + "/v1/chat/completions"
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", NewError(ErrCodeInvalidInput, fmt.Sprintf("invalid base url: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", NewError(ErrCodeInvalidInput, fmt.Sprintf("invalid base url scheme: %s", parsed.Scheme))
	}
	if parsed.Host == "" {
		return "", NewError(ErrCodeInvalidInput, "invalid base url host")
	}
	return endpoint, nil
}

func isGeminiRequest(endpointURL, model string) bool {
	modelLower := strings.ToLower(strings.TrimSpace(model))
	if strings.HasPrefix(modelLower, "gemini") {
		return true
	}
	endpointLower := strings.ToLower(strings.TrimSpace(endpointURL))
	if endpointLower == "" {
		return false
	}
	return strings.Contains(endpointLower, "generativelanguage.googleapis.com") ||
		strings.Contains(endpointLower, "/gemini")
}

func requestChatCompletion(ctx context.Context, req completionRequest) (completionResult, error) {
	if isGeminiRequest(req.EndpointURL, req.Model) {
		return geminiCompletion(ctx, req)
	}

	payload := map[string]any{
		"model": req.Model,
		"messages": []map[string]string{
			{"role": "system", "content": req.SystemPrompt},
			{"role": "user", "content": req.UserPrompt},
		},
		"temperature":           aiTemperature,
		"stream":                false,
		"max_tokens":            aiMaxOutputTokens,
		"max_completion_tokens": aiMaxOutputTokens,
		"response_format":       map[string]string{"type": "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return completionResult{}, WrapError(ErrCodeInternal, "marshal completion request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return completionResult{}, WrapError(ErrCodeInternal, "build completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	respBody, err := executeCompletionRequest(httpReq, req.Logger)
	if err != nil {
		return completionResult{}, err
	}

	model, content, err := decodeModelAndContent(respBody)
	if err != nil {
		return completionResult{}, err
	}
	if content == "" {
		return completionResult{}, NewError(ErrCodeGenerationParse, "completion content is empty")
	}
	if model == "" {
		model = req.Model
	}
	return completionResult{Model: model, Content: content}, nil
}

func requestGeminiNative(ctx context.Context, req completionRequest) (completionResult, error) {
	clientConfig, err := buildGeminiClientConfig(req.EndpointURL, req.APIKey)
	if err != nil {
		return completionResult{}, err
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return completionResult{}, WrapError(ErrCodeInternal, "create gemini client", err)
	}

	requestConfig := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		},
		Temperature:      genai.Ptr(float32(aiTemperature)),
		MaxOutputTokens:  aiMaxOutputTokens,
		ResponseMIMEType: "application/json",
	}
	response, err := client.Models.GenerateContent(ctx, req.Model, genai.Text(req.UserPrompt), requestConfig)
	if err != nil {
		if isTimeoutError(err) {
			return completionResult{}, WrapError(ErrCodeUpstreamTimeout, "gemini generate content timed out", err)
		}
		return completionResult{}, WrapError(ErrCodeTransport, "gemini generate content failed", err)
	}
	content := strings.TrimSpace(response.Text())
	if content == "" {
		return completionResult{}, NewError(ErrCodeGenerationParse, "completion content is empty")
	}
	model := strings.TrimSpace(response.ModelVersion)
	if model == "" {
		model = req.Model
	}
	return completionResult{Model: model, Content: content}, nil
}

func buildGeminiClientConfig(endpoint, apiKey string) (*genai.ClientConfig, error) {
	normalized := strings.TrimSpace(endpoint)
	if normalized == "" || strings.Contains(strings.ToLower(normalized), "api.openai.com") {
		normalized = defaultGeminiBaseURL
	}
	baseURL, apiVersion, err := parseGeminiBaseURLAndVersion(normalized)
	if err != nil {
		return nil, err
	}
	return &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    baseURL,
			APIVersion: apiVersion,
		},
	}, nil
}

func parseGeminiBaseURLAndVersion(endpoint string) (string, string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", "", NewError(ErrCodeInvalidInput, fmt.Sprintf("invalid gemini endpoint: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", "", NewError(ErrCodeInvalidInput, fmt.Sprintf("invalid gemini endpoint scheme: %s", parsed.Scheme))
	}
	if parsed.Host == "" {
		return "", "", NewError(ErrCodeInvalidInput, "invalid gemini endpoint host")
	}

	path := strings.Trim(parsed.Path, "/")
	segments := []string{}
	if path != "" {
		segments = strings.Split(path, "/")
	}

	apiVersion := "v1beta"
	prefixSegments := segments
	for idx, segment := range segments {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(segment)), "v1") {
			apiVersion = segment
			prefixSegments = segments[:idx]
			break
		}
	}

	basePath := strings.Trim(strings.Join(prefixSegments, "/"), "/")
	baseURL := fmt.Sprintf("%s://%s/", parsed.Scheme, parsed.Host)
	if basePath != "" {
		baseURL += basePath + "/"
	}
	return baseURL, apiVersion, nil
}

func executeCompletionRequest(httpReq *http.Request, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{Timeout: aiRequestTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		if isTimeoutError(err) {
			return nil, WrapError(ErrCodeUpstreamTimeout, "completion request timed out", err)
		}
		return nil, WrapError(ErrCodeTransport, "completion request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAIResponseBodySize))
	if err != nil {
		return nil, WrapError(ErrCodeTransport, "read completion response", err)
	}

	logger.Debug("completion raw response",
		"endpoint", httpReq.URL.String(),
		"status_code", resp.StatusCode,
		"body_bytes", len(respBody),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := parseUpstreamErrorMessage(respBody)
		if message == "" {
			message = fmt.Sprintf("status %d", resp.StatusCode)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, NewError(ErrCodeQuotaExhausted, "completion upstream rate limited: "+message)
		}
		return nil, NewError(ErrCodeTransport, "completion upstream error: "+message)
	}
	return respBody, nil
}

func decodeModelAndContent(body []byte) (string, string, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", "", WrapError(ErrCodeGenerationParse, "decode completion response", err)
	}

	model := asString(raw["model"])
	if text := extractChoicesContent(raw["choices"]); text != "" {
		return model, text, nil
	}
	if text := extractText(raw["content"]); text != "" {
		return model, text, nil
	}
	return model, "", NewError(ErrCodeGenerationParse, "completion content is empty")
}

func extractChoicesContent(value any) string {
	choices, ok := value.([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	if message, ok := first["message"].(map[string]any); ok {
		if text := extractText(message["content"]); text != "" {
			return text
		}
	}
	return extractText(first["text"])
}

func extractText(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			if text := extractText(item); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case map[string]any:
		if text := asString(typed["text"]); text != "" {
			return text
		}
		if text := asString(typed["value"]); text != "" {
			return text
		}
		if text := extractText(typed["content"]); text != "" {
			return text
		}
	}
	return ""
}

func asString(value any) string {
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(text)
}

func parseUpstreamErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if strings.TrimSpace(payload.Error.Message) != "" {
		return strings.TrimSpace(payload.Error.Message)
	}
	return strings.TrimSpace(payload.Message)
}
