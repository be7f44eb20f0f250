package steps

import (
	"context"
	"fmt"
	"net/http"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// LLMStep calls an OpenAI-compatible chat completions endpoint.
//
// Config: prompt, system, model, max_tokens, temperature, api_key.
// Output: {content, model, usage}.
type LLMStep struct {
	Client *http.Client
	Config *Config
}

func (s *LLMStep) Type() string { return types.StepLLM }

func (s *LLMStep) Run(ctx context.Context, cfg map[string]any, _ map[string]any) (map[string]any, error) {
	prompt := getString(cfg, "prompt")
	if prompt == "" {
		return nil, invalidConfig("llm step requires prompt")
	}
	apiKey := getStringDefault(cfg, "api_key", s.Config.LLMAPIKey)
	if apiKey == "" {
		return nil, invalidConfig("no llm credentials configured")
	}
	model := getStringDefault(cfg, "model", s.Config.LLMModel)

	messages := []map[string]string{}
	if system := getString(cfg, "system"); system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if n := getInt(cfg, "max_tokens", 0); n > 0 {
		payload["max_tokens"] = n
	}
	if t, ok := cfg["temperature"]; ok {
		payload["temperature"] = t
	}

	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	resp, err := doRequest(ctx, s.Client, http.MethodPost, s.Config.LLMAPIURL, headers, payload)
	if err != nil {
		return nil, err
	}

	data, ok := resp.Data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("llm: unexpected response body %T", resp.Data)
	}
	content := ""
	if choices, ok := data["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				content, _ = msg["content"].(string)
			}
		}
	}

	return map[string]any{
		"content": content,
		"model":   model,
		"usage":   data["usage"],
	}, nil
}
