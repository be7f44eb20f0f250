package steps

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/expr"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

const maxResponseBytes = 10 << 20

// StatusError is returned for HTTP responses with status >= 400.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type httpResponse struct {
	Status  int
	Data    any
	Headers map[string]any
}

func (r *httpResponse) output() map[string]any {
	return map[string]any{
		"status":  r.Status,
		"data":    r.Data,
		"headers": r.Headers,
	}
}

// doRequest sends a request and decodes a JSON body when possible.
func doRequest(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body any) (*httpResponse, error) {
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case string:
		if b != "" {
			reader = strings.NewReader(b)
			contentType = "text/plain"
			if json.Valid([]byte(b)) {
				contentType = "application/json"
			}
		}
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, Permanent(fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doPrepared(client, req)
}

// doPrepared sends req and classifies failures: transport errors, 5xx and
// 429 stay retryable, other 4xx are permanent.
func doPrepared(client *http.Client, req *http.Request) (*httpResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &httpResponse{
		Status:  resp.StatusCode,
		Headers: make(map[string]any, len(resp.Header)),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		out.Data = decoded
	} else {
		out.Data = string(raw)
	}

	if resp.StatusCode >= 400 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
		if statusErr.Retryable() {
			return out, statusErr
		}
		return out, Permanent(statusErr)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// HTTPStep performs an outbound HTTP request.
//
// Config: url, method (GET), headers, body.
// Output: {status, data, headers}.
type HTTPStep struct {
	Client *http.Client
}

func (s *HTTPStep) Type() string { return types.StepHTTP }

func (s *HTTPStep) Run(ctx context.Context, cfg map[string]any, _ map[string]any) (map[string]any, error) {
	url := getString(cfg, "url")
	if url == "" {
		return nil, invalidConfig("http step requires url")
	}
	method := strings.ToUpper(getStringDefault(cfg, "method", http.MethodGet))

	resp, err := doRequest(ctx, s.Client, method, url, getStringMap(cfg, "headers"), cfg["body"])
	if err != nil {
		return nil, err
	}
	return resp.output(), nil
}

// WebhookStep posts a JSON payload, optionally signed with HMAC-SHA256.
//
// Config: url, payload, headers, secret.
type WebhookStep struct {
	Client *http.Client
}

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Signature-256"

func (s *WebhookStep) Type() string { return types.StepWebhook }

func (s *WebhookStep) Run(ctx context.Context, cfg map[string]any, _ map[string]any) (map[string]any, error) {
	url := getString(cfg, "url")
	if url == "" {
		return nil, invalidConfig("webhook step requires url")
	}

	payload := cfg["payload"]
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode payload: %w", err))
	}

	headers := getStringMap(cfg, "headers")
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	if secret := getString(cfg, "secret"); secret != "" {
		headers[SignatureHeader] = "sha256=" + Sign(secret, body)
	}

	resp, err := doRequest(ctx, s.Client, http.MethodPost, url, headers, body)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":    resp.Status,
		"data":      resp.Data,
		"delivered": true,
	}, nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// LongPollStep polls a URL until a condition over the response holds.
//
// Config: url, method, headers, condition (evaluated with "response"
// bound to {status, data}), interval, timeout.
type LongPollStep struct {
	Client   *http.Client
	Eval     *expr.Evaluator
	Interval time.Duration
	Timeout  time.Duration
}

func (s *LongPollStep) Type() string { return types.StepLongPoll }

func (s *LongPollStep) Run(ctx context.Context, cfg map[string]any, env map[string]any) (map[string]any, error) {
	url := getString(cfg, "url")
	if url == "" {
		return nil, invalidConfig("long_poll step requires url")
	}
	condition := getStringDefault(cfg, "condition", "response.status < 300")
	method := strings.ToUpper(getStringDefault(cfg, "method", http.MethodGet))
	interval := getDuration(cfg, "interval", s.Interval)
	if interval <= 0 {
		interval = time.Second
	}
	timeout := getDuration(cfg, "timeout", s.Timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		resp, err := doRequest(ctx, s.Client, method, url, getStringMap(cfg, "headers"), nil)
		if err != nil && IsPermanent(err) {
			return nil, err
		}
		if err == nil {
			pollEnv := make(map[string]any, len(env)+1)
			for k, v := range env {
				pollEnv[k] = v
			}
			pollEnv["response"] = map[string]any{"status": resp.Status, "data": resp.Data}

			done, err := s.Eval.EvaluateBool(condition, pollEnv)
			if err != nil {
				return nil, Permanent(fmt.Errorf("long_poll condition: %w", err))
			}
			if done {
				out := resp.output()
				out["attempts"] = attempt
				return out, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("long_poll %s: condition not met after %d attempts: %w", url, attempt, ctx.Err())
		case <-ticker.C:
		}
	}
}
