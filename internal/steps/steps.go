// Package steps implements the step executor capability table: one Step per
// step type, resolved by type name at dispatch time.
package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/expr"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Common errors.
var (
	ErrUnknownStepType = errors.New("unknown step type")
	ErrInvalidConfig   = errors.New("invalid step config")
)

// Step executes one kind of workflow node.
type Step interface {
	Type() string
	Run(ctx context.Context, cfg map[string]any, env map[string]any) (map[string]any, error)
}

// Executor is the capability the step router delegates to. It must be safe
// for concurrent use by distinct nodes.
type Executor interface {
	Execute(ctx context.Context, stepType string, config, env map[string]any) (map[string]any, error)
}

// permanentError marks a step failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the job broker does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *permanentError
	if errors.As(err, &p) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func invalidConfig(format string, args ...any) error {
	return Permanent(fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
}

// Config holds platform provider settings shared by the step executors.
type Config struct {
	HTTPTimeout time.Duration

	EmailAPIURL string
	EmailAPIKey string
	EmailFrom   string

	SMSAPIURL        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	LLMAPIURL string
	LLMAPIKey string
	LLMModel  string

	DatabaseURL string

	MaxDelay         time.Duration
	LongPollInterval time.Duration
	LongPollTimeout  time.Duration
}

// DefaultConfig returns provider defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPTimeout:      30 * time.Second,
		EmailAPIURL:      "https://api.sendgrid.com/v3/mail/send",
		SMSAPIURL:        "https://api.twilio.com",
		LLMAPIURL:        "https://api.openai.com/v1/chat/completions",
		LLMModel:         "gpt-4o-mini",
		MaxDelay:         time.Hour,
		LongPollInterval: 5 * time.Second,
		LongPollTimeout:  10 * time.Minute,
	}
}

// Registry resolves step types to executors and interpolates node config
// against the run context before dispatch.
type Registry struct {
	steps  map[string]Step
	eval   *expr.Evaluator
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(eval *expr.Evaluator, logger *slog.Logger) *Registry {
	if eval == nil {
		eval = expr.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		steps:  make(map[string]Step),
		eval:   eval,
		logger: logger,
	}
}

// NewDefaultRegistry registers every built-in step type.
func NewDefaultRegistry(cfg *Config, db *Database, logger *slog.Logger) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	client := NewHTTPClient(cfg.HTTPTimeout)
	eval := expr.Default

	r := NewRegistry(eval, logger)
	r.Register(&HTTPStep{Client: client})
	r.Register(&WebhookStep{Client: client})
	r.Register(&TransformStep{Eval: eval})
	r.Register(&ConditionalStep{Eval: eval})
	r.Register(&EmailStep{Client: client, Config: cfg})
	r.Register(&SMSStep{Client: client, Config: cfg})
	r.Register(&LLMStep{Client: client, Config: cfg})
	r.Register(&DelayStep{Max: cfg.MaxDelay})
	r.Register(&LongPollStep{Client: client, Eval: eval, Interval: cfg.LongPollInterval, Timeout: cfg.LongPollTimeout})
	if db != nil {
		r.Register(db)
	}
	return r
}

// Register adds or replaces a step implementation.
func (r *Registry) Register(s Step) {
	r.steps[s.Type()] = s
}

// Types returns the registered step types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.steps))
	for t := range r.steps {
		out = append(out, t)
	}
	return out
}

// Execute interpolates config against env and runs the matching step.
func (r *Registry) Execute(ctx context.Context, stepType string, config, env map[string]any) (map[string]any, error) {
	step, ok := r.steps[stepType]
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownStepType, stepType))
	}

	resolved, err := r.eval.InterpolateConfig(config, env)
	if err != nil {
		return nil, Permanent(fmt.Errorf("interpolate config: %w", err))
	}
	if resolved == nil {
		resolved = map[string]any{}
	}

	r.logger.Debug("executing step", "type", stepType)
	return step.Run(ctx, resolved, env)
}

var _ Executor = (*Registry)(nil)

// NewHTTPClient returns an instrumented client for outbound step calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HasOwnCredentials reports whether a messaging step carries per-step
// credentials, which exempts it from platform quota.
func HasOwnCredentials(stepType string, cfg map[string]any) bool {
	switch stepType {
	case types.StepEmail:
		return getString(cfg, "api_key") != "" || getString(cfg, "sendgrid_api_key") != ""
	case types.StepSMS:
		return getString(cfg, "twilio_account_sid") != "" && getString(cfg, "twilio_auth_token") != ""
	default:
		return false
	}
}

// credentialKeys are the per-step credential fields of messaging steps.
var credentialKeys = []string{"api_key", "sendgrid_api_key", "twilio_account_sid", "twilio_auth_token"}

// ResolvesOwnCredentials is HasOwnCredentials applied after rendering the
// credential fields against env, the same way Execute will. A field that
// renders empty or fails to render counts as absent.
func ResolvesOwnCredentials(stepType string, cfg, env map[string]any) bool {
	creds := make(map[string]any, len(credentialKeys))
	for _, k := range credentialKeys {
		if v, ok := cfg[k]; ok {
			creds[k] = v
		}
	}
	if len(creds) == 0 {
		return false
	}
	resolved, err := expr.Default.InterpolateConfig(creds, env)
	if err != nil {
		return false
	}
	return HasOwnCredentials(stepType, resolved)
}

func getString(cfg map[string]any, key string) string {
	switch v := cfg[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func getStringDefault(cfg map[string]any, key, def string) string {
	if s := getString(cfg, key); s != "" {
		return s
	}
	return def
}

func getInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// getDuration accepts Go duration strings or a number of seconds.
func getDuration(cfg map[string]any, key string, def time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(n * float64(time.Second))
		}
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	}
	return def
}

func getStringMap(cfg map[string]any, key string) map[string]string {
	m, ok := cfg[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}
