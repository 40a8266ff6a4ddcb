package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conveyordev/conveyor/internal/telemetry"
)

const (
	defaultModel    = anthropic.Model("claude-sonnet-4-5")
	maxRetries      = 3
	initialBackoff  = 1 * time.Second
	maxOutputTokens = 8192
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// Anthropic runs stage work through the Anthropic API.
type Anthropic struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropic creates a runner. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit apiKey; model "" selects the default.
func NewAnthropic(apiKey, model string) (*Anthropic, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or provide via config", errAPIKeyRequired)
	}

	m := anthropic.Model(model)
	if model == "" {
		m = defaultModel
	}

	runMetricsOnce.Do(initRunMetrics)

	return &Anthropic{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          m,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// runMetrics holds lazily-initialized OTel instruments for agent runs.
var runMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var runMetricsOnce sync.Once

func initRunMetrics() {
	m := telemetry.Meter("github.com/conveyordev/conveyor/agent")
	runMetrics.inputTokens, _ = m.Int64Counter("cvy.agent.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	runMetrics.outputTokens, _ = m.Int64Counter("cvy.agent.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	runMetrics.duration, _ = m.Float64Histogram("cvy.agent.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// Run renders the stage prompt and calls the API with retry on transient
// failures.
func (a *Anthropic) Run(ctx context.Context, req *Request) (*Result, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, err
	}
	return a.callWithRetry(ctx, prompt)
}

func (a *Anthropic) callWithRetry(ctx context.Context, prompt string) (*Result, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := a.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("cvy.agent.model", string(a.model))
			if runMetrics.inputTokens != nil {
				runMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				runMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				runMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}

			if len(message.Content) == 0 {
				return nil, fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return nil, fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return &Result{
				Output:       content.Text,
				InputTokens:  message.Usage.InputTokens,
				OutputTokens: message.Usage.OutputTokens,
			}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return nil, fmt.Errorf("failed after %d retries: %w", a.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
