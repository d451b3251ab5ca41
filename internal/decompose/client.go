package decompose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/aristath/swarm/internal/config"
)

// ErrNoCredentials is returned when neither an API key nor Bedrock is configured.
var ErrNoCredentials = errors.New("ANTHROPIC_API_KEY environment variable is not set")

// Request is one model call.
type Request struct {
	Model     string
	System    string
	User      string
	MaxTokens int64
}

// Completer sends a single prompt to a model and returns its text reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// AnthropicCompleter calls the Anthropic Messages API, directly or through
// AWS Bedrock.
type AnthropicCompleter struct {
	inner   anthropic.Client
	bedrock bool
}

// NewAnthropicCompleter builds a completer from configuration. The API key
// falls back to ANTHROPIC_API_KEY; Bedrock uses the default AWS credential chain.
func NewAnthropicCompleter(ctx context.Context, cfg config.DecomposeConfig) (*AnthropicCompleter, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, ErrNoCredentials
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	// Retries happen in completeWithRetry, behind the breaker.
	opts = append(opts, option.WithMaxRetries(0))

	return &AnthropicCompleter{
		inner:   anthropic.NewClient(opts...),
		bedrock: cfg.UseBedrock,
	}, nil
}

// Complete sends req and concatenates the text blocks of the reply.
func (c *AnthropicCompleter) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if c.bedrock {
		model = bedrockModel(model)
	}

	msg, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: req.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages api: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: AI response contained no text content", ErrInvalidResponse)
	}
	return b.String(), nil
}

// bedrockModel maps an Anthropic model id to its cross-region inference profile.
func bedrockModel(model string) string {
	if strings.HasPrefix(model, "us.anthropic.") || strings.HasPrefix(model, "anthropic.") {
		return model
	}
	return "us.anthropic." + model + "-v1:0"
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithBreakers shares a breaker registry between clients.
func WithBreakers(r *BreakerRegistry) Option {
	return func(c *Client) { c.breakers = r }
}

// WithDefaults sets the model, token ceiling and per-attempt timeout.
func WithDefaults(model string, maxTokens int64, timeout time.Duration) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
		if maxTokens > 0 {
			c.maxTokens = maxTokens
		}
		c.timeout = timeout
	}
}

// Client decomposes goals through a Completer, with retry and a circuit
// breaker per model.
type Client struct {
	completer Completer
	breakers  *BreakerRegistry
	retry     RetryConfig
	model     string
	maxTokens int64
	timeout   time.Duration
}

// New creates a Client around a completer.
func New(completer Completer, opts ...Option) *Client {
	c := &Client{
		completer: completer,
		breakers:  NewBreakerRegistry(),
		retry:     DefaultRetryConfig(),
		model:     "claude-opus-4-6",
		maxTokens: 8192,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient builds a Client talking to Anthropic from configuration.
func NewClient(ctx context.Context, cfg config.DecomposeConfig) (*Client, error) {
	completer, err := NewAnthropicCompleter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = uint64(cfg.MaxRetries)
	}
	return New(completer,
		WithRetry(retry),
		WithDefaults(cfg.Model, cfg.MaxTokens, time.Duration(cfg.TimeoutSeconds)*time.Second),
	), nil
}

// Analyze describes the repository at repoPath.
func (c *Client) Analyze(ctx context.Context, repoPath string) (*Analysis, error) {
	return Analyze(ctx, repoPath)
}

// Decompose analyses repoPath and asks model to break goal into sub-tasks.
func (c *Client) Decompose(ctx context.Context, goal, repoPath, model string) (*Result, error) {
	a, err := Analyze(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	return c.DecomposeAnalysis(ctx, goal, a, model)
}

// DecomposeAnalysis is Decompose for a repository that was already analysed.
func (c *Client) DecomposeAnalysis(ctx context.Context, goal string, a *Analysis, model string) (*Result, error) {
	if model == "" {
		model = c.model
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := Request{
		Model:     model,
		System:    systemPrompt,
		User:      UserPrompt(goal, a),
		MaxTokens: c.maxTokens,
	}
	text, err := completeWithRetry(ctx, c.completer, req, c.breakers.Get(model), c.retry)
	if err != nil {
		return nil, fmt.Errorf("decompose with %s: %w", model, err)
	}
	return ParseResult(text)
}
