package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"clawd/internal/cost"
	"clawd/internal/logging"
	"clawd/internal/nlrouter"
)

// ChatMessage is one turn handed to the provider.
type ChatMessage struct {
	Role    string // user | assistant
	Content string
}

// ChatResponse is the provider's answer with its token accounting.
type ChatResponse struct {
	Response     string
	InputTokens  int
	OutputTokens int
	Provider     string
	Model        string
}

// AnthropicProvider is the AI provider adapter: free-form chat plus the
// intent classifier the NL router falls back to. Every call is recorded
// with the cost tracker.
type AnthropicProvider struct {
	client        anthropic.Client
	model         string
	classifyModel string
	tracker       *cost.Tracker
	maxRetries    uint64
	log           *logging.Logger
}

// NewAnthropicProvider builds the adapter. classifyModel defaults to
// model when empty; the classifier path usually runs a cheaper model.
func NewAnthropicProvider(apiKey, model, classifyModel string, tracker *cost.Tracker, maxRetries int) *AnthropicProvider {
	if classifyModel == "" {
		classifyModel = model
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &AnthropicProvider{
		client:        anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:         model,
		classifyModel: classifyModel,
		tracker:       tracker,
		maxRetries:    uint64(maxRetries),
		log:           logging.Get(logging.CategoryAdapters),
	}
}

const classifySystemPrompt = `You classify operator chat messages for a deployment bot.
Answer with a single JSON object, no prose, with keys:
intent (string), action (string), project (string), company (string),
confidence (0..1), ambiguous (bool), risk ("low"|"med"|"high"),
requiresConfirmation (bool), alternatives ([]string),
clarifyingQuestions ([]string),
confidenceFactors ({keywordMatch, contextMatch, historyMatch, specificity: 0..1}).
Use intent "conversation" for text that is not an operational command.`

// Classify implements the NL router's classifier contract.
func (p *AnthropicProvider) Classify(ctx context.Context, text string, chatCtx nlrouter.ChatContext) (*nlrouter.Classification, error) {
	prompt := text
	if chatCtx.Repo != "" || chatCtx.Company != "" {
		prompt = fmt.Sprintf("Chat context: repo=%s company=%s\nMessage: %s", chatCtx.Repo, chatCtx.Company, text)
	}

	raw, in, out, err := p.complete(ctx, p.classifyModel, classifySystemPrompt, []ChatMessage{{Role: "user", Content: prompt}}, 512)
	if err != nil {
		return nil, err
	}
	if p.tracker != nil {
		p.tracker.Record("anthropic", p.classifyModel, in, out, "classify")
	}

	var cls struct {
		Intent               string             `json:"intent"`
		Action               string             `json:"action"`
		Project              string             `json:"project"`
		Company              string             `json:"company"`
		Confidence           float64            `json:"confidence"`
		Ambiguous            bool               `json:"ambiguous"`
		Risk                 string             `json:"risk"`
		RequiresConfirmation bool               `json:"requiresConfirmation"`
		Alternatives         []string           `json:"alternatives"`
		ClarifyingQuestions  []string           `json:"clarifyingQuestions"`
		ConfidenceFactors    map[string]float64 `json:"confidenceFactors"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &cls); err != nil {
		return nil, fmt.Errorf("classifier returned unparseable JSON: %w", err)
	}
	return &nlrouter.Classification{
		Intent:               cls.Intent,
		Action:               cls.Action,
		Project:              cls.Project,
		Company:              cls.Company,
		Confidence:           cls.Confidence,
		Ambiguous:            cls.Ambiguous,
		Risk:                 nlrouter.Risk(cls.Risk),
		RequiresConfirmation: cls.RequiresConfirmation,
		Alternatives:         cls.Alternatives,
		ClarifyingQuestions:  cls.ClarifyingQuestions,
		ConfidenceFactors:    cls.ConfidenceFactors,
	}, nil
}

// Chat runs a free-form completion with the main model.
func (p *AnthropicProvider) Chat(ctx context.Context, system string, messages []ChatMessage, taskType string) (*ChatResponse, error) {
	raw, in, out, err := p.complete(ctx, p.model, system, messages, 2048)
	if err != nil {
		return nil, err
	}
	if p.tracker != nil {
		if taskType == "" {
			taskType = "chat"
		}
		p.tracker.Record("anthropic", p.model, in, out, taskType)
	}
	return &ChatResponse{
		Response:     raw,
		InputTokens:  in,
		OutputTokens: out,
		Provider:     "anthropic",
		Model:        p.model,
	}, nil
}

// complete performs one Messages call with exponential backoff on
// transient failures. The context deadline caps the whole retry loop.
func (p *AnthropicProvider) complete(ctx context.Context, model, system string, messages []ChatMessage, maxTokens int64) (text string, inTokens, outTokens int, err error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	var msg *anthropic.Message
	op := func() error {
		var callErr error
		msg, callErr = p.client.Messages.New(ctx, params)
		if callErr != nil {
			p.log.Debug("anthropic call failed, may retry: %v", callErr)
		}
		return callErr
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0 // the context deadline bounds us
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, p.maxRetries), ctx)); err != nil {
		return "", 0, 0, fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens), nil
}

// extractJSON trims prose or code fences around a JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
