// Package llm executes prompts against hosted model providers and records the
// outcome into the prompt's run history.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/floegence/promptvault/internal/prompt"
	"github.com/floegence/promptvault/internal/store"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 1024

	// historyCap bounds the per-prompt run history; oldest runs fall off.
	historyCap = 50
)

type Runner struct {
	log   *slog.Logger
	store *store.Store

	openaiKey    string
	anthropicKey string

	now func() time.Time
}

type Options struct {
	Logger *slog.Logger
	Store  *store.Store

	OpenAIAPIKey    string
	AnthropicAPIKey string

	// Now overrides the clock (tests).
	Now func() time.Time
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		log:          logger,
		store:        opts.Store,
		openaiKey:    strings.TrimSpace(opts.OpenAIAPIKey),
		anthropicKey: strings.TrimSpace(opts.AnthropicAPIKey),
		now:          now,
	}, nil
}

// Substitute replaces {{name}} placeholders in text with values from vars.
// Unknown placeholders are left as-is so the user can see what is missing.
func Substitute(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	for name, value := range vars {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		text = strings.ReplaceAll(text, "{{"+name+"}}", value)
	}
	return text
}

// Run executes the prompt once and appends the result to its history via the
// store. vars override the prompt's last-used variable bindings; the merged
// bindings are persisted for the next run. The returned HistoryRun carries
// the provider error text when the call failed.
func (r *Runner) Run(ctx context.Context, id string, vars map[string]string) (*prompt.HistoryRun, error) {
	if r == nil {
		return nil, errors.New("nil runner")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, strings.TrimSpace(id))
	}

	merged := make(map[string]string, len(p.LastVariableValues)+len(vars))
	for k, v := range p.LastVariableValues {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}

	model := strings.TrimSpace(p.Config.Model)
	if model == "" {
		model = defaultModel
	}

	run := prompt.HistoryRun{
		RunID:           prompt.NewID(),
		Model:           model,
		Variables:       merged,
		CreatedAtUnixMs: r.now().UnixMilli(),
	}

	start := r.now()
	output, callErr := r.complete(ctx, model, p.Config, Substitute(p.SystemInstruction, merged), Substitute(p.Content, merged))
	run.DurationMs = r.now().Sub(start).Milliseconds()
	if callErr != nil {
		run.Error = callErr.Error()
		r.log.Warn("prompt run failed", "id", p.ID, "model", model, "error", callErr)
	} else {
		run.Output = output
	}

	p.History = append(p.History, run)
	if len(p.History) > historyCap {
		p.History = p.History[len(p.History)-historyCap:]
	}
	p.LastVariableValues = merged
	if err := r.store.Update(ctx, p); err != nil {
		return &run, err
	}
	return &run, callErr
}

// SaveRun promotes a history run to a named saved snapshot.
func (r *Runner) SaveRun(ctx context.Context, id string, runID string, name string, notes string) error {
	if r == nil {
		return errors.New("nil runner")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("missing run id")
	}

	p, err := r.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: %s", store.ErrNotFound, strings.TrimSpace(id))
	}

	for i := range p.History {
		if p.History[i].RunID != runID {
			continue
		}
		p.SavedRuns = append(p.SavedRuns, prompt.SavedRun{
			RunID:           runID,
			Name:            strings.TrimSpace(name),
			Output:          p.History[i].Output,
			Notes:           strings.TrimSpace(notes),
			CreatedAtUnixMs: r.now().UnixMilli(),
		})
		return r.store.Update(ctx, p)
	}
	return fmt.Errorf("%w: run %s", store.ErrNotFound, runID)
}

func (r *Runner) complete(ctx context.Context, model string, cfg prompt.GenerationConfig, system string, user string) (string, error) {
	if isAnthropicModel(model) {
		return r.completeAnthropic(ctx, model, cfg, system, user)
	}
	return r.completeOpenAI(ctx, model, cfg, system, user)
}

func isAnthropicModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "claude")
}

func (r *Runner) completeOpenAI(ctx context.Context, model string, cfg prompt.GenerationConfig, system string, user string) (string, error) {
	if r.openaiKey == "" {
		return "", errors.New("missing openai api key")
	}
	client := openai.NewClient(ooption.WithAPIKey(r.openaiKey))

	var messages []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if cfg.Temperature > 0 {
		params.Temperature = openai.Float(cfg.Temperature)
	}
	if cfg.TopP > 0 {
		params.TopP = openai.Float(cfg.TopP)
	}
	if cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(cfg.MaxTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

func (r *Runner) completeAnthropic(ctx context.Context, model string, cfg prompt.GenerationConfig, system string, user string) (string, error) {
	if r.anthropicKey == "" {
		return "", errors.New("missing anthropic api key")
	}
	client := anthropic.NewClient(aoption.WithAPIKey(r.anthropicKey))

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}
	if cfg.TopP > 0 {
		params.TopP = anthropic.Float(cfg.TopP)
	}
	if cfg.TopK > 0 {
		params.TopK = anthropic.Int(int64(cfg.TopK))
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}
