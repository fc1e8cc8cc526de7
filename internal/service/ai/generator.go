package ai

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/flow/backend/internal/model/chat"
)

// ModelFactory builds a chat model bound to the supplied API key.
type ModelFactory func(ctx context.Context, apiKey string) (model.ChatModel, error)

// GeneratorConfig tunes reply synthesis.
type GeneratorConfig struct {
	HistoryLimit int
}

// Generator synthesizes persona-conditioned replies and reformats them into
// message bursts. Compiled chains are cached per API key and rebuilt when the
// caller switches keys; the cache is an explicit handle, never package state.
type Generator struct {
	factory      ModelFactory
	historyLimit int

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	replyChain compose.Runnable[map[string]any, *schema.Message]
	burstChain compose.Runnable[map[string]any, *schema.Message]
}

// NewGenerator creates a generator backed by the supplied model factory.
func NewGenerator(factory ModelFactory, cfg GeneratorConfig) *Generator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	return &Generator{
		factory:      factory,
		historyLimit: cfg.HistoryLimit,
		clients:      make(map[string]*client),
	}
}

const systemPreamble = `You are 'Flow', an intelligent AI assistant that replies to incoming messages on behalf of a busy user. Write the reply exactly as the user would write it themselves, in first person. Keep the reply concise and human-like.`

// Generate assembles the persona/context/history prompt and invokes the chat
// model once, returning the raw reply text.
func (g *Generator) Generate(ctx context.Context, cfg chat.TurnConfig, contextText string, history []chat.Message, query string) (string, error) {
	c, err := g.getClient(ctx, cfg.APIKey)
	if err != nil {
		return "", classifyProviderError(err)
	}

	input := map[string]any{
		"system": g.buildSystemPrompt(cfg.Persona, contextText, history),
		"query":  query,
	}

	response, err := c.replyChain.Invoke(ctx, input)
	if err != nil {
		return "", classifyProviderError(fmt.Errorf("run reply chain: %w", err))
	}

	log.Printf("[ai] generated reply, length=%d", len(response.Content))
	return response.Content, nil
}

// Warm eagerly builds the cached client for the supplied API key.
func (g *Generator) Warm(ctx context.Context, apiKey string) error {
	_, err := g.getClient(ctx, apiKey)
	return err
}

// Invalidate drops the cached client for the supplied API key, if any.
func (g *Generator) Invalidate(apiKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, apiKey)
}

func (g *Generator) getClient(ctx context.Context, apiKey string) (*client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}

	chatModel, err := g.factory(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	replyChain, err := compileChain(ctx, chatModel, replyTemplate())
	if err != nil {
		return nil, fmt.Errorf("compile reply chain: %w", err)
	}

	burstChain, err := compileChain(ctx, chatModel, burstTemplate())
	if err != nil {
		return nil, fmt.Errorf("compile burst chain: %w", err)
	}

	c := &client{replyChain: replyChain, burstChain: burstChain}
	g.clients[apiKey] = c
	return c, nil
}

func compileChain(ctx context.Context, chatModel model.ChatModel, template prompt.ChatTemplate) (compose.Runnable[map[string]any, *schema.Message], error) {
	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)
	return chain.Compile(ctx)
}

func replyTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("Incoming message (potentially a burst combined): {query}"),
	)
}

// buildSystemPrompt renders the fixed instruction plus persona, retrieved
// context and the recent history window as labeled lines.
func (g *Generator) buildSystemPrompt(persona, contextText string, history []chat.Message) string {
	if strings.TrimSpace(persona) == "" {
		persona = "A helpful assistant."
	}
	if strings.TrimSpace(contextText) == "" {
		contextText = "No context provided."
	}

	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\nUSER'S PERSONA & STYLE:\n")
	b.WriteString(persona)
	b.WriteString("\n\nRELEVANT INFORMATION FROM USER'S PROFILE (use this to craft the reply):\n")
	b.WriteString(contextText)
	b.WriteString("\n\nRECENT CHAT HISTORY (for overall context, if available):\n")
	b.WriteString(formatHistoryLines(history, g.historyLimit))
	return b.String()
}

func formatHistoryLines(history []chat.Message, limit int) string {
	if len(history) == 0 {
		return "(no prior history)"
	}

	start := 0
	if len(history) > limit {
		start = len(history) - limit
	}

	lines := make([]string, 0, len(history)-start)
	for _, msg := range history[start:] {
		switch msg.Role {
		case chat.RoleUser:
			lines = append(lines, "Sender: "+msg.Content)
		case chat.RoleAssistant:
			lines = append(lines, "Flow: "+msg.Content)
		default:
			lines = append(lines, "System: "+msg.Content)
		}
	}
	return strings.Join(lines, "\n")
}
