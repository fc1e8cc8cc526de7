package flow

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/zhouzirui/flow/backend/internal/model/chat"
)

var ErrEmptyMessage = errors.New("message is required")

// DefaultQuietPeriod is the debounce window: the pause after the last message
// of a burst before the burst is flushed through the pipeline.
const DefaultQuietPeriod = 5 * time.Second

// Retriever resolves profile context for a merged burst query.
type Retriever interface {
	Retrieve(ctx context.Context, cfg chat.TurnConfig, query string) (string, []*schema.Document, error)
	Warm(ctx context.Context, cfg chat.TurnConfig) error
	Invalidate(cfg chat.TurnConfig)
}

// Generator synthesizes a reply for a merged burst query and reformats it
// into delivery fragments.
type Generator interface {
	Generate(ctx context.Context, cfg chat.TurnConfig, contextText string, history []chat.Message, query string) (string, error)
	FormatBurst(ctx context.Context, cfg chat.TurnConfig, reply, query string) ([]string, error)
	Warm(ctx context.Context, apiKey string) error
	Invalidate(apiKey string)
}

// Config tunes the aggregation service.
type Config struct {
	QuietPeriod time.Duration
}

// Service owns all per-session conversation state: transcript, burst buffer,
// debounce timer and the pending-response queue. Every operation on one
// session serializes through that session's mutex; sessions never share a
// lock, so one session's in-flight pipeline cannot delay another.
type Service struct {
	retriever Retriever
	generator Generator
	quiet     time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

// session holds the state the registry owns exclusively for one conversation.
// All fields behind mu; the timer callback re-checks gen under mu so a timer
// that lost a cancel race observes a newer generation and no-ops.
type session struct {
	id        string
	createdAt time.Time

	mu          sync.Mutex
	history     []chat.Message
	buffer      []string
	queue       []string
	timer       *time.Timer
	gen         uint64
	snapHistory []chat.Message
	snapCfg     chat.TurnConfig
	lastCfg     chat.TurnConfig
}

// NewService bootstraps the in-memory aggregation service.
func NewService(retriever Retriever, generator Generator, cfg Config) *Service {
	quiet := cfg.QuietPeriod
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Service{
		retriever: retriever,
		generator: generator,
		quiet:     quiet,
		sessions:  make(map[string]*session),
	}
}

// OnMessage buffers an incoming message and re-arms the session's debounce
// timer. The first message of a burst freezes a snapshot of the transcript
// and config so a turn resolving mid-burst cannot leak into this burst's
// context. The message is appended to the transcript immediately.
func (s *Service) OnMessage(_ context.Context, sessionID, text string, cfg chat.TurnConfig) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	sess := s.getOrCreate(sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if len(sess.buffer) == 0 {
		sess.snapHistory = copyMessages(sess.history)
		sess.snapCfg = cfg
	}
	sess.buffer = append(sess.buffer, text)
	sess.lastCfg = cfg

	sess.history = append(sess.history, chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      chat.RoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	})

	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.gen++
	gen := sess.gen
	sess.timer = time.AfterFunc(s.quiet, func() {
		s.flush(sess, gen)
	})

	return nil
}

// PopResponse pops exactly one pending fragment in FIFO order. The popped
// fragment is appended to the transcript as an assistant turn at this point,
// so history reflects only delivered fragments.
func (s *Service) PopResponse(_ context.Context, sessionID string) (chat.Message, bool) {
	sess := s.getOrCreate(sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if len(sess.queue) == 0 {
		return chat.Message{}, false
	}

	fragment := sess.queue[0]
	sess.queue = sess.queue[1:]

	msg := chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      chat.RoleAssistant,
		Content:   fragment,
		CreatedAt: time.Now().UTC(),
	}
	sess.history = append(sess.history, msg)
	return msg, true
}

// History returns a copy of the session transcript.
func (s *Service) History(_ context.Context, sessionID string) []chat.Message {
	sess := s.getOrCreate(sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return copyMessages(sess.history)
}

// Reset clears the transcript, burst buffer and pending queue, cancels any
// live timer, and invalidates cached resources keyed to the previous
// configuration when it differs from the new one. Rebuilding for the new
// configuration is best-effort; a failure is logged and the next turn
// retries lazily.
func (s *Service) Reset(ctx context.Context, sessionID string, cfg chat.TurnConfig) error {
	sess := s.getOrCreate(sessionID)

	sess.mu.Lock()
	prev := sess.lastCfg
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.gen++
	sess.history = nil
	sess.buffer = nil
	sess.queue = nil
	sess.snapHistory = nil
	sess.snapCfg = chat.TurnConfig{}
	sess.lastCfg = cfg
	sess.mu.Unlock()

	if prev != cfg && (prev.APIKey != "" || prev.Profile != "") {
		s.retriever.Invalidate(prev)
	}
	if prev.APIKey != "" && prev.APIKey != cfg.APIKey {
		s.generator.Invalidate(prev.APIKey)
	}

	if err := s.retriever.Warm(ctx, cfg); err != nil {
		log.Printf("[flow] eager index rebuild failed for session=%s: %v", sessionID, err)
	}
	if cfg.APIKey != "" {
		if err := s.generator.Warm(ctx, cfg.APIKey); err != nil {
			log.Printf("[flow] eager model rebuild failed for session=%s: %v", sessionID, err)
		}
	}

	log.Printf("[flow] reset session=%s", sessionID)
	return nil
}

// flush drains the burst buffer and runs the pipeline. A stale generation
// means a newer message re-armed the debounce after this timer fired: the
// flush must no-op and leave the buffer for the newer timer. The session
// lock is held across the pipeline call, so one session processes at most
// one turn at a time; messages arriving meanwhile wait on the lock, then
// start a fresh buffer/timer cycle.
func (s *Service) flush(sess *session, gen uint64) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if gen != sess.gen {
		return
	}
	sess.timer = nil
	if len(sess.buffer) == 0 {
		return
	}

	merged := strings.Join(sess.buffer, " ")
	sess.buffer = nil
	cfg := sess.snapCfg
	history := sess.snapHistory
	sess.snapHistory = nil

	log.Printf("[flow] flushing burst for session=%s, merged length=%d", sess.id, len(merged))
	fragments := s.runPipeline(context.Background(), sess.id, cfg, history, merged)
	sess.queue = append(sess.queue, fragments...)
	log.Printf("[flow] queued %d fragments for session=%s", len(fragments), sess.id)
}

// runPipeline executes retrieval, generation and burst formatting for one
// merged query. It always returns at least one fragment: pipeline errors
// become a single error-labeled fragment and formatter degradation falls
// back to the unformatted reply.
func (s *Service) runPipeline(ctx context.Context, sessionID string, cfg chat.TurnConfig, history []chat.Message, query string) []string {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return []string{"Flow Error: API key is required."}
	}

	contextText, ranked, err := s.retriever.Retrieve(ctx, cfg, query)
	if err != nil {
		log.Printf("[flow] retrieval failed for session=%s: %v", sessionID, err)
		return []string{"Flow Error: " + err.Error()}
	}
	log.Printf("[flow] retrieved %d chunks for session=%s", len(ranked), sessionID)

	reply, err := s.generator.Generate(ctx, cfg, contextText, history, query)
	if err != nil {
		log.Printf("[flow] generation failed for session=%s: %v", sessionID, err)
		return []string{"Flow Error: " + err.Error()}
	}
	if strings.TrimSpace(reply) == "" {
		return []string{"(No response generated)"}
	}

	fragments, err := s.generator.FormatBurst(ctx, cfg, reply, query)
	if err != nil || len(fragments) == 0 {
		if err != nil {
			log.Printf("[flow] burst formatting failed for session=%s, delivering whole reply: %v", sessionID, err)
		}
		return []string{strings.TrimSpace(reply)}
	}
	return fragments
}

// getOrCreate is idempotent: concurrent calls for the same id converge on a
// single session without losing buffered state.
func (s *Service) getOrCreate(sessionID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	sess = &session{id: sessionID, createdAt: time.Now().UTC()}
	s.sessions[sessionID] = sess
	return sess
}

func copyMessages(messages []chat.Message) []chat.Message {
	if len(messages) == 0 {
		return nil
	}
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied
}
