// Package agent orchestrates a conversation turn: retrieve stored
// context, compose the prompt, generate a reply, persist the exchange.
//
// One agent serves many sessions concurrently, but turns on the same
// session are serialized — a second concurrent turn fails fast with
// ErrSessionBusy instead of queueing.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfarias/augur/internal/knowledge"
	"github.com/dfarias/augur/internal/llm"
	"github.com/dfarias/augur/internal/observe"
)

// Agent-level errors.
var (
	// ErrSessionBusy means a turn is already in flight on the session.
	ErrSessionBusy = errors.New("agent: session busy")

	// ErrToolLoopExceeded means the model kept calling tools past the
	// configured depth without producing a final answer.
	ErrToolLoopExceeded = errors.New("agent: tool loop exceeded")
)

// TurnError tags a failed turn with the stage it died in and an opaque
// correlation id that also appears in the observability log.
type TurnError struct {
	CorrelationID string
	Stage         string
	Err           error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed during %s (correlation %s): %v", e.Stage, e.CorrelationID, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// LLM is the completion surface the agent needs. Satisfied by
// *llm.Client.
type LLM interface {
	Complete(ctx context.Context, systemPrompt string, messages []llm.Message, opts llm.Options) (*llm.Reply, error)
}

// Config holds agent tuning.
type Config struct {
	MaxContextItems    int
	ContextTokenBudget int
	MaxTokensPerTurn   int
	MaxToolDepth       int
	SessionWindow      int
	DefaultLanguage    string
	TurnTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxContextItems <= 0 {
		c.MaxContextItems = 5
	}
	if c.ContextTokenBudget <= 0 {
		c.ContextTokenBudget = 2048
	}
	if c.MaxTokensPerTurn <= 0 {
		c.MaxTokensPerTurn = 1024
	}
	if c.MaxToolDepth <= 0 {
		c.MaxToolDepth = 4
	}
	if c.SessionWindow <= 0 {
		c.SessionWindow = 10
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "pt-br"
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2 * time.Minute
	}
	return c
}

// Agent drives turns against a repository and an LLM.
type Agent struct {
	repo *knowledge.Repository
	llm  LLM
	hook observe.Hook
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an Agent. A nil hook defaults to the discard hook.
func New(repo *knowledge.Repository, model LLM, hook observe.Hook, cfg Config) *Agent {
	if hook == nil {
		hook = observe.Nop{}
	}
	return &Agent{
		repo:     repo,
		llm:      model,
		hook:     hook,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Session returns the session with the given id, creating it on first
// use. An empty id creates a session with a generated id.
func (a *Agent) Session(id string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id != "" {
		if s, ok := a.sessions[id]; ok {
			return s
		}
	}
	s := newSession(id, a.cfg.SessionWindow)
	a.sessions[s.ID] = s
	return s
}

// ClearSession drops the message window and turn counter of a session.
func (a *Agent) ClearSession(id string) {
	a.mu.Lock()
	s, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return
	}
	if !s.tryAcquire() {
		return
	}
	defer s.release()
	s.clear()
}

// Stats returns aggregate store counts.
func (a *Agent) Stats(ctx context.Context) (*knowledge.Stats, error) {
	return a.repo.Stats(ctx)
}

// IngestFile ingests one file into the knowledge base.
func (a *Agent) IngestFile(ctx context.Context, path string) (knowledge.IngestOutcome, error) {
	return a.repo.IngestFromFile(ctx, path)
}

// IngestDir ingests every supported file under dir. Per-file failures
// are reported in the results, not returned as an error.
func (a *Agent) IngestDir(ctx context.Context, dir string) ([]knowledge.FileResult, error) {
	return a.repo.IngestDir(ctx, dir)
}

// ─── Turn state machine ──────────────────────────────────────────────────────

// Turn runs one full cycle for the session and returns the reply. The
// persisted conversation row is best-effort: a persistence failure is
// reported through the hook but does not invalidate the reply.
func (a *Agent) Turn(ctx context.Context, sessionID, userMessage string) (string, error) {
	sess := a.Session(sessionID)
	if !sess.tryAcquire() {
		return "", fmt.Errorf("%w: session %s", ErrSessionBusy, sess.ID)
	}
	defer sess.release()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.TurnTimeout)
	defer cancel()

	correlationID := uuid.NewString()
	a.hook.Emit(observe.Event{Kind: observe.TurnStarted, SessionID: sess.ID, CorrelationID: correlationID})

	fail := func(stage string, err error) (string, error) {
		a.hook.Emit(observe.Event{
			Kind:          observe.TurnFailed,
			SessionID:     sess.ID,
			CorrelationID: correlationID,
			Stage:         stage,
			Reason:        err.Error(),
		})
		return "", &TurnError{CorrelationID: correlationID, Stage: stage, Err: err}
	}

	// Retrieving
	retrieveStart := time.Now()
	items, err := a.retrieve(ctx, userMessage)
	if err != nil {
		return fail("retrieving", err)
	}
	a.hook.Emit(observe.Event{
		Kind:          observe.RetrievalCompleted,
		SessionID:     sess.ID,
		CorrelationID: correlationID,
		Count:         len(items),
		LatencyMS:     time.Since(retrieveStart).Milliseconds(),
	})

	// Composing
	system := systemPrompt(a.cfg.DefaultLanguage)
	messages, _ := composePrompt(system, items, sess.window, userMessage, a.cfg.ContextTokenBudget)

	// Generating — loop while the model asks for tools, bounded by
	// MaxToolDepth.
	reply, err := a.generate(ctx, sess, correlationID, system, messages)
	if err != nil {
		return fail("generating", err)
	}

	// Persisting — failure is logged, the reply survives.
	if _, err := a.repo.AppendConversation(ctx, sess.ID, userMessage, reply, ""); err != nil {
		a.hook.Emit(observe.Event{
			Kind:          observe.TurnFailed,
			SessionID:     sess.ID,
			CorrelationID: correlationID,
			Stage:         "persisting",
			Reason:        err.Error(),
		})
	} else {
		a.hook.Emit(observe.Event{Kind: observe.TurnPersisted, SessionID: sess.ID, CorrelationID: correlationID})
	}

	sess.recordTurn(userMessage, reply)
	return reply, nil
}

// retrieve gathers up to MaxContextItems ranked items for the query:
// matching PRPs first, then knowledge rows.
func (a *Agent) retrieve(ctx context.Context, userMessage string) ([]contextItem, error) {
	query := knowledge.NormalizeQuery(userMessage)

	var items []contextItem

	prps, err := a.repo.SearchPRPs(ctx, query, a.cfg.MaxContextItems)
	if err != nil {
		return nil, err
	}
	for _, p := range prps {
		items = append(items, itemFromPRP(p))
	}

	rows, err := a.repo.Search(ctx, query, a.cfg.MaxContextItems)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		items = append(items, itemFromRow(row))
	}

	orderItems(items)
	if len(items) > a.cfg.MaxContextItems {
		items = items[:a.cfg.MaxContextItems]
	}
	return items, nil
}

// generate calls the model, dispatching requested tool calls until a
// final textual answer arrives or the depth guard trips.
func (a *Agent) generate(ctx context.Context, sess *Session, correlationID, system string, messages []llm.Message) (string, error) {
	opts := llm.Options{
		MaxTokens: a.cfg.MaxTokensPerTurn,
		Tools:     a.toolSchemas(),
	}

	for depth := 0; depth < a.cfg.MaxToolDepth; depth++ {
		llmStart := time.Now()
		reply, err := a.llm.Complete(ctx, system, messages, opts)
		if err != nil {
			return "", err
		}
		a.hook.Emit(observe.Event{
			Kind:          observe.LLMCompleted,
			SessionID:     sess.ID,
			CorrelationID: correlationID,
			TokensIn:      reply.TokensIn,
			TokensOut:     reply.TokensOut,
			LatencyMS:     time.Since(llmStart).Milliseconds(),
		})

		if len(reply.ToolCalls) == 0 {
			return reply.Content, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})
		for _, call := range reply.ToolCalls {
			a.hook.Emit(observe.Event{
				Kind:          observe.ToolInvoked,
				SessionID:     sess.ID,
				CorrelationID: correlationID,
				Tool:          call.Name,
			})
			result := a.dispatchTool(ctx, call)
			if strings.HasPrefix(result, "error:") {
				a.hook.Emit(observe.Event{
					Kind:          observe.ToolFailed,
					SessionID:     sess.ID,
					CorrelationID: correlationID,
					Tool:          call.Name,
					Reason:        result,
				})
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return "", fmt.Errorf("%w: depth %d", ErrToolLoopExceeded, a.cfg.MaxToolDepth)
}

// ─── Direct intents ──────────────────────────────────────────────────────────
//
// These bypass free-form generation: the CLI (or any caller) invokes
// them explicitly, and they validate inputs and forward to the
// repository.

// CreatePRP creates a PRP document.
func (a *Agent) CreatePRP(ctx context.Context, p knowledge.CreatePRPParams) (*knowledge.PRP, error) {
	if p.Name == "" || p.Title == "" {
		return nil, fmt.Errorf("agent: PRP name and title are required")
	}
	return a.repo.CreatePRP(ctx, p)
}

// ListPRPs lists PRP documents.
func (a *Agent) ListPRPs(ctx context.Context, filter knowledge.PRPFilter) ([]knowledge.PRP, error) {
	return a.repo.ListPRPs(ctx, filter)
}

// GetPRP fetches a PRP by id or name.
func (a *Agent) GetPRP(ctx context.Context, ref string) (*knowledge.PRP, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("agent: PRP reference is required")
	}
	return a.repo.GetPRP(ctx, ref)
}

// SetPRPStatus moves a PRP between statuses.
func (a *Agent) SetPRPStatus(ctx context.Context, id int64, status string) error {
	if id <= 0 {
		return fmt.Errorf("agent: PRP id is required")
	}
	return a.repo.SetPRPStatus(ctx, id, status)
}

// AnalyzePRP returns a structured summary of a PRP. A PRP still
// carrying translation annotations is resolved first: the annotated
// fields are translated through the model and written back, so the
// conversion happens exactly once.
func (a *Agent) AnalyzePRP(ctx context.Context, ref string) (string, error) {
	prp, err := a.GetPRP(ctx, ref)
	if err != nil {
		return "", err
	}

	if prp.NeedsTranslation() {
		prp, err = a.resolveTranslation(ctx, prp)
		if err != nil {
			return "", fmt.Errorf("agent: resolving translation: %w", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "PRP #%d %s\n", prp.ID, prp.Name)
	fmt.Fprintf(&b, "Title: %s\n", prp.Title)
	fmt.Fprintf(&b, "Status: %s | Priority: %s\n", prp.Status, prp.Priority)
	if len(prp.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(prp.Tags, ", "))
	}
	fmt.Fprintf(&b, "Description: %s\n", prp.Description)
	fmt.Fprintf(&b, "Objective: %s\n", prp.Objective)
	if prp.ImplementationDetails != "" {
		fmt.Fprintf(&b, "Implementation: %s\n", prp.ImplementationDetails)
	}
	if prp.ValidationGates != "" {
		fmt.Fprintf(&b, "Validation gates: %s\n", prp.ValidationGates)
	}
	return b.String(), nil
}

// resolveTranslation asks the model to translate the annotated fields
// and persists the result, replacing the annotations.
func (a *Agent) resolveTranslation(ctx context.Context, prp *knowledge.PRP) (*knowledge.PRP, error) {
	type fields struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Objective   string `json:"objective"`
	}

	in := fields{Title: prp.Title, Description: prp.Description, Objective: prp.Objective}
	lang := a.cfg.DefaultLanguage
	for _, f := range []*string{&in.Title, &in.Description, &in.Objective} {
		if l, original, ok := knowledge.ParseTranslationAnnotation(*f); ok {
			lang = l
			*f = original
		}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	reply, err := a.llm.Complete(ctx,
		fmt.Sprintf("Translate the JSON field values to %s. Reply with the same JSON object only.", lang),
		[]llm.Message{{Role: "user", Content: string(payload)}},
		llm.Options{MaxTokens: a.cfg.MaxTokensPerTurn},
	)
	if err != nil {
		return nil, err
	}

	var out fields
	if err := json.Unmarshal([]byte(reply.Content), &out); err != nil {
		return nil, fmt.Errorf("model did not return the expected JSON: %w", err)
	}
	if out.Title == "" {
		out.Title = in.Title
	}
	if out.Description == "" {
		out.Description = in.Description
	}
	if out.Objective == "" {
		out.Objective = in.Objective
	}

	return a.repo.UpdatePRP(ctx, prp.ID, knowledge.PRPPatch{
		Title:       &out.Title,
		Description: &out.Description,
		Objective:   &out.Objective,
	})
}
