// Package conversation runs the ask / follow-up cycle of a chat session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"doc-chat/internal/extract"
	"doc-chat/internal/llm"
	"doc-chat/internal/memory"
	"doc-chat/internal/source"
	"doc-chat/internal/transcript"
)

var (
	ErrBusy              = errors.New("a question is already being answered")
	ErrNoFollowUpPending = errors.New("no follow-up choice is pending")
	ErrEmptyQuestion     = errors.New("question must not be empty")
	ErrTooManyURLs       = source.ErrTooManyURLs
)

// ContextGatherer builds the system context for a question.
type ContextGatherer interface {
	Gather(ctx context.Context, src source.Sources) (string, error)
}

// ProviderSelector resolves a provider to an adapter or a *llm.ConfigurationError.
type ProviderSelector interface {
	Select(p llm.Provider) (llm.Adapter, error)
}

// Listener receives the progress of one answer. Calls happen on the goroutine
// running Ask or FollowUp.
type Listener interface {
	OnPartial(text string)
	OnFinal(text string)
	OnError(err error)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnPartial(string) {}
func (NopListener) OnFinal(string)   {}
func (NopListener) OnError(error)    {}

// Reply is the outcome of Ask or FollowUp.
type Reply struct {
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
	State    State  `json:"state"`
	Prompt   string `json:"prompt,omitempty"`
}

// Deps are the collaborators shared by every controller.
type Deps struct {
	Providers ProviderSelector
	Gatherer  ContextGatherer
	Memory    memory.Options
	Log       *slog.Logger
}

// Controller owns one Session and serializes its state transitions.
type Controller struct {
	deps Deps

	mu      sync.Mutex
	session *Session
	policy  memory.Policy
}

// NewController validates the session settings and returns its controller.
func NewController(s *Session, deps Deps) (*Controller, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	policy, err := memory.New(s.Memory, deps.Memory)
	if err != nil {
		return nil, err
	}
	if _, err := llm.ModelFor(s.Provider, s.Tier); err != nil {
		return nil, err
	}
	if len(s.URLs) > source.MaxURLs {
		return nil, ErrTooManyURLs
	}
	return &Controller{deps: deps, session: s, policy: policy}, nil
}

// Session returns a copy of the current session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone()
}

// State returns the current follow-up state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

// Ask answers question. A pending follow-up offer is declined implicitly.
func (c *Controller) Ask(ctx context.Context, question string, l Listener) (Reply, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Reply{State: c.State()}, ErrEmptyQuestion
	}
	return c.ask(ctx, question, l, false)
}

// FollowUp applies the user's answer to the follow-up offer. Yes asks for more
// detail on the previous answer; No returns to idle without calling a provider.
func (c *Controller) FollowUp(ctx context.Context, choice Choice, l Listener) (Reply, error) {
	switch choice {
	case ChoiceYes:
		return c.ask(ctx, FollowUpQuestion, l, true)
	case ChoiceNo:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session.State != StateAwaitingFollowUpChoice {
			return Reply{State: c.session.State}, ErrNoFollowUpPending
		}
		c.session.State = StateIdle
		return Reply{State: StateIdle, Prompt: NextQuestionPrompt}, nil
	default:
		return Reply{State: c.State()}, fmt.Errorf("invalid choice %q", choice)
	}
}

func (c *Controller) ask(ctx context.Context, question string, l Listener, followUp bool) (Reply, error) {
	if l == nil {
		l = NopListener{}
	}

	c.mu.Lock()
	switch {
	case c.session.State.Busy():
		c.mu.Unlock()
		return Reply{State: StateAwaitingAnswer}, ErrBusy
	case followUp && c.session.State != StateAwaitingFollowUpChoice:
		st := c.session.State
		c.mu.Unlock()
		return Reply{State: st}, ErrNoFollowUpPending
	}
	adapter, err := c.deps.Providers.Select(c.session.Provider)
	if err != nil {
		st := c.session.State
		c.mu.Unlock()
		return Reply{State: st}, err
	}

	prior := c.session.Transcript.Turns()
	c.session.Transcript.Append(transcript.User, question)
	c.session.State = StateAwaitingAnswer
	sources := source.Sources{
		URLs:        append([]string(nil), c.session.URLs...),
		VectorQuery: question,
		Collection:  c.session.Collection,
	}
	if c.session.Document != nil {
		text := c.session.Document.Text
		sources.Document = &text
	}
	req := llm.Request{
		Provider: c.session.Provider,
		Tier:     c.session.Tier,
		History:  c.policy.Snapshot(prior),
		Question: question,
	}
	log := c.deps.Log.With("session_id", c.session.ID, "provider", req.Provider, "tier", req.Tier)
	c.mu.Unlock()

	settled := false
	defer func() {
		if !settled {
			c.settle(StateIdle, "")
		}
	}()

	start := time.Now()
	req.SystemContext, err = c.deps.Gatherer.Gather(ctx, sources)
	if err != nil {
		settled = true
		c.settle(StateIdle, "")
		l.OnError(err)
		return Reply{Question: question, State: StateIdle}, fmt.Errorf("gather context: %w", err)
	}

	answer, err := consume(ctx, adapter, req, l)
	if err != nil {
		settled = true
		c.settle(StateIdle, "")
		log.Warn("provider request failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		l.OnError(err)
		return Reply{Question: question, State: StateIdle}, err
	}

	settled = true
	c.settle(StateAwaitingFollowUpChoice, answer)
	log.Info("question answered", "follow_up", followUp, "history_turns", len(req.History), "duration_ms", time.Since(start).Milliseconds())
	l.OnFinal(answer)
	return Reply{Question: question, Answer: answer, State: StateAwaitingFollowUpChoice, Prompt: FollowUpOffer}, nil
}

// consume drains the provider stream, forwarding partial text to l.
func consume(ctx context.Context, adapter llm.Adapter, req llm.Request, l Listener) (string, error) {
	stream := adapter.Generate(ctx, req)
	defer stream.Close()

	final, gotFinal := "", false
	for stream.Next() {
		r := stream.Current()
		if r.Partial {
			l.OnPartial(r.Text)
			continue
		}
		final, gotFinal = r.Text, true
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	if !gotFinal || strings.TrimSpace(final) == "" {
		return "", &llm.ProviderError{Provider: req.Provider, Message: "empty response"}
	}
	return final, nil
}

// settle ends an in-flight request. A non-empty answer is recorded as an
// assistant turn.
func (c *Controller) settle(next State, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if answer != "" {
		c.session.Transcript.Append(transcript.Assistant, answer)
	}
	c.session.State = next
}

// AttachDocument extracts an upload and makes it the session document. A file
// that cannot be extracted leaves the previous document in place.
func (c *Controller) AttachDocument(filename, mimetype string, data []byte) (Document, error) {
	text, err := extract.Text(data, mimetype, filename)
	if err != nil {
		return Document{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State.Busy() {
		return Document{}, ErrBusy
	}
	doc := Document{Filename: filename, Text: text}
	c.session.Document = &doc
	return doc, nil
}

// SetURLs replaces the session's web pages. Blank entries are dropped.
func (c *Controller) SetURLs(urls []string) error {
	kept := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			kept = append(kept, u)
		}
	}
	if len(kept) > source.MaxURLs {
		return ErrTooManyURLs
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State.Busy() {
		return ErrBusy
	}
	c.session.URLs = kept
	return nil
}

// SetCollection selects the vector index collection searched for each question.
// An empty name disables vector context.
func (c *Controller) SetCollection(collection string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State.Busy() {
		return ErrBusy
	}
	c.session.Collection = strings.TrimSpace(collection)
	return nil
}

// SelectProvider switches provider and tier. Unavailable providers are rejected
// with *llm.ConfigurationError.
func (c *Controller) SelectProvider(p llm.Provider, tier llm.Tier) error {
	if tier == "" {
		tier = llm.TierBasic
	}
	if _, err := llm.ModelFor(p, tier); err != nil {
		return err
	}
	if _, err := c.deps.Providers.Select(p); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State.Busy() {
		return ErrBusy
	}
	c.session.Provider, c.session.Tier = p, tier
	return nil
}

// SetMemory switches the memory policy used for later questions.
func (c *Controller) SetMemory(kind memory.Kind) error {
	policy, err := memory.New(kind, c.deps.Memory)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State.Busy() {
		return ErrBusy
	}
	c.session.Memory, c.policy = policy.Kind(), policy
	return nil
}

// Reset clears the transcript and returns to idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State.Busy() {
		return ErrBusy
	}
	c.session.Transcript.Reset()
	c.session.State = StateIdle
	return nil
}
