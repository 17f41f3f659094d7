package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doc-chat/internal/llm"
	"doc-chat/internal/logger"
	"doc-chat/internal/memory"
	"doc-chat/internal/source"
	"doc-chat/internal/transcript"
)

type stubGatherer struct {
	mu    sync.Mutex
	calls []source.Sources
	err   error
}

func (g *stubGatherer) Gather(_ context.Context, src source.Sources) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, src)
	if g.err != nil {
		return "", g.err
	}
	return "ctx for " + src.VectorQuery, nil
}

type recorder struct {
	partials []string
	finals   []string
	errs     []error
}

func (r *recorder) OnPartial(t string) { r.partials = append(r.partials, t) }
func (r *recorder) OnFinal(t string)   { r.finals = append(r.finals, t) }
func (r *recorder) OnError(err error)  { r.errs = append(r.errs, err) }

func newTestController(t *testing.T, adapter *llm.MockAdapter, settings Settings) (*Controller, *stubGatherer) {
	t.Helper()
	providers := llm.NewRegistry()
	providers.Register(adapter)
	g := &stubGatherer{}
	if settings.Provider == "" {
		settings.Provider = adapter.Provider()
	}
	c, err := NewController(NewSession(settings), Deps{
		Providers: providers,
		Gatherer:  g,
		Log:       logger.Discard(),
	})
	require.NoError(t, err)
	return c, g
}

func TestAskStreamsAndAwaitsFollowUp(t *testing.T) {
	adapter := &llm.MockAdapter{}
	adapter.On("Generate", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return req.Question == "What is Go?" && req.SystemContext == "ctx for What is Go?" && len(req.History) == 0
	})).Return(llm.Chunks(llm.ProviderOpenAI, []string{"A ", "language"}, "A language"))

	c, _ := newTestController(t, adapter, Settings{})
	rec := &recorder{}

	reply, err := c.Ask(context.Background(), "  What is Go?  ", rec)
	require.NoError(t, err)
	assert.Equal(t, Reply{Question: "What is Go?", Answer: "A language", State: StateAwaitingFollowUpChoice, Prompt: FollowUpOffer}, reply)
	assert.Equal(t, []string{"A ", "language"}, rec.partials)
	assert.Equal(t, []string{"A language"}, rec.finals)

	turns := c.Session().Transcript.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, transcript.User, turns[0].Speaker)
	assert.Equal(t, transcript.Assistant, turns[1].Speaker)
	assert.Equal(t, "A language", turns[1].Text)
	assert.Equal(t, StateAwaitingFollowUpChoice, c.State())
}

func TestProviderErrorReturnsToIdle(t *testing.T) {
	adapter := &llm.MockAdapter{}
	adapter.On("Generate", mock.Anything, mock.Anything).
		Return(llm.Failed(llm.ProviderOpenAI, errors.New("rate limited")))

	c, _ := newTestController(t, adapter, Settings{})
	rec := &recorder{}

	reply, err := c.Ask(context.Background(), "q", rec)
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StateIdle, reply.State)
	assert.Equal(t, StateIdle, c.State())
	require.Len(t, rec.errs, 1)
	assert.Empty(t, rec.finals)

	turns := c.Session().Transcript.Turns()
	require.Len(t, turns, 1, "user turn stays, no assistant turn")
	assert.Equal(t, transcript.User, turns[0].Speaker)
}

func TestFollowUpNoMakesNoCall(t *testing.T) {
	adapter := &llm.MockAdapter{}
	adapter.On("Generate", mock.Anything, mock.Anything).
		Return(llm.Chunks(llm.ProviderOpenAI, nil, "answer")).Once()

	c, _ := newTestController(t, adapter, Settings{})
	_, err := c.Ask(context.Background(), "q", nil)
	require.NoError(t, err)
	before := c.Session().Transcript.Len()

	reply, err := c.FollowUp(context.Background(), ChoiceNo, nil)
	require.NoError(t, err)
	assert.Equal(t, Reply{State: StateIdle, Prompt: NextQuestionPrompt}, reply)
	assert.Equal(t, before, c.Session().Transcript.Len())
	adapter.AssertNumberOfCalls(t, "Generate", 1)
}

func TestFollowUpYesAsksForDetail(t *testing.T) {
	adapter := &llm.MockAdapter{}
	adapter.On("Generate", mock.Anything, mock.MatchedBy(func(req llm.Request) bool { return req.Question == "q" })).
		Return(llm.Chunks(llm.ProviderOpenAI, nil, "short"))
	adapter.On("Generate", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return req.Question == FollowUpQuestion && len(req.History) == 2
	})).Return(llm.Chunks(llm.ProviderOpenAI, nil, "long"))

	c, g := newTestController(t, adapter, Settings{})
	_, err := c.Ask(context.Background(), "q", nil)
	require.NoError(t, err)

	reply, err := c.FollowUp(context.Background(), ChoiceYes, nil)
	require.NoError(t, err)
	assert.Equal(t, "long", reply.Answer)
	assert.Equal(t, StateAwaitingFollowUpChoice, reply.State)
	assert.Equal(t, FollowUpQuestion, g.calls[1].VectorQuery)

	turns := c.Session().Transcript.Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, FollowUpQuestion, turns[2].Text)
}

func TestFollowUpWithoutOffer(t *testing.T) {
	c, _ := newTestController(t, &llm.MockAdapter{}, Settings{})

	_, err := c.FollowUp(context.Background(), ChoiceNo, nil)
	assert.ErrorIs(t, err, ErrNoFollowUpPending)
	_, err = c.FollowUp(context.Background(), ChoiceYes, nil)
	assert.ErrorIs(t, err, ErrNoFollowUpPending)
	assert.Equal(t, StateIdle, c.State())
}

func TestAskRejectedWhileAnswering(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	adapter := &llm.MockAdapter{}
	adapter.On("Generate", mock.Anything, mock.Anything).Return(llm.Single(llm.ProviderOpenAI, func() (string, error) {
		close(started)
		<-release
		return "done", nil
	}, nil)).Once()

	c, _ := newTestController(t, adapter, Settings{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Ask(context.Background(), "first", nil)
		errc <- err
	}()
	<-started

	_, err := c.Ask(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, c.SetURLs([]string{"http://x"}), ErrBusy)
	assert.Equal(t, StateAwaitingAnswer, c.State())

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, StateAwaitingFollowUpChoice, c.State())
}

func TestAskNeverStuckAwaitingAnswer(t *testing.T) {
	tests := []struct {
		name   string
		stream func() *llm.Stream
		gather error
		want   State
	}{
		{"success", func() *llm.Stream { return llm.Chunks(llm.ProviderOpenAI, []string{"a"}, "a") }, nil, StateAwaitingFollowUpChoice},
		{"provider error", func() *llm.Stream { return llm.Failed(llm.ProviderOpenAI, errors.New("x")) }, nil, StateIdle},
		{"empty answer", func() *llm.Stream { return llm.Chunks(llm.ProviderOpenAI, nil, "  ") }, nil, StateIdle},
		{"gather error", func() *llm.Stream { return llm.Chunks(llm.ProviderOpenAI, nil, "a") }, errors.New("bad sources"), StateIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &llm.MockAdapter{}
			adapter.On("Generate", mock.Anything, mock.Anything).Return(tt.stream())
			c, g := newTestController(t, adapter, Settings{})
			g.err = tt.gather

			_, _ = c.Ask(context.Background(), "q", nil)
			assert.Equal(t, tt.want, c.State())
		})
	}
}

func TestListenerPanicDoesNotLeaveSessionBusy(t *testing.T) {
	adapter := &llm.MockAdapter{}
	adapter.On("Generate", mock.Anything, mock.Anything).Return(llm.Chunks(llm.ProviderOpenAI, []string{"a"}, "a"))
	c, _ := newTestController(t, adapter, Settings{})

	func() {
		defer func() { _ = recover() }()
		_, _ = c.Ask(context.Background(), "q", panicListener{})
	}()
	assert.Equal(t, StateIdle, c.State())
}

type panicListener struct{ NopListener }

func (panicListener) OnPartial(string) { panic("client went away") }

func TestAskUnavailableProvider(t *testing.T) {
	providers := llm.NewRegistry()
	providers.Disable(llm.ProviderCohere, "COHERE_API_KEY not set")
	c, err := NewController(NewSession(Settings{Provider: llm.ProviderCohere}), Deps{
		Providers: providers,
		Gatherer:  &stubGatherer{},
		Log:       logger.Discard(),
	})
	require.NoError(t, err)

	_, err = c.Ask(context.Background(), "q", nil)
	var cfgErr *llm.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 0, c.Session().Transcript.Len())
	assert.Equal(t, StateIdle, c.State())
}

func TestAskEmptyQuestion(t *testing.T) {
	c, _ := newTestController(t, &llm.MockAdapter{}, Settings{})
	_, err := c.Ask(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestAskPassesSessionSources(t *testing.T) {
	adapter := &llm.MockAdapter{}
	adapter.On("Generate", mock.Anything, mock.Anything).Return(llm.Chunks(llm.ProviderOpenAI, nil, "a"))
	c, g := newTestController(t, adapter, Settings{Collection: "courses"})

	require.NoError(t, c.SetURLs([]string{"http://a", " ", "http://b"}))
	_, err := c.AttachDocument("notes.txt", "text/plain", []byte("lecture notes"))
	require.NoError(t, err)

	_, err = c.Ask(context.Background(), "topic?", nil)
	require.NoError(t, err)
	require.Len(t, g.calls, 1)
	src := g.calls[0]
	assert.Equal(t, []string{"http://a", "http://b"}, src.URLs)
	require.NotNil(t, src.Document)
	assert.Equal(t, "lecture notes", *src.Document)
	assert.Equal(t, "courses", src.Collection)
	assert.Equal(t, "topic?", src.VectorQuery)
}

func TestHistoryUsesSessionMemoryPolicy(t *testing.T) {
	adapter := &llm.MockAdapter{}
	var histories []int
	adapter.On("Generate", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		histories = append(histories, len(args.Get(1).(llm.Request).History))
	}).Return(func(llm.Request) *llm.Stream { return llm.Chunks(llm.ProviderOpenAI, nil, "a") }).Times(3)

	c, _ := newTestController(t, adapter, Settings{Memory: memory.KindSummary})
	for i := 0; i < 3; i++ {
		_, err := c.Ask(context.Background(), "q", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 1, 1}, histories)
}

func TestSettingsValidation(t *testing.T) {
	c, _ := newTestController(t, &llm.MockAdapter{}, Settings{})

	assert.ErrorIs(t, c.SetURLs([]string{"a", "b", "c"}), ErrTooManyURLs)
	assert.Error(t, c.SetMemory("forgetful"))
	require.NoError(t, c.SetMemory(memory.KindTokenBudget))
	assert.Equal(t, memory.KindTokenBudget, c.Session().Memory)

	var cfgErr *llm.ConfigurationError
	assert.ErrorAs(t, c.SelectProvider(llm.ProviderGemini, llm.TierBasic), &cfgErr)
	require.NoError(t, c.SelectProvider(llm.ProviderOpenAI, llm.TierAdvanced))
	assert.Equal(t, llm.TierAdvanced, c.Session().Tier)

	_, err := c.AttachDocument("photo.jpg", "image/jpeg", []byte{0xff})
	assert.Error(t, err)
	assert.Nil(t, c.Session().Document)
}

func TestResetClearsTranscript(t *testing.T) {
	adapter := &llm.MockAdapter{}
	adapter.On("Generate", mock.Anything, mock.Anything).Return(llm.Chunks(llm.ProviderOpenAI, nil, "a"))
	c, _ := newTestController(t, adapter, Settings{})
	_, err := c.Ask(context.Background(), "q", nil)
	require.NoError(t, err)

	require.NoError(t, c.Reset())
	assert.Equal(t, 0, c.Session().Transcript.Len())
	assert.Equal(t, StateIdle, c.State())
}

func TestParseChoice(t *testing.T) {
	ch, err := ParseChoice(" YES ")
	require.NoError(t, err)
	assert.Equal(t, ChoiceYes, ch)
	_, err = ParseChoice("maybe")
	assert.True(t, err != nil && strings.Contains(err.Error(), "maybe"))
}
