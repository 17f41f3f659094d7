package conversation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doc-chat/internal/llm"
	"doc-chat/internal/logger"
	"doc-chat/internal/memory"
)

func newTestRegistry(adapter *llm.MockAdapter) *Registry {
	providers := llm.NewRegistry()
	providers.Register(adapter)
	providers.Disable(llm.ProviderAnthropic, "ANTHROPIC_API_KEY not set")
	return NewRegistry(Deps{
		Providers: providers,
		Gatherer:  &stubGatherer{},
		Log:       logger.Discard(),
	}, Settings{Provider: llm.ProviderOpenAI, Memory: memory.KindSlidingWindow, Collection: "documents"})
}

func TestRegistryLifecycle(t *testing.T) {
	r := newTestRegistry(&llm.MockAdapter{})

	c, err := r.Create(Settings{})
	require.NoError(t, err)
	s := c.Session()
	assert.Equal(t, llm.ProviderOpenAI, s.Provider)
	assert.Equal(t, llm.TierBasic, s.Tier)
	assert.Equal(t, "documents", s.Collection)
	assert.Equal(t, StateIdle, s.State)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.Delete(s.ID))
	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, r.Delete(uuid.New()), ErrSessionNotFound)
}

func TestRegistryRejectsBadSettings(t *testing.T) {
	r := newTestRegistry(&llm.MockAdapter{})

	_, err := r.Create(Settings{Provider: llm.ProviderAnthropic})
	var cfgErr *llm.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = r.Create(Settings{Provider: "palm"})
	assert.Error(t, err)

	_, err = r.Create(Settings{Memory: "infinite"})
	assert.Error(t, err)

	_, err = r.Create(Settings{URLs: []string{"a", "b", "c"}})
	assert.ErrorIs(t, err, ErrTooManyURLs)
	assert.Equal(t, 0, r.Len())
}

func TestSessionJSONRoundTrip(t *testing.T) {
	adapter := &llm.MockAdapter{}
	adapter.On("Generate", mock.Anything, mock.Anything).Return(llm.Chunks(llm.ProviderOpenAI, nil, "answer"))
	r := newTestRegistry(adapter)
	c, err := r.Create(Settings{URLs: []string{"http://a"}})
	require.NoError(t, err)
	_, err = c.Ask(context.Background(), "question", nil)
	require.NoError(t, err)

	data, err := json.Marshal(c.Session())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "openai", fields["provider"])
	assert.Equal(t, "awaiting_follow_up_choice", fields["state"])

	var decoded Session
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, c.Session().ID, decoded.ID)
	assert.Equal(t, []string{"http://a"}, decoded.URLs)
	assert.Equal(t, StateAwaitingFollowUpChoice, decoded.State)
	require.Equal(t, 2, decoded.Transcript.Len())
	last, _ := decoded.Transcript.Last()
	assert.Equal(t, "answer", last.Text)
}
