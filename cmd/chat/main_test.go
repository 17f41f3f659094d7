package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doc-chat/internal/app"
	"doc-chat/internal/chunker"
	"doc-chat/internal/config"
	"doc-chat/internal/conversation"
	"doc-chat/internal/embeddings"
	"doc-chat/internal/fetch"
	"doc-chat/internal/index"
	"doc-chat/internal/ingest"
	"doc-chat/internal/llm"
	"doc-chat/internal/logger"
	"doc-chat/internal/queue"
	"doc-chat/internal/source"
	"doc-chat/internal/summary"
)

type fixture struct {
	router  *chi.Mux
	adapter *llm.MockAdapter
	fetcher *fetch.MockFetcher
	index   *index.MemoryIndex
}

func newFixture(t *testing.T, opts ...func(*app.Deps)) *fixture {
	t.Helper()
	log := logger.Discard()
	adapter := &llm.MockAdapter{ProviderName: llm.ProviderOpenAI}
	providers := llm.NewRegistry()
	providers.Register(adapter)
	providers.Disable(llm.ProviderCohere, "COHERE_API_KEY not set")

	f := new(fetch.MockFetcher)
	e := new(embeddings.MockEmbedder)
	e.On("Embed", mock.Anything, mock.Anything).Return(embeddings.Vector{1, 0}, nil)
	idx := index.NewMemory(e)
	g := source.NewGatherer(f, idx, source.DefaultOptions, log)

	deps := app.Deps{
		Config: config.Config{
			MaxUploadSize:   1 << 20,
			DefaultProvider: "openai",
			ProviderTimeout: time.Second,
			FetchTimeout:    time.Second,
		},
		Log:        log,
		Providers:  providers,
		Fetcher:    f,
		Index:      idx,
		Ingest:     ingest.NewService(idx, nil, chunker.DefaultOptions, log),
		Gatherer:   g,
		Summarizer: summary.New(g, providers, log),
		Sessions: conversation.NewRegistry(conversation.Deps{
			Providers: providers,
			Gatherer:  g,
			Log:       log,
		}, conversation.Settings{Provider: llm.ProviderOpenAI, Collection: "documents"}),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &fixture{router: newRouter(deps), adapter: adapter, fetcher: f, index: idx}
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) createSession(t *testing.T, body string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/sessions", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var s struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	return s.ID
}

func multipartBody(t *testing.T, field string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestProvidersHandler(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/providers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Providers []llm.ProviderStatus `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Providers, 4)
	assert.True(t, resp.Providers[0].Available)
	assert.Equal(t, "COHERE_API_KEY not set", resp.Providers[2].Reason)
}

func TestCreateSession(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"defaults", `{}`, http.StatusCreated},
		{"full settings", `{"provider":"openai","tier":"advanced","memory":"token_budget","urls":["http://a.example"]}`, http.StatusCreated},
		{"disabled provider", `{"provider":"cohere"}`, http.StatusUnprocessableEntity},
		{"unknown provider", `{"provider":"palm"}`, http.StatusBadRequest},
		{"too many urls", `{"urls":["http://a.example","http://b.example","http://c.example"]}`, http.StatusBadRequest},
		{"bad url", `{"urls":["not a url"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(t, http.MethodPost, "/api/sessions", tt.body, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestAskAndDeclineFollowUp(t *testing.T) {
	f := newFixture(t)
	f.fetcher.On("FetchText", mock.Anything, "http://a.example").Return("Go was released in 2009.", nil)
	f.adapter.On("Generate", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return strings.Contains(req.SystemContext, "URL1 content:\nGo was released in 2009.")
	})).Return(func(llm.Request) *llm.Stream { return llm.Chunks(llm.ProviderOpenAI, nil, "2009") })

	id := f.createSession(t, `{"urls":["http://a.example"]}`)

	w := f.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", `{"question":"When was Go released?"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reply conversation.Reply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, "2009", reply.Answer)
	assert.Equal(t, conversation.StateAwaitingFollowUpChoice, reply.State)
	assert.Equal(t, conversation.FollowUpOffer, reply.Prompt)

	w = f.do(t, http.MethodPost, "/api/sessions/"+id+"/followup", `{"choice":"No"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, conversation.NextQuestionPrompt, reply.Prompt)
	assert.Equal(t, conversation.StateIdle, reply.State)

	w = f.do(t, http.MethodPost, "/api/sessions/"+id+"/followup", `{"choice":"yes"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	f.adapter.AssertNumberOfCalls(t, "Generate", 1)
}

func TestAskStreamsEvents(t *testing.T) {
	f := newFixture(t)
	f.adapter.On("Generate", mock.Anything, mock.Anything).
		Return(func(llm.Request) *llm.Stream { return llm.Chunks(llm.ProviderOpenAI, []string{"Hel", "lo"}, "Hello") })
	id := f.createSession(t, `{}`)

	w := f.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", `{"question":"hi"}`, map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	partial := strings.Index(body, "event: partial\ndata: {\"text\":\"Hel\"}")
	final := strings.Index(body, "event: final\ndata: {\"text\":\"Hello\"}")
	done := strings.Index(body, "event: done")
	require.True(t, partial >= 0 && final > partial && done > final, body)
}

func TestAskProviderError(t *testing.T) {
	f := newFixture(t)
	f.adapter.On("Generate", mock.Anything, mock.Anything).
		Return(func(llm.Request) *llm.Stream { return llm.Failed(llm.ProviderOpenAI, errors.New("rate limited")) })
	id := f.createSession(t, `{}`)

	w := f.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", `{"question":"hi"}`, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "rate limited")

	w = f.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", `{"question":"again"}`, map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: error")
	assert.Contains(t, w.Body.String(), `"state":"idle"`)

	w = f.do(t, http.MethodGet, "/api/sessions/"+id, "", nil)
	var s struct {
		State      string            `json:"state"`
		Transcript []json.RawMessage `json:"transcript"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, "idle", s.State)
	assert.Len(t, s.Transcript, 2, "only the two user turns")
}

func TestAskValidation(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, `{}`)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", `{}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", `{"question":"   "}`, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/sessions/"+uuid.NewString()+"/ask", `{"question":"q"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/sessions/nope/ask", `{"question":"q"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/sessions/"+id+"/followup", `{"choice":"maybe"}`, nil).Code)
}

func TestUpdateAndDeleteSession(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, `{}`)

	w := f.do(t, http.MethodPatch, "/api/sessions/"+id, `{"tier":"advanced","memory":"summary"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"tier": "advanced"`)
	assert.Contains(t, w.Body.String(), `"memory": "summary"`)

	w = f.do(t, http.MethodPatch, "/api/sessions/"+id, `{"provider":"cohere"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPost, "/api/sessions/"+id+"/urls", `{"urls":["http://a.example","http://b.example"]}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/sessions/"+id, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/"+id, "", nil).Code)
}

func TestDocumentUpload(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, `{}`)

	body, ct := multipartBody(t, "file", map[string]string{"notes.txt": "Channels connect goroutines."})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/document", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"filename": "notes.txt"`)

	body, ct = multipartBody(t, "file", map[string]string{"slides.pptx": "binary"})
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/document", body)
	req.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestIngestCollection(t *testing.T) {
	f := newFixture(t)

	body, ct := multipartBody(t, "files", map[string]string{
		"a.txt": "first document text",
		"b.txt": "second document text",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/collections/courses/documents", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out ingest.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "courses", out.Collection)
	assert.Len(t, out.Files, 2)

	hits, err := f.index.Query(req.Context(), "courses", "document", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

type sizeLimitedQueue struct {
	*queue.MockQueue
	limit int64
}

func (q sizeLimitedQueue) MaxPayload() int64 { return q.limit }

func TestIngestOversizedDocument(t *testing.T) {
	q := sizeLimitedQueue{MockQueue: new(queue.MockQueue), limit: 1024}
	f := newFixture(t, func(d *app.Deps) {
		d.Queue = q
		d.Ingest = ingest.NewService(d.Index, q, chunker.DefaultOptions, d.Log)
	})

	body, ct := multipartBody(t, "files", map[string]string{"big.txt": strings.Repeat("text ", 1000)})
	req := httptest.NewRequest(http.MethodPost, "/api/collections/courses/documents", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "big.txt")
	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	f.fetcher.On("FetchText", mock.Anything, "http://a.example").Return(strings.Repeat("x", 600), nil)

	w := f.do(t, http.MethodGet, "/api/preview?url=http://a.example", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, strings.Repeat("x", 500)+"...", resp["preview"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/preview", "", nil).Code)
}

func TestSummarize(t *testing.T) {
	f := newFixture(t)
	f.fetcher.On("FetchText", mock.Anything, "http://a.example").Return("Go was released in 2009 by Google.", nil)
	f.fetcher.On("FetchText", mock.Anything, "http://down.example").
		Return("", &fetch.Error{URL: "http://down.example", Err: errors.New("404 Not Found")})
	f.adapter.On("Generate", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return req.Question == "Please provide a summary as bullet points of the URL content in French." &&
			req.Tier == llm.TierAdvanced &&
			strings.Contains(req.SystemContext, "Go was released in 2009")
	})).Return(func(llm.Request) *llm.Stream {
		return llm.Chunks(llm.ProviderOpenAI, []string{"- Go ", "date de 2009"}, "- Go date de 2009\n")
	})

	body := `{"url":"http://a.example","style":"bullet_points","language":"French","tier":"advanced"}`
	w := f.do(t, http.MethodPost, "/api/summarize", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res summary.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "- Go date de 2009", res.Summary)
	assert.Equal(t, llm.ProviderOpenAI, res.Provider)

	w = f.do(t, http.MethodPost, "/api/summarize", body, map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, w.Code)
	events := w.Body.String()
	assert.Contains(t, events, "event: partial\ndata: {\"text\":\"- Go \"}")
	assert.Contains(t, events, "event: final\ndata: {\"text\":\"- Go date de 2009\"}")
	assert.Contains(t, events, "event: done")

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing url", `{}`, http.StatusBadRequest},
		{"unknown style", `{"url":"http://a.example","style":"haiku"}`, http.StatusBadRequest},
		{"unknown language", `{"url":"http://a.example","language":"German"}`, http.StatusBadRequest},
		{"disabled provider", `{"url":"http://a.example","provider":"cohere"}`, http.StatusUnprocessableEntity},
		{"dead page", `{"url":"http://down.example"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/summarize", tt.body, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
	f.adapter.AssertNumberOfCalls(t, "Generate", 2)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
