package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"doc-chat/internal/app"
	"doc-chat/internal/conversation"
	"doc-chat/internal/extract"
	"doc-chat/internal/fetch"
	"doc-chat/internal/httputil"
	"doc-chat/internal/ingest"
	"doc-chat/internal/llm"
	"doc-chat/internal/memory"
	"doc-chat/internal/source"
	"doc-chat/internal/summary"
)

type createSessionRequest struct {
	Provider   string   `json:"provider" validate:"omitempty,oneof=openai anthropic cohere gemini"`
	Tier       string   `json:"tier" validate:"omitempty,oneof=basic advanced"`
	Memory     string   `json:"memory" validate:"omitempty,oneof=sliding_window summary token_budget"`
	URLs       []string `json:"urls" validate:"max=2,dive,url"`
	Collection string   `json:"collection" validate:"omitempty,max=100"`
}

type updateSessionRequest struct {
	Provider   *string `json:"provider" validate:"omitempty,oneof=openai anthropic cohere gemini"`
	Tier       *string `json:"tier" validate:"omitempty,oneof=basic advanced"`
	Memory     *string `json:"memory" validate:"omitempty,oneof=sliding_window summary token_budget"`
	Collection *string `json:"collection" validate:"omitempty,max=100"`
}

type urlsRequest struct {
	URLs []string `json:"urls" validate:"max=2,dive,url"`
}

type summarizeRequest struct {
	URL      string `json:"url" validate:"required,url"`
	Style    string `json:"style" validate:"omitempty,oneof=short detailed bullet_points"`
	Language string `json:"language" validate:"omitempty,oneof=English French Spanish english french spanish"`
	Provider string `json:"provider" validate:"omitempty,oneof=openai anthropic cohere gemini"`
	Tier     string `json:"tier" validate:"omitempty,oneof=basic advanced"`
}

type askRequest struct {
	Question string `json:"question" validate:"required,max=4000"`
}

type followUpRequest struct {
	Choice string `json:"choice" validate:"required"`
}

func providersHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"providers": deps.Providers.Status()})
	}
}

func previewHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := strings.TrimSpace(r.URL.Query().Get("url"))
		if err := httputil.Validator.Var(u, "required,url"); err != nil {
			httputil.Fail(deps.Log, w, "a valid url query parameter is required", err, http.StatusBadRequest)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"url":     u,
			"preview": deps.Gatherer.Preview(r.Context(), u),
		})
	}
}

func summarizeHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req summarizeRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			badRequest(deps.Log, w, err)
			return
		}
		sreq := summary.Request{
			URL:      req.URL,
			Style:    summary.Style(req.Style),
			Language: summary.Language(req.Language),
			Provider: llm.Provider(req.Provider),
			Tier:     llm.Tier(req.Tier),
		}
		if sreq.Provider == "" {
			sreq.Provider = llm.Provider(deps.Config.DefaultProvider)
		}

		if !wantsStream(r) {
			res, err := deps.Summarizer.Summarize(r.Context(), sreq)
			if err != nil {
				fail(deps.Log, w, errorMessage(err), err)
				return
			}
			httputil.WriteJSON(w, http.StatusOK, res)
			return
		}

		stream, res, err := deps.Summarizer.Start(r.Context(), sreq)
		if err != nil {
			fail(deps.Log, w, errorMessage(err), err)
			return
		}
		defer stream.Close()
		l := &sseListener{w: w, log: deps.Log}
		var final string
		for stream.Next() {
			if c := stream.Current(); c.Partial {
				l.OnPartial(c.Text)
			} else {
				final = c.Text
			}
		}
		err = stream.Err()
		if err == nil {
			res.Summary, err = summary.Finish(res.Provider, final)
		}
		if err != nil {
			l.OnError(err)
		} else {
			l.OnFinal(res.Summary)
		}
		l.send("done", res)
	}
}

func createSessionHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			badRequest(deps.Log, w, err)
			return
		}
		c, err := deps.Sessions.Create(conversation.Settings{
			Provider:   llm.Provider(req.Provider),
			Tier:       llm.Tier(req.Tier),
			Memory:     memory.Kind(req.Memory),
			URLs:       req.URLs,
			Collection: req.Collection,
		})
		if err != nil {
			fail(deps.Log, w, "failed to create session", err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, c.Session())
	}
}

func getSessionHandler(deps app.Deps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *conversation.Controller) {
		httputil.WriteJSON(w, http.StatusOK, c.Session())
	})
}

func updateSessionHandler(deps app.Deps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *conversation.Controller) {
		var req updateSessionRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			badRequest(deps.Log, w, err)
			return
		}
		if req.Provider != nil || req.Tier != nil {
			s := c.Session()
			p, tier := s.Provider, s.Tier
			if req.Provider != nil {
				p = llm.Provider(*req.Provider)
			}
			if req.Tier != nil {
				tier = llm.Tier(*req.Tier)
			}
			if err := c.SelectProvider(p, tier); err != nil {
				fail(deps.Log, w, "failed to select provider", err)
				return
			}
		}
		if req.Memory != nil {
			if err := c.SetMemory(memory.Kind(*req.Memory)); err != nil {
				fail(deps.Log, w, "failed to set memory policy", err)
				return
			}
		}
		if req.Collection != nil {
			if err := c.SetCollection(*req.Collection); err != nil {
				fail(deps.Log, w, "failed to set collection", err)
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, c.Session())
	})
}

func deleteSessionHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid session id", err, http.StatusBadRequest)
			return
		}
		if err := deps.Sessions.Delete(id); err != nil {
			fail(deps.Log, w, "failed to delete session", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func setURLsHandler(deps app.Deps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *conversation.Controller) {
		var req urlsRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			badRequest(deps.Log, w, err)
			return
		}
		if err := c.SetURLs(req.URLs); err != nil {
			fail(deps.Log, w, "failed to set urls", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"urls": c.Session().URLs})
	})
}

func documentHandler(deps app.Deps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *conversation.Controller) {
		files, ok := readUploads(deps, w, r, "file")
		if !ok {
			return
		}
		if len(files) != 1 {
			httputil.Fail(deps.Log, w, "exactly one file is required", nil, http.StatusBadRequest)
			return
		}
		doc, err := c.AttachDocument(files[0].Name, files[0].MimeType, files[0].Data)
		if err != nil {
			fail(deps.Log, w, "document could not be processed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"filename": doc.Filename,
			"chars":    len([]rune(doc.Text)),
		})
	})
}

func ingestHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collection := chi.URLParam(r, "collection")
		if err := httputil.Validator.Var(collection, "required,max=100"); err != nil {
			httputil.Fail(deps.Log, w, "invalid collection name", err, http.StatusBadRequest)
			return
		}
		files, ok := readUploads(deps, w, r, "files")
		if !ok {
			return
		}
		if len(files) == 0 {
			httputil.Fail(deps.Log, w, "at least one file is required", nil, http.StatusBadRequest)
			return
		}
		out, err := deps.Ingest.Submit(r.Context(), collection, files)
		if err != nil {
			if errors.Is(err, ingest.ErrNoDocuments) {
				httputil.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
					"error": err.Error(),
					"files": out.Files,
				})
				return
			}
			fail(deps.Log, w, "ingestion failed", err)
			return
		}
		status := http.StatusOK
		if out.Queued {
			status = http.StatusAccepted
		}
		httputil.WriteJSON(w, status, out)
	}
}

func askHandler(deps app.Deps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *conversation.Controller) {
		var req askRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			badRequest(deps.Log, w, err)
			return
		}
		respond(deps, w, r, func(ctx context.Context, l conversation.Listener) (conversation.Reply, error) {
			return c.Ask(ctx, req.Question, l)
		})
	})
}

func followUpHandler(deps app.Deps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *conversation.Controller) {
		var req followUpRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			badRequest(deps.Log, w, err)
			return
		}
		choice, err := conversation.ParseChoice(req.Choice)
		if err != nil {
			httputil.Fail(deps.Log, w, err.Error(), err, http.StatusBadRequest)
			return
		}
		respond(deps, w, r, func(ctx context.Context, l conversation.Listener) (conversation.Reply, error) {
			return c.FollowUp(ctx, choice, l)
		})
	})
}

func resetHandler(deps app.Deps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *conversation.Controller) {
		if err := c.Reset(); err != nil {
			fail(deps.Log, w, "failed to reset session", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, c.Session())
	})
}

// respond runs an ask-like call. Clients accepting text/event-stream get partial
// text as it arrives; everyone else gets the final reply as JSON.
func respond(deps app.Deps, w http.ResponseWriter, r *http.Request, call func(context.Context, conversation.Listener) (conversation.Reply, error)) {
	if !wantsStream(r) {
		reply, err := call(r.Context(), nil)
		if err != nil {
			fail(deps.Log, w, errorMessage(err), err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, reply)
		return
	}

	l := &sseListener{w: w, log: deps.Log}
	reply, err := call(r.Context(), l)
	if err != nil && !l.started() {
		fail(deps.Log, w, errorMessage(err), err)
		return
	}
	l.send("done", reply)
}

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// sseListener opens the event stream on the first event so that errors raised
// before any provider call can still use plain HTTP status codes.
type sseListener struct {
	w      http.ResponseWriter
	log    *slog.Logger
	stream *httputil.EventStream
	broken bool
}

func (l *sseListener) started() bool { return l.stream != nil || l.broken }

func (l *sseListener) send(event string, payload any) {
	if l.broken {
		return
	}
	if l.stream == nil {
		s, err := httputil.NewEventStream(l.w)
		if err != nil {
			l.broken = true
			l.log.Error("cannot stream response", "err", err)
			return
		}
		l.stream = s
	}
	if err := l.stream.Send(event, payload); err != nil {
		l.broken = true
		l.log.Warn("client stream closed", "event", event, "err", err)
	}
}

func (l *sseListener) OnPartial(text string) { l.send("partial", map[string]string{"text": text}) }
func (l *sseListener) OnFinal(text string)   { l.send("final", map[string]string{"text": text}) }
func (l *sseListener) OnError(err error) {
	l.send("error", map[string]string{"error": errorMessage(err)})
}

func withSession(deps app.Deps, h func(http.ResponseWriter, *http.Request, *conversation.Controller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid session id", err, http.StatusBadRequest)
			return
		}
		c, err := deps.Sessions.Get(id)
		if err != nil {
			fail(deps.Log, w, "session not found", err)
			return
		}
		h(w, r, c)
	}
}

func readUploads(deps app.Deps, w http.ResponseWriter, r *http.Request, field string) ([]ingest.File, bool) {
	maxSize := deps.Config.MaxUploadSize
	if r.ContentLength > maxSize {
		httputil.Fail(deps.Log, w, fmt.Sprintf("upload too large (max %d bytes)", maxSize), nil, http.StatusRequestEntityTooLarge)
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Fail(deps.Log, w, fmt.Sprintf("upload too large (max %d bytes)", maxSize), err, http.StatusRequestEntityTooLarge)
			return nil, false
		}
		httputil.Fail(deps.Log, w, "multipart form is required", err, http.StatusBadRequest)
		return nil, false
	}

	headers := r.MultipartForm.File[field]
	files := make([]ingest.File, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read upload", err, http.StatusBadRequest)
			return nil, false
		}
		files = append(files, ingest.File{
			Name:     fh.Filename,
			MimeType: extract.MimeType(fh.Header.Get("Content-Type"), fh.Filename),
			Data:     data,
		})
	}
	return files, true
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func badRequest(log *slog.Logger, w http.ResponseWriter, err error) {
	httputil.ValidationError(log, w, err)
}

// fail maps domain errors to HTTP status codes.
func fail(log *slog.Logger, w http.ResponseWriter, message string, err error) {
	var (
		cfgErr     *llm.ConfigurationError
		providerEr *llm.ProviderError
		extractErr *extract.Error
		fetchErr   *fetch.Error
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conversation.ErrBusy), errors.Is(err, conversation.ErrNoFollowUpPending):
		status = http.StatusConflict
		message = err.Error()
	case errors.Is(err, conversation.ErrEmptyQuestion), errors.Is(err, conversation.ErrTooManyURLs),
		errors.Is(err, ingest.ErrEmptyCollection), errors.Is(err, summary.ErrMissingURL),
		errors.Is(err, summary.ErrInvalidStyle), errors.Is(err, summary.ErrInvalidLanguage):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.As(err, &cfgErr):
		status = http.StatusUnprocessableEntity
		message = cfgErr.Error()
	case errors.As(err, &providerEr):
		status = http.StatusBadGateway
		message = providerEr.Error()
	case errors.As(err, &fetchErr):
		status = http.StatusBadGateway
		message = "Error reading " + fetchErr.URL + ": " + fetchErr.Err.Error()
	case errors.Is(err, source.ErrEmptyPage):
		status = http.StatusUnprocessableEntity
		message = err.Error()
	case errors.As(err, &extractErr):
		status = http.StatusUnprocessableEntity
		if errors.Is(err, extract.ErrUnsupported) {
			status = http.StatusUnsupportedMediaType
		}
		message = extractErr.Error()
	case errors.Is(err, ingest.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
		message = err.Error()
	case errors.Is(err, ingest.ErrNoIndex):
		status = http.StatusServiceUnavailable
		message = err.Error()
	}
	httputil.Fail(log, w, message, err, status)
}

func errorMessage(err error) string {
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return "Error generating answer: " + pe.Error()
	}
	return err.Error()
}
