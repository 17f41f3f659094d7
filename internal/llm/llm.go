// Package llm adapts heterogeneous LLM backends to one streaming request contract.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"doc-chat/internal/transcript"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderCohere    Provider = "cohere"
	ProviderGemini    Provider = "gemini"
)

// Providers lists every known backend in display order.
var Providers = []Provider{ProviderOpenAI, ProviderAnthropic, ProviderCohere, ProviderGemini}

// Tier selects between a provider's cheaper and stronger model.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierAdvanced Tier = "advanced"
)

// models maps (provider, tier) to the provider's model identifier.
var models = map[Provider]map[Tier]string{
	ProviderOpenAI: {
		TierBasic:    "gpt-3.5-turbo",
		TierAdvanced: "gpt-4",
	},
	ProviderAnthropic: {
		TierBasic:    "claude-instant-v1",
		TierAdvanced: "claude-v1",
	},
	ProviderCohere: {
		TierBasic:    "command-medium-nightly",
		TierAdvanced: "command-xlarge-nightly",
	},
	ProviderGemini: {
		TierBasic:    "gemini-pro",
		TierAdvanced: "gemini-1.5-pro",
	},
}

// ModelFor returns the model identifier for a provider and tier. An empty tier
// means basic.
func ModelFor(p Provider, t Tier) (string, error) {
	if t == "" {
		t = TierBasic
	}
	tiers, ok := models[p]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", p)
	}
	model, ok := tiers[t]
	if !ok {
		return "", fmt.Errorf("unknown model tier %q for provider %s", t, p)
	}
	return model, nil
}

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := models[p]; !ok {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// Request is everything a provider needs to answer one question.
type Request struct {
	Provider      Provider
	Tier          Tier
	SystemContext string
	History       []transcript.Turn
	Question      string
}

// Response is one chunk of a provider answer. Partial chunks carry incremental
// text; the single terminal chunk carries the full answer.
type Response struct {
	Text    string
	Partial bool
}

// Adapter is implemented by every provider backend. Generate never returns a nil
// stream; failures surface through Stream.Err as *ProviderError.
type Adapter interface {
	Provider() Provider
	Generate(ctx context.Context, req Request) *Stream
}

// ProviderError is the only error kind that leaves an adapter.
type ProviderError struct {
	Provider Provider
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ConfigurationError reports a provider that cannot be selected, typically because
// its credential is missing.
type ConfigurationError struct {
	Provider Provider
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.Reason)
}

func asProviderError(p Provider, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &ProviderError{Provider: p, Message: msg, Err: err}
}

// ProviderStatus describes whether a provider can be selected.
type ProviderStatus struct {
	Provider  Provider `json:"provider"`
	Available bool     `json:"available"`
	Reason    string   `json:"reason,omitempty"`
}

// Registry resolves providers to adapters. It is built once at startup and is
// read-only afterwards.
type Registry struct {
	adapters map[Provider]Adapter
	disabled map[Provider]string
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[Provider]Adapter),
		disabled: make(map[Provider]string),
	}
}

// Register makes an adapter selectable.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Provider()] = a
	delete(r.disabled, a.Provider())
}

// Disable marks a provider unavailable with a user-facing reason.
func (r *Registry) Disable(p Provider, reason string) {
	delete(r.adapters, p)
	r.disabled[p] = reason
}

// Select returns the adapter for p or a *ConfigurationError.
func (r *Registry) Select(p Provider) (Adapter, error) {
	if a, ok := r.adapters[p]; ok {
		return a, nil
	}
	reason, ok := r.disabled[p]
	if !ok {
		reason = "not configured"
	}
	return nil, &ConfigurationError{Provider: p, Reason: reason}
}

// Status reports availability for every known provider plus any extra registered ones.
func (r *Registry) Status() []ProviderStatus {
	seen := make(map[Provider]bool)
	var out []ProviderStatus
	add := func(p Provider) {
		if seen[p] {
			return
		}
		seen[p] = true
		_, err := r.Select(p)
		st := ProviderStatus{Provider: p, Available: err == nil}
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			st.Reason = cfgErr.Reason
		}
		out = append(out, st)
	}
	for _, p := range Providers {
		add(p)
	}
	var extra []Provider
	for p := range r.adapters {
		if !seen[p] {
			extra = append(extra, p)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, p := range extra {
		add(p)
	}
	return out
}
