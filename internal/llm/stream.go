package llm

import (
	"errors"
	"io"
)

var errNoFinal = errors.New("stream ended without a final response")

// Stream is a lazy, finite, single-use sequence of responses:
//
//	for s.Next() {
//		r := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
//
// Nothing is sent to the provider until the first call to Next.
type Stream struct {
	provider Provider
	next     func() (Response, error)
	release  func()

	cur      Response
	err      error
	sawFinal bool
	done     bool
}

// NewStream wraps a producer. next returns io.EOF once it has nothing more to
// yield; release runs exactly once when the stream finishes.
func NewStream(p Provider, next func() (Response, error), release func()) *Stream {
	return &Stream{provider: p, next: next, release: release}
}

// Single yields one terminal response computed by call on the first Next.
func Single(p Provider, call func() (string, error), release func()) *Stream {
	called := false
	return NewStream(p, func() (Response, error) {
		if called {
			return Response{}, io.EOF
		}
		called = true
		text, err := call()
		if err != nil {
			return Response{}, err
		}
		return Response{Text: text}, nil
	}, release)
}

// Failed yields no responses and reports err.
func Failed(p Provider, err error) *Stream {
	return NewStream(p, func() (Response, error) { return Response{}, err }, nil)
}

// Chunks yields the given partials followed by a terminal response with final.
func Chunks(p Provider, partials []string, final string) *Stream {
	i := 0
	return NewStream(p, func() (Response, error) {
		if i < len(partials) {
			i++
			return Response{Text: partials[i-1], Partial: true}, nil
		}
		if i == len(partials) {
			i++
			return Response{Text: final}, nil
		}
		return Response{}, io.EOF
	}, nil)
}

// Next advances to the next response. It returns false after the terminal
// response has been consumed or on error.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if s.sawFinal {
		s.finish()
		return false
	}
	r, err := s.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = errNoFinal
		}
		s.err = asProviderError(s.provider, err)
		s.finish()
		return false
	}
	s.cur = r
	if !r.Partial {
		s.sawFinal = true
	}
	return true
}

// Current returns the response produced by the last successful Next.
func (s *Stream) Current() Response {
	return s.cur
}

// Err returns the *ProviderError that ended the stream, if any.
func (s *Stream) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}

// Close releases resources of an abandoned stream. Safe to call more than once.
func (s *Stream) Close() {
	s.finish()
}

func (s *Stream) finish() {
	if s.done {
		return
	}
	s.done = true
	if s.release != nil {
		s.release()
	}
}

// Collect drains s and returns the terminal text.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	var final string
	for s.Next() {
		if r := s.Current(); !r.Partial {
			final = r.Text
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return final, nil
}
