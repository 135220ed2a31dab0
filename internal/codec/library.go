package codec

import (
	"sort"
	"sync"
)

// Library is an immutable set of decoder implementations grouped by codec.
type Library struct {
	byCodec map[string][]Implementation
}

// NewLibrary returns a library containing impls. Implementations for the
// same codec keep their relative order.
func NewLibrary(impls ...Implementation) *Library {
	l := &Library{byCodec: make(map[string][]Implementation)}
	for _, impl := range impls {
		l.byCodec[impl.Codec] = append(l.byCodec[impl.Codec], impl)
	}
	return l
}

var (
	defaultOnce sync.Once
	defaultLib  *Library
)

// Default returns the built-in library, built on first use.
func Default() *Library {
	defaultOnce.Do(func() {
		defaultLib = NewLibrary(builtins()...)
	})
	return defaultLib
}

// With returns a new library holding l's implementations plus extra.
func (l *Library) With(extra ...Implementation) *Library {
	var all []Implementation
	for _, c := range l.Codecs() {
		all = append(all, l.byCodec[c]...)
	}
	return NewLibrary(append(all, extra...)...)
}

// Lookup returns the implementations registered for codec.
func (l *Library) Lookup(codec string) []Implementation {
	impls := l.byCodec[codec]
	out := make([]Implementation, len(impls))
	copy(out, impls)
	return out
}

// Codecs returns the sorted list of codecs with at least one implementation.
func (l *Library) Codecs() []string {
	out := make([]string, 0, len(l.byCodec))
	for c := range l.byCodec {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func builtins() []Implementation {
	var impls []Implementation
	impls = append(impls, pcmImplementations()...)
	impls = append(impls, videoImplementations()...)
	impls = append(impls, subtitleImplementations()...)
	return impls
}
