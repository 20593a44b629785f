// Package moderation blocks outgoing messages that contain an
// administrator-configured excluded term before they reach the network.
package moderation

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/pkg/logger"
	"github.com/aguaportal/conversation-engine/pkg/metrics"
)

// FailMode decides what Check does before the term list has ever loaded.
type FailMode string

const (
	// FailClosed blocks every message until a list is available.
	FailClosed FailMode = "closed"
	// FailOpen allows every message until a list is available.
	FailOpen FailMode = "open"
)

// ParseFailMode parses a configured fail mode. Unknown values are closed.
func ParseFailMode(s string) FailMode {
	if strings.EqualFold(strings.TrimSpace(s), string(FailOpen)) {
		return FailOpen
	}
	return FailClosed
}

const defaultReason = "contains a blocked term"

// Verdict is the outcome of checking one message.
type Verdict struct {
	Allowed bool
	Term    string
	Reason  string
	// Err is set when the verdict came from the fail mode rather than a match.
	Err error
}

// Options configures a Filter.
type Options struct {
	FailMode FailMode
	// RevealTerm makes validation errors name the matched term.
	RevealTerm bool
}

type entry struct {
	term   model.ExcludedTerm
	folded string
}

// Filter holds the cached term list. It is safe for concurrent use.
type Filter struct {
	opts   Options
	logger *logger.Logger

	mu     sync.RWMutex
	terms  []entry
	loaded bool
}

// NewFilter creates a filter with no list loaded.
func NewFilter(opts Options, log *logger.Logger) *Filter {
	if opts.FailMode == "" {
		opts.FailMode = FailClosed
	}
	return &Filter{opts: opts, logger: logger.OrNop(log).Named("moderation")}
}

func fold(s string) string {
	// A Caser holds state and cannot be shared between goroutines.
	return cases.Fold().String(s)
}

// Replace swaps in a new term list. Inactive and blank terms are dropped;
// the order of the rest is kept.
func (f *Filter) Replace(terms []model.ExcludedTerm) {
	active := make([]entry, 0, len(terms))
	for _, t := range terms {
		if !t.IsActive {
			continue
		}
		folded := fold(strings.TrimSpace(t.Term))
		if folded == "" {
			continue
		}
		active = append(active, entry{term: t, folded: folded})
	}

	f.mu.Lock()
	f.terms = active
	f.loaded = true
	f.mu.Unlock()

	metrics.ModerationTerms.Set(float64(len(active)))
	f.logger.Debug("term list replaced", zap.Int("active", len(active)), zap.Int("total", len(terms)))
}

// Loaded reports whether a term list has been loaded at least once.
func (f *Filter) Loaded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaded
}

// Check reports whether text may be sent. The first active term contained in
// text, ignoring case, blocks it.
func (f *Filter) Check(text string) Verdict {
	f.mu.RLock()
	terms, loaded := f.terms, f.loaded
	f.mu.RUnlock()

	if !loaded {
		if f.opts.FailMode == FailOpen {
			return Verdict{Allowed: true}
		}
		return Verdict{Reason: "moderation list unavailable", Err: model.ErrTermsUnavailable}
	}

	folded := fold(text)
	for _, e := range terms {
		if strings.Contains(folded, e.folded) {
			reason := e.term.Reason
			if reason == "" {
				reason = defaultReason
			}
			return Verdict{Term: e.term.Term, Reason: reason}
		}
	}
	return Verdict{Allowed: true}
}

// Validate is Check expressed as an error: nil, or *model.ValidationError.
func (f *Filter) Validate(text string) error {
	v := f.Check(text)
	if v.Allowed {
		return nil
	}
	label := "term"
	if v.Err != nil {
		label = "unavailable"
	}
	metrics.ModerationBlocksTotal.WithLabelValues(label).Inc()
	return &model.ValidationError{
		Term:   v.Term,
		Reason: v.Reason,
		Reveal: f.opts.RevealTerm,
		Err:    v.Err,
	}
}

// String describes the filter state for logs.
func (f *Filter) String() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return fmt.Sprintf("moderation(loaded=%t, terms=%d, fail=%s)", f.loaded, len(f.terms), f.opts.FailMode)
}
