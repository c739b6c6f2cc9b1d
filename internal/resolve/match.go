package resolve

import (
	"regexp"
	"strings"
	"sync"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/naming"
	"github.com/avauthz/groupd/internal/observability"
)

// Matcher matches query arguments against grant argument patterns.
//
// A pattern is matched as an anchored expression in which `*` stands
// for any run of non-`/` characters and every other character matches
// literally. "db-*" therefore matches "db-prod" but not "cache-prod",
// and a `*` never crosses a `/` segment boundary. Compiled patterns
// are cached for reuse across queries.
type Matcher struct {
	logger observability.Logger

	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// MatcherOption is a functional option for the matcher.
type MatcherOption func(*Matcher)

// WithMatcherLogger sets the logger.
func WithMatcherLogger(logger observability.Logger) MatcherOption {
	return func(m *Matcher) {
		m.logger = logger
	}
}

// NewMatcher creates an argument pattern matcher.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		logger:   observability.NopLogger(),
		compiled: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// compilePattern translates a grant pattern into an anchored regular
// expression.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, "[^/]*") + "$"
	return regexp.Compile(expr)
}

// Validate rejects a malformed argument pattern. It is meant to run at
// grant time so queries never encounter an uncompilable pattern.
func (m *Matcher) Validate(pattern string) error {
	if _, err := naming.ValidateArgument(pattern); err != nil {
		return graph.NewValidationError("ValidatePattern", pattern, err)
	}
	if _, err := compilePattern(pattern); err != nil {
		return graph.NewValidationError("ValidatePattern", pattern, err)
	}
	return nil
}

// Matches reports whether a query argument satisfies a grant pattern.
// An empty pattern matches only the empty argument. A pattern the
// cache cannot compile matches nothing.
func (m *Matcher) Matches(pattern, argument string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == argument
	}

	regex := m.getCompiledPattern(pattern)
	if regex == nil {
		return false
	}
	return regex.MatchString(argument)
}

// getCompiledPattern returns a compiled pattern, caching it for reuse.
func (m *Matcher) getCompiledPattern(pattern string) *regexp.Regexp {
	m.mu.RLock()
	regex, ok := m.compiled[pattern]
	m.mu.RUnlock()

	if ok {
		return regex
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if regex, ok := m.compiled[pattern]; ok {
		return regex
	}

	compiled, err := compilePattern(pattern)
	if err != nil {
		m.logger.Warn("failed to compile argument pattern",
			observability.String("pattern", pattern),
			observability.Error(err),
		)
		return nil
	}

	m.compiled[pattern] = compiled
	return compiled
}
