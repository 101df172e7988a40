package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// DefaultPatternTimeout bounds a single match against query text.
const DefaultPatternTimeout = 100 * time.Millisecond

// PatternUserResolver finds the submitter in a comment or tag embedded in the
// SQL text. It uses the group named "user" when the pattern has one and the
// first capture group otherwise.
type PatternUserResolver struct {
	re     *regexp2.Regexp
	group  string
	logger *zap.SugaredLogger
}

// NewPatternUserResolver compiles pattern, e.g. `--\s*user:\s*(?<user>[\w.@-]+)`.
func NewPatternUserResolver(pattern string, timeout time.Duration, logger *zap.SugaredLogger) (*PatternUserResolver, error) {
	if pattern == "" {
		return nil, fmt.Errorf("user pattern cannot be empty")
	}
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("failed to compile user pattern: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultPatternTimeout
	}
	re.MatchTimeout = timeout

	group := ""
	for _, name := range re.GetGroupNames() {
		if name == "user" {
			group = name
			break
		}
	}
	return &PatternUserResolver{re: re, group: group, logger: logger}, nil
}

// ResolveUser returns the captured user, or false when the SQL has none.
func (r *PatternUserResolver) ResolveUser(sql string) (string, bool) {
	if sql == "" {
		return "", false
	}

	m, err := r.re.FindStringMatch(sql)
	if err != nil {
		r.logger.Warnw("User pattern evaluation failed", "error", err)
		return "", false
	}
	if m == nil {
		return "", false
	}

	var g *regexp2.Group
	if r.group != "" {
		g = m.GroupByName(r.group)
	} else {
		g = m.GroupByNumber(1)
	}
	if g == nil {
		return "", false
	}
	user := strings.TrimSpace(g.String())
	return user, user != ""
}
