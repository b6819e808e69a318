// Package errclass normalizes arbitrary upstream error shapes into the fixed
// ErrorReason taxonomy.
//
// Classification is rule-driven: each provider may declare ordered rules that
// match on (status_code, value-at-error_path, regex). When no rule matches,
// a fixed default HTTP-status map applies. Rules are compiled once at config
// load; a pattern that fails to compile is a configuration error and blocks
// startup.
package errclass

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/keygate/internal/providers"
)

// MaxErrorBody is the hard cap on how many upstream error bytes are buffered
// before classification. The truncated prefix still feeds the classifier.
const MaxErrorBody = 256 * 1024

// Rule maps one upstream error shape to a normalized reason.
type Rule struct {
	// StatusCode the rule applies to. Rules for other statuses are skipped.
	StatusCode int `mapstructure:"status_code"`
	// ErrorPath is a dot-separated path into the JSON error body
	// (e.g. "error.type"). Empty means the rule matches on status alone.
	ErrorPath string `mapstructure:"error_path"`
	// MatchPattern is a case-sensitive regular expression tested against the
	// string form of the value at ErrorPath (partial match).
	MatchPattern string `mapstructure:"match_pattern"`
	// MapTo is the reason emitted when the rule matches.
	MapTo providers.ErrorReason `mapstructure:"map_to"`
	// Priority orders evaluation: higher wins; ties resolve by declaration order.
	Priority    int    `mapstructure:"priority"`
	Description string `mapstructure:"description"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Classifier holds one provider's compiled ruleset.
type Classifier struct {
	enabled   bool
	rules     []compiledRule
	needsBody bool
}

// Compile validates and compiles the ruleset. Rules are ordered by descending
// priority with declaration order as the tiebreaker.
func Compile(enabled bool, rules []Rule) (*Classifier, error) {
	c := &Classifier{enabled: enabled, rules: make([]compiledRule, 0, len(rules))}
	if !enabled {
		return c, nil
	}

	for i, r := range rules {
		if !validReason(r.MapTo) {
			return nil, fmt.Errorf("errclass: rule %d: unknown map_to %q", i, r.MapTo)
		}
		re, err := regexp.Compile(r.MatchPattern)
		if err != nil {
			return nil, fmt.Errorf("errclass: rule %d: invalid match_pattern %q: %w", i, r.MatchPattern, err)
		}
		c.rules = append(c.rules, compiledRule{Rule: r, re: re})
		if r.ErrorPath != "" {
			c.needsBody = true
		}
	}

	// Stable sort keeps declaration order within equal priorities.
	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].Priority > c.rules[j].Priority
	})

	return c, nil
}

// NeedsBody reports whether any rule inspects the response body. When true,
// the adapter must buffer error responses (up to MaxErrorBody) before
// classification.
func (c *Classifier) NeedsBody() bool {
	return c != nil && c.needsBody
}

// Classify maps an upstream (status, body) pair to a reason.
//
// The second return value is false for 2xx statuses that no rule remaps —
// such responses are not errors. A nil Classifier applies only the defaults.
func (c *Classifier) Classify(status int, body []byte) (providers.ErrorReason, bool) {
	if c != nil && c.enabled {
		for _, r := range c.rules {
			if r.StatusCode != status {
				continue
			}
			if r.ErrorPath == "" {
				return r.MapTo, true
			}
			v := gjson.GetBytes(body, r.ErrorPath)
			if !v.Exists() {
				// Missing path segment: rule skipped, never an error.
				continue
			}
			if r.re.MatchString(v.String()) {
				return r.MapTo, true
			}
		}
	}

	if status >= 200 && status < 300 {
		return "", false
	}
	return DefaultReason(status), true
}

// DefaultReason is the fixed HTTP-status fallback applied when no rule matches.
func DefaultReason(status int) providers.ErrorReason {
	switch status {
	case 400:
		return providers.ReasonBadRequest
	case 401:
		return providers.ReasonInvalidKey
	case 402:
		return providers.ReasonNoQuota
	case 403:
		return providers.ReasonNoAccess
	case 404:
		return providers.ReasonNoModel
	case 429:
		return providers.ReasonRateLimited
	case 500:
		return providers.ReasonServerError
	case 502:
		return providers.ReasonNetworkError
	case 503:
		return providers.ReasonOverloaded
	case 504:
		return providers.ReasonTimeout
	}
	return providers.ReasonUnknown
}

func validReason(r providers.ErrorReason) bool {
	switch r {
	case providers.ReasonInvalidKey, providers.ReasonNoAccess,
		providers.ReasonNoQuota, providers.ReasonNoModel,
		providers.ReasonRateLimited, providers.ReasonServerError,
		providers.ReasonOverloaded, providers.ReasonServiceUnavailable,
		providers.ReasonTimeout, providers.ReasonNetworkError,
		providers.ReasonBadRequest, providers.ReasonUnknown:
		return true
	}
	return false
}
