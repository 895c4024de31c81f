package relaygraph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var labelPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// LegacyIDRule maps non-canonical identifiers of one node type onto the
// canonical PREFIX-<zero padded number> form. Match must capture the number
// in its first group and must be valid both as an RE2 and a Cypher (Java)
// regular expression; it is matched against the whole identifier.
type LegacyIDRule struct {
	Type   string `mapstructure:"type" yaml:"type"`
	Match  string `mapstructure:"match" yaml:"match"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	Width  int    `mapstructure:"width" yaml:"width"`

	re *regexp.Regexp
}

// DefaultLegacyIDRules cover the identifier families that predate the
// canonical format.
var DefaultLegacyIDRules = []LegacyIDRule{
	{Type: "Decision", Match: `(?i)adr[-_ ]?0*([0-9]+)`, Prefix: "ADR", Width: 3},
	{Type: "Requirement", Match: `(?i)req[-_ ]?0*([0-9]+)`, Prefix: "REQ", Width: 3},
}

func (r *LegacyIDRule) compile() error {
	if !labelPattern.MatchString(r.Type) {
		return invalidf("legacy id rule has invalid type %q", r.Type)
	}
	if strings.TrimSpace(r.Prefix) == "" {
		return invalidf("legacy id rule for %s requires a prefix", r.Type)
	}
	if r.Width < 0 {
		return invalidf("legacy id rule for %s has negative width", r.Type)
	}
	re, err := regexp.Compile(`^(?:` + r.Match + `)$`)
	if err != nil {
		return invalidf("legacy id rule for %s: %v", r.Type, err)
	}
	if re.NumSubexp() < 1 {
		return invalidf("legacy id rule for %s must capture the number", r.Type)
	}
	r.re = re
	return nil
}

// Canonical returns the canonical form of id and whether the rule applies.
// It is idempotent: Canonical(Canonical(x)) == Canonical(x).
func (r LegacyIDRule) Canonical(id string) (string, bool) {
	if r.re == nil {
		if err := r.compile(); err != nil {
			return "", false
		}
	}
	match := r.re.FindStringSubmatch(id)
	if match == nil {
		return "", false
	}
	n, err := strconv.ParseUint(match[1], 10, 63)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s-%0*d", r.Prefix, r.Width, n), true
}

// NeedsRewrite reports whether id matches the rule but is not canonical.
func (r LegacyIDRule) NeedsRewrite(id string) (string, bool) {
	canonical, ok := r.Canonical(id)
	if !ok || canonical == id {
		return "", false
	}
	return canonical, true
}

// CompositeRule describes a type whose identifiers gain a "-suffix" when a
// more specific entity supersedes the short one, e.g. EPIC-7 and
// EPIC-7-details. The long identifier always survives a merge.
type CompositeRule struct {
	Type         string `mapstructure:"type" yaml:"type"`
	ShortPattern string `mapstructure:"short_pattern" yaml:"short_pattern"`
	Action       string `mapstructure:"action" yaml:"action"`

	shortRe *regexp.Regexp
	longRe  *regexp.Regexp
}

var DefaultCompositeRules = []CompositeRule{
	{Type: "Epic", ShortPattern: `EPIC-[0-9]+`, Action: "dedupe-epics"},
}

func (r *CompositeRule) compile() error {
	if !labelPattern.MatchString(r.Type) {
		return invalidf("composite rule has invalid type %q", r.Type)
	}
	if strings.TrimSpace(r.Action) == "" {
		return invalidf("composite rule for %s requires an action name", r.Type)
	}
	shortRe, err := regexp.Compile(`^(?:` + r.ShortPattern + `)$`)
	if err != nil {
		return invalidf("composite rule for %s: %v", r.Type, err)
	}
	longRe, err := regexp.Compile(`^(?:` + r.ShortPattern + `)-.+$`)
	if err != nil {
		return invalidf("composite rule for %s: %v", r.Type, err)
	}
	r.shortRe, r.longRe = shortRe, longRe
	return nil
}

// LongPattern is the whole-string pattern for superseding identifiers.
func (r CompositeRule) LongPattern() string {
	return `(?:` + r.ShortPattern + `)-.+`
}

// Pairs reports whether long supersedes short under this rule.
func (r CompositeRule) Pairs(short, long string) bool {
	if r.shortRe == nil || r.longRe == nil {
		if err := r.compile(); err != nil {
			return false
		}
	}
	return r.shortRe.MatchString(short) && r.longRe.MatchString(long) && strings.HasPrefix(long, short+"-")
}

// SimpleRule names a type whose identifiers should be unique per tenant
// but may collide exactly.
type SimpleRule struct {
	Type   string `mapstructure:"type" yaml:"type"`
	Action string `mapstructure:"action" yaml:"action"`
}

var DefaultSimpleRules = []SimpleRule{
	{Type: "Session", Action: "dedupe-sessions"},
}

func (r SimpleRule) validate() error {
	if !labelPattern.MatchString(r.Type) {
		return invalidf("simple duplicate rule has invalid type %q", r.Type)
	}
	if strings.TrimSpace(r.Action) == "" {
		return invalidf("simple duplicate rule for %s requires an action name", r.Type)
	}
	return nil
}

// ValidLabel reports whether a node type can be used as a graph label.
func ValidLabel(nodeType string) bool {
	return labelPattern.MatchString(nodeType)
}
