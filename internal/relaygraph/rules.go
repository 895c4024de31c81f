package relaygraph

const (
	ActionDeleteOrphans     = "delete-orphans"
	ActionDeleteDefault     = "delete-default"
	ActionDeleteStaleGraphs = "delete-stale-graphs"
	ActionCanonicalizeIDs   = "canonicalize-ids"
	ActionDeleteGraph       = "delete-graph"
)

const (
	defaultStaleThreshold = 10
	defaultSampleSize     = 5
	defaultResultLimit    = 50
)

// Rules configures the integrity scanner and repair engine.
type Rules struct {
	Legacy         []LegacyIDRule  `mapstructure:"legacy_ids"`
	Composite      []CompositeRule `mapstructure:"composite_duplicates"`
	Simple         []SimpleRule    `mapstructure:"simple_duplicates"`
	StaleThreshold int             `mapstructure:"stale_threshold"`
	SampleSize     int             `mapstructure:"sample_size"`
	ResultLimit    int             `mapstructure:"result_limit"`
}

func DefaultRules() Rules {
	return Rules{
		Legacy:         append([]LegacyIDRule(nil), DefaultLegacyIDRules...),
		Composite:      append([]CompositeRule(nil), DefaultCompositeRules...),
		Simple:         append([]SimpleRule(nil), DefaultSimpleRules...),
		StaleThreshold: defaultStaleThreshold,
		SampleSize:     defaultSampleSize,
		ResultLimit:    defaultResultLimit,
	}
}

// Compile validates the rules, fills zero limits, and precompiles patterns.
// Action names must be unique across the catalog.
func (r Rules) Compile() (Rules, error) {
	out := Rules{
		StaleThreshold: r.StaleThreshold,
		SampleSize:     r.SampleSize,
		ResultLimit:    r.ResultLimit,
	}
	if out.StaleThreshold <= 0 {
		out.StaleThreshold = defaultStaleThreshold
	}
	if out.SampleSize <= 0 {
		out.SampleSize = defaultSampleSize
	}
	if out.ResultLimit <= 0 {
		out.ResultLimit = defaultResultLimit
	}
	seen := map[string]struct{}{
		ActionDeleteOrphans:     {},
		ActionDeleteDefault:     {},
		ActionDeleteStaleGraphs: {},
		ActionCanonicalizeIDs:   {},
		ActionDeleteGraph:       {},
	}
	claim := func(action string) error {
		if _, dup := seen[action]; dup {
			return invalidf("repair action %q is declared twice", action)
		}
		seen[action] = struct{}{}
		return nil
	}
	for _, rule := range r.Legacy {
		if err := rule.compile(); err != nil {
			return Rules{}, err
		}
		out.Legacy = append(out.Legacy, rule)
	}
	for _, rule := range r.Composite {
		if err := rule.compile(); err != nil {
			return Rules{}, err
		}
		if err := claim(rule.Action); err != nil {
			return Rules{}, err
		}
		out.Composite = append(out.Composite, rule)
	}
	for _, rule := range r.Simple {
		if err := rule.validate(); err != nil {
			return Rules{}, err
		}
		if err := claim(rule.Action); err != nil {
			return Rules{}, err
		}
		out.Simple = append(out.Simple, rule)
	}
	return out, nil
}
