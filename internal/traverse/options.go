package traverse

import (
	"time"

	"drawsnerd/internal/config"
)

// Options are the timing, retry and selector knobs of a traversal.
type Options struct {
	LocateTimeout   time.Duration
	VerifyTimeout   time.Duration
	TableTimeout    time.Duration
	CollapseTimeout time.Duration
	RetryBudget     int
	// ActionDelay follows every activation; PathDelay separates paths.
	ActionDelay           time.Duration
	PathDelay             time.Duration
	ReservedLabels        []string
	EntryLabels           []string
	TableDocumentFallback bool
	Selectors             config.SelectorConfig
}

// OptionsFromConfig converts the YAML traversal section.
func OptionsFromConfig(tc config.TraversalConfig) Options {
	return Options{
		LocateTimeout:         tc.GetLocateTimeout(),
		VerifyTimeout:         tc.GetVerifyTimeout(),
		TableTimeout:          tc.GetTableTimeout(),
		CollapseTimeout:       tc.GetCollapseTimeout(),
		RetryBudget:           tc.GetRetryBudget(),
		ActionDelay:           tc.GetActionDelay(),
		PathDelay:             tc.GetPathDelay(),
		ReservedLabels:        append([]string(nil), tc.ReservedLabels...),
		EntryLabels:           append([]string(nil), tc.EntryLabels...),
		TableDocumentFallback: tc.TableDocumentFallback,
		Selectors:             tc.Selectors,
	}
}

func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig().Traversal)
}

// normalize fills zero values so a partially built Options still runs.
func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.LocateTimeout <= 0 {
		o.LocateTimeout = def.LocateTimeout
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = def.VerifyTimeout
	}
	if o.TableTimeout <= 0 {
		o.TableTimeout = def.TableTimeout
	}
	if o.CollapseTimeout <= 0 {
		o.CollapseTimeout = def.CollapseTimeout
	}
	if o.RetryBudget < 1 {
		o.RetryBudget = def.RetryBudget
	}
	if o.ActionDelay < 0 {
		o.ActionDelay = 0
	}
	if o.PathDelay < 0 {
		o.PathDelay = 0
	}
	// nil means unset; an empty slice disables the filter.
	if o.ReservedLabels == nil {
		o.ReservedLabels = def.ReservedLabels
	}

	s, ds := &o.Selectors, def.Selectors
	fill := func(dst *string, fallback string) {
		if *dst == "" {
			*dst = fallback
		}
	}
	fill(&s.Header, ds.Header)
	fill(&s.ExpandedAttribute, ds.ExpandedAttribute)
	fill(&s.ExpandedToken, ds.ExpandedToken)
	fill(&s.ScopeAttribute, ds.ScopeAttribute)
	fill(&s.LeafMarker, ds.LeafMarker)
	fill(&s.Phase, ds.Phase)
	fill(&s.Table, ds.Table)
	fill(&s.Row, ds.Row)
	fill(&s.Cell, ds.Cell)
	fill(&s.Entry, ds.Entry)
	return o
}

func (o Options) reserved(label string) bool {
	for _, r := range o.ReservedLabels {
		if r == label {
			return true
		}
	}
	return false
}
