package condition

import (
	"fmt"
	"regexp"
	"time"
)

// Kind discriminates the condition variants
type Kind string

const (
	KindThreshold Kind = "threshold"
	KindPattern   Kind = "pattern"
	KindAnomaly   Kind = "anomaly"
	KindComposite Kind = "composite"
)

// CompareOp is a numeric comparison operator
type CompareOp string

const (
	OpGT  CompareOp = "gt"
	OpGTE CompareOp = "gte"
	OpLT  CompareOp = "lt"
	OpLTE CompareOp = "lte"
	OpEQ  CompareOp = "eq"
	OpNE  CompareOp = "ne"
)

// Aggregation reduces a sample window to a single value before comparison
type Aggregation string

const (
	AggNone  Aggregation = ""
	AggAvg   Aggregation = "avg"
	AggSum   Aggregation = "sum"
	AggCount Aggregation = "count"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggRate  Aggregation = "rate"
)

// PatternOp is a string matching operator
type PatternOp string

const (
	OpContains PatternOp = "contains"
	OpRegex    PatternOp = "regex"
)

// Threshold compares a numeric field against a fixed value, optionally
// aggregated over a trailing sample window.
type Threshold struct {
	Field       string        `json:"field"`
	Op          CompareOp     `json:"op"`
	Value       float64       `json:"value"`
	Aggregation Aggregation   `json:"aggregation,omitempty"`
	Window      time.Duration `json:"window,omitempty"`
}

// Pattern matches a string field against a literal or regular expression.
type Pattern struct {
	Field string    `json:"field"`
	Op    PatternOp `json:"op"`
	Value string    `json:"value"`
}

// Anomaly flags values deviating from a rolling baseline by more than
// Stddevs standard deviations.
type Anomaly struct {
	Field      string        `json:"field"`
	Stddevs    float64       `json:"stddevs"`
	Window     time.Duration `json:"window"`
	MinSamples int           `json:"min_samples,omitempty"`
}

// Condition is a tagged union over the supported condition variants. Exactly
// one variant must be populated for the declared Kind. Composite conditions
// hold the boolean AND of their sub-conditions; OR/NOT are not supported.
type Condition struct {
	Kind      Kind        `json:"kind"`
	Threshold *Threshold  `json:"threshold,omitempty"`
	Pattern   *Pattern    `json:"pattern,omitempty"`
	Anomaly   *Anomaly    `json:"anomaly,omitempty"`
	All       []Condition `json:"all,omitempty"`
}

// NewThreshold builds a threshold condition without aggregation.
func NewThreshold(field string, op CompareOp, value float64) Condition {
	return Condition{Kind: KindThreshold, Threshold: &Threshold{Field: field, Op: op, Value: value}}
}

// NewAggregatedThreshold builds a threshold condition aggregated over a window.
func NewAggregatedThreshold(field string, op CompareOp, value float64, agg Aggregation, window time.Duration) Condition {
	return Condition{Kind: KindThreshold, Threshold: &Threshold{
		Field: field, Op: op, Value: value, Aggregation: agg, Window: window,
	}}
}

// NewPattern builds a pattern condition.
func NewPattern(field string, op PatternOp, value string) Condition {
	return Condition{Kind: KindPattern, Pattern: &Pattern{Field: field, Op: op, Value: value}}
}

// NewAnomaly builds an anomaly condition over a trailing window.
func NewAnomaly(field string, stddevs float64, window time.Duration) Condition {
	return Condition{Kind: KindAnomaly, Anomaly: &Anomaly{Field: field, Stddevs: stddevs, Window: window}}
}

// NewComposite builds the AND of the given sub-conditions.
func NewComposite(all ...Condition) Condition {
	return Condition{Kind: KindComposite, All: all}
}

// Validate checks that the condition is well-formed: the variant matching
// Kind is populated, operators are known, and regex patterns compile.
func (c Condition) Validate() error {
	switch c.Kind {
	case KindThreshold:
		t := c.Threshold
		if t == nil {
			return fmt.Errorf("threshold condition missing parameters")
		}
		if t.Field == "" {
			return fmt.Errorf("threshold condition requires a field")
		}
		switch t.Op {
		case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE:
		default:
			return fmt.Errorf("unknown compare operator: %q", t.Op)
		}
		switch t.Aggregation {
		case AggNone, AggAvg, AggSum, AggCount, AggMin, AggMax, AggRate:
		default:
			return fmt.Errorf("unknown aggregation: %q", t.Aggregation)
		}
		if t.Aggregation != AggNone && t.Window <= 0 {
			return fmt.Errorf("aggregated threshold requires a positive window")
		}
		return nil
	case KindPattern:
		p := c.Pattern
		if p == nil {
			return fmt.Errorf("pattern condition missing parameters")
		}
		if p.Field == "" {
			return fmt.Errorf("pattern condition requires a field")
		}
		switch p.Op {
		case OpContains:
		case OpRegex:
			if _, err := regexp.Compile(p.Value); err != nil {
				return fmt.Errorf("invalid pattern regex: %w", err)
			}
		default:
			return fmt.Errorf("unknown pattern operator: %q", p.Op)
		}
		return nil
	case KindAnomaly:
		a := c.Anomaly
		if a == nil {
			return fmt.Errorf("anomaly condition missing parameters")
		}
		if a.Field == "" {
			return fmt.Errorf("anomaly condition requires a field")
		}
		if a.Stddevs <= 0 {
			return fmt.Errorf("anomaly condition requires positive stddevs")
		}
		if a.Window <= 0 {
			return fmt.Errorf("anomaly condition requires a positive window")
		}
		return nil
	case KindComposite:
		if len(c.All) == 0 {
			return fmt.Errorf("composite condition requires sub-conditions")
		}
		for i, sub := range c.All {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("sub-condition %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown condition kind: %q", c.Kind)
	}
}

// WindowBased reports whether any part of the condition needs a trailing
// sample window, and therefore wants periodic re-evaluation on ticks.
func (c Condition) WindowBased() bool {
	switch c.Kind {
	case KindThreshold:
		return c.Threshold != nil && c.Threshold.Aggregation != AggNone
	case KindAnomaly:
		return true
	case KindComposite:
		for _, sub := range c.All {
			if sub.WindowBased() {
				return true
			}
		}
	}
	return false
}
