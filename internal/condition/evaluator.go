package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Context is the immutable snapshot a condition is evaluated against.
// Evaluation never mutates it.
type Context struct {
	// Fields holds the triggering event's data merged with any derived
	// values (e.g. current metric readings).
	Fields map[string]interface{}

	// Samples returns the recorded samples for a metric field, oldest
	// first. Nil means no sample history is available.
	Samples func(field string) []Sample

	// Now is the evaluation instant.
	Now time.Time
}

// Evaluate reports whether the condition holds for the given context.
// It is pure: the same context snapshot always yields the same result.
// Errors (missing fields, malformed patterns, insufficient samples) are
// returned so callers can treat the cycle as "condition not met".
func Evaluate(c Condition, ctx Context) (bool, error) {
	switch c.Kind {
	case KindThreshold:
		return evaluateThreshold(c.Threshold, ctx)
	case KindPattern:
		return evaluatePattern(c.Pattern, ctx)
	case KindAnomaly:
		return evaluateAnomaly(c.Anomaly, ctx)
	case KindComposite:
		for _, sub := range c.All {
			ok, err := Evaluate(sub, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown condition kind: %q", c.Kind)
	}
}

func evaluateThreshold(t *Threshold, ctx Context) (bool, error) {
	if t == nil {
		return false, fmt.Errorf("threshold condition missing parameters")
	}

	var actual float64
	if t.Aggregation == AggNone {
		v, err := numericField(ctx.Fields, t.Field)
		if err != nil {
			return false, err
		}
		actual = v
	} else {
		if ctx.Samples == nil {
			return false, fmt.Errorf("no sample history for field %q", t.Field)
		}
		samples := recentSamples(ctx.Samples(t.Field), t.Window, ctx.Now)
		v, err := aggregate(t.Aggregation, samples)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", t.Field, err)
		}
		actual = v
	}

	return compare(t.Op, actual, t.Value)
}

func evaluatePattern(p *Pattern, ctx Context) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("pattern condition missing parameters")
	}
	s, err := stringField(ctx.Fields, p.Field)
	if err != nil {
		return false, err
	}

	switch p.Op {
	case OpContains:
		return strings.Contains(s, p.Value), nil
	case OpRegex:
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return false, fmt.Errorf("invalid pattern regex: %w", err)
		}
		return re.MatchString(s), nil
	default:
		return false, fmt.Errorf("unknown pattern operator: %q", p.Op)
	}
}

func evaluateAnomaly(a *Anomaly, ctx Context) (bool, error) {
	if a == nil {
		return false, fmt.Errorf("anomaly condition missing parameters")
	}
	current, err := numericField(ctx.Fields, a.Field)
	if err != nil {
		return false, err
	}
	if ctx.Samples == nil {
		return false, fmt.Errorf("no sample history for field %q", a.Field)
	}

	min := a.MinSamples
	if min <= 0 {
		min = 5
	}
	samples := recentSamples(ctx.Samples(a.Field), a.Window, ctx.Now)
	if len(samples) < min {
		return false, fmt.Errorf("field %q: %d samples, need %d for baseline", a.Field, len(samples), min)
	}

	mean, stddev := meanStddev(samples)
	if stddev == 0 {
		// Flat baseline: any deviation at all is anomalous.
		return current != mean, nil
	}
	return math.Abs(current-mean) > a.Stddevs*stddev, nil
}

func compare(op CompareOp, actual, threshold float64) (bool, error) {
	switch op {
	case OpGT:
		return actual > threshold, nil
	case OpGTE:
		return actual >= threshold, nil
	case OpLT:
		return actual < threshold, nil
	case OpLTE:
		return actual <= threshold, nil
	case OpEQ:
		return actual == threshold, nil
	case OpNE:
		return actual != threshold, nil
	default:
		return false, fmt.Errorf("unknown compare operator: %q", op)
	}
}

func aggregate(agg Aggregation, samples []Sample) (float64, error) {
	if agg == AggCount {
		return float64(len(samples)), nil
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("no samples in window")
	}

	switch agg {
	case AggSum, AggAvg:
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		if agg == AggSum {
			return sum, nil
		}
		return sum / float64(len(samples)), nil
	case AggMin:
		min := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value < min {
				min = s.Value
			}
		}
		return min, nil
	case AggMax:
		max := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value > max {
				max = s.Value
			}
		}
		return max, nil
	case AggRate:
		// Change per second across the window.
		if len(samples) < 2 {
			return 0, fmt.Errorf("rate aggregation needs at least 2 samples")
		}
		first, last := samples[0], samples[len(samples)-1]
		elapsed := last.At.Sub(first.At).Seconds()
		if elapsed <= 0 {
			return 0, fmt.Errorf("rate aggregation needs a positive time span")
		}
		return (last.Value - first.Value) / elapsed, nil
	default:
		return 0, fmt.Errorf("unknown aggregation: %q", agg)
	}
}

func recentSamples(samples []Sample, window time.Duration, now time.Time) []Sample {
	if window <= 0 {
		return samples
	}
	cutoff := now.Add(-window)
	var out []Sample
	for _, s := range samples {
		if !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func meanStddev(samples []Sample) (mean, stddev float64) {
	for _, s := range samples {
		mean += s.Value
	}
	mean /= float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s.Value - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return mean, math.Sqrt(variance)
}

func numericField(fields map[string]interface{}, name string) (float64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("field %q not present", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("field %q is not numeric: %w", name, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %q is not numeric (%T)", name, v)
	}
}

func stringField(fields map[string]interface{}, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("field %q not present", name)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}
