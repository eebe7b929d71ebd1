package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldsCtx(fields map[string]interface{}) Context {
	return Context{Fields: fields, Now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func samplesCtx(now time.Time, fields map[string]interface{}, samples map[string][]Sample) Context {
	return Context{
		Fields:  fields,
		Samples: func(field string) []Sample { return samples[field] },
		Now:     now,
	}
}

func TestThresholdOperators(t *testing.T) {
	cases := []struct {
		op     CompareOp
		actual float64
		value  float64
		want   bool
	}{
		{OpGT, 91, 90, true},
		{OpGT, 90, 90, false},
		{OpGTE, 90, 90, true},
		{OpLT, 89, 90, true},
		{OpLT, 90, 90, false},
		{OpLTE, 90, 90, true},
		{OpEQ, 90, 90, true},
		{OpEQ, 89, 90, false},
		{OpNE, 89, 90, true},
	}
	for _, tc := range cases {
		cond := NewThreshold("cpu_usage", tc.op, tc.value)
		got, err := Evaluate(cond, fieldsCtx(map[string]interface{}{"cpu_usage": tc.actual}))
		require.NoError(t, err, "op %s", tc.op)
		assert.Equal(t, tc.want, got, "op %s actual=%v value=%v", tc.op, tc.actual, tc.value)
	}
}

func TestThresholdNumericCoercion(t *testing.T) {
	cond := NewThreshold("count", OpGT, 4)

	for _, v := range []interface{}{5, int32(5), int64(5), float32(5), 5.0} {
		got, err := Evaluate(cond, fieldsCtx(map[string]interface{}{"count": v}))
		require.NoError(t, err, "%T", v)
		assert.True(t, got, "%T", v)
	}

	_, err := Evaluate(cond, fieldsCtx(map[string]interface{}{"count": "five"}))
	assert.Error(t, err)
}

func TestThresholdMissingField(t *testing.T) {
	cond := NewThreshold("memory_usage", OpGT, 50)
	_, err := Evaluate(cond, fieldsCtx(map[string]interface{}{}))
	assert.Error(t, err)
}

func TestAggregatedThreshold(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	samples := map[string][]Sample{"cpu_usage": {
		{Value: 10, At: now.Add(-10 * time.Minute)}, // outside the window
		{Value: 80, At: now.Add(-4 * time.Minute)},
		{Value: 90, At: now.Add(-2 * time.Minute)},
		{Value: 100, At: now.Add(-1 * time.Minute)},
	}}
	ctx := samplesCtx(now, nil, samples)

	cases := []struct {
		agg   Aggregation
		op    CompareOp
		value float64
		want  bool
	}{
		{AggAvg, OpGT, 85, true},  // avg(80,90,100)=90
		{AggAvg, OpGT, 95, false},
		{AggSum, OpEQ, 270, true},
		{AggCount, OpEQ, 3, true},
		{AggMin, OpEQ, 80, true},
		{AggMax, OpEQ, 100, true},
	}
	for _, tc := range cases {
		cond := NewAggregatedThreshold("cpu_usage", tc.op, tc.value, tc.agg, 5*time.Minute)
		got, err := Evaluate(cond, ctx)
		require.NoError(t, err, "agg %s", tc.agg)
		assert.Equal(t, tc.want, got, "agg %s", tc.agg)
	}
}

func TestRateAggregation(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ctx := samplesCtx(now, nil, map[string][]Sample{"errors_total": {
		{Value: 100, At: now.Add(-60 * time.Second)},
		{Value: 160, At: now},
	}})

	// 60 over 60s is 1/s.
	cond := NewAggregatedThreshold("errors_total", OpGTE, 1, AggRate, 2*time.Minute)
	got, err := Evaluate(cond, ctx)
	require.NoError(t, err)
	assert.True(t, got)

	// A single sample cannot yield a rate.
	single := samplesCtx(now, nil, map[string][]Sample{"errors_total": {
		{Value: 100, At: now},
	}})
	_, err = Evaluate(cond, single)
	assert.Error(t, err)
}

func TestAggregatedThresholdEmptyWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ctx := samplesCtx(now, nil, map[string][]Sample{})

	// count over an empty window is 0, not an error.
	countCond := NewAggregatedThreshold("cpu_usage", OpEQ, 0, AggCount, time.Minute)
	got, err := Evaluate(countCond, ctx)
	require.NoError(t, err)
	assert.True(t, got)

	avgCond := NewAggregatedThreshold("cpu_usage", OpGT, 0, AggAvg, time.Minute)
	_, err = Evaluate(avgCond, ctx)
	assert.Error(t, err)
}

func TestPatternContains(t *testing.T) {
	cond := NewPattern("error", OpContains, "timeout")

	got, err := Evaluate(cond, fieldsCtx(map[string]interface{}{"error": "dial tcp: i/o timeout"}))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(cond, fieldsCtx(map[string]interface{}{"error": "connection refused"}))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestPatternRegex(t *testing.T) {
	cond := NewPattern("error", OpRegex, `OOM|out of memory`)

	got, err := Evaluate(cond, fieldsCtx(map[string]interface{}{"error": "container killed: out of memory"}))
	require.NoError(t, err)
	assert.True(t, got)

	bad := NewPattern("error", OpRegex, `[unclosed`)
	_, err = Evaluate(bad, fieldsCtx(map[string]interface{}{"error": "anything"}))
	assert.Error(t, err)
	assert.Error(t, bad.Validate(), "malformed regex should also fail validation")
}

func TestPatternNonStringField(t *testing.T) {
	// Non-string values are formatted before matching.
	cond := NewPattern("exit_code", OpContains, "137")
	got, err := Evaluate(cond, fieldsCtx(map[string]interface{}{"exit_code": 137}))
	require.NoError(t, err)
	assert.True(t, got)
}

func TestAnomalyDetection(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	baseline := []Sample{
		{Value: 50, At: now.Add(-5 * time.Minute)},
		{Value: 52, At: now.Add(-4 * time.Minute)},
		{Value: 48, At: now.Add(-3 * time.Minute)},
		{Value: 51, At: now.Add(-2 * time.Minute)},
		{Value: 49, At: now.Add(-1 * time.Minute)},
	}
	cond := NewAnomaly("latency_ms", 2, 10*time.Minute)

	samples := map[string][]Sample{"latency_ms": baseline}
	got, err := Evaluate(cond, samplesCtx(now, map[string]interface{}{"latency_ms": 51.0}, samples))
	require.NoError(t, err)
	assert.False(t, got, "in-band value is not anomalous")

	got, err = Evaluate(cond, samplesCtx(now, map[string]interface{}{"latency_ms": 95.0}, samples))
	require.NoError(t, err)
	assert.True(t, got, "far outlier is anomalous")
}

func TestAnomalyInsufficientSamples(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cond := NewAnomaly("latency_ms", 2, 10*time.Minute)
	ctx := samplesCtx(now, map[string]interface{}{"latency_ms": 95.0}, map[string][]Sample{
		"latency_ms": {
			{Value: 50, At: now.Add(-2 * time.Minute)},
			{Value: 51, At: now.Add(-1 * time.Minute)},
		},
	})

	_, err := Evaluate(cond, ctx)
	assert.Error(t, err, "below the minimum baseline size")
}

func TestAnomalyFlatBaseline(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	flat := make([]Sample, 6)
	for i := range flat {
		flat[i] = Sample{Value: 50, At: now.Add(-time.Duration(6-i) * time.Minute)}
	}
	cond := NewAnomaly("latency_ms", 3, 10*time.Minute)
	samples := map[string][]Sample{"latency_ms": flat}

	got, err := Evaluate(cond, samplesCtx(now, map[string]interface{}{"latency_ms": 50.0}, samples))
	require.NoError(t, err)
	assert.False(t, got)

	got, err = Evaluate(cond, samplesCtx(now, map[string]interface{}{"latency_ms": 50.5}, samples))
	require.NoError(t, err)
	assert.True(t, got, "any deviation from a flat baseline is anomalous")
}

func TestCompositeAnd(t *testing.T) {
	cond := NewComposite(
		NewThreshold("cpu_usage", OpGT, 90),
		NewPattern("host", OpContains, "prod"),
	)

	got, err := Evaluate(cond, fieldsCtx(map[string]interface{}{"cpu_usage": 95.0, "host": "prod-web-1"}))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(cond, fieldsCtx(map[string]interface{}{"cpu_usage": 95.0, "host": "staging-web-1"}))
	require.NoError(t, err)
	assert.False(t, got)

	got, err = Evaluate(cond, fieldsCtx(map[string]interface{}{"cpu_usage": 10.0, "host": "prod-web-1"}))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCompositeShortCircuitsOnFailure(t *testing.T) {
	// The first sub-condition fails, so the second's missing field is never
	// reached.
	cond := NewComposite(
		NewThreshold("cpu_usage", OpGT, 90),
		NewThreshold("not_present", OpGT, 0),
	)
	got, err := Evaluate(cond, fieldsCtx(map[string]interface{}{"cpu_usage": 10.0}))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, NewThreshold("cpu_usage", OpGT, 90).Validate())
	assert.NoError(t, NewAggregatedThreshold("cpu_usage", OpGT, 90, AggAvg, time.Minute).Validate())
	assert.NoError(t, NewPattern("error", OpRegex, `timeout|refused`).Validate())
	assert.NoError(t, NewAnomaly("latency_ms", 2, time.Minute).Validate())
	assert.NoError(t, NewComposite(NewThreshold("a", OpGT, 1)).Validate())

	assert.Error(t, Condition{Kind: KindThreshold}.Validate())
	assert.Error(t, NewThreshold("", OpGT, 90).Validate())
	assert.Error(t, NewThreshold("cpu_usage", CompareOp("between"), 90).Validate())
	assert.Error(t, Condition{Kind: KindThreshold, Threshold: &Threshold{
		Field: "cpu_usage", Op: OpGT, Aggregation: AggAvg,
	}}.Validate(), "aggregation without a window")
	assert.Error(t, NewAnomaly("latency_ms", 0, time.Minute).Validate())
	assert.Error(t, NewAnomaly("latency_ms", 2, 0).Validate())
	assert.Error(t, NewComposite().Validate())
	assert.Error(t, Condition{Kind: Kind("sometimes")}.Validate())
}

func TestWindowBased(t *testing.T) {
	assert.False(t, NewThreshold("cpu_usage", OpGT, 90).WindowBased())
	assert.True(t, NewAggregatedThreshold("cpu_usage", OpGT, 90, AggAvg, time.Minute).WindowBased())
	assert.False(t, NewPattern("error", OpContains, "x").WindowBased())
	assert.True(t, NewAnomaly("latency_ms", 2, time.Minute).WindowBased())
	assert.False(t, NewComposite(NewPattern("error", OpContains, "x")).WindowBased())
	assert.True(t, NewComposite(
		NewPattern("error", OpContains, "x"),
		NewAnomaly("latency_ms", 2, time.Minute),
	).WindowBased())
}

func TestHistoryWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(3)

	h.Append(1, now.Add(-3*time.Minute))
	h.Append(2, now.Add(-2*time.Minute))
	h.Append(3, now.Add(-1*time.Minute))
	h.Append(4, now)

	// Capacity 3: the oldest sample was evicted.
	assert.Equal(t, 3, h.Len())
	all := h.Recent(0, now)
	require.Len(t, all, 3)
	assert.Equal(t, 2.0, all[0].Value)
	assert.Equal(t, 4.0, all[2].Value)

	recent := h.Recent(90*time.Second, now)
	require.Len(t, recent, 2)
	assert.Equal(t, 3.0, recent[0].Value)
}
