// Package estimator computes VariableEstimate snapshots from a Variable's
// ComputeSpecs and a node's observation log (§4.3). It never returns an
// error to the caller: per-variable failures are reported in a failure
// map so one bad spec cannot abort a whole estimation pass.
package estimator

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vellum-systems/substrate/pkg/model"
)

// extractionFieldOrder is the fixed field-name priority list from §4.3
// step 5: first match wins.
var extractionFieldOrder = []string{"value", "amount", "score", "hours", "minutes", "duration", "count"}

// Estimate computes a VariableEstimate for v given the full set of
// observations on its node (already filtered to the node; this package
// does not itself talk to the repository) and an optional previous
// estimate for trend computation. referenceTime anchors all window
// arithmetic ("now" in production, fixed in tests for determinism).
func Estimate(v model.Variable, observations []model.Observation, previous *model.VariableEstimate, referenceTime time.Time) model.VariableEstimate {
	best, bestMatchCount := evaluateBestSpec(v, observations, referenceTime)

	est := model.VariableEstimate{
		VariableID: v.ID,
		ComputedAt: referenceTime,
	}
	if best != nil {
		est.Value = best.value
		est.Confidence = best.confidence
	} else {
		est.Confidence = 0
	}
	_ = bestMatchCount

	est.InViableRange = inRange(est.Value, v.ViableRange)
	est.InPreferredRange = inPreferredRange(est.Value, v.PreferredRange, v.ViableRange)
	est.Deviation = deviation(est.Value, v.PreferredRange, v.ViableRange)

	if est.Value != nil {
		prevValue, ok := previousValue(previous, v, observations, referenceTime)
		if ok {
			trend := computeTrend(*est.Value, prevValue, v.ViableRange, v.PreferredRange)
			est.Trend = &trend
		}
	}

	return est
}

type specResult struct {
	value      *float64
	confidence float64
	matchCount int
}

// evaluateBestSpec runs every ComputeSpec and picks the highest-confidence
// result that produced a value; if none produced a value, the spec with
// the most matches is returned (§4.3 "Multi-spec variable").
func evaluateBestSpec(v model.Variable, observations []model.Observation, referenceTime time.Time) (*specResult, int) {
	var (
		best        *specResult
		bestNoValue *specResult
	)
	for _, spec := range v.ComputeSpecs {
		r := evaluateSpec(spec, observations, referenceTime)
		if r.value != nil {
			if best == nil || r.confidence > best.confidence {
				best = r
			}
		} else if bestNoValue == nil || r.matchCount > bestNoValue.matchCount {
			bestNoValue = r
		}
	}
	if best != nil {
		return best, best.matchCount
	}
	if bestNoValue != nil {
		return bestNoValue, bestNoValue.matchCount
	}
	return nil, 0
}

func evaluateSpec(spec model.ComputeSpec, observations []model.Observation, referenceTime time.Time) *specResult {
	matched := filterByType(observations, spec.ObservationTypes)
	matched = filterByWindow(matched, spec.Window, referenceTime)

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	requestedCount := 0
	if spec.Window != nil && spec.Window.Count != nil {
		requestedCount = *spec.Window.Count
		if requestedCount < len(matched) {
			matched = matched[:requestedCount]
		}
	}
	matchCount := len(matched)

	values := make([]float64, 0, len(matched))
	for _, o := range matched {
		if val, ok := extractNumeric(o.Payload); ok {
			values = append(values, val)
		}
	}

	baseConfidence := 1.0
	if spec.Confidence != nil {
		baseConfidence = *spec.Confidence
	}

	result := &specResult{matchCount: matchCount}

	if spec.Aggregation == model.AggCount {
		v := float64(matchCount)
		result.value = &v
		if requestedCount > 0 && matchCount < requestedCount {
			baseConfidence *= float64(matchCount) / float64(requestedCount)
		}
		result.confidence = baseConfidence
		return result
	}

	if len(values) == 0 || matchCount == 0 {
		result.confidence = 0
		return result
	}

	var agg float64
	switch spec.Aggregation {
	case model.AggLatest:
		agg = values[0]
	case model.AggSum:
		for _, v := range values {
			agg += v
		}
	case model.AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		agg = sum / float64(len(values))
	case model.AggMin:
		agg = values[0]
		for _, v := range values[1:] {
			if v < agg {
				agg = v
			}
		}
	case model.AggMax:
		agg = values[0]
		for _, v := range values[1:] {
			if v > agg {
				agg = v
			}
		}
	default:
		agg = values[0]
	}

	if requestedCount > 0 && matchCount < requestedCount {
		baseConfidence *= float64(matchCount) / float64(requestedCount)
	}
	extractionRatio := float64(len(values)) / float64(matchCount)
	baseConfidence *= extractionRatio

	result.value = &agg
	result.confidence = baseConfidence
	return result
}

func filterByType(observations []model.Observation, patterns []string) []model.Observation {
	var out []model.Observation
	for _, o := range observations {
		for _, p := range patterns {
			if matchesTypePattern(p, o.Type) {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// matchesTypePattern implements §4.3 step 1: exact match, or, if p ends
// with ".*", prefix match on "prefix" itself or "prefix.<suffix>".
func matchesTypePattern(p, t string) bool {
	const wildcardSuffix = ".*"
	if strings.HasSuffix(p, wildcardSuffix) {
		prefix := strings.TrimSuffix(p, wildcardSuffix)
		if t == prefix {
			return true
		}
		return strings.HasPrefix(t, prefix+".")
	}
	return p == t
}

func filterByWindow(observations []model.Observation, window *model.Window, referenceTime time.Time) []model.Observation {
	if window == nil || window.Hours == nil {
		return observations
	}
	cutoff := referenceTime.Add(-time.Duration(*window.Hours * float64(time.Hour)))
	var out []model.Observation
	for _, o := range observations {
		if !o.Timestamp.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out
}

// extractNumeric implements §4.3 step 5. It accepts a bare number, an
// object carrying one of the fixed priority fields, or (domain-stack
// extension) a raw JSON payload (json.RawMessage, []byte or string) read
// with gjson: a bare JSON number, or the first top-level field in the same
// priority order that holds a number. Nested objects are not searched.
func extractNumeric(payload any) (float64, bool) {
	switch p := payload.(type) {
	case float64:
		return p, true
	case int:
		return float64(p), true
	case int64:
		return float64(p), true
	case json.Number:
		f, err := p.Float64()
		return f, err == nil
	case map[string]any:
		for _, field := range extractionFieldOrder {
			if v, ok := p[field]; ok {
				if f, ok := toFloat(v); ok {
					return f, true
				}
			}
		}
		return 0, false
	case json.RawMessage:
		return extractFromRawJSON(p)
	case []byte:
		return extractFromRawJSON(p)
	case string:
		// A raw JSON string payload, addressed the same way as
		// json.RawMessage.
		return extractFromRawJSON([]byte(p))
	default:
		return 0, false
	}
}

func extractFromRawJSON(raw []byte) (float64, bool) {
	if !gjson.ValidBytes(raw) {
		return 0, false
	}
	root := gjson.ParseBytes(raw)
	if root.Type == gjson.Number {
		return root.Float(), true
	}
	for _, field := range extractionFieldOrder {
		r := root.Get(field)
		if r.Exists() && r.Type == gjson.Number {
			return r.Float(), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func inRange(value *float64, bound *model.Bound) bool {
	if value == nil {
		return false
	}
	if bound == nil {
		return true
	}
	if bound.Min != nil && *value < *bound.Min {
		return false
	}
	if bound.Max != nil && *value > *bound.Max {
		return false
	}
	return true
}

func inPreferredRange(value *float64, preferred, viable *model.Bound) bool {
	if value == nil {
		return false
	}
	b := preferred
	if b == nil {
		b = viable
	}
	if b == nil {
		return true
	}
	min, max := b.SoftMin, b.SoftMax
	if b == viable {
		min, max = b.Min, b.Max
	} else {
		if min == nil {
			min = b.Min
		}
		if max == nil {
			max = b.Max
		}
	}
	if min != nil && *value < *min {
		return false
	}
	if max != nil && *value > *max {
		return false
	}
	return true
}

// deviation implements §4.3's deviation scale: 0 at the preferred center,
// ~0.5 at the viable boundary, capped at 1 outside viable.
func deviation(value *float64, preferred, viable *model.Bound) float64 {
	if value == nil {
		return 0
	}

	center, ok := rangeCenter(preferred)
	if !ok {
		center, ok = rangeCenter(viable)
	}
	if !ok {
		return 0
	}

	viableHalfSpan, hasViableSpan := viableHalfSpanAround(viable, center)
	dist := math.Abs(*value - center)

	if !hasViableSpan || viableHalfSpan == 0 {
		return 0
	}

	if dist <= viableHalfSpan {
		return 0.5 * (dist / viableHalfSpan)
	}

	past := dist - viableHalfSpan
	extra := 0.5 * (past / viableHalfSpan)
	total := 0.5 + extra
	if total > 1 {
		total = 1
	}
	return total
}

func rangeCenter(b *model.Bound) (float64, bool) {
	if b == nil {
		return 0, false
	}
	min, max := b.Min, b.Max
	if b.SoftMin != nil {
		min = b.SoftMin
	}
	if b.SoftMax != nil {
		max = b.SoftMax
	}
	if min != nil && max != nil {
		return (*min + *max) / 2, true
	}
	if min != nil {
		return *min, true
	}
	if max != nil {
		return *max, true
	}
	return 0, false
}

// viableHalfSpanAround returns the larger half-span of the viable range
// measured from center, per §4.3 "normalize by the larger half-span of
// viable to center".
func viableHalfSpanAround(viable *model.Bound, center float64) (float64, bool) {
	if viable == nil {
		return 0, false
	}
	var spans []float64
	if viable.Min != nil {
		spans = append(spans, math.Abs(center-*viable.Min))
	}
	if viable.Max != nil {
		spans = append(spans, math.Abs(*viable.Max-center))
	}
	if len(spans) == 0 {
		return 0, false
	}
	max := spans[0]
	for _, s := range spans[1:] {
		if s > max {
			max = s
		}
	}
	return max, true
}

// previousValue resolves the comparison point for trend computation: the
// supplied previous estimate's value if present, else a recomputation
// over an earlier observation window (default 24h, §4.3).
func previousValue(previous *model.VariableEstimate, v model.Variable, observations []model.Observation, referenceTime time.Time) (float64, bool) {
	if previous != nil && previous.Value != nil {
		return *previous.Value, true
	}
	earlier := referenceTime.Add(-24 * time.Hour)
	var earlierObs []model.Observation
	for _, o := range observations {
		if !o.Timestamp.After(earlier) {
			earlierObs = append(earlierObs, o)
		}
	}
	earlierEst, _ := evaluateBestSpec(v, earlierObs, earlier)
	if earlierEst != nil && earlierEst.value != nil {
		return *earlierEst.value, true
	}
	return 0, false
}

func computeTrend(newValue, oldValue float64, viable, preferred *model.Bound) model.Trend {
	span, ok := viableSpan(viable)
	var normalized float64
	if ok && span != 0 {
		normalized = (newValue - oldValue) / span
	} else {
		normalized = newValue - oldValue
	}

	if math.Abs(normalized) < 0.01 {
		return model.TrendStable
	}

	center, hasCenter := rangeCenter(preferred)
	if !hasCenter {
		center, hasCenter = rangeCenter(viable)
	}

	if hasCenter {
		oldDist := math.Abs(oldValue - center)
		newDist := math.Abs(newValue - center)
		if newDist < oldDist {
			return model.TrendImproving
		}
		return model.TrendDegrading
	}

	if newValue > oldValue {
		return model.TrendImproving
	}
	return model.TrendDegrading
}

func viableSpan(viable *model.Bound) (float64, bool) {
	if viable == nil || viable.Min == nil || viable.Max == nil {
		return 0, false
	}
	return *viable.Max - *viable.Min, true
}

// EstimateAll computes estimates for every variable in variables, scoping
// each variable's observation set to its own node, and never returns an
// error: failures are recorded per-variable in the returned failure map.
func EstimateAll(variables []model.Variable, observationsByNode map[string][]model.Observation, previous map[string]model.VariableEstimate, referenceTime time.Time) (map[string]model.VariableEstimate, map[string]string) {
	estimates := make(map[string]model.VariableEstimate, len(variables))
	failures := make(map[string]string)

	for _, v := range variables {
		func() {
			defer func() {
				if r := recover(); r != nil {
					failures[v.ID] = "panic during estimation"
				}
			}()
			var prev *model.VariableEstimate
			if p, ok := previous[v.ID]; ok {
				prev = &p
			}
			estimates[v.ID] = Estimate(v, observationsByNode[v.NodeID], prev, referenceTime)
		}()
	}
	return estimates, failures
}
