package capture

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/sievetrace-io/sievetrace/internal/event"
)

// identityFields are probed, in order, to extract a stable item identity from
// sequence elements.
var identityFields = []string{"id", "itemId", "key"}

// scoreFields are probed, in order, to extract a score from output elements.
var scoreFields = []string{"score", "relevanceScore"}

type (
	// Decision is an explicit per-item decision returned by a
	// DecisionCallback, overriding automatic derivation.
	Decision struct {
		Outcome event.Outcome
		Reason  string
		Score   *float64
	}

	// DecisionCallback lets the application decide outcomes itself when item
	// types are statically known. It receives the input element, the matched
	// output element (nil if absent), and the input index. Returning nil
	// skips the item entirely.
	DecisionCallback func(input, output any, index int) *Decision
)

// derive computes decision events by diffing a step's input against its
// output, and returns the events together with the derived input and output
// counts.
//
// Counts are always computed (length for ordered sequences, 1 for a present
// scalar, 0 for an absent output); they feed metric aggregation even under
// metrics_only, which emits no events at all.
func derive(
	st *event.Step,
	input, output any,
	cb DecisionCallback,
	level Level,
) ([]*event.DecisionEvent, int, int) {
	inSeq, inOK := asSequence(input)
	outSeq, outOK := asSequence(output)

	inputCount := 1
	if inOK {
		inputCount = len(inSeq)
	}

	outputCount := 0

	switch {
	case outOK:
		outputCount = len(outSeq)
	case output != nil:
		outputCount = 1
	}

	if level == LevelMetricsOnly {
		return nil, inputCount, outputCount
	}

	if inOK && outOK {
		return deriveSequence(st, inSeq, outSeq, inputCount, outputCount, cb, level), inputCount, outputCount
	}

	return deriveSingle(st, input, output, inputCount, outputCount, cb, level), inputCount, outputCount
}

// deriveSequence handles the ordered-sequence diff: every input element is a
// candidate, matched to an output element by identity field, then by
// reference identity, then considered eliminated.
func deriveSequence(
	st *event.Step,
	inSeq, outSeq []any,
	inputCount, outputCount int,
	cb DecisionCallback,
	level Level,
) []*event.DecisionEvent {
	// Map each output element to its index by identity field, positional
	// fallback included, so input elements can find their counterpart.
	outIndex := make(map[string]int, len(outSeq))
	for j := range outSeq {
		outIndex[itemIdentity(outSeq[j], j)] = j
	}

	targetSize := TargetSize(inputCount)
	events := make([]*event.DecisionEvent, 0, min(inputCount, targetSize))

	for i := range inSeq {
		if level == LevelSampled && !ShouldSample(i, inputCount, targetSize) {
			continue
		}

		itemID := itemIdentity(inSeq[i], i)

		outElem, found := lookupOutput(inSeq[i], itemID, outSeq, outIndex)

		ev := decideItem(st, inSeq[i], outElem, found, itemID, i, cb)
		if ev == nil {
			continue
		}

		ev.Metadata = eventMetadata(st, inputCount, outputCount, i, level)
		events = append(events, ev)
	}

	return events
}

// deriveSingle handles steps whose input or output is not an ordered
// sequence: at most one event, with the fixed item id "single-item".
func deriveSingle(
	st *event.Step,
	input, output any,
	inputCount, outputCount int,
	cb DecisionCallback,
	level Level,
) []*event.DecisionEvent {
	ev := decideItem(st, input, output, output != nil, "single-item", 0, cb)
	if ev == nil {
		return nil
	}

	ev.Metadata = eventMetadata(st, inputCount, outputCount, 0, level)

	return []*event.DecisionEvent{ev}
}

// decideItem produces the decision event for one candidate, either through
// the callback or through automatic outcome derivation. Returns nil when the
// callback skips the item.
func decideItem(
	st *event.Step,
	input, output any,
	hasOutput bool,
	itemID string,
	index int,
	cb DecisionCallback,
) *event.DecisionEvent {
	ev := &event.DecisionEvent{
		EventID:    uuid.NewString(),
		StepID:     st.StepID,
		RunID:      st.RunID,
		PipelineID: st.PipelineID,
		ItemID:     itemID,
		Input:      input,
		Timestamp:  event.Now(),
	}

	if hasOutput {
		ev.Output = output
	}

	if cb != nil {
		var cbOutput any
		if hasOutput {
			cbOutput = output
		}

		d := cb(input, cbOutput, index)
		if d == nil {
			return nil
		}

		ev.Outcome = d.Outcome
		ev.Reason = d.Reason
		ev.Score = d.Score

		return ev
	}

	switch {
	case hasOutput && st.Type.IsScoring():
		ev.Outcome = event.OutcomeScored
		ev.Score = probeFloat(output, scoreFields...)
		ev.Reason = scoredReason(ev.Score)
	case hasOutput:
		ev.Outcome = event.OutcomeKept
		ev.Reason = fmt.Sprintf("Item passed %s step", st.Type)
	default:
		ev.Outcome = event.OutcomeEliminated
		ev.Reason = eliminatedReason(st)
	}

	return ev
}

// lookupOutput resolves the presumed output element for an input element:
// identity-field lookup first, reference identity second, absent otherwise.
func lookupOutput(input any, itemID string, outSeq []any, outIndex map[string]int) (any, bool) {
	if j, ok := outIndex[itemID]; ok {
		return outSeq[j], true
	}

	// Reference identity fallback for elements without an identity field.
	// Only comparable values can be tested with ==.
	t := reflect.TypeOf(input)
	if t == nil || !t.Comparable() {
		return nil, false
	}

	for j := range outSeq {
		if ot := reflect.TypeOf(outSeq[j]); ot == t && outSeq[j] == input {
			return outSeq[j], true
		}
	}

	return nil, false
}

// eventMetadata builds the per-event metadata: counts, the sampled flag
// (interior indices only), and the echoed step config.
func eventMetadata(st *event.Step, inputCount, outputCount, index int, level Level) map[string]any {
	meta := map[string]any{
		"inputCount":  inputCount,
		"outputCount": outputCount,
	}

	if level == LevelSampled {
		meta["sampled"] = index > 0 && index < inputCount-1
	}

	if len(st.Config) > 0 {
		meta["config"] = st.Config
	}

	return meta
}

// scoredReason templates the reason for a scored outcome.
func scoredReason(score *float64) string {
	if score == nil {
		return "Item scored"
	}

	return fmt.Sprintf("Item scored: %v", *score)
}

// eliminatedReason templates the reason for an eliminated outcome from the
// step config when it names a threshold or match type, else falls back to a
// generic phrase.
func eliminatedReason(st *event.Step) string {
	if v, ok := st.Config["threshold"]; ok {
		return fmt.Sprintf("Item eliminated: below threshold %v", v)
	}

	if v, ok := st.Config["matchType"]; ok {
		return fmt.Sprintf("Item eliminated: failed %v match", v)
	}

	return fmt.Sprintf("Item eliminated by %s step", st.Type)
}

// inputItemCount is the input-side count of a step boundary: sequence
// length for ordered sequences, 1 otherwise. Matches derive's input count.
func inputItemCount(input any) int {
	if seq, ok := asSequence(input); ok {
		return len(seq)
	}

	return 1
}

// asSequence reports whether v is an ordered sequence (slice or array,
// excluding strings and byte slices, which are scalars at this boundary) and
// returns its elements.
func asSequence(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}

	elems := make([]any, rv.Len())
	for i := range elems {
		elems[i] = rv.Index(i).Interface()
	}

	return elems, true
}

// itemIdentity extracts a stable item id from a sequence element by probing
// the identity fields, falling back to the positional "item-<i>".
func itemIdentity(elem any, index int) string {
	if s, ok := probeString(elem, identityFields...); ok {
		return s
	}

	return fmt.Sprintf("item-%d", index)
}

// probeString looks up the first present field among keys on a map or struct
// element and stringifies it.
func probeString(elem any, keys ...string) (string, bool) {
	for _, key := range keys {
		v, ok := fieldValue(elem, key)
		if !ok || v == nil {
			continue
		}

		if s, isStr := v.(string); isStr {
			if s == "" {
				continue
			}

			return s, true
		}

		return fmt.Sprintf("%v", v), true
	}

	return "", false
}

// probeFloat looks up the first present numeric field among keys.
func probeFloat(elem any, keys ...string) *float64 {
	for _, key := range keys {
		v, ok := fieldValue(elem, key)
		if !ok || v == nil {
			continue
		}

		rv := reflect.ValueOf(v)

		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			f := rv.Float()

			return &f
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f := float64(rv.Int())

			return &f
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			f := float64(rv.Uint())

			return &f
		default:
		}
	}

	return nil
}

// fieldValue reads a named field from a map with string keys or from a
// struct (matching the json tag first, then the exported field name,
// case-insensitively on the first letter).
func fieldValue(elem any, key string) (any, bool) {
	rv := reflect.ValueOf(elem)

	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}

		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}

		mv := rv.MapIndex(reflect.ValueOf(key))
		if !mv.IsValid() {
			return nil, false
		}

		return mv.Interface(), true

	case reflect.Struct:
		rt := rv.Type()

		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}

			if jsonFieldName(field) == key {
				return rv.Field(i).Interface(), true
			}
		}

		return nil, false

	default:
		return nil, false
	}
}

// jsonFieldName returns the wire name of a struct field: the json tag when
// present, else the field name with the first letter lower-cased.
func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag != "" && tag != "-" {
		for i := 0; i < len(tag); i++ {
			if tag[i] == ',' {
				tag = tag[:i]

				break
			}
		}

		if tag != "" {
			return tag
		}
	}

	name := field.Name
	if name == "" {
		return name
	}

	return string(name[0]|0x20) + name[1:]
}
