package querycontext

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/go-go-golems/chatlens/pkg/events"
)

// SignatureResultPrefix is how many runes of a step result take part in its
// signature. Two results sharing this prefix are treated as the same report.
const SignatureResultPrefix = 200

// QueryContext is the aggregated snapshot of the most recent reasoning and
// execution trace of one conversation.
//
// Values are treated as immutable: Fold returns a modified copy, never
// writes through the pointer it was given and never keeps the event it folds.
type QueryContext struct {
	CacheHit         *events.CacheHit         `json:"cacheHit,omitempty"`
	IntentAnalysis   *events.IntentAnalysis   `json:"intentAnalysis,omitempty"`
	SQLSteps         []events.SQLStep         `json:"sqlSteps,omitempty"`
	DataQuery        *events.DataQuery        `json:"dataQuery,omitempty"`
	SimilarQuestions *events.SimilarQuestions `json:"similarQuestions,omitempty"`
	Insight          *events.Insight          `json:"insight,omitempty"`
	NodeStatus       *events.NodeStatus       `json:"nodeStatus,omitempty"`
}

// IsEmpty reports whether no field has been set. Empty contexts are never
// persisted.
func (qc *QueryContext) IsEmpty() bool {
	if qc == nil {
		return true
	}
	return qc.CacheHit == nil &&
		qc.IntentAnalysis == nil &&
		len(qc.SQLSteps) == 0 &&
		qc.DataQuery == nil &&
		qc.SimilarQuestions == nil &&
		qc.Insight == nil &&
		qc.NodeStatus == nil
}

// Step returns the entry for the named step.
func (qc *QueryContext) Step(name string) (events.SQLStep, bool) {
	if qc == nil {
		return events.SQLStep{}, false
	}
	for _, s := range qc.SQLSteps {
		if s.Step == name {
			return s, true
		}
	}
	return events.SQLStep{}, false
}

// StepSignature derives the re-delivery key of a step report. Every field is
// length-prefixed so no field content can mimic a separator.
func StepSignature(s events.SQLStep) string {
	result := s.Result
	if r := []rune(result); len(r) > SignatureResultPrefix {
		result = string(r[:SignatureResultPrefix])
	}
	var sb strings.Builder
	for _, field := range []string{s.Step, string(s.Status), result} {
		sb.WriteString(strconv.Itoa(len(field)))
		sb.WriteByte(':')
		sb.WriteString(field)
	}
	sb.WriteString(strconv.FormatInt(s.TimeMs, 10))
	return sb.String()
}

// Fold applies ev to qc and returns the resulting context. When ev changes
// nothing, qc itself is returned so callers can skip work on pointer equality.
// A nil qc is treated as an empty context.
func Fold(qc *QueryContext, ev events.Event) *QueryContext {
	if qc == nil {
		qc = &QueryContext{}
	}
	switch e := ev.(type) {
	case *events.CacheHit:
		if e == nil || reflect.DeepEqual(qc.CacheHit, e) {
			return qc
		}
		next := *qc
		next.CacheHit = e.Clone()
		return &next
	case *events.IntentAnalysis:
		if e == nil || reflect.DeepEqual(qc.IntentAnalysis, e) {
			return qc
		}
		next := *qc
		next.IntentAnalysis = e.Clone()
		return &next
	case *events.DataQuery:
		if e == nil || reflect.DeepEqual(qc.DataQuery, e) {
			return qc
		}
		next := *qc
		next.DataQuery = e.Clone()
		return &next
	case *events.SimilarQuestions:
		if e == nil || reflect.DeepEqual(qc.SimilarQuestions, e) {
			return qc
		}
		next := *qc
		next.SimilarQuestions = e.Clone()
		return &next
	case *events.Insight:
		if e == nil || reflect.DeepEqual(qc.Insight, e) {
			return qc
		}
		next := *qc
		next.Insight = e.Clone()
		return &next
	case *events.NodeStatus:
		if e == nil || reflect.DeepEqual(qc.NodeStatus, e) {
			return qc
		}
		next := *qc
		next.NodeStatus = e.Clone()
		return &next
	case *events.SQLStep:
		if e == nil {
			return qc
		}
		return foldStep(qc, *e)
	}
	return qc
}

func foldStep(qc *QueryContext, s events.SQLStep) *QueryContext {
	for i, existing := range qc.SQLSteps {
		if existing.Step != s.Step {
			continue
		}
		if existing.Status == s.Status && existing.Result == s.Result && existing.TimeMs == s.TimeMs {
			return qc
		}
		next := *qc
		next.SQLSteps = make([]events.SQLStep, len(qc.SQLSteps))
		copy(next.SQLSteps, qc.SQLSteps)
		next.SQLSteps[i] = s
		return &next
	}
	next := *qc
	next.SQLSteps = make([]events.SQLStep, len(qc.SQLSteps), len(qc.SQLSteps)+1)
	copy(next.SQLSteps, qc.SQLSteps)
	next.SQLSteps = append(next.SQLSteps, s)
	return &next
}
