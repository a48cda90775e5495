package events

import (
	"maps"
	"slices"
)

// Type is the discriminator of the backend event union.
type Type string

const (
	TypeCacheHit         Type = "cache_hit"
	TypeIntentAnalysis   Type = "intent_analysis"
	TypeSQLStep          Type = "sql_step"
	TypeDataQuery        Type = "data_query"
	TypeSimilarQuestions Type = "similar_questions"
	TypeInsight          Type = "insight"
	TypeNodeStatus       Type = "node_status"
)

// Event is the closed set of backend-originated signals. Only types declared
// in this package implement it.
type Event interface {
	EventType() Type
	isEvent()
}

// StepStatus is the reported phase of one execution step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
	StepSkipped   StepStatus = "skipped"
)

// CacheHit reports that the answer was served (fully or partially) from cache.
type CacheHit struct {
	CacheType  string  `json:"cache_type,omitempty"` // exact|semantic
	Similarity float64 `json:"similarity,omitempty"`
	Query      string  `json:"query,omitempty"`
	SQL        string  `json:"sql,omitempty"`
}

// IntentAnalysis is the parsed intent of the user's question.
type IntentAnalysis struct {
	Dataset    string   `json:"dataset,omitempty"`
	Intent     string   `json:"intent,omitempty"`
	Entities   []string `json:"entities,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// SQLStep is a progress report for one named execution phase
// (schema_agent, sql_generator, sql_executor, ...).
type SQLStep struct {
	Step   string     `json:"step"`
	Status StepStatus `json:"status"`
	Result string     `json:"result,omitempty"`
	TimeMs int64      `json:"time_ms"`
	SQL    string     `json:"sql,omitempty"`
}

// DataQuery carries the dataset returned by the executed query.
type DataQuery struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	Title    string           `json:"title,omitempty"`
	SQL      string           `json:"sql,omitempty"`
}

// SimilarQuestions lists follow-up suggestions.
type SimilarQuestions struct {
	Questions []string `json:"questions"`
}

// Insight is the narrative summary of the result.
type Insight struct {
	Content  string   `json:"content"`
	Findings []string `json:"findings,omitempty"`
}

// NodeStatus reports which backend graph node is currently active.
type NodeStatus struct {
	Node    string `json:"node"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Clone methods return copies that share no mutable state with the receiver.

func (e *CacheHit) Clone() *CacheHit {
	c := *e
	return &c
}

func (e *IntentAnalysis) Clone() *IntentAnalysis {
	c := *e
	c.Entities = slices.Clone(e.Entities)
	return &c
}

func (e *DataQuery) Clone() *DataQuery {
	c := *e
	c.Columns = slices.Clone(e.Columns)
	if e.Rows != nil {
		c.Rows = make([]map[string]any, len(e.Rows))
		for i, row := range e.Rows {
			c.Rows[i] = maps.Clone(row)
		}
	}
	return &c
}

func (e *SimilarQuestions) Clone() *SimilarQuestions {
	c := *e
	c.Questions = slices.Clone(e.Questions)
	return &c
}

func (e *Insight) Clone() *Insight {
	c := *e
	c.Findings = slices.Clone(e.Findings)
	return &c
}

func (e *NodeStatus) Clone() *NodeStatus {
	c := *e
	return &c
}

func (*CacheHit) EventType() Type         { return TypeCacheHit }
func (*IntentAnalysis) EventType() Type   { return TypeIntentAnalysis }
func (*SQLStep) EventType() Type          { return TypeSQLStep }
func (*DataQuery) EventType() Type        { return TypeDataQuery }
func (*SimilarQuestions) EventType() Type { return TypeSimilarQuestions }
func (*Insight) EventType() Type          { return TypeInsight }
func (*NodeStatus) EventType() Type       { return TypeNodeStatus }

func (*CacheHit) isEvent()         {}
func (*IntentAnalysis) isEvent()   {}
func (*SQLStep) isEvent()          {}
func (*DataQuery) isEvent()        {}
func (*SimilarQuestions) isEvent() {}
func (*Insight) isEvent()          {}
func (*NodeStatus) isEvent()       {}

var (
	_ Event = &CacheHit{}
	_ Event = &IntentAnalysis{}
	_ Event = &SQLStep{}
	_ Event = &DataQuery{}
	_ Event = &SimilarQuestions{}
	_ Event = &Insight{}
	_ Event = &NodeStatus{}
)

// New returns a zero value of the event variant named by t, or false when t
// is not a known kind.
func New(t Type) (Event, bool) {
	switch t {
	case TypeCacheHit:
		return &CacheHit{}, true
	case TypeIntentAnalysis:
		return &IntentAnalysis{}, true
	case TypeSQLStep:
		return &SQLStep{}, true
	case TypeDataQuery:
		return &DataQuery{}, true
	case TypeSimilarQuestions:
		return &SimilarQuestions{}, true
	case TypeInsight:
		return &Insight{}, true
	case TypeNodeStatus:
		return &NodeStatus{}, true
	}
	return nil, false
}
