// Package research implements the research run state machine: query
// generation, parallel web research, a bounded reflection loop, and answer
// finalization. The protocol logic lives in a pure transition function over
// an explicit state type; all I/O is performed by the Runner driving it.
package research

import (
	"github.com/atelier-ai/atelier/internal/llm"
)

// Phase names the state machine's states.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseGeneratingQueries Phase = "generating_queries"
	PhaseWebSearching      Phase = "web_searching"
	PhaseReflecting        Phase = "reflecting"
	PhaseFinalizingAnswer  Phase = "finalizing_answer"
	PhaseCompleted         Phase = "completed"
	PhaseError             Phase = "error"
)

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseError }

// QueryBatch is one generated set of search queries with the model's
// reasoning for choosing them.
type QueryBatch struct {
	Queries   []string `json:"queries"`
	Rationale string   `json:"rationale"`
}

// Citation points at a source used by a research pass.
type Citation struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
}

// Reflection is the model's verdict on whether gathered research suffices.
type Reflection struct {
	IsSufficient    bool     `json:"is_sufficient"`
	KnowledgeGap    string   `json:"knowledge_gap"`
	FollowUpQueries []string `json:"follow_up_queries"`
}

// PassResult is the outcome of one research pass for one query.
type PassResult struct {
	Summary string
	Sources []Citation
}

// State is the full machine context for one run. It is a value type: the
// transition function returns a new State and never mutates its input's
// slices in place beyond appending to freshly copied headers.
type State struct {
	Phase Phase

	Messages           []llm.Message
	Queries            []QueryBatch
	WebResearchResults []string
	SourcesGathered    []Citation

	ResearchLoopCount       int
	MaxResearchLoops        int
	InitialSearchQueryCount int

	Answer     string
	FailureErr error
}

// NewState returns the idle starting state for a run.
func NewState(maxLoops, initialQueryCount int) State {
	if maxLoops < 1 {
		maxLoops = 1
	}
	if initialQueryCount < 1 {
		initialQueryCount = 3
	}
	return State{
		Phase:                   PhaseIdle,
		MaxResearchLoops:        maxLoops,
		InitialSearchQueryCount: initialQueryCount,
	}
}

// CurrentBatch returns the most recently appended query batch.
func (s State) CurrentBatch() QueryBatch {
	if len(s.Queries) == 0 {
		return QueryBatch{}
	}
	return s.Queries[len(s.Queries)-1]
}

// Event is a completed stage outcome fed into Transition.
type Event interface{ isEvent() }

// StartEvent begins a run with the initial conversation.
type StartEvent struct {
	Messages []llm.Message
}

// QueriesGeneratedEvent carries a successfully generated query batch.
type QueriesGeneratedEvent struct {
	Batch QueryBatch
}

// ResearchCompletedEvent carries one PassResult per query of the current
// batch, index-aligned with the batch's queries.
type ResearchCompletedEvent struct {
	Results []PassResult
}

// ReflectedEvent carries the reflection verdict.
type ReflectedEvent struct {
	Reflection Reflection
}

// AnswerFinalizedEvent carries the synthesized answer text.
type AnswerFinalizedEvent struct {
	Answer string
}

// FailedEvent aborts the run from any non-terminal phase.
type FailedEvent struct {
	Err error
}

func (StartEvent) isEvent()             {}
func (QueriesGeneratedEvent) isEvent()  {}
func (ResearchCompletedEvent) isEvent() {}
func (ReflectedEvent) isEvent()         {}
func (AnswerFinalizedEvent) isEvent()   {}
func (FailedEvent) isEvent()            {}

// Effect is the I/O the driver must perform next. A nil effect means the
// run is terminal.
type Effect interface{ isEffect() }

// GenerateQueriesEffect asks for a batch of count search queries.
type GenerateQueriesEffect struct {
	Messages []llm.Message
	Count    int
}

// WebResearchEffect runs one research pass per query, in parallel.
type WebResearchEffect struct {
	Queries []string
}

// ReflectEffect judges sufficiency of the accumulated research.
type ReflectEffect struct {
	Messages []llm.Message
	Research []string
}

// FinalizeAnswerEffect synthesizes the final answer.
type FinalizeAnswerEffect struct {
	Messages []llm.Message
	Research []string
}

func (GenerateQueriesEffect) isEffect() {}
func (WebResearchEffect) isEffect()     {}
func (ReflectEffect) isEffect()         {}
func (FinalizeAnswerEffect) isEffect()  {}
