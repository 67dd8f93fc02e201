package research

import (
	"fmt"

	"github.com/atelier-ai/atelier/internal/llm"
)

// Transition applies one event to the state and returns the next state plus
// the effect the driver must execute. It performs no I/O. Events that do not
// belong to the current phase leave the state untouched with no effect.
//
// A not-sufficient reflection verdict carrying no follow-up queries
// finalizes instead of looping on an empty batch.
func Transition(s State, ev Event) (State, Effect) {
	if fail, ok := ev.(FailedEvent); ok && !s.Phase.Terminal() {
		s.Phase = PhaseError
		s.FailureErr = fail.Err
		return s, nil
	}

	switch s.Phase {
	case PhaseIdle:
		start, ok := ev.(StartEvent)
		if !ok {
			return s, nil
		}
		s.Phase = PhaseGeneratingQueries
		s.Messages = append([]llm.Message(nil), start.Messages...)
		return s, GenerateQueriesEffect{Messages: s.Messages, Count: s.InitialSearchQueryCount}

	case PhaseGeneratingQueries:
		gen, ok := ev.(QueriesGeneratedEvent)
		if !ok {
			return s, nil
		}
		s.Phase = PhaseWebSearching
		s.Queries = append(s.Queries, gen.Batch)
		return s, WebResearchEffect{Queries: gen.Batch.Queries}

	case PhaseWebSearching:
		done, ok := ev.(ResearchCompletedEvent)
		if !ok {
			return s, nil
		}
		batch := s.CurrentBatch()
		if len(done.Results) != len(batch.Queries) {
			s.Phase = PhaseError
			s.FailureErr = fmt.Errorf("research returned %d results for %d queries", len(done.Results), len(batch.Queries))
			return s, nil
		}
		for _, r := range done.Results {
			s.WebResearchResults = append(s.WebResearchResults, r.Summary)
			s.SourcesGathered = append(s.SourcesGathered, r.Sources...)
		}
		s.Phase = PhaseReflecting
		return s, ReflectEffect{Messages: s.Messages, Research: s.WebResearchResults}

	case PhaseReflecting:
		ref, ok := ev.(ReflectedEvent)
		if !ok {
			return s, nil
		}
		// The loop count advances on every exit from reflecting. Sufficiency
		// is consulted first; the loop cap is a hard ceiling that forces
		// finalization even when reflection wants more research.
		s.ResearchLoopCount++
		verdict := ref.Reflection
		switch {
		case verdict.IsSufficient,
			s.ResearchLoopCount >= s.MaxResearchLoops,
			len(verdict.FollowUpQueries) == 0:
			s.Phase = PhaseFinalizingAnswer
			return s, FinalizeAnswerEffect{Messages: s.Messages, Research: s.WebResearchResults}
		default:
			s.Phase = PhaseWebSearching
			s.Queries = append(s.Queries, QueryBatch{
				Queries:   verdict.FollowUpQueries,
				Rationale: verdict.KnowledgeGap,
			})
			return s, WebResearchEffect{Queries: verdict.FollowUpQueries}
		}

	case PhaseFinalizingAnswer:
		fin, ok := ev.(AnswerFinalizedEvent)
		if !ok {
			return s, nil
		}
		s.Phase = PhaseCompleted
		s.Answer = fin.Answer
		s.Messages = append(s.Messages, llm.Message{Role: llm.RoleAssistant, Content: fin.Answer})
		return s, nil

	default:
		return s, nil
	}
}
