package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atelier-ai/atelier/internal/llm"
	"github.com/atelier-ai/atelier/tools/websearch"
)

// Config carries everything a Runner needs up front. Nothing is read from
// the environment mid-run.
type Config struct {
	Model                   string
	Temperature             float64
	MaxResearchLoops        int
	InitialSearchQueryCount int
	ResultsPerQuery         int
}

func (c Config) withDefaults() Config {
	if c.MaxResearchLoops < 1 {
		c.MaxResearchLoops = 2
	}
	if c.InitialSearchQueryCount < 1 {
		c.InitialSearchQueryCount = 3
	}
	if c.ResultsPerQuery < 1 {
		c.ResultsPerQuery = 5
	}
	return c
}

// Update is one observable state change of a run, published after every
// transition so consumers can follow progress live.
type Update struct {
	RunID     string    `json:"run_id"`
	Phase     Phase     `json:"phase"`
	Loop      int       `json:"loop"`
	Detail    string    `json:"detail,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives run updates. Publish failures are logged, never fatal
// to the run itself.
type EventSink interface {
	Publish(ctx context.Context, u Update) error
}

// Result is the outcome of a completed run.
type Result struct {
	Answer   string
	Sources  []Citation
	Loops    int
	Messages []llm.Message
}

// Runner drives the state machine, executing each effect against the model
// and search collaborators and feeding the outcome back as an event.
type Runner struct {
	cfg      Config
	provider llm.Provider
	searcher websearch.WebSearcher
	sink     EventSink
	logger   *log.Logger
	tracer   trace.Tracer
}

// NewRunner wires a Runner. sink may be nil when no consumer needs updates.
func NewRunner(cfg Config, provider llm.Provider, searcher websearch.WebSearcher, sink EventSink, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stdout, "[ORCH] ", log.LstdFlags)
	}
	return &Runner{
		cfg:      cfg.withDefaults(),
		provider: provider,
		searcher: searcher,
		sink:     sink,
		logger:   logger,
		tracer:   otel.Tracer("atelier/research"),
	}
}

// Run executes one research run to a terminal phase. Cancelling ctx aborts
// the in-flight call and halts the machine without further transitions.
func (r *Runner) Run(ctx context.Context, runID string, messages []llm.Message) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "research.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	state := NewState(r.cfg.MaxResearchLoops, r.cfg.InitialSearchQueryCount)
	state, effect := Transition(state, StartEvent{Messages: messages})
	r.publish(ctx, runID, state)

	for effect != nil {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		ev, err := r.execute(ctx, effect)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			r.logger.Printf("run=%s phase=%s stage failed: %v", runID, state.Phase, err)
			ev = FailedEvent{Err: err}
		}

		state, effect = Transition(state, ev)
		r.publish(ctx, runID, state)
	}

	if state.Phase == PhaseError {
		return Result{}, fmt.Errorf("research run %s failed: %w", runID, state.FailureErr)
	}
	r.logger.Printf("run=%s completed loops=%d sources=%d", runID, state.ResearchLoopCount, len(state.SourcesGathered))
	return Result{
		Answer:   state.Answer,
		Sources:  state.SourcesGathered,
		Loops:    state.ResearchLoopCount,
		Messages: state.Messages,
	}, nil
}

func (r *Runner) execute(ctx context.Context, effect Effect) (Event, error) {
	switch e := effect.(type) {
	case GenerateQueriesEffect:
		batch, err := r.generateQueries(ctx, e.Messages, e.Count)
		if err != nil {
			return nil, err
		}
		return QueriesGeneratedEvent{Batch: batch}, nil

	case WebResearchEffect:
		results, err := r.webResearch(ctx, e.Queries)
		if err != nil {
			return nil, err
		}
		return ResearchCompletedEvent{Results: results}, nil

	case ReflectEffect:
		verdict, err := r.reflect(ctx, e.Messages, e.Research)
		if err != nil {
			return nil, err
		}
		return ReflectedEvent{Reflection: verdict}, nil

	case FinalizeAnswerEffect:
		answer, err := r.finalize(ctx, e.Messages, e.Research)
		if err != nil {
			return nil, err
		}
		return AnswerFinalizedEvent{Answer: answer}, nil

	default:
		return nil, fmt.Errorf("unknown effect %T", effect)
	}
}

func (r *Runner) generateQueries(ctx context.Context, messages []llm.Message, count int) (QueryBatch, error) {
	ctx, span := r.tracer.Start(ctx, "research.generate_queries")
	defer span.End()

	batch, err := llm.GenerateStructured(ctx, r.provider, llm.Request{
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(queryWriterPrompt, time.Now().Format("January 2, 2006"), count, renderConversation(messages)),
		}},
	}, llm.StructuredOptions[QueryBatch]{
		Validate: func(b QueryBatch) error {
			if len(b.Queries) == 0 {
				return fmt.Errorf("queries must not be empty")
			}
			return nil
		},
	})
	if err != nil {
		return QueryBatch{}, fmt.Errorf("query generation: %w", err)
	}
	if len(batch.Queries) > count {
		batch.Queries = batch.Queries[:count]
	}
	return batch, nil
}

// webResearch runs one research pass per query concurrently. Results are
// merged by index after all passes finish; any pass failing fails the stage.
func (r *Runner) webResearch(ctx context.Context, queries []string) ([]PassResult, error) {
	ctx, span := r.tracer.Start(ctx, "research.web_research", trace.WithAttributes(attribute.Int("queries", len(queries))))
	defer span.End()

	results := make([]PassResult, len(queries))
	errCh := make(chan error, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			res, err := r.researchPass(ctx, q)
			if err != nil {
				errCh <- fmt.Errorf("query %q: %w", q, err)
				return
			}
			results[i] = res
		}(i, q)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	return results, nil
}

// researchPass is two generations: a tool-augmented search step that gathers
// sources, then a plain step that writes cited prose from them.
func (r *Runner) researchPass(ctx context.Context, query string) (PassResult, error) {
	var (
		mu        sync.Mutex
		sources   []Citation
		collected strings.Builder
	)
	tool := llm.Tool{
		Name:        "web_search",
		Description: "Search the web for the given query and return ranked results.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			"required": []string{"query"},
		},
		Execute: func(ctx context.Context, arguments string) (string, error) {
			var args struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return "", fmt.Errorf("invalid web_search arguments: %w", err)
			}
			if args.Query == "" {
				args.Query = query
			}
			hits, err := r.searcher.Discover(ctx, args.Query, r.cfg.ResultsPerQuery)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			mu.Lock()
			for _, h := range hits {
				sources = append(sources, Citation{Title: h.Title, Link: h.URL, Snippet: h.Snippet})
				fmt.Fprintf(&b, "- %s (%s): %s\n", h.Title, h.URL, h.Snippet)
			}
			collected.WriteString(b.String())
			mu.Unlock()
			return b.String(), nil
		},
	}

	if _, err := r.provider.Generate(ctx, llm.Request{
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(webResearchPrompt, query),
		}},
		Tools: []llm.Tool{tool},
	}); err != nil {
		return PassResult{}, err
	}

	resp, err := r.provider.Generate(ctx, llm.Request{
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(citedSummaryPrompt, query, collected.String()),
		}},
	})
	if err != nil {
		return PassResult{}, err
	}
	return PassResult{Summary: resp.Text, Sources: sources}, nil
}

func (r *Runner) reflect(ctx context.Context, messages []llm.Message, research []string) (Reflection, error) {
	ctx, span := r.tracer.Start(ctx, "research.reflect")
	defer span.End()

	verdict, err := llm.GenerateStructured(ctx, r.provider, llm.Request{
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(reflectionPrompt, renderConversation(messages), renderResearch(research)),
		}},
	}, llm.StructuredOptions[Reflection]{})
	if err != nil {
		return Reflection{}, fmt.Errorf("reflection: %w", err)
	}
	return verdict, nil
}

func (r *Runner) finalize(ctx context.Context, messages []llm.Message, research []string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "research.finalize")
	defer span.End()

	prompt := llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(answerPrompt, renderResearch(research))}
	resp, err := r.provider.Generate(ctx, llm.Request{
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		Messages:    append(append([]llm.Message(nil), messages...), prompt),
	})
	if err != nil {
		return "", fmt.Errorf("answer finalization: %w", err)
	}
	return resp.Text, nil
}

func (r *Runner) publish(ctx context.Context, runID string, s State) {
	if r.sink == nil {
		return
	}
	u := Update{
		RunID:     runID,
		Phase:     s.Phase,
		Loop:      s.ResearchLoopCount,
		Timestamp: time.Now().UTC(),
	}
	switch s.Phase {
	case PhaseWebSearching:
		u.Detail = strings.Join(s.CurrentBatch().Queries, "; ")
	case PhaseCompleted:
		u.Answer = s.Answer
	case PhaseError:
		if s.FailureErr != nil {
			u.Error = s.FailureErr.Error()
		}
	}
	if err := r.sink.Publish(ctx, u); err != nil {
		r.logger.Printf("run=%s publish failed: %v", runID, err)
	}
}
