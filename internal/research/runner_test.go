package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/internal/llm"
	"github.com/atelier-ai/atelier/tools/websearch/models"
)

// stageProvider answers each stage's prompt with canned content, routing on
// the request shape the way a scripted model would.
type stageProvider struct {
	mu          sync.Mutex
	queryJSON   string
	reflections []Reflection
	queryCalls  int
}

func (p *stageProvider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	// Structured-output retries append corrective turns after the stage
	// prompt, so stages are identified by the first message; only the
	// single-turn prompts route on the last.
	first := req.Messages[0].Content
	last := req.Messages[len(req.Messages)-1].Content
	switch {
	case len(req.Tools) > 0:
		out, err := req.Tools[0].Execute(ctx, "{}")
		if err != nil {
			return llm.Response{}, err
		}
		return llm.Response{Text: "searched:\n" + out, FinishReason: "stop"}, nil

	case strings.HasPrefix(first, "You are a research assistant"):
		p.mu.Lock()
		p.queryCalls++
		p.mu.Unlock()
		return llm.Response{Text: p.queryJSON, FinishReason: "stop"}, nil

	case strings.HasPrefix(last, "Write a concise research summary"):
		// Echo the prompt so tests can recover the topic from the summary.
		return llm.Response{Text: last, FinishReason: "stop"}, nil

	case strings.HasPrefix(first, "You are judging"):
		p.mu.Lock()
		verdict := Reflection{IsSufficient: true}
		if len(p.reflections) > 0 {
			verdict = p.reflections[0]
			p.reflections = p.reflections[1:]
		}
		p.mu.Unlock()
		raw, _ := json.Marshal(verdict)
		return llm.Response{Text: string(raw), FinishReason: "stop"}, nil

	case strings.HasPrefix(last, "Using the research"):
		return llm.Response{Text: "final answer", FinishReason: "stop"}, nil
	}
	return llm.Response{}, fmt.Errorf("unexpected prompt: %.40s", last)
}

type fakeSearcher struct {
	delays map[string]time.Duration
	mu     sync.Mutex
	peak   int
	active int
}

func (f *fakeSearcher) Discover(ctx context.Context, q string, k int) ([]models.Result, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	if d := f.delays[q]; d > 0 {
		time.Sleep(d)
	}
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return []models.Result{{Title: "src " + q, URL: "https://example.com/" + q, Snippet: "about " + q}}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
}

func (s *recordingSink) Publish(_ context.Context, u Update) error {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) phases() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Phase, len(s.updates))
	for i, u := range s.updates {
		out[i] = u.Phase
	}
	return out
}

func containsPhase(phases []Phase, p Phase) bool {
	for _, got := range phases {
		if got == p {
			return true
		}
	}
	return false
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestRunnerCompletesRun(t *testing.T) {
	provider := &stageProvider{
		queryJSON: `{"queries":["tidal power","wave power"],"rationale":"two angles"}`,
	}
	sink := &recordingSink{}
	r := NewRunner(Config{MaxResearchLoops: 3, InitialSearchQueryCount: 2}, provider, &fakeSearcher{}, sink, testLogger())

	res, err := r.Run(context.Background(), "run-1", startMessages())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "final answer" {
		t.Fatalf("answer = %q", res.Answer)
	}
	if res.Loops != 1 {
		t.Fatalf("loops = %d, want 1", res.Loops)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(res.Sources))
	}

	phases := sink.phases()
	if phases[len(phases)-1] != PhaseCompleted {
		t.Fatalf("final phase = %s", phases[len(phases)-1])
	}
	for _, want := range []Phase{PhaseGeneratingQueries, PhaseWebSearching, PhaseReflecting, PhaseFinalizingAnswer} {
		if !containsPhase(phases, want) {
			t.Fatalf("phase %s never published (got %v)", want, phases)
		}
	}
}

func TestRunnerMaxLoopsOneFinalizesDespiteInsufficiency(t *testing.T) {
	provider := &stageProvider{
		queryJSON: `{"queries":["q1"],"rationale":"r"}`,
		reflections: []Reflection{
			{IsSufficient: false, KnowledgeGap: "gap", FollowUpQueries: []string{"more"}},
		},
	}
	sink := &recordingSink{}
	r := NewRunner(Config{MaxResearchLoops: 1, InitialSearchQueryCount: 1}, provider, &fakeSearcher{}, sink, testLogger())

	res, err := r.Run(context.Background(), "run-2", startMessages())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Loops != 1 {
		t.Fatalf("loops = %d, want 1", res.Loops)
	}

	searches := 0
	for _, p := range sink.phases() {
		if p == PhaseWebSearching {
			searches++
		}
	}
	if searches != 1 {
		t.Fatalf("web_searching published %d times, want 1", searches)
	}
}

func TestRunnerFollowUpLoopRunsSecondSearch(t *testing.T) {
	provider := &stageProvider{
		queryJSON: `{"queries":["q1"],"rationale":"r"}`,
		reflections: []Reflection{
			{IsSufficient: false, KnowledgeGap: "gap", FollowUpQueries: []string{"follow-up"}},
			{IsSufficient: true},
		},
	}
	sink := &recordingSink{}
	r := NewRunner(Config{MaxResearchLoops: 3, InitialSearchQueryCount: 1}, provider, &fakeSearcher{}, sink, testLogger())

	res, err := r.Run(context.Background(), "run-3", startMessages())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Loops != 2 {
		t.Fatalf("loops = %d, want 2", res.Loops)
	}

	searches := 0
	for _, p := range sink.phases() {
		if p == PhaseWebSearching {
			searches++
		}
	}
	if searches != 2 {
		t.Fatalf("web_searching published %d times, want 2", searches)
	}
}

func TestRunnerMalformedQueriesFailRun(t *testing.T) {
	provider := &stageProvider{queryJSON: "this is not json"}
	sink := &recordingSink{}
	r := NewRunner(Config{MaxResearchLoops: 2, InitialSearchQueryCount: 2}, provider, &fakeSearcher{}, sink, testLogger())

	_, err := r.Run(context.Background(), "run-4", startMessages())
	if err == nil {
		t.Fatalf("expected run failure")
	}
	var se llm.StructuredError
	if !errors.As(err, &se) {
		t.Fatalf("expected StructuredError, got %v", err)
	}
	if provider.queryCalls != llm.DefaultStructuredAttempts {
		t.Fatalf("query generation attempts = %d, want %d", provider.queryCalls, llm.DefaultStructuredAttempts)
	}

	phases := sink.phases()
	if containsPhase(phases, PhaseWebSearching) {
		t.Fatalf("web_searching must not be reached, got %v", phases)
	}
	if phases[len(phases)-1] != PhaseError {
		t.Fatalf("final phase = %s", phases[len(phases)-1])
	}
}

func TestWebResearchIndexAlignment(t *testing.T) {
	queries := []string{"alpha", "beta", "gamma"}
	searcher := &fakeSearcher{delays: map[string]time.Duration{
		// First query finishes last.
		"alpha": 60 * time.Millisecond,
		"beta":  30 * time.Millisecond,
	}}
	provider := &stageProvider{}
	r := NewRunner(Config{}, provider, searcher, nil, testLogger())

	results, err := r.webResearch(context.Background(), queries)
	if err != nil {
		t.Fatalf("webResearch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, q := range queries {
		if !strings.Contains(results[i].Summary, q) {
			t.Fatalf("result %d not aligned with %q: %q", i, q, results[i].Summary)
		}
		if len(results[i].Sources) != 1 || results[i].Sources[0].Link != "https://example.com/"+q {
			t.Fatalf("result %d sources = %+v", i, results[i].Sources)
		}
	}
	if searcher.peak < 2 {
		t.Fatalf("searches did not overlap, peak = %d", searcher.peak)
	}
}

type failingSearcher struct{}

func (failingSearcher) Discover(context.Context, string, int) ([]models.Result, error) {
	return nil, errors.New("search backend down")
}

func TestRunnerSearchFailureFailsRun(t *testing.T) {
	provider := &stageProvider{queryJSON: `{"queries":["q1"],"rationale":"r"}`}
	sink := &recordingSink{}
	r := NewRunner(Config{MaxResearchLoops: 2, InitialSearchQueryCount: 1}, provider, failingSearcher{}, sink, testLogger())

	_, err := r.Run(context.Background(), "run-5", startMessages())
	if err == nil || !strings.Contains(err.Error(), "search backend down") {
		t.Fatalf("expected search failure, got %v", err)
	}
	phases := sink.phases()
	if phases[len(phases)-1] != PhaseError {
		t.Fatalf("final phase = %s", phases[len(phases)-1])
	}
}

type blockingProvider struct{}

func (blockingProvider) Generate(ctx context.Context, _ llm.Request) (llm.Response, error) {
	<-ctx.Done()
	return llm.Response{}, ctx.Err()
}

func TestRunnerCancellationHaltsWithoutTransition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	r := NewRunner(Config{MaxResearchLoops: 2, InitialSearchQueryCount: 1}, blockingProvider{}, &fakeSearcher{}, sink, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, "run-6", startMessages())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not halt after cancellation")
	}

	// The machine must not transition to error after cancellation.
	if containsPhase(sink.phases(), PhaseError) {
		t.Fatalf("error phase published after cancellation: %v", sink.phases())
	}
}
