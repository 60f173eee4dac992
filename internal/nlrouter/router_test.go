package nlrouter

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"
)

type stubClassifier struct {
	calls atomic.Int64
	cls   Classification
	err   error
	delay time.Duration
}

func (s *stubClassifier) Classify(ctx context.Context, text string, chatCtx ChatContext) (*Classification, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	cls := s.cls
	return &cls, nil
}

func TestPatternLayerWinsBeforeClassifier(t *testing.T) {
	stub := &stubClassifier{cls: Classification{Intent: "deploy"}}
	r := New(stub, DefaultTunables())
	r.RegisterPattern(regexp.MustCompile(`(?i)^ship (\S+)$`), func(m []string) string {
		return "pipeline deploy " + m[1]
	})

	d := r.Route(context.Background(), "ship aws-clawd-bot", ChatContext{})
	if d.Verdict != VerdictCommand {
		t.Fatalf("verdict = %s, want command", d.Verdict)
	}
	if d.Command != "pipeline deploy aws-clawd-bot" {
		t.Errorf("command = %q", d.Command)
	}
	if stub.calls.Load() != 0 {
		t.Errorf("classifier called %d times for a pattern hit", stub.calls.Load())
	}
}

func TestQuestionIsPassthrough(t *testing.T) {
	stub := &stubClassifier{}
	r := New(stub, DefaultTunables())

	d := r.Route(context.Background(), "what is the server status?", ChatContext{})
	if d.Verdict != VerdictPassthrough {
		t.Fatalf("verdict = %s, want passthrough", d.Verdict)
	}
	if stub.calls.Load() != 0 {
		t.Errorf("classifier called for a question")
	}
}

func TestCodingRequestIsPassthrough(t *testing.T) {
	r := New(nil, DefaultTunables())
	d := r.Route(context.Background(), "can you write a parser for this log format", ChatContext{})
	if d.Verdict != VerdictPassthrough {
		t.Fatalf("verdict = %s, want passthrough", d.Verdict)
	}
}

func TestCommandVerbIsCommand(t *testing.T) {
	r := New(nil, DefaultTunables())
	d := r.Route(context.Background(), "deploy the bot", ChatContext{})
	if d.Verdict != VerdictCommand {
		t.Fatalf("verdict = %s, want command", d.Verdict)
	}
}

func TestCacheSingleUpstreamCallWithinTTL(t *testing.T) {
	stub := &stubClassifier{cls: Classification{Intent: "status_check", Confidence: 0.9}}
	r := New(stub, DefaultTunables())
	chatCtx := ChatContext{Repo: "aws-clawd-bot"}
	text := "give me the latest on the bot service"

	d1 := r.Route(context.Background(), text, chatCtx)
	d2 := r.Route(context.Background(), text, chatCtx)

	if stub.calls.Load() != 1 {
		t.Fatalf("classifier calls = %d, want 1", stub.calls.Load())
	}
	if d1.Classification.Intent != d2.Classification.Intent {
		t.Errorf("cached classification differs: %q vs %q", d1.Classification.Intent, d2.Classification.Intent)
	}
	if d2.Source != "cache" {
		t.Errorf("second decision source = %q, want cache", d2.Source)
	}
	if m := r.Snapshot(); m.CacheHits != 1 || m.AIHits != 1 {
		t.Errorf("metrics = %+v, want cacheHits=1 aiHits=1", m)
	}
}

func TestCacheExpiryCausesSecondUpstreamCall(t *testing.T) {
	stub := &stubClassifier{cls: Classification{Intent: "status_check", Confidence: 0.9}}
	r := New(stub, DefaultTunables())
	base := time.Now()
	r.cache.now = func() time.Time { return base }

	text := "give me the latest on the bot service"
	r.Route(context.Background(), text, ChatContext{})

	r.cache.now = func() time.Time { return base.Add(6 * time.Minute) }
	r.Route(context.Background(), text, ChatContext{})

	if stub.calls.Load() != 2 {
		t.Fatalf("classifier calls = %d, want 2 after TTL", stub.calls.Load())
	}
}

func TestDifferentContextMissesCache(t *testing.T) {
	stub := &stubClassifier{cls: Classification{Intent: "status_check", Confidence: 0.9}}
	r := New(stub, DefaultTunables())
	text := "give me the latest on the bot service"

	r.Route(context.Background(), text, ChatContext{Repo: "repo-a"})
	r.Route(context.Background(), text, ChatContext{Repo: "repo-b"})

	if stub.calls.Load() != 2 {
		t.Fatalf("classifier calls = %d, want 2 for distinct contexts", stub.calls.Load())
	}
}

func TestClassifierErrorDegradesToPassthrough(t *testing.T) {
	stub := &stubClassifier{err: errors.New("upstream down")}
	r := New(stub, DefaultTunables())

	d := r.Route(context.Background(), "give me the latest on the bot service", ChatContext{})
	if d.Verdict != VerdictPassthrough || d.Source != "fallback" {
		t.Fatalf("decision = %+v, want passthrough fallback", d)
	}
}

func TestClassifierDeadlineDegradesToPassthrough(t *testing.T) {
	stub := &stubClassifier{delay: time.Second, cls: Classification{Intent: "deploy"}}
	r := New(stub, DefaultTunables())
	if err := r.SetTunable("ai-timeout", 500); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	d := r.Route(context.Background(), "give me the latest on the bot service", ChatContext{})
	if d.Verdict != VerdictPassthrough {
		t.Fatalf("verdict = %s, want passthrough on deadline", d.Verdict)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("route blocked %v, deadline not enforced", elapsed)
	}
}

func TestSetTunableValidation(t *testing.T) {
	r := New(nil, DefaultTunables())

	if err := r.SetTunable("ambiguity", 0.6); err != nil {
		t.Fatalf("valid ambiguity rejected: %v", err)
	}
	if got := r.GetTunables().AmbiguityThreshold; got != 0.6 {
		t.Errorf("ambiguity = %v, want 0.6", got)
	}

	cases := []struct {
		name  string
		value float64
	}{
		{"ambiguity", 1.5},
		{"clarification", -0.1},
		{"ai-timeout", 100},
		{"ai-timeout", 60000},
		{"cache-ttl", 7200000},
		{"cache-size", 5},
		{"bogus", 1},
	}
	for _, tc := range cases {
		if err := r.SetTunable(tc.name, tc.value); err == nil {
			t.Errorf("SetTunable(%s, %v) accepted, want error", tc.name, tc.value)
		}
	}
}

func TestLowConfidenceFlagsAmbiguous(t *testing.T) {
	stub := &stubClassifier{cls: Classification{Intent: "deploy", Confidence: 0.3}}
	r := New(stub, DefaultTunables())

	d := r.Route(context.Background(), "maybe push the thing out", ChatContext{})
	if d.Classification == nil || !d.Classification.Ambiguous {
		t.Fatalf("low-confidence classification not flagged ambiguous: %+v", d.Classification)
	}
	if len(d.Classification.ClarifyingQuestions) == 0 {
		t.Error("no clarifying question below clarification threshold")
	}
}

func TestConfidenceComposedFromFactors(t *testing.T) {
	stub := &stubClassifier{cls: Classification{
		Intent: "deploy",
		ConfidenceFactors: map[string]float64{
			"keywordMatch": 1.0, "contextMatch": 1.0, "historyMatch": 1.0, "specificity": 1.0,
		},
	}}
	r := New(stub, DefaultTunables())

	d := r.Route(context.Background(), "send the new build up for the bot", ChatContext{})
	if d.Classification.Confidence < 0.99 || d.Classification.Confidence > 1.01 {
		t.Errorf("composed confidence = %v, want ~1.0", d.Classification.Confidence)
	}
	if d.Classification.Ambiguous {
		t.Error("full-factor classification flagged ambiguous")
	}
}

func TestCacheClearAndStats(t *testing.T) {
	stub := &stubClassifier{cls: Classification{Intent: "deploy", Confidence: 0.9}}
	r := New(stub, DefaultTunables())

	r.Route(context.Background(), "get the new build out for the bot", ChatContext{})
	if size, _ := r.CacheStats(); size != 1 {
		t.Fatalf("cache size = %d, want 1", size)
	}
	r.ClearCache()
	if size, _ := r.CacheStats(); size != 0 {
		t.Fatalf("cache size after clear = %d, want 0", size)
	}
}

func TestCorrectionsNeverBlockAndCount(t *testing.T) {
	r := New(nil, DefaultTunables())
	for i := 0; i < 250; i++ {
		r.RecordCorrection(Correction{
			Original:         Classification{Intent: "deploy", Project: "wrong"},
			CorrectedProject: "aws-clawd-bot",
		})
	}
	if got := r.LearnedPatterns(); got != 250 {
		t.Errorf("learned = %d, want 250", got)
	}
}
