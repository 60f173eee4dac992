// Package nlrouter decides what an incoming chat message is: a
// structured command the pattern layer can resolve, something worth a
// paid classifier call, or free-form text to pass through untouched.
// Resolution is layered so the cheap paths run first and the classifier
// is only reached when the text is genuinely ambiguous.
package nlrouter

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clawd/internal/logging"
)

// Verdict is the routing outcome for one message.
type Verdict string

const (
	VerdictCommand     Verdict = "command"
	VerdictPassthrough Verdict = "passthrough"
)

// Risk grades how dangerous acting on a classification would be.
type Risk string

const (
	RiskLow  Risk = "low"
	RiskMed  Risk = "med"
	RiskHigh Risk = "high"
)

// Classification is the classifier layer's structured answer.
type Classification struct {
	Intent               string
	Action               string
	Project              string
	Company              string
	Confidence           float64
	Ambiguous            bool
	Risk                 Risk
	RequiresConfirmation bool
	Alternatives         []string
	ClarifyingQuestions  []string
	ConfidenceFactors    map[string]float64
}

// Classifier is the external intent classifier contract. Implementations
// must honor the context deadline.
type Classifier interface {
	Classify(ctx context.Context, text string, chatCtx ChatContext) (*Classification, error)
}

// ChatContext is the salient per-chat state that shapes classification
// and cache keys.
type ChatContext struct {
	Repo    string
	Company string
}

// Decision is what the router hands back to the caller.
type Decision struct {
	Verdict        Verdict
	Command        string // canonical command when the pattern layer hit
	Classification *Classification
	Source         string // "pattern", "guard", "ai", "cache", "fallback"
}

// Rewriter turns a pattern match into a canonical command string.
type Rewriter func(matches []string) string

type patternRule struct {
	re      *regexp.Regexp
	rewrite Rewriter
}

// Tunables are the live-adjustable routing parameters. Validation
// bounds match SetTunable; a zero value is replaced by defaults.
type Tunables struct {
	AmbiguityThreshold     float64
	ClarificationThreshold float64
	AITimeout              time.Duration
	CacheMaxSize           int
	CacheMaxAge            time.Duration
}

// DefaultTunables returns the stock thresholds.
func DefaultTunables() Tunables {
	return Tunables{
		AmbiguityThreshold:     0.5,
		ClarificationThreshold: 0.35,
		AITimeout:              5 * time.Second,
		CacheMaxSize:           500,
		CacheMaxAge:            5 * time.Minute,
	}
}

// Weights compose the confidence score from its factors.
type Weights struct {
	KeywordMatch float64
	ContextMatch float64
	HistoryMatch float64
	Specificity  float64
}

// DefaultWeights returns the stock confidence weights.
func DefaultWeights() Weights {
	return Weights{KeywordMatch: 0.4, ContextMatch: 0.25, HistoryMatch: 0.15, Specificity: 0.2}
}

// Metrics is a snapshot of routing counters.
type Metrics struct {
	PatternHits  int64
	AIHits       int64
	Passthroughs int64
	CacheHits    int64
	Total        int64
}

// Rates derives hit fractions from the counters.
func (m Metrics) Rates() map[string]float64 {
	if m.Total == 0 {
		return map[string]float64{}
	}
	t := float64(m.Total)
	return map[string]float64{
		"pattern":     float64(m.PatternHits) / t,
		"ai":          float64(m.AIHits) / t,
		"passthrough": float64(m.Passthroughs) / t,
		"cache":       float64(m.CacheHits) / t,
	}
}

// Correction is an externally supplied fix for a misclassification.
type Correction struct {
	Original         Classification
	CorrectedProject string
	CorrectedIntent  string
}

// commandVerbs are leading words treated as structured commands even
// without a registered pattern.
var commandVerbs = map[string]bool{
	"deploy": true, "test": true, "rollback": true, "restart": true,
	"register": true, "unregister": true, "remind": true, "cancel": true,
	"confirm": true, "pipeline": true, "nl": true, "cost": true,
	"list": true, "set": true, "context": true, "status": true,
}

// codingHints mark conversational build requests that belong with the
// free-form handler rather than the command dispatch.
var codingHints = []string{
	"can you write", "could you write", "help me write", "write a",
	"write me", "build me", "make me a", "create a function",
	"explain", "what does", "how do i", "how does", "why is",
}

// Router layers pattern matching, passthrough guards, a bounded
// classifier call, and a per-query cache.
type Router struct {
	mu         sync.RWMutex
	patterns   []patternRule
	tunables   Tunables
	weights    Weights
	classifier Classifier

	cache *cache

	patternHits  atomic.Int64
	aiHits       atomic.Int64
	passthroughs atomic.Int64
	cacheHits    atomic.Int64
	total        atomic.Int64

	corrMu      sync.Mutex
	corrections []Correction
	learned     atomic.Int64

	log *logging.Logger
}

// New builds a router. classifier may be nil; without one, ambiguous
// text degrades to passthrough.
func New(classifier Classifier, t Tunables) *Router {
	if t.AmbiguityThreshold == 0 && t.ClarificationThreshold == 0 && t.AITimeout == 0 {
		t = DefaultTunables()
	}
	return &Router{
		tunables:   t,
		weights:    DefaultWeights(),
		classifier: classifier,
		cache:      newCache(t.CacheMaxSize, t.CacheMaxAge),
		log:        logging.Get(logging.CategoryRouter),
	}
}

// RegisterPattern appends a (regex, rewriter) pair to the ordered
// pattern layer. Earlier registrations win.
func (r *Router) RegisterPattern(re *regexp.Regexp, rewrite Rewriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, patternRule{re: re, rewrite: rewrite})
}

// Route resolves text through the layers. It never blocks longer than
// the configured classifier deadline.
func (r *Router) Route(ctx context.Context, text string, chatCtx ChatContext) Decision {
	r.total.Add(1)
	norm := normalize(text)

	// Layer 1: pattern rewrites, synchronous, no I/O.
	r.mu.RLock()
	rules := r.patterns
	r.mu.RUnlock()
	for _, rule := range rules {
		if m := rule.re.FindStringSubmatch(norm); m != nil {
			r.patternHits.Add(1)
			cmd := norm
			if rule.rewrite != nil {
				cmd = rule.rewrite(m)
			}
			return Decision{Verdict: VerdictCommand, Command: cmd, Source: "pattern"}
		}
	}

	// Layer 2: passthrough guards.
	if isPassthrough(norm) {
		r.passthroughs.Add(1)
		return Decision{Verdict: VerdictPassthrough, Source: "guard"}
	}
	if looksLikeCommand(norm) {
		r.patternHits.Add(1)
		return Decision{Verdict: VerdictCommand, Command: norm, Source: "guard"}
	}

	// Layer 3: cache, then classifier with a deadline.
	key := cacheKey(norm, chatCtx)
	if cls, ok := r.cache.get(key); ok {
		r.cacheHits.Add(1)
		return r.decisionFor(cls, "cache")
	}

	if r.classifier == nil {
		r.passthroughs.Add(1)
		return Decision{Verdict: VerdictPassthrough, Source: "fallback"}
	}

	r.mu.RLock()
	timeout := r.tunables.AITimeout
	r.mu.RUnlock()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cls, err := r.classifier.Classify(cctx, norm, chatCtx)
	if err != nil {
		r.log.Debug("classifier failed, degrading to passthrough: %v", err)
		r.passthroughs.Add(1)
		return Decision{Verdict: VerdictPassthrough, Source: "fallback"}
	}
	r.aiHits.Add(1)

	r.applyThresholds(cls)
	r.cache.put(key, cls)
	return r.decisionFor(cls, "ai")
}

// applyThresholds recomputes confidence from factors when provided and
// flags ambiguity/clarification per the live thresholds.
func (r *Router) applyThresholds(cls *Classification) {
	r.mu.RLock()
	t := r.tunables
	w := r.weights
	r.mu.RUnlock()

	if len(cls.ConfidenceFactors) > 0 {
		cls.Confidence = w.KeywordMatch*cls.ConfidenceFactors["keywordMatch"] +
			w.ContextMatch*cls.ConfidenceFactors["contextMatch"] +
			w.HistoryMatch*cls.ConfidenceFactors["historyMatch"] +
			w.Specificity*cls.ConfidenceFactors["specificity"]
	}
	if cls.Confidence < t.AmbiguityThreshold {
		cls.Ambiguous = true
	}
	if cls.Confidence < t.ClarificationThreshold && len(cls.ClarifyingQuestions) == 0 {
		cls.ClarifyingQuestions = []string{
			fmt.Sprintf("Did you mean to run a command%s?", projectHint(cls)),
		}
	}
}

func projectHint(cls *Classification) string {
	if cls.Project != "" {
		return " on " + cls.Project
	}
	return ""
}

func (r *Router) decisionFor(cls *Classification, source string) Decision {
	if cls.Intent == "" || cls.Intent == "conversation" || cls.Intent == "passthrough" {
		return Decision{Verdict: VerdictPassthrough, Classification: cls, Source: source}
	}
	return Decision{Verdict: VerdictCommand, Classification: cls, Source: source}
}

// SetTunable adjusts a named parameter at runtime. Recognized names:
// ambiguity, clarification, ai-timeout (ms), cache-ttl (ms), cache-size.
func (r *Router) SetTunable(name string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch name {
	case "ambiguity":
		if value < 0 || value > 1 {
			return fmt.Errorf("ambiguity must be in [0,1], got %v", value)
		}
		r.tunables.AmbiguityThreshold = value
	case "clarification":
		if value < 0 || value > 1 {
			return fmt.Errorf("clarification must be in [0,1], got %v", value)
		}
		r.tunables.ClarificationThreshold = value
	case "ai-timeout":
		if value < 500 || value > 30000 {
			return fmt.Errorf("ai-timeout must be 500-30000 ms, got %v", value)
		}
		r.tunables.AITimeout = time.Duration(value) * time.Millisecond
	case "cache-ttl":
		if value < 0 || value > 3600000 {
			return fmt.Errorf("cache-ttl must be 0-3600000 ms, got %v", value)
		}
		r.tunables.CacheMaxAge = time.Duration(value) * time.Millisecond
		r.cache.setMaxAge(r.tunables.CacheMaxAge)
	case "cache-size":
		if value < 10 || value > 10000 {
			return fmt.Errorf("cache-size must be 10-10000, got %v", value)
		}
		r.tunables.CacheMaxSize = int(value)
		r.cache.setMaxSize(r.tunables.CacheMaxSize)
	default:
		return fmt.Errorf("unknown tunable %q", name)
	}
	return nil
}

// GetTunables returns the current thresholds.
func (r *Router) GetTunables() Tunables {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunables
}

// SetWeights replaces the confidence weights.
func (r *Router) SetWeights(w Weights) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weights = w
}

// Snapshot returns current routing counters.
func (r *Router) Snapshot() Metrics {
	return Metrics{
		PatternHits:  r.patternHits.Load(),
		AIHits:       r.aiHits.Load(),
		Passthroughs: r.passthroughs.Load(),
		CacheHits:    r.cacheHits.Load(),
		Total:        r.total.Load(),
	}
}

// CacheStats reports cache size and hit counters.
func (r *Router) CacheStats() (size int, hits int64) {
	return r.cache.len(), r.cacheHits.Load()
}

// ClearCache drops every cached classification.
func (r *Router) ClearCache() {
	r.cache.clear()
}

// RecordCorrection stores a user-supplied correction. It never blocks
// the caller; the pair is recorded under a lock held briefly.
func (r *Router) RecordCorrection(c Correction) {
	r.corrMu.Lock()
	r.corrections = append(r.corrections, c)
	if len(r.corrections) > 200 {
		r.corrections = r.corrections[len(r.corrections)-200:]
	}
	r.corrMu.Unlock()
	r.learned.Add(1)
	r.log.Debug("correction recorded (project=%s intent=%s), learned=%d",
		c.CorrectedProject, c.CorrectedIntent, r.learned.Load())
}

// LearnedPatterns reports how many corrections have been absorbed.
func (r *Router) LearnedPatterns() int64 {
	return r.learned.Load()
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
}

func cacheKey(norm string, chatCtx ChatContext) string {
	return strings.ToLower(norm) + "|" + chatCtx.Repo + "|" + chatCtx.Company
}

func isPassthrough(norm string) bool {
	if strings.HasSuffix(norm, "?") {
		return true
	}
	lower := strings.ToLower(norm)
	for _, hint := range codingHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func looksLikeCommand(norm string) bool {
	fields := strings.Fields(strings.ToLower(norm))
	if len(fields) == 0 {
		return false
	}
	return commandVerbs[fields[0]]
}
