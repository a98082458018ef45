// Package selector narrows the capability catalog offered to the model
// for one query: lexical relevance plus category match plus a persistent
// boost for capabilities the model previously requested while unoffered.
package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/skeinworks/skein-agent/internal/capability"
	"github.com/skeinworks/skein-agent/internal/tokens"
)

const (
	defaultMaxCount = 8
	defaultMinScore = 0.1

	lexicalWeight  = 0.55
	categoryWeight = 0.25
	missStep       = 0.10
	missBoostCap   = 0.30
)

// MetricsSink observes every capability the model asks for, whether or
// not the offered set contained it.
type MetricsSink interface {
	CapabilityRequested(name string, offered []string, query string)
}

// MissStore persists miss counts across restarts.
type MissStore interface {
	LoadMisses() (map[string]int, error)
	RecordMiss(name string) error
}

type Options struct {
	Registry *capability.Registry
	Counter  *tokens.Counter
	Logger   *slog.Logger
	Metrics  MetricsSink // optional
	Misses   MissStore   // optional
	// MaxCount caps the scored portion of the selection; AlwaysInclude
	// names are exempt. Default 8.
	MaxCount int
	// MinScore drops scored candidates below the threshold. Default 0.1.
	MinScore float64
	// AlwaysInclude names are offered for every query, including empty
	// ones, regardless of score.
	AlwaysInclude []string
}

// Result is one selection decision.
type Result struct {
	Selected       []capability.Descriptor
	Scores         map[string]float64
	Classification Classification
	TokensBefore   int
	TokensAfter    int
}

type Selector struct {
	registry      *capability.Registry
	counter       *tokens.Counter
	log           *slog.Logger
	metrics       MetricsSink
	store         MissStore
	maxCount      int
	minScore      float64
	alwaysInclude map[string]bool

	mu       sync.Mutex
	misses   map[string]int
	cache    map[string]Result
	cacheGen uint64
}

func New(opts Options) (*Selector, error) {
	if opts.Registry == nil {
		return nil, errors.New("selector requires a registry")
	}
	if opts.Counter == nil {
		return nil, errors.New("selector requires a token counter")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxCount := opts.MaxCount
	if maxCount <= 0 {
		maxCount = defaultMaxCount
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = defaultMinScore
	}
	always := make(map[string]bool, len(opts.AlwaysInclude))
	for _, name := range opts.AlwaysInclude {
		name = strings.TrimSpace(name)
		if name != "" {
			always[name] = true
		}
	}
	s := &Selector{
		registry:      opts.Registry,
		counter:       opts.Counter,
		log:           logger,
		metrics:       opts.Metrics,
		store:         opts.Misses,
		maxCount:      maxCount,
		minScore:      minScore,
		alwaysInclude: always,
		misses:        make(map[string]int),
		cache:         make(map[string]Result),
		cacheGen:      opts.Registry.Generation(),
	}
	if s.store != nil {
		loaded, err := s.store.LoadMisses()
		if err != nil {
			logger.Warn("selection miss history unavailable", "error", err)
		} else {
			for name, n := range loaded {
				if name = strings.TrimSpace(name); name != "" && n > 0 {
					s.misses[name] = n
				}
			}
		}
	}
	return s, nil
}

// Select picks the capability subset to offer for a query. Identical
// queries are served from cache until the registry or the miss history
// changes. Selection is deterministic for identical inputs.
func (s *Selector) Select(query string) (result Result, err error) {
	if s == nil {
		return Result{}, errors.New("nil selector")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("selection panic: %v", rec)
		}
	}()
	query = strings.TrimSpace(query)

	s.mu.Lock()
	if gen := s.registry.Generation(); gen != s.cacheGen {
		s.cache = make(map[string]Result)
		s.cacheGen = gen
	}
	if cached, ok := s.cache[query]; ok {
		s.mu.Unlock()
		return cloneResult(cached), nil
	}
	missSnapshot := make(map[string]int, len(s.misses))
	for name, n := range s.misses {
		missSnapshot[name] = n
	}
	s.mu.Unlock()

	defs := s.registry.Snapshot()
	cls := classifyQuery(query)
	queryTokens := tokenize(query)

	type candidate struct {
		def   capability.Descriptor
		score float64
		index int
	}
	scores := make(map[string]float64, len(defs))
	var forced []candidate
	var scored []candidate
	for i, def := range defs {
		lex := overlapScore(queryTokens, tokenize(def.Name+" "+def.Description))
		score := lexicalWeight * lex
		if def.Category != "" && def.Category == cls.Category {
			score += categoryWeight * cls.Confidence
		}
		if n := missSnapshot[def.Name]; n > 0 {
			boost := missStep * float64(n)
			if boost > missBoostCap {
				boost = missBoostCap
			}
			score += boost
		}
		scores[def.Name] = score
		c := candidate{def: def, score: score, index: i}
		if s.alwaysInclude[def.Name] {
			forced = append(forced, c)
			continue
		}
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score == scored[j].score {
			return scored[i].index < scored[j].index
		}
		return scored[i].score > scored[j].score
	})

	picked := append([]candidate(nil), forced...)
	budget := s.maxCount
	for _, c := range scored {
		if budget <= 0 {
			break
		}
		if c.score < s.minScore {
			continue
		}
		picked = append(picked, c)
		budget--
	}
	// Registry declaration order keeps the offered list stable across
	// queries that select the same members.
	sort.Slice(picked, func(i, j int) bool { return picked[i].index < picked[j].index })

	selected := make([]capability.Descriptor, 0, len(picked))
	for _, c := range picked {
		selected = append(selected, c.def)
	}
	result = Result{
		Selected:       selected,
		Scores:         scores,
		Classification: cls,
		TokensBefore:   s.counter.Descriptors(defs),
		TokensAfter:    s.counter.Descriptors(selected),
	}

	s.mu.Lock()
	s.cache[query] = cloneResult(result)
	s.mu.Unlock()

	s.log.Debug("capability selection",
		"query_category", cls.Category,
		"offered", len(selected),
		"catalog", len(defs),
		"tokens_before", result.TokensBefore,
		"tokens_after", result.TokensAfter)
	return result, nil
}

// RecordRequest notes that the model requested name against the
// selection that offered the given set. The metrics sink hears about
// every request; the miss boost only grows when the request was not in
// the offered set, and the cache resets because scoring inputs changed.
func (s *Selector) RecordRequest(name string, offered []string, query string) {
	if s == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if s.metrics != nil {
		s.metrics.CapabilityRequested(name, offered, query)
	}
	for _, have := range offered {
		if strings.TrimSpace(have) == name {
			return
		}
	}
	s.mu.Lock()
	s.misses[name]++
	s.cache = make(map[string]Result)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.RecordMiss(name); err != nil {
			s.log.Warn("failed to persist selection miss", "capability", name, "error", err)
		}
	}
	s.log.Info("selection miss recorded", "capability", name)
}

// Invalidate drops every memoized selection.
func (s *Selector) Invalidate() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cache = make(map[string]Result)
	s.mu.Unlock()
}

func cloneResult(r Result) Result {
	out := r
	out.Selected = append([]capability.Descriptor(nil), r.Selected...)
	out.Scores = make(map[string]float64, len(r.Scores))
	for name, v := range r.Scores {
		out.Scores[name] = v
	}
	return out
}

func overlapScore(a []string, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := map[string]struct{}{}
	for _, token := range a {
		set[token] = struct{}{}
	}
	hit := 0
	for _, token := range b {
		if _, ok := set[token]; ok {
			hit++
		}
	}
	if hit == 0 {
		return 0
	}
	den := len(a)
	if len(b) > den {
		den = len(b)
	}
	return float64(hit) / float64(den)
}

func tokenize(input string) []string {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return nil
	}
	r := strings.NewReplacer(",", " ", ".", " ", ":", " ", ";", " ", "\n", " ", "\t", " ", "(", " ", ")", " ", "[", " ", "]", " ", "{", " ", "}", " ", "\"", " ", "'", " ", "_", " ", "/", " ")
	input = r.Replace(input)
	parts := strings.Fields(input)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) < 2 {
			continue
		}
		out = append(out, p)
	}
	return out
}
