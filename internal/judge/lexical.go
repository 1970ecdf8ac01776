package judge

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Lexical is a deterministic Judge built on TF-IDF cosine similarity over a
// corpus. It needs no network and is used when no LLM is configured.
type Lexical struct {
	maxTerms int

	mu    sync.RWMutex
	idx   *tfidf
	built time.Time
	load  func(context.Context) ([]string, error) // optional, see Refresh
	every time.Duration

	refreshMu sync.Mutex // one reload at a time
	now       func() time.Time
}

type tfidf struct {
	vocab map[string]int     // term -> vector index
	idf   map[string]float64 // inverse document frequency per term
	dims  int
}

// NewLexical builds the vocabulary from docs, keeping the maxTerms terms with
// the highest document frequency.
func NewLexical(docs []string, maxTerms int) *Lexical {
	if maxTerms <= 0 {
		maxTerms = 2048
	}
	l := &Lexical{maxTerms: maxTerms, now: time.Now}
	l.Rebuild(docs)
	return l
}

// Rebuild replaces the vocabulary with one built from docs. Calls in flight
// keep the index they started with.
func (l *Lexical) Rebuild(docs []string) {
	idx := buildIndex(docs, l.maxTerms)
	l.mu.Lock()
	l.idx = idx
	l.built = l.now()
	l.mu.Unlock()
}

// Refresh makes l reload its corpus from load once the current vocabulary is
// older than every, so documents added after startup get scored. Reloads
// happen inside Score and Select; a failed load keeps the old vocabulary
// until the next interval. every <= 0 disables reloading.
func (l *Lexical) Refresh(load func(context.Context) ([]string, error), every time.Duration) *Lexical {
	l.mu.Lock()
	l.load, l.every = load, every
	l.mu.Unlock()
	return l
}

func (l *Lexical) stale() bool {
	return l.load != nil && l.every > 0 && l.now().Sub(l.built) >= l.every
}

// index returns the vocabulary to use, reloading it first when stale.
func (l *Lexical) index(ctx context.Context) *tfidf {
	l.mu.RLock()
	idx, stale := l.idx, l.stale()
	l.mu.RUnlock()
	if !stale {
		return idx
	}

	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()
	l.mu.RLock()
	stale, load := l.stale(), l.load
	l.mu.RUnlock()
	if stale {
		// a concurrent caller may have reloaded while we waited
		if docs, err := load(ctx); err == nil {
			l.Rebuild(docs)
		} else {
			l.mu.Lock()
			l.built = l.now()
			l.mu.Unlock()
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.idx
}

func buildIndex(docs []string, maxTerms int) *tfidf {
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range tokenize(doc) {
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}

	type termFreq struct {
		term string
		freq int
	}
	terms := make([]termFreq, 0, len(df))
	for t, f := range df {
		terms = append(terms, termFreq{t, f})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].freq != terms[j].freq {
			return terms[i].freq > terms[j].freq
		}
		return terms[i].term < terms[j].term
	})
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}

	numDocs := float64(len(docs))
	if numDocs == 0 {
		numDocs = 1
	}
	idx := &tfidf{
		vocab: make(map[string]int, len(terms)),
		idf:   make(map[string]float64, len(terms)),
		dims:  len(terms),
	}
	for i, tf := range terms {
		idx.vocab[tf.term] = i
		// smoothed: log(N / df) + 1
		idx.idf[tf.term] = math.Log(numDocs/float64(tf.freq)) + 1.0
	}
	return idx
}

// Score returns cosine similarity scaled to [0,10].
func (l *Lexical) Score(ctx context.Context, req ScoreRequest) (float64, error) {
	idx := l.index(ctx)
	if idx.dims == 0 {
		return 0, ErrNoScore
	}
	sim := cosine(idx.vector(req.Context), idx.vector(req.Candidate))
	return Clamp(sim * MaxScore), nil
}

// Select picks the option whose description best matches the latest signal,
// with the system context counting half as much. No overlap at all is an
// invalid selection so the caller falls back.
func (l *Lexical) Select(ctx context.Context, req SelectRequest) (string, error) {
	idx := l.index(ctx)
	if len(req.Options) == 0 || idx.dims == 0 {
		return "", ErrInvalidSelection
	}
	latest := idx.vector(req.LatestSignal)
	history := idx.vector(req.SystemContext)

	best, bestScore := "", 0.0
	for _, o := range req.Options {
		v := idx.vector(o.ID + " " + o.Description)
		s := cosine(latest, v) + 0.5*cosine(history, v)
		if s > bestScore {
			best, bestScore = o.ID, s
		}
	}
	if best == "" {
		return "", ErrInvalidSelection
	}
	return best, nil
}

// vector builds a normalized TF-IDF vector; terms outside the vocabulary are ignored.
func (idx *tfidf) vector(text string) []float64 {
	vec := make([]float64, idx.dims)
	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokenize(text) {
		if _, ok := idx.vocab[tok]; !ok {
			continue
		}
		tf[tok]++
		if tf[tok] > maxTF {
			maxTF = tf[tok]
		}
	}
	for term, count := range tf {
		// augmented TF
		vec[idx.vocab[term]] = (0.5 + 0.5*float64(count)/float64(maxTF)) * idx.idf[term]
	}
	normalize(vec)
	return vec
}

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 1 && !stopwords[current.String()] {
			tokens = append(tokens, current.String())
		}
		current.Reset()
	}
	if current.Len() > 1 && !stopwords[current.String()] {
		tokens = append(tokens, current.String())
	}
	return tokens
}

var stopwords = map[string]bool{
	"the": true, "and": true, "or": true, "of": true, "to": true, "in": true,
	"is": true, "it": true, "my": true, "me": true, "you": true, "your": true,
	"for": true, "on": true, "at": true, "an": true, "be": true, "was": true,
	"that": true, "this": true, "with": true, "about": true, "what": true,
}

func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
