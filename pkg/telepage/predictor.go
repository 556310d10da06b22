// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telepage

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// PatternSource tells how a prediction was made.
type PatternSource int

const (
	// SourceStride is a constant stride detected in the latest deltas.
	SourceStride PatternSource = iota
	// SourcePattern is a learned delta correlation.
	SourcePattern
	// SourceSpatial is the spatial cluster fallback.
	SourceSpatial
	// SourceHint is an explicit prefetch request.
	SourceHint
)

func (s PatternSource) String() string {
	switch s {
	case SourceStride:
		return "stride"
	case SourcePattern:
		return "pattern"
	case SourceSpatial:
		return "spatial"
	case SourceHint:
		return "hint"
	}
	return "unknown"
}

// Prediction is a page predicted to be accessed soon.
type Prediction struct {
	Page       uint64
	Confidence int
	Source     PatternSource
}

// Predictor learns page access patterns of processes.
type Predictor interface {
	// RecordAccess records an access to page by process pid.
	RecordAccess(pid int, page uint64)
	// PredictNext predicts the pages pid accesses after page, ordered
	// by descending confidence.
	PredictNext(pid int, page uint64, threshold int) []Prediction
}

const (
	// deltaWindow is the number of deltas hashed into a pattern key.
	deltaWindow = 3
	// maxPatterns bounds the pattern table.
	maxPatterns = 1000
	// maxPatternPredictions bounds the deltas recorded per pattern.
	maxPatternPredictions = 8
	// initialAccuracy is the accuracy of a new pattern.
	initialAccuracy = 50
	// minAccuracy is the hit ratio below which prediction is suppressed.
	minAccuracy = 30
	// patternMaxAge is how long an unused pattern is kept.
	patternMaxAge = time.Hour
	// minOccurrences before a pattern is dropped for low accuracy.
	minOccurrences = 8
	// clusterPages is the size of the spatial fallback cluster.
	clusterPages = 4
	// spatialConfidence is the confidence of spatial fallback predictions.
	spatialConfidence = 25
	// hitWindow is the number of samples in the sliding hit ratio.
	hitWindow = 64
	// minHitSamples before the hit ratio can suppress prediction.
	minHitSamples = 32
	// historySize is the per-process access history length.
	historySize = 512
	// maxProcesses bounds the per-process predictor state.
	maxProcesses = 256
)

// AccessHistoryEntry is a recorded access.
type AccessHistoryEntry struct {
	Address   uint64
	Timestamp time.Time
	Delta     int64
}

type deltaCount struct {
	delta int64
	hits  uint32
}

// patternEntry records which deltas followed a sequence of deltas.
type patternEntry struct {
	occurrences uint32
	predictions []deltaCount
	accuracy    int
	lastUsed    time.Time
}

// processState is the predictor state of a single process.
type processState struct {
	last       uint64
	hasLast    bool
	deltas     []int64
	run        int
	history    []AccessHistoryEntry
	hpos       int
	shadow     map[uint64]struct{}
	samples    [hitWindow]bool
	nsamples   int
	spos       int
	hits       int
	suppressed bool
}

// PredictorOptions are the options of a CorrelationPredictor.
type PredictorOptions struct {
	// Window is the number of pages predicted ahead of a stride.
	Window int
	// Learning enables learning of new patterns.
	Learning bool
}

// PredictorStats are the statistics of a CorrelationPredictor.
type PredictorStats struct {
	Processes   int
	Suppressed  int
	Patterns    int
	Accesses    uint64
	Predictions uint64
	Hits        uint64
	Misses      uint64
	Learned     uint64
	Evicted     uint64
	Learning    bool
}

// Accuracy returns the ratio of hits to evaluated predictions in percent.
func (s PredictorStats) Accuracy() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return 100.0 * float64(s.Hits) / float64(s.Hits+s.Misses)
}

// ProcessPrediction describes the predictor state of a process.
type ProcessPrediction struct {
	HitRatio   int
	Samples    int
	Suppressed bool
	History    int
	Sequential int
}

// CorrelationPredictor predicts accesses by correlating short sequences
// of address deltas with the delta which followed them, by detecting
// constant strides and by falling back to spatial locality. Prediction
// is suppressed for a process while the sliding ratio of accesses it
// predicted correctly stays below minAccuracy.
type CorrelationPredictor struct {
	sync.Mutex
	window    int
	learning  bool
	patterns  *lru.Cache[uint64, *patternEntry]
	processes *arc.ARCCache[int, *processState]
	stats     PredictorStats
	now       func() time.Time
}

var _ Predictor = &CorrelationPredictor{}

// NewCorrelationPredictor creates a predictor.
func NewCorrelationPredictor(opts PredictorOptions) (*CorrelationPredictor, error) {
	if opts.Window <= 0 {
		opts.Window = 1
	}
	p := &CorrelationPredictor{
		window:   opts.Window,
		learning: opts.Learning,
		now:      time.Now,
	}

	patterns, err := lru.NewWithEvict[uint64, *patternEntry](maxPatterns,
		func(uint64, *patternEntry) { p.stats.Evicted++ })
	if err != nil {
		return nil, telepageError("failed to create pattern table: %v", err)
	}
	processes, err := arc.NewARC[int, *processState](maxProcesses)
	if err != nil {
		return nil, telepageError("failed to create process table: %v", err)
	}
	p.patterns = patterns
	p.processes = processes

	return p, nil
}

// SetLearning enables or disables learning of new patterns.
func (p *CorrelationPredictor) SetLearning(enabled bool) {
	p.Lock()
	defer p.Unlock()
	p.learning = enabled
}

// SetWindow sets the number of pages predicted ahead of a stride.
func (p *CorrelationPredictor) SetWindow(window int) {
	p.Lock()
	defer p.Unlock()
	if window > 0 {
		p.window = window
	}
}

func (p *CorrelationPredictor) process(pid int) *processState {
	st, ok := p.processes.Get(pid)
	if !ok {
		st = &processState{
			deltas:  make([]int64, 0, deltaWindow),
			history: make([]AccessHistoryEntry, 0, historySize),
		}
		p.processes.Add(pid, st)
	}
	return st
}

func patternKey(deltas []int64) uint64 {
	h := fnv.New64a()
	buf := make([]byte, 8)
	for _, d := range deltas {
		binary.BigEndian.PutUint64(buf, uint64(d))
		h.Write(buf)
	}
	return h.Sum64()
}

// RecordAccess implements Predictor.
func (p *CorrelationPredictor) RecordAccess(pid int, page uint64) {
	page = PageAlign(page)

	p.Lock()
	defer p.Unlock()

	st := p.process(pid)
	if st.hasLast && page == st.last {
		return
	}

	now := p.now()
	p.stats.Accesses++

	if st.shadow != nil {
		_, hit := st.shadow[page]
		p.sample(pid, st, hit)
	}

	if st.hasLast {
		delta := (int64(page) - int64(st.last)) / PageSize
		if p.learning && len(st.deltas) == deltaWindow {
			p.learn(patternKey(st.deltas), delta, now)
		}
		if n := len(st.deltas); n > 0 && st.deltas[n-1] == delta {
			st.run++
		} else {
			st.run = 1
		}
		if len(st.deltas) == deltaWindow {
			copy(st.deltas, st.deltas[1:])
			st.deltas = st.deltas[:deltaWindow-1]
		}
		st.deltas = append(st.deltas, delta)
		st.record(AccessHistoryEntry{Address: page, Timestamp: now, Delta: delta})
	}

	st.last = page
	st.hasLast = true

	preds := p.model(st, page, 0, false)
	if len(preds) == 0 {
		preds = p.spatial(page)
	}
	st.shadow = make(map[uint64]struct{}, len(preds))
	for _, pr := range preds {
		st.shadow[pr.Page] = struct{}{}
	}
}

func (st *processState) record(e AccessHistoryEntry) {
	if len(st.history) < historySize {
		st.history = append(st.history, e)
		return
	}
	st.history[st.hpos] = e
	st.hpos = (st.hpos + 1) % historySize
}

// sample records whether the previous predictions covered an access.
func (p *CorrelationPredictor) sample(pid int, st *processState, hit bool) {
	if hit {
		p.stats.Hits++
	} else {
		p.stats.Misses++
	}

	if st.nsamples == hitWindow {
		if st.samples[st.spos] {
			st.hits--
		}
	} else {
		st.nsamples++
	}
	st.samples[st.spos] = hit
	if hit {
		st.hits++
	}
	st.spos = (st.spos + 1) % hitWindow

	if st.nsamples < minHitSamples {
		return
	}
	ratio := 100 * st.hits / st.nsamples
	switch {
	case !st.suppressed && ratio < minAccuracy:
		st.suppressed = true
		log.Debug("pid %d: hit ratio %d%% too low, suppressing prediction", pid, ratio)
	case st.suppressed && ratio >= minAccuracy:
		st.suppressed = false
		log.Debug("pid %d: hit ratio recovered to %d%%, resuming prediction", pid, ratio)
	}
}

// learn records that delta followed the deltas hashed to key.
func (p *CorrelationPredictor) learn(key uint64, delta int64, now time.Time) {
	e, ok := p.patterns.Get(key)
	if !ok {
		p.patterns.Add(key, &patternEntry{
			occurrences: 1,
			predictions: []deltaCount{{delta: delta, hits: 1}},
			accuracy:    initialAccuracy,
			lastUsed:    now,
		})
		p.stats.Learned++
		return
	}

	hit := 0
	if len(e.predictions) > 0 && e.predictions[0].delta == delta {
		hit = 100
	}
	e.accuracy = (e.accuracy*75 + hit*25) / 100
	e.occurrences++
	e.lastUsed = now

	found := false
	for i := range e.predictions {
		if e.predictions[i].delta == delta {
			e.predictions[i].hits++
			found = true
			break
		}
	}
	if !found {
		if len(e.predictions) < maxPatternPredictions {
			e.predictions = append(e.predictions, deltaCount{delta: delta, hits: 1})
		} else {
			e.predictions[len(e.predictions)-1] = deltaCount{delta: delta, hits: 1}
		}
	}
	sort.SliceStable(e.predictions, func(i, j int) bool {
		return e.predictions[i].hits > e.predictions[j].hits
	})
}

func pageAt(page uint64, delta int64) (uint64, bool) {
	addr := int64(page) + delta*PageSize
	if addr < 0 || (delta > 0 && uint64(addr) < page) {
		return 0, false
	}
	return uint64(addr), true
}

// model returns the stride and pattern predictions for the current
// window of st, relative to page.
func (p *CorrelationPredictor) model(st *processState, page uint64, threshold int, touch bool) []Prediction {
	if len(st.deltas) < deltaWindow {
		return nil
	}

	best := map[uint64]Prediction{}
	add := func(pr Prediction) {
		if pr.Page == page {
			return
		}
		if old, ok := best[pr.Page]; !ok || old.Confidence < pr.Confidence {
			best[pr.Page] = pr
		}
	}

	if stride := st.deltas[0]; stride != 0 && st.deltas[1] == stride && st.deltas[2] == stride {
		conf := 50 + 10*st.run
		if conf > 95 {
			conf = 95
		}
		if conf >= threshold {
			for k := 1; k <= p.window; k++ {
				if next, ok := pageAt(page, stride*int64(k)); ok {
					add(Prediction{Page: next, Confidence: conf, Source: SourceStride})
				}
			}
		}
	}

	get := p.patterns.Peek
	if touch {
		get = p.patterns.Get
	}
	if e, ok := get(patternKey(st.deltas)); ok && e.accuracy >= threshold && len(e.predictions) > 0 {
		top := e.predictions[0].hits
		for _, dc := range e.predictions {
			conf := e.accuracy * int(dc.hits) / int(top)
			if conf < threshold {
				continue
			}
			if next, ok := pageAt(page, dc.delta); ok {
				add(Prediction{Page: next, Confidence: conf, Source: SourcePattern})
			}
		}
		p.chain(st.deltas, e, page, threshold, add)
	}

	preds := make([]Prediction, 0, len(best))
	for _, pr := range best {
		preds = append(preds, pr)
	}
	sortPredictions(preds, page)
	return preds
}

// chain follows the most likely delta of consecutive patterns to predict
// further ahead, with the confidence decaying by each pattern's accuracy.
func (p *CorrelationPredictor) chain(deltas []int64, e *patternEntry, page uint64, threshold int, add func(Prediction)) {
	window := append([]int64{}, deltas...)
	conf := e.accuracy
	for step := 1; step < p.window; step++ {
		delta := e.predictions[0].delta
		next, ok := pageAt(page, delta)
		if !ok {
			return
		}
		page = next
		window = append(window[1:], delta)

		var found bool
		if e, found = p.patterns.Peek(patternKey(window)); !found || len(e.predictions) == 0 {
			return
		}
		conf = conf * e.accuracy / 100
		if conf < threshold || conf == 0 {
			return
		}
		if target, ok := pageAt(page, e.predictions[0].delta); ok {
			add(Prediction{Page: target, Confidence: conf, Source: SourcePattern})
		}
	}
}

func sortPredictions(preds []Prediction, page uint64) {
	distance := func(addr uint64) uint64 {
		if addr > page {
			return addr - page
		}
		return page - addr
	}
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].Confidence != preds[j].Confidence {
			return preds[i].Confidence > preds[j].Confidence
		}
		return distance(preds[i].Page) < distance(preds[j].Page)
	})
}

// spatial returns the pages following page within its cluster, or the
// next cluster if page is the last one of its cluster.
func (p *CorrelationPredictor) spatial(page uint64) []Prediction {
	k := p.window
	if k > clusterPages-1 {
		k = clusterPages - 1
	}
	preds := make([]Prediction, 0, k)
	for i := 1; i <= k; i++ {
		if next, ok := pageAt(page, int64(i)); ok {
			preds = append(preds, Prediction{Page: next, Confidence: spatialConfidence, Source: SourceSpatial})
		}
	}
	return preds
}

// PredictNext implements Predictor.
func (p *CorrelationPredictor) PredictNext(pid int, page uint64, threshold int) []Prediction {
	page = PageAlign(page)

	p.Lock()
	defer p.Unlock()

	st := p.process(pid)
	if !st.suppressed {
		if preds := p.model(st, page, threshold, true); len(preds) > 0 {
			p.stats.Predictions += uint64(len(preds))
			return preds
		}
	}

	preds := p.spatial(page)
	p.stats.Predictions += uint64(len(preds))
	return preds
}

// Sweep drops patterns unused for too long or with sustained low accuracy.
func (p *CorrelationPredictor) Sweep(now time.Time) int {
	p.Lock()
	defer p.Unlock()

	removed := 0
	for _, key := range p.patterns.Keys() {
		e, ok := p.patterns.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.lastUsed) > patternMaxAge || (e.accuracy < minAccuracy && e.occurrences >= minOccurrences) {
			p.patterns.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug("predictor: swept %d pattern(s)", removed)
	}
	return removed
}

// Forget drops the state of a process.
func (p *CorrelationPredictor) Forget(pid int) {
	p.Lock()
	defer p.Unlock()
	p.processes.Remove(pid)
}

// Process returns the prediction state of a process.
func (p *CorrelationPredictor) Process(pid int) (ProcessPrediction, bool) {
	p.Lock()
	defer p.Unlock()

	st, ok := p.processes.Peek(pid)
	if !ok {
		return ProcessPrediction{}, false
	}
	pp := ProcessPrediction{
		Samples:    st.nsamples,
		Suppressed: st.suppressed,
		History:    len(st.history),
	}
	if st.nsamples > 0 {
		pp.HitRatio = 100 * st.hits / st.nsamples
	}
	sequential := 0
	for _, e := range st.history {
		if e.Delta == 1 || e.Delta == -1 {
			sequential++
		}
	}
	if len(st.history) > 0 {
		pp.Sequential = 100 * sequential / len(st.history)
	}
	return pp, true
}

// Stats returns the statistics of the predictor.
func (p *CorrelationPredictor) Stats() PredictorStats {
	p.Lock()
	defer p.Unlock()

	stats := p.stats
	stats.Patterns = p.patterns.Len()
	stats.Learning = p.learning
	for _, pid := range p.processes.Keys() {
		stats.Processes++
		if st, ok := p.processes.Peek(pid); ok && st.suppressed {
			stats.Suppressed++
		}
	}
	return stats
}
