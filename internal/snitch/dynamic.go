package snitch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/models"
)

// merged ranges must score no worse than 1.5x the separate ranges
const rangeMergingPreference = 1.5

// Dynamic wraps a sub-snitch and reorders peers by measured latency. The
// transport feeds it a sample per completed request; a periodic task folds
// the windowed medians and gossiped severity into a score map, and a slower
// task clears the samples so a previously bad host can recover.
type Dynamic struct {
	sub    Snitch
	local  models.Endpoint
	reader StateReader
	clock  models.Clock

	updateInterval   time.Duration
	resetInterval    time.Duration
	badnessThreshold float64

	mu      sync.RWMutex
	samples map[models.Endpoint]*decayingSample
	scores  map[models.Endpoint]float64
}

type DynamicConfig struct {
	UpdateInterval   time.Duration
	ResetInterval    time.Duration
	BadnessThreshold float64
}

func NewDynamic(sub Snitch, local models.Endpoint, reader StateReader, clock models.Clock, cfg DynamicConfig) *Dynamic {
	return &Dynamic{
		sub:              sub,
		local:            local,
		reader:           reader,
		clock:            clock,
		updateInterval:   cfg.UpdateInterval,
		resetInterval:    cfg.ResetInterval,
		badnessThreshold: cfg.BadnessThreshold,
		samples:          make(map[models.Endpoint]*decayingSample),
		scores:           make(map[models.Endpoint]float64),
	}
}

// Run drives the periodic score update and sample reset until ctx ends.
func (d *Dynamic) Run(ctx context.Context) {
	update := time.NewTicker(d.updateInterval)
	reset := time.NewTicker(d.resetInterval)
	defer update.Stop()
	defer reset.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-update.C:
			d.UpdateScores()
		case <-reset.C:
			d.ResetSamples()
		}
	}
}

func (d *Dynamic) Datacenter(ep models.Endpoint) string {
	return d.sub.Datacenter(ep)
}

func (d *Dynamic) Rack(ep models.Endpoint) string {
	return d.sub.Rack(ep)
}

// ReceiveTiming records one request latency for ep. Called by the transport
// from arbitrary goroutines; it must stay cheap.
func (d *Dynamic) ReceiveTiming(ep models.Endpoint, latency time.Duration) {
	d.mu.Lock()
	sample, ok := d.samples[ep]
	if !ok {
		sample = newDecayingSample()
		d.samples[ep] = sample
	}
	d.mu.Unlock()
	sample.Update(float64(latency.Nanoseconds()), float64(d.clock.Nanos())/1e9)
}

// UpdateScores recomputes every endpoint's score as its windowed median
// weighted against the worst median in the cluster, plus the endpoint's
// self-reported severity. Lower is better.
func (d *Dynamic) UpdateScores() {
	d.mu.RLock()
	medians := make(map[models.Endpoint]float64, len(d.samples))
	for ep, sample := range d.samples {
		medians[ep] = sample.Median()
	}
	d.mu.RUnlock()

	maxMedian := 1.0
	for _, median := range medians {
		if median > maxMedian {
			maxMedian = median
		}
	}

	next := make(map[models.Endpoint]float64, len(medians))
	for ep, median := range medians {
		next[ep] = median/maxMedian + d.severityOf(ep)
	}

	d.mu.Lock()
	d.scores = next
	d.mu.Unlock()
}

// ResetSamples drops all latency history so hosts that scored badly get
// another chance.
func (d *Dynamic) ResetSamples() {
	d.mu.RLock()
	samples := make([]*decayingSample, 0, len(d.samples))
	for _, sample := range d.samples {
		samples = append(samples, sample)
	}
	d.mu.RUnlock()
	for _, sample := range samples {
		sample.Clear()
	}
	log.Debug().Msg("reset dynamic snitch latency samples")
}

func (d *Dynamic) severityOf(ep models.Endpoint) float64 {
	value, ok := d.reader.AppStateValue(ep, models.AppStateSeverity)
	if !ok {
		return 0
	}
	return models.ParseSeverity(value)
}

func (d *Dynamic) score(ep models.Endpoint) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	score, ok := d.scores[ep]
	return score, ok
}

// SortByProximity orders eps for the local node. With a zero badness
// threshold the order is pure score order; otherwise the sub-snitch order
// is kept unless some endpoint's score exceeds its score-sorted counterpart
// by the (1 + threshold) factor.
func (d *Dynamic) SortByProximity(from models.Endpoint, eps []models.Endpoint) {
	if d.badnessThreshold == 0 {
		d.sortByScore(from, eps)
		return
	}
	d.sortByBadness(from, eps)
}

func (d *Dynamic) sortByScore(from models.Endpoint, eps []models.Endpoint) {
	sort.SliceStable(eps, func(i, j int) bool {
		return d.CompareEndpoints(from, eps[i], eps[j]) < 0
	})
}

func (d *Dynamic) sortByBadness(from models.Endpoint, eps []models.Endpoint) {
	if len(eps) < 2 {
		return
	}
	d.sub.SortByProximity(from, eps)

	subScores := make([]float64, 0, len(eps))
	for _, ep := range eps {
		score, ok := d.score(ep)
		if !ok {
			return
		}
		subScores = append(subScores, score)
	}

	sorted := make([]float64, len(subScores))
	copy(sorted, subScores)
	sort.Float64s(sorted)

	for i, subScore := range subScores {
		if subScore > sorted[i]*(1+d.badnessThreshold) {
			d.sortByScore(from, eps)
			return
		}
	}
}

// CompareEndpoints compares by score, seeding a zero-latency sample for
// unknown endpoints so the next update round learns about them; ties fall
// through to the sub-snitch.
func (d *Dynamic) CompareEndpoints(target, a, b models.Endpoint) int {
	aScore, ok := d.score(a)
	if !ok {
		d.ReceiveTiming(a, 0)
	}
	bScore, ok := d.score(b)
	if !ok {
		d.ReceiveTiming(b, 0)
	}
	if aScore == bScore {
		return d.sub.CompareEndpoints(target, a, b)
	}
	if aScore < bScore {
		return -1
	}
	return 1
}

// IsWorthMergingForRangeQuery accepts a merged range unless its worst score
// clearly exceeds the separate ranges' combined worst scores.
func (d *Dynamic) IsWorthMergingForRangeQuery(merged, l1, l2 []models.Endpoint) bool {
	if !d.sub.IsWorthMergingForRangeQuery(merged, l1, l2) {
		return false
	}
	if len(l1) == 1 && len(l2) == 1 && l1[0] == l2[0] {
		return true
	}
	maxMerged := d.maxScore(merged)
	maxL1 := d.maxScore(l1)
	maxL2 := d.maxScore(l2)
	if maxMerged < 0 || maxL1 < 0 || maxL2 < 0 {
		return true
	}
	return maxMerged <= (maxL1+maxL2)*rangeMergingPreference
}

func (d *Dynamic) maxScore(eps []models.Endpoint) float64 {
	max := -1.0
	for _, ep := range eps {
		if score, ok := d.score(ep); ok && score > max {
			max = score
		}
	}
	return max
}

// Scores copies the score map for the management surface.
func (d *Dynamic) Scores() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]float64, len(d.scores))
	for ep, score := range d.scores {
		out[ep.String()] = score
	}
	return out
}

// DumpTimings returns the sampled latencies for one host.
func (d *Dynamic) DumpTimings(ep models.Endpoint) []float64 {
	d.mu.RLock()
	sample := d.samples[ep]
	d.mu.RUnlock()
	if sample == nil {
		return nil
	}
	return sample.Values()
}
