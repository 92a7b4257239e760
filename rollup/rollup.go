// Package rollup consumes decoded FTDC documents and maintains running
// per-metric statistics. It sits downstream of the decoder: feed it every
// emitted document in order, read the aggregates when the stream is done.
package rollup

import (
	"strconv"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Sink receives decoded documents one at a time, in emission order.
type Sink interface {
	AddDocument(doc bson.D)
}

// MetricStat is the aggregate for one numeric leaf path.
type MetricStat struct {
	Path  string
	Count int64
	First float64
	Last  float64
	Min   float64
	Max   float64
	Sum   float64
	Mean  float64
}

type running struct {
	count                 int64
	first, last, min, max float64
	sum                   float64
}

// Stats aggregates every numeric leaf it sees, keyed by dot-joined path
// with array elements by index. It is safe for a reader polling Snapshot
// while documents are still being added, but the snapshot is only
// guaranteed complete once the stream is exhausted.
type Stats struct {
	mu      sync.RWMutex
	order   []string
	metrics map[string]*running
	docs    int64
}

// NewStats creates an empty aggregator.
func NewStats() *Stats {
	return &Stats{metrics: make(map[string]*running)}
}

// AddDocument implements Sink.
func (s *Stats) AddDocument(doc bson.D) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs++
	s.walkDocument(doc, "")
}

// Documents reports how many documents have been added.
func (s *Stats) Documents() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs
}

// Snapshot returns the current aggregates in first-seen path order.
func (s *Stats) Snapshot() []MetricStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MetricStat, 0, len(s.order))
	for _, path := range s.order {
		r := s.metrics[path]
		out = append(out, MetricStat{
			Path:  path,
			Count: r.count,
			First: r.first,
			Last:  r.last,
			Min:   r.min,
			Max:   r.max,
			Sum:   r.sum,
			Mean:  r.sum / float64(r.count),
		})
	}
	return out
}

func (s *Stats) walkDocument(doc bson.D, prefix string) {
	for _, el := range doc {
		path := el.Key
		if prefix != "" {
			path = prefix + "." + el.Key
		}
		s.walkValue(el.Value, path)
	}
}

func (s *Stats) walkValue(v interface{}, path string) {
	switch t := v.(type) {
	case bson.D:
		s.walkDocument(t, path)
	case bson.A:
		for i, el := range t {
			s.walkValue(el, path+"."+strconv.Itoa(i))
		}
	case int64:
		s.observe(path, float64(t))
	case int32:
		s.observe(path, float64(t))
	case float64:
		s.observe(path, t)
	case bool:
		if t {
			s.observe(path, 1)
		} else {
			s.observe(path, 0)
		}
	case time.Time:
		s.observe(path, float64(t.UnixMilli()))
	}
	// Strings, binary and null carry no metric value.
}

func (s *Stats) observe(path string, v float64) {
	r, ok := s.metrics[path]
	if !ok {
		r = &running{first: v, min: v, max: v}
		s.metrics[path] = r
		s.order = append(s.order, path)
	}
	r.count++
	r.last = v
	r.sum += v
	if v < r.min {
		r.min = v
	}
	if v > r.max {
		r.max = v
	}
}
