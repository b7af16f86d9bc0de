// Package prom implements metrics.Sink on prometheus/client_golang.
package prom

import (
	"sort"
	"strings"
	"sync"

	"github.com/ggoodman/storefront-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink creates collectors lazily, one per metric name. The label set of a
// metric is fixed by its first observation; later tags outside that set are
// ignored and missing ones are reported empty.
type Sink struct {
	reg       prometheus.Registerer
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

// Option configures a Sink.
type Option func(*Sink)

// WithNamespace sets the metric namespace. Defaults to "storefront".
func WithNamespace(ns string) Option {
	return func(s *Sink) { s.namespace = ns }
}

// New returns a Sink registering collectors on reg.
func New(reg prometheus.Registerer, opts ...Option) *Sink {
	s := &Sink{
		reg:        reg,
		namespace:  "storefront",
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) IncCounter(name string, tags map[string]string) {
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		names := labelNames(tags)
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      sanitize(name) + "_total",
			Help:      "Count of " + name + ".",
		}, names)
		vec = register(s.reg, vec)
		s.counters[name] = vec
		s.labels[name] = names
	}
	names := s.labels[name]
	s.mu.Unlock()

	vec.WithLabelValues(labelValues(names, tags)...).Inc()
}

func (s *Sink) ObserveHistogram(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	vec, ok := s.histograms[name]
	if !ok {
		names := labelNames(tags)
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      sanitize(name),
			Help:      "Distribution of " + name + ".",
			Buckets:   prometheus.DefBuckets,
		}, names)
		vec = register(s.reg, vec)
		s.histograms[name] = vec
		s.labels[name] = names
	}
	names := s.labels[name]
	s.mu.Unlock()

	vec.WithLabelValues(labelValues(names, tags)...).Observe(value)
}

// register adds c to reg, reusing an identical collector registered earlier
// (for example by another Sink on the same registry).
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, sanitize(k))
	}
	sort.Strings(names)
	return names
}

func labelValues(names []string, tags map[string]string) []string {
	byName := make(map[string]string, len(tags))
	for k, v := range tags {
		byName[sanitize(k)] = v
	}
	vals := make([]string, len(names))
	for i, n := range names {
		vals[i] = byName[n]
	}
	return vals
}

var replacer = strings.NewReplacer(".", "_", "-", "_", "/", "_", " ", "_")

func sanitize(s string) string {
	return replacer.Replace(s)
}

var _ metrics.Sink = (*Sink)(nil)
