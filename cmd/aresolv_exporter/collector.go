package main

import (
	"sync"
	"time"

	"github.com/gvb84/aresolv"
	"github.com/gvb84/aresolv/config"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const prefix = "aresolv_"

// resolveStats holds the latest lookup outcome per target, written by the
// resolution loop and read by the collector.
type resolveStats struct {
	mutex   sync.Mutex
	results map[string]*targetResult
}

type targetResult struct {
	target    config.TargetConfig
	addresses int
	success   bool
	duration  time.Duration
}

func newResolveStats() *resolveStats {
	return &resolveStats{results: make(map[string]*targetResult)}
}

func (s *resolveStats) update(target config.TargetConfig, resp *aresolv.Response, duration time.Duration) {
	if resp.Err != nil {
		log.Debugf("lookup for %s failed: %v", target.Host, resp.Err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.results[target.Host] = &targetResult{
		target:    target,
		addresses: len(resp.Records),
		success:   resp.Err == nil,
		duration:  duration,
	}
}

type resolveCollector struct {
	stats  *resolveStats
	labels *customLabelSet

	addressesDesc *prometheus.Desc
	successDesc   *prometheus.Desc
	durationDesc  *prometheus.Desc
}

func newResolveCollector(stats *resolveStats, labels *customLabelSet) *resolveCollector {
	labelNames := append([]string{"target"}, labels.labelNames()...)

	return &resolveCollector{
		stats:  stats,
		labels: labels,
		addressesDesc: prometheus.NewDesc(prefix+"addresses",
			"Number of addresses the target resolved to", labelNames, nil),
		successDesc: prometheus.NewDesc(prefix+"lookup_success",
			"Whether the last lookup for the target succeeded", labelNames, nil),
		durationDesc: prometheus.NewDesc(prefix+"lookup_duration_seconds",
			"Time from submitting the lookup to fetching its response", labelNames, nil),
	}
}

func (c *resolveCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.addressesDesc
	ch <- c.successDesc
	ch <- c.durationDesc
}

func (c *resolveCollector) Collect(ch chan<- prometheus.Metric) {
	c.stats.mutex.Lock()
	defer c.stats.mutex.Unlock()

	for host, res := range c.stats.results {
		l := append([]string{host}, c.labels.labelValues(res.target)...)

		ch <- prometheus.MustNewConstMetric(c.addressesDesc, prometheus.GaugeValue, float64(res.addresses), l...)

		success := 0.0
		if res.success {
			success = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.successDesc, prometheus.GaugeValue, success, l...)
		ch <- prometheus.MustNewConstMetric(c.durationDesc, prometheus.GaugeValue, res.duration.Seconds(), l...)
	}
}

// customLabelSet collects the label names used across the configured targets
// so every metric carries the same label dimensions.
type customLabelSet struct {
	names   []string
	nameMap map[string]interface{}
}

func newCustomLabelSet(targets []config.TargetConfig) *customLabelSet {
	cl := &customLabelSet{
		nameMap: make(map[string]interface{}),
		names:   make([]string, 0),
	}

	for _, t := range targets {
		for name := range t.Labels {
			cl.addLabel(name)
		}
	}

	return cl
}

func (cl *customLabelSet) addLabel(name string) {
	if _, exists := cl.nameMap[name]; exists {
		return
	}

	cl.names = append(cl.names, name)
	cl.nameMap[name] = nil
}

func (cl *customLabelSet) labelNames() []string {
	return cl.names
}

func (cl *customLabelSet) labelValues(t config.TargetConfig) []string {
	values := make([]string, len(cl.names))
	if t.Labels == nil {
		return values
	}

	for i, name := range cl.names {
		if value, isSet := t.Labels[name]; isSet {
			values[i] = value
		}
	}

	return values
}
