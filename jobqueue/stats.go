/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"sync"
	"time"
)

// QueueMetrics contains counters accumulated since the queue was created.
type QueueMetrics struct {
	Enqueued          int64                  `json:"enqueued"`
	Processed         int64                  `json:"processed"`
	Succeeded         int64                  `json:"succeeded"`
	Failed            int64                  `json:"failed"`
	Cancelled         int64                  `json:"cancelled"`
	Removed           int64                  `json:"removed"`
	AvgRunDurationMs  float64                `json:"avgRunDurationMs"`
	LastRunDurationMs float64                `json:"lastRunDurationMs"`
	ByType            map[string]TypeMetrics `json:"byType"`
}

// TypeMetrics contains counters of a single job type.
type TypeMetrics struct {
	Enqueued  int64 `json:"enqueued"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

type statsCollector struct {
	mu            sync.Mutex
	m             QueueMetrics
	totalDuration time.Duration
}

func newStatsCollector() *statsCollector {
	return &statsCollector{m: QueueMetrics{ByType: make(map[string]TypeMetrics)}}
}

func (s *statsCollector) enqueued(jobType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Enqueued++
	tm := s.m.ByType[jobType]
	tm.Enqueued++
	s.m.ByType[jobType] = tm
}

func (s *statsCollector) cancelled(jobType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Cancelled++
	tm := s.m.ByType[jobType]
	tm.Cancelled++
	s.m.ByType[jobType] = tm
}

func (s *statsCollector) removed(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Removed += int64(n)
}

func (s *statsCollector) finished(jobType string, status Status, runDuration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Processed++
	tm := s.m.ByType[jobType]
	if status == StatusCompleted {
		s.m.Succeeded++
		tm.Succeeded++
	} else {
		s.m.Failed++
		tm.Failed++
	}
	s.m.ByType[jobType] = tm
	s.totalDuration += runDuration
	s.m.LastRunDurationMs = durationToMs(runDuration)
	s.m.AvgRunDurationMs = durationToMs(s.totalDuration) / float64(s.m.Processed)
}

func (s *statsCollector) snapshot() QueueMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.m
	res.ByType = make(map[string]TypeMetrics, len(s.m.ByType))
	for k, v := range s.m.ByType {
		res.ByType[k] = v
	}
	return res
}

func durationToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
