// Copyright 2025 Drill Authors.
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

package join

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	spilledPartitionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drill",
		Subsystem: "executor",
		Name:      "hash_join_spilled_partitions_total",
		Help:      "Counter of hash join partitions spilled to disk.",
	})
	spillBytesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drill",
		Subsystem: "executor",
		Name:      "hash_join_spill_bytes_total",
		Help:      "Counter of bytes the hash join wrote to spill files.",
	})
	spillCyclesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drill",
		Subsystem: "executor",
		Name:      "hash_join_spill_cycles_total",
		Help:      "Counter of recursive spill cycles processed by hash joins.",
	})
	fallbackCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drill",
		Subsystem: "executor",
		Name:      "hash_join_spilling_disabled_total",
		Help:      "Counter of hash joins that fell back to single-partition in-memory execution.",
	})
)

func init() {
	prometheus.MustRegister(spilledPartitionsCounter)
	prometheus.MustRegister(spillBytesCounter)
	prometheus.MustRegister(spillCyclesCounter)
	prometheus.MustRegister(fallbackCounter)
}

// OperatorMetrics is a snapshot of per-operator counters, readable at any
// time through HashJoinExec.Metrics.
type OperatorMetrics struct {
	NumBuckets        int64
	NumEntries        int64
	NumResizing       int64
	ResizingTime      time.Duration
	NumPartitions     int64
	SpilledPartitions int64
	SpillBytes        int64
	SpillCycle        int64

	BuildBatches int64
	BuildRows    int64
	BuildBytes   int64
	ProbeBatches int64
	ProbeRows    int64
	ProbeBytes   int64
	OutputBatches int64
	OutputRows    int64
}
