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
	"math/bits"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// CalcType selects the memory calculator strategy.
type CalcType string

const (
	// CalcBatchCount spills on a flat in-flight batch limit.
	CalcBatchCount CalcType = "BATCH_COUNT"
	// CalcMemoryEstimate spills based on estimated per-partition footprints.
	CalcMemoryEstimate CalcType = "MEMORY_ESTIMATE"
)

// RuntimeFilterDef configures one Bloom filter produced over build keys and
// shipped to a probe-side receiver.
type RuntimeFilterDef struct {
	// BuildField names the build-side column the filter accumulates.
	BuildField string `toml:"build-field"`
	// ProbeField names the probe-side column the receiver applies it to.
	ProbeField string `toml:"probe-field"`
	// Expected is the estimated number of distinct build keys.
	Expected uint `toml:"expected"`
	// FPRate is the target false positive rate.
	FPRate float64 `toml:"fp-rate"`
}

// Options is the configuration surface of the hash join operator. All values
// are read at construction.
type Options struct {
	// NumPartitions is the initial partition count P, rounded up to a power
	// of two.
	NumPartitions int `toml:"num-partitions"`
	// MaxMemory is the operator allocator byte limit. Zero inherits the
	// parent tracker's limit.
	MaxMemory int64 `toml:"max-memory"`
	// RecordsPerBatch is the per-partition internal batch row count.
	RecordsPerBatch int `toml:"records-per-batch"`
	// MaxBatchesInMemory selects the batch-count calculator when nonzero.
	MaxBatchesInMemory int `toml:"max-batches-in-memory"`

	// SafetyFactor, FragmentationFactor and HashTableDoublingFactor feed the
	// memory-estimate calculator.
	SafetyFactor            float64 `toml:"safety-factor"`
	FragmentationFactor     float64 `toml:"fragmentation-factor"`
	HashTableDoublingFactor float64 `toml:"hash-table-doubling-factor"`
	// CalcType picks the calculator strategy; MaxBatchesInMemory overrides
	// it to CalcBatchCount when set.
	CalcType CalcType `toml:"calc-type"`

	// FallbackEnabled allows disabling spilling (P=1, unlimited memory) when
	// the pre-build reservation does not fit.
	FallbackEnabled bool `toml:"fallback-enabled"`

	// OutputBatchSize is the output batch row budget.
	OutputBatchSize int `toml:"output-batch-size"`
	// OutputBatchMemFactor scales the output budget: a factor strictly
	// between 0 and 1 shrinks it, any other value leaves it unchanged.
	OutputBatchMemFactor float64 `toml:"output-batch-mem-factor"`

	// SpillDir is the base directory for the operator's spill set. Empty
	// means the system temp directory.
	SpillDir string `toml:"spill-dir"`
	// MaxSpillCycles bounds recursive reprocessing of spilled partitions.
	MaxSpillCycles int `toml:"max-spill-cycles"`

	// RuntimeFilters configures Bloom filters produced over build keys.
	RuntimeFilters []RuntimeFilterDef `toml:"runtime-filters"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() *Options {
	return &Options{
		NumPartitions:           16,
		MaxMemory:               0,
		RecordsPerBatch:         1024,
		MaxBatchesInMemory:      0,
		SafetyFactor:            1.3,
		FragmentationFactor:     1.33,
		HashTableDoublingFactor: 2.0,
		CalcType:                CalcMemoryEstimate,
		FallbackEnabled:         false,
		OutputBatchSize:         1024,
		OutputBatchMemFactor:    1.0,
		SpillDir:                "",
		MaxSpillCycles:          16,
	}
}

// LoadOptions reads a TOML options file over the defaults.
func LoadOptions(path string) (*Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := toml.Unmarshal(data, opts); err != nil {
		return nil, errors.Annotatef(err, "parse hash join options %q", path)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks option ranges; it does not modify the options.
func (o *Options) Validate() error {
	if o.NumPartitions < 1 {
		return errors.Errorf("num-partitions must be positive, got %d", o.NumPartitions)
	}
	if o.RecordsPerBatch < 1 {
		return errors.Errorf("records-per-batch must be positive, got %d", o.RecordsPerBatch)
	}
	if o.OutputBatchSize < 1 {
		return errors.Errorf("output-batch-size must be positive, got %d", o.OutputBatchSize)
	}
	if o.MaxSpillCycles < 1 {
		return errors.Errorf("max-spill-cycles must be positive, got %d", o.MaxSpillCycles)
	}
	if o.MaxBatchesInMemory < 0 {
		return errors.Errorf("max-batches-in-memory must not be negative, got %d", o.MaxBatchesInMemory)
	}
	if o.SafetyFactor < 1 || o.FragmentationFactor < 1 || o.HashTableDoublingFactor < 1 {
		return errors.New("memory calculator factors must be at least 1")
	}
	switch o.CalcType {
	case CalcBatchCount, CalcMemoryEstimate:
	default:
		return errors.Errorf("unknown calc-type %q", o.CalcType)
	}
	for i := range o.RuntimeFilters {
		def := &o.RuntimeFilters[i]
		if def.BuildField == "" || def.ProbeField == "" {
			return errors.Errorf("runtime filter %d must name both build and probe fields", i)
		}
	}
	return nil
}

// roundUpPowerOfTwo returns the smallest power of two not below n.
func roundUpPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
