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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())
}

func TestOptionsValidateRejects(t *testing.T) {
	cases := []func(*Options){
		func(o *Options) { o.NumPartitions = 0 },
		func(o *Options) { o.RecordsPerBatch = 0 },
		func(o *Options) { o.OutputBatchSize = 0 },
		func(o *Options) { o.MaxSpillCycles = 0 },
		func(o *Options) { o.MaxBatchesInMemory = -1 },
		func(o *Options) { o.SafetyFactor = 0.5 },
		func(o *Options) { o.CalcType = "GUESS" },
		func(o *Options) { o.RuntimeFilters = []RuntimeFilterDef{{BuildField: "x"}} },
	}
	for i, mutate := range cases {
		opts := DefaultOptions()
		mutate(opts)
		require.Error(t, opts.Validate(), "case %d", i)
	}
}

func TestLoadOptionsFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "join.toml")
	data := `
num-partitions = 8
max-memory = 1048576
records-per-batch = 512
fallback-enabled = true
calc-type = "BATCH_COUNT"
max-batches-in-memory = 6

[[runtime-filters]]
build-field = "order_id"
probe-field = "o_id"
expected = 1000
fp-rate = 0.05
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	opts, err := LoadOptions(path)
	require.NoError(t, err)
	require.Equal(t, 8, opts.NumPartitions)
	require.Equal(t, int64(1<<20), opts.MaxMemory)
	require.Equal(t, 512, opts.RecordsPerBatch)
	require.True(t, opts.FallbackEnabled)
	require.Equal(t, CalcBatchCount, opts.CalcType)
	require.Equal(t, 6, opts.MaxBatchesInMemory)
	require.Len(t, opts.RuntimeFilters, 1)
	require.Equal(t, "order_id", opts.RuntimeFilters[0].BuildField)
	// Unset keys keep their defaults.
	require.Equal(t, DefaultOptions().OutputBatchSize, opts.OutputBatchSize)
}

func TestRoundUpPowerOfTwo(t *testing.T) {
	require.Equal(t, 1, roundUpPowerOfTwo(0))
	require.Equal(t, 1, roundUpPowerOfTwo(1))
	require.Equal(t, 2, roundUpPowerOfTwo(2))
	require.Equal(t, 4, roundUpPowerOfTwo(3))
	require.Equal(t, 16, roundUpPowerOfTwo(16))
	require.Equal(t, 32, roundUpPowerOfTwo(17))
}
