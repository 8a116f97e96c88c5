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

package bloomfilter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/murmur3"
)

func hashOf(i uint64) uint64 {
	var buf [8]byte
	for b := 0; b < 8; b++ {
		buf[b] = byte(i >> (8 * b))
	}
	h, _ := murmur3.Sum128(buf[:])
	return h
}

func TestNoFalseNegatives(t *testing.T) {
	f := NewWithEstimates(1000, 0.01)
	for i := uint64(0); i < 1000; i++ {
		f.InsertHash(hashOf(i))
	}
	require.EqualValues(t, 1000, f.Count())
	for i := uint64(0); i < 1000; i++ {
		require.True(t, f.MayContainHash(hashOf(i)), "inserted hash %d must test positive", i)
	}
}

func TestFalsePositiveRateIsSane(t *testing.T) {
	f := NewWithEstimates(1000, 0.01)
	for i := uint64(0); i < 1000; i++ {
		f.InsertHash(hashOf(i))
	}
	falsePositives := 0
	const probes = 10000
	for i := uint64(1_000_000); i < 1_000_000+probes; i++ {
		if f.MayContainHash(hashOf(i)) {
			falsePositives++
		}
	}
	// Allow generous slack over the configured 1% target.
	require.Less(t, falsePositives, probes/20,
		"false positive rate is far above the configured target")
}

func TestMerge(t *testing.T) {
	a := NewWithEstimates(100, 0.01)
	b := NewWithEstimates(100, 0.01)
	a.InsertHash(hashOf(1))
	b.InsertHash(hashOf(2))
	require.NoError(t, a.Merge(b))
	require.True(t, a.MayContainHash(hashOf(1)))
	require.True(t, a.MayContainHash(hashOf(2)))
	require.EqualValues(t, 2, a.Count())

	c := NewWithEstimates(100000, 0.001)
	require.Error(t, a.Merge(c), "geometry mismatch must be rejected")
}

func TestDegenerateParameters(t *testing.T) {
	f := NewWithEstimates(0, -1)
	f.InsertHash(hashOf(42))
	require.True(t, f.MayContainHash(hashOf(42)))
	require.Greater(t, f.NumSlices(), uint(0))
	require.Greater(t, f.MemoryUsage(), int64(0))
}
