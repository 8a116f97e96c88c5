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

// Package bloomfilter implements a partitioned Bloom filter: the m bits are
// split into k equal slices and each of the k derived hash values sets or
// tests one bit within its own slice. Compared to the classic layout this
// keeps the per-hash bit ranges disjoint, which makes merging and sizing
// straightforward.
package bloomfilter

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/errors"
)

// Filter is a partitioned Bloom filter keyed by precomputed 64-bit hashes.
// The caller supplies the hash; the filter derives the k per-slice locations
// from its upper and lower halves.
type Filter struct {
	k         uint
	sliceBits uint
	slices    []*bitset.BitSet
	count     uint64
}

// NewWithEstimates sizes a filter for n expected entries at the given false
// positive rate.
func NewWithEstimates(n uint, fpRate float64) *Filter {
	if n == 0 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	k := uint(math.Ceil(math.Log2(1 / fpRate)))
	if k < 1 {
		k = 1
	}
	m := uint(math.Ceil(float64(n) * math.Abs(math.Log(fpRate)) / (math.Ln2 * math.Ln2)))
	sliceBits := (m + k - 1) / k
	if sliceBits < 1 {
		sliceBits = 1
	}
	slices := make([]*bitset.BitSet, k)
	for i := range slices {
		slices[i] = bitset.New(sliceBits)
	}
	return &Filter{k: k, sliceBits: sliceBits, slices: slices}
}

// locations derives the k slice offsets from the 64-bit hash using the
// standard h1+i*h2 double hashing scheme.
func (f *Filter) locations(hash uint64) (uint32, uint32) {
	h1 := uint32(hash)
	h2 := uint32(hash >> 32)
	// An even h2 can degenerate the probe sequence; force it odd.
	return h1, h2 | 1
}

// InsertHash adds a precomputed 64-bit key hash to the filter.
func (f *Filter) InsertHash(hash uint64) {
	h1, h2 := f.locations(hash)
	for i := uint(0); i < f.k; i++ {
		loc := uint(h1+uint32(i)*h2) % f.sliceBits
		f.slices[i].Set(loc)
	}
	f.count++
}

// MayContainHash tests a precomputed 64-bit key hash. False positives are
// possible, false negatives are not.
func (f *Filter) MayContainHash(hash uint64) bool {
	h1, h2 := f.locations(hash)
	for i := uint(0); i < f.k; i++ {
		loc := uint(h1+uint32(i)*h2) % f.sliceBits
		if !f.slices[i].Test(loc) {
			return false
		}
	}
	return true
}

// Merge ORs other into f. Both filters must have identical geometry.
func (f *Filter) Merge(other *Filter) error {
	if f.k != other.k || f.sliceBits != other.sliceBits {
		return errors.Errorf("bloom filter geometry mismatch: (%d,%d) vs (%d,%d)",
			f.k, f.sliceBits, other.k, other.sliceBits)
	}
	for i := range f.slices {
		f.slices[i].InPlaceUnion(other.slices[i])
	}
	f.count += other.count
	return nil
}

// Count returns the number of inserted hashes.
func (f *Filter) Count() uint64 { return f.count }

// NumSlices returns k, the number of hash slices.
func (f *Filter) NumSlices() uint { return f.k }

// MemoryUsage returns the approximate heap footprint of the filter in bytes.
func (f *Filter) MemoryUsage() int64 {
	var size int64
	for _, s := range f.slices {
		size += int64(len(s.Bytes())) * 8
	}
	return size
}
