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
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/snappy"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"

	"github.com/kiatt210/drill/pkg/util/chunk"
	"github.com/kiatt210/drill/pkg/util/disk"
	"github.com/kiatt210/drill/pkg/util/logutil"
)

// SpillSet owns the working directory one operator spills into. All file
// creation and deletion funnels through it; closing the set removes the
// directory with any files still in it.
type SpillSet struct {
	dir         string
	files       map[string]*SpillFile
	diskTracker *disk.Tracker
	closed      bool
}

// NewSpillSet creates a fresh working directory under baseDir (the system
// temp directory when baseDir is empty).
func NewSpillSet(baseDir string, diskTracker *disk.Tracker) (*SpillSet, error) {
	dir, err := os.MkdirTemp(baseDir, "hashjoin-spill-")
	if err != nil {
		return nil, errors.Annotate(err, "create spill directory")
	}
	return &SpillSet{
		dir:         dir,
		files:       make(map[string]*SpillFile),
		diskTracker: diskTracker,
	}, nil
}

// Dir returns the spill working directory.
func (s *SpillSet) Dir() string { return s.dir }

// CreateFile registers a new spill file under a unique name in the working
// directory; the file itself is created on disk when a writer opens it. The
// prefix encodes lineage (side, cycle, partition index) for debuggability.
func (s *SpillSet) CreateFile(prefix string) (*SpillFile, error) {
	if s.closed {
		return nil, errors.Annotate(ErrInternal, "spill set already closed")
	}
	name := prefix + "-" + uuid.NewString() + ".spill"
	f := &SpillFile{set: s, path: filepath.Join(s.dir, name)}
	s.files[f.path] = f
	return f, nil
}

// Delete removes a spill file from disk and from the set.
func (s *SpillSet) Delete(f *SpillFile) error {
	if f == nil {
		return nil
	}
	delete(s.files, f.path)
	if s.diskTracker != nil {
		s.diskTracker.Consume(-f.bytes)
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "delete spill file %q", f.path)
	}
	return nil
}

// Close deletes any remaining files and removes the directory. Cleanup is
// best effort: failures are logged, not returned. Close is idempotent.
func (s *SpillSet) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, f := range s.files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			logutil.BgLogger().Warn("failed to remove spill file on cleanup",
				zap.String("path", f.path), zap.Error(err))
		}
	}
	s.files = nil
	if err := os.RemoveAll(s.dir); err != nil {
		logutil.BgLogger().Warn("failed to remove spill directory on cleanup",
			zap.String("dir", s.dir), zap.Error(err))
	}
}

// SpillFile is one spill file reference: the path plus the batch and byte
// counts recorded while writing.
type SpillFile struct {
	set     *SpillSet
	path    string
	batches int
	bytes   int64
}

// Path returns the file path.
func (f *SpillFile) Path() string { return f.path }

// Batches returns the number of batches written.
func (f *SpillFile) Batches() int { return f.batches }

// Bytes returns the number of bytes written.
func (f *SpillFile) Bytes() int64 { return f.bytes }

// spillWriter appends length-prefixed snappy-compressed batches to a spill
// file. Batches written on the build side must already carry the trailing
// hash-value column.
type spillWriter struct {
	file *SpillFile
	f    *os.File
	buf  []byte
}

func (f *SpillFile) openWriter() (*spillWriter, error) {
	fd, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Annotatef(err, "open spill file %q for writing", f.path)
	}
	return &spillWriter{file: f, f: fd}, nil
}

func (w *spillWriter) writeChunk(c *chunk.Chunk) error {
	failpoint.Inject("spillWriteError", func() {
		failpoint.Return(errors.New("injected spill write error"))
	})
	w.buf = chunk.Encode(w.buf[:0], c)
	compressed := snappy.Encode(nil, w.buf)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
	if _, err := w.f.Write(lenBuf[:]); err != nil {
		return errors.Annotatef(err, "write spill frame header to %q", w.file.path)
	}
	if _, err := w.f.Write(compressed); err != nil {
		return errors.Annotatef(err, "write spill frame to %q", w.file.path)
	}
	written := int64(4 + len(compressed))
	w.file.batches++
	w.file.bytes += written
	if w.file.set.diskTracker != nil {
		w.file.set.diskTracker.Consume(written)
	}
	spillBytesCounter.Add(float64(written))
	return nil
}

func (w *spillWriter) close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return errors.Annotatef(err, "close spill file %q", w.file.path)
}

// spilledBatchReader replays a spill file as a BatchSource. The first
// successful advance reports OutcomeOKNewSchema, matching the contract the
// driver expects from any fresh input.
type spilledBatchReader struct {
	file    *SpillFile
	schema  *chunk.Schema
	f       *os.File
	cur     *chunk.Chunk
	started bool
	done    bool
	lenBuf  [4]byte
	buf     []byte
	decoded []byte
}

func newSpilledBatchReader(file *SpillFile, schema *chunk.Schema) (*spilledBatchReader, error) {
	fd, err := os.Open(file.path)
	if err != nil {
		return nil, errors.Annotatef(err, "open spill file %q for reading", file.path)
	}
	return &spilledBatchReader{file: file, schema: schema, f: fd}, nil
}

func (r *spilledBatchReader) Next() (Outcome, error) {
	if r.done {
		return OutcomeNone, nil
	}
	if _, err := io.ReadFull(r.f, r.lenBuf[:]); err != nil {
		if err == io.EOF {
			r.done = true
			r.cur = nil
			return OutcomeNone, nil
		}
		return OutcomeNone, errors.Annotatef(err, "read spill frame header from %q", r.file.path)
	}
	frameLen := int(binary.LittleEndian.Uint32(r.lenBuf[:]))
	if cap(r.buf) < frameLen {
		r.buf = make([]byte, frameLen)
	}
	r.buf = r.buf[:frameLen]
	if _, err := io.ReadFull(r.f, r.buf); err != nil {
		return OutcomeNone, errors.Annotatef(err, "read spill frame from %q", r.file.path)
	}
	var err error
	r.decoded, err = snappy.Decode(r.decoded[:0], r.buf)
	if err != nil {
		return OutcomeNone, errors.Annotatef(err, "decompress spill frame from %q", r.file.path)
	}
	r.cur, err = chunk.Decode(r.schema, r.decoded)
	if err != nil {
		return OutcomeNone, errors.Annotatef(err, "decode spill frame from %q", r.file.path)
	}
	if !r.started {
		r.started = true
		return OutcomeOKNewSchema, nil
	}
	return OutcomeOK, nil
}

func (r *spilledBatchReader) Batch() *chunk.Chunk { return r.cur }

func (r *spilledBatchReader) Schema() *chunk.Schema { return r.schema }

func (r *spilledBatchReader) Cancel() {
	r.done = true
	r.cur = nil
}

func (r *spilledBatchReader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return errors.Annotatef(err, "close spill reader for %q", r.file.path)
}
