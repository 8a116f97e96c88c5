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

import "github.com/kiatt210/drill/pkg/util/chunk"

// Outcome is the result of advancing a batch source. Errors travel on the
// error return, not as an outcome.
type Outcome int

const (
	// OutcomeNone means the stream is exhausted.
	OutcomeNone Outcome = iota
	// OutcomeOK means a new batch is available under the current schema.
	OutcomeOK
	// OutcomeOKNewSchema means a new batch is available and the schema was
	// (re)established. The first successful advance of any source reports
	// this outcome.
	OutcomeOKNewSchema
	// OutcomeNotYet means no batch is available yet; the caller should
	// retry. Only sources bridging asynchronous producers report it.
	OutcomeNotYet
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "NONE"
	case OutcomeOK:
		return "OK"
	case OutcomeOKNewSchema:
		return "OK_NEW_SCHEMA"
	case OutcomeNotYet:
		return "NOT_YET"
	}
	return "UNKNOWN"
}

// BatchSource is the pull interface between operators. Next advances the
// source; after OutcomeOK or OutcomeOKNewSchema the current batch is readable
// through Batch until the next advance. Schema is valid after the first
// outcome that is not OutcomeNone; sources that know their schema up front
// may expose it earlier.
type BatchSource interface {
	Next() (Outcome, error)
	Batch() *chunk.Chunk
	Schema() *chunk.Schema
	// Cancel asks the source to stop producing; subsequent Next calls drain
	// quickly to OutcomeNone.
	Cancel()
	Close() error
}
