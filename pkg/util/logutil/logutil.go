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

// Package logutil wraps the shared process logger.
package logutil

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// BgLogger returns the background logger used by execution internals.
func BgLogger() *zap.Logger {
	return log.L()
}

// InitLogger configures the process logger at the given level ("debug",
// "info", "warn", "error"). Intended for tests and embedding applications.
func InitLogger(level string) error {
	logger, props, err := log.InitLogger(&log.Config{Level: level})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	return nil
}
