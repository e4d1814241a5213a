// Copyright 2021 the Radar COVID authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package migrate

import (
	"go.uber.org/zap"
)

// logger adapts zap to the migrate.Logger interface.
type logger struct {
	sugared *zap.SugaredLogger
}

func newLogger(l *zap.SugaredLogger) *logger {
	return &logger{sugared: l}
}

func (l *logger) Printf(format string, v ...interface{}) {
	l.sugared.Infof(format, v...)
}

func (l *logger) Verbose() bool {
	return false
}
