/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type LoggerTestSuite struct {
	suite.Suite
	prev zapcore.Level
}

func (s *LoggerTestSuite) SetupTest() {
	s.prev = Level()
}

func (s *LoggerTestSuite) TearDownTest() {
	SetLevel(s.prev)
}

func (s *LoggerTestSuite) TestSetLevelString() {
	s.Require().NoError(SetLevelString("debug"))
	s.Equal(zapcore.DebugLevel, Level())

	s.Require().Error(SetLevelString("loud"))
	s.Equal(zapcore.DebugLevel, Level())
}

func (s *LoggerTestSuite) TestReplace() {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := Replace(zap.New(core))
	defer restore()

	Named("ring").Info("attached", zap.Int("capacity", 5))
	L().Debug("dropped")

	entries := logs.All()
	s.Require().Len(entries, 1)
	s.Equal("ring", entries[0].LoggerName)
	s.Equal(int64(5), entries[0].ContextMap()["capacity"])
}

func (s *LoggerTestSuite) TestDevelopmentSwitch() {
	SetDevelopment(true)
	s.NotNil(L())
	SetDevelopment(false)
	s.NotNil(L())
}

func TestLoggerTestSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}
