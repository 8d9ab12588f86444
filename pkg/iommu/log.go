// Copyright 2026 The vIOMMU Authors.
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

package iommu

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// warnLogger is the logging surface needed by per-frame failure paths.
type warnLogger interface {
	Warnf(format string, args ...any)
}

// rateLimitedLogger drops messages beyond its rate limit. Scans over the
// whole physical address space can otherwise emit one warning per frame.
type rateLimitedLogger struct {
	logger logrus.FieldLogger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Warnf(format string, args ...any) {
	if rl.limit.Allow() {
		rl.logger.Warnf(format, args...)
	}
}

// rateLimitedLoggerFor returns a warnLogger that logs to logger no more than
// once per the provided duration.
func rateLimitedLoggerFor(logger logrus.FieldLogger, every time.Duration) warnLogger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
