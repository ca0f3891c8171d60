// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package upload

import (
	"context"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/unistor/unistor/pkg/appctx"
	"github.com/unistor/unistor/pkg/store/model"
)

// AbortFunc aborts the backend side of an expired session. Failures are
// logged, not fatal: the backend may garbage collect on its own.
type AbortFunc func(ctx context.Context, s *model.UploadSession) error

// Sweeper periodically expires stale upload sessions and records each run
// in the scheduled job log.
type Sweeper struct {
	ledger   *Ledger
	db       *gorm.DB
	abort    AbortFunc
	interval time.Duration
}

// NewSweeper returns a sweeper. A zero interval defaults to one hour.
func NewSweeper(ledger *Ledger, db *gorm.DB, abort AbortFunc, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{ledger: ledger, db: db, abort: abort, interval: interval}
}

// Run blocks until the context is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepOnce(ctx, "schedule")
		}
	}
}

// SweepOnce performs a single sweep and logs the run.
func (s *Sweeper) SweepOnce(ctx context.Context, trigger string) {
	log := appctx.GetLogger(ctx)
	run := &model.ScheduledJobRun{
		Job:       "upload_session_sweep",
		Status:    "running",
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		log.Error().Err(err).Msg("sweeper: recording job run")
	}

	stale, err := s.ledger.ExpireStale(ctx, time.Now())
	status := "ok"
	var details []string
	if err != nil {
		status = "failed"
		details = append(details, err.Error())
		log.Error().Err(err).Msg("sweeper: expiring sessions")
	}
	aborted := 0
	for _, sess := range stale {
		if s.abort == nil {
			continue
		}
		if err := s.abort(ctx, sess); err != nil {
			details = append(details, "abort "+sess.ID+": "+err.Error())
			log.Warn().Err(err).Str("session", sess.ID).Msg("sweeper: backend abort failed")
			continue
		}
		aborted++
	}

	now := time.Now()
	run.Status = status
	run.FinishedAt = &now
	run.Summary = summary(len(stale), aborted)
	run.Details = strings.Join(details, "\n")
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		log.Error().Err(err).Msg("sweeper: finishing job run")
	}
	log.Info().Int("expired", len(stale)).Int("aborted", aborted).Str("trigger", trigger).Msg("sweeper: sweep finished")
}

func summary(expired, aborted int) string {
	return "expired " + strconv.Itoa(expired) + " sessions, aborted " + strconv.Itoa(aborted) + " backend uploads"
}
