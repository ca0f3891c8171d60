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

// Package upload persists the ledger of front-end driven multipart
// uploads. The ledger is the client's ground truth for session state;
// the storage backend owns the bytes. Status transitions out of active
// are guarded so a late abort cannot clobber a completion.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/store/model"
)

// DefaultSessionTTL bounds how long an active session may sit idle before
// the sweeper expires it.
const DefaultSessionTTL = 24 * time.Hour

// Ledger persists upload sessions.
type Ledger struct {
	db *gorm.DB
}

// NewLedger returns a ledger backed by db.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Fingerprint derives the idempotency key of an upload: the same
// principal uploading the same file to the same place maps to the same
// active session.
func Fingerprint(principalID, storageType, configID, mountID, fsPath, fileName string, fileSize int64) string {
	h := sha256.New()
	for _, s := range []string{principalID, storageType, configID, mountID, fsPath, fileName, strconv.FormatInt(fileSize, 10)} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Create inserts a new active session. A missing ID gets a fresh UUID.
func (l *Ledger) Create(ctx context.Context, s *model.UploadSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Status = model.SessionActive
	s.ActiveFingerprint = &s.Fingerprint
	s.StartedAt = time.Now()
	s.UpdatedAt = s.StartedAt
	if s.ExpiresAt == nil {
		t := s.StartedAt.Add(DefaultSessionTTL)
		s.ExpiresAt = &t
	}
	if err := l.db.WithContext(ctx).Create(s).Error; err != nil {
		return errtypes.RepositoryFailure("creating upload session")
	}
	return nil
}

// ClaimActive inserts s as the active session for its fingerprint. The
// unique index on active_fingerprint admits at most one active row, so a
// losing racer's insert fails; the claim then resolves to the row that
// won and reports created=false.
func (l *Ledger) ClaimActive(ctx context.Context, s *model.UploadSession) (*model.UploadSession, bool, error) {
	if err := l.Create(ctx, s); err != nil {
		winner, ferr := l.FindActiveByFingerprint(ctx, s.Fingerprint)
		if ferr != nil {
			return nil, false, err
		}
		return winner, false, nil
	}
	return s, true, nil
}

// Get returns the session by id.
func (l *Ledger) Get(ctx context.Context, id string) (*model.UploadSession, error) {
	var s model.UploadSession
	err := l.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errtypes.NotFound("upload session " + id)
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("loading upload session")
	}
	return &s, nil
}

// FindActiveByFingerprint returns the newest active session with the
// given fingerprint, or NotFound.
func (l *Ledger) FindActiveByFingerprint(ctx context.Context, fp string) (*model.UploadSession, error) {
	var s model.UploadSession
	err := l.db.WithContext(ctx).
		Where("fingerprint = ? AND status = ?", fp, model.SessionActive).
		Order("started_at DESC").
		First(&s).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errtypes.NotFound("no active session for fingerprint")
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("querying sessions by fingerprint")
	}
	return &s, nil
}

// FindByUploadRef resolves a session by its id, provider upload id or
// provider session URL, whichever the client still holds.
func (l *Ledger) FindByUploadRef(ctx context.Context, ref string) (*model.UploadSession, error) {
	var s model.UploadSession
	err := l.db.WithContext(ctx).
		Where("id = ? OR provider_upload_id = ? OR provider_upload_url = ?", ref, ref, ref).
		Order("started_at DESC").
		First(&s).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errtypes.NotFound("upload session")
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("querying sessions by reference")
	}
	return &s, nil
}

// UpdateProgress records client reported progress on an active session.
func (l *Ledger) UpdateProgress(ctx context.Context, id string, bytesUploaded int64, uploadedParts int, nextExpectedRange string) error {
	res := l.db.WithContext(ctx).Model(&model.UploadSession{}).
		Where("id = ? AND status = ?", id, model.SessionActive).
		Updates(map[string]interface{}{
			"bytes_uploaded":      bytesUploaded,
			"uploaded_parts":      uploadedParts,
			"next_expected_range": nextExpectedRange,
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return errtypes.RepositoryFailure("updating session progress")
	}
	if res.RowsAffected == 0 {
		return errtypes.NotFound("no active session " + id)
	}
	return nil
}

// Transition moves an active session into a terminal status. The guard on
// the current status makes the transition idempotent under races: the
// first terminal writer wins, later ones get NotFound.
func (l *Ledger) Transition(ctx context.Context, id, to, errorCode, errorMessage string) error {
	switch to {
	case model.SessionCompleted, model.SessionAborted, model.SessionFailed, model.SessionExpired:
	default:
		return errtypes.BadRequest("invalid session status " + to)
	}
	res := l.db.WithContext(ctx).Model(&model.UploadSession{}).
		Where("id = ? AND status = ?", id, model.SessionActive).
		Updates(map[string]interface{}{
			"status":             to,
			"active_fingerprint": nil,
			"error_code":         errorCode,
			"error_message":      errorMessage,
			"updated_at":         time.Now(),
		})
	if res.Error != nil {
		return errtypes.RepositoryFailure("updating session status")
	}
	if res.RowsAffected == 0 {
		return errtypes.NotFound("no active session " + id)
	}
	return nil
}

// ListActive returns active sessions, newest first.
func (l *Ledger) ListActive(ctx context.Context, limit int) ([]*model.UploadSession, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*model.UploadSession
	err := l.db.WithContext(ctx).
		Where("status = ?", model.SessionActive).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errtypes.RepositoryFailure("listing active sessions")
	}
	return out, nil
}

// ExpireStale marks active sessions whose deadline passed as expired and
// returns them so the caller can abort the backend uploads.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time) ([]*model.UploadSession, error) {
	var stale []*model.UploadSession
	err := l.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", model.SessionActive, now).
		Find(&stale).Error
	if err != nil {
		return nil, errtypes.RepositoryFailure("querying stale sessions")
	}
	for _, s := range stale {
		if err := l.Transition(ctx, s.ID, model.SessionExpired, "EXPIRED", "session deadline passed"); err != nil {
			if _, ok := err.(errtypes.IsNotFound); ok {
				continue
			}
			return nil, err
		}
	}
	return stale, nil
}

// HourBucket is one bar of the upload activity histogram.
type HourBucket struct {
	Hour     time.Time `json:"hour"`
	Started  int       `json:"started"`
	Finished int       `json:"finished"`
	Failed   int       `json:"failed"`
}

// ActivityHistogram buckets sessions started since the cutoff by hour.
// Bucketing happens here rather than in SQL so the sqlite and mysql
// backends behave identically.
func (l *Ledger) ActivityHistogram(ctx context.Context, since time.Time) ([]HourBucket, error) {
	var sessions []*model.UploadSession
	err := l.db.WithContext(ctx).
		Where("started_at >= ?", since).
		Find(&sessions).Error
	if err != nil {
		return nil, errtypes.RepositoryFailure("querying sessions for histogram")
	}
	byHour := map[time.Time]*HourBucket{}
	for _, s := range sessions {
		h := s.StartedAt.UTC().Truncate(time.Hour)
		b := byHour[h]
		if b == nil {
			b = &HourBucket{Hour: h}
			byHour[h] = b
		}
		b.Started++
		switch s.Status {
		case model.SessionCompleted:
			b.Finished++
		case model.SessionFailed, model.SessionExpired:
			b.Failed++
		}
	}
	out := make([]HourBucket, 0, len(byHour))
	for h := since.UTC().Truncate(time.Hour); !h.After(time.Now()); h = h.Add(time.Hour) {
		if b, ok := byHour[h]; ok {
			out = append(out, *b)
		} else {
			out = append(out, HourBucket{Hour: h})
		}
	}
	return out, nil
}

// Describe renders a short human readable summary of a session, used in
// job run records.
func Describe(s *model.UploadSession) string {
	return fmt.Sprintf("%s %s/%s (%d bytes, %s)", s.ID, s.MountID, s.FileName, s.FileSize, s.Status)
}
