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

// Package share manages externally addressable object references. Every
// record points at a storage path under one config and carries the access
// policy of the link: optional password, expiry and view budget. Creation
// runs inside one transaction together with the quota checks so two
// concurrent uploads cannot both squeeze under the cap.
package share

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/thanhpk/randstr"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/unistor/unistor/pkg/appctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/store/model"
)

// Slug generation parameters.
const (
	slugLength   = 8
	slugAttempts = 5
)

// Service persists and resolves share records.
type Service struct {
	db       *gorm.DB
	settings *store.Settings
}

// NewService returns a share service.
func NewService(db *gorm.DB, settings *store.Settings) *Service {
	return &Service{db: db, settings: settings}
}

// CreateRequest describes a record to create.
type CreateRequest struct {
	StorageConfigID string
	StoragePath     string
	MimeType        string
	Size            int64
	Remark          string
	// Slug is optional; empty lets the service allocate one.
	Slug string
	// Password is the plaintext to hash; empty means unprotected.
	Password  string
	ExpiresAt *time.Time
	MaxViews  int
	UseProxy  bool
	CreatedBy string
	// Overwrite updates the existing record for the same storage path
	// instead of failing with a conflict.
	Overwrite bool
	// ConfigQuota is the per-config byte budget; zero means unlimited.
	ConfigQuota int64
}

// Create inserts or, with Overwrite, updates the record for the target
// path. The size cap and the config quota are checked inside the same
// transaction that writes the row.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*model.ShareRecord, error) {
	if req.StorageConfigID == "" || req.StoragePath == "" {
		return nil, errtypes.BadRequest("storage config and path are required")
	}
	if max := s.settings.MaxUploadSize(ctx); max > 0 && req.Size > max {
		return nil, errtypes.QuotaExceeded("file exceeds the maximum upload size")
	}

	hashed := ""
	if req.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, errtypes.RepositoryFailure("hashing share password")
		}
		hashed = string(h)
	}

	var out *model.ShareRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.ShareRecord
		err := tx.Where("storage_config_id = ? AND storage_path = ?", req.StorageConfigID, req.StoragePath).
			First(&existing).Error
		found := err == nil
		if err != nil && err != gorm.ErrRecordNotFound {
			return errtypes.RepositoryFailure("querying share records")
		}
		if found && !req.Overwrite {
			return errtypes.AlreadyExists("a share already points at this path")
		}

		if err := s.checkQuota(tx, req, &existing, found); err != nil {
			return err
		}

		if found {
			existing.MimeType = req.MimeType
			existing.Size = req.Size
			existing.Remark = req.Remark
			existing.Password = hashed
			existing.ExpiresAt = req.ExpiresAt
			existing.MaxViews = req.MaxViews
			existing.Views = 0
			existing.UseProxy = req.UseProxy
			if err := tx.Save(&existing).Error; err != nil {
				return errtypes.RepositoryFailure("updating share record")
			}
			out = &existing
			return nil
		}

		slug, err := s.allocateSlug(tx, req.Slug)
		if err != nil {
			return err
		}
		rec := &model.ShareRecord{
			ID:              uuid.NewString(),
			Slug:            slug,
			StorageConfigID: req.StorageConfigID,
			StoragePath:     req.StoragePath,
			MimeType:        req.MimeType,
			Size:            req.Size,
			Remark:          req.Remark,
			Password:        hashed,
			ExpiresAt:       req.ExpiresAt,
			MaxViews:        req.MaxViews,
			UseProxy:        req.UseProxy,
			CreatedBy:       req.CreatedBy,
		}
		if err := tx.Create(rec).Error; err != nil {
			return errtypes.RepositoryFailure("creating share record")
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkQuota sums the sizes already recorded for the config, excluding
// the record being overwritten, and rejects the write when the new total
// would exceed the budget.
func (s *Service) checkQuota(tx *gorm.DB, req *CreateRequest, existing *model.ShareRecord, found bool) error {
	if req.ConfigQuota <= 0 {
		return nil
	}
	var used int64
	q := tx.Model(&model.ShareRecord{}).
		Where("storage_config_id = ?", req.StorageConfigID)
	if found {
		q = q.Where("id <> ?", existing.ID)
	}
	if err := q.Select("COALESCE(SUM(size), 0)").Scan(&used).Error; err != nil {
		return errtypes.RepositoryFailure("summing config usage")
	}
	if used+req.Size > req.ConfigQuota {
		return errtypes.QuotaExceeded("storage config budget exhausted")
	}
	return nil
}

func (s *Service) allocateSlug(tx *gorm.DB, requested string) (string, error) {
	if requested != "" {
		var n int64
		if err := tx.Model(&model.ShareRecord{}).Where("slug = ?", requested).Count(&n).Error; err != nil {
			return "", errtypes.RepositoryFailure("checking slug")
		}
		if n > 0 {
			return "", errtypes.AlreadyExists("slug " + requested + " is taken")
		}
		return requested, nil
	}
	for i := 0; i < slugAttempts; i++ {
		slug := randstr.String(slugLength)
		var n int64
		if err := tx.Model(&model.ShareRecord{}).Where("slug = ?", slug).Count(&n).Error; err != nil {
			return "", errtypes.RepositoryFailure("checking slug")
		}
		if n == 0 {
			return slug, nil
		}
	}
	return "", errtypes.RepositoryFailure("slug space exhausted")
}

// Get returns the record by id.
func (s *Service) Get(ctx context.Context, id string) (*model.ShareRecord, error) {
	var rec model.ShareRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errtypes.NotFound("share " + id)
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("loading share record")
	}
	return &rec, nil
}

// GetBySlug returns the record by slug without touching the view counter.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*model.ShareRecord, error) {
	var rec model.ShareRecord
	err := s.db.WithContext(ctx).First(&rec, "slug = ?", slug).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errtypes.NotFound("share " + slug)
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("loading share record")
	}
	return &rec, nil
}

// GetByStoragePath returns the record pointing at the given path.
func (s *Service) GetByStoragePath(ctx context.Context, configID, storagePath string) (*model.ShareRecord, error) {
	var rec model.ShareRecord
	err := s.db.WithContext(ctx).
		First(&rec, "storage_config_id = ? AND storage_path = ?", configID, storagePath).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errtypes.NotFound("no share for " + storagePath)
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("loading share record")
	}
	return &rec, nil
}

// List returns records, newest first.
func (s *Service) List(ctx context.Context, configID string, offset, limit int) ([]*model.ShareRecord, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&model.ShareRecord{})
	if configID != "" {
		q = q.Where("storage_config_id = ?", configID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errtypes.RepositoryFailure("counting share records")
	}
	var out []*model.ShareRecord
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, errtypes.RepositoryFailure("listing share records")
	}
	return out, total, nil
}

// Delete removes the record. The object itself is the caller's business.
func (s *Service) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&model.ShareRecord{}, "id = ?", id)
	if res.Error != nil {
		return errtypes.RepositoryFailure("deleting share record")
	}
	if res.RowsAffected == 0 {
		return errtypes.NotFound("share " + id)
	}
	return nil
}

// Resolve checks the access policy of the slug and consumes one view.
// Expired or spent links report Gone so clients stop retrying; a wrong
// password reports PermissionDenied.
func (s *Service) Resolve(ctx context.Context, slug, password string) (*model.ShareRecord, error) {
	rec, err := s.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(now) {
		return nil, errtypes.Gone("share expired")
	}
	if rec.Password != "" {
		if password == "" {
			return nil, errtypes.UserRequired("share requires a password")
		}
		if bcrypt.CompareHashAndPassword([]byte(rec.Password), []byte(password)) != nil {
			return nil, errtypes.PermissionDenied("wrong share password")
		}
	}
	if rec.MaxViews > 0 {
		// the guarded update consumes a view only while budget remains,
		// so concurrent readers cannot overshoot
		res := s.db.WithContext(ctx).Model(&model.ShareRecord{}).
			Where("id = ? AND (max_views <= 0 OR views < max_views)", rec.ID).
			UpdateColumn("views", gorm.Expr("views + 1"))
		if res.Error != nil {
			return nil, errtypes.RepositoryFailure("consuming share view")
		}
		if res.RowsAffected == 0 {
			return nil, errtypes.Gone("share view budget spent")
		}
		rec.Views++
	} else {
		if err := s.db.WithContext(ctx).Model(&model.ShareRecord{}).
			Where("id = ?", rec.ID).
			UpdateColumn("views", gorm.Expr("views + 1")).Error; err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Str("slug", slug).Msg("share: view counter update failed")
		}
		rec.Views++
	}
	return rec, nil
}
