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

// Package apikey manages scoped machine identities. Only the SHA-256 of
// a key is stored; the plaintext is shown once at creation.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/thanhpk/randstr"
	"gorm.io/gorm"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/utils"
)

const (
	keyPrefix = "uk_"
	keyLength = 40
)

// Generate returns a fresh plaintext key and its stored hash.
func Generate() (plain, hash string) {
	plain = keyPrefix + randstr.Hex(keyLength/2)
	return plain, Hash(plain)
}

// Hash returns the hex SHA-256 of a presented key.
func Hash(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Service persists api_keys rows.
type Service struct {
	db *gorm.DB
}

// NewService returns an api key service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Create persists a new key and returns the row plus the plaintext,
// which is never stored.
func (s *Service) Create(ctx context.Context, name, basicPath string, authorities uint32, expiresAt *time.Time) (*model.APIKey, string, error) {
	plain, hash := Generate()
	k := &model.APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		Secret:      hash,
		BasicPath:   utils.NormalizePath(basicPath, false),
		Authorities: authorities,
		ExpiresAt:   expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(k).Error; err != nil {
		return nil, "", errtypes.RepositoryFailure("creating api key")
	}
	return k, plain, nil
}

// Authenticate resolves a presented key to its row. Expired keys fail.
func (s *Service) Authenticate(ctx context.Context, presented string) (*model.APIKey, error) {
	if presented == "" {
		return nil, errtypes.UserRequired("api key required")
	}
	var k model.APIKey
	err := s.db.WithContext(ctx).First(&k, "secret = ?", Hash(presented)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errtypes.PermissionDenied("unknown api key")
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("reading api key")
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return nil, errtypes.PermissionDenied("api key expired")
	}
	return &k, nil
}

// Touch updates last_used_at, best effort.
func (s *Service) Touch(ctx context.Context, id string) {
	now := utils.TSNow()
	_ = s.db.WithContext(ctx).Model(&model.APIKey{}).
		Where("id = ?", id).Update("last_used_at", now).Error
}

// List returns all keys, newest first.
func (s *Service) List(ctx context.Context) ([]*model.APIKey, error) {
	var keys []*model.APIKey
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, errtypes.RepositoryFailure("listing api keys")
	}
	return keys, nil
}

// Get returns the key with the given id.
func (s *Service) Get(ctx context.Context, id string) (*model.APIKey, error) {
	var k model.APIKey
	err := s.db.WithContext(ctx).First(&k, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errtypes.NotFound("api key " + id)
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("reading api key")
	}
	return &k, nil
}

// Update persists mutable fields of a key.
func (s *Service) Update(ctx context.Context, k *model.APIKey) error {
	k.BasicPath = utils.NormalizePath(k.BasicPath, false)
	if err := s.db.WithContext(ctx).Save(k).Error; err != nil {
		return errtypes.RepositoryFailure("updating api key")
	}
	return nil
}

// Delete removes a key.
func (s *Service) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&model.APIKey{}, "id = ?", id)
	if res.Error != nil {
		return errtypes.RepositoryFailure("deleting api key")
	}
	if res.RowsAffected == 0 {
		return errtypes.NotFound("api key " + id)
	}
	return nil
}
