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

package store

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/store/model"
)

// Setting keys.
const (
	SettingMaxUploadSize  = "max_upload_size"
	SettingNamingStrategy = "naming_strategy"
)

// Naming strategies for planned object keys.
const (
	NamingRandomSuffix = "random_suffix"
	NamingOverwrite    = "overwrite"
)

// DefaultMaxUploadSize is 100 MiB; zero means unlimited.
const DefaultMaxUploadSize = int64(100 << 20)

// Settings reads and writes system_settings rows. The MAX_UPLOAD_SIZE
// environment override, when set, wins over the stored value.
type Settings struct {
	db                *gorm.DB
	maxUploadOverride *int64
}

// NewSettings returns a settings store. maxUploadOverride may be nil.
func NewSettings(db *gorm.DB, maxUploadOverride *int64) *Settings {
	return &Settings{db: db, maxUploadOverride: maxUploadOverride}
}

// Get returns the raw value for key or "" when unset.
func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	var row model.SystemSetting
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errtypes.RepositoryFailure("reading setting " + key)
	}
	return row.Value, nil
}

// Set stores the value for key.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	row := model.SystemSetting{Key: key, Value: value}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return errtypes.RepositoryFailure("writing setting " + key)
	}
	return nil
}

// MaxUploadSize returns the effective upload size cap in bytes.
// Zero disables the cap.
func (s *Settings) MaxUploadSize(ctx context.Context) int64 {
	if s.maxUploadOverride != nil {
		return *s.maxUploadOverride
	}
	v, err := s.Get(ctx, SettingMaxUploadSize)
	if err != nil || v == "" {
		return DefaultMaxUploadSize
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return DefaultMaxUploadSize
	}
	return n
}

// NamingStrategy returns the active object key naming strategy. Callers
// read it once at the start of a request and carry it through, so a
// runtime flip cannot change semantics mid-operation.
func (s *Settings) NamingStrategy(ctx context.Context) string {
	v, err := s.Get(ctx, SettingNamingStrategy)
	if err != nil || (v != NamingOverwrite && v != NamingRandomSuffix) {
		return NamingRandomSuffix
	}
	return v
}
