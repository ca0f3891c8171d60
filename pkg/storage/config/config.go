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

// Package config persists storage backend accounts. Credentials are sealed
// with the process secret and only decrypted on demand for driver creation.
package config

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/unistor/unistor/pkg/crypto"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/store/model"
)

// MutateFunc is notified after every config mutation so the driver cache
// can drop the affected instance.
type MutateFunc func(t storage.Type, configID string)

// Store reads and writes storage_configs rows.
type Store struct {
	db       *gorm.DB
	secret   string
	onMutate MutateFunc
}

// New returns a store sealing credentials with the given process secret.
func New(db *gorm.DB, secret string) *Store {
	return &Store{db: db, secret: secret}
}

// OnMutate registers the cache invalidation hook.
func (s *Store) OnMutate(f MutateFunc) { s.onMutate = f }

func (s *Store) notify(t, id string) {
	if s.onMutate != nil {
		s.onMutate(storage.Type(t), id)
	}
}

// Get returns the config with the given id.
func (s *Store) Get(ctx context.Context, id string) (*model.StorageConfig, error) {
	var cfg model.StorageConfig
	err := s.db.WithContext(ctx).First(&cfg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errtypes.NotFound("storage config " + id)
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("reading storage config")
	}
	return &cfg, nil
}

// GetDefault returns the default config for the given type, if any.
func (s *Store) GetDefault(ctx context.Context, t storage.Type) (*model.StorageConfig, error) {
	var cfg model.StorageConfig
	err := s.db.WithContext(ctx).First(&cfg, "type = ? AND is_default = ?", string(t), true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errtypes.NotFound("no default config for type " + string(t))
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("reading default storage config")
	}
	return &cfg, nil
}

// List returns all configs.
func (s *Store) List(ctx context.Context) ([]*model.StorageConfig, error) {
	var cfgs []*model.StorageConfig
	if err := s.db.WithContext(ctx).Order("created_at").Find(&cfgs).Error; err != nil {
		return nil, errtypes.RepositoryFailure("listing storage configs")
	}
	return cfgs, nil
}

// Create persists a new config. credentials is sealed before writing.
// At most one default per type is kept: a new default demotes the old one.
func (s *Store) Create(ctx context.Context, cfg *model.StorageConfig, credentials map[string]string) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	sealed, err := s.sealCredentials(credentials)
	if err != nil {
		return err
	}
	cfg.Credentials = sealed

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cfg.IsDefault {
			if err := tx.Model(&model.StorageConfig{}).
				Where("type = ? AND is_default = ?", cfg.Type, true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(cfg).Error
	})
	if err != nil {
		return errtypes.RepositoryFailure("creating storage config")
	}
	return nil
}

// Update persists changes to a config. A nil credentials map keeps the
// sealed value; an empty or filled map replaces it. The driver cache entry
// for (type, id) is invalidated.
func (s *Store) Update(ctx context.Context, cfg *model.StorageConfig, credentials map[string]string) error {
	if credentials != nil {
		sealed, err := s.sealCredentials(credentials)
		if err != nil {
			return err
		}
		cfg.Credentials = sealed
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cfg.IsDefault {
			if err := tx.Model(&model.StorageConfig{}).
				Where("type = ? AND is_default = ? AND id <> ?", cfg.Type, true, cfg.ID).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Save(cfg).Error
	})
	if err != nil {
		return errtypes.RepositoryFailure("updating storage config")
	}
	s.notify(cfg.Type, cfg.ID)
	return nil
}

// Delete removes a config and invalidates its driver cache entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	cfg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&model.StorageConfig{}, "id = ?", id).Error; err != nil {
		return errtypes.RepositoryFailure("deleting storage config")
	}
	s.notify(cfg.Type, cfg.ID)
	return nil
}

// RuntimeConfig builds the raw map a driver constructor consumes: the
// provider settings merged with the decrypted credentials and the shared
// fields every driver understands.
func (s *Store) RuntimeConfig(ctx context.Context, cfg *model.StorageConfig) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if cfg.Settings != "" {
		if err := json.Unmarshal([]byte(cfg.Settings), &m); err != nil {
			return nil, errors.Wrap(err, "error decoding settings of config "+cfg.ID)
		}
	}
	creds, err := s.openCredentials(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	for k, v := range creds {
		m[k] = v
	}
	m["custom_host"] = cfg.CustomHost
	m["default_folder"] = cfg.DefaultFolder
	if cfg.SignatureExpiresIn > 0 {
		m["signature_expires_in"] = cfg.SignatureExpiresIn
	}
	return m, nil
}

// SignatureExpiry returns the link signature lifetime of the config.
func SignatureExpiry(cfg *model.StorageConfig) time.Duration {
	if cfg.SignatureExpiresIn > 0 {
		return time.Duration(cfg.SignatureExpiresIn) * time.Second
	}
	return crypto.DefaultSignatureExpiry
}

// Projection is the API view of a config. It never carries credentials.
type Projection struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	Settings           string `json:"settings,omitempty"`
	IsPublic           bool   `json:"isPublic"`
	IsDefault          bool   `json:"isDefault"`
	CustomHost         string `json:"customHost,omitempty"`
	URLProxy           string `json:"urlProxy,omitempty"`
	DefaultFolder      string `json:"defaultFolder,omitempty"`
	TotalStorageBytes  int64  `json:"totalStorageBytes"`
	SignatureExpiresIn int    `json:"signatureExpiresIn,omitempty"`
}

// ProjectForAPI strips the credentials from a config row.
func ProjectForAPI(cfg *model.StorageConfig) *Projection {
	return &Projection{
		ID:                 cfg.ID,
		Name:               cfg.Name,
		Type:               cfg.Type,
		Settings:           cfg.Settings,
		IsPublic:           cfg.IsPublic,
		IsDefault:          cfg.IsDefault,
		CustomHost:         cfg.CustomHost,
		URLProxy:           cfg.URLProxy,
		DefaultFolder:      cfg.DefaultFolder,
		TotalStorageBytes:  cfg.TotalStorageBytes,
		SignatureExpiresIn: cfg.SignatureExpiresIn,
	}
}

func (s *Store) sealCredentials(credentials map[string]string) (string, error) {
	if len(credentials) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(credentials)
	if err != nil {
		return "", errors.Wrap(err, "error encoding credentials")
	}
	return crypto.Seal(s.secret, string(raw))
}

func (s *Store) openCredentials(sealed string) (map[string]string, error) {
	if sealed == "" {
		return map[string]string{}, nil
	}
	plain, err := crypto.Open(s.secret, sealed)
	if err != nil {
		return nil, err
	}
	creds := map[string]string{}
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return nil, errors.Wrap(err, "error decoding credentials")
	}
	return creds, nil
}
