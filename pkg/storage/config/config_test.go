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

package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/store/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return New(db, "test-secret")
}

func TestCreateSealsCredentials(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg := &model.StorageConfig{Name: "bucket", Type: "s3", Settings: `{"bucket":"b1"}`}
	require.NoError(t, s.Create(ctx, cfg, map[string]string{
		"access_key": "AKIAEXAMPLE",
		"secret_key": "s3cr3t",
	}))
	require.NotEmpty(t, cfg.ID)

	stored, err := s.Get(ctx, cfg.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Credentials, "AKIAEXAMPLE")
	assert.NotContains(t, stored.Credentials, "s3cr3t")

	// the runtime map decrypts them and merges the settings
	m, err := s.RuntimeConfig(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, "AKIAEXAMPLE", m["access_key"])
	assert.Equal(t, "b1", m["bucket"])
}

func TestRuntimeConfigSharedFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg := &model.StorageConfig{
		Name:               "b",
		Type:               "s3",
		CustomHost:         "https://cdn.example.com",
		DefaultFolder:      "drop",
		SignatureExpiresIn: 900,
	}
	require.NoError(t, s.Create(ctx, cfg, nil))

	m, err := s.RuntimeConfig(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com", m["custom_host"])
	assert.Equal(t, "drop", m["default_folder"])
	assert.Equal(t, 900, m["signature_expires_in"])
}

func TestDefaultDemotion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := &model.StorageConfig{Name: "one", Type: "s3", IsDefault: true}
	require.NoError(t, s.Create(ctx, first, nil))

	second := &model.StorageConfig{Name: "two", Type: "s3", IsDefault: true}
	require.NoError(t, s.Create(ctx, second, nil))

	got, err := s.GetDefault(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	old, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsDefault)

	// a default of another type is untouched
	dav := &model.StorageConfig{Name: "dav", Type: "webdav", IsDefault: true}
	require.NoError(t, s.Create(ctx, dav, nil))
	got, err = s.GetDefault(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestProjectForAPIHidesCredentials(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg := &model.StorageConfig{Name: "b", Type: "s3"}
	require.NoError(t, s.Create(ctx, cfg, map[string]string{"secret_key": "x"}))

	p := ProjectForAPI(cfg)
	assert.Equal(t, cfg.ID, p.ID)
	assert.Equal(t, "s3", p.Type)
}

func TestOnMutateFires(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var gotType, gotID string
	s.OnMutate(func(t storage.Type, id string) {
		gotType, gotID = string(t), id
	})

	cfg := &model.StorageConfig{Name: "b", Type: "s3"}
	require.NoError(t, s.Create(ctx, cfg, nil))
	require.NoError(t, s.Update(ctx, cfg, nil))
	assert.Equal(t, "s3", gotType)
	assert.Equal(t, cfg.ID, gotID)
}
