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

package share

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/store"
)

func testService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return NewService(db, store.NewSettings(db, nil))
}

func TestCreateAndResolve(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1",
		StoragePath:     "shares/a.txt",
		Size:            12,
		MimeType:        "text/plain",
	})
	require.NoError(t, err)
	assert.Len(t, rec.Slug, 8)

	got, err := s.Resolve(ctx, rec.Slug, "")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 1, got.Views)

	_, err = s.Resolve(ctx, "nosuchslug", "")
	_, ok := err.(errtypes.IsNotFound)
	assert.True(t, ok)
}

func TestCreateRejectsDuplicatePath(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	req := &CreateRequest{StorageConfigID: "c1", StoragePath: "shares/a.txt", Size: 1}
	first, err := s.Create(ctx, req)
	require.NoError(t, err)

	_, err = s.Create(ctx, &CreateRequest{StorageConfigID: "c1", StoragePath: "shares/a.txt", Size: 1})
	_, ok := err.(errtypes.IsAlreadyExists)
	assert.True(t, ok)

	// overwrite updates the record in place, keeping its id and slug
	second, err := s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1",
		StoragePath:     "shares/a.txt",
		Size:            2,
		Overwrite:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Slug, second.Slug)
	assert.Equal(t, int64(2), second.Size)
}

func TestCreateCustomSlug(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1", StoragePath: "a", Slug: "my-slug", Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "my-slug", rec.Slug)

	// a taken slug is refused
	_, err = s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1", StoragePath: "b", Slug: "my-slug", Size: 1,
	})
	assert.Error(t, err)
}

func TestQuotaGuard(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1", StoragePath: "one", Size: 700, ConfigQuota: 1000,
	})
	require.NoError(t, err)

	_, err = s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1", StoragePath: "two", Size: 400, ConfigQuota: 1000,
	})
	_, ok := err.(errtypes.IsQuotaExceeded)
	assert.True(t, ok)

	// overwriting an existing record frees its old size first
	_, err = s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1", StoragePath: "one", Size: 900, ConfigQuota: 1000, Overwrite: true,
	})
	assert.NoError(t, err)
}

func TestResolvePassword(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1", StoragePath: "p", Size: 1, Password: "hunter2",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", rec.Password)

	_, err = s.Resolve(ctx, rec.Slug, "")
	_, ok := err.(errtypes.IsUserRequired)
	assert.True(t, ok)

	_, err = s.Resolve(ctx, rec.Slug, "wrong")
	_, ok = err.(errtypes.IsPermissionDenied)
	assert.True(t, ok)

	_, err = s.Resolve(ctx, rec.Slug, "hunter2")
	assert.NoError(t, err)
}

func TestResolveExpiry(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	rec, err := s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1", StoragePath: "e", Size: 1, ExpiresAt: &past,
	})
	require.NoError(t, err)

	_, err = s.Resolve(ctx, rec.Slug, "")
	_, ok := err.(errtypes.IsGone)
	assert.True(t, ok)
}

func TestResolveViewBudget(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, &CreateRequest{
		StorageConfigID: "c1", StoragePath: "v", Size: 1, MaxViews: 2,
	})
	require.NoError(t, err)

	_, err = s.Resolve(ctx, rec.Slug, "")
	require.NoError(t, err)
	_, err = s.Resolve(ctx, rec.Slug, "")
	require.NoError(t, err)

	_, err = s.Resolve(ctx, rec.Slug, "")
	_, ok := err.(errtypes.IsGone)
	assert.True(t, ok)
}
