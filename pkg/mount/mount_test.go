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

package mount

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	uctx "github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/store/model"
)

func testRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return NewRegistry(db), db
}

func seedMount(t *testing.T, r *Registry, path, configID string) *model.Mount {
	t.Helper()
	m := &model.Mount{MountPath: path, StorageConfigID: configID, StorageType: "s3", IsActive: true}
	require.NoError(t, r.Create(context.Background(), m))
	return m
}

func TestResolveByPathLongestPrefix(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	seedMount(t, r, "/data", "c1")
	nested := seedMount(t, r, "/data/archive", "c2")

	res, err := r.ResolveByPath(ctx, "/data/archive/2024/q1.zip")
	require.NoError(t, err)
	assert.Equal(t, nested.ID, res.Mount.ID)
	assert.Equal(t, "/2024/q1.zip", res.SubPath)

	res, err = r.ResolveByPath(ctx, "/data/other.txt")
	require.NoError(t, err)
	assert.Equal(t, "c1", res.Mount.StorageConfigID)
	assert.Equal(t, "/other.txt", res.SubPath)

	// the mount root resolves to "/"
	res, err = r.ResolveByPath(ctx, "/data/archive")
	require.NoError(t, err)
	assert.Equal(t, nested.ID, res.Mount.ID)
	assert.Equal(t, "/", res.SubPath)

	// a sibling with a shared name prefix does not match
	_, err = r.ResolveByPath(ctx, "/database/x")
	_, ok := err.(errtypes.IsNotFound)
	assert.True(t, ok)

	_, err = r.ResolveByPath(ctx, "/")
	_, ok = err.(errtypes.IsPermissionDenied)
	assert.True(t, ok)
}

func TestResolveSkipsInactiveMounts(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	m := seedMount(t, r, "/off", "c1")
	m.IsActive = false
	require.NoError(t, r.Update(ctx, m))

	_, err := r.ResolveByPath(ctx, "/off/file")
	assert.Error(t, err)
}

func TestCreateValidation(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	err := r.Create(ctx, &model.Mount{MountPath: "/", StorageConfigID: "c1"})
	_, ok := err.(errtypes.IsBadRequest)
	assert.True(t, ok)

	seedMount(t, r, "/dup", "c1")
	err = r.Create(ctx, &model.Mount{MountPath: "/dup", StorageConfigID: "c2", IsActive: true})
	_, ok = err.(errtypes.IsAlreadyExists)
	assert.True(t, ok)
}

func TestFindAccessibleFor(t *testing.T) {
	r, db := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&model.StorageConfig{ID: "pub", Name: "pub", Type: "s3", IsPublic: true}).Error)
	require.NoError(t, db.Create(&model.StorageConfig{ID: "priv", Name: "priv", Type: "s3"}).Error)

	pubMount := seedMount(t, r, "/pub", "pub")
	seedMount(t, r, "/priv", "priv")
	seedMount(t, r, "/elsewhere", "pub")

	admin := &uctx.Principal{Kind: uctx.KindAdmin}
	all, err := r.FindAccessibleFor(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// without ACL rows an api key sees public configs inside its scope
	key := &uctx.Principal{Kind: uctx.KindAPIKey, ID: "k1", BasicPath: "/pub"}
	visible, err := r.FindAccessibleFor(ctx, key)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, pubMount.ID, visible[0].ID)

	// ACL rows are a strict whitelist and override is_public
	require.NoError(t, db.Create(&model.PrincipalStorageACL{
		SubjectType: "API_KEY", SubjectID: "k1", StorageConfigID: "priv",
	}).Error)
	wide := &uctx.Principal{Kind: uctx.KindAPIKey, ID: "k1", BasicPath: "/"}
	visible, err = r.FindAccessibleFor(ctx, wide)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "priv", visible[0].StorageConfigID)
}
