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

package apikey

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/store"
)

func testKeys(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return NewService(db)
}

func TestGenerate(t *testing.T) {
	plain, hash := Generate()
	assert.True(t, strings.HasPrefix(plain, "uk_"))
	assert.NotEqual(t, plain, hash)
	assert.Equal(t, hash, Hash(plain))

	other, _ := Generate()
	assert.NotEqual(t, plain, other)
}

func TestCreateAndAuthenticate(t *testing.T) {
	s := testKeys(t)
	ctx := context.Background()

	k, plain, err := s.Create(ctx, "ci", "/builds", 0, nil)
	require.NoError(t, err)
	// only the hash is persisted
	assert.Equal(t, Hash(plain), k.Secret)
	assert.Equal(t, "/builds", k.BasicPath)

	got, err := s.Authenticate(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)

	_, err = s.Authenticate(ctx, "uk_bogus")
	_, ok := err.(errtypes.IsPermissionDenied)
	assert.True(t, ok)

	_, err = s.Authenticate(ctx, "")
	_, ok = err.(errtypes.IsUserRequired)
	assert.True(t, ok)
}

func TestAuthenticateExpired(t *testing.T) {
	s := testKeys(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, plain, err := s.Create(ctx, "old", "/", 0, &past)
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, plain)
	_, ok := err.(errtypes.IsPermissionDenied)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	s := testKeys(t)
	ctx := context.Background()

	k, _, err := s.Create(ctx, "tmp", "/", 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, k.ID))

	err = s.Delete(ctx, k.ID)
	_, ok := err.(errtypes.IsNotFound)
	assert.True(t, ok)
}
