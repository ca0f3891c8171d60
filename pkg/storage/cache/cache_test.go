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

package cache

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistor/unistor/pkg/storage"
)

type stubDriver struct {
	alive int32
}

func (d *stubDriver) Type() storage.Type                     { return "stub" }
func (d *stubDriver) HasCapability(storage.Capability) bool  { return false }
func (d *stubDriver) Initialize(context.Context) error       { return nil }
func (d *stubDriver) IsInitialized() bool                    { return atomic.LoadInt32(&d.alive) == 1 }
func (d *stubDriver) Cleanup(context.Context) error          { atomic.StoreInt32(&d.alive, 0); return nil }

func newStub() *stubDriver { return &stubDriver{alive: 1} }

func TestGetCachesInstances(t *testing.T) {
	c := New(4)
	ctx := context.Background()

	created := 0
	create := func(context.Context) (storage.Driver, error) {
		created++
		return newStub(), nil
	}

	d1, err := c.Get(ctx, "stub", "cfg1", "m1", create)
	require.NoError(t, err)
	d2, err := c.Get(ctx, "stub", "cfg1", "m1", create)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	assert.Equal(t, 1, created)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestGetSeparatesConfigs(t *testing.T) {
	c := New(4)
	ctx := context.Background()

	d1, err := c.Get(ctx, "stub", "cfg1", "", func(context.Context) (storage.Driver, error) {
		return newStub(), nil
	})
	require.NoError(t, err)
	d2, err := c.Get(ctx, "stub", "cfg2", "", func(context.Context) (storage.Driver, error) {
		return newStub(), nil
	})
	require.NoError(t, err)
	assert.NotSame(t, d1, d2)
}

func TestInvalidateConfig(t *testing.T) {
	c := New(4)
	ctx := context.Background()

	created := 0
	create := func(context.Context) (storage.Driver, error) {
		created++
		return newStub(), nil
	}
	first, err := c.Get(ctx, "stub", "cfg1", "", create)
	require.NoError(t, err)

	c.InvalidateConfig("stub", "cfg1")
	assert.False(t, first.IsInitialized(), "eviction cleans the instance up")

	_, err = c.Get(ctx, "stub", "cfg1", "", create)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
}

func TestInvalidateMount(t *testing.T) {
	c := New(4)
	ctx := context.Background()

	create := func(context.Context) (storage.Driver, error) { return newStub(), nil }
	_, err := c.Get(ctx, "stub", "cfg1", "m1", create)
	require.NoError(t, err)
	_, err = c.Get(ctx, "stub", "cfg2", "m2", create)
	require.NoError(t, err)

	c.InvalidateMount("m1")
	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Cleanups)
}

func TestStaleInstanceIsRecreated(t *testing.T) {
	c := New(4)
	ctx := context.Background()

	stale := newStub()
	created := 0
	_, err := c.Get(ctx, "stub", "cfg1", "", func(context.Context) (storage.Driver, error) {
		created++
		return stale, nil
	})
	require.NoError(t, err)

	// simulate a dead connection: revalidation fails on the next hit
	atomic.StoreInt32(&stale.alive, 0)

	fresh, err := c.Get(ctx, "stub", "cfg1", "", func(context.Context) (storage.Driver, error) {
		created++
		return newStub(), nil
	})
	require.NoError(t, err)
	assert.True(t, fresh.IsInitialized())
	assert.Equal(t, 2, created)
}

func TestCreateFailureSurfaces(t *testing.T) {
	c := New(4)
	ctx := context.Background()

	boom := errors.New("backend unreachable")
	_, err := c.Get(ctx, "stub", "bad", "", func(context.Context) (storage.Driver, error) {
		return nil, boom
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), c.Stats().Errors)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestClear(t *testing.T) {
	c := New(4)
	ctx := context.Background()

	create := func(context.Context) (storage.Driver, error) { return newStub(), nil }
	_, _ = c.Get(ctx, "stub", "a", "", create)
	_, _ = c.Get(ctx, "stub", "b", "", create)

	c.Clear()
	assert.Equal(t, 0, c.Stats().Entries)
}
