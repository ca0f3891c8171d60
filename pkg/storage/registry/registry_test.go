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

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/storage"
)

// fakeDriver claims READER and implements it.
type fakeDriver struct {
	t           storage.Type
	caps        map[storage.Capability]bool
	initialized bool
	initErr     error
}

func (d *fakeDriver) Type() storage.Type                     { return d.t }
func (d *fakeDriver) HasCapability(c storage.Capability) bool { return d.caps[c] }
func (d *fakeDriver) Initialize(context.Context) error {
	if d.initErr != nil {
		return d.initErr
	}
	d.initialized = true
	return nil
}
func (d *fakeDriver) IsInitialized() bool           { return d.initialized }
func (d *fakeDriver) Cleanup(context.Context) error { return nil }

func (d *fakeDriver) ListDirectory(context.Context, string) ([]*storage.FileInfo, error) {
	return nil, nil
}
func (d *fakeDriver) GetFileInfo(context.Context, string) (*storage.FileInfo, error) {
	return nil, nil
}
func (d *fakeDriver) DownloadFile(context.Context, string, *storage.DownloadRequest) (*storage.Object, error) {
	return nil, nil
}

// bareDriver claims WRITER but does not implement it.
type bareDriver struct{ fakeDriver }

func TestCreateEnforcesContract(t *testing.T) {
	Register("faketype", Registration{
		New: func(ctx context.Context, m map[string]interface{}) (storage.Driver, error) {
			return &fakeDriver{
				t:    "faketype",
				caps: map[storage.Capability]bool{storage.CapReader: true},
			}, nil
		},
		Capabilities: []storage.Capability{storage.CapReader},
	})

	d, err := Create(context.Background(), "faketype", nil)
	require.NoError(t, err)
	assert.True(t, d.IsInitialized())

	_, err = Create(context.Background(), "unregistered", nil)
	_, ok := err.(errtypes.IsNotFound)
	assert.True(t, ok)
}

func TestCreateRejectsMissingMethods(t *testing.T) {
	Register("brokentype", Registration{
		New: func(ctx context.Context, m map[string]interface{}) (storage.Driver, error) {
			return &bareDriver{fakeDriver{
				t: "brokentype",
				caps: map[storage.Capability]bool{
					storage.CapReader: true,
					storage.CapWriter: true,
				},
			}}, nil
		},
		Capabilities: []storage.Capability{storage.CapReader, storage.CapWriter},
	})

	_, err := Create(context.Background(), "brokentype", nil)
	require.Error(t, err)
	_, ok := err.(errtypes.IsDriverContract)
	assert.True(t, ok)
}

func TestCreateRejectsUnclaimedCapability(t *testing.T) {
	Register("shytype", Registration{
		New: func(ctx context.Context, m map[string]interface{}) (storage.Driver, error) {
			// implements READER but does not claim it
			return &fakeDriver{t: "shytype", caps: map[storage.Capability]bool{}}, nil
		},
		Capabilities: []storage.Capability{storage.CapReader},
	})

	_, err := Create(context.Background(), "shytype", nil)
	require.Error(t, err)
	_, ok := err.(errtypes.IsDriverContract)
	assert.True(t, ok)
}

func TestCreateRejectsTypeMismatch(t *testing.T) {
	Register("liartype", Registration{
		New: func(ctx context.Context, m map[string]interface{}) (storage.Driver, error) {
			return &fakeDriver{t: "othertype"}, nil
		},
	})

	_, err := Create(context.Background(), "liartype", nil)
	require.Error(t, err)
	_, ok := err.(errtypes.IsDriverContract)
	assert.True(t, ok)
}

func TestCreateRunsValidate(t *testing.T) {
	Register("validatedtype", Registration{
		New: func(ctx context.Context, m map[string]interface{}) (storage.Driver, error) {
			return &fakeDriver{t: "validatedtype"}, nil
		},
		Validate: func(m map[string]interface{}) *storage.ValidationResult {
			return &storage.ValidationResult{Valid: false, Errors: []string{"endpoint required"}}
		},
	})

	_, err := Create(context.Background(), "validatedtype", nil)
	require.Error(t, err)
	_, ok := err.(errtypes.IsBadRequest)
	assert.True(t, ok)
}

func TestRegisterAndTypes(t *testing.T) {
	Register("sortedtype", Registration{})
	reg, ok := Get("sortedtype")
	assert.True(t, ok)
	assert.Nil(t, reg.New)

	ts := Types()
	assert.Contains(t, ts, storage.Type("sortedtype"))
	for i := 1; i < len(ts); i++ {
		assert.LessOrEqual(t, ts[i-1], ts[i])
	}
}
