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

package vfs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/registry"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/upload"
)

// stubMultiDriver is an in-memory multipart backend with scriptable
// failure modes.
type stubMultiDriver struct {
	mu          sync.Mutex
	initCalls   int
	completeErr error
	// onInit runs inside InitializeMultipartUpload, before it returns.
	onInit  func()
	aborted []string
}

var currentStub *stubMultiDriver

func init() {
	registry.Register("stubmp", registry.Registration{
		New: func(_ context.Context, _ map[string]interface{}) (storage.Driver, error) {
			d := &stubMultiDriver{}
			currentStub = d
			return d, nil
		},
		Capabilities: []storage.Capability{storage.CapMultipart},
	})
}

func (d *stubMultiDriver) Type() storage.Type { return "stubmp" }
func (d *stubMultiDriver) HasCapability(c storage.Capability) bool {
	return c == storage.CapMultipart
}
func (d *stubMultiDriver) Initialize(context.Context) error { return nil }
func (d *stubMultiDriver) IsInitialized() bool              { return true }
func (d *stubMultiDriver) Cleanup(context.Context) error    { return nil }

func (d *stubMultiDriver) InitializeMultipartUpload(_ context.Context, _, _ string, fileSize, partSize int64) (*storage.MultipartInit, error) {
	d.mu.Lock()
	d.initCalls++
	n := d.initCalls
	hook := d.onInit
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	total := int((fileSize + partSize - 1) / partSize)
	urls := make([]storage.PartURL, 0, total)
	for i := 1; i <= total; i++ {
		urls = append(urls, storage.PartURL{PartNumber: i, URL: fmt.Sprintf("https://stub/part/%d", i)})
	}
	return &storage.MultipartInit{
		UploadID:   fmt.Sprintf("up-%d", n),
		Strategy:   storage.StrategyPerPartURL,
		PartSize:   partSize,
		TotalParts: total,
		PartURLs:   urls,
		ExpiresAt:  time.Now().Add(time.Hour),
	}, nil
}

func (d *stubMultiDriver) CompleteMultipartUpload(_ context.Context, subPath, _ string, _ []storage.CompletedPart) (*storage.UploadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.completeErr != nil {
		return nil, d.completeErr
	}
	return &storage.UploadResult{StoragePath: subPath, ETag: "stub-etag"}, nil
}

func (d *stubMultiDriver) AbortMultipartUpload(_ context.Context, _, uploadID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborted = append(d.aborted, uploadID)
	return nil
}

func (d *stubMultiDriver) ListMultipartUploads(context.Context, string) ([]storage.MultipartUploadInfo, error) {
	return nil, nil
}

func (d *stubMultiDriver) ListMultipartParts(context.Context, string, string) (*storage.PartList, error) {
	return &storage.PartList{}, nil
}

func (d *stubMultiDriver) RefreshMultipartURLs(_ context.Context, _, _ string, partNumbers []int) ([]storage.PartURL, error) {
	urls := make([]storage.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		urls = append(urls, storage.PartURL{PartNumber: n, URL: fmt.Sprintf("https://stub/refreshed/%d", n)})
	}
	return urls, nil
}

// addStubMount backs a mount path with the scriptable multipart driver
// and returns its config and mount records.
func (h *harness) addStubMount(t *testing.T, mountPath string) (*model.StorageConfig, *model.Mount) {
	t.Helper()
	ctx := context.Background()
	cfg := &model.StorageConfig{Name: "stub", Type: "stubmp"}
	require.NoError(t, h.configs.Create(ctx, cfg, nil))
	m := &model.Mount{
		MountPath:       mountPath,
		StorageConfigID: cfg.ID,
		StorageType:     "stubmp",
		IsActive:        true,
	}
	require.NoError(t, h.mounts.Create(ctx, m))
	return cfg, m
}

func TestCompleteFailureKeepsSessionActive(t *testing.T) {
	h := newHarness(t, nil)
	h.addStubMount(t, "/mp")
	ctx := adminCtx()

	s, err := h.fs.InitMultipart(ctx, "/mp", "big.bin", 10<<20, 5<<20)
	require.NoError(t, err)
	require.NotEmpty(t, s.SessionID)

	currentStub.mu.Lock()
	currentStub.completeErr = fmt.Errorf("connection reset by backend")
	currentStub.mu.Unlock()

	parts := []storage.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}}
	_, err = h.fs.CompleteMultipart(ctx, s.SessionID, parts)
	require.Error(t, err)

	// the row stays active so the client can list parts, refresh URLs
	// and retry the completion
	row, err := h.ledger.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, row.Status)
	require.NotNil(t, row.ActiveFingerprint)

	_, err = h.fs.ListParts(ctx, s.SessionID)
	require.NoError(t, err)

	currentStub.mu.Lock()
	currentStub.completeErr = nil
	currentStub.mu.Unlock()

	out, err := h.fs.CompleteMultipart(ctx, s.SessionID, parts)
	require.NoError(t, err)
	assert.Equal(t, "stub-etag", out.ETag)

	row, err = h.ledger.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, row.Status)
	assert.Nil(t, row.ActiveFingerprint)
}

func TestInitMultipartResumesActiveSession(t *testing.T) {
	h := newHarness(t, nil)
	h.addStubMount(t, "/mp")
	ctx := adminCtx()

	first, err := h.fs.InitMultipart(ctx, "/mp", "big.bin", 10<<20, 5<<20)
	require.NoError(t, err)
	assert.False(t, first.Resumed)

	second, err := h.fs.InitMultipart(ctx, "/mp", "big.bin", 10<<20, 5<<20)
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.SessionID, second.SessionID)

	// the backend saw a single upload
	assert.Equal(t, 1, currentStub.initCalls)

	active, err := h.ledger.ListActive(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestInitMultipartRaceResolvesToOneSession(t *testing.T) {
	h := newHarness(t, nil)
	cfg, m := h.addStubMount(t, "/mp")
	ctx := adminCtx()

	// a rival init lands its ledger row while ours is still talking to
	// the backend, after our fingerprint lookup came up empty
	fp := upload.Fingerprint("admin", cfg.Type, cfg.ID, m.ID, "/mp/big.bin", "big.bin", 10<<20)
	rival := &model.UploadSession{
		Fingerprint:      fp,
		StorageType:      cfg.Type,
		StorageConfigID:  cfg.ID,
		MountID:          m.ID,
		FsPath:           "/mp/big.bin",
		FileName:         "big.bin",
		FileSize:         10 << 20,
		Strategy:         storage.StrategyPerPartURL,
		PartSize:         5 << 20,
		TotalParts:       2,
		ProviderUploadID: "rival-1",
	}

	// the hook only fires once the stub exists, so arm it lazily from a
	// first throwaway driver acquisition
	_, err := h.fs.InitMultipart(ctx, "/mp", "warmup.bin", 1<<20, 1<<20)
	require.NoError(t, err)

	currentStub.mu.Lock()
	currentStub.onInit = func() {
		require.NoError(t, h.ledger.Create(context.Background(), rival))
	}
	currentStub.mu.Unlock()

	got, err := h.fs.InitMultipart(ctx, "/mp", "big.bin", 10<<20, 5<<20)
	require.NoError(t, err)

	// the losing init resumed the rival's session instead of stacking a
	// second active row, and dropped its own backend upload
	assert.True(t, got.Resumed)
	assert.Equal(t, rival.ID, got.SessionID)
	assert.Contains(t, currentStub.aborted, "up-2")

	active, err := h.ledger.ListActive(ctx, 10)
	require.NoError(t, err)
	byFp := 0
	for _, s := range active {
		if s.Fingerprint == fp {
			byFp++
		}
	}
	assert.Equal(t, 1, byFp)
}
