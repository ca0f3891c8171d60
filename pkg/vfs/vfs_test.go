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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uctx "github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/mount"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/cache"
	storageconfig "github.com/unistor/unistor/pkg/storage/config"
	_ "github.com/unistor/unistor/pkg/storage/fs/local"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/upload"
)

type harness struct {
	fs      *FS
	mounts  *mount.Registry
	configs *storageconfig.Store
	ledger  *upload.Ledger
}

func newHarness(t *testing.T, maxUpload *int64) *harness {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	configs := storageconfig.New(db, "test-secret")
	mounts := mount.NewRegistry(db)
	drivers := cache.New(4)
	ledger := upload.NewLedger(db)
	settings := store.NewSettings(db, maxUpload)

	f := New(mounts, configs, drivers, ledger, settings)
	mounts.OnMutate(func(string) { f.PurgeListings() })
	return &harness{fs: f, mounts: mounts, configs: configs, ledger: ledger}
}

// addLocalMount backs a mount path with a local driver rooted in a temp dir.
func (h *harness) addLocalMount(t *testing.T, mountPath string) *model.Mount {
	t.Helper()
	ctx := context.Background()
	cfg := &model.StorageConfig{
		Name:     strings.TrimLeft(strings.ReplaceAll(mountPath, "/", "-"), "-"),
		Type:     "local",
		Settings: fmt.Sprintf(`{"root":%q}`, t.TempDir()),
	}
	require.NoError(t, h.configs.Create(ctx, cfg, nil))
	m := &model.Mount{
		MountPath:       mountPath,
		StorageConfigID: cfg.ID,
		StorageType:     "local",
		IsActive:        true,
	}
	require.NoError(t, h.mounts.Create(ctx, m))
	return m
}

func adminCtx() context.Context {
	return uctx.ContextSetPrincipal(context.Background(), &uctx.Principal{
		Kind: uctx.KindAdmin, ID: "admin", BasicPath: "/",
	})
}

func names(infos []*storage.FileInfo) []string {
	out := make([]string, 0, len(infos))
	for _, fi := range infos {
		out = append(out, fi.Name)
	}
	return out
}

func TestListRootSynthesizesMountAncestors(t *testing.T) {
	h := newHarness(t, nil)
	h.addLocalMount(t, "/files/docs")
	h.addLocalMount(t, "/media")
	ctx := adminCtx()

	infos, err := h.fs.List(ctx, "/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"files", "media"}, names(infos))

	// an ancestor directory lists the next segment towards the mount
	infos, err = h.fs.List(ctx, "/files")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, names(infos))
	assert.True(t, infos[0].IsDir)
	assert.Equal(t, "/files/docs", infos[0].Path)
}

func TestListMergesBackendEntries(t *testing.T) {
	h := newHarness(t, nil)
	h.addLocalMount(t, "/files")
	h.addLocalMount(t, "/files/nested")
	ctx := adminCtx()

	_, err := h.fs.Upload(ctx, "/files/report.txt", strings.NewReader("hi"), &storage.UploadRequest{ContentLength: 2})
	require.NoError(t, err)

	infos, err := h.fs.List(ctx, "/files")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nested", "report.txt"}, names(infos))

	// directories sort before files, virtual paths are rewritten
	assert.Equal(t, "nested", infos[0].Name)
	for _, fi := range infos {
		assert.True(t, strings.HasPrefix(fi.Path, "/files/"), fi.Path)
	}
}

func TestStatVirtualDirectories(t *testing.T) {
	h := newHarness(t, nil)
	h.addLocalMount(t, "/files/docs")
	ctx := adminCtx()

	for _, p := range []string{"/", "/files", "/files/docs"} {
		fi, err := h.fs.Stat(ctx, p)
		require.NoError(t, err, p)
		assert.True(t, fi.IsDir, p)
	}

	_, err := h.fs.Upload(ctx, "/files/docs/a.txt", strings.NewReader("abc"), &storage.UploadRequest{ContentLength: 3})
	require.NoError(t, err)

	fi, err := h.fs.Stat(ctx, "/files/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), fi.Size)
	assert.Equal(t, "/files/docs/a.txt", fi.Path)

	_, err = h.fs.Stat(ctx, "/nowhere")
	assert.Error(t, err)
}

func TestUploadInvalidatesCachedListing(t *testing.T) {
	h := newHarness(t, nil)
	h.addLocalMount(t, "/files")
	ctx := adminCtx()

	infos, err := h.fs.List(ctx, "/files")
	require.NoError(t, err)
	assert.Empty(t, infos)

	_, err = h.fs.Upload(ctx, "/files/new.txt", strings.NewReader("x"), &storage.UploadRequest{ContentLength: 1})
	require.NoError(t, err)

	infos, err = h.fs.List(ctx, "/files")
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, names(infos))
}

func TestListDoesNotExposeCachedEntries(t *testing.T) {
	h := newHarness(t, nil)
	h.addLocalMount(t, "/files")
	ctx := adminCtx()

	_, err := h.fs.Upload(ctx, "/files/report.txt", strings.NewReader("hi"), &storage.UploadRequest{ContentLength: 2})
	require.NoError(t, err)

	infos, err := h.fs.List(ctx, "/files")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	// callers own their result, scribbling on it must not poison the
	// listing cache
	infos[0].Name = "tampered"
	infos[0].Path = "/elsewhere"

	again, err := h.fs.List(ctx, "/files")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "report.txt", again[0].Name)
	assert.Equal(t, "/files/report.txt", again[0].Path)
}

func TestRenameCannotCrossMounts(t *testing.T) {
	h := newHarness(t, nil)
	h.addLocalMount(t, "/a")
	h.addLocalMount(t, "/b")
	ctx := adminCtx()

	_, err := h.fs.Upload(ctx, "/a/f.txt", strings.NewReader("x"), &storage.UploadRequest{ContentLength: 1})
	require.NoError(t, err)

	err = h.fs.Rename(ctx, "/a/f.txt", "/b/f.txt")
	_, ok := err.(errtypes.IsBadRequest)
	assert.True(t, ok)

	err = h.fs.Copy(ctx, "/a/f.txt", "/b/f.txt")
	_, ok = err.(errtypes.IsBadRequest)
	assert.True(t, ok)
}

func TestDeleteBatchWithinMount(t *testing.T) {
	h := newHarness(t, nil)
	h.addLocalMount(t, "/files")
	ctx := adminCtx()

	for _, n := range []string{"/files/a.txt", "/files/b.txt"} {
		_, err := h.fs.Upload(ctx, n, strings.NewReader("x"), &storage.UploadRequest{ContentLength: 1})
		require.NoError(t, err)
	}

	require.NoError(t, h.fs.Delete(ctx, []string{"/files/a.txt", "/files/b.txt"}))
	infos, err := h.fs.List(ctx, "/files")
	require.NoError(t, err)
	assert.Empty(t, infos)

	err = h.fs.Delete(ctx, []string{"/files"})
	_, ok := err.(errtypes.IsBadRequest)
	assert.True(t, ok, "mount root cannot be deleted")
}

func TestSearchFansOutOverMounts(t *testing.T) {
	h := newHarness(t, nil)
	h.addLocalMount(t, "/a")
	h.addLocalMount(t, "/b")
	ctx := adminCtx()

	_, err := h.fs.Upload(ctx, "/a/notes.txt", strings.NewReader("x"), &storage.UploadRequest{ContentLength: 1})
	require.NoError(t, err)
	_, err = h.fs.Upload(ctx, "/b/more-notes.md", strings.NewReader("x"), &storage.UploadRequest{ContentLength: 1})
	require.NoError(t, err)

	hits, err := h.fs.Search(ctx, "/", "notes", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = h.fs.Search(ctx, "/a", "notes", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = h.fs.Search(ctx, "/", "   ", 10)
	_, ok := err.(errtypes.IsBadRequest)
	assert.True(t, ok)
}

func TestAnonymousIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.addLocalMount(t, "/files")
	ctx := context.Background()

	_, err := h.fs.List(ctx, "/")
	_, ok := err.(errtypes.IsUserRequired)
	assert.True(t, ok)

	_, err = h.fs.Stat(ctx, "/files")
	_, ok = err.(errtypes.IsUserRequired)
	assert.True(t, ok)
}

func TestUploadSizeLimit(t *testing.T) {
	max := int64(4)
	h := newHarness(t, &max)
	h.addLocalMount(t, "/files")
	ctx := adminCtx()

	_, err := h.fs.Upload(ctx, "/files/big.bin", strings.NewReader("12345"), &storage.UploadRequest{ContentLength: 5})
	_, ok := err.(errtypes.IsQuotaExceeded)
	assert.True(t, ok)

	_, err = h.fs.Upload(ctx, "/files/ok.bin", strings.NewReader("1234"), &storage.UploadRequest{ContentLength: 4})
	assert.NoError(t, err)
}
