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

package fsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistor/unistor/pkg/crypto"
	uctx "github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/link"
	"github.com/unistor/unistor/pkg/mount"
	"github.com/unistor/unistor/pkg/storage/cache"
	storageconfig "github.com/unistor/unistor/pkg/storage/config"
	_ "github.com/unistor/unistor/pkg/storage/fs/local"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/upload"
	"github.com/unistor/unistor/pkg/vfs"
)

// testServer wires the service onto a local mount and authenticates every
// request as the admin.
func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	configs := storageconfig.New(db, "test-secret")
	mounts := mount.NewRegistry(db)
	drivers := cache.New(4)
	ledger := upload.NewLedger(db)
	settings := store.NewSettings(db, nil)
	fs := vfs.New(mounts, configs, drivers, ledger, settings)
	links := link.NewService(crypto.NewSigner("test-secret"), "https://gw.example.com")

	ctx := context.Background()
	cfg := &model.StorageConfig{
		Name:     "files",
		Type:     "local",
		Settings: fmt.Sprintf(`{"root":%q}`, t.TempDir()),
	}
	require.NoError(t, configs.Create(ctx, cfg, nil))
	require.NoError(t, mounts.Create(ctx, &model.Mount{
		MountPath:       "/files",
		StorageConfigID: cfg.ID,
		StorageType:     "local",
		IsActive:        true,
	}))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			c := uctx.ContextSetPrincipal(req.Context(), &uctx.Principal{
				Kind: uctx.KindAdmin, ID: "admin", BasicPath: "/",
			})
			next.ServeHTTP(w, req.WithContext(c))
		})
	})
	r.Route("/api/fs", New(fs, links).Routes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestUploadFormDataCreatesFile(t *testing.T) {
	srv := testServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("path", "/files"))
	fw, err := mw.CreateFormFile("file", `C:\Users\me\report.txt`)
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/fs/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// the client side directory is stripped from the part name
	list, err := http.Get(srv.URL + "/api/fs/list?path=/files")
	require.NoError(t, err)
	defer list.Body.Close()
	var body struct {
		Items []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"items"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "report.txt", body.Items[0].Name)
	assert.Equal(t, int64(5), body.Items[0].Size)
}

func TestUploadFormDataWithoutPath(t *testing.T) {
	srv := testServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "a.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/fs/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLinkForProxiedBackend(t *testing.T) {
	srv := testServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("path", "/files"))
	fw, err := mw.CreateFormFile("file", "shared.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/fs/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// a local backend cannot presign, the link falls back to the signed
	// gateway proxy
	got, err := http.Get(srv.URL + "/api/fs/link?path=/files/shared.txt&mode=download")
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)

	var l link.Link
	require.NoError(t, json.NewDecoder(got.Body).Decode(&l))
	assert.Equal(t, link.KindWebProxy, l.Kind)
	assert.Contains(t, l.URL, "/api/p/files/shared.txt")
	assert.Contains(t, l.URL, "sig=")
	assert.Contains(t, l.URL, "mode=download")
}
