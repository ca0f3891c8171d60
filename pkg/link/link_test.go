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

package link

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistor/unistor/pkg/crypto"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/store/model"
)

// presignDriver is a minimal presigning backend.
type presignDriver struct {
	downloadURL string
}

func (d *presignDriver) Type() storage.Type                   { return "s3" }
func (d *presignDriver) HasCapability(storage.Capability) bool { return true }
func (d *presignDriver) Initialize(context.Context) error      { return nil }
func (d *presignDriver) IsInitialized() bool                   { return true }
func (d *presignDriver) Cleanup(context.Context) error         { return nil }

func (d *presignDriver) GenerateUploadURL(context.Context, string, *storage.UploadRequest, time.Duration) (*storage.PresignedUpload, error) {
	return nil, nil
}

func (d *presignDriver) GenerateDownloadURL(_ context.Context, subPath string, expiry time.Duration, _ bool) (*storage.PresignedDownload, error) {
	return &storage.PresignedDownload{URL: d.downloadURL, ExpiresIn: int64(expiry.Seconds())}, nil
}

func testService() *Service {
	return NewService(crypto.NewSigner("test-secret"), "https://gw.example.com/")
}

func TestGenerateShareProxy(t *testing.T) {
	s := testService()
	l, err := s.Generate(context.Background(), &Request{
		Config:   &model.StorageConfig{ID: "c1", CustomHost: "https://cdn.example.com"},
		Slug:     "abc12345",
		UseProxy: true,
		Download: true,
	})
	require.NoError(t, err)
	assert.Equal(t, KindShareProxy, l.Kind)
	assert.Equal(t, "https://gw.example.com/api/s/abc12345?mode=download", l.URL)
}

func TestGenerateCustomHost(t *testing.T) {
	s := testService()
	l, err := s.Generate(context.Background(), &Request{
		Config:      &model.StorageConfig{ID: "c1", CustomHost: "https://cdn.example.com/"},
		StoragePath: "shares/report 1.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, KindCustomHost, l.Kind)
	assert.Equal(t, "https://cdn.example.com/shares/report%201.pdf", l.URL)
}

func TestGeneratePresigned(t *testing.T) {
	s := testService()
	l, err := s.Generate(context.Background(), &Request{
		Config:  &model.StorageConfig{ID: "c1", SignatureExpiresIn: 600},
		Driver:  &presignDriver{downloadURL: "https://bucket.s3.example.com/k?X-Amz-Signature=x"},
		SubPath: "/k",
	})
	require.NoError(t, err)
	assert.Equal(t, KindPresigned, l.Kind)
	assert.Equal(t, int64(600), l.ExpiresIn)
	assert.Contains(t, l.URL, "X-Amz-Signature")
}

func TestGenerateURLProxyRewrite(t *testing.T) {
	s := testService()
	l, err := s.Generate(context.Background(), &Request{
		Config: &model.StorageConfig{
			ID:       "c1",
			URLProxy: "https://relay.example.com/s3",
		},
		Driver:  &presignDriver{downloadURL: "https://bucket.s3.example.com/k?X-Amz-Signature=x"},
		SubPath: "/k",
	})
	require.NoError(t, err)
	assert.Equal(t, KindURLProxy, l.Kind)
	assert.True(t, strings.HasPrefix(l.URL, "https://relay.example.com/s3/k"), l.URL)
	// the query string survives the rebase
	assert.Contains(t, l.URL, "X-Amz-Signature=x")
}

func TestGenerateWebProxyFallback(t *testing.T) {
	s := testService()
	m := &model.Mount{ID: "m1", MountPath: "/dav"}
	cfg := &model.StorageConfig{ID: "c1"}
	l, err := s.Generate(context.Background(), &Request{
		Config:  cfg,
		Mount:   m,
		SubPath: "/folder/file.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, KindWebProxy, l.Kind)

	u, err := url.Parse(l.URL)
	require.NoError(t, err)
	assert.Equal(t, "/api/p/dav/folder/file.txt", u.Path)

	// the embedded signature must verify for the same mount
	q := u.Query()
	require.NoError(t, s.VerifyProxyPath("/dav/folder/file.txt", m, cfg, q.Get("sig"), q.Get("ts")))
	assert.Error(t, s.VerifyProxyPath("/dav/folder/file.txt", &model.Mount{ID: "m2"}, cfg, q.Get("sig"), q.Get("ts")))
}

func TestGenerateWebProxyMountForcesLocalRoute(t *testing.T) {
	s := testService()
	m := &model.Mount{ID: "m1", MountPath: "/dav", WebProxy: true}
	l, err := s.Generate(context.Background(), &Request{
		Config: &model.StorageConfig{
			ID:         "c1",
			CustomHost: "https://cdn.example.com",
		},
		Mount:       m,
		Driver:      &presignDriver{downloadURL: "https://bucket.s3.example.com/k?X-Amz-Signature=x"},
		StoragePath: "k",
		SubPath:     "/k",
	})
	require.NoError(t, err)
	assert.Equal(t, KindWebProxy, l.Kind)

	u, err := url.Parse(l.URL)
	require.NoError(t, err)
	assert.Equal(t, "/api/p/dav/k", u.Path)
	assert.NotContains(t, l.URL, "cdn.example.com")
	assert.NotContains(t, l.URL, "X-Amz-Signature")
}

func TestGenerateNoStrategy(t *testing.T) {
	s := testService()
	_, err := s.Generate(context.Background(), &Request{
		Config: &model.StorageConfig{ID: "c1"},
	})
	assert.Error(t, err)

	_, err = s.Generate(context.Background(), &Request{})
	assert.Error(t, err)
}

func TestNeedsSignature(t *testing.T) {
	assert.True(t, NeedsSignature(nil))
	assert.True(t, NeedsSignature(&model.Mount{WebProxy: true}))
	assert.True(t, NeedsSignature(&model.Mount{WebDAVPolicy: model.WebDAVPolicyProxyOnly}))
	assert.False(t, NeedsSignature(&model.Mount{WebDAVPolicy: model.WebDAVPolicyDefault}))
}
