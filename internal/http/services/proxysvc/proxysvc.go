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

// Package proxysvc streams files through the gateway for backends that
// cannot presign. Requests authenticate with an HMAC signature over the
// virtual path instead of a principal, so the links work in browsers.
package proxysvc

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/unistor/unistor/internal/http/services/httperrors"
	"github.com/unistor/unistor/pkg/appctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/httpclient"
	"github.com/unistor/unistor/pkg/link"
	"github.com/unistor/unistor/pkg/mount"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/cache"
	storageconfig "github.com/unistor/unistor/pkg/storage/config"
	"github.com/unistor/unistor/pkg/storage/registry"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/utils"
)

// Service is the signed proxy handler.
type Service struct {
	mounts  *mount.Registry
	configs *storageconfig.Store
	drivers *cache.Cache
	links   *link.Service
	client  *http.Client
}

// New returns the service. The upstream client has no timeout; body
// streaming is bounded by the request context.
func New(mounts *mount.Registry, configs *storageconfig.Store, drivers *cache.Cache, links *link.Service) *Service {
	return &Service{
		mounts:  mounts,
		configs: configs,
		drivers: drivers,
		links:   links,
		client:  httpclient.New(httpclient.Timeout(0)),
	}
}

// Routes mounts the catch-all path handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/*", s.serve)
	r.Head("/*", s.serve)
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	virtual := utils.NormalizePath(chi.URLParam(r, "*"), false)

	res, err := s.mounts.ResolveByPath(r.Context(), virtual)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	cfg, err := s.configs.Get(r.Context(), res.Mount.StorageConfigID)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}

	q := r.URL.Query()
	if err := s.links.VerifyProxyPath(virtual, res.Mount, cfg, q.Get("sig"), q.Get("ts")); err != nil {
		httperrors.Write(w, r, err)
		return
	}

	d, err := s.driverFor(r, cfg, res.Mount)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	s.mounts.Touch(r.Context(), res.Mount.ID)

	if u, ok := d.(storage.UpstreamHTTPer); ok {
		s.serveUpstream(w, r, u, res)
		return
	}
	if rd, ok := d.(storage.Reader); ok {
		s.serveDirect(w, r, rd, res)
		return
	}
	httperrors.Write(w, r, errtypes.NotSupported("backend cannot serve this path"))
}

func (s *Service) driverFor(r *http.Request, cfg *model.StorageConfig, m *model.Mount) (storage.Driver, error) {
	t := storage.Type(cfg.Type)
	return s.drivers.Get(r.Context(), t, cfg.ID, m.ID, func(cc context.Context) (storage.Driver, error) {
		raw, err := s.configs.RuntimeConfig(cc, cfg)
		if err != nil {
			return nil, err
		}
		return registry.Create(cc, t, raw)
	})
}

// serveUpstream relays the backend's own HTTP endpoint. Mounts with the
// redirect policy and no upstream auth get a plain 302 instead.
func (s *Service) serveUpstream(w http.ResponseWriter, r *http.Request, u storage.UpstreamHTTPer, res *mount.Resolved) {
	up, err := u.GenerateUpstreamRequest(r.Context(), res.SubPath)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if res.Mount.WebDAVPolicy == model.WebDAVPolicyRedirect && len(up.Headers) == 0 {
		http.Redirect(w, r, up.URL, http.StatusFound)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, up.URL, nil)
	if err != nil {
		httperrors.Write(w, r, errtypes.DriverFailure("building upstream request"))
		return
	}
	for k, v := range up.Headers {
		req.Header.Set(k, v)
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		httperrors.Write(w, r, errtypes.DriverFailure("fetching from upstream"))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		appctx.GetLogger(r.Context()).Warn().
			Int("status", resp.StatusCode).Str("path", res.SubPath).
			Msg("proxy: upstream error")
		httperrors.Write(w, r, upstreamErr(resp.StatusCode))
		return
	}
	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "ETag", "Last-Modified"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}

func upstreamErr(status int) error {
	switch status {
	case http.StatusNotFound:
		return errtypes.NotFound("upstream object")
	case http.StatusUnauthorized, http.StatusForbidden:
		return errtypes.PermissionDenied("upstream object")
	default:
		return errtypes.DriverFailure("upstream status " + strconv.Itoa(status))
	}
}

func (s *Service) serveDirect(w http.ResponseWriter, r *http.Request, rd storage.Reader, res *mount.Resolved) {
	obj, err := rd.DownloadFile(r.Context(), res.SubPath, &storage.DownloadRequest{
		Range:    r.Header.Get("Range"),
		Download: r.URL.Query().Get("mode") == "download",
	})
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	defer obj.Body.Close()

	if obj.Info.MimeType != "" {
		w.Header().Set("Content-Type", obj.Info.MimeType)
	}
	if obj.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.ContentLength, 10))
	}
	if obj.AcceptRanges != "" {
		w.Header().Set("Accept-Ranges", obj.AcceptRanges)
	}
	if obj.ContentRange != "" {
		w.Header().Set("Content-Range", obj.ContentRange)
	}
	disposition := "inline"
	if r.URL.Query().Get("mode") == "download" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": obj.Info.Name}))
	status := obj.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, obj.Body)
	}
}
