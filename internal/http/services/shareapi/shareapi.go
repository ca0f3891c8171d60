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

// Package shareapi is the storage-first HTTP surface: upload-and-share,
// record management and the public slug route.
package shareapi

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unistor/unistor/internal/http/services/httperrors"
	uctx "github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/objectstore"
	"github.com/unistor/unistor/pkg/permission"
	"github.com/unistor/unistor/pkg/share"
	"github.com/unistor/unistor/pkg/storage"
)

// Service is the shareapi handler set.
type Service struct {
	objects *objectstore.Store
	shares  *share.Service
}

// New returns the service.
func New(objects *objectstore.Store, shares *share.Service) *Service {
	return &Service{objects: objects, shares: shares}
}

// Routes mounts the authenticated handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/upload", s.upload)
	r.Post("/presign", s.presign)
	r.Post("/commit", s.commit)
	r.Get("/records", s.listRecords)
	r.Get("/records/{id}", s.getRecord)
	r.Delete("/records/{id}", s.deleteRecord)
	r.Get("/link", s.link)
}

// PublicRoutes mounts the unauthenticated slug route on r.
func (s *Service) PublicRoutes(r chi.Router) {
	r.Get("/{slug}", s.resolveSlug)
	r.Head("/{slug}", s.resolveSlug)
}

var sharePolicy = permission.Policy{
	Require: permission.FileShare,
	Message: "no file sharing permission",
}

var manageSharePolicy = permission.Policy{
	Require: permission.FileManage,
	Message: "no file management permission",
}

func (s *Service) authorize(r *http.Request, pol permission.Policy) error {
	p, _ := uctx.ContextGetPrincipal(r.Context())
	return permission.Evaluate(r.Context(), p, pol, "")
}

func shareOptions(r *http.Request) (*objectstore.ShareOptions, error) {
	opts := &objectstore.ShareOptions{
		Remark:    r.FormValue("remark"),
		Password:  r.FormValue("password"),
		UseProxy:  r.FormValue("useProxy") == "true",
		Overwrite: r.FormValue("overwrite") == "true",
	}
	if v := r.FormValue("maxViews"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errtypes.BadRequest("malformed maxViews")
		}
		opts.MaxViews = n
	}
	if v := r.FormValue("expiresIn"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs <= 0 {
			return nil, errtypes.BadRequest("malformed expiresIn")
		}
		t := time.Now().Add(time.Duration(secs) * time.Second)
		opts.ExpiresAt = &t
	}
	if p, ok := uctx.ContextGetPrincipal(r.Context()); ok {
		opts.CreatedBy = p.Name
	}
	return opts, nil
}

// upload accepts a multipart form with a "file" field and share options.
func (s *Service) upload(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, sharePolicy); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("file field required"))
		return
	}
	defer f.Close()
	opts, err := shareOptions(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	out, err := s.objects.UploadForShare(r.Context(),
		r.FormValue("configId"), r.FormValue("folder"), hdr.Filename,
		f, hdr.Size, hdr.Header.Get("Content-Type"), opts)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, out)
}

func (s *Service) presign(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, sharePolicy); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	var body struct {
		ConfigID string `json:"configId"`
		Folder   string `json:"folder"`
		FileName string `json:"fileName"`
		Size     int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	out, err := s.objects.PresignUpload(r.Context(), body.ConfigID, body.Folder, body.FileName, body.Size)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) commit(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, sharePolicy); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	var body struct {
		ConfigID    string `json:"configId"`
		StoragePath string `json:"storagePath"`
		Remark      string `json:"remark"`
		Password    string `json:"password"`
		MaxViews    int    `json:"maxViews"`
		ExpiresIn   int64  `json:"expiresIn"`
		UseProxy    bool   `json:"useProxy"`
		Overwrite   bool   `json:"overwrite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	opts := &objectstore.ShareOptions{
		Remark:    body.Remark,
		Password:  body.Password,
		MaxViews:  body.MaxViews,
		UseProxy:  body.UseProxy,
		Overwrite: body.Overwrite,
	}
	if body.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
		opts.ExpiresAt = &t
	}
	if p, ok := uctx.ContextGetPrincipal(r.Context()); ok {
		opts.CreatedBy = p.Name
	}
	out, err := s.objects.CommitUpload(r.Context(), body.ConfigID, body.StoragePath, opts)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, out)
}

func (s *Service) listRecords(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, manageSharePolicy); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, total, err := s.shares.List(r.Context(), r.URL.Query().Get("configId"), offset, limit)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"total": total,
	})
}

func (s *Service) getRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, manageSharePolicy); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	rec, err := s.shares.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, rec)
}

func (s *Service) deleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, manageSharePolicy); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	rec, err := s.shares.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if r.URL.Query().Get("purge") == "true" {
		if err := s.objects.DeleteByStoragePath(r.Context(), rec.StorageConfigID, rec.StoragePath); err != nil {
			httperrors.Write(w, r, err)
			return
		}
		httperrors.WriteJSON(w, http.StatusNoContent, nil)
		return
	}
	if err := s.shares.Delete(r.Context(), rec.ID); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

func (s *Service) link(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, sharePolicy); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	l, err := s.objects.LinksByStoragePath(r.Context(),
		r.URL.Query().Get("configId"),
		r.URL.Query().Get("storagePath"),
		r.URL.Query().Get("mode") == "download")
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, l)
}

// resolveSlug serves the public share route: policy checks, then either a
// redirect to the backend link or an inline stream through the gateway.
func (s *Service) resolveSlug(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	password := r.URL.Query().Get("password")
	if password == "" {
		password = r.Header.Get("X-Share-Password")
	}
	rec, err := s.shares.Resolve(r.Context(), slug, password)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	download := r.URL.Query().Get("mode") == "download"

	if !rec.UseProxy {
		l, err := s.objects.LinksByStoragePath(r.Context(), rec.StorageConfigID, rec.StoragePath, download)
		if err != nil {
			httperrors.Write(w, r, err)
			return
		}
		http.Redirect(w, r, l.URL, http.StatusFound)
		return
	}

	obj, err := s.objects.DownloadByStoragePath(r.Context(), rec.StorageConfigID, rec.StoragePath, &storage.DownloadRequest{
		Range:    r.Header.Get("Range"),
		Download: download,
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
	if download {
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
