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

// Package fsapi is the path-first HTTP surface: browsing, transfers,
// presigning and the multipart session protocol, all addressed by
// virtual path.
package fsapi

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/unistor/unistor/internal/http/services/httperrors"
	uctx "github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/link"
	"github.com/unistor/unistor/pkg/permission"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/utils"
	"github.com/unistor/unistor/pkg/vfs"
)

// Service is the fsapi handler set.
type Service struct {
	fs    *vfs.FS
	links *link.Service
}

// New returns the service.
func New(fs *vfs.FS, links *link.Service) *Service {
	return &Service{fs: fs, links: links}
}

// Routes mounts the handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/list", s.list)
	r.Get("/stat", s.stat)
	r.Get("/download", s.download)
	r.Put("/upload", s.upload)
	r.Post("/upload", s.uploadForm)
	r.Post("/mkdir", s.mkdir)
	r.Post("/delete", s.del)
	r.Post("/rename", s.rename)
	r.Post("/copy", s.copy)
	r.Get("/search", s.search)
	r.Get("/link", s.link)
	r.Get("/presign/download", s.presignDownload)
	r.Post("/presign/upload", s.presignUpload)
	r.Post("/presign/commit", s.presignCommit)
	r.Post("/multipart/init", s.multipartInit)
	r.Post("/multipart/complete", s.multipartComplete)
	r.Post("/multipart/abort", s.multipartAbort)
	r.Get("/multipart/parts", s.multipartParts)
	r.Post("/multipart/refresh", s.multipartRefresh)
	r.Put("/multipart/chunk", s.multipartChunk)
	r.Post("/multipart/progress", s.multipartProgress)
}

var (
	readPolicy = permission.Policy{
		Require:   permission.MountView,
		PathCheck: &permission.PathCheck{Mode: permission.PathModeNavigation},
		Message:   "no read access to this path",
	}
	uploadPolicy = permission.Policy{
		Require:   permission.MountUpload,
		PathCheck: &permission.PathCheck{Mode: permission.PathModeExact},
		Message:   "no upload access to this path",
	}
	deletePolicy = permission.Policy{
		Require:   permission.MountDelete,
		PathCheck: &permission.PathCheck{Mode: permission.PathModeExact},
		Message:   "no delete access to this path",
	}
	renamePolicy = permission.Policy{
		Require:   permission.MountRename,
		PathCheck: &permission.PathCheck{Mode: permission.PathModeExact},
		Message:   "no rename access to this path",
	}
	copyPolicy = permission.Policy{
		Require:   permission.MountCopy,
		PathCheck: &permission.PathCheck{Mode: permission.PathModeExact},
		Message:   "no copy access to this path",
	}
)

func (s *Service) authorize(r *http.Request, pol permission.Policy, path string) error {
	p, _ := uctx.ContextGetPrincipal(r.Context())
	return permission.Evaluate(r.Context(), p, pol, path)
}

func pathParam(r *http.Request) (string, error) {
	p := r.URL.Query().Get("path")
	if p == "" {
		return "", errtypes.BadRequest("path query parameter required")
	}
	return p, nil
}

func (s *Service) list(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	if err := s.authorize(r, readPolicy, path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	infos, err := s.fs.List(r.Context(), path)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": infos})
}

func (s *Service) stat(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, readPolicy, path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	fi, err := s.fs.Stat(r.Context(), path)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, fi)
}

func (s *Service) download(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, readPolicy, path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	obj, err := s.fs.Download(r.Context(), path, &storage.DownloadRequest{
		Range:    r.Header.Get("Range"),
		Download: r.URL.Query().Get("mode") == "download",
	})
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	defer obj.Body.Close()
	writeObject(w, r, obj)
}

func writeObject(w http.ResponseWriter, r *http.Request, obj *storage.Object) {
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
	if obj.Info.ETag != "" {
		w.Header().Set("ETag", `"`+obj.Info.ETag+`"`)
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
	_, _ = io.Copy(w, obj.Body)
}

func (s *Service) upload(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, uploadPolicy, path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	defer r.Body.Close()
	out, err := s.fs.Upload(r.Context(), path, r.Body, &storage.UploadRequest{
		Filename:      path[strings.LastIndex(path, "/")+1:],
		ContentType:   r.Header.Get("Content-Type"),
		ContentLength: r.ContentLength,
		UploadID:      r.URL.Query().Get("upload_id"),
	})
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, out)
}

// uploadForm is the multipart/form-data variant: the target directory
// comes from the path field, the name from the file part.
func (s *Service) uploadForm(w http.ResponseWriter, r *http.Request) {
	dir := r.FormValue("path")
	if dir == "" {
		dir = r.URL.Query().Get("path")
	}
	if dir == "" {
		httperrors.Write(w, r, errtypes.BadRequest("path form field required"))
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("file form field required"))
		return
	}
	defer file.Close()
	name := hdr.Filename
	// browsers may send a full client side path
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		httperrors.Write(w, r, errtypes.BadRequest("file part without a name"))
		return
	}
	target := utils.JoinPath(dir, name)
	if err := s.authorize(r, uploadPolicy, target); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	out, err := s.fs.Upload(r.Context(), target, file, &storage.UploadRequest{
		Filename:      name,
		ContentType:   hdr.Header.Get("Content-Type"),
		ContentLength: hdr.Size,
		UploadID:      r.FormValue("upload_id"),
	})
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, out)
}

type pathBody struct {
	Path string `json:"path"`
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errtypes.BadRequest("malformed request body")
	}
	return nil
}

func (s *Service) mkdir(w http.ResponseWriter, r *http.Request) {
	var body pathBody
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, uploadPolicy, body.Path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.fs.Mkdir(r.Context(), body.Path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, nil)
}

func (s *Service) del(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paths []string `json:"paths"`
	}
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	for _, p := range body.Paths {
		if err := s.authorize(r, deletePolicy, p); err != nil {
			httperrors.Write(w, r, err)
			return
		}
	}
	if err := s.fs.Delete(r.Context(), body.Paths); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

func (s *Service) rename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, renamePolicy, body.OldPath); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, renamePolicy, body.NewPath); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.fs.Rename(r.Context(), body.OldPath, body.NewPath); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

func (s *Service) copy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SrcPath string `json:"srcPath"`
		DstPath string `json:"dstPath"`
	}
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, copyPolicy, body.SrcPath); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, copyPolicy, body.DstPath); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.fs.Copy(r.Context(), body.SrcPath, body.DstPath); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

func (s *Service) search(w http.ResponseWriter, r *http.Request) {
	base := r.URL.Query().Get("path")
	if base == "" {
		base = "/"
	}
	if err := s.authorize(r, readPolicy, base); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hits, err := s.fs.Search(r.Context(), base, r.URL.Query().Get("q"), limit)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": hits})
}

// link renders the external URL for a file: the signed gateway proxy for
// web proxied mounts, a presigned or custom host URL where the backend
// allows it.
func (s *Service) link(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, readPolicy, path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	d, cfg, res, err := s.fs.DriverByPath(r.Context(), path)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	l, err := s.links.Generate(r.Context(), &link.Request{
		Config:      cfg,
		Mount:       res.Mount,
		Driver:      d,
		StoragePath: strings.TrimPrefix(res.SubPath, "/"),
		SubPath:     res.SubPath,
		Download:    r.URL.Query().Get("mode") == "download",
	})
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, l)
}

func (s *Service) presignDownload(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, readPolicy, path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	out, err := s.fs.PresignDownload(r.Context(), path, r.URL.Query().Get("mode") == "download")
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) presignUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path        string `json:"path"`
		FileName    string `json:"fileName"`
		Size        int64  `json:"size"`
		ContentType string `json:"contentType"`
	}
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, uploadPolicy, body.Path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	out, err := s.fs.PresignUpload(r.Context(), body.Path, &storage.UploadRequest{
		Filename:      body.FileName,
		ContentType:   body.ContentType,
		ContentLength: body.Size,
	})
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) presignCommit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetPath string `json:"targetPath"`
		FileSize   int64  `json:"fileSize"`
		ETag       string `json:"etag"`
	}
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, uploadPolicy, body.TargetPath); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	fi, err := s.fs.CommitPresigned(r.Context(), body.TargetPath, body.FileSize)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, fi)
}

func (s *Service) multipartInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path     string `json:"path"`
		FileName string `json:"fileName"`
		FileSize int64  `json:"fileSize"`
		PartSize int64  `json:"partSize"`
	}
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.authorize(r, uploadPolicy, body.Path); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	out, err := s.fs.InitMultipart(r.Context(), body.Path, body.FileName, body.FileSize, body.PartSize)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

func sessionRef(r *http.Request) (string, error) {
	ref := r.URL.Query().Get("session")
	if ref == "" {
		return "", errtypes.BadRequest("session query parameter required")
	}
	return ref, nil
}

func (s *Service) multipartComplete(w http.ResponseWriter, r *http.Request) {
	ref, err := sessionRef(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	var body struct {
		Parts []storage.CompletedPart `json:"parts"`
	}
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	out, err := s.fs.CompleteMultipart(r.Context(), ref, body.Parts)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) multipartAbort(w http.ResponseWriter, r *http.Request) {
	ref, err := sessionRef(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.fs.AbortMultipart(r.Context(), ref); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

func (s *Service) multipartParts(w http.ResponseWriter, r *http.Request) {
	ref, err := sessionRef(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	out, err := s.fs.ListParts(r.Context(), ref)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) multipartRefresh(w http.ResponseWriter, r *http.Request) {
	ref, err := sessionRef(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	var body struct {
		PartNumbers []int `json:"partNumbers"`
	}
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	urls, err := s.fs.RefreshPartURLs(r.Context(), ref, body.PartNumbers)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]interface{}{"presignedUrls": urls})
}

func (s *Service) multipartChunk(w http.ResponseWriter, r *http.Request) {
	ref, err := sessionRef(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	rng, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	defer r.Body.Close()
	out, err := s.fs.ForwardChunk(r.Context(), ref, rng, r.Body)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) multipartProgress(w http.ResponseWriter, r *http.Request) {
	ref, err := sessionRef(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	var body struct {
		BytesUploaded     int64  `json:"bytesUploaded"`
		UploadedParts     int    `json:"uploadedParts"`
		NextExpectedRange string `json:"nextExpectedRange"`
	}
	if err := decode(r, &body); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if err := s.fs.ReportProgress(r.Context(), ref, body.BytesUploaded, body.UploadedParts, body.NextExpectedRange); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

// parseContentRange parses "bytes <start>-<end>/<total>".
func parseContentRange(h string) (storage.ContentRange, error) {
	var rng storage.ContentRange
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "bytes ") {
		return rng, errtypes.BadRequest("Content-Range header required")
	}
	spec := strings.TrimPrefix(h, "bytes ")
	slash := strings.Index(spec, "/")
	dash := strings.Index(spec, "-")
	if slash < 0 || dash < 0 || dash > slash {
		return rng, errtypes.BadRequest("malformed Content-Range")
	}
	var err error
	if rng.Start, err = strconv.ParseInt(spec[:dash], 10, 64); err != nil {
		return rng, errtypes.BadRequest("malformed Content-Range")
	}
	if rng.End, err = strconv.ParseInt(spec[dash+1:slash], 10, 64); err != nil {
		return rng, errtypes.BadRequest("malformed Content-Range")
	}
	if rng.Total, err = strconv.ParseInt(spec[slash+1:], 10, 64); err != nil {
		return rng, errtypes.BadRequest("malformed Content-Range")
	}
	if rng.Start < 0 || rng.End < rng.Start || rng.Total <= rng.End {
		return rng, errtypes.BadRequest("inconsistent Content-Range")
	}
	return rng, nil
}
