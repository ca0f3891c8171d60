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

// Package objectstore is the storage-first façade: operations address a
// storage config and a backend path directly, without going through the
// virtual tree. It backs the share flow, where objects live under planned
// keys and are reached by slug, not by browsing.
package objectstore

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/thanhpk/randstr"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/link"
	"github.com/unistor/unistor/pkg/share"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/cache"
	storageconfig "github.com/unistor/unistor/pkg/storage/config"
	"github.com/unistor/unistor/pkg/storage/registry"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/utils"
)

const suffixLength = 8

// Store is the storage-first façade.
type Store struct {
	configs  *storageconfig.Store
	drivers  *cache.Cache
	settings *store.Settings
	shares   *share.Service
	links    *link.Service
}

// New returns an object store façade.
func New(configs *storageconfig.Store, drivers *cache.Cache, settings *store.Settings, shares *share.Service, links *link.Service) *Store {
	return &Store{
		configs:  configs,
		drivers:  drivers,
		settings: settings,
		shares:   shares,
		links:    links,
	}
}

func (s *Store) driverFor(c context.Context, cfg *model.StorageConfig) (storage.Driver, error) {
	t := storage.Type(cfg.Type)
	return s.drivers.Get(c, t, cfg.ID, "", func(cc context.Context) (storage.Driver, error) {
		m, err := s.configs.RuntimeConfig(cc, cfg)
		if err != nil {
			return nil, err
		}
		return registry.Create(cc, t, m)
	})
}

func (s *Store) config(c context.Context, configID string) (*model.StorageConfig, error) {
	if configID != "" {
		return s.configs.Get(c, configID)
	}
	return nil, errtypes.BadRequest("storage config id required")
}

// PlanKey computes the backend key for a new object under the given
// naming strategy. taken reports whether a record already occupies a
// candidate key; under random_suffix the suffix is appended only when
// the plain key is taken. Callers read the strategy once per request and
// pass it through so a runtime flip cannot split one upload across
// strategies.
func PlanKey(folder, fileName, strategy string, taken func(key string) (bool, error)) (string, error) {
	name := strings.TrimSpace(fileName)
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "", errtypes.BadRequest("invalid file name")
	}
	folder = strings.Trim(folder, "/")
	join := func(n string) string {
		if folder == "" {
			return n
		}
		return folder + "/" + n
	}
	key := join(name)
	if strategy == store.NamingRandomSuffix && taken != nil {
		inUse, err := taken(key)
		if err != nil {
			return "", err
		}
		if inUse {
			base, ext := utils.SplitExt(name)
			key = join(base + "-" + strings.ToLower(randstr.String(suffixLength)) + ext)
		}
	}
	return key, nil
}

// keyTaken reports key occupancy against the share records of a config.
func (s *Store) keyTaken(c context.Context, configID string) func(string) (bool, error) {
	return func(key string) (bool, error) {
		_, err := s.shares.GetByStoragePath(c, configID, key)
		if err != nil {
			if _, ok := err.(errtypes.IsNotFound); ok {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
}

// PlannedUpload is the outcome of planning or presigning an upload.
type PlannedUpload struct {
	StoragePath string                   `json:"storagePath"`
	Presigned   *storage.PresignedUpload `json:"presigned,omitempty"`
}

// PresignUpload plans a key and returns a presigned upload for it.
func (s *Store) PresignUpload(c context.Context, configID, folder, fileName string, size int64) (*PlannedUpload, error) {
	if max := s.settings.MaxUploadSize(c); max > 0 && size > max {
		return nil, errtypes.QuotaExceeded("file exceeds the maximum upload size")
	}
	cfg, err := s.config(c, configID)
	if err != nil {
		return nil, err
	}
	strategy := s.settings.NamingStrategy(c)
	key, err := PlanKey(folder, fileName, strategy, s.keyTaken(c, cfg.ID))
	if err != nil {
		return nil, err
	}
	d, err := s.driverFor(c, cfg)
	if err != nil {
		return nil, err
	}
	p, ok := d.(storage.Presigner)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot presign")
	}
	pu, err := p.GenerateUploadURL(c, "/"+key, &storage.UploadRequest{
		Filename:      fileName,
		ContentLength: size,
	}, storageconfig.SignatureExpiry(cfg))
	if err != nil {
		return nil, err
	}
	return &PlannedUpload{StoragePath: key, Presigned: pu}, nil
}

// UploadDirect streams a body to a planned key through the gateway.
func (s *Store) UploadDirect(c context.Context, configID, folder, fileName string, body io.Reader, size int64, contentType string) (*storage.UploadResult, error) {
	if max := s.settings.MaxUploadSize(c); max > 0 && size > max {
		return nil, errtypes.QuotaExceeded("file exceeds the maximum upload size")
	}
	cfg, err := s.config(c, configID)
	if err != nil {
		return nil, err
	}
	strategy := s.settings.NamingStrategy(c)
	key, err := PlanKey(folder, fileName, strategy, s.keyTaken(c, cfg.ID))
	if err != nil {
		return nil, err
	}
	d, err := s.driverFor(c, cfg)
	if err != nil {
		return nil, err
	}
	w, ok := d.(storage.Writer)
	if !ok {
		return nil, errtypes.NotSupported("backend is read only")
	}
	out, err := w.UploadFile(c, "/"+key, body, &storage.UploadRequest{
		Filename:      fileName,
		ContentType:   contentType,
		ContentLength: size,
	})
	if err != nil {
		return nil, err
	}
	if out.StoragePath == "" {
		out.StoragePath = key
	}
	return out, nil
}

// ShareOptions carries the record policy of an upload-and-share call.
type ShareOptions struct {
	Remark    string
	Password  string
	ExpiresAt *time.Time
	MaxViews  int
	UseProxy  bool
	Overwrite bool
	CreatedBy string
}

// SharedObject is the outcome of an upload-and-share flow.
type SharedObject struct {
	Record *model.ShareRecord `json:"record"`
	Link   *link.Link         `json:"link"`
}

// UploadForShare uploads the body and creates the share record in one
// flow. The record write enforces the config quota.
func (s *Store) UploadForShare(c context.Context, configID, folder, fileName string, body io.Reader, size int64, contentType string, opts *ShareOptions) (*SharedObject, error) {
	cfg, err := s.config(c, configID)
	if err != nil {
		return nil, err
	}
	out, err := s.UploadDirect(c, configID, folder, fileName, body, size, contentType)
	if err != nil {
		return nil, err
	}
	return s.commit(c, cfg, out.StoragePath, fileName, size, contentType, opts)
}

// CommitUpload creates the share record for an object the client uploaded
// through a presigned URL. The object is stat'ed so the record carries
// the real size, not the client's claim.
func (s *Store) CommitUpload(c context.Context, configID, storagePath string, opts *ShareOptions) (*SharedObject, error) {
	cfg, err := s.config(c, configID)
	if err != nil {
		return nil, err
	}
	d, err := s.driverFor(c, cfg)
	if err != nil {
		return nil, err
	}
	r, ok := d.(storage.Reader)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot stat")
	}
	fi, err := r.GetFileInfo(c, "/"+strings.TrimPrefix(storagePath, "/"))
	if err != nil {
		return nil, err
	}
	return s.commit(c, cfg, strings.TrimPrefix(storagePath, "/"), fi.Name, fi.Size, fi.MimeType, opts)
}

func (s *Store) commit(c context.Context, cfg *model.StorageConfig, storagePath, fileName string, size int64, contentType string, opts *ShareOptions) (*SharedObject, error) {
	if opts == nil {
		opts = &ShareOptions{}
	}
	if contentType == "" {
		contentType = utils.MimeTypeByName(fileName)
	}
	rec, err := s.shares.Create(c, &share.CreateRequest{
		StorageConfigID: cfg.ID,
		StoragePath:     storagePath,
		MimeType:        contentType,
		Size:            size,
		Remark:          opts.Remark,
		Password:        opts.Password,
		ExpiresAt:       opts.ExpiresAt,
		MaxViews:        opts.MaxViews,
		UseProxy:        opts.UseProxy,
		CreatedBy:       opts.CreatedBy,
		Overwrite:       opts.Overwrite,
		ConfigQuota:     cfg.TotalStorageBytes,
	})
	if err != nil {
		return nil, err
	}
	l, err := s.linkFor(c, cfg, rec, false)
	if err != nil {
		return nil, err
	}
	return &SharedObject{Record: rec, Link: l}, nil
}

// LinksByStoragePath renders the link for the object at the given path,
// using its share record when one exists.
func (s *Store) LinksByStoragePath(c context.Context, configID, storagePath string, download bool) (*link.Link, error) {
	cfg, err := s.config(c, configID)
	if err != nil {
		return nil, err
	}
	storagePath = strings.TrimPrefix(storagePath, "/")
	rec, err := s.shares.GetByStoragePath(c, cfg.ID, storagePath)
	if err != nil {
		if _, ok := err.(errtypes.IsNotFound); !ok {
			return nil, err
		}
		rec = nil
	}
	return s.linkFor(c, cfg, recOrPath(rec, storagePath), download)
}

func recOrPath(rec *model.ShareRecord, storagePath string) *model.ShareRecord {
	if rec != nil {
		return rec
	}
	return &model.ShareRecord{StoragePath: storagePath}
}

func (s *Store) linkFor(c context.Context, cfg *model.StorageConfig, rec *model.ShareRecord, download bool) (*link.Link, error) {
	d, err := s.driverFor(c, cfg)
	if err != nil {
		return nil, err
	}
	return s.links.Generate(c, &link.Request{
		Config:      cfg,
		Driver:      d,
		StoragePath: rec.StoragePath,
		SubPath:     "/" + strings.TrimPrefix(rec.StoragePath, "/"),
		Slug:        rec.Slug,
		UseProxy:    rec.UseProxy,
		Download:    download,
	})
}

// DownloadByStoragePath streams the object at the given backend path.
func (s *Store) DownloadByStoragePath(c context.Context, configID, storagePath string, req *storage.DownloadRequest) (*storage.Object, error) {
	cfg, err := s.config(c, configID)
	if err != nil {
		return nil, err
	}
	d, err := s.driverFor(c, cfg)
	if err != nil {
		return nil, err
	}
	r, ok := d.(storage.Reader)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot download")
	}
	return r.DownloadFile(c, "/"+strings.TrimPrefix(storagePath, "/"), req)
}

// DeleteByStoragePath removes the object and, when present, its record.
func (s *Store) DeleteByStoragePath(c context.Context, configID, storagePath string) error {
	cfg, err := s.config(c, configID)
	if err != nil {
		return err
	}
	d, err := s.driverFor(c, cfg)
	if err != nil {
		return err
	}
	w, ok := d.(storage.Writer)
	if !ok {
		return errtypes.NotSupported("backend is read only")
	}
	storagePath = strings.TrimPrefix(storagePath, "/")
	if err := w.DeleteItems(c, []string{"/" + storagePath}); err != nil {
		return err
	}
	rec, err := s.shares.GetByStoragePath(c, cfg.ID, storagePath)
	if err != nil {
		if _, ok := err.(errtypes.IsNotFound); ok {
			return nil
		}
		return err
	}
	return s.shares.Delete(c, rec.ID)
}
