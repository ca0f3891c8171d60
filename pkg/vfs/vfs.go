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

// Package vfs is the path-first façade over the storage plane. Every
// operation resolves the virtual path to a mount, checks the principal
// may use the mount's config, acquires the cached driver and delegates.
// Ancestor directories of mounts exist only virtually and are
// synthesized into listings.
package vfs

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v2"

	"github.com/unistor/unistor/pkg/appctx"
	uctx "github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/mount"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/cache"
	storageconfig "github.com/unistor/unistor/pkg/storage/config"
	"github.com/unistor/unistor/pkg/storage/registry"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/upload"
	"github.com/unistor/unistor/pkg/utils"
)

const (
	listingTTL = 15 * time.Second
	// SearchLimitMax clamps the fan-out result size.
	SearchLimitMax = 200
)

// FS is the filesystem façade.
type FS struct {
	mounts   *mount.Registry
	configs  *storageconfig.Store
	drivers  *cache.Cache
	ledger   *upload.Ledger
	settings *store.Settings
	listings *ttlcache.Cache
}

// New returns a façade over the given stores.
func New(mounts *mount.Registry, configs *storageconfig.Store, drivers *cache.Cache, ledger *upload.Ledger, settings *store.Settings) *FS {
	listings := ttlcache.NewCache()
	_ = listings.SetTTL(listingTTL)
	listings.SkipTTLExtensionOnHit(true)
	return &FS{
		mounts:   mounts,
		configs:  configs,
		drivers:  drivers,
		ledger:   ledger,
		settings: settings,
		listings: listings,
	}
}

// PurgeListings drops every cached listing. Wired to mount mutations.
func (f *FS) PurgeListings() { _ = f.listings.Purge() }

func (f *FS) dropListing(mountID, subPath string) {
	_ = f.listings.Remove(listingKey(mountID, subPath))
}

func listingKey(mountID, subPath string) string {
	return mountID + ":" + utils.NormalizePath(subPath, false)
}

func parentOf(p string) string {
	p = utils.NormalizePath(p, false)
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// resolve maps the virtual path and checks the principal may use the
// mount. Accessibility follows the mount registry: path scope plus the
// storage ACL or the config's public flag.
func (f *FS) resolve(c context.Context, path string) (*mount.Resolved, error) {
	res, err := f.mounts.ResolveByPath(c, path)
	if err != nil {
		return nil, err
	}
	if err := f.authorize(c, res.Mount); err != nil {
		return nil, err
	}
	return res, nil
}

func (f *FS) authorize(c context.Context, m *model.Mount) error {
	p, ok := uctx.ContextGetPrincipal(c)
	if !ok || p.IsAnonymous() {
		return errtypes.UserRequired("authentication required")
	}
	if p.IsAdmin() {
		return nil
	}
	accessible, err := f.mounts.FindAccessibleFor(c, p)
	if err != nil {
		return err
	}
	for _, am := range accessible {
		if am.ID == m.ID {
			return nil
		}
	}
	return errtypes.PermissionDenied("mount not accessible")
}

// driverFor acquires the cached driver for the resolved mount.
func (f *FS) driverFor(c context.Context, res *mount.Resolved) (storage.Driver, *model.StorageConfig, error) {
	cfg, err := f.configs.Get(c, res.Mount.StorageConfigID)
	if err != nil {
		return nil, nil, err
	}
	t := storage.Type(cfg.Type)
	d, err := f.drivers.Get(c, t, cfg.ID, res.Mount.ID, func(cc context.Context) (storage.Driver, error) {
		m, err := f.configs.RuntimeConfig(cc, cfg)
		if err != nil {
			return nil, err
		}
		return registry.Create(cc, t, m)
	})
	if err != nil {
		return nil, nil, err
	}
	return d, cfg, nil
}

// DriverByPath exposes driver acquisition for path based callers outside
// the façade, like the proxy service.
func (f *FS) DriverByPath(c context.Context, path string) (storage.Driver, *model.StorageConfig, *mount.Resolved, error) {
	res, err := f.resolve(c, path)
	if err != nil {
		return nil, nil, nil, err
	}
	d, cfg, err := f.driverFor(c, res)
	if err != nil {
		return nil, nil, nil, err
	}
	return d, cfg, res, nil
}

// List returns the children of a virtual directory: synthetic entries for
// mount ancestors merged with the backing driver's listing when the path
// falls inside a mount.
func (f *FS) List(c context.Context, path string) ([]*storage.FileInfo, error) {
	path = utils.NormalizePath(path, false)
	p, ok := uctx.ContextGetPrincipal(c)
	if !ok || p.IsAnonymous() {
		return nil, errtypes.UserRequired("authentication required")
	}
	accessible, err := f.mounts.FindAccessibleFor(c, p)
	if err != nil {
		return nil, err
	}

	byName := map[string]*storage.FileInfo{}
	for _, m := range accessible {
		seg := utils.FirstSegment(path, m.MountPath)
		if seg == "" {
			continue
		}
		byName[seg] = &storage.FileInfo{
			Name:     seg,
			Path:     utils.JoinPath(path, seg),
			IsDir:    true,
			MimeType: utils.DirMimeType,
		}
	}

	if path != "/" {
		if res, err := f.resolve(c, path); err == nil {
			infos, derr := f.listMount(c, res)
			if derr != nil {
				return nil, derr
			}
			for _, fi := range infos {
				// listMount may serve cached entries, rewrite a copy
				cp := *fi
				cp.Path = utils.JoinPath(path, cp.Name)
				if _, taken := byName[cp.Name]; !taken {
					byName[cp.Name] = &cp
				}
			}
			f.mounts.Touch(c, res.Mount.ID)
		} else if _, isNotFound := err.(errtypes.IsNotFound); !isNotFound {
			if len(byName) == 0 {
				return nil, err
			}
		} else if len(byName) == 0 {
			return nil, err
		}
	}

	out := make([]*storage.FileInfo, 0, len(byName))
	for _, fi := range byName {
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (f *FS) listMount(c context.Context, res *mount.Resolved) ([]*storage.FileInfo, error) {
	key := listingKey(res.Mount.ID, res.SubPath)
	if v, err := f.listings.Get(key); err == nil {
		return v.([]*storage.FileInfo), nil
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	r, ok := d.(storage.Reader)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot list")
	}
	infos, err := r.ListDirectory(c, res.SubPath)
	if err != nil {
		return nil, err
	}
	_ = f.listings.Set(key, infos)
	return infos, nil
}

// Stat returns the info of a virtual path. Mount roots and their
// ancestors stat as virtual directories.
func (f *FS) Stat(c context.Context, path string) (*storage.FileInfo, error) {
	path = utils.NormalizePath(path, false)
	p, ok := uctx.ContextGetPrincipal(c)
	if !ok || p.IsAnonymous() {
		return nil, errtypes.UserRequired("authentication required")
	}
	if path == "/" {
		return virtualDir(path), nil
	}
	res, err := f.mounts.ResolveByPath(c, path)
	if err != nil {
		if _, isNotFound := err.(errtypes.IsNotFound); isNotFound {
			// an ancestor of a mount is a virtual directory
			accessible, aerr := f.mounts.FindAccessibleFor(c, p)
			if aerr != nil {
				return nil, aerr
			}
			for _, m := range accessible {
				if utils.IsSelfOrSub(path, m.MountPath) {
					return virtualDir(path), nil
				}
			}
		}
		return nil, err
	}
	if err := f.authorize(c, res.Mount); err != nil {
		return nil, err
	}
	if res.SubPath == "/" {
		return virtualDir(path), nil
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	r, ok := d.(storage.Reader)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot stat")
	}
	fi, err := r.GetFileInfo(c, res.SubPath)
	if err != nil {
		return nil, err
	}
	fi.Path = path
	return fi, nil
}

func virtualDir(path string) *storage.FileInfo {
	name := path[strings.LastIndex(path, "/")+1:]
	if path == "/" {
		name = "/"
	}
	return &storage.FileInfo{
		Name:     name,
		Path:     path,
		IsDir:    true,
		MimeType: utils.DirMimeType,
	}
}

// Download streams a file.
func (f *FS) Download(c context.Context, path string, req *storage.DownloadRequest) (*storage.Object, error) {
	res, err := f.resolve(c, path)
	if err != nil {
		return nil, err
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	r, ok := d.(storage.Reader)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot download")
	}
	obj, err := r.DownloadFile(c, res.SubPath, req)
	if err != nil {
		return nil, err
	}
	f.mounts.Touch(c, res.Mount.ID)
	return obj, nil
}

// Upload writes a file through the gateway and invalidates the parent
// listing.
func (f *FS) Upload(c context.Context, path string, body io.Reader, req *storage.UploadRequest) (*storage.UploadResult, error) {
	if req != nil && req.ContentLength > 0 {
		if max := f.settings.MaxUploadSize(c); max > 0 && req.ContentLength > max {
			return nil, errtypes.QuotaExceeded("file exceeds the maximum upload size")
		}
	}
	res, err := f.resolve(c, path)
	if err != nil {
		return nil, err
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	w, ok := d.(storage.Writer)
	if !ok {
		return nil, errtypes.NotSupported("backend is read only")
	}
	out, err := w.UploadFile(c, res.SubPath, body, req)
	if err != nil {
		return nil, err
	}
	f.dropListing(res.Mount.ID, parentOf(res.SubPath))
	f.mounts.Touch(c, res.Mount.ID)
	return out, nil
}

// Mkdir creates a directory.
func (f *FS) Mkdir(c context.Context, path string) error {
	res, err := f.resolve(c, path)
	if err != nil {
		return err
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return err
	}
	w, ok := d.(storage.Writer)
	if !ok {
		return errtypes.NotSupported("backend is read only")
	}
	if err := w.CreateDirectory(c, res.SubPath); err != nil {
		return err
	}
	f.dropListing(res.Mount.ID, parentOf(res.SubPath))
	return nil
}

// Delete removes the given paths. All paths must live in the same mount;
// backends with the atomic capability get the whole batch in one call.
func (f *FS) Delete(c context.Context, paths []string) error {
	if len(paths) == 0 {
		return errtypes.BadRequest("no paths to delete")
	}
	res, err := f.resolve(c, paths[0])
	if err != nil {
		return err
	}
	subPaths := make([]string, 0, len(paths))
	for _, p := range paths {
		r, err := f.resolve(c, p)
		if err != nil {
			return err
		}
		if r.Mount.ID != res.Mount.ID {
			return errtypes.BadRequest("batch delete cannot span mounts")
		}
		if r.SubPath == "/" {
			return errtypes.BadRequest("cannot delete a mount root")
		}
		subPaths = append(subPaths, r.SubPath)
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return err
	}
	if a, ok := d.(storage.Atomicer); ok {
		err = a.BatchRemoveItems(c, subPaths)
	} else if w, ok := d.(storage.Writer); ok {
		err = w.DeleteItems(c, subPaths)
	} else {
		return errtypes.NotSupported("backend is read only")
	}
	if err != nil {
		return err
	}
	for _, sp := range subPaths {
		f.dropListing(res.Mount.ID, parentOf(sp))
	}
	return nil
}

// Rename moves an entry within one mount.
func (f *FS) Rename(c context.Context, oldPath, newPath string) error {
	oldRes, err := f.resolve(c, oldPath)
	if err != nil {
		return err
	}
	newRes, err := f.resolve(c, newPath)
	if err != nil {
		return err
	}
	if oldRes.Mount.ID != newRes.Mount.ID {
		return errtypes.BadRequest("rename cannot cross mounts")
	}
	if oldRes.SubPath == "/" {
		return errtypes.BadRequest("cannot rename a mount root")
	}
	d, _, err := f.driverFor(c, oldRes)
	if err != nil {
		return err
	}
	w, ok := d.(storage.Writer)
	if !ok {
		return errtypes.NotSupported("backend is read only")
	}
	if err := w.RenameItem(c, oldRes.SubPath, newRes.SubPath); err != nil {
		return err
	}
	f.dropListing(oldRes.Mount.ID, parentOf(oldRes.SubPath))
	f.dropListing(newRes.Mount.ID, parentOf(newRes.SubPath))
	return nil
}

// Copy duplicates an entry within one mount. Only backends with the
// atomic capability support it.
func (f *FS) Copy(c context.Context, srcPath, dstPath string) error {
	srcRes, err := f.resolve(c, srcPath)
	if err != nil {
		return err
	}
	dstRes, err := f.resolve(c, dstPath)
	if err != nil {
		return err
	}
	if srcRes.Mount.ID != dstRes.Mount.ID {
		return errtypes.BadRequest("copy cannot cross mounts")
	}
	d, _, err := f.driverFor(c, srcRes)
	if err != nil {
		return err
	}
	a, ok := d.(storage.Atomicer)
	if !ok {
		return errtypes.NotSupported("backend cannot copy server side")
	}
	if err := a.CopyItem(c, srcRes.SubPath, dstRes.SubPath); err != nil {
		return err
	}
	f.dropListing(dstRes.Mount.ID, parentOf(dstRes.SubPath))
	return nil
}

// Search fans out over the accessible mounts under base that can search,
// re-ranks the merged hits and clamps the result.
func (f *FS) Search(c context.Context, base, query string, limit int) ([]*storage.FileInfo, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errtypes.BadRequest("empty search query")
	}
	if limit <= 0 || limit > SearchLimitMax {
		limit = SearchLimitMax
	}
	base = utils.NormalizePath(base, false)
	p, ok := uctx.ContextGetPrincipal(c)
	if !ok || p.IsAnonymous() {
		return nil, errtypes.UserRequired("authentication required")
	}
	accessible, err := f.mounts.FindAccessibleFor(c, p)
	if err != nil {
		return nil, err
	}

	log := appctx.GetLogger(c)
	var hits []*storage.FileInfo
	for _, m := range accessible {
		sub := "/"
		switch {
		case utils.IsSelfOrSub(base, m.MountPath):
			// whole mount is inside the search base
		case utils.IsSelfOrSub(m.MountPath, base):
			sub = strings.TrimPrefix(base, m.MountPath)
			if sub == "" {
				sub = "/"
			}
		default:
			continue
		}
		res := &mount.Resolved{Mount: m, MountPath: m.MountPath, SubPath: sub}
		d, _, err := f.driverFor(c, res)
		if err != nil {
			log.Warn().Err(err).Str("mount", m.MountPath).Msg("search: driver unavailable, skipping mount")
			continue
		}
		s, ok := d.(storage.Searcher)
		if !ok {
			continue
		}
		found, err := s.SearchDirectory(c, sub, query, limit)
		if err != nil {
			log.Warn().Err(err).Str("mount", m.MountPath).Msg("search: backend error, skipping mount")
			continue
		}
		for _, fi := range found {
			fi.Path = utils.JoinPath(m.MountPath, fi.Path)
			hits = append(hits, fi)
		}
	}

	rank(hits, query)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// rank orders hits by match quality: exact name, then name prefix, then
// substring; ties break on recency.
func rank(hits []*storage.FileInfo, query string) {
	q := strings.ToLower(query)
	score := func(fi *storage.FileInfo) int {
		name := strings.ToLower(fi.Name)
		switch {
		case name == q:
			return 0
		case strings.HasPrefix(name, q):
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		si, sj := score(hits[i]), score(hits[j])
		if si != sj {
			return si < sj
		}
		return hits[i].Modified.After(hits[j].Modified)
	})
}

// PresignDownload returns a time bounded URL for the file.
func (f *FS) PresignDownload(c context.Context, path string, download bool) (*storage.PresignedDownload, error) {
	res, err := f.resolve(c, path)
	if err != nil {
		return nil, err
	}
	d, cfg, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	p, ok := d.(storage.Presigner)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot presign")
	}
	out, err := p.GenerateDownloadURL(c, res.SubPath, storageconfig.SignatureExpiry(cfg), download)
	if err != nil {
		return nil, err
	}
	f.mounts.Touch(c, res.Mount.ID)
	return out, nil
}

// PresignUpload returns a time bounded upload URL.
func (f *FS) PresignUpload(c context.Context, path string, req *storage.UploadRequest) (*storage.PresignedUpload, error) {
	if req != nil && req.ContentLength > 0 {
		if max := f.settings.MaxUploadSize(c); max > 0 && req.ContentLength > max {
			return nil, errtypes.QuotaExceeded("file exceeds the maximum upload size")
		}
	}
	res, err := f.resolve(c, path)
	if err != nil {
		return nil, err
	}
	d, cfg, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	p, ok := d.(storage.Presigner)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot presign")
	}
	out, err := p.GenerateUploadURL(c, res.SubPath, req, storageconfig.SignatureExpiry(cfg))
	if err != nil {
		return nil, err
	}
	f.dropListing(res.Mount.ID, parentOf(res.SubPath))
	return out, nil
}

// CommitPresigned acknowledges a direct-to-backend upload. The bytes
// never passed through the gateway, so the parent listing is stale and
// the size limit is checked after the fact.
func (f *FS) CommitPresigned(c context.Context, path string, size int64) (*storage.FileInfo, error) {
	if max := f.settings.MaxUploadSize(c); max > 0 && size > 0 && size > max {
		return nil, errtypes.QuotaExceeded("file exceeds the maximum upload size")
	}
	res, err := f.resolve(c, path)
	if err != nil {
		return nil, err
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	f.dropListing(res.Mount.ID, parentOf(res.SubPath))
	f.mounts.Touch(c, res.Mount.ID)
	if r, ok := d.(storage.Reader); ok {
		fi, err := r.GetFileInfo(c, res.SubPath)
		if err != nil {
			return nil, err
		}
		fi.Path = path
		return fi, nil
	}
	return &storage.FileInfo{Name: res.SubPath[strings.LastIndex(res.SubPath, "/")+1:], Path: path, Size: size}, nil
}

// UpstreamRequest builds the reverse proxy upstream for a file on a
// backend that serves HTTP itself.
func (f *FS) UpstreamRequest(c context.Context, path string) (*storage.UpstreamRequest, error) {
	res, err := f.resolve(c, path)
	if err != nil {
		return nil, err
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	u, ok := d.(storage.UpstreamHTTPer)
	if !ok {
		return nil, errtypes.NotSupported("backend has no upstream")
	}
	return u.GenerateUpstreamRequest(c, res.SubPath)
}
