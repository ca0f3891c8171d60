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

// Package local implements the driver for a directory on the local
// filesystem. It is the reference driver for tests and small single node
// deployments; every path is confined to the configured root.
package local

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/registry"
	"github.com/unistor/unistor/pkg/utils"
	"github.com/unistor/unistor/pkg/utils/cfg"
)

func init() {
	registry.Register(storage.TypeLocal, registry.Registration{
		New:          New,
		Test:         Test,
		Capabilities: capabilities,
		Schema: []storage.SchemaField{
			{Name: "root", Type: "string", Required: true},
		},
		Validate: validate,
	})
}

var capabilities = []storage.Capability{
	storage.CapReader,
	storage.CapWriter,
	storage.CapAtomic,
	storage.CapProxy,
	storage.CapSearch,
}

type config struct {
	Root string `mapstructure:"root" validate:"required"`
}

type driver struct {
	c           *config
	initialized bool
}

// New returns a new local driver.
func New(_ context.Context, m map[string]interface{}) (storage.Driver, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, err
	}
	return &driver{c: &c}, nil
}

// Test probes the root directory with the given config.
func Test(ctx context.Context, m map[string]interface{}) (*storage.TestReport, error) {
	d, err := New(ctx, m)
	if err != nil {
		return &storage.TestReport{OK: false, Message: err.Error()}, nil
	}
	start := time.Now()
	if err := d.Initialize(ctx); err != nil {
		return &storage.TestReport{OK: false, Message: err.Error()}, nil
	}
	return &storage.TestReport{OK: true, Latency: time.Since(start).Milliseconds()}, nil
}

func validate(m map[string]interface{}) *storage.ValidationResult {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return &storage.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	if !filepath.IsAbs(c.Root) {
		return &storage.ValidationResult{Valid: false, Errors: []string{"root must be an absolute path"}}
	}
	return &storage.ValidationResult{Valid: true}
}

func (d *driver) Type() storage.Type { return storage.TypeLocal }

func (d *driver) HasCapability(c storage.Capability) bool {
	for _, have := range capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (d *driver) Initialize(_ context.Context) error {
	if err := os.MkdirAll(d.c.Root, 0755); err != nil {
		return errtypes.DriverFailure("local: creating root: " + err.Error())
	}
	d.initialized = true
	return nil
}

func (d *driver) IsInitialized() bool { return d.initialized }

func (d *driver) Cleanup(_ context.Context) error {
	d.initialized = false
	return nil
}

// abs resolves subPath against the root and rejects escapes.
func (d *driver) abs(subPath string) (string, error) {
	p := filepath.Join(d.c.Root, filepath.FromSlash(utils.NormalizePath(subPath, false)))
	if p != d.c.Root && !strings.HasPrefix(p, d.c.Root+string(filepath.Separator)) {
		return "", errtypes.PermissionDenied("path escapes the storage root")
	}
	return p, nil
}

func fromDirEntry(parent string, name string, fi fs.FileInfo) *storage.FileInfo {
	info := &storage.FileInfo{
		Name:     name,
		Path:     utils.JoinPath(parent, name),
		IsDir:    fi.IsDir(),
		Modified: fi.ModTime(),
	}
	if fi.IsDir() {
		info.MimeType = utils.DirMimeType
	} else {
		info.Size = fi.Size()
		info.MimeType = utils.MimeTypeByName(name)
	}
	return info
}

func (d *driver) ListDirectory(_ context.Context, subPath string) ([]*storage.FileInfo, error) {
	p, err := d.abs(subPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, wrap(err, "listing "+subPath)
	}
	parent := utils.NormalizePath(subPath, false)
	infos := make([]*storage.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, fromDirEntry(parent, e.Name(), fi))
	}
	return infos, nil
}

func (d *driver) GetFileInfo(_ context.Context, subPath string) (*storage.FileInfo, error) {
	p, err := d.abs(subPath)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, wrap(err, "stat "+subPath)
	}
	norm := utils.NormalizePath(subPath, false)
	info := fromDirEntry(parentOf(norm), filepath.Base(p), fi)
	info.Path = norm
	return info, nil
}

func parentOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func (d *driver) DownloadFile(ctx context.Context, subPath string, req *storage.DownloadRequest) (*storage.Object, error) {
	info, err := d.GetFileInfo(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if info.IsDir {
		return nil, errtypes.BadRequest("cannot download a directory")
	}
	p, err := d.abs(subPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, wrap(err, "open "+subPath)
	}
	obj := &storage.Object{
		Info:          *info,
		AcceptRanges:  "bytes",
		ContentLength: info.Size,
		Status:        http.StatusOK,
	}
	if req != nil && req.Range != "" {
		start, end, err := parseRange(req.Range, info.Size)
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, wrap(err, "seek "+subPath)
		}
		obj.Body = &limitedFile{f: f, r: io.LimitReader(f, end-start+1)}
		obj.ContentRange = contentRange(start, end, info.Size)
		obj.ContentLength = end - start + 1
		obj.Status = http.StatusPartialContent
		return obj, nil
	}
	obj.Body = f
	return obj, nil
}

type limitedFile struct {
	f *os.File
	r io.Reader
}

func (l *limitedFile) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedFile) Close() error               { return l.f.Close() }

// UploadFile writes to a temp file next to the target and renames it into
// place so readers never see a partial write.
func (d *driver) UploadFile(_ context.Context, subPath string, body io.Reader, req *storage.UploadRequest) (*storage.UploadResult, error) {
	p, err := d.abs(subPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, wrap(err, "mkdir for "+subPath)
	}
	tmp := p + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, wrap(err, "create "+subPath)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, wrap(err, "write "+subPath)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, wrap(err, "close "+subPath)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return nil, wrap(err, "commit "+subPath)
	}
	return &storage.UploadResult{
		StoragePath: strings.TrimPrefix(utils.NormalizePath(subPath, false), "/"),
	}, nil
}

func (d *driver) CreateDirectory(_ context.Context, subPath string) error {
	p, err := d.abs(subPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return wrap(err, "mkdir "+subPath)
	}
	return nil
}

func (d *driver) DeleteItems(_ context.Context, subPaths []string) error {
	for _, sp := range subPaths {
		p, err := d.abs(sp)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(p); err != nil {
			return wrap(err, "delete "+sp)
		}
	}
	return nil
}

func (d *driver) RenameItem(_ context.Context, oldSubPath, newSubPath string) error {
	oldP, err := d.abs(oldSubPath)
	if err != nil {
		return err
	}
	newP, err := d.abs(newSubPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(newP); err == nil {
		return errtypes.AlreadyExists(newSubPath)
	}
	if err := os.MkdirAll(filepath.Dir(newP), 0755); err != nil {
		return wrap(err, "mkdir for "+newSubPath)
	}
	if err := os.Rename(oldP, newP); err != nil {
		return wrap(err, "rename "+oldSubPath)
	}
	return nil
}

func (d *driver) BatchRemoveItems(ctx context.Context, subPaths []string) error {
	return d.DeleteItems(ctx, subPaths)
}

func (d *driver) CopyItem(ctx context.Context, srcSubPath, dstSubPath string) error {
	srcInfo, err := d.GetFileInfo(ctx, srcSubPath)
	if err != nil {
		return err
	}
	if srcInfo.IsDir {
		return d.copyDir(ctx, srcSubPath, dstSubPath)
	}
	return d.copyFile(ctx, srcSubPath, dstSubPath)
}

func (d *driver) copyFile(ctx context.Context, srcSubPath, dstSubPath string) error {
	srcP, err := d.abs(srcSubPath)
	if err != nil {
		return err
	}
	src, err := os.Open(srcP)
	if err != nil {
		return wrap(err, "open "+srcSubPath)
	}
	defer src.Close()
	_, err = d.UploadFile(ctx, dstSubPath, src, nil)
	return err
}

func (d *driver) copyDir(ctx context.Context, srcSubPath, dstSubPath string) error {
	if err := d.CreateDirectory(ctx, dstSubPath); err != nil {
		return err
	}
	entries, err := d.ListDirectory(ctx, srcSubPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		src := utils.JoinPath(srcSubPath, e.Name)
		dst := utils.JoinPath(dstSubPath, e.Name)
		if err := d.CopyItem(ctx, src, dst); err != nil {
			return err
		}
	}
	return nil
}

// SearchDirectory walks the subtree collecting entries whose name contains
// the query, case insensitively, up to limit.
func (d *driver) SearchDirectory(ctx context.Context, subPath, query string, limit int) ([]*storage.FileInfo, error) {
	rootP, err := d.abs(subPath)
	if err != nil {
		return nil, err
	}
	base := utils.NormalizePath(subPath, false)
	q := strings.ToLower(query)
	var hits []*storage.FileInfo
	err = filepath.WalkDir(rootP, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == rootP {
			return nil
		}
		if !strings.Contains(strings.ToLower(entry.Name()), q) {
			return nil
		}
		fi, err := entry.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(rootP, p)
		if err != nil {
			return nil
		}
		relDir := filepath.ToSlash(filepath.Dir(rel))
		parent := base
		if relDir != "." {
			parent = utils.JoinPath(base, relDir)
		}
		hits = append(hits, fromDirEntry(parent, entry.Name(), fi))
		if limit > 0 && len(hits) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && err != ctx.Err() {
		return nil, wrap(err, "search "+subPath)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Path < hits[j].Path })
	return hits, nil
}

func parseRange(r string, size int64) (int64, int64, error) {
	spec := strings.TrimPrefix(r, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0, 0, errtypes.BadRequest("unsupported range " + r)
	}
	start, err := parseUint(parts[0])
	if err != nil {
		return 0, 0, errtypes.BadRequest("unsupported range " + r)
	}
	end := size - 1
	if parts[1] != "" {
		if end, err = parseUint(parts[1]); err != nil {
			return 0, 0, errtypes.BadRequest("unsupported range " + r)
		}
	}
	if start > end || start >= size {
		return 0, 0, errtypes.BadRequest("range out of bounds")
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

func parseUint(s string) (int64, error) {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errtypes.BadRequest("not a number: " + s)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

func contentRange(start, end, total int64) string {
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(total, 10)
}

func wrap(err error, op string) error {
	switch {
	case os.IsNotExist(err):
		return errtypes.NotFound(op)
	case os.IsPermission(err):
		return errtypes.PermissionDenied(op)
	case os.IsExist(err):
		return errtypes.AlreadyExists(op)
	default:
		return errtypes.DriverFailure(op)
	}
}
