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

// Package webdav implements the driver for WebDAV backends. WebDAV cannot
// presign, so external access goes through the proxy with an upstream
// request carrying the Basic auth header.
package webdav

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/registry"
	"github.com/unistor/unistor/pkg/utils"
	"github.com/unistor/unistor/pkg/utils/cfg"
)

func init() {
	registry.Register(storage.TypeWebDAV, registry.Registration{
		New:          New,
		Test:         Test,
		Capabilities: capabilities,
		Schema: []storage.SchemaField{
			{Name: "endpoint", Type: "string", Required: true},
			{Name: "username", Type: "string", Required: true},
			{Name: "password", Type: "string", Required: true, Secret: true},
			{Name: "default_folder", Type: "string"},
		},
		Validate: validate,
	})
}

var capabilities = []storage.Capability{
	storage.CapReader,
	storage.CapWriter,
	storage.CapAtomic,
	storage.CapProxy,
	storage.CapUpstreamHTTP,
}

type config struct {
	Endpoint      string `mapstructure:"endpoint" validate:"required"`
	Username      string `mapstructure:"username" validate:"required"`
	Password      string `mapstructure:"password" validate:"required"`
	DefaultFolder string `mapstructure:"default_folder"`
}

type driver struct {
	c           *config
	client      *gowebdav.Client
	initialized bool
}

// New returns a new webdav driver.
func New(_ context.Context, m map[string]interface{}) (storage.Driver, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, err
	}
	client := gowebdav.NewClient(strings.TrimRight(c.Endpoint, "/"), c.Username, c.Password)
	return &driver{c: &c, client: client}, nil
}

// Test probes connectivity with the given config.
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
	return &storage.ValidationResult{Valid: true}
}

func (d *driver) Type() storage.Type { return storage.TypeWebDAV }

func (d *driver) HasCapability(c storage.Capability) bool {
	for _, have := range capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (d *driver) Initialize(_ context.Context) error {
	if err := d.client.Connect(); err != nil {
		return wrap(err, "connecting to "+d.c.Endpoint)
	}
	d.initialized = true
	return nil
}

func (d *driver) IsInitialized() bool { return d.initialized }

func (d *driver) Cleanup(_ context.Context) error {
	d.initialized = false
	return nil
}

func (d *driver) remote(subPath string) string {
	p := utils.NormalizePath(subPath, false)
	if d.c.DefaultFolder != "" {
		p = utils.JoinPath("/"+strings.Trim(d.c.DefaultFolder, "/"), p)
	}
	return p
}

func (d *driver) ListDirectory(_ context.Context, subPath string) ([]*storage.FileInfo, error) {
	entries, err := d.client.ReadDir(d.remote(subPath))
	if err != nil {
		return nil, wrap(err, "listing "+subPath)
	}
	infos := make([]*storage.FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, fromOSInfo(subPath, e))
	}
	return infos, nil
}

func fromOSInfo(parent string, e os.FileInfo) *storage.FileInfo {
	fi := &storage.FileInfo{
		Name:     e.Name(),
		Path:     utils.JoinPath(parent, e.Name()),
		IsDir:    e.IsDir(),
		Modified: e.ModTime(),
	}
	if e.IsDir() {
		fi.MimeType = utils.DirMimeType
	} else {
		fi.Size = e.Size()
		fi.MimeType = utils.MimeTypeByName(e.Name())
	}
	if f, ok := e.(*gowebdav.File); ok {
		if ct := f.ContentType(); ct != "" && !e.IsDir() {
			fi.MimeType = ct
		}
		if etag := f.ETag(); etag != "" {
			fi.ETag = strings.Trim(etag, `"`)
		}
	}
	return fi
}

func (d *driver) GetFileInfo(_ context.Context, subPath string) (*storage.FileInfo, error) {
	e, err := d.client.Stat(d.remote(subPath))
	if err != nil {
		return nil, wrap(err, "stat "+subPath)
	}
	fi := fromOSInfo(utils.NormalizePath(subPath, false), e)
	// Stat returns the node itself, not a child
	fi.Path = utils.NormalizePath(subPath, false)
	if e.Name() != "" {
		fi.Name = e.Name()
	}
	return fi, nil
}

func (d *driver) DownloadFile(ctx context.Context, subPath string, req *storage.DownloadRequest) (*storage.Object, error) {
	info, err := d.GetFileInfo(ctx, subPath)
	if err != nil {
		return nil, err
	}
	status := http.StatusOK
	var body io.ReadCloser
	var contentRange string
	if req != nil && req.Range != "" {
		start, end, err := parseRange(req.Range, info.Size)
		if err != nil {
			return nil, err
		}
		body, err = d.client.ReadStreamRange(d.remote(subPath), start, end-start+1)
		if err != nil {
			return nil, wrap(err, "download "+subPath)
		}
		contentRange = rangeHeader(start, end, info.Size)
		status = http.StatusPartialContent
	} else {
		body, err = d.client.ReadStream(d.remote(subPath))
		if err != nil {
			return nil, wrap(err, "download "+subPath)
		}
	}
	return &storage.Object{
		Body:          body,
		Info:          *info,
		ContentRange:  contentRange,
		AcceptRanges:  "bytes",
		ContentLength: info.Size,
		Status:        status,
	}, nil
}

func (d *driver) UploadFile(_ context.Context, subPath string, body io.Reader, req *storage.UploadRequest) (*storage.UploadResult, error) {
	remote := d.remote(subPath)
	if err := d.client.WriteStream(remote, body, 0644); err != nil {
		return nil, wrap(err, "upload "+subPath)
	}
	return &storage.UploadResult{StoragePath: strings.TrimPrefix(remote, "/")}, nil
}

func (d *driver) CreateDirectory(_ context.Context, subPath string) error {
	if err := d.client.MkdirAll(d.remote(subPath), 0755); err != nil {
		return wrap(err, "mkdir "+subPath)
	}
	return nil
}

func (d *driver) DeleteItems(_ context.Context, subPaths []string) error {
	for _, sp := range subPaths {
		if err := d.client.RemoveAll(d.remote(sp)); err != nil {
			return wrap(err, "delete "+sp)
		}
	}
	return nil
}

func (d *driver) RenameItem(_ context.Context, oldSubPath, newSubPath string) error {
	if err := d.client.Rename(d.remote(oldSubPath), d.remote(newSubPath), false); err != nil {
		return wrap(err, "rename "+oldSubPath)
	}
	return nil
}

func (d *driver) BatchRemoveItems(ctx context.Context, subPaths []string) error {
	return d.DeleteItems(ctx, subPaths)
}

func (d *driver) CopyItem(_ context.Context, srcSubPath, dstSubPath string) error {
	if err := d.client.Copy(d.remote(srcSubPath), d.remote(dstSubPath), false); err != nil {
		return wrap(err, "copy "+srcSubPath)
	}
	return nil
}

// GenerateUpstreamRequest returns the backend URL and the Basic auth
// header a reverse proxy upstream needs to fetch the file.
func (d *driver) GenerateUpstreamRequest(_ context.Context, subPath string) (*storage.UpstreamRequest, error) {
	token := base64.StdEncoding.EncodeToString([]byte(d.c.Username + ":" + d.c.Password))
	return &storage.UpstreamRequest{
		URL: strings.TrimRight(d.c.Endpoint, "/") + d.remote(subPath),
		Headers: map[string]string{
			"Authorization": "Basic " + token,
		},
	}, nil
}

func parseRange(r string, size int64) (int64, int64, error) {
	spec := strings.TrimPrefix(r, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0, 0, errtypes.BadRequest("unsupported range " + r)
	}
	var start, end int64
	if _, err := parseInt(parts[0], &start); err != nil {
		return 0, 0, errtypes.BadRequest("unsupported range " + r)
	}
	if parts[1] == "" {
		end = size - 1
	} else if _, err := parseInt(parts[1], &end); err != nil {
		return 0, 0, errtypes.BadRequest("unsupported range " + r)
	}
	return start, end, nil
}

func parseInt(s string, out *int64) (int64, error) {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errtypes.BadRequest("not a number: " + s)
		}
		n = n*10 + int64(c-'0')
	}
	*out = n
	return n, nil
}

func rangeHeader(start, end, total int64) string {
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(total, 10)
}

func wrap(err error, op string) error {
	if gowebdav.IsErrNotFound(err) {
		return errtypes.NotFound(op)
	}
	if gowebdav.IsErrCode(err, http.StatusForbidden) || gowebdav.IsErrCode(err, http.StatusUnauthorized) {
		return errtypes.PermissionDenied(op)
	}
	return errtypes.DriverFailure(op)
}
