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

// Package s3 implements the driver for S3 compatible backends.
package s3

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/registry"
	"github.com/unistor/unistor/pkg/utils"
	"github.com/unistor/unistor/pkg/utils/cfg"
)

func init() {
	registry.Register(storage.TypeS3, registry.Registration{
		New:          New,
		Test:         Test,
		Capabilities: capabilities,
		Schema: []storage.SchemaField{
			{Name: "endpoint", Type: "string", Required: true},
			{Name: "region", Type: "string"},
			{Name: "bucket", Type: "string", Required: true},
			{Name: "access_key", Type: "string", Required: true, Secret: true},
			{Name: "secret_key", Type: "string", Required: true, Secret: true},
			{Name: "path_style", Type: "bool", Hint: "force path style bucket addressing"},
			{Name: "custom_host", Type: "string", Hint: "public host serving the bucket"},
			{Name: "default_folder", Type: "string"},
			{Name: "signature_expires_in", Type: "int", Hint: "presign lifetime in seconds"},
		},
		Validate: validate,
	})
}

var capabilities = []storage.Capability{
	storage.CapReader,
	storage.CapWriter,
	storage.CapPresigned,
	storage.CapMultipart,
	storage.CapDirectLink,
	storage.CapAtomic,
	storage.CapProxy,
	storage.CapSearch,
}

type config struct {
	Endpoint           string `mapstructure:"endpoint" validate:"required"`
	Region             string `mapstructure:"region"`
	Bucket             string `mapstructure:"bucket" validate:"required"`
	AccessKey          string `mapstructure:"access_key" validate:"required"`
	SecretKey          string `mapstructure:"secret_key" validate:"required"`
	PathStyle          bool   `mapstructure:"path_style"`
	CustomHost         string `mapstructure:"custom_host"`
	DefaultFolder      string `mapstructure:"default_folder"`
	SignatureExpiresIn int    `mapstructure:"signature_expires_in"`
}

func (c *config) ApplyDefaults() {
	if c.SignatureExpiresIn <= 0 {
		c.SignatureExpiresIn = 3600
	}
}

type driver struct {
	c           *config
	client      *minio.Client
	core        *minio.Core
	initialized bool
}

// New returns a new s3 driver. The client is created eagerly; probing
// happens in Initialize.
func New(_ context.Context, m map[string]interface{}) (storage.Driver, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, err
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse s3 endpoint")
	}
	host := u.Host
	if host == "" {
		host = c.Endpoint
	}

	opts := &minio.Options{
		Region: c.Region,
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: u.Scheme != "http",
	}
	if c.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	core, err := minio.NewCore(host, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to setup s3 client")
	}

	return &driver{c: &c, client: core.Client, core: core}, nil
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

func (d *driver) Type() storage.Type { return storage.TypeS3 }

func (d *driver) HasCapability(c storage.Capability) bool {
	for _, have := range capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (d *driver) Initialize(ctx context.Context) error {
	ok, err := d.client.BucketExists(ctx, d.c.Bucket)
	if err != nil {
		return wrap(err, "probing bucket "+d.c.Bucket)
	}
	if !ok {
		return errtypes.NotFound("bucket " + d.c.Bucket)
	}
	d.initialized = true
	return nil
}

func (d *driver) IsInitialized() bool { return d.initialized }

func (d *driver) Cleanup(_ context.Context) error {
	d.initialized = false
	return nil
}

// key maps a sub path to a bucket key under the default folder.
func (d *driver) key(subPath string) string {
	k := strings.TrimPrefix(utils.NormalizePath(subPath, false), "/")
	if d.c.DefaultFolder != "" {
		base := strings.Trim(d.c.DefaultFolder, "/")
		if k == "" {
			return base
		}
		return base + "/" + k
	}
	return k
}

func (d *driver) expiry() time.Duration {
	return time.Duration(d.c.SignatureExpiresIn) * time.Second
}

func (d *driver) ListDirectory(ctx context.Context, subPath string) ([]*storage.FileInfo, error) {
	prefix := d.key(subPath)
	if prefix != "" {
		prefix += "/"
	}
	infos := []*storage.FileInfo{}
	for obj := range d.client.ListObjects(ctx, d.c.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, wrap(obj.Err, "listing "+prefix)
		}
		if obj.Key == prefix {
			continue
		}
		infos = append(infos, d.objectInfo(subPath, prefix, obj))
	}
	return infos, nil
}

func (d *driver) objectInfo(subPath, prefix string, obj minio.ObjectInfo) *storage.FileInfo {
	name := strings.TrimPrefix(obj.Key, prefix)
	isDir := strings.HasSuffix(name, "/")
	name = strings.TrimSuffix(name, "/")
	fi := &storage.FileInfo{
		Name:     name,
		Path:     utils.JoinPath(subPath, name),
		IsDir:    isDir,
		Modified: obj.LastModified,
		ETag:     strings.Trim(obj.ETag, `"`),
	}
	if isDir {
		fi.MimeType = utils.DirMimeType
	} else {
		fi.Size = obj.Size
		fi.MimeType = obj.ContentType
		if fi.MimeType == "" {
			fi.MimeType = utils.MimeTypeByName(name)
		}
	}
	return fi
}

func (d *driver) GetFileInfo(ctx context.Context, subPath string) (*storage.FileInfo, error) {
	info, err := d.client.StatObject(ctx, d.c.Bucket, d.key(subPath), minio.StatObjectOptions{})
	if err != nil {
		return nil, wrap(err, "stat "+subPath)
	}
	mt := info.ContentType
	if mt == "" {
		mt = utils.MimeTypeByName(subPath)
	}
	return &storage.FileInfo{
		Name:     path.Base(subPath),
		Path:     utils.NormalizePath(subPath, false),
		Size:     info.Size,
		Modified: info.LastModified,
		MimeType: mt,
		ETag:     strings.Trim(info.ETag, `"`),
	}, nil
}

func (d *driver) DownloadFile(ctx context.Context, subPath string, req *storage.DownloadRequest) (*storage.Object, error) {
	opts := minio.GetObjectOptions{}
	status := http.StatusOK
	if req != nil && req.Range != "" {
		start, end, err := parseRange(req.Range)
		if err != nil {
			return nil, err
		}
		if err := opts.SetRange(start, end); err != nil {
			return nil, errtypes.BadRequest("invalid range: " + err.Error())
		}
		status = http.StatusPartialContent
	}
	body, info, headers, err := d.core.GetObject(ctx, d.c.Bucket, d.key(subPath), opts)
	if err != nil {
		return nil, wrap(err, "download "+subPath)
	}
	return &storage.Object{
		Body: body,
		Info: storage.FileInfo{
			Name:     path.Base(subPath),
			Path:     utils.NormalizePath(subPath, false),
			Size:     info.Size,
			Modified: info.LastModified,
			MimeType: info.ContentType,
			ETag:     strings.Trim(info.ETag, `"`),
		},
		ContentRange:  headers.Get("Content-Range"),
		AcceptRanges:  "bytes",
		ContentLength: info.Size,
		Status:        status,
	}, nil
}

// parseRange understands single "bytes=a-b" and "bytes=a-" ranges, the
// only forms the wire protocol forwards.
func parseRange(r string) (int64, int64, error) {
	spec := strings.TrimPrefix(r, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0, 0, errtypes.BadRequest("unsupported range " + r)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, errtypes.BadRequest("unsupported range " + r)
	}
	var end int64
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, errtypes.BadRequest("unsupported range " + r)
		}
	}
	return start, end, nil
}

func (d *driver) UploadFile(ctx context.Context, subPath string, body io.Reader, req *storage.UploadRequest) (*storage.UploadResult, error) {
	key := d.key(subPath)
	size := int64(-1)
	ct := "application/octet-stream"
	if req != nil {
		if req.ContentLength > 0 {
			size = req.ContentLength
		}
		if req.ContentType != "" {
			ct = req.ContentType
		} else if req.Filename != "" {
			ct = utils.MimeTypeByName(req.Filename)
		}
	}
	info, err := d.client.PutObject(ctx, d.c.Bucket, key, body, size, minio.PutObjectOptions{ContentType: ct})
	if err != nil {
		return nil, wrap(err, "upload "+subPath)
	}
	return &storage.UploadResult{
		StoragePath: key,
		PublicURL:   d.publicURL(key),
		ETag:        strings.Trim(info.ETag, `"`),
	}, nil
}

func (d *driver) publicURL(key string) string {
	if d.c.CustomHost == "" {
		return ""
	}
	return strings.TrimRight(d.c.CustomHost, "/") + "/" + key
}

func (d *driver) CreateDirectory(ctx context.Context, subPath string) error {
	key := d.key(subPath) + "/"
	_, err := d.client.PutObject(ctx, d.c.Bucket, key, strings.NewReader(""), 0, minio.PutObjectOptions{})
	if err != nil {
		return wrap(err, "mkdir "+subPath)
	}
	return nil
}

func (d *driver) DeleteItems(ctx context.Context, subPaths []string) error {
	for _, sp := range subPaths {
		if err := d.removeRecursive(ctx, sp); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) removeRecursive(ctx context.Context, subPath string) error {
	key := d.key(subPath)
	// delete the object itself and anything under it
	if err := d.client.RemoveObject(ctx, d.c.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return wrap(err, "delete "+subPath)
		}
	}
	for obj := range d.client.ListObjects(ctx, d.c.Bucket, minio.ListObjectsOptions{
		Prefix:    key + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return wrap(obj.Err, "delete "+subPath)
		}
		if err := d.client.RemoveObject(ctx, d.c.Bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return wrap(err, "delete "+obj.Key)
		}
	}
	return nil
}

func (d *driver) RenameItem(ctx context.Context, oldSubPath, newSubPath string) error {
	if err := d.CopyItem(ctx, oldSubPath, newSubPath); err != nil {
		return err
	}
	return d.removeRecursive(ctx, oldSubPath)
}

func (d *driver) BatchRemoveItems(ctx context.Context, subPaths []string) error {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, sp := range subPaths {
			objectsCh <- minio.ObjectInfo{Key: d.key(sp)}
		}
	}()
	for res := range d.client.RemoveObjects(ctx, d.c.Bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return wrap(res.Err, "batch delete "+res.ObjectName)
		}
	}
	return nil
}

func (d *driver) CopyItem(ctx context.Context, srcSubPath, dstSubPath string) error {
	_, err := d.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: d.c.Bucket, Object: d.key(dstSubPath)},
		minio.CopySrcOptions{Bucket: d.c.Bucket, Object: d.key(srcSubPath)},
	)
	if err != nil {
		return wrap(err, "copy "+srcSubPath)
	}
	return nil
}

func (d *driver) GenerateUploadURL(ctx context.Context, subPath string, req *storage.UploadRequest, expiry time.Duration) (*storage.PresignedUpload, error) {
	if expiry <= 0 {
		expiry = d.expiry()
	}
	key := d.key(subPath)
	u, err := d.client.PresignedPutObject(ctx, d.c.Bucket, key, expiry)
	if err != nil {
		return nil, wrap(err, "presign upload "+subPath)
	}
	headers := map[string]string{}
	if req != nil && req.ContentType != "" {
		headers["Content-Type"] = req.ContentType
	}
	return &storage.PresignedUpload{
		URL:        u.String(),
		Headers:    headers,
		ExpiresIn:  int64(expiry.Seconds()),
		TargetPath: key,
	}, nil
}

func (d *driver) GenerateDownloadURL(ctx context.Context, subPath string, expiry time.Duration, download bool) (*storage.PresignedDownload, error) {
	if expiry <= 0 {
		expiry = d.expiry()
	}
	params := url.Values{}
	if download {
		params.Set("response-content-disposition", `attachment; filename="`+path.Base(subPath)+`"`)
	}
	u, err := d.client.PresignedGetObject(ctx, d.c.Bucket, d.key(subPath), expiry, params)
	if err != nil {
		return nil, wrap(err, "presign download "+subPath)
	}
	return &storage.PresignedDownload{URL: u.String(), ExpiresIn: int64(expiry.Seconds())}, nil
}

func (d *driver) SearchDirectory(ctx context.Context, subPath, query string, limit int) ([]*storage.FileInfo, error) {
	prefix := d.key(subPath)
	if prefix != "" {
		prefix += "/"
	}
	q := strings.ToLower(query)
	out := []*storage.FileInfo{}
	for obj := range d.client.ListObjects(ctx, d.c.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, wrap(obj.Err, "search "+prefix)
		}
		name := path.Base(strings.TrimSuffix(obj.Key, "/"))
		if !strings.Contains(strings.ToLower(name), q) {
			continue
		}
		rel := "/" + strings.TrimPrefix(obj.Key, prefix)
		fi := d.objectInfo(subPath, prefix, obj)
		fi.Path = utils.JoinPath(subPath, rel)
		out = append(out, fi)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// wrap converts a backend error into the shared taxonomy, keeping a
// redacted summary only.
func wrap(err error, op string) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return errtypes.NotFound(op)
	case "AccessDenied":
		return errtypes.PermissionDenied(op)
	}
	return errtypes.DriverFailure(op + ": " + resp.Code)
}
