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

// Package onedrive implements the driver for OneDrive and SharePoint
// document libraries through the Microsoft Graph REST API. Uploads above
// the simple-PUT limit go through resumable upload sessions; downloads
// use the short lived pre-authenticated URL Graph attaches to items.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/httpclient"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/registry"
	"github.com/unistor/unistor/pkg/utils"
	"github.com/unistor/unistor/pkg/utils/cfg"
)

const graphBase = "https://graph.microsoft.com/v1.0"

func init() {
	registry.Register(storage.TypeOneDrive, registry.Registration{
		New:          New,
		Test:         Test,
		Capabilities: capabilities,
		Schema: []storage.SchemaField{
			{Name: "client_id", Type: "string", Required: true},
			{Name: "client_secret", Type: "string", Required: true, Secret: true},
			{Name: "refresh_token", Type: "string", Required: true, Secret: true},
			{Name: "tenant", Type: "string", Hint: "defaults to common"},
			{Name: "drive_id", Type: "string", Hint: "defaults to the signed-in user's drive"},
			{Name: "default_folder", Type: "string"},
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
	storage.CapProxy,
}

type config struct {
	ClientID      string `mapstructure:"client_id" validate:"required"`
	ClientSecret  string `mapstructure:"client_secret" validate:"required"`
	RefreshToken  string `mapstructure:"refresh_token" validate:"required"`
	Tenant        string `mapstructure:"tenant"`
	DriveID       string `mapstructure:"drive_id"`
	DefaultFolder string `mapstructure:"default_folder"`
}

func (c *config) ApplyDefaults() {
	if c.Tenant == "" {
		c.Tenant = "common"
	}
}

type driver struct {
	c           *config
	client      *http.Client
	initialized bool
}

// New returns a new onedrive driver. The HTTP client refreshes the access
// token transparently from the stored refresh token.
func New(ctx context.Context, m map[string]interface{}) (storage.Driver, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, err
	}
	oc := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://login.microsoftonline.com/" + c.Tenant + "/oauth2/v2.0/token",
		},
	}
	src := oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: c.RefreshToken})
	client := httpclient.New(
		httpclient.Timeout(0),
		httpclient.RoundTripper(&oauth2.Transport{Source: src, Base: http.DefaultTransport}),
	)
	return &driver{c: &c, client: client}, nil
}

// Test probes the drive with the given config.
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

func (d *driver) Type() storage.Type { return storage.TypeOneDrive }

func (d *driver) HasCapability(c storage.Capability) bool {
	for _, have := range capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (d *driver) Initialize(ctx context.Context) error {
	var root driveItem
	if err := d.getJSON(ctx, d.driveURL()+"/root", &root); err != nil {
		return err
	}
	d.initialized = true
	return nil
}

func (d *driver) IsInitialized() bool { return d.initialized }

func (d *driver) Cleanup(_ context.Context) error {
	d.initialized = false
	return nil
}

func (d *driver) driveURL() string {
	if d.c.DriveID != "" {
		return graphBase + "/drives/" + d.c.DriveID
	}
	return graphBase + "/me/drive"
}

// itemURL addresses an item by path relative to the drive root. An empty
// sub path addresses the root itself, where the colon syntax is invalid.
func (d *driver) itemURL(subPath, suffix string) string {
	p := utils.NormalizePath(subPath, false)
	if d.c.DefaultFolder != "" {
		p = utils.JoinPath("/"+strings.Trim(d.c.DefaultFolder, "/"), p)
	}
	if p == "/" {
		if suffix == "" {
			return d.driveURL() + "/root"
		}
		return d.driveURL() + "/root/" + strings.TrimPrefix(suffix, ":/")
	}
	escaped := (&url.URL{Path: p}).EscapedPath()
	return d.driveURL() + "/root:" + escaped + suffix
}

type driveItem struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ETag         string    `json:"eTag"`
	LastModified time.Time `json:"lastModifiedDateTime"`
	Folder       *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	DownloadURL string `json:"@microsoft.graph.downloadUrl"`
}

func (it *driveItem) toFileInfo(parent string) *storage.FileInfo {
	fi := &storage.FileInfo{
		Name:     it.Name,
		Path:     utils.JoinPath(parent, it.Name),
		IsDir:    it.Folder != nil,
		Modified: it.LastModified,
		ETag:     strings.Trim(it.ETag, `"`),
	}
	if fi.IsDir {
		fi.MimeType = utils.DirMimeType
	} else {
		fi.Size = it.Size
		fi.MimeType = utils.MimeTypeByName(it.Name)
		if it.File != nil && it.File.MimeType != "" {
			fi.MimeType = it.File.MimeType
		}
	}
	return fi
}

func (d *driver) ListDirectory(ctx context.Context, subPath string) ([]*storage.FileInfo, error) {
	parent := utils.NormalizePath(subPath, false)
	next := d.itemURL(subPath, ":/children")
	var infos []*storage.FileInfo
	for next != "" {
		var page struct {
			Value    []driveItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		if err := d.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			infos = append(infos, page.Value[i].toFileInfo(parent))
		}
		next = page.NextLink
	}
	if infos == nil {
		infos = []*storage.FileInfo{}
	}
	return infos, nil
}

func (d *driver) GetFileInfo(ctx context.Context, subPath string) (*storage.FileInfo, error) {
	var it driveItem
	if err := d.getJSON(ctx, d.itemURL(subPath, ""), &it); err != nil {
		return nil, err
	}
	p := utils.NormalizePath(subPath, false)
	fi := it.toFileInfo(utils.NormalizePath(parentOf(p), false))
	fi.Path = p
	return fi, nil
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
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.itemURL(subPath, ":/content"), nil)
	if err != nil {
		return nil, errtypes.DriverFailure("onedrive: building download request")
	}
	if req != nil && req.Range != "" {
		hreq.Header.Set("Range", req.Range)
	}
	res, err := d.client.Do(hreq)
	if err != nil {
		return nil, errtypes.DriverFailure("onedrive: download " + subPath)
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		defer res.Body.Close()
		return nil, statusErr(res, "download "+subPath)
	}
	return &storage.Object{
		Body:          res.Body,
		Info:          *info,
		ContentRange:  res.Header.Get("Content-Range"),
		AcceptRanges:  "bytes",
		ContentLength: res.ContentLength,
		Status:        res.StatusCode,
	}, nil
}

// simplePutLimit is the Graph cutoff for single-request uploads.
const simplePutLimit = int64(4 << 20)

func (d *driver) UploadFile(ctx context.Context, subPath string, body io.Reader, req *storage.UploadRequest) (*storage.UploadResult, error) {
	if req != nil && req.ContentLength > simplePutLimit {
		return d.uploadViaSession(ctx, subPath, body, req.ContentLength)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPut, d.itemURL(subPath, ":/content"), body)
	if err != nil {
		return nil, errtypes.DriverFailure("onedrive: building upload request")
	}
	if req != nil {
		if req.ContentType != "" {
			hreq.Header.Set("Content-Type", req.ContentType)
		}
		if req.ContentLength > 0 {
			hreq.ContentLength = req.ContentLength
		}
	}
	res, err := d.client.Do(hreq)
	if err != nil {
		return nil, errtypes.DriverFailure("onedrive: upload " + subPath)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return nil, statusErr(res, "upload "+subPath)
	}
	var it driveItem
	if err := json.NewDecoder(res.Body).Decode(&it); err != nil {
		return nil, errtypes.DriverFailure("onedrive: decoding upload response")
	}
	return &storage.UploadResult{
		StoragePath: strings.TrimPrefix(utils.NormalizePath(subPath, false), "/"),
		ETag:        strings.Trim(it.ETag, `"`),
	}, nil
}

func (d *driver) CreateDirectory(ctx context.Context, subPath string) error {
	p := utils.NormalizePath(subPath, true)
	parent := parentOf(p)
	name := strings.TrimPrefix(p, utils.NormalizePath(parent, true))
	if name == "" {
		return nil
	}
	payload := map[string]interface{}{
		"name":                              name,
		"folder":                            map[string]interface{}{},
		"@microsoft.graph.conflictBehavior": "fail",
	}
	var it driveItem
	if err := d.sendJSON(ctx, http.MethodPost, d.itemURL(parent, ":/children"), payload, &it); err != nil {
		if _, ok := err.(errtypes.IsAlreadyExists); ok {
			return nil
		}
		return err
	}
	return nil
}

func (d *driver) DeleteItems(ctx context.Context, subPaths []string) error {
	for _, sp := range subPaths {
		hreq, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.itemURL(sp, ""), nil)
		if err != nil {
			return errtypes.DriverFailure("onedrive: building delete request")
		}
		res, err := d.client.Do(hreq)
		if err != nil {
			return errtypes.DriverFailure("onedrive: delete " + sp)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusNotFound {
			return statusErr(res, "delete "+sp)
		}
	}
	return nil
}

func (d *driver) RenameItem(ctx context.Context, oldSubPath, newSubPath string) error {
	newP := utils.NormalizePath(newSubPath, false)
	payload := map[string]interface{}{
		"name": strings.TrimPrefix(newP, utils.NormalizePath(parentOf(newP), true)),
	}
	if parentOf(newP) != parentOf(utils.NormalizePath(oldSubPath, false)) {
		payload["parentReference"] = map[string]string{
			"path": "/drive/root:" + d.folderPrefix() + parentOf(newP),
		}
	}
	var it driveItem
	return d.sendJSON(ctx, http.MethodPatch, d.itemURL(oldSubPath, ""), payload, &it)
}

func (d *driver) folderPrefix() string {
	if d.c.DefaultFolder == "" {
		return ""
	}
	return "/" + strings.Trim(d.c.DefaultFolder, "/")
}

// GenerateUploadURL opens a resumable session. The returned URL accepts
// Content-Range PUT requests without further authentication.
func (d *driver) GenerateUploadURL(ctx context.Context, subPath string, req *storage.UploadRequest, expiry time.Duration) (*storage.PresignedUpload, error) {
	s, err := d.createSession(ctx, subPath, "replace")
	if err != nil {
		return nil, err
	}
	expiresIn := int64(time.Until(s.ExpirationDateTime).Seconds())
	return &storage.PresignedUpload{
		URL:        s.UploadURL,
		ExpiresIn:  expiresIn,
		TargetPath: strings.TrimPrefix(utils.NormalizePath(subPath, false), "/"),
	}, nil
}

// GenerateDownloadURL returns the pre-authenticated URL Graph attaches to
// the item. Graph controls its lifetime, roughly one hour.
func (d *driver) GenerateDownloadURL(ctx context.Context, subPath string, expiry time.Duration, download bool) (*storage.PresignedDownload, error) {
	var it driveItem
	if err := d.getJSON(ctx, d.itemURL(subPath, ""), &it); err != nil {
		return nil, err
	}
	if it.DownloadURL == "" {
		return nil, errtypes.NotSupported("onedrive: item has no download url")
	}
	return &storage.PresignedDownload{URL: it.DownloadURL, ExpiresIn: 3600}, nil
}

func (d *driver) getJSON(ctx context.Context, u string, out interface{}) error {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errtypes.DriverFailure("onedrive: building request")
	}
	res, err := d.client.Do(hreq)
	if err != nil {
		return errtypes.DriverFailure("onedrive: " + err.Error())
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return statusErr(res, u)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errtypes.DriverFailure("onedrive: decoding response")
	}
	return nil
}

func (d *driver) sendJSON(ctx context.Context, method, u string, payload, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errtypes.DriverFailure("onedrive: encoding request")
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(raw))
	if err != nil {
		return errtypes.DriverFailure("onedrive: building request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	res, err := d.client.Do(hreq)
	if err != nil {
		return errtypes.DriverFailure("onedrive: " + err.Error())
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return statusErr(res, u)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil && err != io.EOF {
			return errtypes.DriverFailure("onedrive: decoding response")
		}
	}
	return nil
}

func statusErr(res *http.Response, op string) error {
	switch res.StatusCode {
	case http.StatusNotFound:
		return errtypes.NotFound(op)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errtypes.PermissionDenied(op)
	case http.StatusConflict:
		return errtypes.AlreadyExists(op)
	case http.StatusInsufficientStorage:
		return errtypes.QuotaExceeded(op)
	default:
		return errtypes.DriverFailure(fmt.Sprintf("onedrive: %s: status %d", op, res.StatusCode))
	}
}
