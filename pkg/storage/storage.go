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

// Package storage defines the driver abstraction of the storage plane.
// A driver implements the base interface plus the capability interfaces it
// declares at registration time; the factory enforces that declared and
// implemented sets match.
package storage

import (
	"context"
	"io"
	"time"
)

// Type names a registered driver type.
type Type string

// Registered driver types.
const (
	TypeS3       Type = "s3"
	TypeWebDAV   Type = "webdav"
	TypeOneDrive Type = "onedrive"
	TypeLocal    Type = "local"
)

// Capability names a fixed method contract a driver may declare.
type Capability string

// Capability set.
const (
	CapReader       Capability = "READER"
	CapWriter       Capability = "WRITER"
	CapDirectLink   Capability = "DIRECT_LINK"
	CapPresigned    Capability = "PRESIGNED"
	CapMultipart    Capability = "MULTIPART"
	CapAtomic       Capability = "ATOMIC"
	CapProxy        Capability = "PROXY"
	CapSearch       Capability = "SEARCH"
	CapUpstreamHTTP Capability = "UPSTREAM_HTTP"
)

// Driver is the base interface every driver implements.
type Driver interface {
	Type() Type
	HasCapability(c Capability) bool
	Initialize(ctx context.Context) error
	// IsInitialized reports whether the instance is still usable. The
	// driver cache revalidates on every hit and recreates stale entries.
	IsInitialized() bool
	Cleanup(ctx context.Context) error
}

// FileInfo describes one entry of a listing or a stat result.
type FileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	IsDir    bool      `json:"isDirectory"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	MimeType string    `json:"mimeType"`
	ETag     string    `json:"etag,omitempty"`
}

// DownloadRequest carries the optional range and disposition of a download.
type DownloadRequest struct {
	Range    string
	Download bool
}

// Object is a downloaded byte stream with the upstream headers preserved.
type Object struct {
	Body          io.ReadCloser
	Info          FileInfo
	ContentRange  string
	AcceptRanges  string
	ContentLength int64
	// Status is 200 or 206 depending on whether a range was served.
	Status int
}

// UploadRequest describes an incoming upload body.
type UploadRequest struct {
	Filename      string
	ContentType   string
	ContentLength int64
	UploadID      string
}

// UploadResult is what a write returns.
type UploadResult struct {
	StoragePath string `json:"storagePath"`
	PublicURL   string `json:"publicUrl,omitempty"`
	ETag        string `json:"etag,omitempty"`
}

// PresignedUpload is a time bounded upload URL plus required headers.
type PresignedUpload struct {
	URL        string            `json:"uploadUrl"`
	Headers    map[string]string `json:"headers,omitempty"`
	ExpiresIn  int64             `json:"expiresIn"`
	TargetPath string            `json:"targetPath"`
}

// PresignedDownload is a time bounded download URL.
type PresignedDownload struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Multipart strategies.
const (
	// StrategyPerPartURL hands the client one presigned URL per part.
	StrategyPerPartURL = "per_part_url"
	// StrategyResumableURL hands the client a single session URL that
	// accepts Content-Range chunks.
	StrategyResumableURL = "resumable_url"
)

// PartURL is a presigned URL for one part.
type PartURL struct {
	PartNumber int               `json:"partNumber"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Part is one server side part of an in-flight multipart upload.
type Part struct {
	PartNumber   int       `json:"partNumber"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// PartList is the result of listing the parts of an upload. When the
// backend garbage collected the upload, UploadNotFound is set instead of
// returning an error so the client can reinitialize.
type PartList struct {
	Parts          []Part `json:"parts"`
	UploadNotFound bool   `json:"uploadNotFound,omitempty"`
	// NextExpectedRanges is filled by resumable-session backends that
	// track progress as byte ranges instead of numbered parts.
	NextExpectedRanges []string `json:"nextExpectedRanges,omitempty"`
}

// CompletedPart is the client's view of a finished part.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// MultipartInit is the session payload returned by an initialization.
type MultipartInit struct {
	UploadID   string    `json:"uploadId"`
	Strategy   string    `json:"strategy"`
	PartSize   int64     `json:"partSize"`
	TotalParts int       `json:"totalParts"`
	PartURLs   []PartURL `json:"presignedUrls,omitempty"`
	SessionURL string    `json:"sessionUrl,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// MultipartUploadInfo identifies one in-flight upload on the backend.
type MultipartUploadInfo struct {
	UploadID  string    `json:"uploadId"`
	Key       string    `json:"key"`
	Initiated time.Time `json:"initiated"`
}

// UpstreamRequest is the request a reverse proxy upstream should perform
// on behalf of a client, for drivers that cannot presign but serve HTTP.
type UpstreamRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ContentRange describes one chunk of a resumable upload.
type ContentRange struct {
	Start int64
	End   int64
	Total int64
}

// ChunkResult is the relayed outcome of forwarding one chunk.
type ChunkResult struct {
	Done              bool         `json:"done"`
	NextExpectedRange string       `json:"nextExpectedRange,omitempty"`
	Result            UploadResult `json:"result,omitempty"`
}

// Reader is the READER capability.
type Reader interface {
	ListDirectory(ctx context.Context, subPath string) ([]*FileInfo, error)
	GetFileInfo(ctx context.Context, subPath string) (*FileInfo, error)
	DownloadFile(ctx context.Context, subPath string, req *DownloadRequest) (*Object, error)
}

// Writer is the WRITER capability.
type Writer interface {
	UploadFile(ctx context.Context, subPath string, body io.Reader, req *UploadRequest) (*UploadResult, error)
	CreateDirectory(ctx context.Context, subPath string) error
	DeleteItems(ctx context.Context, subPaths []string) error
	RenameItem(ctx context.Context, oldSubPath, newSubPath string) error
}

// Presigner is the PRESIGNED capability.
type Presigner interface {
	GenerateUploadURL(ctx context.Context, subPath string, req *UploadRequest, expiry time.Duration) (*PresignedUpload, error)
	GenerateDownloadURL(ctx context.Context, subPath string, expiry time.Duration, download bool) (*PresignedDownload, error)
}

// Multiparter is the MULTIPART capability, the front-end driven protocol.
type Multiparter interface {
	InitializeMultipartUpload(ctx context.Context, subPath, fileName string, fileSize, partSize int64) (*MultipartInit, error)
	CompleteMultipartUpload(ctx context.Context, subPath, uploadID string, parts []CompletedPart) (*UploadResult, error)
	AbortMultipartUpload(ctx context.Context, subPath, uploadID string) error
	ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartUploadInfo, error)
	ListMultipartParts(ctx context.Context, subPath, uploadID string) (*PartList, error)
	RefreshMultipartURLs(ctx context.Context, subPath, uploadID string, partNumbers []int) ([]PartURL, error)
}

// ChunkForwarder is implemented by resumable-session drivers. The service
// streams the client's bytes to the backend session URL, synthesizing the
// Content-Range header, and relays the terminal status.
type ChunkForwarder interface {
	UploadChunk(ctx context.Context, sessionURL string, rng ContentRange, body io.Reader) (*ChunkResult, error)
}

// UpstreamHTTPer is the UPSTREAM_HTTP capability.
type UpstreamHTTPer interface {
	GenerateUpstreamRequest(ctx context.Context, subPath string) (*UpstreamRequest, error)
}

// Atomicer is the ATOMIC capability.
type Atomicer interface {
	BatchRemoveItems(ctx context.Context, subPaths []string) error
	CopyItem(ctx context.Context, srcSubPath, dstSubPath string) error
}

// Searcher is the SEARCH capability.
type Searcher interface {
	SearchDirectory(ctx context.Context, subPath, query string, limit int) ([]*FileInfo, error)
}

// TestReport is the outcome of a static connectivity probe.
type TestReport struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latencyMs,omitempty"`
}

// SchemaField describes one config field for the admin UI.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// ValidationResult is the outcome of validating a raw config map.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}
