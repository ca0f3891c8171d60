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

package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/unistor/unistor/pkg/appctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/utils"
)

// sessionChunkSize is the chunk used when the gateway relays a whole body
// itself. Graph requires multiples of 320 KiB; this is 16 of them.
const sessionChunkSize = int64(5 << 20)

type uploadSession struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
}

func (d *driver) createSession(ctx context.Context, subPath, conflictBehavior string) (*uploadSession, error) {
	payload := map[string]interface{}{
		"item": map[string]interface{}{
			"@microsoft.graph.conflictBehavior": conflictBehavior,
		},
	}
	var s uploadSession
	if err := d.sendJSON(ctx, http.MethodPost, d.itemURL(subPath, ":/createUploadSession"), payload, &s); err != nil {
		return nil, err
	}
	if s.UploadURL == "" {
		return nil, errtypes.DriverFailure("onedrive: session response without upload url")
	}
	return &s, nil
}

// InitializeMultipartUpload opens a resumable session. OneDrive uses a
// single session URL instead of per-part presigned URLs; the session URL
// doubles as the upload id.
func (d *driver) InitializeMultipartUpload(ctx context.Context, subPath, fileName string, fileSize, partSize int64) (*storage.MultipartInit, error) {
	partSize = storage.EffectivePartSize(fileSize, partSize)
	totalParts := storage.TotalParts(fileSize, partSize)
	s, err := d.createSession(ctx, subPath, "replace")
	if err != nil {
		return nil, err
	}
	return &storage.MultipartInit{
		UploadID:   s.UploadURL,
		Strategy:   storage.StrategyResumableURL,
		PartSize:   partSize,
		TotalParts: totalParts,
		SessionURL: s.UploadURL,
		ExpiresAt:  s.ExpirationDateTime,
	}, nil
}

// CompleteMultipartUpload verifies the session is finished. Graph commits
// the item on the final chunk, so completion is a consistency check: the
// session must be gone and the item must exist.
func (d *driver) CompleteMultipartUpload(ctx context.Context, subPath, uploadID string, _ []storage.CompletedPart) (*storage.UploadResult, error) {
	s, err := d.querySession(ctx, uploadID)
	if err == nil && s != nil {
		return nil, errtypes.BadRequest("onedrive: upload session still has pending ranges")
	}
	if err != nil {
		if _, ok := err.(errtypes.IsNotFound); !ok {
			return nil, err
		}
	}
	info, err := d.GetFileInfo(ctx, subPath)
	if err != nil {
		return nil, err
	}
	return &storage.UploadResult{
		StoragePath: strings.TrimPrefix(utils.NormalizePath(subPath, false), "/"),
		ETag:        info.ETag,
	}, nil
}

func (d *driver) AbortMultipartUpload(ctx context.Context, subPath, uploadID string) error {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadID, nil)
	if err != nil {
		return errtypes.DriverFailure("onedrive: building abort request")
	}
	res, err := d.client.Do(hreq)
	if err != nil {
		return errtypes.DriverFailure("onedrive: abort session")
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
		// the session may have expired or been committed already
		appctx.GetLogger(ctx).Warn().
			Int("status", res.StatusCode).
			Msg("onedrive: abort found session already gone")
		return nil
	default:
		return statusErr(res, "abort session")
	}
}

// ListMultipartUploads is not supported by Graph; sessions are only
// addressable through their URL.
func (d *driver) ListMultipartUploads(_ context.Context, _ string) ([]storage.MultipartUploadInfo, error) {
	return []storage.MultipartUploadInfo{}, nil
}

// ListMultipartParts reports session progress as the ranges the backend
// still expects. A vanished session sets UploadNotFound so the caller can
// reinitialize.
func (d *driver) ListMultipartParts(ctx context.Context, subPath, uploadID string) (*storage.PartList, error) {
	s, err := d.querySession(ctx, uploadID)
	if err != nil {
		if _, ok := err.(errtypes.IsNotFound); ok {
			return &storage.PartList{Parts: []storage.Part{}, UploadNotFound: true}, nil
		}
		return nil, err
	}
	return &storage.PartList{
		Parts:              []storage.Part{},
		NextExpectedRanges: s.NextExpectedRanges,
	}, nil
}

// RefreshMultipartURLs has nothing to refresh: the session URL is stable
// for the lifetime of the session.
func (d *driver) RefreshMultipartURLs(_ context.Context, _, _ string, _ []int) ([]storage.PartURL, error) {
	return nil, errtypes.NotSupported("onedrive: resumable sessions use a single stable url")
}

func (d *driver) querySession(ctx context.Context, sessionURL string) (*uploadSession, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return nil, errtypes.DriverFailure("onedrive: building session request")
	}
	res, err := d.client.Do(hreq)
	if err != nil {
		return nil, errtypes.DriverFailure("onedrive: querying session")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, statusErr(res, "query session")
	}
	var s uploadSession
	if err := json.NewDecoder(res.Body).Decode(&s); err != nil {
		return nil, errtypes.DriverFailure("onedrive: decoding session response")
	}
	return &s, nil
}

// UploadChunk relays one chunk of the client's body to the session URL,
// synthesizing the Content-Range header the session protocol requires.
func (d *driver) UploadChunk(ctx context.Context, sessionURL string, rng storage.ContentRange, body io.Reader) (*storage.ChunkResult, error) {
	length := rng.End - rng.Start + 1
	if length <= 0 || rng.Total <= 0 || rng.End >= rng.Total {
		return nil, errtypes.BadRequest("invalid content range")
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, body)
	if err != nil {
		return nil, errtypes.DriverFailure("onedrive: building chunk request")
	}
	hreq.ContentLength = length
	hreq.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, rng.Total))
	res, err := d.client.Do(hreq)
	if err != nil {
		return nil, errtypes.DriverFailure("onedrive: forwarding chunk")
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusAccepted:
		var s uploadSession
		if err := json.NewDecoder(res.Body).Decode(&s); err != nil {
			return nil, errtypes.DriverFailure("onedrive: decoding chunk response")
		}
		out := &storage.ChunkResult{}
		if len(s.NextExpectedRanges) > 0 {
			out.NextExpectedRange = s.NextExpectedRanges[0]
		}
		return out, nil
	case http.StatusOK, http.StatusCreated:
		var it driveItem
		if err := json.NewDecoder(res.Body).Decode(&it); err != nil {
			return nil, errtypes.DriverFailure("onedrive: decoding final chunk response")
		}
		return &storage.ChunkResult{
			Done: true,
			Result: storage.UploadResult{
				StoragePath: it.Name,
				ETag:        strings.Trim(it.ETag, `"`),
			},
		}, nil
	default:
		return nil, statusErr(res, "upload chunk")
	}
}

// uploadViaSession streams a large body through a fresh session in fixed
// size chunks. Used for server side uploads above the simple PUT limit.
func (d *driver) uploadViaSession(ctx context.Context, subPath string, body io.Reader, total int64) (*storage.UploadResult, error) {
	s, err := d.createSession(ctx, subPath, "replace")
	if err != nil {
		return nil, err
	}
	var offset int64
	for offset < total {
		length := sessionChunkSize
		if offset+length > total {
			length = total - offset
		}
		res, err := d.UploadChunk(ctx, s.UploadURL, storage.ContentRange{
			Start: offset,
			End:   offset + length - 1,
			Total: total,
		}, io.LimitReader(body, length))
		if err != nil {
			_ = d.AbortMultipartUpload(ctx, subPath, s.UploadURL)
			return nil, err
		}
		offset += length
		if res.Done {
			out := res.Result
			out.StoragePath = strings.TrimPrefix(utils.NormalizePath(subPath, false), "/")
			return &out, nil
		}
	}
	return nil, errtypes.DriverFailure("onedrive: session ended without final item")
}
