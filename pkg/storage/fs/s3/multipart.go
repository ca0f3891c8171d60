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

package s3

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/unistor/unistor/pkg/appctx"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/utils"
)

func (d *driver) InitializeMultipartUpload(ctx context.Context, subPath, fileName string, fileSize, partSize int64) (*storage.MultipartInit, error) {
	key := d.key(subPath)
	partSize = storage.EffectivePartSize(fileSize, partSize)
	totalParts := storage.TotalParts(fileSize, partSize)

	uploadID, err := d.core.NewMultipartUpload(ctx, d.c.Bucket, key, minio.PutObjectOptions{
		ContentType: utils.MimeTypeByName(fileName),
	})
	if err != nil {
		return nil, wrap(err, "init multipart "+subPath)
	}

	urls, err := d.presignParts(ctx, key, uploadID, seq(1, totalParts))
	if err != nil {
		// the upload id would leak otherwise
		_ = d.core.AbortMultipartUpload(ctx, d.c.Bucket, key, uploadID)
		return nil, err
	}

	return &storage.MultipartInit{
		UploadID:   uploadID,
		Strategy:   storage.StrategyPerPartURL,
		PartSize:   partSize,
		TotalParts: totalParts,
		PartURLs:   urls,
		ExpiresAt:  time.Now().Add(d.expiry()),
	}, nil
}

func (d *driver) CompleteMultipartUpload(ctx context.Context, subPath, uploadID string, parts []storage.CompletedPart) (*storage.UploadResult, error) {
	key := d.key(subPath)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{
			PartNumber: p.PartNumber,
			ETag:       strings.Trim(p.ETag, `"`),
		})
	}
	info, err := d.core.CompleteMultipartUpload(ctx, d.c.Bucket, key, uploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		return nil, wrap(err, "complete multipart "+subPath)
	}
	return &storage.UploadResult{
		StoragePath: key,
		PublicURL:   d.publicURL(key),
		ETag:        strings.Trim(info.ETag, `"`),
	}, nil
}

func (d *driver) AbortMultipartUpload(ctx context.Context, subPath, uploadID string) error {
	err := d.core.AbortMultipartUpload(ctx, d.c.Bucket, d.key(subPath), uploadID)
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		// lifecycle rules may have cleaned the upload already
		if code == "NoSuchUpload" || code == "AccessDenied" {
			appctx.GetLogger(ctx).Warn().
				Str("uploadId", uploadID).Str("code", code).
				Msg("s3: abort found upload already gone")
			return nil
		}
		return wrap(err, "abort multipart "+subPath)
	}
	return nil
}

func (d *driver) ListMultipartUploads(ctx context.Context, prefix string) ([]storage.MultipartUploadInfo, error) {
	key := d.key(prefix)
	res, err := d.core.ListMultipartUploads(ctx, d.c.Bucket, key, "", "", "", 1000)
	if err != nil {
		return nil, wrap(err, "list multipart uploads")
	}
	out := make([]storage.MultipartUploadInfo, 0, len(res.Uploads))
	for _, u := range res.Uploads {
		out = append(out, storage.MultipartUploadInfo{
			UploadID:  u.UploadID,
			Key:       u.Key,
			Initiated: u.Initiated,
		})
	}
	return out, nil
}

func (d *driver) ListMultipartParts(ctx context.Context, subPath, uploadID string) (*storage.PartList, error) {
	key := d.key(subPath)
	list := &storage.PartList{Parts: []storage.Part{}}
	marker := 0
	for {
		res, err := d.core.ListObjectParts(ctx, d.c.Bucket, key, uploadID, marker, 1000)
		if err != nil {
			if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
				// tolerate backend lifecycle cleanup
				list.UploadNotFound = true
				return list, nil
			}
			return nil, wrap(err, "list parts "+subPath)
		}
		for _, p := range res.ObjectParts {
			list.Parts = append(list.Parts, storage.Part{
				PartNumber:   p.PartNumber,
				ETag:         strings.Trim(p.ETag, `"`),
				Size:         p.Size,
				LastModified: p.LastModified,
			})
		}
		if !res.IsTruncated {
			return list, nil
		}
		marker = res.NextPartNumberMarker
	}
}

func (d *driver) RefreshMultipartURLs(ctx context.Context, subPath, uploadID string, partNumbers []int) ([]storage.PartURL, error) {
	return d.presignParts(ctx, d.key(subPath), uploadID, partNumbers)
}

func (d *driver) presignParts(ctx context.Context, key, uploadID string, partNumbers []int) ([]storage.PartURL, error) {
	urls := make([]storage.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		params := url.Values{}
		params.Set("uploadId", uploadID)
		params.Set("partNumber", strconv.Itoa(n))
		u, err := d.client.Presign(ctx, "PUT", d.c.Bucket, key, d.expiry(), params)
		if err != nil {
			return nil, wrap(err, "presign part "+strconv.Itoa(n))
		}
		urls = append(urls, storage.PartURL{PartNumber: n, URL: u.String()})
	}
	return urls, nil
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
