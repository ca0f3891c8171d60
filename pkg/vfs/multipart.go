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

package vfs

import (
	"context"
	"io"
	"time"

	"github.com/unistor/unistor/pkg/appctx"
	uctx "github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/mount"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/upload"
	"github.com/unistor/unistor/pkg/utils"
)

// MultipartSession is the client's view of an upload session.
type MultipartSession struct {
	SessionID  string            `json:"sessionId"`
	Strategy   string            `json:"strategy"`
	PartSize   int64             `json:"partSize"`
	TotalParts int               `json:"totalParts"`
	PartURLs   []storage.PartURL `json:"presignedUrls,omitempty"`
	SessionURL string            `json:"sessionUrl,omitempty"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
	// Resumed marks a session rehydrated from the ledger instead of a
	// fresh backend upload.
	Resumed           bool   `json:"resumed,omitempty"`
	BytesUploaded     int64  `json:"bytesUploaded,omitempty"`
	UploadedParts     int    `json:"uploadedParts,omitempty"`
	NextExpectedRange string `json:"nextExpectedRange,omitempty"`
}

// InitMultipart starts or resumes a multipart upload of fileName into the
// directory at dirPath. The fingerprint makes the call idempotent: an
// active session for the same principal and target is resumed, not
// duplicated.
func (f *FS) InitMultipart(c context.Context, dirPath, fileName string, fileSize, partSize int64) (*MultipartSession, error) {
	if fileName == "" {
		return nil, errtypes.BadRequest("file name required")
	}
	if fileSize <= 0 {
		return nil, errtypes.BadRequest("file size required")
	}
	if fileSize > storage.MaxFileSize {
		return nil, errtypes.BadRequest("file exceeds the multipart size limit")
	}
	if max := f.settings.MaxUploadSize(c); max > 0 && fileSize > max {
		return nil, errtypes.QuotaExceeded("file exceeds the maximum upload size")
	}

	p, ok := uctx.ContextGetPrincipal(c)
	if !ok || p.IsAnonymous() {
		return nil, errtypes.UserRequired("authentication required")
	}
	res, err := f.resolve(c, dirPath)
	if err != nil {
		return nil, err
	}
	d, cfg, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	mp, ok := d.(storage.Multiparter)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot do multipart uploads")
	}

	virtualPath := utils.JoinPath(utils.JoinPath(res.Mount.MountPath, res.SubPath), fileName)
	fp := upload.Fingerprint(p.ID, cfg.Type, cfg.ID, res.Mount.ID, virtualPath, fileName, fileSize)

	if existing, err := f.ledger.FindActiveByFingerprint(c, fp); err == nil {
		if existing.ExpiresAt == nil || existing.ExpiresAt.After(time.Now()) {
			return f.resumeSession(c, existing, mp, res)
		}
	}

	fileSub := utils.JoinPath(res.SubPath, fileName)
	init, err := mp.InitializeMultipartUpload(c, fileSub, fileName, fileSize, partSize)
	if err != nil {
		return nil, err
	}

	s := &model.UploadSession{
		Fingerprint:       fp,
		StorageType:       cfg.Type,
		StorageConfigID:   cfg.ID,
		MountID:           res.Mount.ID,
		FsPath:            virtualPath,
		FileName:          fileName,
		FileSize:          fileSize,
		MimeType:          utils.MimeTypeByName(fileName),
		Strategy:          init.Strategy,
		PartSize:          init.PartSize,
		TotalParts:        init.TotalParts,
		ProviderUploadID:  init.UploadID,
		ProviderUploadURL: init.SessionURL,
	}
	if !init.ExpiresAt.IsZero() {
		t := init.ExpiresAt
		s.ExpiresAt = &t
	}
	winner, created, err := f.ledger.ClaimActive(c, s)
	if err != nil {
		// don't leak the backend upload
		_ = mp.AbortMultipartUpload(c, fileSub, uploadRef(s))
		return nil, err
	}
	if !created {
		// a concurrent init won the claim; drop our backend upload and
		// resume the winner so both callers hold the same session
		_ = mp.AbortMultipartUpload(c, fileSub, uploadRef(s))
		return f.resumeSession(c, winner, mp, res)
	}

	return &MultipartSession{
		SessionID:  s.ID,
		Strategy:   init.Strategy,
		PartSize:   init.PartSize,
		TotalParts: init.TotalParts,
		PartURLs:   init.PartURLs,
		SessionURL: init.SessionURL,
		ExpiresAt:  s.ExpiresAt,
	}, nil
}

// resumeSession rehydrates an active ledger row. Per-part backends get
// fresh URLs for the parts not yet uploaded.
func (f *FS) resumeSession(c context.Context, s *model.UploadSession, mp storage.Multiparter, res *mount.Resolved) (*MultipartSession, error) {
	out := &MultipartSession{
		SessionID:         s.ID,
		Strategy:          s.Strategy,
		PartSize:          s.PartSize,
		TotalParts:        s.TotalParts,
		SessionURL:        s.ProviderUploadURL,
		ExpiresAt:         s.ExpiresAt,
		Resumed:           true,
		BytesUploaded:     s.BytesUploaded,
		UploadedParts:     s.UploadedParts,
		NextExpectedRange: s.NextExpectedRange,
	}
	if s.Strategy != storage.StrategyPerPartURL {
		return out, nil
	}

	fileSub := f.sessionSubPath(s, res)
	list, err := mp.ListMultipartParts(c, fileSub, s.ProviderUploadID)
	if err != nil {
		return nil, err
	}
	if list.UploadNotFound {
		// the backend garbage collected the upload; expire the row so the
		// caller reinitializes on retry
		_ = f.ledger.Transition(c, s.ID, model.SessionExpired, "UPLOAD_NOT_FOUND", "backend upload vanished")
		return nil, errtypes.Gone("backend upload vanished, reinitialize")
	}
	have := map[int]bool{}
	for _, part := range list.Parts {
		have[part.PartNumber] = true
	}
	missing := make([]int, 0, s.TotalParts)
	for i := 1; i <= s.TotalParts; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		urls, err := mp.RefreshMultipartURLs(c, fileSub, s.ProviderUploadID, missing)
		if err != nil {
			return nil, err
		}
		out.PartURLs = urls
	}
	out.UploadedParts = len(list.Parts)
	return out, nil
}

func (f *FS) sessionSubPath(s *model.UploadSession, res *mount.Resolved) string {
	sub := s.FsPath
	if res != nil {
		sub = utils.NormalizePath(s.FsPath, false)
		sub = sub[len(res.Mount.MountPath):]
		if sub == "" {
			sub = "/"
		}
	}
	return sub
}

func uploadRef(s *model.UploadSession) string {
	if s.Strategy == storage.StrategyResumableURL {
		return s.ProviderUploadURL
	}
	return s.ProviderUploadID
}

// sessionContext loads the session and reacquires its mount and driver.
func (f *FS) sessionContext(c context.Context, ref string) (*model.UploadSession, *mount.Resolved, storage.Multiparter, error) {
	s, err := f.ledger.FindByUploadRef(c, ref)
	if err != nil {
		return nil, nil, nil, err
	}
	res, err := f.resolve(c, s.FsPath)
	if err != nil {
		return nil, nil, nil, err
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return nil, nil, nil, err
	}
	mp, ok := d.(storage.Multiparter)
	if !ok {
		return nil, nil, nil, errtypes.NotSupported("backend cannot do multipart uploads")
	}
	return s, res, mp, nil
}

// CompleteMultipart finishes the upload and settles the ledger row. The
// guarded transition makes a racing duplicate complete a no-op.
func (f *FS) CompleteMultipart(c context.Context, ref string, parts []storage.CompletedPart) (*storage.UploadResult, error) {
	s, res, mp, err := f.sessionContext(c, ref)
	if err != nil {
		return nil, err
	}
	if s.Status != model.SessionActive {
		return nil, errtypes.BadRequest("session is " + s.Status)
	}
	fileSub := f.sessionSubPath(s, res)
	out, err := mp.CompleteMultipartUpload(c, fileSub, uploadRef(s), parts)
	if err != nil {
		// the session stays active: the client repairs by listing parts
		// and refreshing URLs, then retries the completion
		appctx.GetLogger(c).Warn().Err(err).Str("session", s.ID).Msg("vfs: backend completion failed, session stays active")
		return nil, err
	}
	if err := f.ledger.Transition(c, s.ID, model.SessionCompleted, "", ""); err != nil {
		if _, ok := err.(errtypes.IsNotFound); !ok {
			return nil, err
		}
	}
	f.dropListing(res.Mount.ID, parentOf(fileSub))
	f.mounts.Touch(c, res.Mount.ID)
	return out, nil
}

// AbortMultipart cancels the upload. A backend that already dropped the
// upload is tolerated; the ledger row still settles.
func (f *FS) AbortMultipart(c context.Context, ref string) error {
	s, res, mp, err := f.sessionContext(c, ref)
	if err != nil {
		return err
	}
	if s.Status != model.SessionActive {
		return nil
	}
	if err := mp.AbortMultipartUpload(c, f.sessionSubPath(s, res), uploadRef(s)); err != nil {
		if terr := f.ledger.Transition(c, s.ID, model.SessionFailed, errtypes.Code(err), err.Error()); terr != nil {
			appctx.GetLogger(c).Warn().Err(terr).Str("session", s.ID).Msg("vfs: failing session after abort error")
		}
		return err
	}
	if err := f.ledger.Transition(c, s.ID, model.SessionAborted, "", ""); err != nil {
		if _, ok := err.(errtypes.IsNotFound); !ok {
			return err
		}
	}
	return nil
}

// ListParts reports backend side progress. A vanished backend upload
// expires the session and reports uploadNotFound instead of failing, so
// the client can reinitialize.
func (f *FS) ListParts(c context.Context, ref string) (*storage.PartList, error) {
	s, res, mp, err := f.sessionContext(c, ref)
	if err != nil {
		return nil, err
	}
	list, err := mp.ListMultipartParts(c, f.sessionSubPath(s, res), uploadRef(s))
	if err != nil {
		return nil, err
	}
	if list.UploadNotFound && s.Status == model.SessionActive {
		_ = f.ledger.Transition(c, s.ID, model.SessionExpired, "UPLOAD_NOT_FOUND", "backend upload vanished")
	}
	return list, nil
}

// RefreshPartURLs re-presigns the given part numbers.
func (f *FS) RefreshPartURLs(c context.Context, ref string, partNumbers []int) ([]storage.PartURL, error) {
	s, res, mp, err := f.sessionContext(c, ref)
	if err != nil {
		return nil, err
	}
	if s.Status != model.SessionActive {
		return nil, errtypes.BadRequest("session is " + s.Status)
	}
	return mp.RefreshMultipartURLs(c, f.sessionSubPath(s, res), s.ProviderUploadID, partNumbers)
}

// ReportProgress records client observed progress on the ledger row.
func (f *FS) ReportProgress(c context.Context, ref string, bytesUploaded int64, uploadedParts int, nextExpectedRange string) error {
	s, err := f.ledger.FindByUploadRef(c, ref)
	if err != nil {
		return err
	}
	return f.ledger.UpdateProgress(c, s.ID, bytesUploaded, uploadedParts, nextExpectedRange)
}

// ForwardChunk relays one chunk of a resumable session through the
// gateway. Terminal chunks settle the ledger row.
func (f *FS) ForwardChunk(c context.Context, ref string, rng storage.ContentRange, body io.Reader) (*storage.ChunkResult, error) {
	s, res, _, err := f.sessionContext(c, ref)
	if err != nil {
		return nil, err
	}
	if s.Status != model.SessionActive {
		return nil, errtypes.BadRequest("session is " + s.Status)
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return nil, err
	}
	fw, ok := d.(storage.ChunkForwarder)
	if !ok {
		return nil, errtypes.NotSupported("backend cannot relay chunks")
	}
	out, err := fw.UploadChunk(c, s.ProviderUploadURL, rng, body)
	if err != nil {
		return nil, err
	}
	if out.Done {
		if err := f.ledger.Transition(c, s.ID, model.SessionCompleted, "", ""); err != nil {
			if _, ok := err.(errtypes.IsNotFound); !ok {
				return nil, err
			}
		}
		f.dropListing(res.Mount.ID, parentOf(f.sessionSubPath(s, res)))
	} else {
		_ = f.ledger.UpdateProgress(c, s.ID, rng.End+1, s.UploadedParts+1, out.NextExpectedRange)
	}
	return out, nil
}

// AbortSessionBackend aborts the backend upload of a session without
// touching the ledger. Used by the sweeper after it expired the row.
func (f *FS) AbortSessionBackend(c context.Context, s *model.UploadSession) error {
	res, err := f.mounts.ResolveByPath(c, s.FsPath)
	if err != nil {
		return err
	}
	d, _, err := f.driverFor(c, res)
	if err != nil {
		return err
	}
	mp, ok := d.(storage.Multiparter)
	if !ok {
		return errtypes.NotSupported("backend cannot do multipart uploads")
	}
	return mp.AbortMultipartUpload(c, f.sessionSubPath(s, res), uploadRef(s))
}
