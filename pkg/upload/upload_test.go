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

package upload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/store/model"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return NewLedger(db)
}

func newSession(fp string) *model.UploadSession {
	return &model.UploadSession{
		Fingerprint:      fp,
		StorageType:      "s3",
		StorageConfigID:  "c1",
		MountID:          "m1",
		FsPath:           "/m/video.mp4",
		FileName:         "video.mp4",
		FileSize:         2 << 30,
		Strategy:         "per_part_url",
		PartSize:         5 << 20,
		TotalParts:       410,
		ProviderUploadID: "prov-1",
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("k1", "s3", "c1", "m1", "/m/f.bin", "f.bin", 42)
	b := Fingerprint("k1", "s3", "c1", "m1", "/m/f.bin", "f.bin", 42)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// every input participates
	assert.NotEqual(t, a, Fingerprint("k2", "s3", "c1", "m1", "/m/f.bin", "f.bin", 42))
	assert.NotEqual(t, a, Fingerprint("k1", "s3", "c1", "m1", "/m/f.bin", "f.bin", 43))
	// field boundaries are delimited, not concatenated
	assert.NotEqual(t,
		Fingerprint("ab", "c", "c1", "m1", "/p", "n", 1),
		Fingerprint("a", "bc", "c1", "m1", "/p", "n", 1))
}

func TestCreateAndLookup(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	s := newSession("fp-1")
	require.NoError(t, l.Create(ctx, s))
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, model.SessionActive, s.Status)
	require.NotNil(t, s.ExpiresAt)

	got, err := l.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "video.mp4", got.FileName)

	byFp, err := l.FindActiveByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, byFp.ID)

	byRef, err := l.FindByUploadRef(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, byRef.ID)

	_, err = l.Get(ctx, "missing")
	_, ok := err.(errtypes.IsNotFound)
	assert.True(t, ok)
}

func TestUpdateProgress(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	s := newSession("fp-2")
	require.NoError(t, l.Create(ctx, s))
	require.NoError(t, l.UpdateProgress(ctx, s.ID, 10<<20, 2, "10485760-"))

	got, err := l.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), got.BytesUploaded)
	assert.Equal(t, 2, got.UploadedParts)

	// progress on a settled session is refused
	require.NoError(t, l.Transition(ctx, s.ID, model.SessionCompleted, "", ""))
	assert.Error(t, l.UpdateProgress(ctx, s.ID, 20<<20, 4, ""))
}

func TestClaimActiveSingleWinner(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	first := newSession("fp-claim")
	winner, created, err := l.ClaimActive(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, winner.ID)

	// a second claim for the same fingerprint loses the insert and
	// resolves to the row that won
	second := newSession("fp-claim")
	second.ProviderUploadID = "prov-2"
	winner, created, err = l.ClaimActive(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, winner.ID)

	active, err := l.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)

	// settling the winner clears the claim, a fresh session can start
	require.NoError(t, l.Transition(ctx, first.ID, model.SessionCompleted, "", ""))
	settled, err := l.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, settled.ActiveFingerprint)

	third := newSession("fp-claim")
	third.ProviderUploadID = "prov-3"
	winner, created, err = l.ClaimActive(ctx, third)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, third.ID, winner.ID)
}

func TestTransitionGuard(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	s := newSession("fp-3")
	require.NoError(t, l.Create(ctx, s))

	assert.Error(t, l.Transition(ctx, s.ID, "bogus", "", ""))

	require.NoError(t, l.Transition(ctx, s.ID, model.SessionAborted, "client_abort", "user cancelled"))
	got, err := l.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionAborted, got.Status)
	assert.Equal(t, "client_abort", got.ErrorCode)

	// the first terminal writer wins, the second transition misses the guard
	err = l.Transition(ctx, s.ID, model.SessionCompleted, "", "")
	_, ok := err.(errtypes.IsNotFound)
	assert.True(t, ok)
}

func TestExpireStale(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	fresh := newSession("fp-fresh")
	require.NoError(t, l.Create(ctx, fresh))

	stale := newSession("fp-stale")
	past := time.Now().Add(-time.Hour)
	stale.ExpiresAt = &past
	require.NoError(t, l.Create(ctx, stale))

	expired, err := l.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)

	got, err := l.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, got.Status)

	still, err := l.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, still.Status)
}
