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

package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
)

func apiKey(authorities uint32, basicPath string) *ctx.Principal {
	return &ctx.Principal{
		Kind:        ctx.KindAPIKey,
		ID:          "k1",
		Name:        "test key",
		BasicPath:   basicPath,
		Authorities: authorities,
	}
}

func TestHas(t *testing.T) {
	assert.True(t, Has(MountView|MountUpload, MountView))
	assert.True(t, Has(MountView|MountUpload, MountView|MountUpload))
	assert.False(t, Has(MountView, MountUpload))
	assert.True(t, Has(0, 0))
}

func TestEvaluateAnonymous(t *testing.T) {
	err := Evaluate(context.Background(), ctx.Anonymous(), Policy{Require: MountView}, "/x")
	assert.Error(t, err)
	_, ok := err.(errtypes.IsUserRequired)
	assert.True(t, ok)

	err = Evaluate(context.Background(), nil, Policy{}, "")
	assert.Error(t, err)
}

func TestEvaluateAdminBypass(t *testing.T) {
	admin := &ctx.Principal{Kind: ctx.KindAdmin, ID: "admin"}
	assert.NoError(t, Evaluate(context.Background(), admin, Policy{Require: MountDelete}, "/anywhere"))

	pol := Policy{Require: MountDelete, NoAdminBypass: true}
	assert.Error(t, Evaluate(context.Background(), admin, pol, "/anywhere"))
}

func TestEvaluateAuthorities(t *testing.T) {
	p := apiKey(MountView|MountUpload, "/")
	assert.NoError(t, Evaluate(context.Background(), p, Policy{Require: MountView}, ""))

	err := Evaluate(context.Background(), p, Policy{Require: MountDelete, Message: "no deletion"}, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no deletion")
	_, ok := err.(errtypes.IsPermissionDenied)
	assert.True(t, ok)
}

func TestEvaluatePathModes(t *testing.T) {
	p := apiKey(MountView, "/docs/team")

	nav := Policy{Require: MountView, PathCheck: &PathCheck{Mode: PathModeNavigation}}
	// inside the scope
	assert.NoError(t, Evaluate(context.Background(), p, nav, "/docs/team/q1"))
	// ancestors are visible for navigation
	assert.NoError(t, Evaluate(context.Background(), p, nav, "/docs"))
	assert.NoError(t, Evaluate(context.Background(), p, nav, "/"))
	// siblings are not
	assert.Error(t, Evaluate(context.Background(), p, nav, "/docs/other"))

	exact := Policy{Require: MountView, PathCheck: &PathCheck{Mode: PathModeExact}}
	assert.NoError(t, Evaluate(context.Background(), p, exact, "/docs/team/q1"))
	// ancestors fail the exact check: writes may not escape the scope
	assert.Error(t, Evaluate(context.Background(), p, exact, "/docs"))
	assert.Error(t, Evaluate(context.Background(), p, exact, "/"))
}

func TestEvaluatePredicate(t *testing.T) {
	p := apiKey(FileShare, "/")
	pol := Policy{
		Require:   FileShare,
		Predicate: func(context.Context, *ctx.Principal) bool { return false },
	}
	assert.Error(t, Evaluate(context.Background(), p, pol, ""))
}
