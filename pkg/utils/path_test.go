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

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in       string
		isDir    bool
		expected string
	}{
		{"", false, "/"},
		{"/", false, "/"},
		{"//", false, "/"},
		{"foo", false, "/foo"},
		{"/foo/", false, "/foo"},
		{"/foo//bar///baz", false, "/foo/bar/baz"},
		{"/foo", true, "/foo/"},
		{"/", true, "/"},
		{"foo/bar/", true, "/foo/bar/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizePath(tt.in, tt.isDir), "in=%q isDir=%v", tt.in, tt.isDir)
	}
}

func TestNormalizePathIdempotent(t *testing.T) {
	for _, p := range []string{"", "/", "//a//b/", "x/y"} {
		once := NormalizePath(p, false)
		assert.Equal(t, once, NormalizePath(once, false))
	}
}

func TestIsSelfOrSub(t *testing.T) {
	assert.True(t, IsSelfOrSub("/a", "/a"))
	assert.True(t, IsSelfOrSub("/a", "/a/b"))
	assert.True(t, IsSelfOrSub("/", "/anything"))
	assert.False(t, IsSelfOrSub("/a", "/ab"))
	assert.False(t, IsSelfOrSub("/a/b", "/a"))
}

func TestCanNavigate(t *testing.T) {
	tests := []struct {
		base, target string
		expected     bool
	}{
		{"/", "/x", true},
		{"/docs/team", "/docs/team", true},
		{"/docs/team", "/docs/team/q1", true},
		// strict ancestors are visible so the caller can walk down
		{"/docs/team", "/docs", true},
		{"/docs/team", "/", true},
		// siblings are not
		{"/docs/team", "/docs/other", false},
		{"/docs/team", "/docsteam", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, CanNavigate(tt.base, tt.target), "base=%q target=%q", tt.base, tt.target)
	}
}

func TestFirstSegment(t *testing.T) {
	tests := []struct {
		prefix, p, expected string
	}{
		{"/", "/a/b/c", "a"},
		{"/a", "/a/b/c", "b"},
		{"/a/b", "/a/b/c", "c"},
		{"/a/b/c", "/a/b/c", ""},
		{"/x", "/a/b", ""},
		{"/", "/", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FirstSegment(tt.prefix, tt.p), "prefix=%q p=%q", tt.prefix, tt.p)
	}
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/a/b/c", JoinPath("/a", "b", "c"))
	assert.Equal(t, "/a/b", JoinPath("a/", "/b/"))
	assert.Equal(t, "/", JoinPath("", ""))
}

func TestSplitExt(t *testing.T) {
	tests := []struct {
		in, base, ext string
	}{
		{"report.pdf", "report", ".pdf"},
		{"archive.tar.gz", "archive.tar", ".gz"},
		{"noext", "noext", ""},
		{".hidden", "", ".hidden"},
	}
	for _, tt := range tests {
		base, ext := SplitExt(tt.in)
		assert.Equal(t, tt.base, base, "in=%q", tt.in)
		assert.Equal(t, tt.ext, ext, "in=%q", tt.in)
	}
}
