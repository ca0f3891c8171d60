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

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	sealed, err := Seal("secret", `{"access_key":"AKIA..."}`)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "AKIA")

	plain, err := Open("secret", sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"access_key":"AKIA..."}`, plain)
}

func TestSealIsRandomized(t *testing.T) {
	a, err := Seal("secret", "v")
	require.NoError(t, err)
	b, err := Seal("secret", "v")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	sealed, err := Seal("secret", "v")
	require.NoError(t, err)

	_, err = Open("other", sealed)
	assert.Error(t, err)

	_, err = Open("secret", "not base64 at all!!!")
	assert.Error(t, err)

	_, err = Open("secret", "c2hvcnQ=")
	assert.Error(t, err)
}
