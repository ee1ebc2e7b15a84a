// Copyright (c) 2024 Kestrel Cloud, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package leader

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	idString := NewID(5292)

	var id ID
	assert.NoError(t, json.Unmarshal([]byte(idString), &id))
	assert.Equal(t, 5292, id.HTTPPort)
	assert.NotEmpty(t, id.IP)
}

func TestLeaderZkPath(t *testing.T) {
	assert.Equal(
		t,
		"kestrel/cluster1/jobmgr/leader",
		leaderZkPath("/kestrel/cluster1", "jobmgr"),
	)
	assert.Equal(
		t,
		"kestrel/jobmgr/leader",
		leaderZkPath("kestrel", "jobmgr"),
	)
}
