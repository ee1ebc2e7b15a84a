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

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrierExhaustsAttempts(t *testing.T) {
	r := NewRetrier(NewRetryPolicy(3, 10*time.Millisecond))

	assert.Equal(t, 10*time.Millisecond, r.NextBackOff())
	assert.Equal(t, 10*time.Millisecond, r.NextBackOff())
	assert.Equal(t, Done, r.NextBackOff())
}

func TestRetrierSingleAttempt(t *testing.T) {
	r := NewRetrier(NewRetryPolicy(1, time.Second))
	assert.Equal(t, Done, r.NextBackOff())
}
