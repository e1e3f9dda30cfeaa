// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpuisol/isold/cpuset"
)

func TestFakeIsolationFailure(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.SetIsolation(true))
	f.FailIsolation = true
	assert.Error(t, f.SetIsolation(true))
	assert.NoError(t, f.SetIsolation(false))
}

func TestFakeAffinityRoundTrip(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.SetAffinity(42, cpuset.New(1, 2)))
	got, err := f.GetAffinity(42)
	require.NoError(t, err)
	assert.True(t, cpuset.Equal(cpuset.New(1, 2), got))
}

func TestFakeLossSignal(t *testing.T) {
	f := NewFake()
	var fired int
	require.NoError(t, f.InstallLossSignal(func() { fired++ }))
	f.SimulateIsolationLoss()
	assert.Equal(t, 1, fired)
}

func TestFakeGettidIncrements(t *testing.T) {
	f := NewFake()
	a := f.Gettid()
	b := f.Gettid()
	assert.NotEqual(t, a, b)
}
