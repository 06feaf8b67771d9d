/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectbeskar/vmpool/internal/providers/contracts"
)

func binding() contracts.Binding {
	return contracts.Binding{Region: "EU"}
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(binding(), WithFailureMode(""))
	ctx := context.Background()

	id, err := m.StartVM(ctx, "worker-1")
	require.NoError(t, err)

	vm, err := m.GetVM(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, vm)
	assert.Equal(t, "worker-1", vm.OriginalName)
	assert.Equal(t, "worker-1", vm.Pass)
	assert.Equal(t, ProviderName, vm.Provider)
	assert.True(t, vm.HasTag("vmpool-mock-eu"))

	require.NoError(t, m.RebootVM(ctx, id))
	vm, err = m.GetVM(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, "worker-1", vm.Pass)
	assert.Equal(t, "worker-1", vm.OriginalName)

	require.NoError(t, m.TerminateVM(ctx, id))
	assert.True(t, contracts.IsNotFound(m.TerminateVM(ctx, id)))
	_, err = m.GetVM(ctx, id)
	assert.True(t, contracts.IsNotFound(err))
}

func TestManager_ReadyAfter(t *testing.T) {
	m := NewManager(binding(), WithFailureMode(""), WithReadyAfter(3))
	ctx := context.Background()

	id, err := m.StartVM(ctx, "w")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		vm, err := m.GetVM(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, vm)
	}
	vm, err := m.GetVM(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, vm)
	assert.True(t, vm.Ready())
}

func TestManager_ListFiltersPoolTag(t *testing.T) {
	ctx := context.Background()
	normal := NewManager(binding(), WithFailureMode(""))
	_, err := normal.StartVM(ctx, "a")
	require.NoError(t, err)
	_, err = normal.StartVM(ctx, "b")
	require.NoError(t, err)

	vms, err := normal.ListVMs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, vms, 2)

	vms, err = normal.ListVMs(ctx, "originalName=a")
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, "a", vms[0].OriginalName)

	vms, err = normal.ListVMs(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, vms)
}

func TestManager_BestEffort(t *testing.T) {
	m := NewManager(binding(), WithFailureMode(""), WithReadyAfter(100))
	ctx := context.Background()

	id, err := m.StartVM(ctx, "w")
	require.NoError(t, err)
	m.SetState(id, "off")

	assert.True(t, m.PowerOn(ctx, id).OK())
	assert.True(t, m.AttachToNetwork(ctx, id).OK())

	vm, err := m.GetVM(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, vm)
	assert.Equal(t, "running", vm.State)

	missing := m.PowerOn(ctx, "nope")
	assert.True(t, contracts.IsNotFound(missing.Err))
}

func TestManager_FailureMode(t *testing.T) {
	ctx := context.Background()

	m := NewManager(binding(), WithFailureMode(OpStart))
	_, err := m.StartVM(ctx, "w")
	assert.True(t, contracts.IsRetryable(err))
	_, err = m.ListVMs(ctx, "")
	assert.NoError(t, err)

	m = NewManager(binding(), WithFailureMode(OpAll))
	result := m.AttachToNetwork(ctx, "x")
	assert.False(t, result.OK())
	assert.Equal(t, contracts.OpAttachToNetwork, result.Operation)
}

func TestManager_CanceledContext(t *testing.T) {
	m := NewManager(binding(), WithFailureMode(""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.StartVM(ctx, "w")
	assert.ErrorIs(t, err, context.Canceled)
}
