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

package hetzner

import (
	"context"

	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudapi"
)

// PowerOn tries to start a server that is unexpectedly off.
// A failure is logged and counted, never returned as an error.
func (m *Manager) PowerOn(ctx context.Context, id string) contracts.BestEffort {
	return m.bestEffort(ctx, contracts.OpPowerOn, id, func(ctx context.Context, serverID int64) error {
		_, _, err := m.client.PowerOnServer(ctx, serverID)
		return err
	})
}

// AttachToNetwork tries to attach a server to the last configured network.
// A failure is logged and counted, never returned as an error.
func (m *Manager) AttachToNetwork(ctx context.Context, id string) contracts.BestEffort {
	network := m.placement.Networks[len(m.placement.Networks)-1]
	return m.bestEffort(ctx, contracts.OpAttachToNetwork, id, func(ctx context.Context, serverID int64) error {
		_, _, err := m.client.AttachServerToNetwork(ctx, serverID, hcloudapi.ServerAttachToNetworkOpts{Network: network})
		return err
	})
}

func (m *Manager) bestEffort(ctx context.Context, op, id string, fn func(context.Context, int64) error) contracts.BestEffort {
	ctx, _, scope := m.begin(ctx, op, id)

	serverID, err := parseID(id)
	if err == nil {
		if err = fn(ctx, serverID); err != nil {
			err = translateError(op, err)
		}
	}

	scope.suppress(err)
	return contracts.BestEffort{Operation: op, ID: id, Err: err}
}
