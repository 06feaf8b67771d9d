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
	"net/url"
	"sort"
	"strconv"

	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudapi"
)

// mapServer converts a Hetzner server to the canonical record.
// The private address comes from the first private network attachment; the
// host routes through the region gateway, which proxies by private address.
func mapServer(server *hcloudapi.Server, binding contracts.Binding, gateway string) contracts.VM {
	vm := contracts.VM{
		ID:           strconv.FormatInt(server.ID, 10),
		Pass:         server.Name,
		State:        server.Status,
		CreationDate: server.Created,
		OriginalName: server.Labels[OriginalNameLabel],
		Provider:     ProviderName,
		Large:        binding.Large,
		Region:       binding.Region,
	}

	if len(server.PrivateNet) > 0 {
		vm.PrivateIP = server.PrivateNet[0].IP
	}
	vm.Host = gateway + "/?ip=" + url.QueryEscape(vm.PrivateIP)

	vm.Tags = make([]string, 0, len(server.Labels))
	for key := range server.Labels {
		vm.Tags = append(vm.Tags, key)
	}
	sort.Strings(vm.Tags)

	return vm
}
