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

	"golang.org/x/sync/errgroup"

	"github.com/projectbeskar/vmpool/internal/obs/tracing"
	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudapi"
)

// listSort keeps pages in ascending id order
const listSort = "id:asc"

// pageCount returns how many pages cover the pool limit; a limit of zero
// or less covers exactly one page
func pageCount(limit, pageSize int) int {
	if limit <= 0 {
		limit = 1
	}
	return (limit + pageSize - 1) / pageSize
}

// ListVMs fetches every page covering the pool limit concurrently and keeps
// only servers carrying the pool tag. Any failed page fails the listing.
func (m *Manager) ListVMs(ctx context.Context, filter string) (_ []contracts.VM, err error) {
	ctx, log, scope := m.begin(ctx, "ListVMs", "")
	defer func() { scope.end(err) }()

	pages := pageCount(m.poolLimit, m.pageSize)
	results := make([][]contracts.VM, pages)
	poolTag := m.binding.PoolTag()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < pages; i++ {
		page := i + 1
		g.Go(func() error {
			pctx, span := tracing.StartSpan(gctx, "vmpool."+metricsLabel+".ListVMs.page")
			span.SetAttributes(tracing.AttrPage.Int(page))

			result, _, err := m.client.ListServers(pctx, hcloudapi.ServerListOpts{
				Page:          page,
				PerPage:       m.pageSize,
				Sort:          listSort,
				LabelSelector: filter,
			})
			if err != nil {
				err = translateError("list servers", err)
				tracing.EndSpan(span, err)
				return err
			}
			tracing.EndSpan(span, nil)

			vms := make([]contracts.VM, 0, len(result.Servers))
			for i := range result.Servers {
				vm := mapServer(&result.Servers[i], m.binding, m.placement.Gateway)
				if vm.HasTag(poolTag) {
					vms = append(vms, vm)
				}
			}
			results[page-1] = vms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vms := make([]contracts.VM, 0)
	for _, page := range results {
		vms = append(vms, page...)
	}

	log.V(1).Info("Listed servers", "pages", pages, "count", len(vms), "filter", filter)
	return vms, nil
}
