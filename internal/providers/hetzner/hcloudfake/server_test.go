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

package hcloudfake

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudapi"
)

func startClient(t *testing.T, opts ...Option) (*Server, *hcloudapi.Client) {
	t.Helper()

	fake, endpoint, stop, err := StartFakeServer(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stop() })

	client, err := hcloudapi.NewClient(&hcloudapi.Config{Endpoint: endpoint, Token: "token"})
	require.NoError(t, err)
	return fake, client
}

func TestFake_CreateAssignsPrivateNetwork(t *testing.T) {
	fake, client := startClient(t)

	result, _, err := client.CreateServer(context.Background(), hcloudapi.ServerCreateOpts{
		Name: "a", ServerType: "cpx11", Image: 1, Networks: []int64{5}, StartAfterCreate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, hcloudapi.ServerStatusRunning, result.Server.Status)
	require.Len(t, result.Server.PrivateNet, 1)
	assert.Equal(t, int64(5), result.Server.PrivateNet[0].Network)
	assert.NotEmpty(t, result.Server.PrivateNet[0].IP)
	assert.Equal(t, 1, fake.Count())
}

func TestFake_DeferNetwork(t *testing.T) {
	_, client := startClient(t, WithConfig(Config{DeferNetwork: true, RateLimitLimit: 100}))
	ctx := context.Background()

	result, _, err := client.CreateServer(ctx, hcloudapi.ServerCreateOpts{Name: "a", ServerType: "cpx11", Image: 1, Networks: []int64{5}})
	require.NoError(t, err)
	assert.Empty(t, result.Server.PrivateNet)
	assert.Equal(t, hcloudapi.ServerStatusOff, result.Server.Status)

	_, _, err = client.AttachServerToNetwork(ctx, result.Server.ID, hcloudapi.ServerAttachToNetworkOpts{Network: 5})
	require.NoError(t, err)
	_, _, err = client.PowerOnServer(ctx, result.Server.ID)
	require.NoError(t, err)

	server, resp, err := client.GetServer(ctx, result.Server.ID)
	require.NoError(t, err)
	assert.Len(t, server.PrivateNet, 1)
	assert.Equal(t, hcloudapi.ServerStatusRunning, server.Status)
	assert.Equal(t, 96, resp.RateLimitRemaining)
}

func TestFake_ListPaginationAndSelector(t *testing.T) {
	fake, client := startClient(t)
	for i := 0; i < 7; i++ {
		labels := map[string]string{"pool": "1"}
		if i%2 == 1 {
			labels = map[string]string{"other": "x"}
		}
		fake.AddServer(hcloudapi.Server{Name: "s", Labels: labels})
	}
	ctx := context.Background()

	page1, _, err := client.ListServers(ctx, hcloudapi.ServerListOpts{Page: 1, PerPage: 3, Sort: "id:asc", LabelSelector: "pool"})
	require.NoError(t, err)
	require.Len(t, page1.Servers, 3)
	assert.Less(t, page1.Servers[0].ID, page1.Servers[1].ID)
	require.NotNil(t, page1.Meta.Pagination.NextPage)
	assert.Equal(t, 4, *page1.Meta.Pagination.TotalEntries)

	page2, _, err := client.ListServers(ctx, hcloudapi.ServerListOpts{Page: 2, PerPage: 3, Sort: "id:asc", LabelSelector: "pool"})
	require.NoError(t, err)
	assert.Len(t, page2.Servers, 1)
	assert.Nil(t, page2.Meta.Pagination.NextPage)

	page3, _, err := client.ListServers(ctx, hcloudapi.ServerListOpts{Page: 3, PerPage: 3, LabelSelector: "pool"})
	require.NoError(t, err)
	assert.Empty(t, page3.Servers)

	negated, _, err := client.ListServers(ctx, hcloudapi.ServerListOpts{PerPage: 50, LabelSelector: "!pool"})
	require.NoError(t, err)
	assert.Len(t, negated.Servers, 3)

	valued, _, err := client.ListServers(ctx, hcloudapi.ServerListOpts{PerPage: 50, LabelSelector: "other=x"})
	require.NoError(t, err)
	assert.Len(t, valued.Servers, 3)
}

func TestFake_InjectFailure(t *testing.T) {
	fake, client := startClient(t)
	id := fake.AddServer(hcloudapi.Server{Name: "a", Status: hcloudapi.ServerStatusRunning})
	fake.InjectFailure(RouteGet, Failure{StatusCode: http.StatusServiceUnavailable, Code: hcloudapi.ErrorCodeServiceError, Message: "boom"})

	_, _, err := client.GetServer(context.Background(), id)
	var apiErr *hcloudapi.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	_, _, err = client.GetServer(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, fake.Requests(RouteGet), 2)
}

func TestFake_RequiresToken(t *testing.T) {
	_, endpoint, stop, err := StartFakeServer(WithConfig(Config{Token: "right", RateLimitLimit: 10}))
	require.NoError(t, err)
	defer stop() //nolint:errcheck

	client, err := hcloudapi.NewClient(&hcloudapi.Config{Endpoint: endpoint, Token: "wrong"})
	require.NoError(t, err)

	_, _, err = client.ListServers(context.Background(), hcloudapi.ServerListOpts{})
	var apiErr *hcloudapi.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestFake_NotFoundAndConflict(t *testing.T) {
	_, client := startClient(t)
	ctx := context.Background()

	_, _, err := client.DeleteServer(ctx, 999999)
	var apiErr *hcloudapi.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, hcloudapi.ErrorCodeNotFound, apiErr.Code)

	opts := hcloudapi.ServerCreateOpts{Name: "dup", ServerType: "cpx11", Image: 1}
	_, _, err = client.CreateServer(ctx, opts)
	require.NoError(t, err)
	_, _, err = client.CreateServer(ctx, opts)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestLabelSelector(t *testing.T) {
	labels := map[string]string{"a": "1", "b": "2"}
	cases := map[string]bool{
		"":        true,
		"a":       true,
		"c":       false,
		"!c":      true,
		"!a":      false,
		"a=1":     true,
		"a==1":    true,
		"a=2":     false,
		"a!=2":    true,
		"b!=2":    false,
		"a,b=2":   true,
		"a,b=3":   false,
		"c!=1,!d": true,
	}
	for raw, want := range cases {
		selector, err := parseLabelSelector(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, selector.matches(labels), raw)
	}

	_, err := parseLabelSelector("a,,b")
	assert.Error(t, err)
}
