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
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectbeskar/vmpool/internal/cloudinit"
	"github.com/projectbeskar/vmpool/internal/config"
	"github.com/projectbeskar/vmpool/internal/obs/metrics"
	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudapi"
	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudfake"
)

const (
	testImage   = int64(4711)
	testGateway = "https://gw.example.com"
)

var testNetworks = []int64{101, 102, 103}

func testConfig(endpoint string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.RateLimit.QPS = 0
	cfg.Pool.Limit = 10
	cfg.Pool.LimitLarge = 2
	cfg.CloudInit.ImageName = "pool-image"
	cfg.Hetzner = config.HetznerConfig{
		Endpoint:        endpoint,
		Token:           "test-token",
		SSHKeys:         []int64{1, 2},
		Image:           testImage,
		ServerType:      "cpx11",
		ServerTypeLarge: "cpx31",
		RequestTimeout:  5 * time.Second,
		Regions: map[string]config.HetznerRegionConfig{
			config.RegionDefault: {
				Networks:    testNetworks,
				Datacenters: []string{"nbg1", "fsn1", "hel1"},
				Gateway:     testGateway,
			},
			config.RegionUS: {
				Networks:    []int64{201},
				Datacenters: []string{"ash"},
				Gateway:     "https://gw-us.example.com",
			},
		},
	}
	return cfg
}

// newTestManager starts a fake API and binds a manager to it
func newTestManager(t *testing.T, binding contracts.Binding, mutate func(*config.Config), opts ...Option) (*Manager, *hcloudfake.Server, *config.Config) {
	t.Helper()
	return newTestManagerWithFake(t, hcloudfake.Config{}, binding, mutate, opts...)
}

// newTestManagerWithFake starts the fake with fakeCfg; Token and RateLimitLimit are always set
func newTestManagerWithFake(t *testing.T, fakeCfg hcloudfake.Config, binding contracts.Binding, mutate func(*config.Config), opts ...Option) (*Manager, *hcloudfake.Server, *config.Config) {
	t.Helper()

	fakeCfg.Token = "test-token"
	fakeCfg.RateLimitLimit = 3600
	fake, endpoint, stop, err := hcloudfake.StartFakeServer(hcloudfake.WithConfig(fakeCfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = stop() })

	cfg := testConfig(endpoint)
	if mutate != nil {
		mutate(cfg)
	}

	m, err := New(cfg, binding, opts...)
	require.NoError(t, err)
	return m, fake, cfg
}

func eu(large bool) contracts.Binding {
	return contracts.Binding{Provider: ProviderName, Region: config.RegionDefault, Large: large}
}

func decodeCreate(t *testing.T, fake *hcloudfake.Server) hcloudapi.ServerCreateOpts {
	t.Helper()
	reqs := fake.Requests(hcloudfake.RouteCreate)
	require.Len(t, reqs, 1)
	var opts hcloudapi.ServerCreateOpts
	require.NoError(t, json.Unmarshal(reqs[0].Body, &opts))
	return opts
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, eu(false))
	assert.Error(t, err)

	cfg := testConfig("http://127.0.0.1:1/v1")
	_, err = New(cfg, contracts.Binding{Provider: "Vultr", Region: "EU"})
	assert.Error(t, err)

	cfg.Hetzner.Token = ""
	_, err = New(cfg, eu(false))
	var pe *contracts.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, contracts.ErrorTypeInvalidSpec, pe.Type)
}

func TestNew_RequiresImageName(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/v1")
	cfg.CloudInit.ImageName = ""

	_, err := New(cfg, eu(false))
	var pe *contracts.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, contracts.ErrorTypeInvalidSpec, pe.Type)
	assert.ErrorContains(t, err, "cloud-init image name is required")
}

func TestNew_RejectsMalformedEnvironmentLists(t *testing.T) {
	t.Setenv("HETZNER_TOKEN", "test-token")
	t.Setenv("HETZNER_IMAGE", "4711")
	t.Setenv("HETZNER_GATEWAY", testGateway)
	t.Setenv("HETZNER_NETWORKS", "101")
	t.Setenv("HETZNER_SSH_KEYS", "12,3x4")
	t.Setenv("VM_IMAGE_NAME", "pool-image")

	_, err := New(config.DefaultConfig(), eu(false))
	var pe *contracts.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, contracts.ErrorTypeInvalidSpec, pe.Type)
	assert.ErrorContains(t, err, "HETZNER_SSH_KEYS")
}

func TestNew_Defaults(t *testing.T) {
	m, err := New(testConfig("http://127.0.0.1:1/v1"), contracts.Binding{})
	require.NoError(t, err)
	assert.Equal(t, contracts.Binding{Provider: ProviderName, Region: config.RegionDefault}, m.Binding())
	assert.Equal(t, DefaultPageSize, m.pageSize)
	assert.Equal(t, "vmpool-hetzner-eu", m.Binding().PoolTag())
}

func TestNew_RegionPlacement(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/v1")

	us, err := New(cfg, contracts.Binding{Region: config.RegionUS})
	require.NoError(t, err)
	assert.Equal(t, []string{"ash"}, us.placement.Datacenters)
	assert.Equal(t, "https://gw-us.example.com", us.placement.Gateway)

	other, err := New(cfg, contracts.Binding{Region: "APAC"})
	require.NoError(t, err)
	assert.Equal(t, []string{"nbg1", "fsn1", "hel1"}, other.placement.Datacenters)
	assert.Equal(t, "vmpool-hetzner-apac", other.Binding().PoolTag())
}

func TestStartVM_LargeTier(t *testing.T) {
	var gotImage, gotResolution string
	var gotFlags cloudinit.FeatureFlags
	generator := cloudinit.GeneratorFunc(func(imageName, resolution string, flags cloudinit.FeatureFlags) ([]byte, error) {
		gotImage, gotResolution, gotFlags = imageName, resolution, flags
		return []byte("#cloud-config\n"), nil
	})

	m, fake, _ := newTestManager(t, eu(true), nil, WithGenerator(generator))

	id, err := m.StartVM(context.Background(), "worker-7")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	opts := decodeCreate(t, fake)
	assert.Equal(t, "worker-7", opts.Name)
	assert.Equal(t, "cpx31", opts.ServerType)
	assert.Equal(t, "worker-7", opts.Labels[OriginalNameLabel])
	assert.Equal(t, "1", opts.Labels["vmpool-hetzner-eu-large"])
	assert.True(t, opts.StartAfterCreate)
	assert.Equal(t, testImage, opts.Image)
	assert.Equal(t, []int64{1, 2}, opts.SSHKeys)
	assert.Equal(t, "#cloud-config\n", opts.UserData)

	assert.Equal(t, "pool-image", gotImage)
	assert.Equal(t, LargeResolution, gotResolution)
	assert.Equal(t, cloudinit.FeatureFlags{false, false, true}, gotFlags)

	serverID, err := strconv.ParseInt(id, 10, 64)
	require.NoError(t, err)
	server, ok := fake.Server(serverID)
	require.True(t, ok)
	assert.Equal(t, "worker-7", server.Name)
}

func TestStartVM_NormalTier(t *testing.T) {
	var gotResolution = "unset"
	generator := cloudinit.GeneratorFunc(func(_, resolution string, _ cloudinit.FeatureFlags) ([]byte, error) {
		gotResolution = resolution
		return []byte("x"), nil
	})
	m, fake, _ := newTestManager(t, eu(false), nil, WithGenerator(generator))

	_, err := m.StartVM(context.Background(), "worker-1")
	require.NoError(t, err)

	opts := decodeCreate(t, fake)
	assert.Equal(t, "cpx11", opts.ServerType)
	assert.Equal(t, "", gotResolution)
	assert.Contains(t, opts.Labels, "vmpool-hetzner-eu")
	require.Len(t, opts.Networks, 1)
	assert.Contains(t, testNetworks, opts.Networks[0])
	assert.Contains(t, []string{"nbg1", "fsn1", "hel1"}, opts.Location)
}

func TestStartVM_DefaultGenerator(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)

	_, err := m.StartVM(context.Background(), "worker-2")
	require.NoError(t, err)

	opts := decodeCreate(t, fake)
	assert.Contains(t, opts.UserData, cloudinit.Header)
	assert.Contains(t, opts.UserData, "pool-image")
}

func TestStartVM_PropagatesErrors(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)
	fake.InjectFailure(hcloudfake.RouteCreate, hcloudfake.Failure{
		StatusCode: http.StatusForbidden, Code: "forbidden", Message: "insufficient permissions",
	})

	_, err := m.StartVM(context.Background(), "worker-3")
	var pe *contracts.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, contracts.ErrorTypeUnauthorized, pe.Type)
	assert.Equal(t, http.StatusForbidden, pe.StatusCode)

	failing := cloudinit.GeneratorFunc(func(string, string, cloudinit.FeatureFlags) ([]byte, error) {
		return nil, errors.New("template broken")
	})
	m, fake, _ = newTestManager(t, eu(false), nil, WithGenerator(failing))
	_, err = m.StartVM(context.Background(), "worker-4")
	require.Error(t, err)
	assert.Empty(t, fake.Requests(hcloudfake.RouteCreate))
}

func TestChoosePlacement_CoversAllOptions(t *testing.T) {
	m, err := New(testConfig("http://127.0.0.1:1/v1"), eu(false))
	require.NoError(t, err)

	networks := map[int64]int{}
	locations := map[string]int{}
	for i := 0; i < 10000; i++ {
		network, location := m.choosePlacement()
		networks[network]++
		locations[location]++
	}

	require.Len(t, networks, len(testNetworks))
	for _, n := range testNetworks {
		assert.Greater(t, networks[n], 0, "network %d never selected", n)
	}
	require.Len(t, locations, 3)
	for _, dc := range []string{"nbg1", "fsn1", "hel1"} {
		assert.Greater(t, locations[dc], 0, "location %s never selected", dc)
	}
}

func TestChoosePlacement_UsesPicker(t *testing.T) {
	m, err := New(testConfig("http://127.0.0.1:1/v1"), eu(false), WithPicker(func(n int) int { return n - 1 }))
	require.NoError(t, err)

	network, location := m.choosePlacement()
	assert.Equal(t, int64(103), network)
	assert.Equal(t, "hel1", location)
}

func TestTerminateVM(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)
	id := fake.AddServer(hcloudapi.Server{Name: "a", Status: hcloudapi.ServerStatusRunning})

	require.NoError(t, m.TerminateVM(context.Background(), strconv.FormatInt(id, 10)))
	assert.Equal(t, 0, fake.Count())

	err := m.TerminateVM(context.Background(), strconv.FormatInt(id, 10))
	assert.True(t, contracts.IsNotFound(err))
}

func TestRebootVM_RenameThenRebuild(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)
	id := fake.AddServer(hcloudapi.Server{Name: "worker-9", Status: hcloudapi.ServerStatusRunning,
		Labels: map[string]string{OriginalNameLabel: "worker-9"}})

	require.NoError(t, m.RebootVM(context.Background(), strconv.FormatInt(id, 10)))

	reqs := fake.Requests(hcloudfake.RouteUpdate, hcloudfake.RouteRebuild)
	require.Len(t, reqs, 2)
	assert.Equal(t, hcloudfake.RouteUpdate, reqs[0].Route)
	assert.Equal(t, hcloudfake.RouteRebuild, reqs[1].Route)

	var update hcloudapi.ServerUpdateOpts
	require.NoError(t, json.Unmarshal(reqs[0].Body, &update))
	_, err := uuid.Parse(update.Name)
	assert.NoError(t, err, "credential should be a UUID")

	var rebuild hcloudapi.ServerRebuildOpts
	require.NoError(t, json.Unmarshal(reqs[1].Body, &rebuild))
	assert.Equal(t, testImage, rebuild.Image)

	server, ok := fake.Server(id)
	require.True(t, ok)
	assert.Equal(t, update.Name, server.Name)
	assert.Equal(t, "worker-9", server.Labels[OriginalNameLabel])
}

func TestRebootVM_RotatesCredential(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)
	id := strconv.FormatInt(fake.AddServer(hcloudapi.Server{Name: "a"}), 10)

	require.NoError(t, m.RebootVM(context.Background(), id))
	require.NoError(t, m.RebootVM(context.Background(), id))

	reqs := fake.Requests(hcloudfake.RouteUpdate)
	require.Len(t, reqs, 2)
	assert.NotEqual(t, string(reqs[0].Body), string(reqs[1].Body))
}

func TestRebootVM_RenameFailureSkipsRebuild(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)
	id := fake.AddServer(hcloudapi.Server{Name: "a"})
	fake.InjectFailure(hcloudfake.RouteUpdate, hcloudfake.Failure{StatusCode: http.StatusLocked, Code: hcloudapi.ErrorCodeLocked, Message: "locked"})

	err := m.RebootVM(context.Background(), strconv.FormatInt(id, 10))
	require.Error(t, err)
	assert.True(t, contracts.IsRetryable(err))
	assert.Empty(t, fake.Requests(hcloudfake.RouteRebuild))

	server, _ := fake.Server(id)
	assert.Equal(t, "a", server.Name)
}

func TestRebootVM_RebuildFailureLeavesRename(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)
	id := fake.AddServer(hcloudapi.Server{Name: "a"})
	fake.InjectFailure(hcloudfake.RouteRebuild, hcloudfake.Failure{StatusCode: http.StatusInternalServerError, Code: hcloudapi.ErrorCodeServiceError, Message: "boom"})

	err := m.RebootVM(context.Background(), strconv.FormatInt(id, 10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebuild after rename")

	server, _ := fake.Server(id)
	assert.NotEqual(t, "a", server.Name)
}

func TestGetVM_NotReady(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)
	fake.AddServer(hcloudapi.Server{ID: 42, Name: "w", Status: hcloudapi.ServerStatusRunning, PrivateNet: []hcloudapi.PrivateNet{}})

	vm, err := m.GetVM(context.Background(), "42")
	require.NoError(t, err)
	assert.Nil(t, vm)
}

func TestGetVM_Mapping(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fake.AddServer(hcloudapi.Server{
		ID:         42,
		Name:       "secret-name",
		Status:     hcloudapi.ServerStatusRunning,
		Created:    created,
		PrivateNet: []hcloudapi.PrivateNet{{Network: 101, IP: "10.0.0.5"}},
		Labels:     map[string]string{"originalName": "w1", "pool-tag": "1"},
	})

	vm, err := m.GetVM(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, vm)

	want := contracts.VM{
		ID:           "42",
		Pass:         "secret-name",
		Host:         testGateway + "/?ip=10.0.0.5",
		PrivateIP:    "10.0.0.5",
		State:        "running",
		Tags:         []string{"originalName", "pool-tag"},
		CreationDate: created,
		OriginalName: "w1",
		Provider:     ProviderName,
		Large:        false,
		Region:       config.RegionDefault,
	}
	if diff := cmp.Diff(want, *vm); diff != "" {
		t.Errorf("GetVM() mismatch (-want +got):\n%s", diff)
	}

	host, err := url.Parse(vm.Host)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", host.Query().Get("ip"))
}

func TestGetVM_Errors(t *testing.T) {
	m, fake, _ := newTestManager(t, eu(false), nil)

	_, err := m.GetVM(context.Background(), "not-a-number")
	var pe *contracts.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, contracts.ErrorTypeInvalidSpec, pe.Type)
	assert.Empty(t, fake.Requests())

	_, err = m.GetVM(context.Background(), "999")
	assert.True(t, contracts.IsNotFound(err))

	fake.InjectFailure(hcloudfake.RouteGet, hcloudfake.Failure{StatusCode: http.StatusTooManyRequests, Code: hcloudapi.ErrorCodeRateLimit, Message: "slow down"})
	_, err = m.GetVM(context.Background(), "999")
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, contracts.ErrorTypeRateLimited, pe.Type)
	assert.True(t, pe.IsRetryable())
}

func TestGetVM_AppliesDefaultDeadline(t *testing.T) {
	fake, endpoint, stop, err := hcloudfake.StartFakeServer(hcloudfake.WithConfig(hcloudfake.Config{
		Latency:        2 * time.Second,
		RateLimitLimit: 100,
	}))
	require.NoError(t, err)
	defer stop() //nolint:errcheck

	client, err := hcloudapi.NewClient(&hcloudapi.Config{Endpoint: endpoint, Token: "test-token", RequestTimeout: 10 * time.Second})
	require.NoError(t, err)

	cfg := testConfig(endpoint)
	cfg.Hetzner.RequestTimeout = 100 * time.Millisecond
	m, err := New(cfg, eu(false), WithClient(client))
	require.NoError(t, err)
	fake.AddServer(hcloudapi.Server{ID: 7, Name: "x"})

	start := time.Now()
	_, err = m.GetVM(context.Background(), "7")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestMapServer_NoPrivateNet(t *testing.T) {
	vm := mapServer(&hcloudapi.Server{ID: 1, Status: "running"}, eu(true), testGateway)
	assert.False(t, vm.Ready())
	assert.Empty(t, vm.PrivateIP)
	assert.Empty(t, vm.Tags)
	assert.True(t, vm.Large)
}

func TestMapServer_UsesFirstPrivateNet(t *testing.T) {
	vm := mapServer(&hcloudapi.Server{
		ID: 1,
		PrivateNet: []hcloudapi.PrivateNet{
			{Network: 1, IP: "10.0.0.1"},
			{Network: 2, IP: "10.1.0.1"},
		},
	}, eu(false), testGateway)
	assert.Equal(t, "10.0.0.1", vm.PrivateIP)
}

// gatherCounter sums the samples of a counter family matching every label
func gatherCounter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := metrics.GetRegistry().Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	next:
		for _, metric := range family.GetMetric() {
			have := map[string]string{}
			for _, lp := range metric.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue next
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
