package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/clusterkit/ecs-discovery/ecs"
)

// mockAPI serves instance pages like the ECS API does: page numbers start at
// 1 and an empty page signals the end.
type mockAPI struct {
	pages  [][]ecs.Instance
	calls  int
	failAt int // page number that returns an error, 0 for none

	lastTags []ecs.TagFilter
}

func (m *mockAPI) DescribeInstances(query ecs.InventoryQuery) ([]ecs.Instance, error) {
	m.calls++
	m.lastTags = query.Tags

	if m.failAt != 0 && query.PageNumber == m.failAt {
		return nil, errors.New("ECS API unavailable")
	}
	if query.PageNumber <= len(m.pages) {
		return m.pages[query.PageNumber-1], nil
	}
	return nil, nil
}

// fakeService hands out references to a fixed API, or fails with err.
type fakeService struct {
	api ecs.InventoryAPI
	err error
}

func (f *fakeService) Client() (*ecs.ClientRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	return ecs.NewClientRef(f.api, nil), nil
}

func (f *fakeService) Refresh(ecs.ClientSettings) {}
func (f *fakeService) Close()                    {}

// identityResolver maps each address to itself with a fixed port.
type identityResolver struct{}

func (identityResolver) Resolve(_ context.Context, address string) ([]string, error) {
	return []string{net.JoinHostPort(address, "9300")}, nil
}

func runningInstance(id, zone, privateIP string) ecs.Instance {
	return ecs.Instance{
		ID:               id,
		ZoneID:           zone,
		Status:           ecs.StatusRunning,
		SecurityGroupIDs: []string{"sg-default"},
		PrivateIPs:       []string{privateIP},
	}
}

func newTestProvider(t *testing.T, api ecs.InventoryAPI, cfg Config) *SeedProvider {
	t.Helper()

	if cfg.HostType == "" {
		cfg.HostType = HostTypePrivateIP
	}

	provider, err := NewSeedProvider(&fakeService{api: api}, cfg, identityResolver{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return provider
}

func TestPaginationTermination(t *testing.T) {
	api := &mockAPI{
		pages: [][]ecs.Instance{
			{
				runningInstance("i-1", "cn-hangzhou-b", "10.0.0.1"),
				runningInstance("i-2", "cn-hangzhou-b", "10.0.0.2"),
			},
			{
				runningInstance("i-3", "cn-hangzhou-b", "10.0.0.3"),
			},
		},
	}

	provider := newTestProvider(t, api, Config{})
	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two non-empty pages plus the terminating empty one.
	if api.calls != 3 {
		t.Errorf("expected 3 API calls, got %v", api.calls)
	}

	want := []string{"10.0.0.1:9300", "10.0.0.2:9300", "10.0.0.3:9300"}
	assertAddresses(t, addresses, want)
}

func TestPartialResultOnAPIError(t *testing.T) {
	api := &mockAPI{
		pages: [][]ecs.Instance{
			{runningInstance("i-1", "cn-hangzhou-b", "10.0.0.1")},
			{runningInstance("i-2", "cn-hangzhou-b", "10.0.0.2")},
		},
		failAt: 2,
	}

	provider := newTestProvider(t, api, Config{})
	addresses, err := provider.fetchSeedAddresses(context.Background())

	// A mid-fetch API error degrades to the accumulated partial list, it
	// never fails the round.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAddresses(t, addresses, []string{"10.0.0.1:9300"})
}

func TestLifecycleErrorSurfaces(t *testing.T) {
	service := &fakeService{err: ecs.ErrNotConfigured}

	provider, err := NewSeedProvider(service, Config{HostType: HostTypePrivateIP}, identityResolver{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := provider.SeedAddresses(context.Background()); !errors.Is(err, ecs.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestZoneFilter(t *testing.T) {
	api := &mockAPI{
		pages: [][]ecs.Instance{
			{
				runningInstance("i-1", "cn-hangzhou-b", "10.0.0.1"),
				runningInstance("i-2", "cn-hangzhou-g", "10.0.0.2"),
				runningInstance("i-3", "cn-hangzhou-b", "10.0.0.3"),
			},
		},
	}

	provider := newTestProvider(t, api, Config{ZoneIDs: []string{"cn-hangzhou-b"}})
	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertAddresses(t, addresses, []string{"10.0.0.1:9300", "10.0.0.3:9300"})
}

func TestMultiValueTagFilter(t *testing.T) {
	tagged := func(id, ip string, tags ...ecs.Tag) ecs.Instance {
		instance := runningInstance(id, "cn-hangzhou-b", ip)
		instance.Tags = tags
		return instance
	}

	api := &mockAPI{
		pages: [][]ecs.Instance{
			{
				tagged("i-prod", "10.0.0.1", ecs.Tag{Key: "stage", Value: "prod"}),
				tagged("i-preprod", "10.0.0.2", ecs.Tag{Key: "stage", Value: "preprod"}),
				tagged("i-dev", "10.0.0.3", ecs.Tag{Key: "stage", Value: "dev"}),
				tagged("i-untagged", "10.0.0.4"),
			},
		},
	}

	// OR within a key: both prod and preprod survive.
	provider := newTestProvider(t, api, Config{
		Tags: map[string][]string{"stage": {"prod", "preprod"}},
	})
	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAddresses(t, addresses, []string{"10.0.0.1:9300", "10.0.0.2:9300"})
}

func TestMultipleTagKeysMustAllMatch(t *testing.T) {
	tagged := func(id, ip string, tags ...ecs.Tag) ecs.Instance {
		instance := runningInstance(id, "cn-hangzhou-b", ip)
		instance.Tags = tags
		return instance
	}

	api := &mockAPI{
		pages: [][]ecs.Instance{
			{
				tagged("i-both", "10.0.0.1",
					ecs.Tag{Key: "stage", Value: "prod"},
					ecs.Tag{Key: "role", Value: "data"}),
				tagged("i-stage-only", "10.0.0.2",
					ecs.Tag{Key: "stage", Value: "prod"}),
			},
		},
	}

	provider := newTestProvider(t, api, Config{
		Tags: map[string][]string{
			"stage": {"prod", "preprod"},
			"role":  {"data", "ingest"},
		},
	})
	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAddresses(t, addresses, []string{"10.0.0.1:9300"})
}

func TestGroupMatchingModes(t *testing.T) {
	withGroups := func(id, ip string, groups ...string) ecs.Instance {
		instance := runningInstance(id, "cn-hangzhou-b", ip)
		instance.SecurityGroupIDs = groups
		return instance
	}

	pages := [][]ecs.Instance{
		{
			withGroups("i-1", "10.0.0.1", "sg-b", "sg-c"),
			withGroups("i-2", "10.0.0.2", "sg-a", "sg-b"),
		},
	}

	// any-group: sg-b intersects {sg-a, sg-b}, both instances survive.
	provider := newTestProvider(t, &mockAPI{pages: pages}, Config{
		AnyGroup: true,
		Groups:   []string{"sg-a", "sg-b"},
	})
	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAddresses(t, addresses, []string{"10.0.0.1:9300", "10.0.0.2:9300"})

	// all groups: only i-2 carries both sg-a and sg-b.
	provider = newTestProvider(t, &mockAPI{pages: pages}, Config{
		AnyGroup: false,
		Groups:   []string{"sg-a", "sg-b"},
	})
	addresses, err = provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAddresses(t, addresses, []string{"10.0.0.2:9300"})
}

func TestHostTypePrivateIPSkipsClassicNetwork(t *testing.T) {
	classic := ecs.Instance{
		ID:     "i-classic",
		ZoneID: "cn-hangzhou-b",
		Status: ecs.StatusRunning,
		// No VPC attributes at all: classic network.
		PrivateIPs: nil,
	}

	api := &mockAPI{
		pages: [][]ecs.Instance{
			{classic, runningInstance("i-vpc", "cn-hangzhou-b", "10.0.0.1")},
		},
	}

	provider := newTestProvider(t, api, Config{HostType: HostTypePrivateIP})
	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAddresses(t, addresses, []string{"10.0.0.1:9300"})
}

func TestHostTypePublicIP(t *testing.T) {
	withEIP := runningInstance("i-eip", "cn-hangzhou-b", "10.0.0.1")
	withEIP.PublicIP = "47.100.0.1"

	// No elastic IP bound: the instance simply contributes nothing.
	withoutEIP := runningInstance("i-no-eip", "cn-hangzhou-b", "10.0.0.2")

	api := &mockAPI{pages: [][]ecs.Instance{{withEIP, withoutEIP}}}

	provider := newTestProvider(t, api, Config{HostType: HostTypePublicIP})
	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAddresses(t, addresses, []string{"47.100.0.1:9300"})
}

func TestHostTypeTag(t *testing.T) {
	tagged := runningInstance("i-tagged", "cn-hangzhou-b", "10.0.0.1")
	tagged.Tags = []ecs.Tag{{Key: "discovery-host", Value: "node1.internal"}}

	untagged := runningInstance("i-untagged", "cn-hangzhou-b", "10.0.0.2")

	api := &mockAPI{pages: [][]ecs.Instance{{tagged, untagged}}}

	provider := newTestProvider(t, api, Config{HostType: "tag:discovery-host"})
	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAddresses(t, addresses, []string{"node1.internal:9300"})
}

func TestUnknownHostTypeFails(t *testing.T) {
	tests := []string{"elastic_ip", "tag:", ""}

	for _, hostType := range tests {
		t.Run(fmt.Sprintf("%q", hostType), func(t *testing.T) {
			_, err := NewSeedProvider(&fakeService{api: &mockAPI{}}, Config{HostType: hostType}, identityResolver{})
			if err == nil {
				t.Fatal("expected a configuration error")
			}
			if hostType != "" && !strings.Contains(err.Error(), hostType) {
				t.Errorf("expected the error to contain %q, got: %v", hostType, err)
			}
		})
	}
}

// failingResolver fails for one address to prove a resolution error only
// loses that instance.
type failingResolver struct {
	failFor string
}

func (r failingResolver) Resolve(_ context.Context, address string) ([]string, error) {
	if address == r.failFor {
		return nil, errors.New("no such host")
	}
	return []string{net.JoinHostPort(address, "9300")}, nil
}

func TestResolutionErrorSkipsInstanceOnly(t *testing.T) {
	api := &mockAPI{
		pages: [][]ecs.Instance{
			{
				runningInstance("i-1", "cn-hangzhou-b", "10.0.0.1"),
				runningInstance("i-2", "cn-hangzhou-b", "10.0.0.2"),
				runningInstance("i-3", "cn-hangzhou-b", "10.0.0.3"),
			},
		},
	}

	provider, err := NewSeedProvider(&fakeService{api: api}, Config{HostType: HostTypePrivateIP}, failingResolver{failFor: "10.0.0.2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAddresses(t, addresses, []string{"10.0.0.1:9300", "10.0.0.3:9300"})
}

func TestOutputOrderFollowsFetchOrder(t *testing.T) {
	api := &mockAPI{
		pages: [][]ecs.Instance{
			{
				runningInstance("i-3", "cn-hangzhou-b", "10.0.0.3"),
				runningInstance("i-1", "cn-hangzhou-b", "10.0.0.1"),
			},
			{
				runningInstance("i-2", "cn-hangzhou-b", "10.0.0.2"),
			},
		},
	}

	provider := newTestProvider(t, api, Config{})
	addresses, err := provider.fetchSeedAddresses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Stable: fetch order, not sorted.
	assertAddresses(t, addresses, []string{"10.0.0.3:9300", "10.0.0.1:9300", "10.0.0.2:9300"})
}

func assertAddresses(t *testing.T, got, want []string) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("expected addresses %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected addresses %v, got %v", want, got)
		}
	}
}
