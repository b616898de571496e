package discovery

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clusterkit/ecs-discovery/ecs"
)

// Host types supported for deriving a seed address from an instance.
const (
	HostTypePrivateIP = "private_ip"
	HostTypePublicIP  = "public_ip"

	hostTypeTagPrefix = "tag:"
)

// DefaultCacheTTL is how long a fetched seed list is reused before the next
// discovery round queries the API again.
const DefaultCacheTTL = 10 * time.Second

// Config is the host-facing discovery configuration. It is turned into an
// immutable Criteria once, at provider construction.
type Config struct {
	// HostType selects how a seed address is derived from an instance:
	// "private_ip", "public_ip" or "tag:<name>".
	HostType string `mapstructure:"host-type"`

	// AnyGroup controls security group matching: when true an instance
	// needs to be in at least one of Groups, when false it needs to be in
	// all of them.
	AnyGroup bool     `mapstructure:"any-group"`
	Groups   []string `mapstructure:"groups"`

	// ZoneIDs restricts discovery to the given availability zones. Empty
	// means no zone filtering.
	ZoneIDs []string `mapstructure:"zone-ids"`

	// Tags maps tag keys to acceptable values. Values for one key are OR'd,
	// distinct keys are AND'd.
	Tags map[string][]string `mapstructure:"tags"`

	// CacheTTL bounds how often the API is queried. Zero means
	// DefaultCacheTTL.
	CacheTTL time.Duration `mapstructure:"cache-ttl"`
}

// Criteria is the validated, immutable form of Config.
type Criteria struct {
	hostType string
	hostTag  string // tag name when hostType is "tag:<name>"

	anyGroup bool
	groups   map[string]struct{}
	zoneIDs  map[string]struct{}

	tags map[string][]string
	// multiValueTags holds the subset of tags with more than one acceptable
	// value. These can't be filtered server-side and are evaluated against
	// each instance instead.
	multiValueTags map[string]map[string]struct{}

	cacheTTL time.Duration
}

// NewCriteria validates cfg eagerly. An unknown host type is a configuration
// error and is reported before any discovery round runs.
func NewCriteria(cfg Config) (*Criteria, error) {
	switch {
	case cfg.HostType == HostTypePrivateIP, cfg.HostType == HostTypePublicIP:
	case strings.HasPrefix(cfg.HostType, hostTypeTagPrefix) && len(cfg.HostType) > len(hostTypeTagPrefix):
	default:
		return nil, fmt.Errorf("%q is unknown for host-type", cfg.HostType)
	}

	criteria := &Criteria{
		hostType: cfg.HostType,
		anyGroup: cfg.AnyGroup,
		groups:   make(map[string]struct{}, len(cfg.Groups)),
		zoneIDs:  make(map[string]struct{}, len(cfg.ZoneIDs)),
		tags:     make(map[string][]string, len(cfg.Tags)),
		cacheTTL: cfg.CacheTTL,
	}

	if strings.HasPrefix(cfg.HostType, hostTypeTagPrefix) {
		criteria.hostTag = strings.TrimPrefix(cfg.HostType, hostTypeTagPrefix)
	}

	if criteria.cacheTTL == 0 {
		criteria.cacheTTL = DefaultCacheTTL
	}

	for _, group := range cfg.Groups {
		criteria.groups[group] = struct{}{}
	}
	for _, zoneID := range cfg.ZoneIDs {
		criteria.zoneIDs[zoneID] = struct{}{}
	}

	criteria.multiValueTags = make(map[string]map[string]struct{})
	for key, values := range cfg.Tags {
		criteria.tags[key] = values
		if len(values) > 1 {
			accepted := make(map[string]struct{}, len(values))
			for _, value := range values {
				accepted[value] = struct{}{}
			}
			criteria.multiValueTags[key] = accepted
		}
	}

	return criteria, nil
}

// serverSideTagFilters returns the tag filters pushed into the
// DescribeInstances request. A key with exactly one acceptable value is sent
// as key+value; a key with several values is sent key-only so the API checks
// presence and the values are matched client-side.
func (c *Criteria) serverSideTagFilters() []ecs.TagFilter {
	keys := make([]string, 0, len(c.tags))
	for key := range c.tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	filters := make([]ecs.TagFilter, 0, len(keys))
	for _, key := range keys {
		filter := ecs.TagFilter{Key: key}
		if values := c.tags[key]; len(values) == 1 {
			filter.Value = values[0]
		}
		filters = append(filters, filter)
	}
	return filters
}

func (c *Criteria) matchesZone(instance *ecs.Instance) bool {
	if len(c.zoneIDs) == 0 {
		return true
	}
	_, ok := c.zoneIDs[instance.ZoneID]
	return ok
}

// matchesTags checks the multi-value tag filters: the instance must carry
// each such key with one of the acceptable values. Single-value keys were
// already filtered server-side and are not re-checked.
func (c *Criteria) matchesTags(instance *ecs.Instance) bool {
	for key, accepted := range c.multiValueTags {
		value, ok := instance.TagValue(key)
		if !ok {
			return false
		}
		if _, ok := accepted[value]; !ok {
			return false
		}
	}
	return true
}

func (c *Criteria) matchesGroups(instance *ecs.Instance) bool {
	if len(c.groups) == 0 {
		return true
	}

	if c.anyGroup {
		for _, group := range instance.SecurityGroupIDs {
			if _, ok := c.groups[group]; ok {
				return true
			}
		}
		return false
	}

	// All configured groups must be present on the instance.
	instanceGroups := make(map[string]struct{}, len(instance.SecurityGroupIDs))
	for _, group := range instance.SecurityGroupIDs {
		instanceGroups[group] = struct{}{}
	}
	for group := range c.groups {
		if _, ok := instanceGroups[group]; !ok {
			return false
		}
	}
	return true
}

// seedAddress derives the instance's candidate address according to the
// configured host type. ok is false when the instance contributes no
// address: a missing public IP or host tag is not an error, and
// classic-network instances are unsupported for private_ip.
func (c *Criteria) seedAddress(instance *ecs.Instance) (address string, ok bool) {
	switch c.hostType {
	case HostTypePrivateIP:
		if len(instance.PrivateIPs) == 0 {
			return "", false
		}
		return instance.PrivateIPs[0], true
	case HostTypePublicIP:
		if instance.PublicIP == "" {
			return "", false
		}
		return instance.PublicIP, true
	default:
		return instance.TagValue(c.hostTag)
	}
}

// CacheTTL returns the effective refresh interval.
func (c *Criteria) CacheTTL() time.Duration {
	return c.cacheTTL
}
