package discovery

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/clusterkit/ecs-discovery/ecs"
)

// SeedProvider produces candidate cluster peer addresses by querying the
// ECS inventory API. It is the single entry point a host calls once per
// discovery round; results are cached for the configured interval.
//
// Rounds degrade rather than fail: transient API errors yield a partial or
// empty list, and only configuration or initialization defects surface as
// errors.
type SeedProvider struct {
	service  ecs.Service
	criteria *Criteria
	resolver AddressResolver
	cache    *addressCache
}

// NewSeedProvider validates cfg and returns a provider reading through
// service. The resolver expands each derived address into concrete
// endpoints.
func NewSeedProvider(service ecs.Service, cfg Config, resolver AddressResolver) (*SeedProvider, error) {
	criteria, err := NewCriteria(cfg)
	if err != nil {
		return nil, err
	}

	provider := &SeedProvider{
		service:  service,
		criteria: criteria,
		resolver: resolver,
	}
	provider.cache = newAddressCache(criteria.CacheTTL(), provider.fetchSeedAddresses)

	log.WithFields(log.Fields{
		"host-type": cfg.HostType,
		"tags":      cfg.Tags,
		"groups":    cfg.Groups,
		"any-group": cfg.AnyGroup,
		"zone-ids":  cfg.ZoneIDs,
	}).Debug("Configured ECS seed provider")

	return provider, nil
}

// SeedAddresses returns the current candidate seed list, fetching it from
// the API if the cached one has expired.
func (p *SeedProvider) SeedAddresses(ctx context.Context) ([]string, error) {
	return p.cache.getOrRefresh(ctx)
}

// fetchSeedAddresses performs one full discovery round: paginated fetch,
// filter pipeline, address resolution.
func (p *SeedProvider) fetchSeedAddresses(ctx context.Context) ([]string, error) {
	instances, err := p.fetchInstances()
	if err != nil {
		return nil, err
	}

	addresses := make([]string, 0, len(instances))
	for i := range instances {
		instance := &instances[i]
		fields := log.Fields{"instance": instance.ID}

		if !p.criteria.matchesZone(instance) {
			log.WithFields(fields).WithField("zone", instance.ZoneID).Trace("Filtered out instance by zone")
			continue
		}
		if !p.criteria.matchesTags(instance) {
			log.WithFields(fields).Trace("Filtered out instance by tags")
			continue
		}
		if !p.criteria.matchesGroups(instance) {
			log.WithFields(fields).Trace("Filtered out instance by security groups")
			continue
		}

		address, ok := p.criteria.seedAddress(instance)
		if !ok || address == "" {
			log.WithFields(fields).WithField("host-type", p.criteria.hostType).Trace("Instance produced no address")
			continue
		}

		endpoints, err := p.resolver.Resolve(ctx, address)
		if err != nil {
			// Only this instance is lost; the round carries on.
			log.WithFields(fields).WithField("address", address).WithError(err).Warn("Failed to resolve seed address")
			continue
		}
		addresses = append(addresses, endpoints...)
	}

	log.WithFields(log.Fields{
		"addresses": addresses,
	}).Debug("Using dynamic seed addresses")

	return addresses, nil
}

// fetchInstances pages through DescribeInstances until the first empty page.
// An API error aborts the fetch but keeps what was already accumulated: a
// partial peer list beats none, and the next round retries from scratch.
func (p *SeedProvider) fetchInstances() ([]ecs.Instance, error) {
	ref, err := p.service.Client()
	if err != nil {
		return nil, err
	}
	defer ref.Release()

	tagFilters := p.criteria.serverSideTagFilters()

	var instances []ecs.Instance
	for pageNumber := 1; ; pageNumber++ {
		page, err := ref.API().DescribeInstances(ecs.InventoryQuery{
			PageNumber: pageNumber,
			Tags:       tagFilters,
		})
		if err != nil {
			log.WithError(err).Info("Error while retrieving instance list from the ECS API")
			return instances, nil
		}

		if len(page) == 0 {
			break
		}
		instances = append(instances, page...)
	}

	return instances, nil
}
