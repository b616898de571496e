package ecs

import (
	"fmt"
	"time"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/auth/credentials/provider"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	aliecs "github.com/aliyun/alibaba-cloud-sdk-go/services/ecs"
	log "github.com/sirupsen/logrus"
)

const (
	// PageSize is the fixed page size used for DescribeInstances calls.
	PageSize = 100

	// StatusRunning is the only instance status discovery is interested in.
	StatusRunning = "Running"

	connectTimeout = 2 * time.Second
	readTimeout    = 5 * time.Second
)

// TagFilter is one server-side tag filter. An empty Value matches any value
// for the key, which is how multi-value tag filters are pushed to the API:
// only the key is sent and the values are checked client-side.
type TagFilter struct {
	Key   string
	Value string
}

// InventoryQuery holds the parameters for one page of a DescribeInstances
// call. Page numbers start at 1.
type InventoryQuery struct {
	PageNumber int
	Tags       []TagFilter
}

// InventoryAPI is the slice of the ECS API that discovery uses. The returned
// slice is empty once the query has run out of pages.
type InventoryAPI interface {
	DescribeInstances(query InventoryQuery) ([]Instance, error)
}

// inventoryClient adapts the generated SDK client to InventoryAPI.
type inventoryClient struct {
	client   *aliecs.Client
	endpoint string
}

func (c *inventoryClient) DescribeInstances(query InventoryQuery) ([]Instance, error) {
	request := aliecs.CreateDescribeInstancesRequest()
	request.PageNumber = requests.NewInteger(query.PageNumber)
	request.PageSize = requests.NewInteger(PageSize)
	request.Status = StatusRunning

	if c.endpoint != "" {
		request.Domain = c.endpoint
	}

	if len(query.Tags) > 0 {
		tags := make([]aliecs.DescribeInstancesTag, 0, len(query.Tags))
		for _, tag := range query.Tags {
			tags = append(tags, aliecs.DescribeInstancesTag{
				Key:   tag.Key,
				Value: tag.Value,
			})
		}
		request.Tag = &tags
	}

	response, err := c.client.DescribeInstances(request)
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(response.Instances.Instance))
	for _, raw := range response.Instances.Instance {
		instances = append(instances, instanceFromSDK(raw))
	}

	return instances, nil
}

func (c *inventoryClient) shutdown() {
	c.client.Shutdown()
}

func instanceFromSDK(raw aliecs.Instance) Instance {
	instance := Instance{
		ID:               raw.InstanceId,
		ZoneID:           raw.ZoneId,
		Status:           raw.Status,
		SecurityGroupIDs: raw.SecurityGroupIds.SecurityGroupId,
		PrivateIPs:       raw.VpcAttributes.PrivateIpAddress.IpAddress,
		PublicIP:         raw.EipAddress.IpAddress,
	}

	for _, tag := range raw.Tags.Tag {
		instance.Tags = append(instance.Tags, Tag{
			Key:   tag.TagKey,
			Value: tag.TagValue,
		})
	}

	return instance
}

// ambientCredentialChain resolves credentials from the environment, the
// shared profile config, then the instance RAM role, in that order.
var ambientCredentialChain = provider.NewProviderChain([]provider.Provider{
	provider.NewEnvProvider(),
	provider.NewProfileProvider(),
	provider.NewInstanceCredentialsProvider(),
})

func buildClient(settings ClientSettings) (*inventoryClient, error) {
	credential := settings.Credential
	if credential == nil {
		var err error
		credential, err = ambientCredentialChain.Resolve()
		if err != nil {
			return nil, fmt.Errorf("could not resolve ambient credentials: %w", err)
		}
	}

	client, err := aliecs.NewClientWithOptions(settings.RegionID, sdk.NewConfig(), credential)
	if err != nil {
		return nil, fmt.Errorf("could not create ECS client: %w", err)
	}

	// A discovery round must not hang on a slow API call.
	client.SetConnectTimeout(connectTimeout)
	client.SetReadTimeout(readTimeout)

	if settings.Endpoint != "" {
		log.WithFields(log.Fields{
			"endpoint": settings.Endpoint,
		}).Debug("Using explicit ECS endpoint")
	}

	return &inventoryClient{
		client:   client,
		endpoint: settings.Endpoint,
	}, nil
}
