package ecs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultMetadataEndpoint is the well-known link-local address of the
	// ECS instance metadata service.
	DefaultMetadataEndpoint = "http://100.100.100.200"

	metadataRoot = "/latest/meta-data/"
)

// ErrMetadataNotFound is returned when the metadata service answers 404 for
// a component. It is never retried.
var ErrMetadataNotFound = errors.New("metadata component not found")

// MetadataClient reads instance metadata, such as the local node's zone id,
// from the ECS metadata service. Transient I/O errors are retried a bounded
// number of times; a 404 fails immediately.
type MetadataClient struct {
	endpoint      string
	maxTries      uint
	retryInterval time.Duration
	httpClient    *http.Client
}

// NewMetadataClient returns a client against the given endpoint, or the
// default link-local endpoint if it is empty.
func NewMetadataClient(endpoint string) *MetadataClient {
	if endpoint == "" {
		endpoint = DefaultMetadataEndpoint
	}

	return &MetadataClient{
		endpoint:      endpoint,
		maxTries:      3,
		retryInterval: 500 * time.Millisecond,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: readTimeout,
			},
		},
	}
}

// Get fetches a single metadata component, e.g. "zone-id".
func (c *MetadataClient) Get(ctx context.Context, component string) (string, error) {
	url := c.endpoint + metadataRoot + component

	operation := func() (string, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", backoff.Permanent(err)
		}

		response, err := c.httpClient.Do(request)
		if err != nil {
			return "", err
		}
		defer response.Body.Close()

		switch response.StatusCode {
		case http.StatusOK:
			body, err := io.ReadAll(response.Body)
			if err != nil {
				return "", err
			}
			return string(body), nil
		case http.StatusNotFound:
			return "", backoff.Permanent(fmt.Errorf("%w: %v", ErrMetadataNotFound, url))
		default:
			return "", fmt.Errorf("metadata service returned status %v for %v", response.StatusCode, url)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
	)
}

// ZoneID returns the availability zone of the local instance.
func (c *MetadataClient) ZoneID(ctx context.Context) (string, error) {
	return c.Get(ctx, "zone-id")
}

// FindInstanceRAMRole returns the name of the RAM role attached to the local
// instance, or an empty string if the instance has none or the metadata
// service is unreachable.
func (c *MetadataClient) FindInstanceRAMRole(ctx context.Context) string {
	result, err := c.Get(ctx, "ram/security-credentials/")
	if err != nil {
		return ""
	}

	if i := strings.IndexByte(result, '\n'); i >= 0 {
		return result[:i]
	}
	return result
}
