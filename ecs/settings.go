package ecs

import (
	"fmt"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/auth"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/auth/credentials"
	log "github.com/sirupsen/logrus"
)

// ClientSettings is an immutable snapshot of everything needed to build an
// ECS API client. A new snapshot is produced on every configuration reload;
// snapshots are never mutated after construction.
type ClientSettings struct {
	// Credential is the resolved authentication strategy, or nil to fall
	// back to the ambient credential chain (environment variables, profile
	// config, then instance RAM role, in that order).
	Credential auth.Credential

	// RegionID is the region the client queries.
	RegionID string

	// Endpoint overrides the default ECS API endpoint when non-empty.
	Endpoint string
}

// NewClientSettings resolves the given credential settings into a snapshot.
// It fails fast on inconsistent credential configuration rather than falling
// back to the ambient chain.
func NewClientSettings(accessKeyID, secretAccessKey, sessionToken, regionID, endpoint string) (ClientSettings, error) {
	credential, err := LoadCredentials(accessKeyID, secretAccessKey, sessionToken)
	if err != nil {
		return ClientSettings{}, err
	}

	return ClientSettings{
		Credential: credential,
		RegionID:   regionID,
		Endpoint:   endpoint,
	}, nil
}

// LoadCredentials turns explicit credential settings into an authentication
// strategy. A nil, nil return means no explicit credentials are configured
// and the ambient chain should be used instead.
func LoadCredentials(accessKeyID, secretAccessKey, sessionToken string) (auth.Credential, error) {
	if accessKeyID == "" && secretAccessKey == "" {
		if sessionToken != "" {
			// A lone session token must never silently degrade to the
			// ambient chain.
			return nil, fmt.Errorf("session-token is set but access-key-id and secret-access-key are not")
		}

		log.Debug("Using environment variables, profile config or instance RAM role credentials")
		return nil, nil
	}

	if accessKeyID == "" {
		return nil, fmt.Errorf("secret-access-key is set but access-key-id is not")
	}
	if secretAccessKey == "" {
		return nil, fmt.Errorf("access-key-id is set but secret-access-key is not")
	}

	if sessionToken == "" {
		log.Debug("Using basic access key credentials")
		return credentials.NewAccessKeyCredential(accessKeyID, secretAccessKey), nil
	}

	log.Debug("Using session token credentials")
	return credentials.NewStsTokenCredential(accessKeyID, secretAccessKey, sessionToken), nil
}
