package s3

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// provider captures the addressing quirks of one S3-compatible
// vendor: where it lives when no endpoint is configured, whether keys
// must be addressed path-style, and what region to assume.
type provider struct {
	label            string
	defaultEndpoint  string
	endpointTemplate string // expanded with the region when set
	pathStyle        bool
	defaultRegion    string
}

// providers lists the archive targets deployments actually point at.
// Self-hosted vendors (minio, garage) need path-style addressing;
// the hosted ones resolve regional endpoints from a template.
var providers = map[string]provider{
	"aws": {
		label:           "AWS S3",
		defaultEndpoint: "https://s3.amazonaws.com",
		defaultRegion:   "us-east-1",
	},
	"minio": {
		label:           "MinIO",
		defaultEndpoint: "http://localhost:9000",
		pathStyle:       true,
		defaultRegion:   "us-east-1",
	},
	"garage": {
		label:           "Garage",
		defaultEndpoint: "http://localhost:3900",
		pathStyle:       true,
		defaultRegion:   "garage",
	},
	"wasabi": {
		label:            "Wasabi",
		defaultEndpoint:  "https://s3.wasabisys.com",
		endpointTemplate: "https://s3.%s.wasabisys.com",
		defaultRegion:    "us-east-1",
	},
	"backblaze": {
		label:            "Backblaze B2",
		defaultEndpoint:  "https://s3.us-west-000.backblazeb2.com",
		endpointTemplate: "https://s3.%s.backblazeb2.com",
		pathStyle:        true,
		defaultRegion:    "us-west-000",
	},
	"cloudflare": {
		label:           "Cloudflare R2",
		defaultEndpoint: "",
		defaultRegion:   "auto",
	},
	"scaleway": {
		label:            "Scaleway Object Storage",
		defaultEndpoint:  "https://s3.fr-par.scw.cloud",
		endpointTemplate: "https://s3.%s.scw.cloud",
		defaultRegion:    "fr-par",
	},
}

// Resolve fills in the endpoint and region a config left blank using
// the named provider's defaults, and normalizes whatever it was
// given. An unknown provider is an error listing the known ones, so a
// typo in a deployment file fails at boot rather than at first mirror.
func Resolve(endpoint, providerName, region string) (string, string, error) {
	p, ok := providers[strings.ToLower(providerName)]
	if !ok {
		return "", "", fmt.Errorf("unknown archive provider %q (known: %s)", providerName, strings.Join(Supported(), ", "))
	}

	if region == "" {
		region = p.defaultRegion
	}
	if endpoint == "" {
		if p.endpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(p.endpointTemplate, region)
		} else {
			endpoint = p.defaultEndpoint
		}
	}
	endpoint = normalizeEndpoint(endpoint)
	if endpoint != "" {
		if err := validateEndpoint(endpoint); err != nil {
			return "", "", err
		}
	}
	return endpoint, region, nil
}

// UsePathStyle reports whether the provider's keys must be addressed
// as /bucket/key rather than bucket.host/key.
func UsePathStyle(providerName string) bool {
	return providers[strings.ToLower(providerName)].pathStyle
}

// Supported returns the known provider names, sorted for stable error
// messages.
func Supported() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid archive endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("archive endpoint %q must be http or https", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("archive endpoint %q has no host", endpoint)
	}
	return nil
}
