package s3

import (
	"strings"
	"testing"
)

func TestResolveFillsDefaults(t *testing.T) {
	tests := []struct {
		name         string
		endpoint     string
		provider     string
		region       string
		wantEndpoint string
		wantRegion   string
	}{
		{
			name:         "aws defaults",
			provider:     "aws",
			wantEndpoint: "https://s3.amazonaws.com",
			wantRegion:   "us-east-1",
		},
		{
			name:         "minio keeps configured endpoint",
			endpoint:     "http://archive.internal:9000",
			provider:     "minio",
			wantEndpoint: "http://archive.internal:9000",
			wantRegion:   "us-east-1",
		},
		{
			name:         "template expands with region",
			provider:     "wasabi",
			region:       "eu-central-1",
			wantEndpoint: "https://s3.eu-central-1.wasabisys.com",
			wantRegion:   "eu-central-1",
		},
		{
			name:         "backblaze template with default region",
			provider:     "backblaze",
			wantEndpoint: "https://s3.us-west-000.backblazeb2.com",
			wantRegion:   "us-west-000",
		},
		{
			name:         "provider name is case-insensitive",
			provider:     "MinIO",
			wantEndpoint: "http://localhost:9000",
			wantRegion:   "us-east-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, region, err := Resolve(tt.endpoint, tt.provider, tt.region)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if endpoint != tt.wantEndpoint {
				t.Errorf("endpoint = %q, want %q", endpoint, tt.wantEndpoint)
			}
			if region != tt.wantRegion {
				t.Errorf("region = %q, want %q", region, tt.wantRegion)
			}
		})
	}
}

func TestResolveNormalizesEndpoint(t *testing.T) {
	endpoint, _, err := Resolve("archive.example.com/", "aws", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if endpoint != "https://archive.example.com" {
		t.Errorf("endpoint = %q", endpoint)
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	_, _, err := Resolve("", "tape-robot", "")
	if err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
	if !strings.Contains(err.Error(), "tape-robot") {
		t.Errorf("error should name the offending provider: %v", err)
	}
	for _, known := range Supported() {
		if !strings.Contains(err.Error(), known) {
			t.Errorf("error should list known provider %q: %v", known, err)
		}
	}
}

func TestResolveRejectsBadScheme(t *testing.T) {
	if _, _, err := Resolve("ftp://archive.example.com", "aws", ""); err == nil {
		t.Fatal("expected an error for a non-http endpoint")
	}
}

func TestUsePathStyle(t *testing.T) {
	if !UsePathStyle("minio") {
		t.Error("minio must use path-style addressing")
	}
	if !UsePathStyle("garage") {
		t.Error("garage must use path-style addressing")
	}
	if UsePathStyle("aws") {
		t.Error("aws must use virtual-hosted addressing")
	}
	if UsePathStyle("unknown") {
		t.Error("unknown providers default to virtual-hosted addressing")
	}
}
