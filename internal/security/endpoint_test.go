package security

import (
	"context"
	"errors"
	"testing"
)

func TestValidateEndpointURL_Literals(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://203.0.113.10/hooks/alerts", false},
		{"http://93.184.216.34:8080/alert", false},

		{"ftp://203.0.113.10/x", true},
		{"https:///nohost", true},
		{"http://localhost:9000/alert", true},
		{"http://127.0.0.1/alert", true},
		{"http://10.1.2.3/alert", true},
		{"http://192.168.0.5/alert", true},
		{"http://100.64.1.1/alert", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://0.0.0.0/alert", true},
		{"http://[::1]/alert", true},
		{"http://[::ffff:10.0.0.1]/alert", true},
		{"http://metadata.google.internal/computeMetadata", true},
		{"::not a url", true},
	}

	for _, tc := range tests {
		err := ValidateEndpointURL(context.Background(), tc.url)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateEndpointURL(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, ErrBlockedEndpoint) {
			t.Errorf("ValidateEndpointURL(%q) error %v does not wrap ErrBlockedEndpoint", tc.url, err)
		}
	}
}

func TestEndpoint_OperatorPolicy(t *testing.T) {
	policy := Endpoint{HTTPSOnly: true, AllowPrivate: true}
	ctx := context.Background()

	if err := policy.Validate(ctx, "https://10.0.0.5/api"); err != nil {
		t.Errorf("private https endpoint rejected: %v", err)
	}
	if err := policy.Validate(ctx, "https://obs.internal:8443"); err != nil {
		t.Errorf("internal hostname rejected: %v", err)
	}
	if err := policy.Validate(ctx, "http://obs.example.com"); !errors.Is(err, ErrBlockedEndpoint) {
		t.Errorf("plain http accepted, err = %v", err)
	}
}
