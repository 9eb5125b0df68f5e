package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		opts    EndpointOptions
		wantErr bool
	}{
		{name: "public https", url: "https://api.openai.com/v1"},
		{name: "plain http", url: "http://api.example.com", wantErr: true},
		{name: "plain http allowed", url: "http://api.example.com", opts: EndpointOptions{AllowHTTP: true}},
		{name: "ftp", url: "ftp://example.com", wantErr: true},
		{name: "no host", url: "https:///v1", wantErr: true},
		{name: "localhost", url: "https://localhost:8080", wantErr: true},
		{name: "localhost allowed", url: "http://localhost:8080", opts: EndpointOptions{AllowHTTP: true, AllowLocal: true}},
		{name: "private ip", url: "https://10.0.0.3", wantErr: true},
		{name: "mapped loopback", url: "https://[::ffff:127.0.0.1]", wantErr: true},
		{name: "zoned ipv6", url: "https://[fe80::1%25eth0]/", wantErr: true},
		{name: "zoned ipv6 allowed", url: "https://[fe80::1%25eth0]/", opts: EndpointOptions{AllowLocal: true}},
		{name: "unspecified even when local", url: "https://0.0.0.0", opts: EndpointOptions{AllowLocal: true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpoint(tt.url, tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
