package fwdproxy

import (
	"errors"
	"testing"
)

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		token      string
		wantURL    string
		host, path string
		port       int
	}{
		{"/example.com/a/b", "http://example.com/a/b", "example.com", "/a/b", 80},
		{"http://example.com:8080/x", "http://example.com:8080/x", "example.com", "/x", 8080},
		{"/example.com", "http://example.com/", "example.com", "/", 80},
		{"/example.com:9000", "http://example.com:9000/", "example.com", "/", 9000},
		{"http://example.com", "http://example.com", "example.com", "/", 80},
		{"http://example.com:abc/x", "http://example.com:abc/x", "example.com", "/x", 80},
	}
	for _, tt := range tests {
		url, err := ResolveTarget(tt.token)
		if err != nil {
			t.Fatalf("%s: %v", tt.token, err)
		}
		if url != tt.wantURL {
			t.Fatalf("%s: url %q, want %q", tt.token, url, tt.wantURL)
		}
		host, port, path := SplitHostPortPath(url)
		if host != tt.host || port != tt.port || path != tt.path {
			t.Fatalf("%s: got (%s, %d, %s)", tt.token, host, port, path)
		}
	}
}

func TestResolveTargetRejects(t *testing.T) {
	for _, token := range []string{"example.com:443", "*", "/", "//x", ""} {
		if _, err := ResolveTarget(token); !errors.Is(err, ErrUnresolvableTarget) {
			t.Fatalf("%q: expected ErrUnresolvableTarget, got %v", token, err)
		}
	}
}
