package fwdproxy

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	raw := "POST http://example.com/form HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"X-Note: a: b\r\n" +
		"broken line\r\n" +
		"\r\n" +
		"name=value"

	req, err := ParseRequest([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "POST" || req.Target != "http://example.com/form" || req.Proto != "HTTP/1.1" {
		t.Fatalf("request line parsed as %q %q %q", req.Method, req.Target, req.Proto)
	}
	if len(req.Header) != 2 {
		t.Fatalf("expected 2 headers, got %v", req.Header)
	}
	if v := req.Header.Get("x-note"); v != "a: b" {
		t.Fatalf("X-Note is %q", v)
	}
	if string(req.Body) != "name=value" {
		t.Fatalf("body is %q", req.Body)
	}
}

func TestParseRequestMalformed(t *testing.T) {
	for _, raw := range []string{
		"GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n",
		"GET\r\n\r\n",
		"\r\n\r\n",
	} {
		_, err := ParseRequest([]byte(raw))
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%q: expected ParseError, got %v", raw, err)
		}
	}
}

func TestParseStatusLine(t *testing.T) {
	code, err := ParseStatusLine([]byte("HTTP/1.1 304 Not Modified\r\n\r\n"))
	if err != nil || code != 304 {
		t.Fatalf("got %d, %v", code, err)
	}
	for _, raw := range []string{"", "HTTP/1.1\r\n", "HTTP/1.1 2000 OK\r\n", "HTTP/1.1 abc OK\r\n", "garbage"} {
		if _, err := ParseStatusLine([]byte(raw)); !errors.Is(err, ErrMalformedResponse) {
			t.Fatalf("%q: expected ErrMalformedResponse, got %v", raw, err)
		}
	}
}

func TestBuildForwardRequest(t *testing.T) {
	h := Header{
		{Name: "host", Value: "client-supplied"},
		{Name: "Proxy-Connection", Value: "keep-alive"},
		{Name: "CONNECTION", Value: "keep-alive"},
		{Name: "Accept", Value: "*/*"},
	}
	got := string(BuildForwardRequest("GET", "/a", "example.com", h, []byte("ignored")))
	want := "GET /a HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Connection: close\r\n" +
		"Accept: */*\r\n" +
		"\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	got = string(BuildForwardRequest("POST", "/f", "example.com:8080", nil, []byte("x=1")))
	if !strings.HasSuffix(got, "\r\n\r\nx=1") {
		t.Fatalf("POST body missing: %q", got)
	}
}

func TestBuildErrorResponse(t *testing.T) {
	resp := string(BuildErrorResponse(504, "origin <slow>"))
	if !strings.HasPrefix(resp, "HTTP/1.1 504 Gateway Timeout\r\n") {
		t.Fatalf("status line wrong: %q", resp)
	}
	if !strings.Contains(resp, "origin &lt;slow&gt;") {
		t.Fatalf("message not escaped: %q", resp)
	}
	if code, err := ParseStatusLine([]byte(resp)); err != nil || code != 504 {
		t.Fatalf("response does not parse back: %d %v", code, err)
	}

	if resp := string(BuildErrorResponse(418, "teapot")); !strings.HasPrefix(resp, "HTTP/1.1 418 Unknown Error\r\n") {
		t.Fatalf("unknown code: %q", resp)
	}
}
