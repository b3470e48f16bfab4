package fwdproxy

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
)

const crlf = "\r\n"

var headerEnd = []byte("\r\n\r\n")

var ErrMalformedResponse = errors.New("malformed response status line")

// ParseError reports a client request that cannot be framed.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "parse request: " + e.Reason }

// HeaderField is one "Name: value" line, kept verbatim.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered header list. Lookups are case-insensitive.
type Header []HeaderField

func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// without returns a copy of h minus every field whose name matches one of names.
func (h Header) without(names ...string) Header {
	out := make(Header, 0, len(h))
outer:
	for _, f := range h {
		for _, n := range names {
			if strings.EqualFold(f.Name, n) {
				continue outer
			}
		}
		out = append(out, f)
	}
	return out
}

type Request struct {
	Method string
	Target string
	Proto  string
	Header Header
	Body   []byte
}

func ParseRequest(raw []byte) (*Request, error) {
	head, body, ok := bytes.Cut(raw, headerEnd)
	if !ok {
		return nil, &ParseError{Reason: "no blank line after headers"}
	}
	lines := strings.Split(string(head), crlf)
	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return nil, &ParseError{Reason: fmt.Sprintf("bad request line %q", lines[0])}
	}
	req := &Request{
		Method: parts[0],
		Target: parts[1],
		Header: parseHeaderLines(lines[1:]),
		Body:   body,
	}
	if len(parts) > 2 {
		req.Proto = parts[2]
	}
	return req, nil
}

// parseHeaderLines splits each line at its first ": ". Lines without one are
// ignored.
func parseHeaderLines(lines []string) Header {
	h := make(Header, 0, len(lines))
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		h = append(h, HeaderField{Name: name, Value: value})
	}
	return h
}

// ParseStatusLine returns the status code of a raw HTTP response.
func ParseStatusLine(raw []byte) (int, error) {
	line := raw
	if i := bytes.Index(raw, []byte(crlf)); i >= 0 {
		line = raw[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 || len(fields[1]) != 3 {
		return 0, ErrMalformedResponse
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 {
		return 0, ErrMalformedResponse
	}
	return code, nil
}

// splitResponse separates the header block of a raw response from its body.
func splitResponse(raw []byte) (status int, h Header, body []byte, err error) {
	head, body, ok := bytes.Cut(raw, headerEnd)
	if !ok {
		return 0, nil, nil, ErrMalformedResponse
	}
	status, err = ParseStatusLine(head)
	if err != nil {
		return 0, nil, nil, err
	}
	lines := strings.Split(string(head), crlf)
	return status, parseHeaderLines(lines[1:]), body, nil
}

func methodHasBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// BuildForwardRequest serializes the request sent to an origin. Hop headers
// from the client are dropped and the proxy always asks the origin to close.
func BuildForwardRequest(method, path, host string, h Header, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(method + " " + path + " HTTP/1.1" + crlf)
	b.WriteString("Host: " + host + crlf)
	b.WriteString("Connection: close" + crlf)
	for _, f := range h.without("Host", "Connection", "Proxy-Connection") {
		b.WriteString(f.Name + ": " + f.Value + crlf)
	}
	b.WriteString(crlf)
	if methodHasBody(method) && len(body) > 0 {
		b.Write(body)
	}
	return b.Bytes()
}

// hostHeader is the Host value for an origin; the port is omitted when 80.
func hostHeader(host string, port int) string {
	if port == 80 {
		return host
	}
	return host + ":" + strconv.Itoa(port)
}

var reasonPhrases = map[int]string{
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

func reasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return "Unknown Error"
}

func BuildErrorResponse(code int, message string) []byte {
	status := fmt.Sprintf("%d %s", code, reasonPhrase(code))
	return buildHTMLResponse(status, status, html.EscapeString(message))
}

// BuildBlockedResponse is the fixed page returned for blacklisted targets.
func BuildBlockedResponse() []byte {
	return buildHTMLResponse("403 Forbidden", "Access blocked", "This page is blocked by the proxy server.")
}

func buildHTMLResponse(status, title, text string) []byte {
	body := "<html><body><h1>" + title + "</h1><p>" + text + "</p></body></html>"
	var b strings.Builder
	b.WriteString("HTTP/1.1 " + status + crlf)
	b.WriteString("Content-Type: text/html" + crlf)
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + crlf)
	b.WriteString("Connection: close" + crlf)
	b.WriteString(crlf)
	b.WriteString(body)
	return []byte(b.String())
}
