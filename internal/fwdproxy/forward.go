package fwdproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

type FailureKind int

const (
	// FailTransport is any fault not covered by the other kinds.
	FailTransport FailureKind = iota
	// FailResolve means the origin host name did not resolve.
	FailResolve
	// FailTimeout means connect or read timed out before any data arrived.
	FailTimeout
	// FailEmpty means the origin closed the connection without answering.
	FailEmpty
)

func (k FailureKind) String() string {
	switch k {
	case FailResolve:
		return "resolve"
	case FailTimeout:
		return "timeout"
	case FailEmpty:
		return "empty"
	default:
		return "transport"
	}
}

type ForwardError struct {
	Kind FailureKind
	Host string
	Err  error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to %s (%s): %v", e.Host, e.Kind, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// StatusCode is the status the client receives for this failure.
func (e *ForwardError) StatusCode() int {
	switch e.Kind {
	case FailResolve, FailEmpty:
		return 502
	case FailTimeout:
		return 504
	default:
		return 500
	}
}

// Forwarder sends one request per fresh origin connection. It never retries.
type Forwarder struct {
	// Timeout bounds the connect and every single read or write.
	Timeout time.Duration
	// Dial overrides the dialer; tests use it to fake resolution failures.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

const readChunk = 4096

func (f *Forwarder) Forward(ctx context.Context, host string, port int, req []byte) ([]byte, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dial := f.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: f.Timeout}
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(host, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(f.Timeout)); err != nil {
		return nil, classify(host, err)
	}
	if _, err := conn.Write(req); err != nil {
		return nil, classify(host, err)
	}

	var resp bytes.Buffer
	buf := make([]byte, readChunk)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(f.Timeout)); err != nil {
			return nil, classify(host, err)
		}
		n, err := conn.Read(buf)
		resp.Write(buf[:n])
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if isTimeout(err) && resp.Len() > 0 {
			// best-effort: hand out what arrived before the origin stalled
			break
		}
		return nil, classify(host, err)
	}
	if resp.Len() == 0 {
		return nil, &ForwardError{Kind: FailEmpty, Host: host, Err: errors.New("no response from origin")}
	}
	return resp.Bytes(), nil
}

func classify(host string, err error) *ForwardError {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return &ForwardError{Kind: FailResolve, Host: host, Err: err}
	case isTimeout(err):
		return &ForwardError{Kind: FailTimeout, Host: host, Err: err}
	default:
		return &ForwardError{Kind: FailTransport, Host: host, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
