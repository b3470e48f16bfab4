package fwdproxy

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeOrigin is a loopback HTTP/1.1 origin that answers each connection with
// whatever handler returns and then closes. An empty answer keeps the
// connection open without replying until the test ends.
type fakeOrigin struct {
	ln      net.Listener
	handler func(req string) string

	mu       sync.Mutex
	requests []string

	done chan struct{}
}

func newFakeOrigin(t *testing.T, handler func(req string) string) *fakeOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	o := &fakeOrigin{ln: ln, handler: handler, done: make(chan struct{})}
	go o.serve()
	t.Cleanup(func() {
		close(o.done)
		ln.Close()
	})
	return o
}

func (o *fakeOrigin) serve() {
	for {
		conn, err := o.ln.Accept()
		if err != nil {
			return
		}
		go o.handle(conn)
	}
}

func (o *fakeOrigin) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 64*1024)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := conn.Read(buf)
	req := string(buf[:n])

	o.mu.Lock()
	o.requests = append(o.requests, req)
	o.mu.Unlock()

	resp := o.handler(req)
	if resp == "" {
		<-o.done
		return
	}
	_, _ = conn.Write([]byte(resp))
}

func (o *fakeOrigin) port() int {
	return o.ln.Addr().(*net.TCPAddr).Port
}

func (o *fakeOrigin) url(path string) string {
	return "http://127.0.0.1:" + strconv.Itoa(o.port()) + path
}

func (o *fakeOrigin) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *fakeOrigin) request(i int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[i]
}

func staticOrigin(resp string) func(string) string {
	return func(string) string { return resp }
}

const okWithETag = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/plain\r\n" +
	"ETag: \"v1\"\r\n" +
	"Content-Length: 5\r\n" +
	"\r\n" +
	"hello"
