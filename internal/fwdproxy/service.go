package fwdproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Service is the forward proxy: it accepts client connections and runs one
// coordinator goroutine per connection. The cache store is the only state
// shared between them.
type Service struct {
	cfg Config
	log zerolog.Logger

	store  *CacheStore
	filter *Blacklist
	fwd    *Forwarder
	stats  *statsCollector

	// only used when cfg.Cache.DedupeFetches is set
	flights singleflight.Group

	acceptLog *rateLimitedLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, log zerolog.Logger) (*Service, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	filter, err := LoadBlacklist(cfg.Blacklist.File, cfg.Blacklist.Rules)
	if err != nil {
		return nil, err
	}
	store, err := OpenCacheStore(cfg.Cache.Dir, cfg.Cache.Index, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		log:       log,
		store:     store,
		filter:    filter,
		fwd:       &Forwarder{Timeout: cfg.originTimeout},
		stats:     newStatsCollector(),
		acceptLog: newRateLimitedLogger(log, time.Minute),
		stopCh:    make(chan struct{}),
	}
	log.Info().Int("rules", filter.Len()).Str("file", cfg.Blacklist.File).Msg("Blacklist loaded")

	if cfg.statsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEvery)
		}()
	}
	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		s.log.Error().Err(err).Msg("Could not close cache index")
	}
}

func (s *Service) ClearCache() error { return s.store.Clear() }

// Serve accepts connections on ln until ctx is cancelled. In-flight
// connections are not waited for.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Proxy listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info().Msg("Proxy stopped accepting connections")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.acceptLog.Error(err, "Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// exchange is what one connection produced, for logging and stats.
type exchange struct {
	method  string
	url     string
	resp    []byte
	outcome Outcome
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	start := time.Now()
	defer conn.Close()
	defer func() {
		if p := recover(); p != nil {
			s.log.WithLevel(zerolog.PanicLevel).Interface("error", p).Msg("Panic in connection handler")
			_, _ = conn.Write(BuildErrorResponse(500, fmt.Sprint(p)))
		}
	}()

	raw, err := s.readRequest(conn)
	switch {
	case errors.Is(err, errRequestTooLarge):
		msg := fmt.Sprintf("Request exceeds %d bytes", s.cfg.maxRequestBytes)
		s.write(conn, start, exchange{resp: BuildErrorResponse(400, msg), outcome: OutcomeRejected})
		return
	case err != nil:
		s.log.Debug().Err(err).Str("client", conn.RemoteAddr().String()).Msg("Could not read request")
		return
	case len(raw) == 0:
		return
	}

	s.write(conn, start, s.respond(ctx, raw))
}

func (s *Service) write(conn net.Conn, start time.Time, ex exchange) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.clientIdle))
	n, err := conn.Write(ex.resp)
	s.stats.Observe(ex.outcome, n)

	status, _ := ParseStatusLine(ex.resp)
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("client", conn.RemoteAddr().String()).
		Str("method", ex.method).
		Str("url", ex.url).
		Int("status", status).
		Str("cache", string(ex.outcome)).
		Int("bytes", n).
		Dur("took", time.Since(start)).
		Msg("Sending response to client")
}

var errRequestTooLarge = errors.New("request too large")

// readRequest reads until EOF or a short read, bounded by the idle timeout
// per read and by the request size limit.
func (s *Service) readRequest(conn net.Conn) ([]byte, error) {
	var raw bytes.Buffer
	buf := make([]byte, readChunk)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.clientIdle)); err != nil {
			return nil, err
		}
		n, err := conn.Read(buf)
		raw.Write(buf[:n])
		if int64(raw.Len()) > s.cfg.maxRequestBytes {
			return nil, errRequestTooLarge
		}
		if err != nil {
			if errors.Is(err, io.EOF) || (isTimeout(err) && raw.Len() > 0) {
				return raw.Bytes(), nil
			}
			return nil, err
		}
		if n < len(buf) {
			return raw.Bytes(), nil
		}
	}
}

type origin struct {
	host string
	port int
	path string
}

func (o origin) hostHeader() string { return hostHeader(o.host, o.port) }

// respond runs the request state machine and returns the bytes for the client.
func (s *Service) respond(ctx context.Context, raw []byte) exchange {
	req, err := ParseRequest(raw)
	if err != nil {
		return exchange{resp: BuildErrorResponse(400, "Malformed request"), outcome: OutcomeRejected}
	}
	ex := exchange{method: req.Method, url: req.Target}

	url, err := ResolveTarget(req.Target)
	if err != nil {
		ex.resp, ex.outcome = BuildErrorResponse(400, "Invalid URL format"), OutcomeRejected
		return ex
	}
	host, port, path := SplitHostPortPath(url)
	if host == "" {
		ex.resp, ex.outcome = BuildErrorResponse(400, "Invalid URL format"), OutcomeRejected
		return ex
	}
	ex.url = url

	if s.filter.IsBlocked(url, host) {
		s.log.Info().Str("url", url).Msg("Blocked by blacklist")
		ex.resp, ex.outcome = BuildBlockedResponse(), OutcomeBlocked
		return ex
	}

	o := origin{host: host, port: port, path: path}
	switch req.Method {
	case "GET":
		ex.resp, ex.outcome = s.handleGet(ctx, url, o, req)
	case "POST":
		ex.resp, ex.outcome = s.handlePost(ctx, url, o, req)
	default:
		msg := fmt.Sprintf("Method %s is not supported.", req.Method)
		ex.resp, ex.outcome = BuildErrorResponse(501, msg), OutcomeRejected
	}
	return ex
}

func (s *Service) handleGet(ctx context.Context, url string, o origin, req *Request) ([]byte, Outcome) {
	log := s.log.With().Str("url", url).Logger()

	if ent, ok := s.store.Get(url); ok {
		v := ent.Validators()
		if !v.Any() {
			return ent.RawResponse, OutcomeHit
		}
		cond := BuildForwardRequest("GET", o.path, o.hostHeader(), v.conditionalHeader(), nil)
		resp, err := s.fwd.Forward(ctx, o.host, o.port, cond)
		if err != nil {
			log.Warn().Err(err).Msg("Revalidation failed, serving cached response")
			return ent.RawResponse, OutcomeStale
		}
		status, err := ParseStatusLine(resp)
		if err != nil {
			log.Warn().Err(err).Msg("Unreadable revalidation response, serving cached response")
			return ent.RawResponse, OutcomeStale
		}
		if status == 304 {
			return ent.RawResponse, OutcomeRevalidated
		}
		s.cachePut(log, url, resp)
		if refreshed(resp) {
			return resp, OutcomeRefreshed
		}
		return resp, OutcomeMiss
	}

	fwdReq := BuildForwardRequest("GET", o.path, o.hostHeader(), req.Header, nil)
	resp, err := s.fetch(ctx, url, o, fwdReq)
	if err != nil {
		return s.failureResponse(log, err), OutcomeError
	}
	return resp, OutcomeMiss
}

// refreshed reports whether a revalidation reply replaced the cached copy.
func refreshed(resp []byte) bool {
	status, h, _, err := splitResponse(resp)
	return err == nil && IsCacheable(h, status)
}

// fetch forwards a cache-miss GET and stores a 200 answer. With
// DedupeFetches, concurrent misses for the same URL share one origin request.
func (s *Service) fetch(ctx context.Context, url string, o origin, fwdReq []byte) ([]byte, error) {
	do := func() (any, error) {
		resp, err := s.fwd.Forward(ctx, o.host, o.port, fwdReq)
		if err != nil {
			return nil, err
		}
		log := s.log.With().Str("url", url).Logger()
		status, err := ParseStatusLine(resp)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Could not read origin status")
		case status == 200:
			s.cachePut(log, url, resp)
		}
		return resp, nil
	}

	var v any
	var err error
	if s.cfg.Cache.DedupeFetches {
		v, err, _ = s.flights.Do(url, do)
	} else {
		v, err = do()
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Service) handlePost(ctx context.Context, url string, o origin, req *Request) ([]byte, Outcome) {
	fwdReq := BuildForwardRequest("POST", o.path, o.hostHeader(), req.Header, req.Body)
	resp, err := s.fwd.Forward(ctx, o.host, o.port, fwdReq)
	if err != nil {
		return s.failureResponse(s.log.With().Str("url", url).Logger(), err), OutcomeError
	}
	return resp, OutcomeBypass
}

// cachePut never fails the request; cache write errors are only logged.
func (s *Service) cachePut(log zerolog.Logger, url string, resp []byte) {
	if err := s.store.Put(url, resp); err != nil {
		log.Error().Err(err).Msg("Could not write cache entry")
	}
}

func (s *Service) failureResponse(log zerolog.Logger, err error) []byte {
	log.Error().Err(err).Msg("Could not fetch response from origin")
	var fe *ForwardError
	if errors.As(err, &fe) {
		code := fe.StatusCode()
		return BuildErrorResponse(code, reasonPhrase(code)+": "+fe.Error())
	}
	return BuildErrorResponse(500, "Internal Server Error: "+err.Error())
}

// Stats is a point-in-time view of the proxy counters.
func (s *Service) Stats() StatsSnapshot {
	ss := s.stats.Snapshot()
	ss.CachedEntries = s.store.Len()
	if rss, ok := processRSSBytes(); ok {
		ss.RSSBytes = rss
	}
	if mem, ok := processMemBreakdown(); ok {
		ss.RSSBreakdown = mem
	}
	return ss
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.Stats()
			s.log.Info().
				Int("cached", ss.CachedEntries).
				Uint64("hit", ss.Outcomes[OutcomeHit]+ss.Outcomes[OutcomeRevalidated]).
				Uint64("stale", ss.Outcomes[OutcomeStale]).
				Uint64("miss", ss.Outcomes[OutcomeMiss]+ss.Outcomes[OutcomeRefreshed]).
				Uint64("responses", ss.TotalResponses).
				Str("rss", formatBytes(ss.RSSBytes)).
				Str("mem", formatMemBreakdown(ss.RSSBreakdown)).
				Msgf("Resp min/avg/max %s/%s/%s",
					formatBytes(ss.MinRespBytes),
					formatBytes(ss.AvgRespBytes),
					formatBytes(ss.MaxRespBytes))
		}
	}
}
