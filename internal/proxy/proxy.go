// Package proxy is the request pipeline: classify the path, admit the
// request through the token's rate limiter, forward it upstream with
// streaming bodies, and feed the response headers back into the
// limiter before relaying the response verbatim.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"discordproxy/internal/client"
	"discordproxy/internal/obs"
	"discordproxy/internal/routing"
)

const (
	defaultUpstream  = "https://discord.com"
	defaultUserAgent = "discordproxy/1.0"
)

func NewHTTPTransport(disableHTTP2 bool) *http.Transport {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if disableHTTP2 {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return tr
}

type Options struct {
	// Upstream overrides the Discord API origin.
	Upstream  string
	Transport http.RoundTripper
	Clients   *client.Cache
	Metrics   *obs.Metrics
	Log       zerolog.Logger
}

type Proxy struct {
	upstream *url.URL
	client   *http.Client
	clients  *client.Cache
	metrics  *obs.Metrics
	log      zerolog.Logger
}

func New(opts Options) (*Proxy, error) {
	raw := opts.Upstream
	if raw == "" {
		raw = defaultUpstream
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	tr := opts.Transport
	if tr == nil {
		tr = NewHTTPTransport(false)
	}
	return &Proxy{
		upstream: u,
		client:   &http.Client{Transport: tr},
		clients:  opts.Clients,
		metrics:  opts.Metrics,
		log:      opts.Log,
	}, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, err := routing.Parse(r.Method, r.URL.Path)
	if err != nil {
		code := "unsupported_route"
		if errors.Is(err, routing.ErrMethodNotAllowed) {
			code = "method_not_allowed"
		}
		writeError(w, http.StatusNotImplemented, code,
			fmt.Sprintf("cannot proxy %s %s", r.Method, r.URL.Path))
		return
	}

	tc := p.clients.GetOrCreate(r.Header.Get("Authorization"))
	tc.Retain()
	defer tc.ReleaseHold()

	permit, err := tc.Limiter().Acquire(r.Context(), rt)
	if err != nil {
		// The client went away while queued; there is nobody left to
		// answer.
		p.log.Debug().Str("route", rt.Template).Msg("waiter cancelled before admission")
		return
	}
	start := time.Now()

	out, err := p.buildUpstreamRequest(r, tc)
	if err != nil {
		permit.Release(0, http.Header{})
		p.log.Error().Err(err).Str("route", rt.Template).Msg("build upstream request")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	resp, err := p.client.Do(out)
	if err != nil {
		permit.Release(0, http.Header{})
		p.log.Error().Err(err).Str("method", rt.Method).Str("route", rt.Template).Msg("upstream request failed")
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	defer resp.Body.Close()

	permit.Release(resp.StatusCode, resp.Header)

	scope := resp.Header.Get("X-RateLimit-Scope")
	defer func() {
		if p.metrics != nil {
			p.metrics.Observe(rt.Method, rt.Template, strconv.Itoa(resp.StatusCode), scope, time.Since(start))
		}
	}()

	if r.Context().Err() != nil {
		// Client disconnected mid-flight. The upstream call ran on a
		// detached context; drain the body so the connection is reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return
	}

	copyFiltered(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flushCopy(w, resp.Body)
}

// buildUpstreamRequest clones the inbound request against the upstream
// origin. The path is forwarded exactly as received, version prefix and
// all. The upstream context is detached from the client connection so a
// disconnect does not abort the call before its headers are ingested.
func (p *Proxy) buildUpstreamRequest(r *http.Request, tc *client.TokenClient) (*http.Request, error) {
	u := *p.upstream
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(context.WithoutCancel(r.Context()), r.Method, u.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength

	out.Header = make(http.Header, len(r.Header))
	copyFiltered(out.Header, r.Header)
	if out.Header.Get("Authorization") == "" {
		out.Header.Set("Authorization", tc.Token())
	}
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", defaultUserAgent)
	}
	return out, nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyFiltered copies src into dst minus hop-by-hop headers, including
// any named by the Connection header.
func copyFiltered(dst, src http.Header) {
	dropped := map[string]struct{}{}
	for _, f := range strings.Split(src.Get("Connection"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			dropped[http.CanonicalHeaderKey(f)] = struct{}{}
		}
	}
	for _, h := range hopHeaders {
		dropped[h] = struct{}{}
	}
	for k, vs := range src {
		if _, drop := dropped[http.CanonicalHeaderKey(k)]; drop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// flushCopy streams src to the client, flushing as data arrives so
// chunked upstream responses are relayed without buffering.
func flushCopy(w http.ResponseWriter, src io.Reader) {
	f, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if f != nil {
				f.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}
