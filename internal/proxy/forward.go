package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forward sends in to the named backend on behalf of grant. The call is
// bounded by the forward timeout; on OutcomeOK the caller must read and
// close Response before ctx is cancelled.
func (g *Gateway) Forward(ctx context.Context, grant *Grant, service, path string, in *http.Request) Outcome {
	if !grant.Allows(service) {
		return Outcome{Kind: OutcomeDenied, Err: fmt.Errorf("%w: %s", ErrServiceNotPermitted, service)}
	}

	b, ok := g.backends[service]
	if !ok {
		return Outcome{Kind: OutcomeUnreachable, Err: fmt.Errorf("%w: %s is not configured", ErrServiceUnavailable, service)}
	}

	target := *b.base
	target.Path = strings.TrimRight(target.Path, "/") + "/" + strings.TrimLeft(path, "/")
	target.RawPath = ""
	target.RawQuery = in.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, in.Method, target.String(), in.Body)
	if err != nil {
		return Outcome{Kind: OutcomeUnreachable, Err: err}
	}
	req.ContentLength = in.ContentLength
	req.Header = in.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.Header.Set("X-Execution-ID", grant.ExecutionID)

	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return Outcome{Kind: OutcomeTimeout, Err: fmt.Errorf("%w: %s did not respond in time", ErrServiceUnavailable, service)}
		}
		return Outcome{Kind: OutcomeUnreachable, Err: fmt.Errorf("%w: %v", ErrServiceUnavailable, err)}
	}
	return Outcome{Kind: OutcomeOK, Response: resp}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (g *Gateway) handleForward(w http.ResponseWriter, r *http.Request) {
	grant := grantFrom(r.Context())
	service := chi.URLParam(r, "service")

	ctx, cancel := context.WithTimeout(r.Context(), g.config.ForwardTimeout)
	defer cancel()

	out := g.Forward(ctx, grant, service, chi.URLParam(r, "*"), r)

	switch out.Kind {
	case OutcomeOK:
		defer out.Response.Body.Close()
		header := w.Header()
		for k, values := range out.Response.Header {
			for _, v := range values {
				header.Add(k, v)
			}
		}
		for _, h := range hopHeaders {
			header.Del(h)
		}
		w.WriteHeader(out.Response.StatusCode)
		if _, err := io.Copy(w, out.Response.Body); err != nil {
			g.logger.Warn("Failed to relay backend response",
				zap.String("execution_id", grant.ExecutionID),
				zap.String("service", service),
				zap.Error(err))
		}
	case OutcomeDenied:
		g.logger.Warn("Denied service call",
			zap.String("execution_id", grant.ExecutionID),
			zap.String("service", service))
		writeError(w, http.StatusForbidden, CodeServiceNotPermitted,
			fmt.Sprintf("service %q is not permitted for this execution", service))
	case OutcomeTimeout:
		g.logger.Warn("Service call timed out",
			zap.String("execution_id", grant.ExecutionID),
			zap.String("service", service),
			zap.Duration("timeout", g.config.ForwardTimeout))
		writeError(w, http.StatusGatewayTimeout, CodeServiceUnavailable,
			fmt.Sprintf("service %q did not respond within %s", service, g.config.ForwardTimeout))
	case OutcomeUnreachable:
		g.logger.Warn("Service unreachable",
			zap.String("execution_id", grant.ExecutionID),
			zap.String("service", service),
			zap.Error(out.Err))
		writeError(w, http.StatusBadGateway, CodeServiceUnavailable,
			fmt.Sprintf("service %q is unreachable", service))
	case OutcomeThrottled:
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "request rate exceeds the execution's budget")
	}
}
