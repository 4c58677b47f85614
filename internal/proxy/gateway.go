// Package proxy implements the service proxy gateway that mediates every
// call a worker container makes to platform services.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultForwardTimeout = 5 * time.Second
	defaultHealthTimeout  = 2 * time.Second
)

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config holds gateway settings
type Config struct {
	Listen         string
	AdvertiseURL   string
	ForwardTimeout time.Duration
	HealthTimeout  time.Duration
	RateLimit      float64
	Burst          int
}

// Service is a backing platform service reachable through the gateway
type Service struct {
	Name       string
	URL        string
	HealthPath string
}

type backend struct {
	name   string
	base   *url.URL
	health string
}

// Grant is one execution's view of the gateway. The allow-list and the
// limiter belong to the grant alone.
type Grant struct {
	Token       string
	ExecutionID string
	Services    []string
	Endpoint    string
	CreatedAt   time.Time

	allowed map[string]struct{}
	limiter *rate.Limiter
}

// Allows reports whether service is in the grant's allow-list
func (g *Grant) Allows(service string) bool {
	_, ok := g.allowed[service]
	return ok
}

// Gateway is the shared HTTP server in front of all platform services
type Gateway struct {
	logger    *zap.Logger
	config    Config
	backends  map[string]*backend
	client    *http.Client
	publisher Publisher
	router    chi.Router

	mu     sync.RWMutex
	grants map[string]*Grant
	server *http.Server
}

// NewGateway creates a gateway for the given backends. publisher may be nil,
// in which case queue endpoints answer service_unavailable.
func NewGateway(config Config, services []Service, publisher Publisher, logger *zap.Logger) (*Gateway, error) {
	if config.ForwardTimeout <= 0 {
		config.ForwardTimeout = defaultForwardTimeout
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = defaultHealthTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = float64(rate.Inf)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	backends := make(map[string]*backend, len(services))
	for _, svc := range services {
		if !serviceNamePattern.MatchString(svc.Name) {
			return nil, fmt.Errorf("invalid service name %q", svc.Name)
		}
		base, err := url.Parse(svc.URL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("invalid url for service %s: %q", svc.Name, svc.URL)
		}
		backends[svc.Name] = &backend{name: svc.Name, base: base, health: svc.HealthPath}
	}

	g := &Gateway{
		logger:    logger.Named("service-proxy"),
		config:    config,
		backends:  backends,
		client:    &http.Client{},
		publisher: publisher,
		grants:    make(map[string]*Grant),
	}
	g.router = g.routes()
	return g, nil
}

func (g *Gateway) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)

	r.Route("/x/{token}", func(r chi.Router) {
		r.Use(g.grantContext)

		r.Get("/health", g.handleHealth)
		r.HandleFunc("/svc/{service}", g.handleForward)
		r.HandleFunc("/svc/{service}/*", g.handleForward)
		r.Post("/queue/{service}", g.handleQueue)
	})

	return r
}

// Handler returns the gateway router
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Services lists the configured backend names, sorted
func (g *Gateway) Services() []string {
	names := make([]string, 0, len(g.backends))
	for name := range g.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known filters services down to configured backends, keeping order and
// dropping duplicates
func (g *Gateway) Known(services []string) []string {
	seen := make(map[string]struct{}, len(services))
	known := make([]string, 0, len(services))
	for _, s := range services {
		if _, ok := g.backends[s]; !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		known = append(known, s)
	}
	return known
}

// Grant registers an allow-list scope for one execution
func (g *Gateway) Grant(executionID string, services []string) (*Grant, error) {
	allowed := g.Known(services)
	if len(allowed) == 0 {
		return nil, ErrNoServices
	}

	grant := &Grant{
		Token:       uuid.New().String(),
		ExecutionID: executionID,
		Services:    allowed,
		CreatedAt:   time.Now(),
		allowed:     make(map[string]struct{}, len(allowed)),
		limiter:     rate.NewLimiter(rate.Limit(g.config.RateLimit), g.config.Burst),
	}
	for _, s := range allowed {
		grant.allowed[s] = struct{}{}
	}
	grant.Endpoint = strings.TrimRight(g.config.AdvertiseURL, "/") + "/x/" + grant.Token

	g.mu.Lock()
	g.grants[grant.Token] = grant
	g.mu.Unlock()

	g.logger.Info("Granted service access",
		zap.String("execution_id", executionID),
		zap.Strings("services", allowed))

	return grant, nil
}

// Revoke removes a grant. Later calls with its token get unknown_execution.
func (g *Gateway) Revoke(token string) {
	g.mu.Lock()
	grant, ok := g.grants[token]
	delete(g.grants, token)
	g.mu.Unlock()

	if ok {
		g.logger.Info("Revoked service access", zap.String("execution_id", grant.ExecutionID))
	}
}

// Lookup returns the grant for token
func (g *Gateway) Lookup(token string) (*Grant, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grant, ok := g.grants[token]
	return grant, ok
}

// ActiveGrants returns the number of live grants
func (g *Gateway) ActiveGrants() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.grants)
}

// Start listens on the configured address and serves until ctx is done
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.config.Listen, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			g.logger.Error("Failed to shut down service proxy", zap.Error(err))
		}
	}()

	g.logger.Info("Service proxy listening",
		zap.String("addr", ln.Addr().String()),
		zap.Strings("services", g.Services()))

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("service proxy server error: %w", err)
	}
	return nil
}

type grantKey struct{}

func grantFrom(ctx context.Context) *Grant {
	grant, _ := ctx.Value(grantKey{}).(*Grant)
	return grant
}

// grantContext resolves the token and applies the grant's rate limit
func (g *Gateway) grantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		grant, ok := g.Lookup(chi.URLParam(r, "token"))
		if !ok {
			writeError(w, http.StatusNotFound, CodeUnknownExecution, "no active execution for this endpoint")
			return
		}
		if !grant.limiter.Allow() {
			g.logger.Warn("Rate limit exceeded", zap.String("execution_id", grant.ExecutionID))
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "request rate exceeds the execution's budget")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), grantKey{}, grant)))
	})
}
