package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/model"
)

// Health probes every configured backend concurrently. It returns within
// the health timeout no matter how the backends behave; backends that do
// not answer in time are left out of Services.
func (g *Gateway) Health(ctx context.Context) *model.ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, g.config.HealthTimeout)
	defer cancel()

	type probe struct {
		name string
		info model.ServiceInfo
		ok   bool
	}

	results := make(chan probe, len(g.backends))
	var wg sync.WaitGroup
	for _, b := range g.backends {
		wg.Add(1)
		go func(b *backend) {
			defer wg.Done()
			info, ok := g.probe(ctx, b)
			results <- probe{name: b.name, info: info, ok: ok}
		}(b)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	health := &model.ServiceHealth{
		Status:    model.HealthStatusHealthy,
		Services:  make(map[string]model.ServiceInfo),
		Timestamp: time.Now(),
	}

	pending := len(g.backends)
	for pending > 0 {
		select {
		case p, ok := <-results:
			if !ok {
				pending = 0
				continue
			}
			pending--
			if p.ok {
				health.Services[p.name] = p.info
			} else {
				health.Status = model.HealthStatusUnhealthy
			}
		case <-ctx.Done():
			// probes still in flight count as down
			health.Status = model.HealthStatusUnhealthy
			pending = 0
		}
	}

	return health
}

// probe reports a backend as reachable when it answers with a non-5xx status
func (g *Gateway) probe(ctx context.Context, b *backend) (model.ServiceInfo, bool) {
	target := *b.base
	if b.health != "" {
		target.Path = strings.TrimRight(target.Path, "/") + "/" + strings.TrimLeft(b.health, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return model.ServiceInfo{}, false
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Debug("Backend probe failed",
			zap.String("service", b.name),
			zap.Error(err))
		return model.ServiceInfo{}, false
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return model.ServiceInfo{StatusCode: resp.StatusCode}, false
	}
	return model.ServiceInfo{
		Latency:    time.Since(start).Round(time.Millisecond).String(),
		StatusCode: resp.StatusCode,
	}, true
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Health(r.Context()))
}
