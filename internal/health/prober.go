// Package health periodically probes backend deployment endpoints and feeds
// the results into the deployment directory, so the router steers around
// unhealthy backends and picks them back up once they recover.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/events"
)

// ProberConfig configures the health check prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober probes every deployment in the directory on a fixed interval.
type Prober struct {
	cfg    ProberConfig
	dir    *catalog.Directory
	bus    *events.Bus // optional
	client *http.Client
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewProber creates a health check prober over the directory. Pass a nil bus
// to disable health change events.
func NewProber(cfg ProberConfig, dir *catalog.Directory, bus *events.Bus, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:    cfg,
		dir:    dir,
		bus:    bus,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start.
	p.ProbeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.ProbeAll()
		case <-p.stop:
			return
		}
	}
}

// ProbeAll probes every deployment once, in parallel. Exposed so a
// maintenance sweep can trigger it outside the loop.
func (p *Prober) ProbeAll() {
	deployments := p.dir.List()

	var wg sync.WaitGroup
	for _, d := range deployments {
		wg.Add(1)
		go func(dep catalog.Deployment) {
			defer wg.Done()
			p.probe(dep)
		}(d)
	}
	wg.Wait()
}

func (p *Prober) probe(dep catalog.Deployment) {
	if dep.Endpoint == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dep.Endpoint, nil)
	if err != nil {
		p.report(dep, catalog.HealthUnhealthy, dep.ErrorCount+1)
		p.logger.Warn("health probe request error",
			slog.String("deployment", dep.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		p.report(dep, catalog.HealthUnhealthy, dep.ErrorCount+1)
		p.logger.Warn("health probe failed",
			slog.String("deployment", dep.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Any 2xx, 401 (Unauthorized — endpoint exists, auth required), or 405
	// (Method Not Allowed — endpoint exists) counts as healthy.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusMethodNotAllowed {
		p.report(dep, catalog.HealthHealthy, 0)
		p.logger.Debug("health probe ok",
			slog.String("deployment", dep.Name),
			slog.Int("status", resp.StatusCode),
			slog.Float64("latency_ms", latencyMs),
		)
	} else {
		p.report(dep, catalog.HealthUnhealthy, dep.ErrorCount+1)
		p.logger.Warn("health probe unhealthy",
			slog.String("deployment", dep.Name),
			slog.Int("status", resp.StatusCode),
		)
	}
}

// report writes the result into the directory and publishes a health change
// event when the status flipped.
func (p *Prober) report(dep catalog.Deployment, status catalog.HealthStatus, errorCount int) {
	p.dir.ReportHealth(dep.Name, status, errorCount)

	if p.bus != nil && dep.Health != status {
		p.bus.Publish(events.Event{
			Type:       events.EventHealthChange,
			Deployment: dep.Name,
			OldState:   string(dep.Health),
			NewState:   string(status),
		})
	}
}
