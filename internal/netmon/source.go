package netmon

import (
	"context"
	"net/http"
	"time"
)

// CallbackSource lets the embedding application (or a test) push raw
// observations directly, for platforms that expose native reachability
// callbacks.
type CallbackSource struct {
	report func(online bool)
	ready  chan struct{}
}

// NewCallbackSource returns an idle callback source. Set is a no-op until the
// owning monitor has started.
func NewCallbackSource() *CallbackSource {
	return &CallbackSource{ready: make(chan struct{})}
}

// Start wires the source to the monitor and blocks until ctx is cancelled.
func (c *CallbackSource) Start(ctx context.Context, report func(online bool)) {
	c.report = report
	close(c.ready)
	<-ctx.Done()
}

// Set pushes one raw observation.
func (c *CallbackSource) Set(online bool) {
	select {
	case <-c.ready:
		c.report(online)
	default:
	}
}

// ProbeSource polls an HTTP endpoint to derive connectivity. Any response,
// including an error status, proves reachability; only transport failures
// count as offline.
type ProbeSource struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
}

// NewProbeSource builds a probe against url polling at the given interval.
func NewProbeSource(url string, interval time.Duration) *ProbeSource {
	return &ProbeSource{
		URL:      url,
		Interval: interval,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Start probes immediately and then on every tick until ctx is cancelled.
func (p *ProbeSource) Start(ctx context.Context, report func(online bool)) {
	report(p.probe(ctx))

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(p.probe(ctx))
		}
	}
}

func (p *ProbeSource) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
