package stream

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xtxerr/streamd/config"
	"github.com/xtxerr/streamd/internal/registry"
)

// Pool runs one sender per relayed host. Senders created before Run
// start with it; later ones start right away.
type Pool struct {
	cfg SenderConfig

	mu      sync.Mutex
	senders map[*registry.Host]*Sender
	g       *errgroup.Group
	ctx     context.Context
}

// NewPool creates a pool. workers bounds how many senders may dial and
// handshake at the same time.
func NewPool(cfg SenderConfig, workers int) *Pool {
	if workers <= 0 {
		workers = config.DefaultRelayWorkers
	}
	cfg.dials = semaphore.NewWeighted(int64(workers))
	return &Pool{
		cfg:     cfg,
		senders: make(map[*registry.Host]*Sender),
	}
}

// For returns the sender of host, creating it on first use.
func (p *Pool) For(host *registry.Host) *Sender {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.senders[host]; ok {
		return s
	}
	s := NewSender(p.cfg, host)
	p.senders[host] = s
	if p.g != nil && p.ctx.Err() == nil {
		p.g.Go(func() error { return s.Run(p.ctx) })
	}
	return s
}

// Run runs every sender until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	p.g, p.ctx = g, gctx
	for _, s := range p.senders {
		g.Go(func() error { return s.Run(gctx) })
	}
	p.mu.Unlock()

	<-gctx.Done()

	// For starts no sender once the group is detached.
	p.mu.Lock()
	p.g = nil
	p.mu.Unlock()
	return g.Wait()
}

// Stats returns the statistics of every sender, ordered by host name.
func (p *Pool) Stats() []SenderStats {
	p.mu.Lock()
	out := make([]SenderStats, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s.Stats())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
