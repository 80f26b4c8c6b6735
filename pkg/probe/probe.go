package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
)

const (
	// SSHPort is the port probed for host readiness
	SSHPort = 22

	defaultPoolSize      = 2000
	defaultDialTimeout   = 5 * time.Second
	defaultRetryInterval = 1 * time.Second
	defaultDeadline      = 180 * time.Second
)

// Pool is a process-wide bounded executor for TCP reachability probes.
// One pool is shared by all region managers so a large fleet cannot
// exhaust file descriptors.
type Pool struct {
	sem chan struct{}

	// Port is the probed TCP port, SSHPort unless overridden
	Port int

	// DialTimeout is the timeout of a single connect attempt
	DialTimeout time.Duration
	// RetryInterval is the pause between failed attempts
	RetryInterval time.Duration
	// Deadline bounds the total time spent probing one address
	Deadline time.Duration
}

// NewPool creates a probe pool with the given concurrency limit.
// Zero or negative size selects the default.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &Pool{
		sem:           make(chan struct{}, size),
		Port:          SSHPort,
		DialTimeout:   defaultDialTimeout,
		RetryInterval: defaultRetryInterval,
		Deadline:      defaultDeadline,
	}
}

// WaitReachable blocks until a TCP connect to ip on the pool's Port (22
// unless overridden) succeeds, the pool
// deadline elapses, or ctx is cancelled. Returns nil on success.
func (p *Pool) WaitReachable(ctx context.Context, ip string) error {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	metrics.ProbesInFlight.Inc()
	defer metrics.ProbesInFlight.Dec()

	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", p.Port))

	ctx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()

	for {
		timer := metrics.NewTimer()
		err := p.check(ctx, addr)
		timer.ObserveDuration(metrics.ProbeDuration)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("ssh probe %s: %w", addr, ctx.Err())
		case <-time.After(p.RetryInterval):
		}
	}
}

// check performs a single connect attempt
func (p *Pool) check(ctx context.Context, addr string) error {
	dialer := &net.Dialer{
		Timeout: p.DialTimeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
