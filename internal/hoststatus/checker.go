package hoststatus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/gocci/gocci/internal/protocol"
)

// Checker periodically rescans the registry and attempts to flip
// unreachable hosts back to reachable via a trivial handshake.
type Checker struct {
	registry *Registry
	driver   protocol.Driver

	interval     time.Duration
	probeTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker builds a checker over the given registry and driver.
func NewChecker(r *Registry, d protocol.Driver, interval, probeTimeout time.Duration) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Checker{
		registry:     r,
		driver:       d,
		interval:     interval,
		probeTimeout: probeTimeout,
		stopCh:       make(chan struct{}),
	}
}

var (
	startMu       sync.Mutex
	startedGlobal *Checker
)

// registeredDriver resolves the installed codec at call time, so probes keep
// working when the driver is (re)registered after the checker starts.
type registeredDriver struct{}

func (registeredDriver) Dial(ctx context.Context, host protocol.HostAddr, auth protocol.Auth, timeout time.Duration) (protocol.Requester, *protocol.BrokerInfo, error) {
	if d := protocol.Registered(); d != nil {
		return d.Dial(ctx, host, auth, timeout)
	}
	return nil, nil, context.Canceled
}

func (registeredDriver) Cancel(ctx context.Context, host protocol.HostAddr, cas protocol.CASIdent) error {
	if d := protocol.Registered(); d != nil {
		return d.Cancel(ctx, host, cas)
	}
	return context.Canceled
}

func (registeredDriver) Ping(ctx context.Context, host protocol.HostAddr, timeout time.Duration) error {
	if d := protocol.Registered(); d != nil {
		return d.Ping(ctx, host, timeout)
	}
	return context.Canceled
}

// EnsureStarted starts the process-wide background checker exactly once.
// Later calls are no-ops.
func EnsureStarted(protocol.Driver) {
	startMu.Lock()
	defer startMu.Unlock()
	if startedGlobal != nil {
		return
	}
	startedGlobal = NewChecker(Global(), registeredDriver{}, 10*time.Second, 2*time.Second)
	startedGlobal.Start()
}

// Start begins periodic probing.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("host health checker started", "interval", c.interval)
}

// Stop halts the checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Checker) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.probeAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) probeAll() {
	for _, addr := range c.registry.UnreachableHosts() {
		if c.probe(addr) {
			c.registry.SetStatus(addr, true)
			slog.Info("host recovered", "host", addr.String())
		}
	}
}

// probe attempts a trivial handshake, retrying briefly with exponential
// backoff so a host mid-restart is not written off on one refused dial.
func (c *Checker) probe(addr protocol.HostAddr) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.probeTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.driver.Ping(ctx, addr, c.probeTimeout); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return err == nil
}
