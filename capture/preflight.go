package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// TokenGetter returns a Twitch app access token; used to prove the configured
// credentials are accepted before a recording is started.
type TokenGetter interface {
	Get(ctx context.Context) (string, error)
}

// Preflight verifies the capture tool can run and upstream credentials work.
// Successful checks are cached for TTL so a burst of start requests does not
// fork streamlink --version for each one.
type Preflight struct {
	Binary  string
	Tokens  TokenGetter
	Timeout time.Duration
	TTL     time.Duration

	mu     sync.Mutex
	okAt   time.Time
	runner func(ctx context.Context, bin string) (string, error)
}

func versionOf(ctx context.Context, bin string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, "--version").CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Check returns nil when a capture can be attempted.
func (p *Preflight) Check(ctx context.Context) error {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	p.mu.Lock()
	if !p.okAt.IsZero() && time.Since(p.okAt) < ttl {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := p.Binary
	if bin == "" {
		bin = "streamlink"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("capture binary %q: %w", bin, err)
	}
	run := p.runner
	if run == nil {
		run = versionOf
	}
	if out, err := run(cctx, bin); err != nil {
		return fmt.Errorf("capture binary %q not runnable: %w (%s)", bin, err, lastLine(out))
	}
	if p.Tokens != nil {
		if _, err := p.Tokens.Get(cctx); err != nil {
			return fmt.Errorf("twitch credentials rejected: %w", err)
		}
	}

	p.mu.Lock()
	p.okAt = time.Now()
	p.mu.Unlock()
	return nil
}

// Invalidate drops the cached success so the next Check runs again.
func (p *Preflight) Invalidate() {
	p.mu.Lock()
	p.okAt = time.Time{}
	p.mu.Unlock()
}
