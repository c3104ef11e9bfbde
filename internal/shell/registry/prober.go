package registry

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/docker"
)

// Prober runs the three reachability tiers of a host health check.
type Prober interface {
	// Ping is the ICMP tier.
	Ping(ctx context.Context, ip string) error

	// Dial is the TCP tier against the runtime port.
	Dial(ctx context.Context, addr string) error

	// Runtime is the API tier: the runtime itself answers.
	Runtime(ctx context.Context, node *domain.HostNode) error
}

// NetProber probes with the system ping binary, a TCP dial, and the host
// pool's runtime client.
type NetProber struct {
	pool       *docker.HostPool
	timeout    time.Duration
	pingBinary string
}

// NewNetProber creates a prober whose tiers each get timeout.
func NewNetProber(pool *docker.HostPool, timeout time.Duration) *NetProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NetProber{pool: pool, timeout: timeout, pingBinary: "ping"}
}

// Ping sends one ICMP echo request.
func (p *NetProber) Ping(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	wait := strconv.Itoa(max(1, int(p.timeout/time.Second)))
	out, err := exec.CommandContext(ctx, p.pingBinary, "-c", "1", "-W", wait, ip).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ping %s: %w: %s", ip, err, firstLine(string(out)))
	}
	return nil
}

// Dial opens and closes a TCP connection to addr.
func (p *NetProber) Dial(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn.Close()
}

// Runtime pings the node's runtime through the pool.
func (p *NetProber) Runtime(ctx context.Context, node *domain.HostNode) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.pool.PingNode(ctx, node)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
