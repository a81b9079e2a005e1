package dps

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
)

func (m *Client) reanchorLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ReanchorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !m.Stale() {
				continue
			}
			if err := m.Reanchor(ctx); err != nil {
				m.log.Warnw("failed to re-anchor policy session", zap.Error(err))
			}
		}
	}
}

// Reanchor asks the seeds for the current leader, retargets the client and
// runs the re-anchor callback.
//
// Queries left pending towards the previous server are dropped.
func (m *Client) Reanchor(ctx context.Context) error {
	seeds := slices.Clone(m.cfg.Seeds)
	if server := m.Server(); server.IsValid() && !slices.Contains(seeds, server) {
		seeds = append(seeds, server)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("%w: no policy seeds configured", xerror.ErrConfiguration)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second

	attempt := 0
	leader, err := backoff.Retry(ctx, func() (netip.AddrPort, error) {
		seed := seeds[attempt%len(seeds)]
		attempt++
		return m.queryLeader(ctx, seed)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(len(seeds))),
	)
	if err != nil {
		return fmt.Errorf("no seed answered with a leader: %w", err)
	}

	m.SetServer(leader)
	if dropped := m.dropPending(); dropped > 0 {
		m.log.Infow("dropped queries pending on the previous server", zap.Int("count", dropped))
	}
	if m.stale.Swap(false) {
		m.observer.Stale(false)
	}
	m.log.Infow("re-anchored policy session", zap.Stringer("leader", leader))

	m.mu.Lock()
	hook := m.onReanchor
	m.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return nil
}

func (m *Client) queryLeader(ctx context.Context, seed netip.AddrPort) (netip.AddrPort, error) {
	req := &request{expect: MsgLeaderReply, notify: make(chan Envelope, 1)}
	if err := m.send(ctx, seed, 0, &LeaderRequest{}, req); err != nil {
		return netip.AddrPort{}, err
	}

	timer := time.NewTimer(m.cfg.LeaderTimeout)
	defer timer.Stop()

	select {
	case env := <-req.notify:
		leader := env.Body.(*LeaderReply).Leader
		if !leader.IsValid() {
			return netip.AddrPort{}, fmt.Errorf("%w: seed %s returned no leader", xerror.ErrProtocol, seed)
		}
		return leader, nil
	case <-timer.C:
		m.claim(req.id)
		return netip.AddrPort{}, fmt.Errorf("%w: seed %s did not answer", xerror.ErrTransport, seed)
	case <-ctx.Done():
		m.claim(req.id)
		return netip.AddrPort{}, backoff.Permanent(ctx.Err())
	}
}
