package supervisor

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

// keepalive probes the connection at a bounded interval. Each probe carries
// its own deadline, so a peer that keeps the TCP session alive but stops
// answering still counts as a failure. After the configured number of
// consecutive failures the connection is declared dead, which tears the
// tunnel down promptly instead of waiting on a stalled peer.
func (s *Supervisor) keepalive(ctx context.Context, conn tunnelConn) error {
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.probe(conn); err != nil {
				failures++
				s.metrics.keepaliveFailures.Inc()
				s.logger.Warn("keepalive probe failed",
					logz.Service(s.opts.Config.ServiceName),
					logz.Failures(failures),
					logz.Error(err),
				)
				if failures >= s.opts.KeepaliveMaxFailures {
					return fmt.Errorf("connection unresponsive after %d keepalive probes", failures)
				}
				continue
			}
			if failures > 0 {
				s.logger.Info("keepalive recovered",
					logz.Service(s.opts.Config.ServiceName),
					logz.Failures(failures),
				)
			}
			failures = 0
		}
	}
}

// probe sends one liveness request, bounded by ProbeTimeout. A request
// still unanswered at the deadline is abandoned; closing the connection on
// teardown unblocks it.
func (s *Supervisor) probe(conn tunnelConn) error {
	result := make(chan error, 1)
	go func() {
		_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
		result <- err
	}()

	timer := time.NewTimer(s.opts.ProbeTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return fmt.Errorf("liveness probe unanswered after %s", s.opts.ProbeTimeout)
	}
}
