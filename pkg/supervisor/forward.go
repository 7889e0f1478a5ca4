package supervisor

import (
	"context"
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

// tunnelConn is the slice of *ssh.Client the forwarding loop and the
// liveness probe depend on, so the serve path can be driven without a live
// SSH peer.
type tunnelConn interface {
	Dial(network, addr string) (net.Conn, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

// serve accepts local connections and forwards them through the SSH client
// until the connection degrades or ctx is cancelled. It owns teardown of
// both the listener and the client.
func (s *Supervisor) serve(ctx context.Context, conn tunnelConn, listener net.Listener) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		listener.Close()
		conn.Close()
		return nil
	})

	eg.Go(func() error {
		return s.keepalive(ctx, conn)
	})

	eg.Go(func() error {
		err := conn.Wait()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		return errors.New("ssh connection closed by remote")
	})

	eg.Go(func() error {
		for {
			local, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			go s.forwardConn(ctx, conn, local)
		}
	})

	return eg.Wait()
}

func (s *Supervisor) forwardConn(ctx context.Context, conn tunnelConn, local net.Conn) {
	defer local.Close()

	targetAddr := s.opts.Config.Target.Addr()
	remoteConn, err := conn.Dial("tcp", targetAddr)
	if err != nil {
		s.logger.Warn("failed to open forwarding channel",
			logz.Service(s.opts.Config.ServiceName),
			logz.TargetAddr(targetAddr),
			logz.Error(err),
		)
		return
	}
	defer remoteConn.Close()

	s.metrics.activeConnections.Inc()
	defer s.metrics.activeConnections.Dec()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(remoteConn, local)
		remoteConn.Close()
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, remoteConn)
		local.Close()
		done <- struct{}{}
	}()

	select {
	case <-ctx.Done():
	case <-done:
		<-done
	}
}
