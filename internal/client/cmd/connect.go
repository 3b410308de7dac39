package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"miqo-core/internal/bridge"
	"miqo-core/internal/client/cli"
	"miqo-core/internal/connection"
	coreerrors "miqo-core/internal/core/errors"
	corelog "miqo-core/internal/core/log"
)

func newConnectCommand(a *app) *cobra.Command {
	var count int
	connectCmd := &cobra.Command{
		Use:   "connect <profile|url>",
		Short: "Connect to a broker and stream its packets",
		Long: `Connect to a broker through the miqo engine and print every packet as it arrives.
Press Ctrl-C to disconnect.

Examples:
  miqo connect local
  miqo connect tcp://localhost:1883
  miqo connect local --count 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runConnect(cmd, args[0], count)
		},
	}
	connectCmd.Flags().IntVarP(&count, "count", "n", 0, "Disconnect after this many packets (0 = until interrupted)")
	return connectCmd
}

func (a *app) runConnect(cmd *cobra.Command, arg string, count int) error {
	ctx := cmd.Context()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	target, err := cli.ResolveTarget(ctx, store, arg)
	if err != nil {
		return a.reportValidation(err)
	}

	sess, err := a.openSession(ctx)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)

	states := make(chan connection.Session, 16)
	watch, err := sess.ctrl.Watch(func(s connection.Session) {
		select {
		case states <- s:
		case <-done:
		}
	})
	if err != nil {
		return err
	}
	defer watch.Unsubscribe()

	received := make(chan struct{}, 1)
	packetSub, err := sess.client.Subscribe(bridge.EventPacket, func(raw json.RawMessage) {
		p, err := bridge.Decode[bridge.Packet](raw)
		if err != nil {
			return
		}
		a.out.Packet(p)
		select {
		case received <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer packetSub.Unsubscribe()

	if err := sess.ctrl.Connect(ctx, target); err != nil {
		return err
	}
	a.out.Info("Connecting to %s (%s)...", target.Label(), target.URL())

	for {
		select {
		case <-ctx.Done():
			a.disconnect(sess, states)
			return nil

		case <-sess.client.Done():
			return coreerrors.New(coreerrors.CodeNetworkError, "engine connection closed")

		case s := <-states:
			cli.PrintSession(a.out, s)
			switch s.State {
			case connection.StateError:
				return s.Err
			case connection.StateIdle:
				return nil
			}

		case <-received:
			if count > 0 && sess.pipeline.Stats().Received >= count {
				a.disconnect(sess, states)
				a.printSummary(sess)
				return nil
			}
		}
	}
}

// disconnect 断开 broker 并等待控制器回到空闲，最长等待宽限期
func (a *app) disconnect(sess *engineSession, states <-chan connection.Session) {
	grace := a.cfg.Connection.DisconnectGrace + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := sess.ctrl.Disconnect(ctx); err != nil {
		// 还没连上时没有可断开的会话
		if !errors.Is(err, coreerrors.ErrInvalidState) {
			corelog.Warnf("disconnect: %v", err)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			corelog.Warnf("disconnect: engine did not confirm within %s", grace)
			return
		case <-sess.client.Done():
			return
		case s := <-states:
			if s.State == connection.StateIdle || s.State == connection.StateError {
				cli.PrintSession(a.out, s)
				return
			}
		}
	}
}

func (a *app) printSummary(sess *engineSession) {
	stats := sess.pipeline.Stats()
	a.out.Info("Received %d packets on %d topics", stats.Received, len(sess.pipeline.Topics()))
}
