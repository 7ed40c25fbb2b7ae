package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedbtc/fedbtcd/internal/batch"
	"github.com/fedbtc/fedbtcd/internal/bitcoin"
	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/p2p"
	"github.com/fedbtc/fedbtcd/internal/replenish"
	"github.com/fedbtc/fedbtcd/internal/rsk"
	"github.com/fedbtc/fedbtcd/internal/storage"
	"github.com/fedbtc/fedbtcd/internal/validator"
	"github.com/fedbtc/fedbtcd/internal/voting"
)

// Node runs the coordinator's single-threaded main loop: it scans chain
// events, keeps the initiator election converged, drives the batch state
// machine when elected, and answers peer requests otherwise.
type Node struct {
	cfg         *config.Config
	db          *storage.DB
	chain       *rsk.Client
	btc         *bitcoin.Adapter
	batches     *batch.Service
	validator   *validator.Validator
	group       *p2p.Group
	election    *voting.Election
	replenisher *replenish.Replenisher // nil when disabled

	scratch          scratch
	cpfp             *cpfpState
	lastInitiatorSync time.Time
	iteration        int
}

// New assembles a node from its collaborators.
func New(cfg *config.Config, db *storage.DB, chain *rsk.Client, btc *bitcoin.Adapter, batches *batch.Service, v *validator.Validator, group *p2p.Group, election *voting.Election, replenisher *replenish.Replenisher) *Node {
	n := &Node{
		cfg:         cfg,
		db:          db,
		chain:       chain,
		btc:         btc,
		batches:     batches,
		validator:   v,
		group:       group,
		election:    election,
		replenisher: replenisher,
	}

	group.OnNodeUnavailable(func(nodeID string) {
		n.election.NodeUnavailable(nodeID)
		// Re-sync immediately so the group converges on a live initiator.
		n.lastInitiatorSync = time.Time{}
	})
	return n
}

// Run executes the main loop until ctx is cancelled or the node loses its
// federator role. Returns ErrNotFederator when the role is lost.
func (n *Node) Run(ctx context.Context) error {
	if err := n.waitForFederatorRole(ctx); err != nil {
		return err
	}

	slog.Info("node loop starting", "nodeId", n.group.LocalID())

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("node loop stopping", "reason", "shutdown")
			return nil
		}

		n.iteration++

		if n.iteration%config.FederatorRecheckEvery == 0 {
			ok, err := n.chain.IsFederator(ctx, n.group.LocalID())
			if err != nil {
				slog.Warn("federator role re-check failed", "error", err)
			} else if !ok {
				slog.Error("node lost federator role, exiting")
				return config.ErrNotFederator
			}
		}

		if err := n.iterate(ctx); err != nil {
			// Errors inside the iteration never kill the loop; the next
			// iteration retries after the sleep.
			slog.Error("iteration failed", "iteration", n.iteration, "error", err)
		}

		if done := n.sleepAndDrain(ctx, config.IterationInterval); done {
			slog.Info("node loop stopping", "reason", "shutdown")
			return nil
		}
	}
}

// waitForFederatorRole blocks until the local address appears in the
// federator set, bounded by the configured wait window.
func (n *Node) waitForFederatorRole(ctx context.Context) error {
	deadline := time.Now().Add(config.FederatorWaitWindow)

	for {
		ok, err := n.chain.IsFederator(ctx, n.group.LocalID())
		if err != nil {
			slog.Warn("federator check failed", "error", err)
		} else if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: waited %s", config.ErrNeverFederator, config.FederatorWaitWindow)
		}

		slog.Info("waiting to become federator", "nodeId", n.group.LocalID())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.FederatorWaitPoll):
		}
	}
}

// sleepAndDrain waits out the iteration gap in shutdown-granularity ticks,
// handling inbound peer messages as they arrive. All message handling happens
// here, on the loop task, so no two handlers ever overlap. Returns true when
// shutdown was requested.
func (n *Node) sleepAndDrain(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		tick := config.ShutdownPollInterval
		if remaining < tick {
			tick = remaining
		}

		select {
		case <-ctx.Done():
			return true
		case env := <-n.group.Receive():
			n.handleMessage(ctx, env)
		case <-time.After(tick):
		}
	}
}
