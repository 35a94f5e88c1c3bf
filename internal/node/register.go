package node

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"go.uber.org/zap"
)

// Register announces this node to the admin at adminURL, retrying with
// exponential backoff until maxElapsed passes. A node that is already
// registered under the same id is treated as registered.
func (n *Node) Register(ctx context.Context, adminURL, publicURI string, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed

	req := cluster.AddServerRequest{ID: n.id, URI: publicURI}
	op := func() error {
		err := cluster.PostJSON(ctx, adminURL+"/admin/AddStorageServer", req, nil)
		switch {
		case err == nil, errors.Is(err, cluster.ErrDuplicateID):
			return nil
		case errors.Is(err, cluster.ErrTransport):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		n.logger.Warn("registration failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return errors.Wrapf(err, "could not register with admin at %s", adminURL)
	}
	n.logger.Info("registered with admin", zap.String("admin", adminURL), zap.String("uri", publicURI))
	return n.SyncTable(ctx, adminURL)
}

// SyncTable fetches the live partition table from the admin and applies it
// if it is newer than the one held.
func (n *Node) SyncTable(ctx context.Context, adminURL string) error {
	var resp cluster.TableResponse
	if err := cluster.GetJSON(ctx, adminURL+"/admin/Table", &resp); err != nil {
		if errors.Is(err, cluster.ErrNoAvailableServer) {
			return nil
		}
		return errors.Wrap(err, "could not fetch partition table")
	}
	return n.ApplyTable(ctx, resp.Table)
}
