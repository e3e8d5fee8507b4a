package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// NodeRepo maintains the durable per-node records: address, projected queue
// time and busy/reachable flags.
type NodeRepo struct {
	store *Store
}

// EnsureNodes inserts a row per node index if missing and refreshes the
// stored address. Existing projected_seconds and flags are preserved so a
// restart does not forget accumulated load.
func (r *NodeRepo) EnsureNodes(ctx domain.Context, addresses []string) error {
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		for i, addr := range addresses {
			const ins = `INSERT INTO nodes (node, address) VALUES (?, ?)
ON CONFLICT(node) DO UPDATE SET address=excluded.address`
			if _, err := tx.ExecContext(ctx, ins, i, addr); err != nil {
				return fmt.Errorf("ensure node %d: %w", i, err)
			}
		}
		return nil
	})
	return storageErr("nodes.ensure", err)
}

// Get loads one node's state.
func (r *NodeRepo) Get(ctx domain.Context, node int) (domain.NodeState, error) {
	const q = `SELECT node, address, projected_seconds, busy, current_job_id, reachable FROM nodes WHERE node=?`
	var n domain.NodeState
	err := r.store.db.QueryRowContext(ctx, q, node).Scan(&n.Node, &n.Address,
		&n.ProjectedSeconds, &n.Busy, &n.CurrentJobID, &n.Reachable)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NodeState{}, fmt.Errorf("op=nodes.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.NodeState{}, storageErr("nodes.get", err)
	}
	return n, nil
}

// ListAll returns every node ordered by index.
func (r *NodeRepo) ListAll(ctx domain.Context) ([]domain.NodeState, error) {
	const q = `SELECT node, address, projected_seconds, busy, current_job_id, reachable FROM nodes ORDER BY node ASC`
	rows, err := r.store.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storageErr("nodes.list", err)
	}
	defer rows.Close()

	var out []domain.NodeState
	for rows.Next() {
		var n domain.NodeState
		if err := rows.Scan(&n.Node, &n.Address, &n.ProjectedSeconds, &n.Busy,
			&n.CurrentJobID, &n.Reachable); err != nil {
			return nil, storageErr("nodes.list", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetBusy marks the node busy with the given job.
func (r *NodeRepo) SetBusy(ctx domain.Context, node int, jobID string) error {
	const upd = `UPDATE nodes SET busy=1, current_job_id=? WHERE node=?`
	res, err := r.store.db.ExecContext(ctx, upd, jobID, node)
	if err != nil {
		return storageErr("nodes.set_busy", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=nodes.set_busy: %w", domain.ErrNotFound)
	}
	return nil
}

// SetIdle clears the node's busy flag and current job.
func (r *NodeRepo) SetIdle(ctx domain.Context, node int) error {
	const upd = `UPDATE nodes SET busy=0, current_job_id='' WHERE node=?`
	res, err := r.store.db.ExecContext(ctx, upd, node)
	if err != nil {
		return storageErr("nodes.set_idle", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=nodes.set_idle: %w", domain.ErrNotFound)
	}
	return nil
}

// SetReachable records transport health for the dashboard.
func (r *NodeRepo) SetReachable(ctx domain.Context, node int, reachable bool) error {
	const upd = `UPDATE nodes SET reachable=? WHERE node=?`
	res, err := r.store.db.ExecContext(ctx, upd, reachable, node)
	if err != nil {
		return storageErr("nodes.set_reachable", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=nodes.set_reachable: %w", domain.ErrNotFound)
	}
	return nil
}
