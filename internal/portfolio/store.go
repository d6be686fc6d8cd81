package portfolio

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"governance-core/internal/persistence"
	"governance-core/pkg/db"
)

// Store persists portfolio changes through a batch writer and reads them
// back on startup.
type Store struct {
	db     *db.Database
	writer *persistence.BatchWriter
}

// NewStore creates a store. writer handles every write off the execution path.
func NewStore(database *db.Database, writer *persistence.BatchWriter) *Store {
	return &Store{db: database, writer: writer}
}

// Persist enqueues the SQL for one change.
func (s *Store) Persist(c Change) {
	s.writer.Write(persistence.WriteOp{
		Table: "portfolio_state",
		Query: `INSERT INTO portfolio_state (id, cash, version, updated_at) VALUES (1, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET cash = excluded.cash, version = excluded.version, updated_at = CURRENT_TIMESTAMP`,
		Args: []any{c.Cash.String(), c.Version},
	})

	for sym, p := range c.Positions {
		if p.Quantity.IsZero() {
			s.writer.WriteQuery("positions", `DELETE FROM positions WHERE symbol = ?`, sym)
			continue
		}
		s.writer.WriteQuery("positions", `
			INSERT INTO positions (symbol, quantity, avg_cost, last_mark_price, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(symbol) DO UPDATE SET
				quantity = excluded.quantity,
				avg_cost = excluded.avg_cost,
				last_mark_price = excluded.last_mark_price,
				updated_at = CURRENT_TIMESTAMP`,
			sym, p.Quantity.String(), p.AvgCost.String(), p.LastMarkPrice.String())
	}

	fills, err := json.Marshal(c.Result.Fills)
	if err != nil {
		fills = []byte("[]")
	}
	s.writer.WriteQuery("executions", `
		INSERT INTO executions (proposal_id, status, reason, fills, version_before, version_after, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Result.ProposalID, string(c.Result.Status), c.Result.Reason, string(fills),
		c.Result.PortfolioVersionBefore, c.Result.PortfolioVersionAfter, c.Result.ExecutedAt.UTC())
}

// Load reads the persisted portfolio. ok is false when nothing was stored yet.
func (s *Store) Load(ctx context.Context) (st State, ok bool, err error) {
	var cash string
	row := s.db.DB.QueryRowContext(ctx, `SELECT cash, version FROM portfolio_state WHERE id = 1`)
	if err := row.Scan(&cash, &st.Version); err != nil {
		if err == sql.ErrNoRows {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("load portfolio state: %w", err)
	}
	if st.Cash, err = decimal.NewFromString(cash); err != nil {
		return State{}, false, fmt.Errorf("portfolio cash: %w", err)
	}

	if st.Positions, err = s.loadPositions(ctx); err != nil {
		return State{}, false, err
	}
	if st.TransactionHistory, err = s.loadExecutions(ctx); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (s *Store) loadPositions(ctx context.Context) (map[string]Position, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT symbol, quantity, avg_cost, last_mark_price FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Position)
	for rows.Next() {
		var sym, qty, avg, mark string
		if err := rows.Scan(&sym, &qty, &avg, &mark); err != nil {
			return nil, err
		}
		var p Position
		if p.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("position %s quantity: %w", sym, err)
		}
		if p.AvgCost, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("position %s avg_cost: %w", sym, err)
		}
		if p.LastMarkPrice, err = decimal.NewFromString(mark); err != nil {
			return nil, fmt.Errorf("position %s mark: %w", sym, err)
		}
		out[sym] = p
	}
	return out, rows.Err()
}

func (s *Store) loadExecutions(ctx context.Context) ([]ExecutionResult, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT proposal_id, status, COALESCE(reason, ''), fills, version_before, version_after, executed_at
		FROM executions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionResult
	for rows.Next() {
		var (
			r      ExecutionResult
			status string
			fills  string
			at     time.Time
		)
		if err := rows.Scan(&r.ProposalID, &status, &r.Reason, &fills,
			&r.PortfolioVersionBefore, &r.PortfolioVersionAfter, &at); err != nil {
			return nil, err
		}
		r.Status = ExecutionStatus(status)
		r.ExecutedAt = at.UTC()
		if err := json.Unmarshal([]byte(fills), &r.Fills); err != nil {
			return nil, fmt.Errorf("execution %s fills: %w", r.ProposalID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
