package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"governance-core/pkg/db"
)

var (
	ErrNotFound          = errors.New("proposal not found")
	ErrDuplicate         = errors.New("proposal already registered")
	ErrInvalidTransition = errors.New("invalid proposal status transition")
	ErrDecisionBound     = errors.New("proposal already has a decision")
)

// Writer is the write-behind sink the registry persists through.
type Writer interface {
	WriteQuery(table, query string, args ...any)
}

// Record is a proposal together with the decision bound to it, if any.
// Decision is kept as raw JSON so this package stays free of risk types.
type Record struct {
	Proposal  Proposal        `json:"proposal"`
	Decision  json.RawMessage `json:"decision,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Registry tracks every proposal seen and its lifecycle status.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	writer  Writer
	log     zerolog.Logger
}

// NewRegistry creates a registry. writer may be nil for in-memory use.
func NewRegistry(log zerolog.Logger, writer Writer) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		writer:  writer,
		log:     log.With().Str("component", "proposals").Logger(),
	}
}

// Register stores a new proposal as pending.
func (r *Registry) Register(p Proposal) error {
	if p.ID == "" {
		return errors.New("proposal id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	p.Status = StatusPending
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	rec := &Record{Proposal: p, UpdatedAt: p.CreatedAt}
	r.records[p.ID] = rec
	r.order = append(r.order, p.ID)
	r.persistInsert(rec)
	return nil
}

// BindDecision attaches the single decision for a proposal and moves it to
// approved or rejected.
func (r *Registry) BindDecision(id string, approved bool, decision any) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Decision != nil {
		return fmt.Errorf("%w: %s", ErrDecisionBound, id)
	}
	next := StatusRejected
	if approved {
		next = StatusApproved
	}
	if err := r.transitionLocked(rec, next); err != nil {
		return err
	}
	rec.Decision = raw
	r.persistUpdate(rec)
	return nil
}

// Transition moves a proposal forward in its lifecycle.
func (r *Registry) Transition(id string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.transitionLocked(rec, to); err != nil {
		return err
	}
	r.persistUpdate(rec)
	return nil
}

func (r *Registry) transitionLocked(rec *Record, to Status) error {
	from := rec.Proposal.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, rec.Proposal.ID)
	}
	rec.Proposal.Status = to
	rec.UpdatedAt = time.Now().UTC()
	r.log.Debug().Str("proposal_id", rec.Proposal.ID).Str("from", string(from)).Str("to", string(to)).Msg("Proposal status changed")
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyRecord(rec), nil
}

// List returns records in registration order, optionally filtered by status.
// limit <= 0 returns everything.
func (r *Registry) List(status Status, limit int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if status != "" && rec.Proposal.Status != status {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func copyRecord(rec *Record) Record {
	c := *rec
	c.Proposal.Trades = append([]SubTrade(nil), rec.Proposal.Trades...)
	c.Decision = append(json.RawMessage(nil), rec.Decision...)
	if len(c.Decision) == 0 {
		c.Decision = nil
	}
	return c
}

func (r *Registry) persistInsert(rec *Record) {
	if r.writer == nil {
		return
	}
	payload, err := json.Marshal(rec.Proposal)
	if err != nil {
		r.log.Error().Err(err).Str("proposal_id", rec.Proposal.ID).Msg("Encode proposal failed")
		return
	}
	r.writer.WriteQuery("proposals", `
		INSERT INTO proposals (id, kind, payload, status, decision, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		rec.Proposal.ID, string(rec.Proposal.Kind), string(payload), string(rec.Proposal.Status),
		rec.Proposal.CreatedAt.UTC(), rec.UpdatedAt.UTC())
}

func (r *Registry) persistUpdate(rec *Record) {
	if r.writer == nil {
		return
	}
	var decision any
	if rec.Decision != nil {
		decision = string(rec.Decision)
	}
	r.writer.WriteQuery("proposals", `
		UPDATE proposals SET status = ?, decision = ?, updated_at = ? WHERE id = ?`,
		string(rec.Proposal.Status), decision, rec.UpdatedAt.UTC(), rec.Proposal.ID)
}

// Load restores registered proposals from the database.
func (r *Registry) Load(ctx context.Context, database *db.Database) error {
	rows, err := database.DB.QueryContext(ctx, `
		SELECT payload, status, COALESCE(decision, ''), updated_at FROM proposals`)
	if err != nil {
		return fmt.Errorf("load proposals: %w", err)
	}
	defer rows.Close()

	var loaded []*Record
	for rows.Next() {
		var (
			payload, status, decision string
			updated                   time.Time
		)
		if err := rows.Scan(&payload, &status, &decision, &updated); err != nil {
			return err
		}
		rec := &Record{UpdatedAt: updated.UTC()}
		if err := json.Unmarshal([]byte(payload), &rec.Proposal); err != nil {
			return fmt.Errorf("decode proposal: %w", err)
		}
		rec.Proposal.Status = Status(status)
		if decision != "" {
			rec.Decision = json.RawMessage(decision)
		}
		loaded = append(loaded, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].Proposal.CreatedAt.Before(loaded[j].Proposal.CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range loaded {
		if _, ok := r.records[rec.Proposal.ID]; ok {
			continue
		}
		r.records[rec.Proposal.ID] = rec
		r.order = append(r.order, rec.Proposal.ID)
	}
	r.log.Info().Int("count", len(loaded)).Msg("Proposals restored")
	return nil
}
