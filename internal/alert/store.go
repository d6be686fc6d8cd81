package alert

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"governance-core/pkg/db"
)

// Store holds alert rules in memory and, when a database is set, mirrors
// every change to the alert_rules table before it becomes visible.
type Store struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	order []string
	db    *db.Database
	now   func() time.Time
}

// NewStore creates a rule store. database may be nil.
func NewStore(database *db.Database) *Store {
	return &Store{
		rules: make(map[string]*Rule),
		db:    database,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and stores a new active rule.
func (s *Store) Create(ctx context.Context, r Rule) (Rule, error) {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Channel = strings.TrimSpace(r.Channel)
	if err := validate(r); err != nil {
		return Rule{}, err
	}
	r.ID = uuid.NewString()
	r.State = StateActive
	r.CreatedAt = s.now()
	r.LastObservedPrice = nil
	r.TriggeredAt = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insert(ctx, r); err != nil {
		return Rule{}, err
	}
	s.rules[r.ID] = &r
	s.order = append(s.order, r.ID)
	return copyRule(&r), nil
}

func validate(r Rule) error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidRule)
	case !r.Condition.Valid():
		return fmt.Errorf("%w: unknown condition %q", ErrInvalidRule, r.Condition)
	case math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) || r.Threshold <= 0:
		return fmt.Errorf("%w: threshold must be a positive number", ErrInvalidRule)
	case r.Channel == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidRule)
	}
	return nil
}

// Get returns a copy of the rule.
func (s *Store) Get(id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyRule(r), nil
}

// List returns rules in creation order. An empty state lists every rule
// except deleted ones.
func (s *Store) List(state State) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0, len(s.order))
	for _, id := range s.order {
		r := s.rules[id]
		if state == "" && r.State == StateDeleted {
			continue
		}
		if state != "" && r.State != state {
			continue
		}
		out = append(out, copyRule(r))
	}
	return out
}

// Active returns the rules the monitor must evaluate.
func (s *Store) Active() []Rule {
	return s.List(StateActive)
}

// Observe records a price for an active rule and, when fire is set, moves it
// to triggered. fired reports whether this call made the transition; a rule
// that left the active state meanwhile is left alone.
func (s *Store) Observe(ctx context.Context, id string, price float64, fire bool) (r Rule, fired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rules[id]
	if !ok {
		return Rule{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.State != StateActive {
		return copyRule(cur), false, nil
	}

	next := copyRule(cur)
	next.LastObservedPrice = &price
	if fire {
		at := s.now()
		next.State = StateTriggered
		next.TriggeredAt = &at
	}
	if err := s.update(ctx, next); err != nil {
		return copyRule(cur), false, err
	}
	*cur = next
	return copyRule(cur), fire, nil
}

// Reset re-arms a triggered rule.
func (s *Store) Reset(ctx context.Context, id string) (Rule, error) {
	return s.transition(ctx, id, func(r *Rule) error {
		if r.State != StateTriggered {
			return fmt.Errorf("%w: %s is %s, not triggered", ErrNotActive, id, r.State)
		}
		r.State = StateActive
		r.TriggeredAt = nil
		return nil
	})
}

// Delete retires a rule. It stays listable with the deleted state filter.
func (s *Store) Delete(ctx context.Context, id string) (Rule, error) {
	return s.transition(ctx, id, func(r *Rule) error {
		if r.State == StateDeleted {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		r.State = StateDeleted
		return nil
	})
}

func (s *Store) transition(ctx context.Context, id string, fn func(*Rule) error) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := copyRule(cur)
	if err := fn(&next); err != nil {
		return Rule{}, err
	}
	if err := s.update(ctx, next); err != nil {
		return Rule{}, err
	}
	*cur = next
	return copyRule(cur), nil
}

func (s *Store) insert(ctx context.Context, r Rule) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO alert_rules (id, symbol, condition, threshold, channel, state, last_observed_price, created_at, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL)`,
		r.ID, r.Symbol, string(r.Condition), r.Threshold, r.Channel, string(r.State), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert rule: %w", err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, r Rule) error {
	if s.db == nil {
		return nil
	}
	var last, triggered any
	if r.LastObservedPrice != nil {
		last = *r.LastObservedPrice
	}
	if r.TriggeredAt != nil {
		triggered = *r.TriggeredAt
	}
	_, err := s.db.DB.ExecContext(ctx, `
		UPDATE alert_rules SET state = ?, last_observed_price = ?, triggered_at = ? WHERE id = ?`,
		string(r.State), last, triggered, r.ID)
	if err != nil {
		return fmt.Errorf("update alert rule %s: %w", r.ID, err)
	}
	return nil
}

// Load restores rules from the database.
func (s *Store) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT id, symbol, condition, threshold, channel, state, last_observed_price, created_at, triggered_at
		FROM alert_rules ORDER BY created_at, rowid`)
	if err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	for rows.Next() {
		var (
			r         Rule
			cond, st  string
			last      sql.NullFloat64
			triggered sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &cond, &r.Threshold, &r.Channel, &st, &last, &r.CreatedAt, &triggered); err != nil {
			return err
		}
		r.Condition = Condition(cond)
		r.State = State(st)
		r.CreatedAt = r.CreatedAt.UTC()
		if last.Valid {
			v := last.Float64
			r.LastObservedPrice = &v
		}
		if triggered.Valid {
			at := triggered.Time.UTC()
			r.TriggeredAt = &at
		}
		if _, ok := s.rules[r.ID]; ok {
			continue
		}
		s.rules[r.ID] = &r
		s.order = append(s.order, r.ID)
	}
	return rows.Err()
}

func copyRule(r *Rule) Rule {
	c := *r
	if r.LastObservedPrice != nil {
		v := *r.LastObservedPrice
		c.LastObservedPrice = &v
	}
	if r.TriggeredAt != nil {
		at := *r.TriggeredAt
		c.TriggeredAt = &at
	}
	return c
}
