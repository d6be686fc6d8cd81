package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"governance-core/pkg/db"
)

// ErrPolicyNotFound is returned when a policy reference does not resolve.
var ErrPolicyNotFound = errors.New("risk policy not found")

// Loader resolves the policy to apply. An empty ref means the active policy.
type Loader interface {
	LoadPolicy(ctx context.Context, ref string) (Policy, error)
}

// policyFile is the YAML layout of a policy file.
type policyFile struct {
	Version                string  `yaml:"policy_version"`
	MaxPositionSizePct     float64 `yaml:"max_position_size_pct"`
	MaxPortfolioRiskPct    float64 `yaml:"max_portfolio_risk_pct"`
	MinConfidenceThreshold float64 `yaml:"min_confidence_threshold"`
	MaxVolatility          float64 `yaml:"max_volatility"`
	MaxSingleTradeValue    float64 `yaml:"max_single_trade_value"`
	MaxDailyTrades         int     `yaml:"max_daily_trades"`
}

// LoadPolicyFile reads a policy from a YAML file.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	p := Policy{
		MaxPositionSizePct:     f.MaxPositionSizePct,
		MaxPortfolioRiskPct:    f.MaxPortfolioRiskPct,
		MinConfidenceThreshold: f.MinConfidenceThreshold,
		MaxVolatility:          f.MaxVolatility,
		MaxSingleTradeValue:    decimal.NewFromFloat(f.MaxSingleTradeValue),
		MaxDailyTrades:         f.MaxDailyTrades,
		PolicyVersion:          f.Version,
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects policies that cannot be replayed or make no sense.
func (p Policy) Validate() error {
	switch {
	case p.PolicyVersion == "":
		return errors.New("policy_version is required")
	case p.MaxPositionSizePct < 0 || p.MaxPositionSizePct > 100:
		return fmt.Errorf("max_position_size_pct %.2f outside [0,100]", p.MaxPositionSizePct)
	case p.MaxPortfolioRiskPct < 0:
		return fmt.Errorf("max_portfolio_risk_pct %.2f is negative", p.MaxPortfolioRiskPct)
	case p.MinConfidenceThreshold < 0 || p.MinConfidenceThreshold > 1:
		return fmt.Errorf("min_confidence_threshold %.2f outside [0,1]", p.MinConfidenceThreshold)
	case p.MaxVolatility < 0:
		return fmt.Errorf("max_volatility %.2f is negative", p.MaxVolatility)
	case p.MaxSingleTradeValue.IsNegative():
		return errors.New("max_single_trade_value is negative")
	case p.MaxDailyTrades < 0:
		return fmt.Errorf("max_daily_trades %d is negative", p.MaxDailyTrades)
	}
	return nil
}

// PolicyStore keeps versioned policies, optionally persisted in SQLite.
// Exactly one version is active at a time.
type PolicyStore struct {
	db       *db.Database
	mu       sync.RWMutex
	active   string
	versions map[string]Policy
}

// NewInMemoryPolicyStore creates a store holding only the given active policy.
func NewInMemoryPolicyStore(active Policy) *PolicyStore {
	return &PolicyStore{
		active:   active.PolicyVersion,
		versions: map[string]Policy{active.PolicyVersion: active},
	}
}

// NewPolicyStore loads stored policies. If none is active, fallback is saved
// and activated.
func NewPolicyStore(ctx context.Context, database *db.Database, fallback Policy) (*PolicyStore, error) {
	s := &PolicyStore{db: database, versions: make(map[string]Policy)}
	if database == nil {
		return NewInMemoryPolicyStore(fallback), nil
	}
	if err := s.load(ctx); err != nil {
		return nil, fmt.Errorf("load risk policies: %w", err)
	}
	if s.active == "" {
		if err := s.Save(ctx, fallback, true); err != nil {
			return nil, fmt.Errorf("insert default risk policy: %w", err)
		}
	}
	return s, nil
}

func (s *PolicyStore) load(ctx context.Context) error {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT version, max_position_size_pct, max_portfolio_risk_pct, min_confidence_threshold,
		       max_volatility, max_single_trade_value, max_daily_trades, is_active
		FROM risk_policies
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p        Policy
			maxValue string
			isActive int
		)
		if err := rows.Scan(&p.PolicyVersion, &p.MaxPositionSizePct, &p.MaxPortfolioRiskPct,
			&p.MinConfidenceThreshold, &p.MaxVolatility, &maxValue, &p.MaxDailyTrades, &isActive); err != nil {
			return err
		}
		if p.MaxSingleTradeValue, err = decimal.NewFromString(maxValue); err != nil {
			return fmt.Errorf("policy %s: max_single_trade_value: %w", p.PolicyVersion, err)
		}
		s.versions[p.PolicyVersion] = p
		if isActive == 1 {
			s.active = p.PolicyVersion
		}
	}
	return rows.Err()
}

// Save stores a policy version. Existing versions are immutable so that a
// recorded decision can always be replayed against the rules it used.
func (s *PolicyStore) Save(ctx context.Context, p Policy, activate bool) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.versions[p.PolicyVersion]; ok && !samePolicy(existing, p) {
		return fmt.Errorf("policy version %s already exists with different limits", p.PolicyVersion)
	}

	if s.db != nil {
		err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO risk_policies (
					version, max_position_size_pct, max_portfolio_risk_pct, min_confidence_threshold,
					max_volatility, max_single_trade_value, max_daily_trades, is_active, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP)
				ON CONFLICT(version) DO NOTHING
			`,
				p.PolicyVersion,
				p.MaxPositionSizePct,
				p.MaxPortfolioRiskPct,
				p.MinConfidenceThreshold,
				p.MaxVolatility,
				p.MaxSingleTradeValue.String(),
				p.MaxDailyTrades,
			); err != nil {
				return err
			}
			if !activate {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `UPDATE risk_policies SET is_active = 0 WHERE is_active = 1`); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `UPDATE risk_policies SET is_active = 1 WHERE version = ?`, p.PolicyVersion)
			return err
		})
		if err != nil {
			return fmt.Errorf("save risk policy: %w", err)
		}
	}

	s.versions[p.PolicyVersion] = p
	if activate {
		s.active = p.PolicyVersion
	}
	return nil
}

// LoadPolicy returns the version named by ref, or the active policy.
func (s *PolicyStore) LoadPolicy(_ context.Context, ref string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref == "" {
		ref = s.active
	}
	p, ok := s.versions[ref]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrPolicyNotFound, ref)
	}
	return p, nil
}

// Active returns the active policy.
func (s *PolicyStore) Active() Policy {
	p, _ := s.LoadPolicy(context.Background(), "")
	return p
}

func samePolicy(a, b Policy) bool {
	return a.MaxPositionSizePct == b.MaxPositionSizePct &&
		a.MaxPortfolioRiskPct == b.MaxPortfolioRiskPct &&
		a.MinConfidenceThreshold == b.MinConfidenceThreshold &&
		a.MaxVolatility == b.MaxVolatility &&
		a.MaxSingleTradeValue.Equal(b.MaxSingleTradeValue) &&
		a.MaxDailyTrades == b.MaxDailyTrades
}
