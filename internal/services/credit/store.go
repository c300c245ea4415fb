// Package credit keeps per-user credit reputation and derives rate and LTV adjustments from it.
package credit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultInitialScore = 700
	defaultHistoryCap   = 50
	recentHistorySize   = 10
)

var (
	minRate    = decimal.NewFromInt(1)
	hundred    = decimal.NewFromInt(100)
	daysInYear = 365 * domain.Day
)

// Config tunes the reputation store.
type Config struct {
	Tiers        domain.TierTable
	InitialScore int
	HistoryCap   int
}

// Store keeps in-memory credit profiles keyed by user id.
type Store struct {
	mu           sync.RWMutex
	profiles     map[string]*domain.CreditProfile
	tiers        domain.TierTable
	initialScore int
	historyCap   int
	now          func() time.Time
	logger       *zap.Logger
}

// Option customizes the store.
type Option func(*Store)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(cfg Config, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = domain.DefaultTiers()
	}
	if cfg.InitialScore == 0 {
		cfg.InitialScore = defaultInitialScore
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = defaultHistoryCap
	}

	s := &Store{
		profiles:     make(map[string]*domain.CreditProfile),
		tiers:        cfg.Tiers,
		initialScore: cfg.InitialScore,
		historyCap:   cfg.HistoryCap,
		now:          time.Now,
		logger:       logger.With(zap.String("component", "credit")),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Initialize creates the profile if absent and returns a copy of it. Calling it again is a no-op.
func (s *Store) Initialize(userID string) *domain.CreditProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.profile(userID).Clone()
}

// Profile returns a copy of the user profile, creating it lazily.
func (s *Store) Profile(userID string) *domain.CreditProfile {
	return s.Initialize(userID)
}

// Tier returns the current tier of the user.
func (s *Store) Tier(userID string) domain.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tiers.For(s.profile(userID).Score)
}

// Tiers returns the configured tier table.
func (s *Store) Tiers() domain.TierTable {
	return s.tiers
}

// CanBorrow reports whether the user's tier allows new loans.
func (s *Store) CanBorrow(userID string) (domain.Tier, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profile(userID)
	tier := s.tiers.For(p.Score)
	return tier, p.Score, tier.Name != s.tiers.Lowest().Name
}

// Apply applies a credit event and returns the score change.
func (s *Store) Apply(userID string, ev domain.CreditEvent) domain.CreditChange {
	s.mu.Lock()
	change := domain.ApplyCreditEvent(s.profile(userID), ev, s.tiers, s.now(), s.historyCap)
	s.mu.Unlock()

	s.logger.Info("credit score updated",
		zap.String("user", userID),
		zap.String("event", string(change.Event)),
		zap.Int("old", change.OldScore),
		zap.Int("new", change.NewScore),
		zap.Int("delta", change.Delta),
		zap.String("tier", change.Tier.Name))

	return change
}

// AdjustedRate reduces the base rate by the tier discount, floored at 1%.
func (s *Store) AdjustedRate(userID string, baseRate decimal.Decimal) decimal.Decimal {
	tier := s.Tier(userID)
	rate := baseRate.Sub(baseRate.Mul(tier.InterestDiscount))
	return decimal.Max(minRate, rate)
}

// MaxLTV returns the loan-to-value ceiling of the user's tier.
func (s *Store) MaxLTV(userID string) decimal.Decimal {
	return s.Tier(userID).MaxLTV
}

// RecordBorrow adds the USD value of a new loan to the lifetime borrowed total.
func (s *Store) RecordBorrow(userID string, valueUSD decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profile(userID)
	p.TotalBorrowed = p.TotalBorrowed.Add(valueUSD)
}

// RecordRepayment adds the USD value of a payment to the lifetime repaid total.
func (s *Store) RecordRepayment(userID string, valueUSD decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profile(userID)
	p.TotalRepaid = p.TotalRepaid.Add(valueUSD)
}

// AwardAccountAge grants one age bonus per full year of account age not yet rewarded.
func (s *Store) AwardAccountAge(userID string) []domain.CreditChange {
	s.mu.Lock()
	p := s.profile(userID)
	years := int(s.now().Sub(p.CreatedAt) / daysInYear)
	due := p.AgeBonusYears
	s.mu.Unlock()

	var changes []domain.CreditChange
	for y := due + 1; y <= years; y++ {
		changes = append(changes, s.Apply(userID, domain.AccountAgeBonus{Years: y}))
	}

	return changes
}

// Stats holds the repayment counters of a profile.
type Stats struct {
	LoansCompleted int             `json:"loans_completed"`
	LoansDefaulted int             `json:"loans_defaulted"`
	OnTimePayments int             `json:"on_time_payments"`
	LatePayments   int             `json:"late_payments"`
	Liquidations   int             `json:"liquidations"`
	TotalBorrowed  decimal.Decimal `json:"total_borrowed_usd"`
	TotalRepaid    decimal.Decimal `json:"total_repaid_usd"`
	PaymentRatio   string          `json:"payment_ratio"`
}

// Summary describes a user's credit standing for display.
type Summary struct {
	UserID              string                      `json:"user_id"`
	Score               int                         `json:"score"`
	Tier                string                      `json:"tier"`
	TierLabel           string                      `json:"tier_label"`
	InterestDiscountPct decimal.Decimal             `json:"interest_discount_pct"`
	MaxLTVPct           decimal.Decimal             `json:"max_ltv_pct"`
	Stats               Stats                       `json:"stats"`
	RecentHistory       []domain.CreditHistoryEntry `json:"recent_history"`
}

// Summary builds the credit summary of the user.
func (s *Store) Summary(userID string) Summary {
	p := s.Profile(userID)
	tier := s.tiers.For(p.Score)

	ratio := "N/A"
	if r, ok := p.PaymentRatio(); ok {
		ratio = fmt.Sprintf("%s%%", r.Mul(hundred).StringFixed(1))
	}

	return Summary{
		UserID:              userID,
		Score:               p.Score,
		Tier:                tier.Name,
		TierLabel:           tier.Label,
		InterestDiscountPct: tier.InterestDiscount.Mul(hundred),
		MaxLTVPct:           tier.MaxLTV.Mul(hundred),
		Stats: Stats{
			LoansCompleted: p.LoansCompleted,
			LoansDefaulted: p.LoansDefaulted,
			OnTimePayments: p.OnTimePayments,
			LatePayments:   p.LatePayments,
			Liquidations:   p.Liquidations,
			TotalBorrowed:  p.TotalBorrowed,
			TotalRepaid:    p.TotalRepaid,
			PaymentRatio:   ratio,
		},
		RecentHistory: p.RecentHistory(recentHistorySize),
	}
}

// Restore installs a previously persisted profile.
func (s *Store) Restore(p *domain.CreditProfile) {
	if p == nil || p.UserID == "" {
		return
	}

	c := p.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = c
}

// Users returns the ids of every known profile, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		users = append(users, id)
	}
	sort.Strings(users)

	return users
}

// profile returns the live profile, creating it when absent. Caller holds mu.
func (s *Store) profile(userID string) *domain.CreditProfile {
	p, ok := s.profiles[userID]
	if !ok {
		p = domain.NewCreditProfile(userID, s.initialScore, s.now())
		s.profiles[userID] = p
	}
	return p
}
