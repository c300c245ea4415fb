package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	MinScore = 0
	MaxScore = 1000
)

// Tier band of credit scores with its rate and LTV adjustments.
type Tier struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	MinScore int    `json:"min_score"`
	MaxScore int    `json:"max_score"`
	// InterestDiscount fraction subtracted from the base rate; negative values are a surcharge.
	InterestDiscount decimal.Decimal `json:"interest_discount"`
	MaxLTV           decimal.Decimal `json:"max_ltv"`
}

// Contains reports whether the score falls in the tier band.
func (t Tier) Contains(score int) bool {
	return score >= t.MinScore && score <= t.MaxScore
}

// TierTable tiers ordered from best to worst.
type TierTable []Tier

// DefaultTiers the standard eight-tier table.
func DefaultTiers() TierTable {
	one := decimal.NewFromInt(1)
	return TierTable{
		{Name: "AAA", Label: "Excellent", MinScore: 900, MaxScore: 1000, InterestDiscount: decimal.RequireFromString("0.30"), MaxLTV: one},
		{Name: "AA", Label: "Very Good", MinScore: 800, MaxScore: 899, InterestDiscount: decimal.RequireFromString("0.20"), MaxLTV: one},
		{Name: "A", Label: "Good", MinScore: 700, MaxScore: 799, InterestDiscount: decimal.RequireFromString("0.10"), MaxLTV: one},
		{Name: "BBB", Label: "Fair", MinScore: 600, MaxScore: 699, InterestDiscount: decimal.Zero, MaxLTV: one},
		{Name: "BB", Label: "Below Average", MinScore: 500, MaxScore: 599, InterestDiscount: decimal.RequireFromString("-0.10"), MaxLTV: one},
		{Name: "B", Label: "Poor", MinScore: 400, MaxScore: 499, InterestDiscount: decimal.RequireFromString("-0.25"), MaxLTV: one},
		{Name: "CCC", Label: "Very Poor", MinScore: 300, MaxScore: 399, InterestDiscount: decimal.RequireFromString("-0.50"), MaxLTV: one},
		{Name: "D", Label: "Default Risk", MinScore: 0, MaxScore: 299, InterestDiscount: decimal.RequireFromString("-1.00"), MaxLTV: one},
	}
}

// For returns the tier containing score. Scores outside every band map to the lowest tier.
func (t TierTable) For(score int) Tier {
	for _, tier := range t {
		if tier.Contains(score) {
			return tier
		}
	}

	return t.Lowest()
}

// Lowest worst tier; borrowing is refused at this tier.
func (t TierTable) Lowest() Tier {
	if len(t) == 0 {
		return Tier{}
	}
	return t[len(t)-1]
}

// Validate checks that bands are ordered, non-overlapping and cover [MinScore, MaxScore].
func (t TierTable) Validate() error {
	if len(t) == 0 {
		return errors.New("tier table is empty")
	}
	if t[0].MaxScore != MaxScore {
		return errors.Errorf("best tier %s must end at %d", t[0].Name, MaxScore)
	}
	if t.Lowest().MinScore != MinScore {
		return errors.Errorf("lowest tier %s must start at %d", t.Lowest().Name, MinScore)
	}

	for i, tier := range t {
		if tier.MinScore > tier.MaxScore {
			return errors.Errorf("tier %s has inverted band %d-%d", tier.Name, tier.MinScore, tier.MaxScore)
		}
		if !tier.MaxLTV.IsPositive() {
			return errors.Errorf("tier %s max LTV must be positive", tier.Name)
		}
		if i > 0 && t[i-1].MinScore != tier.MaxScore+1 {
			return errors.Errorf("tiers %s and %s are not contiguous", t[i-1].Name, tier.Name)
		}
	}

	return nil
}

// CreditHistoryEntry one applied credit event.
type CreditHistoryEntry struct {
	Event     CreditEventKind `json:"event"`
	Delta     int             `json:"delta"`
	OldScore  int             `json:"old_score"`
	NewScore  int             `json:"new_score"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// CreditProfile reputation state of a single user.
type CreditProfile struct {
	UserID         string          `json:"user_id"`
	Score          int             `json:"score"`
	LoansCompleted int             `json:"loans_completed"`
	LoansDefaulted int             `json:"loans_defaulted"`
	OnTimePayments int             `json:"on_time_payments"`
	LatePayments   int             `json:"late_payments"`
	Liquidations   int             `json:"liquidations"`
	TotalBorrowed  decimal.Decimal `json:"total_borrowed"`
	TotalRepaid    decimal.Decimal `json:"total_repaid"`
	CreatedAt      time.Time       `json:"created_at"`
	// AgeBonusYears number of account-age bonuses already granted.
	AgeBonusYears int                  `json:"age_bonus_years"`
	History       []CreditHistoryEntry `json:"history"`
}

// NewCreditProfile fresh profile with the initial score.
func NewCreditProfile(userID string, initialScore int, now time.Time) *CreditProfile {
	return &CreditProfile{
		UserID:        userID,
		Score:         clampScore(initialScore),
		TotalBorrowed: decimal.Zero,
		TotalRepaid:   decimal.Zero,
		CreatedAt:     now,
	}
}

// Clone deep copy of the profile.
func (p *CreditProfile) Clone() *CreditProfile {
	c := *p
	c.History = append([]CreditHistoryEntry(nil), p.History...)
	return &c
}

// PaymentRatio share of completed loans paid on time, false when no loan has completed.
func (p *CreditProfile) PaymentRatio() (decimal.Decimal, bool) {
	if p.LoansCompleted == 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(int64(p.OnTimePayments)).Div(decimal.NewFromInt(int64(p.LoansCompleted))), true
}

// RecentHistory last n history entries, oldest first.
func (p *CreditProfile) RecentHistory(n int) []CreditHistoryEntry {
	if n <= 0 || len(p.History) == 0 {
		return nil
	}
	start := len(p.History) - n
	if start < 0 {
		start = 0
	}
	return append([]CreditHistoryEntry(nil), p.History[start:]...)
}

// CreditChange outcome of applying one credit event.
type CreditChange struct {
	UserID   string          `json:"user_id"`
	Event    CreditEventKind `json:"event"`
	OldScore int             `json:"old_score"`
	NewScore int             `json:"new_score"`
	Delta    int             `json:"delta"`
	Reason   string          `json:"reason"`
	Tier     Tier            `json:"tier"`
}

func (c CreditChange) String() string {
	return fmt.Sprintf("%s %s: %d -> %d (%+d)", c.UserID, c.Event, c.OldScore, c.NewScore, c.Delta)
}

// ApplyCreditEvent applies ev to p, clamps the score and appends a history
// entry, trimming the log to historyCap entries.
func ApplyCreditEvent(p *CreditProfile, ev CreditEvent, tiers TierTable, now time.Time, historyCap int) CreditChange {
	old := p.Score
	delta, reason := ev.apply(p)
	p.Score = clampScore(old + delta)

	p.History = append(p.History, CreditHistoryEntry{
		Event:     ev.Kind(),
		Delta:     delta,
		OldScore:  old,
		NewScore:  p.Score,
		Reason:    reason,
		Timestamp: now,
	})
	if historyCap > 0 && len(p.History) > historyCap {
		p.History = append([]CreditHistoryEntry(nil), p.History[len(p.History)-historyCap:]...)
	}

	return CreditChange{
		UserID:   p.UserID,
		Event:    ev.Kind(),
		OldScore: old,
		NewScore: p.Score,
		Delta:    delta,
		Reason:   reason,
		Tier:     tiers.For(p.Score),
	}
}

func clampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
