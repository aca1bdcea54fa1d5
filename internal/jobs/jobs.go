// Package jobs holds the scheduled ledger maintenance tasks: daily interest,
// the monthly fee and the retention purge of processed idempotency keys.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
	"github.com/example/ledger-core/internal/observability"
	"github.com/example/ledger-core/internal/processor"
	"github.com/example/ledger-core/internal/store"
)

const (
	DefaultInterestSchedule = "@daily"
	DefaultFeeSchedule      = "0 0 1 * *"
	DefaultPurgeSchedule    = "30 3 * * *"
	DefaultRetention        = 90 * 24 * time.Hour

	daysPerYear = 365
)

// Config tunes the jobs. A zero InterestRateAnnual or MonthlyFee disables
// the matching job.
type Config struct {
	InterestRateAnnual decimal.Decimal
	MonthlyFee         decimal.Decimal
	Retention          time.Duration

	InterestSchedule string
	FeeSchedule      string
	PurgeSchedule    string
}

// Summary counts the per-account outcomes of one run.
type Summary struct {
	Applied  int
	Skipped  int
	Declined int
	Failed   int
}

type Jobs struct {
	store   store.Store
	proc    *processor.Processor
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewJobs(st store.Store, proc *processor.Processor, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Jobs {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.InterestSchedule == "" {
		cfg.InterestSchedule = DefaultInterestSchedule
	}
	if cfg.FeeSchedule == "" {
		cfg.FeeSchedule = DefaultFeeSchedule
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = DefaultPurgeSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{
		store:   st,
		proc:    proc,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// CreditInterest credits one day of interest on every active account with a
// positive balance. The key is per account and day, so a rerun on the same
// day credits nothing.
func (j *Jobs) CreditInterest(ctx context.Context) (Summary, error) {
	daily := j.cfg.InterestRateAnnual.Div(decimal.NewFromInt(daysPerYear))
	day := j.now().UTC().Format("2006-01-02")

	return j.forEachActive(ctx, func(acct domain.Account) (processor.Request, bool) {
		if !acct.Balance.IsPositive() {
			return processor.Request{}, false
		}
		interest := acct.Balance.MulRate(daily).Round()
		if !interest.IsPositive() {
			return processor.Request{}, false
		}
		return processor.Request{
			Type:            domain.TxInterestCredit,
			AccountID:       acct.ID,
			Amount:          interest,
			Description:     "daily interest " + day,
			IdempotencyKey:  "interest:" + acct.ID + ":" + day,
			SystemInitiated: true,
		}, true
	})
}

// ChargeMonthlyFee debits the monthly fee from every active account. An
// account that cannot cover the fee is declined and left untouched.
func (j *Jobs) ChargeMonthlyFee(ctx context.Context) (Summary, error) {
	month := j.now().UTC().Format("2006-01")

	return j.forEachActive(ctx, func(acct domain.Account) (processor.Request, bool) {
		fee, err := money.New(j.cfg.MonthlyFee, acct.Currency())
		if err != nil || !fee.IsPositive() {
			return processor.Request{}, false
		}
		return processor.Request{
			Type:            domain.TxFee,
			AccountID:       acct.ID,
			Amount:          fee,
			Description:     "monthly fee " + month,
			IdempotencyKey:  "fee:" + acct.ID + ":" + month,
			SystemInitiated: true,
		}, true
	})
}

// PurgeProcessedKeys drops idempotency keys older than the retention window.
func (j *Jobs) PurgeProcessedKeys(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.cfg.Retention)
	n, err := j.store.PurgeProcessedKeys(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed keys: %w", err)
	}
	j.logger.Info("purged processed keys", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	return n, nil
}

func (j *Jobs) forEachActive(ctx context.Context, build func(domain.Account) (processor.Request, bool)) (Summary, error) {
	var sum Summary
	accounts, err := j.store.ListAccounts(ctx, domain.AccountActive)
	if err != nil {
		return sum, fmt.Errorf("failed to list accounts: %w", err)
	}

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		req, ok := build(acct)
		if !ok {
			sum.Skipped++
			continue
		}
		r, err := j.proc.Process(ctx, req)
		switch {
		case err == nil && r.Duplicate:
			sum.Skipped++
		case err == nil:
			sum.Applied++
		case errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrAccountClosed):
			sum.Declined++
			j.logger.Warn("scheduled transaction declined",
				zap.String("account_id", acct.ID),
				zap.String("type", string(req.Type)),
				zap.Error(err))
		default:
			sum.Failed++
			j.logger.Error("scheduled transaction failed",
				zap.String("account_id", acct.ID),
				zap.String("type", string(req.Type)),
				zap.Error(err))
		}
	}
	if sum.Failed > 0 {
		return sum, fmt.Errorf("%d of %d accounts failed", sum.Failed, len(accounts))
	}
	return sum, nil
}
