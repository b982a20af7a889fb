package credits

import (
	"context"
	"sort"
	"time"
)

// VerifyBalance recomputes the balance from completed ledger entries and
// compares it to the cached value. It never mutates state; repairing a
// discrepancy is a separate, audited operation.
func (service *Service) VerifyBalance(ctx context.Context, userID UserID) (Verification, error) {
	account, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return Verification{}, err
	}
	calculated, err := service.store.SumCompleted(ctx, userID.String())
	if err != nil {
		return Verification{}, err
	}
	discrepancy := account.Credits - calculated
	return Verification{
		Valid:             discrepancy == 0,
		StoredBalance:     account.Credits,
		CalculatedBalance: calculated,
		Discrepancy:       discrepancy,
	}, nil
}

// GetUsageSummary aggregates signed amounts over a trailing window:
// used (absolute value of debits), refunded (refund-typed credits), and
// added (all other credits), plus a per-day breakdown.
func (service *Service) GetUsageSummary(ctx context.Context, userID UserID, windowDays int) (UsageSummary, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	if _, err := service.store.GetAccount(ctx, userID.String()); err != nil {
		return UsageSummary{}, err
	}
	now := service.nowFn()
	since := now - int64(windowDays)*secondsPerDay
	entries, err := service.store.ListEntries(ctx, userID.String(), HistoryFilter{SinceUnixUTC: since})
	if err != nil {
		return UsageSummary{}, err
	}

	summary := UsageSummary{WindowDays: windowDays}
	byDay := make(map[string]*DayUsage)
	for _, entry := range entries {
		if entry.Status != EntryStatusCompleted {
			continue
		}
		day := time.Unix(entry.CreatedUnixUTC, 0).UTC().Format(monthlyKeyDateLayout)
		bucket, ok := byDay[day]
		if !ok {
			bucket = &DayUsage{Date: day}
			byDay[day] = bucket
		}
		switch {
		case entry.Amount < 0:
			summary.Used += -entry.Amount
			bucket.Used += -entry.Amount
		case entry.Type == EntryRefund:
			summary.Refunded += entry.Amount
			bucket.Added += entry.Amount
		default:
			summary.Added += entry.Amount
			bucket.Added += entry.Amount
		}
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)
	summary.ByDay = make([]DayUsage, 0, len(days))
	for _, day := range days {
		summary.ByDay = append(summary.ByDay, *byDay[day])
	}
	return summary, nil
}

// GetTransactionHistory lists ledger entries for a user, newest first.
func (service *Service) GetTransactionHistory(ctx context.Context, userID UserID, filter HistoryFilter) ([]Entry, error) {
	if _, err := service.store.GetAccount(ctx, userID.String()); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		filter.Limit = maxHistoryLimit
	}
	return service.store.ListEntries(ctx, userID.String(), filter)
}
