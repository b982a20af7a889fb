package credits

import (
	"context"
	"fmt"
	"time"
)

// ProcessMonthlyCredits evaluates the credit drip for one user with an
// annual-billing subscription. On a due date it grants one month's worth of
// credits under a deterministic idempotency key, so a retried scheduler tick
// cannot double-grant, then advances next_credit_date by 30 days from the
// previous due date.
func (service *Service) ProcessMonthlyCredits(ctx context.Context, userID UserID) (MonthlyResult, error) {
	account, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationMonthly, UserID: userID, Error: err})
		return MonthlyResult{}, err
	}
	subscription := account.Subscription
	now := service.nowFn()

	if subscription.Status != SubscriptionStatusActive || subscription.BillingCycle != BillingCycleYear {
		return MonthlyResult{Outcome: MonthlyOutcomeSkipped, NextCreditDate: subscription.NextCreditDate}, nil
	}
	if subscription.CurrentPeriodEnd != 0 && subscription.CurrentPeriodEnd <= now {
		return MonthlyResult{Outcome: MonthlyOutcomeSkipped, NextCreditDate: subscription.NextCreditDate}, nil
	}
	if subscription.NextCreditDate == 0 {
		return MonthlyResult{Outcome: MonthlyOutcomeNoSchedule}, nil
	}
	if subscription.NextCreditDate > now {
		return MonthlyResult{Outcome: MonthlyOutcomeScheduled, NextCreditDate: subscription.NextCreditDate}, nil
	}

	if service.prices == nil {
		err := fmt.Errorf("%w: no price resolver configured", ErrInvalidServiceConfig)
		service.logOperation(ctx, OperationLog{Operation: operationMonthly, UserID: userID, Error: err})
		return MonthlyResult{}, err
	}
	monthly, ok := service.prices.MonthlyCredits(subscription.PriceID)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownPrice, subscription.PriceID)
		service.logOperation(ctx, OperationLog{Operation: operationMonthly, UserID: userID, Error: err})
		return MonthlyResult{}, err
	}

	dueDate := subscription.NextCreditDate
	result, err := service.AddCredits(ctx, AddRequest{
		UserID:      userID,
		Amount:      monthly,
		Type:        EntrySubscriptionCredit,
		Description: monthlyCreditDescription,
		Source:      SourceSystem,
		Correlation: Correlation{
			SubscriptionID: subscription.SubscriptionID,
			CustomerID:     subscription.CustomerID,
			PriceID:        subscription.PriceID,
		},
		IdempotencyKey: monthlyIdempotencyKey(userID, dueDate),
	})
	if err != nil {
		return MonthlyResult{}, err
	}

	// A duplicate means a previous tick granted but failed before advancing
	// the schedule; advancing now completes that tick's work.
	nextCreditDate := dueDate + MonthlyCreditIntervalSeconds
	if err := service.store.UpdateCreditSchedule(ctx, userID.String(), nextCreditDate, dueDate); err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationMonthly, UserID: userID, Error: err})
		return MonthlyResult{}, err
	}
	return MonthlyResult{
		Outcome:        MonthlyOutcomeGranted,
		Granted:        result.Amount,
		NextCreditDate: nextCreditDate,
	}, nil
}

func monthlyIdempotencyKey(userID UserID, dueDateUnixUTC int64) string {
	dueDay := time.Unix(dueDateUnixUTC, 0).UTC().Format(monthlyKeyDateLayout)
	return monthlyKeyPrefix + userID.String() + monthlyKeyDelimiter + dueDay
}
