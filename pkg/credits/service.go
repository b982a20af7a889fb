package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the credit engine logic over a Store.
//
// One instance per process; construct it at startup and pass it to callers.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
	refFn  func() string
	prices PriceResolver
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store: store,
		nowFn: now,
		refFn: func() string { return transactionRefPrefix + uuid.NewString() },
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AddCredits appends a credit-granting ledger entry and raises the cached
// balance. Duplicate deliveries (same idempotency key, or same external
// transaction id within the grant class) replay the original result.
func (service *Service) AddCredits(ctx context.Context, request AddRequest) (Result, error) {
	if request.Amount <= 0 {
		return service.fail(ctx, operationAdd, request.UserID, ErrInvalidAmount)
	}
	entryType := request.Type
	if entryType == "" {
		entryType = EntryPurchase
	}
	if entryType.Class() != TypeClassGrant {
		return service.fail(ctx, operationAdd, request.UserID, fmt.Errorf("%w: %s does not grant credits", ErrInvalidEntryType, entryType))
	}
	source := request.Source
	if source == "" {
		source = SourceSystem
	}

	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		prior, err := service.findPriorGrant(ctx, transactionStore, request.IdempotencyKey, request.Correlation.TransactionID)
		if err != nil {
			return err
		}
		if prior != nil {
			result = duplicateResult(prior)
			return nil
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, request.UserID.String())
		if err != nil {
			return err
		}
		before := account.Credits
		after := before + request.Amount
		entry := Entry{
			EntryID:        uuid.NewString(),
			TransactionRef: service.refFn(),
			UserID:         request.UserID.String(),
			Type:           entryType,
			Amount:         request.Amount,
			BalanceBefore:  before,
			BalanceAfter:   after,
			Status:         EntryStatusCompleted,
			Source:         source,
			Description:    request.Description,
			Correlation:    request.Correlation,
			IdempotencyKey: request.IdempotencyKey,
			MetadataJSON:   request.Metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, entry.UserID, after, entry.CreatedUnixUTC); err != nil {
			return err
		}
		result = successResult(entry)
		return nil
	})
	if errors.Is(operationError, ErrDuplicateEntry) {
		// The unique constraint is the source of truth; a concurrent
		// delivery won the insert, so replay its recorded outcome.
		result, operationError = service.replayDuplicate(ctx, request.IdempotencyKey, request.Correlation.TransactionID, TypeClassGrant)
	}
	service.logMutation(ctx, operationAdd, request.UserID, result, request.IdempotencyKey, request.Correlation.TransactionID, operationError)
	if operationError != nil {
		return failureResult(operationError), operationError
	}
	return result, nil
}

// DeductCredits removes credits for metered usage. The balance check and the
// write happen under the same per-user lock; an insufficient balance leaves
// no trace in the ledger.
func (service *Service) DeductCredits(ctx context.Context, request DeductRequest) (Result, error) {
	if request.Amount <= 0 {
		return service.fail(ctx, operationDeduct, request.UserID, ErrInvalidAmount)
	}

	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if request.IdempotencyKey != "" {
			prior, err := transactionStore.FindEntryByIdempotencyKey(ctx, request.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				result = duplicateResult(prior)
				return nil
			}
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, request.UserID.String())
		if err != nil {
			return err
		}
		before := account.Credits
		if before < request.Amount {
			return ErrInsufficientBalance
		}
		after := before - request.Amount
		entry := Entry{
			EntryID:        uuid.NewString(),
			TransactionRef: service.refFn(),
			UserID:         request.UserID.String(),
			Type:           EntryUsage,
			Amount:         -request.Amount,
			BalanceBefore:  before,
			BalanceAfter:   after,
			Status:         EntryStatusCompleted,
			Source:         SourceAPIUsage,
			Description:    request.Description,
			IdempotencyKey: request.IdempotencyKey,
			MetadataJSON:   request.UsageDetails.String(),
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, entry.UserID, after, entry.CreatedUnixUTC); err != nil {
			return err
		}
		result = successResult(entry)
		return nil
	})
	if errors.Is(operationError, ErrDuplicateEntry) {
		result, operationError = service.replayDuplicate(ctx, request.IdempotencyKey, "", TypeClassDebit)
	}
	service.logMutation(ctx, operationDeduct, request.UserID, result, request.IdempotencyKey, "", operationError)
	if operationError != nil {
		return failureResult(operationError), operationError
	}
	return result, nil
}

// RefundCredits restores credits regardless of the current balance level,
// optionally cross-referencing the original entry.
func (service *Service) RefundCredits(ctx context.Context, request RefundRequest) (Result, error) {
	if request.Amount <= 0 {
		return service.fail(ctx, operationRefund, request.UserID, ErrInvalidAmount)
	}
	source := request.Source
	if source == "" {
		source = SourceSystem
	}

	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if request.TransactionID != "" {
			prior, err := transactionStore.FindEntryByTransaction(ctx, request.TransactionID, TypeClassRefund)
			if err != nil {
				return err
			}
			if prior != nil {
				result = duplicateResult(prior)
				return nil
			}
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, request.UserID.String())
		if err != nil {
			return err
		}
		before := account.Credits
		after := before + request.Amount
		entry := Entry{
			EntryID:        uuid.NewString(),
			TransactionRef: service.refFn(),
			UserID:         request.UserID.String(),
			Type:           EntryRefund,
			Amount:         request.Amount,
			BalanceBefore:  before,
			BalanceAfter:   after,
			Status:         EntryStatusCompleted,
			Source:         source,
			Description:    request.Description,
			Correlation:    Correlation{TransactionID: request.TransactionID},
			RelatedRef:     request.RelatedRef,
			MetadataJSON:   "{}",
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, entry.UserID, after, entry.CreatedUnixUTC); err != nil {
			return err
		}
		result = successResult(entry)
		return nil
	})
	if errors.Is(operationError, ErrDuplicateEntry) {
		result, operationError = service.replayDuplicate(ctx, "", request.TransactionID, TypeClassRefund)
	}
	service.logMutation(ctx, operationRefund, request.UserID, result, "", request.TransactionID, operationError)
	if operationError != nil {
		return failureResult(operationError), operationError
	}
	return result, nil
}

// GetBalance returns the cached balance without reading the ledger.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Amount, error) {
	account, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	return account.Credits, nil
}

// ValidateBalance is an advisory pre-check. It is not a substitute for the
// atomic check inside DeductCredits.
func (service *Service) ValidateBalance(ctx context.Context, userID UserID, required Amount) (Validation, error) {
	if required < 0 {
		return Validation{}, ErrInvalidAmount
	}
	account, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return Validation{}, err
	}
	shortfall := required - account.Credits
	if shortfall < 0 {
		shortfall = 0
	}
	return Validation{
		Valid:     account.Credits >= required,
		Balance:   account.Credits,
		Shortfall: shortfall,
	}, nil
}

// findPriorGrant runs the fast-path dedup lookups for credit grants: the
// caller-supplied idempotency key first, then the external transaction id
// scoped to the grant class.
func (service *Service) findPriorGrant(ctx context.Context, store Store, idempotencyKey string, transactionID string) (*Entry, error) {
	if idempotencyKey != "" {
		prior, err := store.FindEntryByIdempotencyKey(ctx, idempotencyKey)
		if err != nil || prior != nil {
			return prior, err
		}
	}
	if transactionID != "" {
		prior, err := store.FindEntryByTransaction(ctx, transactionID, TypeClassGrant)
		if err != nil || prior != nil {
			return prior, err
		}
	}
	return nil, nil
}

// replayDuplicate recovers the original entry after the store rejected a
// conflicting insert.
func (service *Service) replayDuplicate(ctx context.Context, idempotencyKey string, transactionID string, class TypeClass) (Result, error) {
	if idempotencyKey != "" {
		prior, err := service.store.FindEntryByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if prior != nil {
			return duplicateResult(prior), nil
		}
	}
	if transactionID != "" {
		prior, err := service.store.FindEntryByTransaction(ctx, transactionID, class)
		if err != nil {
			return Result{}, err
		}
		if prior != nil {
			return duplicateResult(prior), nil
		}
	}
	return Result{}, WrapError("service", "entry", "duplicate_vanished", ErrDuplicateEntry)
}

func (service *Service) fail(ctx context.Context, operation string, userID UserID, err error) (Result, error) {
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID,
		Error:     err,
	})
	return failureResult(err), err
}

func (service *Service) logMutation(ctx context.Context, operation string, userID UserID, result Result, idempotencyKey string, transactionID string, err error) {
	entry := OperationLog{
		Operation:      operation,
		UserID:         userID,
		Amount:         result.Amount,
		TransactionRef: result.TransactionRef,
		TransactionID:  transactionID,
		IdempotencyKey: idempotencyKey,
		Error:          err,
	}
	if err == nil && result.Duplicate {
		entry.Status = operationStatusDuplicate
	}
	service.logOperation(ctx, entry)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func successResult(entry Entry) Result {
	return Result{
		Success:        true,
		TransactionRef: entry.TransactionRef,
		Amount:         entry.Amount,
		BalanceBefore:  entry.BalanceBefore,
		BalanceAfter:   entry.BalanceAfter,
	}
}

func duplicateResult(entry *Entry) Result {
	return Result{
		Success:        true,
		Duplicate:      true,
		TransactionRef: entry.TransactionRef,
		Amount:         entry.Amount,
		BalanceBefore:  entry.BalanceBefore,
		BalanceAfter:   entry.BalanceAfter,
	}
}

func failureResult(err error) Result {
	return Result{ErrorCode: CodeForError(err)}
}
