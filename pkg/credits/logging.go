package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	Amount         Amount
	TransactionRef string
	TransactionID  string
	IdempotencyKey string
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTransactionRefFn overrides transaction ref generation (tests).
func WithTransactionRefFn(refFn func() string) ServiceOption {
	return func(service *Service) {
		service.refFn = refFn
	}
}

// WithPriceResolver wires the price-to-credits mapping used by the monthly drip.
func WithPriceResolver(prices PriceResolver) ServiceOption {
	return func(service *Service) {
		service.prices = prices
	}
}
