package credits

const (
	operationAdd     = "add_credits"
	operationDeduct  = "deduct_credits"
	operationRefund  = "refund_credits"
	operationMonthly = "monthly_credits"

	operationStatusOK        = "ok"
	operationStatusDuplicate = "duplicate"
	operationStatusError     = "error"

	transactionRefPrefix     = "txn_"
	monthlyKeyPrefix         = "monthly_"
	monthlyKeyDelimiter      = "_"
	monthlyKeyDateLayout     = "2006-01-02"
	monthlyCreditDescription = "Monthly credit allocation"

	secondsPerDay int64 = 24 * 60 * 60

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// MonthlyCreditIntervalSeconds is the drip cadence. Advancing from the
// previous due date keeps the schedule fixed even when the job runs late.
const MonthlyCreditIntervalSeconds int64 = 30 * 24 * 60 * 60
