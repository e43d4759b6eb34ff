package scheduler

// Rejection codes returned to API clients when a reservation cannot be
// made. Stable strings, clients match on them.
const (
	CodeMachineMaintenance = "MACHINE_MAINTENANCE"
	CodeMachineOccupied    = "MACHINE_OCCUPIED"
	CodeAllocationConflict = "ALLOCATION_CONFLICT"
	CodeConflictDetected   = "CONFLICT_DETECTED"
	CodeInsufficientTime   = "INSUFFICIENT_TIME"
	CodeDurationTooShort   = "DURATION_TOO_SHORT"
	CodeInvalidTimeRange   = "INVALID_TIME_RANGE"
)

// Rejection is a business-rule refusal, as opposed to an internal
// error. Handlers unwrap it with errors.As and map it to a 4xx.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

func reject(code, message string) *Rejection {
	return &Rejection{Code: code, Message: message}
}
