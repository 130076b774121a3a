package settlement

import "github.com/warp/commission-ledger/ledger"

// Recorder receives engine outcomes, typically for metrics.
type Recorder interface {
	SettlementRecorded(result string, created int)
	RefundRecorded(status RefundStatus, reversed int)
	InvariantViolation(orderID ledger.OrderID)
}

// Settlement results passed to Recorder.SettlementRecorded.
const (
	ResultCreated  = "created"
	ResultReplayed = "replayed"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

type nopRecorder struct{}

func (nopRecorder) SettlementRecorded(string, int)    {}
func (nopRecorder) RefundRecorded(RefundStatus, int)  {}
func (nopRecorder) InvariantViolation(ledger.OrderID) {}
