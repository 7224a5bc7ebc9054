package billing

// =============================================================================
// RESULT - Uniform outcome returned to callers
// =============================================================================

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// Result is the outcome of an engine operation. Expected business failures
// are Results, not errors. A Result is a value: methods return copies.
type Result struct {
	Status ResultStatus
	Toast  []string
	BillID *BillID
	Kind   Kind
}

// Ok builds a successful result. billID may be nil.
func Ok(billID *BillID, messages ...string) Result {
	return Result{
		Status: ResultSuccess,
		Toast:  append([]string(nil), messages...),
		BillID: copyBillID(billID),
	}
}

// Failed builds a failed result carrying one message.
func Failed(kind Kind, message string) Result {
	return Result{
		Status: ResultFailed,
		Toast:  []string{message},
		Kind:   kind,
	}
}

func (r Result) OK() bool { return r.Status == ResultSuccess }

// WithMessage returns a copy of r with msg appended to the toast list.
func (r Result) WithMessage(msg string) Result {
	out := r
	out.Toast = append(append([]string(nil), r.Toast...), msg)
	out.BillID = copyBillID(r.BillID)
	return out
}

// Message joins the toast list for logs.
func (r Result) Message() string {
	switch len(r.Toast) {
	case 0:
		return ""
	case 1:
		return r.Toast[0]
	}
	msg := r.Toast[0]
	for _, t := range r.Toast[1:] {
		msg += "; " + t
	}
	return msg
}

func copyBillID(id *BillID) *BillID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
