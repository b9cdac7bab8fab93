package agent

// Refusal kinds carried by PolicyRefusal.
const (
	RefusalLockout     = "lockout"
	RefusalRateLimit   = "rate_limit"
	RefusalUnsafeInput = "unsafe_input"
	RefusalEthics      = "ethics_block"
)

// PipelineOutcome is the result of running one message through the
// pipeline. Exactly one of the three variants is produced; all of them
// carry the text handed back to the sender.
type PipelineOutcome interface {
	outcome()
	// Reply is the text delivered to the sender.
	Reply() string
}

// Delivered is a successfully generated (possibly corrected) response.
type Delivered struct {
	Text string
}

// PolicyRefusal means security or ethics denied the request.
type PolicyRefusal struct {
	Kind string
	Text string
}

// InternalError means a stage failed and a fixed apology was
// substituted.
type InternalError struct {
	Err  error
	Text string
}

func (Delivered) outcome()     {}
func (PolicyRefusal) outcome() {}
func (InternalError) outcome() {}

func (o Delivered) Reply() string     { return o.Text }
func (o PolicyRefusal) Reply() string { return o.Text }
func (o InternalError) Reply() string { return o.Text }
