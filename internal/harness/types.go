package harness

// Trace event types.
const (
	EventCall   = "call"
	EventNotify = "notify"
)

// TraceEvent is one entry of a scenario trace. Ids are reported by alias.
type TraceEvent struct {
	Seq     int      `json:"seq"`
	Type    string   `json:"type"` // "call" or "notify"
	Client  string   `json:"client"`
	Cmd     string   `json:"cmd,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	KeyPath string   `json:"key_path"`
	ID      string   `json:"id,omitempty"`
	RefID   string   `json:"ref_id,omitempty"`
	Items   []string `json:"items,omitempty"`
	Outcome string   `json:"outcome,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds calls and the notifications they caused, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes every failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Delivered lists the notification kinds each client received.
	Delivered map[string][]string `json:"delivered,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []TraceEvent{},
		Errors:    []string{},
		Delivered: make(map[string][]string),
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
