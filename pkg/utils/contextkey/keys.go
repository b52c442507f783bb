package contextkey

// key is unexported so values set here cannot collide with other packages.
type key string

// Values the logger copies onto every entry.
const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	RunID     key = "run_id"
	Language  key = "language"
)
