package frames

// Meta keys shared across the transport and session layers.
const (
	MetaCallID        = "call_id"
	MetaStreamID      = "stream_id"
	MetaTraceID       = "trace_id"
	MetaCustomerID    = "customer_id"
	MetaFromNumber    = "from_number"
	MetaSource        = "source"
	MetaEncoding      = "encoding"
	MetaFormat        = "format"
	MetaCallEndReason = "call_end_reason"
)
