package dap

// Unique identifiers for messages returned for errors from requests.
// These values are not mandated by DAP (other than the uniqueness
// requirement), so each implementation is free to choose their own.
const (
	UnsupportedCommand int = 9999
	InternalError      int = 8888

	// Errors attributed to the user, to the engine and to the client.
	UserError        = 2100
	EngineError      = 2101
	ProtocolError    = 2102
	RequestCanceled  = 2103
	MalformedRequest = 2104
)
