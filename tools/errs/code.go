package errs

// Error codes for the session messaging engine.
// 20xxx codes are engine-domain failures; 500 is reserved for panics.
const (
	ServerInternalError = 500

	TransportUnavailableCode = 20001 // stream down, caller should use the REST fallback
	SendFailedCode           = 20002 // stream and fallback both failed, message retryable
	InvalidTransitionCode    = 20003 // illegal session state change, session unchanged
	UploadFailedCode         = 20004 // attachment upload failed, send aborted
	CacheCorruptCode         = 20005 // local cache unreadable, treated as a miss
	DuplicateCode            = 20006 // inbound message matched an existing one
	EmptySendCode            = 20007 // empty body and no attachments
	SessionNotFoundCode      = 20008
	SessionTerminalCode      = 20009 // session already Closed/Expired
	TokenInvalidCode         = 20010
)

var (
	ErrInternal = NewCodeError(ServerInternalError, "InternalError")

	ErrTransportUnavailable = NewCodeError(TransportUnavailableCode, "TransportUnavailable")
	ErrSendFailed           = NewCodeError(SendFailedCode, "SendFailed")
	ErrInvalidTransition    = NewCodeError(InvalidTransitionCode, "InvalidTransition")
	ErrUploadFailed         = NewCodeError(UploadFailedCode, "UploadFailed")
	ErrCacheCorrupt         = NewCodeError(CacheCorruptCode, "CacheCorrupt")
	ErrDuplicate            = NewCodeError(DuplicateCode, "Duplicate")
	ErrEmptySend            = NewCodeError(EmptySendCode, "EmptySend")
	ErrSessionNotFound      = NewCodeError(SessionNotFoundCode, "SessionNotFound")
	ErrSessionTerminal      = NewCodeError(SessionTerminalCode, "SessionTerminal")
	ErrTokenInvalid         = NewCodeError(TokenInvalidCode, "TokenInvalid")
)
