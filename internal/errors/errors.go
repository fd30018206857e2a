package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason classifies every failure surfaced by the client engine.
type Reason int

// Transport reasons.
const (
	Unknown Reason = iota
	TransportDisconnected
	NetworkBecameUnreachable
	HostnameUnverified
	SslHandshakeError
	CloseMessageReceived
)

// Auth and session reasons.
const (
	Unauthorized Reason = iota + 100
	TokenExpired
	TokenUpdatedLocally
	MismatchedLastUserAccount
	ClientShutdown
)

// Protocol reasons.
const (
	CannotParse Reason = iota + 200
	TooManyRequests
)

// Command reasons.
const (
	CommandRecoverableError Reason = iota + 300
	CommandPermanentError
	Timeout
	Cancelled
	PreconditionFailed
)

// Retrier reasons.
const (
	RetrierReachedMaxAttemptsCount Reason = iota + 400
	RetrierReachedMaxTime
)

// Domain reasons.
const (
	OpenStreamError Reason = iota + 500
	OpenDocumentError
	OpenCollectionError
	MutateOperationAborted
	MutateCollectionItemNotFound
	IteratorError
)

var reasonNames = map[Reason]string{
	Unknown:                        "Unknown",
	TransportDisconnected:          "TransportDisconnected",
	NetworkBecameUnreachable:       "NetworkBecameUnreachable",
	HostnameUnverified:             "HostnameUnverified",
	SslHandshakeError:              "SslHandshakeError",
	CloseMessageReceived:           "CloseMessageReceived",
	Unauthorized:                   "Unauthorized",
	TokenExpired:                   "TokenExpired",
	TokenUpdatedLocally:            "TokenUpdatedLocally",
	MismatchedLastUserAccount:      "MismatchedLastUserAccount",
	ClientShutdown:                 "ClientShutdown",
	CannotParse:                    "CannotParse",
	TooManyRequests:                "TooManyRequests",
	CommandRecoverableError:        "CommandRecoverableError",
	CommandPermanentError:          "CommandPermanentError",
	Timeout:                        "Timeout",
	Cancelled:                      "Cancelled",
	PreconditionFailed:             "PreconditionFailed",
	RetrierReachedMaxAttemptsCount: "RetrierReachedMaxAttemptsCount",
	RetrierReachedMaxTime:          "RetrierReachedMaxTime",
	OpenStreamError:                "OpenStreamError",
	OpenDocumentError:              "OpenDocumentError",
	OpenCollectionError:            "OpenCollectionError",
	MutateOperationAborted:         "MutateOperationAborted",
	MutateCollectionItemNotFound:   "MutateCollectionItemNotFound",
	IteratorError:                  "IteratorError",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}

	return fmt.Sprintf("Reason(%d)", int(r))
}

// ErrorInfo is the single error type of the engine. Status mirrors the
// HTTP-like status of a reply (0 when not applicable) and Code is the
// backend error code.
type ErrorInfo struct {
	Reason  Reason
	Status  int
	Code    int
	Message string
	Err     error
}

func (e *ErrorInfo) Error() string {
	msg := e.Reason.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d", e.Status)
		if e.Code != 0 {
			msg += fmt.Sprintf(", code %d", e.Code)
		}

		msg += ")"
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ErrorInfo) Unwrap() error { return e.Err }

// Is matches any *ErrorInfo carrying the same reason, so the sentinel
// values below work with errors.Is regardless of status or message.
func (e *ErrorInfo) Is(target error) bool {
	t, ok := target.(*ErrorInfo)
	if !ok {
		return false
	}

	return t.Reason == e.Reason
}

// Sentinels for errors.Is comparisons.
var (
	ErrTransportDisconnected          = &ErrorInfo{Reason: TransportDisconnected}
	ErrNetworkBecameUnreachable       = &ErrorInfo{Reason: NetworkBecameUnreachable}
	ErrHostnameUnverified             = &ErrorInfo{Reason: HostnameUnverified}
	ErrSslHandshakeError              = &ErrorInfo{Reason: SslHandshakeError}
	ErrCloseMessageReceived           = &ErrorInfo{Reason: CloseMessageReceived}
	ErrUnauthorized                   = &ErrorInfo{Reason: Unauthorized}
	ErrTokenExpired                   = &ErrorInfo{Reason: TokenExpired}
	ErrTokenUpdatedLocally            = &ErrorInfo{Reason: TokenUpdatedLocally}
	ErrMismatchedLastUserAccount      = &ErrorInfo{Reason: MismatchedLastUserAccount}
	ErrClientShutdown                 = &ErrorInfo{Reason: ClientShutdown}
	ErrCannotParse                    = &ErrorInfo{Reason: CannotParse}
	ErrTooManyRequests                = &ErrorInfo{Reason: TooManyRequests}
	ErrCommandRecoverable             = &ErrorInfo{Reason: CommandRecoverableError}
	ErrCommandPermanent               = &ErrorInfo{Reason: CommandPermanentError}
	ErrTimeout                        = &ErrorInfo{Reason: Timeout}
	ErrCancelled                      = &ErrorInfo{Reason: Cancelled}
	ErrPreconditionFailed             = &ErrorInfo{Reason: PreconditionFailed}
	ErrRetrierReachedMaxAttemptsCount = &ErrorInfo{Reason: RetrierReachedMaxAttemptsCount}
	ErrRetrierReachedMaxTime          = &ErrorInfo{Reason: RetrierReachedMaxTime}
	ErrOpenStream                     = &ErrorInfo{Reason: OpenStreamError}
	ErrOpenDocument                   = &ErrorInfo{Reason: OpenDocumentError}
	ErrOpenCollection                 = &ErrorInfo{Reason: OpenCollectionError}
	ErrMutateOperationAborted         = &ErrorInfo{Reason: MutateOperationAborted}
	ErrMutateCollectionItemNotFound   = &ErrorInfo{Reason: MutateCollectionItemNotFound}
	ErrIterator                       = &ErrorInfo{Reason: IteratorError}
)

// New returns an error with the given reason and message.
func New(reason Reason, msg string) *ErrorInfo {
	return &ErrorInfo{Reason: reason, Message: msg}
}

// Newf is New with formatting.
func Newf(reason Reason, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a reason to an underlying error. An err that already
// carries a reason keeps its own status and code.
func Wrap(reason Reason, err error) *ErrorInfo {
	info := &ErrorInfo{Reason: reason, Err: err}

	var inner *ErrorInfo
	if errors.As(err, &inner) {
		info.Status = inner.Status
		info.Code = inner.Code
	}

	return info
}

// ReasonOf returns the reason of the first *ErrorInfo in err's chain,
// Unknown when there is none.
func ReasonOf(err error) Reason {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Reason
	}

	return Unknown
}

// StatusOf returns the status of the first *ErrorInfo in err's chain.
func StatusOf(err error) int {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Status
	}

	return 0
}

// FromStatus maps an HTTP-like reply status to the taxonomy.
func FromStatus(code int, status, description string, errorCode int) *ErrorInfo {
	info := &ErrorInfo{Status: code, Code: errorCode, Message: description}
	if info.Message == "" {
		info.Message = status
	}

	switch {
	case code == http.StatusTooManyRequests:
		info.Reason = TooManyRequests
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		info.Reason = Unauthorized
	case code == http.StatusGone:
		info.Reason = TokenExpired
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		info.Reason = PreconditionFailed
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		info.Reason = Timeout
	case code >= 500:
		info.Reason = CommandRecoverableError
	default:
		info.Reason = CommandPermanentError
	}

	return info
}

// IsFatal reports whether err must force a terminal Disconnected state
// with no automatic reconnect.
func IsFatal(err error) bool {
	switch ReasonOf(err) {
	case Unauthorized, TokenExpired, HostnameUnverified, SslHandshakeError,
		MismatchedLastUserAccount, ClientShutdown:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a command attempt failing with err may be
// retried transparently.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}

	switch ReasonOf(err) {
	case CannotParse, CommandPermanentError, PreconditionFailed,
		MutateOperationAborted, MutateCollectionItemNotFound, Cancelled,
		RetrierReachedMaxAttemptsCount, RetrierReachedMaxTime:
		return false
	default:
		return true
	}
}
