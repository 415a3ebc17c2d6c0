package turnstile

// ErrorCategory classifies provider error codes by handling policy.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryUserInput     ErrorCategory = "user_input"
	CategoryTransient     ErrorCategory = "transient"
	CategoryUnknown       ErrorCategory = "unknown"
)

// ErrorInfo describes a provider error code: how to log it, what to show
// the user, and what the operator should do.
type ErrorInfo struct {
	Category     ErrorCategory
	UserMessage  string
	DebugMessage string
	Action       string
}

var errorCatalog = map[string]ErrorInfo{
	"missing-input-secret": {
		Category:     CategoryConfiguration,
		UserMessage:  "Verification is temporarily unavailable. Please try again.",
		DebugMessage: "The secret parameter was not passed to siteverify.",
		Action:       "Check TURNSTILE secret configuration.",
	},
	"invalid-input-secret": {
		Category:     CategoryConfiguration,
		UserMessage:  "Verification is temporarily unavailable. Please try again.",
		DebugMessage: "The secret parameter was invalid or did not exist.",
		Action:       "Rotate or correct the Turnstile secret key.",
	},
	"missing-input-response": {
		Category:     CategoryUserInput,
		UserMessage:  "Please complete the verification challenge.",
		DebugMessage: "The response (token) parameter was not passed.",
		Action:       "Ensure the widget token is submitted with the form.",
	},
	"invalid-input-response": {
		Category:     CategoryUserInput,
		UserMessage:  "Verification failed. Please try the challenge again.",
		DebugMessage: "The response parameter was invalid or expired.",
		Action:       "No action; token was malformed or already consumed upstream.",
	},
	"timeout-or-duplicate": {
		Category:     CategoryUserInput,
		UserMessage:  "This verification has expired. Please try again.",
		DebugMessage: "The response was already validated or has timed out.",
		Action:       "No action; the widget should be re-rendered.",
	},
	"bad-request": {
		Category:     CategoryConfiguration,
		UserMessage:  "Verification is temporarily unavailable. Please try again.",
		DebugMessage: "The siteverify request was malformed.",
		Action:       "Check the request encoding sent to siteverify.",
	},
	"internal-error": {
		Category:     CategoryTransient,
		UserMessage:  "Verification is temporarily unavailable. Please try again.",
		DebugMessage: "Provider internal error; the request can be retried.",
		Action:       "Retry; escalate if persistent.",
	},
}

// LookupError returns the catalog entry for a provider code, or an
// unknown-category entry for codes not in the catalog.
func LookupError(code string) ErrorInfo {
	if info, ok := errorCatalog[code]; ok {
		return info
	}
	return ErrorInfo{
		Category:     CategoryUnknown,
		UserMessage:  "Verification failed. Please try again.",
		DebugMessage: "Unrecognized provider error code: " + code,
		Action:       "Check provider documentation for new error codes.",
	}
}

// UserMessageFor returns a display message for a set of provider codes,
// preferring the first cataloged code.
func UserMessageFor(codes []string) string {
	for _, code := range codes {
		if info, ok := errorCatalog[code]; ok {
			return info.UserMessage
		}
	}
	return "Verification failed. Please try again."
}
