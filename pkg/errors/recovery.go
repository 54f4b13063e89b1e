package errors

import "time"

// RecoveryStrategy suggests a remediation for a specific error kind.
// Strategies are static configuration consulted at error-formatting time;
// they carry no runtime state.
type RecoveryStrategy struct {
	Action      string        `json:"action"`
	Description string        `json:"description"`
	Automatic   bool          `json:"automatic"`
	MaxRetries  int           `json:"maxRetries,omitempty"`
	RetryDelay  time.Duration `json:"retryDelayMs,omitempty"`
	WaitTime    time.Duration `json:"waitTimeMs,omitempty"`
}

// Recovery suggestions are attached only where retry or re-authentication is
// meaningful: authentication, authorization, transport, timeout and
// rate-limit kinds. Protocol-syntax errors get none.
var recoveryStrategies = map[int][]RecoveryStrategy{
	CodeSessionExpired: {
		{Action: "refresh_session", Description: "Re-establish the session automatically", Automatic: true, MaxRetries: 1},
		{Action: "reauthenticate", Description: "Authenticate again with fresh credentials", Automatic: false},
	},
	CodeAuthenticationFailed: {
		{Action: "reauthenticate", Description: "Verify credentials and authenticate again", Automatic: false},
	},
	CodeAuthorizationFailed: {
		{Action: "request_access", Description: "Request the missing permission from an administrator", Automatic: false},
	},
	CodeTransportError: {
		{Action: "retry", Description: "Retry the request over the same transport", Automatic: true, MaxRetries: 3, RetryDelay: 500 * time.Millisecond},
	},
	CodeRateLimitExceeded: {
		{Action: "wait_and_retry", Description: "Wait for capacity and retry", Automatic: true, WaitTime: 5 * time.Second},
	},
}

// StrategiesForCode returns the recovery strategies attached to a code, or
// nil when none apply.
func StrategiesForCode(code int) []RecoveryStrategy {
	return recoveryStrategies[code]
}
