package facilitator

import "errors"

// Sentinel errors for facilitator operations. Each maps onto one class of
// the error taxonomy so callers can branch with errors.Is and the HTTP
// boundary can choose a distinct response per class.
var (
	// ErrValidation indicates malformed or missing request fields.
	ErrValidation = errors.New("facilitator: invalid request")

	// ErrInvalidAmount indicates a malformed atomic amount string.
	ErrInvalidAmount = errors.New("facilitator: invalid amount")

	// ErrInvalidNetwork indicates an unsupported or unknown network.
	ErrInvalidNetwork = errors.New("facilitator: invalid or unsupported network")

	// ErrInvalidAddress indicates an address that is not valid for the network family.
	ErrInvalidAddress = errors.New("facilitator: invalid address")

	// ErrRouterNotWhitelisted indicates a settlement router absent from the
	// per-network allowlist. This is a security boundary, surfaced distinctly
	// from generic validation.
	ErrRouterNotWhitelisted = errors.New("facilitator: settlement router not whitelisted")

	// ErrHookNotAllowed indicates a hook absent from the allowlist.
	ErrHookNotAllowed = errors.New("facilitator: hook not allowed")

	// ErrCommitmentMismatch indicates the recomputed settlement commitment
	// does not equal the nonce embedded in the signed authorization. Treated
	// as an invalid signature; never retried.
	ErrCommitmentMismatch = errors.New("facilitator: commitment does not match signed nonce")

	// ErrFeeInsufficient indicates the client fee is below the tolerance threshold.
	ErrFeeInsufficient = errors.New("facilitator: facilitator fee below minimum")

	// ErrGasEstimation indicates hook simulation failed or the gas limit was exceeded.
	ErrGasEstimation = errors.New("facilitator: gas estimation failed")

	// ErrPoolExhausted indicates no signer is available for the requested
	// network. A configuration or capacity condition, not a transient chain error.
	ErrPoolExhausted = errors.New("facilitator: no signer available for network")

	// ErrChainSubmission indicates an RPC or contract execution failure during settle.
	ErrChainSubmission = errors.New("facilitator: chain submission failed")

	// ErrReplay indicates the authorization nonce was already consumed on-chain.
	ErrReplay = errors.New("facilitator: authorization nonce already used")

	// ErrInvalidSignature indicates signature recovery failed or the
	// recovered signer does not match the claimed payer.
	ErrInvalidSignature = errors.New("facilitator: invalid signature")

	// ErrExpiredAuthorization indicates the authorization validity window has passed.
	ErrExpiredAuthorization = errors.New("facilitator: authorization expired")

	// ErrShuttingDown indicates the process is draining and rejects new work.
	ErrShuttingDown = errors.New("facilitator: shutting down")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("facilitator: unsupported payment scheme")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("facilitator: unsupported protocol version")

	// ErrPriceFeedUnavailable indicates no gas or token price could be obtained.
	ErrPriceFeedUnavailable = errors.New("facilitator: price feed unavailable")
)

// ErrorCode identifies an error class for programmatic handling and for
// the invalidReason/errorReason fields on the wire.
type ErrorCode string

const (
	// ErrCodeValidation indicates malformed or missing request fields.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeWhitelist indicates a router or hook outside the allowlist.
	ErrCodeWhitelist ErrorCode = "NOT_WHITELISTED"

	// ErrCodeCommitmentMismatch indicates a commitment/nonce mismatch.
	ErrCodeCommitmentMismatch ErrorCode = "COMMITMENT_MISMATCH"

	// ErrCodeFeeInsufficient indicates the provided fee is below threshold.
	ErrCodeFeeInsufficient ErrorCode = "FEE_INSUFFICIENT"

	// ErrCodeGasEstimation indicates simulation failure or gas limit excess.
	ErrCodeGasEstimation ErrorCode = "GAS_ESTIMATION_FAILED"

	// ErrCodePoolExhausted indicates no signer for the requested network.
	ErrCodePoolExhausted ErrorCode = "POOL_EXHAUSTED"

	// ErrCodeChainSubmission indicates an on-chain submission failure.
	ErrCodeChainSubmission ErrorCode = "CHAIN_SUBMISSION_FAILED"

	// ErrCodeReplay indicates a nonce already consumed on-chain.
	ErrCodeReplay ErrorCode = "NONCE_ALREADY_USED"

	// ErrCodeShuttingDown indicates admission was refused during shutdown.
	ErrCodeShuttingDown ErrorCode = "SHUTTING_DOWN"
)

// FacilitatorError provides structured error information: a stable code,
// a human-readable message, optional details, and the underlying error.
type FacilitatorError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context (network, addresses, fee
	// breakdowns) surfaced to clients where safe.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *FacilitatorError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *FacilitatorError) Unwrap() error {
	return e.Err
}

// NewError creates a FacilitatorError with the given code and message.
func NewError(code ErrorCode, message string, err error) *FacilitatorError {
	return &FacilitatorError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *FacilitatorError) WithDetails(key string, value interface{}) *FacilitatorError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the error code for err, walking the error chain. Errors
// outside the taxonomy report ErrCodeChainSubmission on the settle path
// and ErrCodeValidation elsewhere; callers pass the fallback explicitly.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	var fe *FacilitatorError
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch {
	case errors.Is(err, ErrRouterNotWhitelisted), errors.Is(err, ErrHookNotAllowed):
		return ErrCodeWhitelist
	case errors.Is(err, ErrCommitmentMismatch):
		return ErrCodeCommitmentMismatch
	case errors.Is(err, ErrFeeInsufficient):
		return ErrCodeFeeInsufficient
	case errors.Is(err, ErrGasEstimation):
		return ErrCodeGasEstimation
	case errors.Is(err, ErrPoolExhausted):
		return ErrCodePoolExhausted
	case errors.Is(err, ErrReplay):
		return ErrCodeReplay
	case errors.Is(err, ErrChainSubmission):
		return ErrCodeChainSubmission
	case errors.Is(err, ErrShuttingDown):
		return ErrCodeShuttingDown
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidNetwork), errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrExpiredAuthorization),
		errors.Is(err, ErrUnsupportedScheme), errors.Is(err, ErrUnsupportedVersion):
		return ErrCodeValidation
	}
	return fallback
}
