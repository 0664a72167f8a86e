package apierr

// Code is a machine-readable error code returned in API responses.
type Code string

// Common errors.
const (
	CodeInvalidRequestBody Code = "INVALID_REQUEST_BODY"
	CodeInvalidID          Code = "INVALID_ID"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Run errors.
const (
	CodeRunNotFound      Code = "RUN_NOT_FOUND"
	CodeInvalidRunID     Code = "INVALID_RUN_ID"
	CodeRunCreateFailed  Code = "RUN_CREATE_FAILED"
	CodeRunListFailed    Code = "RUN_LIST_FAILED"
	CodeRunNotResumable  Code = "RUN_NOT_RESUMABLE"
	CodeInvalidRunConfig Code = "INVALID_RUN_CONFIG"
	CodeQueueUnavailable Code = "QUEUE_UNAVAILABLE"
)

// Artifact errors.
const (
	CodeArtifactNotFound   Code = "ARTIFACT_NOT_FOUND"
	CodeInvalidFingerprint Code = "INVALID_FINGERPRINT"
	CodeArtifactReadFailed Code = "ARTIFACT_READ_FAILED"
	CodeArtifactCorrupt    Code = "ARTIFACT_CORRUPT"
)

// Health errors.
const (
	CodeDatabaseNotReady Code = "DATABASE_NOT_READY"
)
