package apierr

import "net/http"

// --- Common ---

func InvalidRequestBody() *Error {
	return New(CodeInvalidRequestBody, http.StatusBadRequest, "Invalid request body")
}

func InternalError(cause error) *Error {
	return Wrap(CodeInternalError, http.StatusInternalServerError, "Internal server error", cause)
}

// --- Runs ---

func RunNotFound() *Error {
	return New(CodeRunNotFound, http.StatusNotFound, "Run not found")
}

func InvalidRunID() *Error {
	return New(CodeInvalidRunID, http.StatusBadRequest, "Invalid run ID")
}

func RunCreateFailed(cause error) *Error {
	return Wrap(CodeRunCreateFailed, http.StatusInternalServerError, "Failed to create run", cause)
}

func RunListFailed(cause error) *Error {
	return Wrap(CodeRunListFailed, http.StatusInternalServerError, "Failed to list runs", cause)
}

func RunNotResumable(cause error) *Error {
	return Wrap(CodeRunNotResumable, http.StatusConflict, "Run cannot be resumed and requires an explicit reset", cause)
}

func InvalidRunConfig(detail string) *Error {
	return New(CodeInvalidRunConfig, http.StatusBadRequest, "Invalid run configuration").WithDetail(detail)
}

func QueueUnavailable() *Error {
	return New(CodeQueueUnavailable, http.StatusServiceUnavailable, "Job queue is not available")
}

// --- Artifacts ---

func ArtifactNotFound() *Error {
	return New(CodeArtifactNotFound, http.StatusNotFound, "Artifact not found")
}

func InvalidFingerprint() *Error {
	return New(CodeInvalidFingerprint, http.StatusBadRequest, "Invalid artifact fingerprint")
}

func ArtifactReadFailed(cause error) *Error {
	return Wrap(CodeArtifactReadFailed, http.StatusInternalServerError, "Failed to read artifact", cause)
}

func ArtifactCorrupt() *Error {
	return New(CodeArtifactCorrupt, http.StatusConflict, "Stored artifact failed checksum verification")
}

// --- Health ---

func DatabaseNotReady() *Error {
	return New(CodeDatabaseNotReady, http.StatusServiceUnavailable, "Database not ready")
}
