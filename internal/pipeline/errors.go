package pipeline

import "fmt"

// ConfigurationError reports bad stage or run configuration detected before
// any dispatch. It is fatal to run creation.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// ResumeInconsistencyError reports a persisted manifest that cannot be
// resumed: it references a stage no longer registered or an artifact no
// longer present. Callers must reset the run explicitly.
type ResumeInconsistencyError struct {
	Stage  string
	Reason string
}

func (e *ResumeInconsistencyError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("run not resumable: stage %s: %s", e.Stage, e.Reason)
	}
	return "run not resumable: " + e.Reason
}
