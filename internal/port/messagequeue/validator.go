package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// so new message types can roll out before consumers know them.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	var required func() error
	switch {
	case strings.HasPrefix(subject, "jobs."):
		p := &JobEventPayload{}
		target = p
		required = func() error {
			if p.JobID == "" {
				return fmt.Errorf("schema validation failed for %s: job_id is required", subject)
			}
			return nil
		}
	case subject == SubjectRunStep:
		p := &RunStepPayload{}
		target = p
		required = func() error {
			if p.RunID == "" || p.StepID == "" {
				return fmt.Errorf("schema validation failed for %s: run_id and step_id are required", subject)
			}
			return nil
		}
	case subject == SubjectRunCompleted:
		p := &RunCompletedPayload{}
		target = p
		required = func() error {
			if p.RunID == "" {
				return fmt.Errorf("schema validation failed for %s: run_id is required", subject)
			}
			return nil
		}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return required()
}
