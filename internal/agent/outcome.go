package agent

import "fmt"

// Agent outcomes the seeded pipelines react to. Agents may emit other
// strings; unknown outcomes are treated as signal-only.
const (
	OutcomeFailed                = "failed"
	OutcomeInterrupted           = "interrupted"
	OutcomeNoChanges             = "no_changes"
	OutcomeConflictsDetected     = "conflicts_detected"
	OutcomePlanComplete          = "plan_complete"
	OutcomeInvestigationComplete = "investigation_complete"
	OutcomePRReady               = "pr_ready"
	OutcomeApproved              = "approved"
	OutcomeDesignReady           = "design_ready"
	OutcomeReproduced            = "reproduced"
	OutcomeCannotReproduce       = "cannot_reproduce"
	OutcomeNeedsInfo             = "needs_info"
	OutcomeOptionsProposed       = "options_proposed"
	OutcomeChangesRequested      = "changes_requested"
)

// payloadValidators maps schema-bearing outcomes to their payload checks.
// Everything else is signal-only and carries no payload.
var payloadValidators = map[string]func(map[string]any) error{
	OutcomeNeedsInfo:        validateNeedsInfo,
	OutcomeOptionsProposed:  validateOptionsProposed,
	OutcomeChangesRequested: validateChangesRequested,
}

// SchemaBearing reports whether an outcome requires a payload.
func SchemaBearing(outcome string) bool {
	_, ok := payloadValidators[outcome]
	return ok
}

// ValidatePayload checks a schema-bearing outcome's payload. Signal-only
// and unknown outcomes always validate.
func ValidatePayload(outcome string, payload map[string]any) error {
	validate, ok := payloadValidators[outcome]
	if !ok {
		return nil
	}
	if payload == nil {
		return fmt.Errorf("outcome %s requires a payload", outcome)
	}
	return validate(payload)
}

func validateNeedsInfo(payload map[string]any) error {
	questions, err := stringSlice(payload, "questions")
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return fmt.Errorf("needs_info requires at least one question")
	}
	return nil
}

func validateOptionsProposed(payload map[string]any) error {
	if _, ok := payload["summary"].(string); !ok {
		return fmt.Errorf("options_proposed requires a summary string")
	}
	options, ok := payload["options"].([]any)
	if !ok || len(options) == 0 {
		return fmt.Errorf("options_proposed requires a non-empty options list")
	}
	return nil
}

func validateChangesRequested(payload map[string]any) error {
	if _, ok := payload["summary"].(string); !ok {
		return fmt.Errorf("changes_requested requires a summary string")
	}
	if _, err := stringSlice(payload, "comments"); err != nil {
		return err
	}
	return nil
}

func stringSlice(payload map[string]any, key string) ([]string, error) {
	raw, ok := payload[key].([]any)
	if !ok {
		// Direct []string happens when the payload never crossed JSON.
		if direct, ok := payload[key].([]string); ok {
			return direct, nil
		}
		return nil, fmt.Errorf("field %q must be a list of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %q must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}
