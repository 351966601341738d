package matching

import "fmt"

// RuleConfigurationError reports a matching rule that cannot be used to
// derive keys. It is fatal to the affected confirmation's key derivation
// but never aborts a batch.
type RuleConfigurationError struct {
	RuleName string
	Reason   string
}

func (e *RuleConfigurationError) Error() string {
	return fmt.Sprintf("matching rule %q misconfigured: %s", e.RuleName, e.Reason)
}
