package rules

import "fmt"

// ConfigError reports a malformed or unknown condition in a bonus
// definition. It is fatal for that bonus only: the engine skips the bonus
// and surfaces the error, but keeps evaluating the rest of the catalog.
// Silently skipping the condition instead would incorrectly grant the bonus.
type ConfigError struct {
	BonusCode string
	Pattern   string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("bonus %s: bad condition pattern %q: %v", e.BonusCode, e.Pattern, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
