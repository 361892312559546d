package catalog

import "fmt"

// ConfigError reports a rule set that cannot be loaded. It is not
// recoverable: the process must not start scanning with a partial catalog.
type ConfigError struct {
	PatternID string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.PatternID != "" {
		return fmt.Sprintf("catalog: pattern %s: %v", e.PatternID, e.Err)
	}
	return fmt.Sprintf("catalog: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
