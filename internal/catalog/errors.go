package catalog

import "fmt"

// CatalogError reports a pattern definition that cannot be loaded. It is
// always returned while building a catalog, never during a scan.
type CatalogError struct {
	Pattern string
	Reason  string
	Err     error
}

func (e *CatalogError) Error() string {
	msg := fmt.Sprintf("catalog: pattern %q: %s", e.Pattern, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CatalogError) Unwrap() error { return e.Err }

func catalogErr(pattern, reason string, err error) *CatalogError {
	return &CatalogError{Pattern: pattern, Reason: reason, Err: err}
}
