// Package detector probes whether an engine process is alive.
package detector

// Detector is a liveness strategy. Implementations must be safe for concurrent use.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}

// Any reports alive when any detector does. Errors are returned only when
// no detector reported alive.
func Any(ds ...Detector) (bool, error) {
	var firstErr error
	for _, d := range ds {
		ok, err := d.Alive()
		if ok {
			return true, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return false, firstErr
}

// All reports alive only when every detector does.
func All(ds ...Detector) (bool, error) {
	for _, d := range ds {
		ok, err := d.Alive()
		if err != nil || !ok {
			return false, err
		}
	}
	return len(ds) > 0, nil
}
