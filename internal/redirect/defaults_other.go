//go:build !darwin

package redirect

import "errors"

// NewOSBackend returns the platform backend for the screenshot location.
// Only darwin has one today; everywhere else the redirect is unavailable
// and sessions run in degraded mode.
func NewOSBackend() Backend {
	return unsupportedBackend{}
}

type unsupportedBackend struct{}

var errUnsupported = errors.New("screenshot location redirect is not supported on this platform")

func (unsupportedBackend) Read() (string, error) { return "", errUnsupported }
func (unsupportedBackend) Write(string) error    { return errUnsupported }
