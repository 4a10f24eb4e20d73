//go:build !linux

package gpib

import (
	"fmt"
	"time"
)

// drvUnsupported reports StatusErrorRsrcNotFound-worthy errors on
// every call: the Linux GPIB kernel module (and therefore /dev/gpib*)
// has no equivalent on other platforms, so there is nothing this
// package can wrap here.
type drvUnsupported struct{}

func newDefaultDriver() driver {
	return drvUnsupported{}
}

var errUnsupported = fmt.Errorf("gpib: no GPIB driver available on this platform")

func (drvUnsupported) Listen(board, primary, secondary int) (bool, error) { return false, errUnsupported }
func (drvUnsupported) Open(board, primary, secondary int) (int, error)    { return 0, errUnsupported }
func (drvUnsupported) Close(handle int) error                             { return errUnsupported }
func (drvUnsupported) Write(handle int, data []byte, eoi bool, timeout time.Duration) (int, error) {
	return 0, errUnsupported
}
func (drvUnsupported) Read(handle int, buf []byte, timeout time.Duration) (int, bool, error) {
	return 0, false, errUnsupported
}
func (drvUnsupported) Clear(handle int) error         { return errUnsupported }
func (drvUnsupported) Trigger(handle int) error       { return errUnsupported }
func (drvUnsupported) SerialPoll(handle int) (byte, error) { return 0, errUnsupported }
