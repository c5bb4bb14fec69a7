package prober

import "errors"

var (
	ErrProberAlreadyRunning = errors.New("prober is already running")
	ErrProberNotRunning     = errors.New("prober is not running")
)
