package manager

import "errors"

// ErrNotConnected is returned when an operation needs a Connected
// session and the instance has none.
var ErrNotConnected = errors.New("session not connected")
