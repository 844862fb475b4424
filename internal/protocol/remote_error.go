package protocol

import (
	"errors"
	"fmt"
)

// RemoteError is a failure the peer reported with a RESPONSE addressed to
// DestError. The frame payload is the message.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Message)
}

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
