package directory

import (
	stderrors "errors"

	"github.com/gezibash/mycelium/pkg/channel"
)

// isDecodeOnly reports whether err consists only of *channel.DecodeError
// values, as joined by channel.Reader.Take.
func isDecodeOnly(err error) bool {
	if err == nil {
		return false
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if !isDecodeOnly(e) {
				return false
			}
		}
		return true
	}
	var de *channel.DecodeError
	return stderrors.As(err, &de)
}
