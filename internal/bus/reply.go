package bus

import "github.com/newellz2/lxrmq-go/internal/apierr"

// errorBody is the `error` reply payload: every
// handler failure collapses to exactly one typed reply, regardless of
// whether the error originated as an *apierr.Error or a raw Go error.
type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func errorBodyFor(err error) errorBody {
	kind, msg := apierr.KindOf(err)
	return errorBody{Type: string(kind), Message: msg}
}
