package engine

import (
	"errors"
)

// The acting account lacks a required capability on a source. Fatal to the current processing cycle; the engine re-initializes before resuming.
var ErrPermission = errors.New("insufficient moderator permission")

// Absence response from the content platform (eg, unknown source or account)
var ErrNotFound = errors.New("not found")

// Returned from a ListItems or ReadInbox callback to end the listing early, without error
var StopWalk = errors.New("stop walking listing")

func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermission)
}
