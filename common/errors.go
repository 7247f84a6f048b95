package common

import "github.com/pkg/errors"

// Sentinel errors shared across packages. Callers compare with errors.Is;
// wrapping is done with github.com/pkg/errors so failures in disk I/O and
// lock bookkeeping keep a stack trace attached.
var (
	// ErrBufferPoolExhausted is returned by NewPage/FetchPage when every
	// frame is pinned and none can be evicted.
	ErrBufferPoolExhausted = errors.New("buffer pool exhausted: no evictable frame")

	// ErrPageNotFound names the condition of a page id that is not
	// resident and cannot be read in. No function in this tree returns it:
	// FetchPage reports a failed disk read as the wrapped disk error.
	ErrPageNotFound = errors.New("page not found")

	// ErrInvalidFrameID is the InvalidArgument condition from the replacer
	// contract: a frame id outside [0, capacity) was addressed.
	ErrInvalidFrameID = errors.New("frame id out of range")
)

// Wrap attaches ctx to err using github.com/pkg/errors, preserving a nil err
// as nil so call sites can do `return common.Wrap(err, "...")` unconditionally.
func Wrap(err error, ctx string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, ctx)
}
