package space

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/strata/types"
)

// FileIOError is returned when the structure of the data file is inconsistent. It is fatal for the database.
type FileIOError struct {
	Reason      string
	BlockLimit  int64
	FileFreePos types.FileOffset
}

func (e *FileIOError) Error() string {
	return fmt.Sprintf("data file integrity error: %s (block limit: %d, file free position: %d)",
		e.Reason, e.BlockLimit, e.FileFreePos)
}

func newFileIOError(reason string, blockLimit int64, fileFreePos types.FileOffset) error {
	return errors.WithStack(&FileIOError{
		Reason:      reason,
		BlockLimit:  blockLimit,
		FileFreePos: fileFreePos,
	})
}

// IsFileIOError returns true if err is caused by FileIOError.
func IsFileIOError(err error) bool {
	var ioErr *FileIOError
	return errors.As(err, &ioErr)
}
