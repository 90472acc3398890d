package kernel

import (
	"fmt"

	"github.com/tinyforge/engine/xerr"
)

// shapeMismatch builds a Validation error reporting two slice lengths that
// were required to match but didn't.
func shapeMismatch(op string, lenA, lenB int) error {
	return xerr.New(xerr.KindValidation,
		fmt.Sprintf("kernel: %s: length mismatch (%d vs %d)", op, lenA, lenB))
}
