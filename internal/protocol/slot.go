package protocol

import (
	"fmt"
	"strings"

	"github.com/xtxerr/streamd/internal/errors"
)

// SlotPrefix starts the optional slot word after a keyword.
const SlotPrefix = "SLOT:"

// NoSlot is returned when a command carries no slot.
const NoSlot = -1

// maxSlot bounds slot tables against a peer sending huge numbers.
const maxSlot = 1 << 20

// TakeSlot strips a leading SLOT:<n> word from args. It returns NoSlot and
// args unchanged when there is none.
func TakeSlot(args []string) (int, []string, error) {
	if len(args) == 0 || !strings.HasPrefix(args[0], SlotPrefix) {
		return NoSlot, args, nil
	}
	v, err := ParseUint64(args[0][len(SlotPrefix):])
	if err != nil {
		return NoSlot, args[1:], fmt.Errorf("%w: %s", errors.ErrInvalidSlot, args[0])
	}
	if v > maxSlot {
		return NoSlot, args[1:], fmt.Errorf("%w: %d exceeds %d", errors.ErrInvalidSlot, v, maxSlot)
	}
	return int(v), args[1:], nil
}
