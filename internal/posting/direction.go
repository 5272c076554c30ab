// Package posting assembles balanced accounting documents from worksheet rows.
package posting

import (
	"errors"
	"fmt"
)

// ErrNoDirection indicates a sign combination outside the defined direction
// rules. This is a data defect: the affected document is skipped, not the run.
var ErrNoDirection = errors.New("posting: no matching direction rule")

// ResolveDirection maps a pairing line's sign combination onto the canonical
// posting direction. pairingSign is the sign of the amount being paired,
// aggregateSign the sign of the technical aggregate, lineDirection the
// worksheet line's own direction flag. The eight defined combinations encode
// the reversal convention used when settling against the opposite side of a
// worksheet; anything else is rejected.
func ResolveDirection(pairingSign, aggregateSign int, lineDirection int16) (int16, error) {
	if pairingSign == -1 {
		switch {
		case aggregateSign > 0 && lineDirection == -1:
			return -1, nil
		case aggregateSign > 0 && lineDirection == 1:
			return 1, nil
		case aggregateSign < 0 && lineDirection == 1:
			return -1, nil
		case aggregateSign < 0 && lineDirection == -1:
			return 1, nil
		}
	} else {
		switch {
		case aggregateSign > 0 && lineDirection == 1:
			return -1, nil
		case aggregateSign > 0 && lineDirection == -1:
			return 1, nil
		case aggregateSign < 0 && lineDirection == -1:
			return -1, nil
		case aggregateSign < 0 && lineDirection == 1:
			return 1, nil
		}
	}
	return 0, fmt.Errorf("%w: pairing=%d aggregate=%d line=%d", ErrNoDirection, pairingSign, aggregateSign, lineDirection)
}
