package bias

import (
	"errors"
	"fmt"
	"strings"
)

// Direction enumerates the directional stances a trader can take.
type Direction string

const (
	// DirectionLong marks a bullish stance.
	DirectionLong Direction = "long"
	// DirectionShort marks a bearish stance.
	DirectionShort Direction = "short"
	// DirectionNeutral marks the absence of a directional lean.
	DirectionNeutral Direction = "neutral"
)

// ErrInvalidDirection indicates a direction value outside {long, short, neutral}.
var ErrInvalidDirection = errors.New("bias: invalid direction")

// ParseDirection validates raw input and returns a Direction.
func ParseDirection(rawInput string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(rawInput))) {
	case DirectionLong:
		return DirectionLong, nil
	case DirectionShort:
		return DirectionShort, nil
	case DirectionNeutral:
		return DirectionNeutral, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, rawInput)
	}
}

// String returns the canonical lowercase value.
func (d Direction) String() string {
	return string(d)
}
