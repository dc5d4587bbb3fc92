package idauthority

import (
	"fmt"
	"strings"
)

// Mode selects how allocators partition a namespace to avoid collisions.
type Mode uint8

const (
	ModeNone       Mode = iota // all allocators share one counter space
	ModeFixed                  // every allocator has a configured tag
	ModeGlobalAuto             // a random tag is chosen per attempt
)

// MaxBits is the largest supported tag width.
const MaxBits = 16

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeFixed:
		return "fixed"
	case ModeGlobalAuto:
		return "global-auto"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode parses "none", "fixed" or "global-auto".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ModeNone, nil
	case "fixed":
		return ModeFixed, nil
	case "global-auto", "global_auto", "globalauto":
		return ModeGlobalAuto, nil
	default:
		return 0, fmt.Errorf("unknown conflict avoidance mode %q", s)
	}
}

// ConflictAvoidance configures tagging. Bits is the tag width, Tag is only used in ModeFixed.
type ConflictAvoidance struct {
	Mode Mode
	Bits uint8
	Tag  uint32
}

// Validate checks that the configuration is consistent with its mode.
func (c ConflictAvoidance) Validate() error {
	switch c.Mode {
	case ModeNone:
		if c.Bits != 0 || c.Tag != 0 {
			return fmt.Errorf("conflict avoidance none takes no bits or tag")
		}
	case ModeFixed:
		if c.Bits == 0 || c.Bits > MaxBits {
			return fmt.Errorf("conflict avoidance bits must be in [1,%d], got %d", MaxBits, c.Bits)
		}
		if c.Tag >= c.tagCount() {
			return fmt.Errorf("tag %d does not fit into %d bits", c.Tag, c.Bits)
		}
	case ModeGlobalAuto:
		if c.Bits == 0 || c.Bits > MaxBits {
			return fmt.Errorf("conflict avoidance bits must be in [1,%d], got %d", MaxBits, c.Bits)
		}
		if c.Tag != 0 {
			return fmt.Errorf("conflict avoidance global-auto chooses its own tag")
		}
	default:
		return fmt.Errorf("unknown conflict avoidance mode %d", c.Mode)
	}
	return nil
}

// tagCount is the number of distinct tags
func (c ConflictAvoidance) tagCount() uint32 { return 1 << c.Bits }
