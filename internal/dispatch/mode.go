package dispatch

import (
	"fmt"
	"strings"
)

// Mode is the account-level transport policy.
type Mode string

const (
	// ModeLocal restricts delivery to the LAN transport.
	ModeLocal Mode = "local"
	// ModeCloud restricts delivery to the cloud socket and REST API.
	ModeCloud Mode = "cloud"
	// ModeMixed prefers the LAN and falls back to the cloud.
	ModeMixed Mode = "mixed"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLocal, ModeCloud, ModeMixed:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// allowsLocal reports whether the mode permits LAN delivery.
func (m Mode) allowsLocal() bool { return m != ModeCloud }

// allowsCloud reports whether the mode permits cloud delivery.
func (m Mode) allowsCloud() bool { return m != ModeLocal }

// ready is the account readiness predicate.
func ready(mode Mode, local, cloud bool) bool {
	switch mode {
	case ModeLocal:
		return local
	case ModeCloud:
		return cloud
	default:
		return local || cloud
	}
}
