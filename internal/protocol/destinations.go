package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgeipc/internal/protocol/frame"
)

// Destination is the canonical integer destination code carried in every frame.
type Destination = frame.Destination

// Built-in destination codes shared with the kernel.
const (
	DestAuthentication   Destination = 0
	DestError            Destination = 1
	DestServiceDiscovery Destination = 2
	DestLifecycle        Destination = 3
	DestConfigStore      Destination = 4
	DestPubSub           Destination = 5
	DestSecret           Destination = 6
	DestShadow           Destination = 7
	DestCLI              Destination = 8

	lastBuiltin Destination = DestCLI

	// ReservedEnd is the last code held back for future built-in services.
	ReservedEnd Destination = 1023
	// ApplicationStart is the first code available to application handlers.
	ApplicationStart Destination = 1024
)

var (
	ErrReservedDestination = errors.New("protocol: reserved destination")
	ErrControlDestination  = errors.New("protocol: control destination")
)

var builtinNames = map[Destination]string{
	DestAuthentication:   "authentication",
	DestError:            "error",
	DestServiceDiscovery: "service_discovery",
	DestLifecycle:        "lifecycle",
	DestConfigStore:      "config_store",
	DestPubSub:           "pubsub",
	DestSecret:           "secret",
	DestShadow:           "shadow",
	DestCLI:              "cli",
}

// Name returns a stable label for d, used in logs and metric labels.
func Name(d Destination) string {
	if name, ok := builtinNames[d]; ok {
		return name
	}
	if d >= ApplicationStart {
		return fmt.Sprintf("app.%d", uint16(d))
	}
	return fmt.Sprintf("reserved.%d", uint16(d))
}

func IsBuiltin(d Destination) bool {
	return d <= lastBuiltin
}

func IsApplication(d Destination) bool {
	return d >= ApplicationStart
}

// IsControl reports destinations owned by the transport itself.
func IsControl(d Destination) bool {
	return d == DestAuthentication || d == DestError
}

// ValidateHandlerDestination rejects codes that must never carry a
// registered message handler.
func ValidateHandlerDestination(d Destination) error {
	if IsControl(d) {
		return fmt.Errorf("%w: %s", ErrControlDestination, Name(d))
	}
	if d > lastBuiltin && d <= ReservedEnd {
		return fmt.Errorf("%w: %d", ErrReservedDestination, uint16(d))
	}
	return nil
}
