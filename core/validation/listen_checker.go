package validation

import (
	"errors"
	"net"
	"syscall"

	"sdlora_server/core"
)

// CheckListenAddress binds addr briefly to make sure the HTTP server can.
func CheckListenAddress(addr string) ValidationResult {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return ValidationResult{
				Valid:   false,
				Message: "Port is taken by another process",
				Error:   core.ErrAddressInUse(addr),
			}
		}
		return ValidationResult{
			Valid:   false,
			Message: "Cannot listen on " + addr,
			Error:   err,
		}
	}
	_ = ln.Close()
	return ValidationResult{Valid: true, Message: addr + " available"}
}
