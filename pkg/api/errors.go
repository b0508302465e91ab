package api

import (
	"errors"
	"time"

	"github.com/acepool/acepool/pkg/breaker"
	"github.com/acepool/acepool/pkg/types"
)

// Blocked-provisioning codes carried by 503 responses.
const (
	CodeVPNDisconnected = "vpn_disconnected"
	CodeCircuitBreaker  = "circuit_breaker"
	CodeMaxCapacity     = "max_capacity"
	CodeVPNError        = "vpn_error"
)

// BlockedResponse is the structured 503 body returned when provisioning or
// stream admission cannot proceed right now. should_wait tells the caller
// the condition clears on its own; can_retry that an immediate retry has a
// chance.
type BlockedResponse struct {
	Code               string `json:"code"`
	Message            string `json:"message"`
	RecoveryETASeconds int    `json:"recovery_eta_seconds"`
	CanRetry           bool   `json:"can_retry"`
	ShouldWait         bool   `json:"should_wait"`
}

// blockedFromErr maps a transient orchestration error to the wire shape, or
// nil when the error is not a recognized transient class (those surface as
// plain 500s).
func blockedFromErr(err error) *BlockedResponse {
	var open *breaker.OpenError
	switch {
	case errors.As(err, &open):
		return &BlockedResponse{
			Code:               CodeCircuitBreaker,
			Message:            "provisioning suspended after repeated failures",
			RecoveryETASeconds: int(open.RecoveryETA / time.Second),
			CanRetry:           false,
			ShouldWait:         true,
		}
	case errors.Is(err, types.ErrVPNUnhealthy):
		return &BlockedResponse{
			Code:               CodeVPNDisconnected,
			Message:            "no healthy VPN available for engine placement",
			RecoveryETASeconds: 60,
			CanRetry:           false,
			ShouldWait:         true,
		}
	case errors.Is(err, types.ErrMaxReplicas), errors.Is(err, types.ErrNoCapacity):
		return &BlockedResponse{
			Code:               CodeMaxCapacity,
			Message:            err.Error(),
			RecoveryETASeconds: 30,
			CanRetry:           true,
			ShouldWait:         true,
		}
	case errors.Is(err, types.ErrRuntimeUnavailable):
		// The code set is fixed on the wire; runtime trouble rides the
		// generic infrastructure code with the detail in the message.
		return &BlockedResponse{
			Code:               CodeVPNError,
			Message:            err.Error(),
			RecoveryETASeconds: 30,
			CanRetry:           true,
			ShouldWait:         true,
		}
	}
	return nil
}
