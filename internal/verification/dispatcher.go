package verification

import (
	"fmt"

	"github.com/authvault/backend/internal/apperrors"
)

// Dispatcher routes a raw payload to the verifier for its protocol and
// returns the uniform Result shape.
type Dispatcher struct {
	ap2        *AP2Verifier
	acp        *ACPVerifier
	acpEnabled bool
}

// NewDispatcher wires both verifiers. When acpEnabled is false every ACP
// payload is rejected with PROTOCOL_DISABLED.
func NewDispatcher(ap2 *AP2Verifier, acp *ACPVerifier, acpEnabled bool) *Dispatcher {
	return &Dispatcher{ap2: ap2, acp: acp, acpEnabled: acpEnabled}
}

// Verify dispatches on protocol. expectedScope applies to AP2 only.
func (d *Dispatcher) Verify(protocol Protocol, rawPayload []byte, expectedScope string) (Result, error) {
	switch protocol {
	case ProtocolAP2:
		return d.ap2.Verify(rawPayload, expectedScope), nil
	case ProtocolACP:
		if !d.acpEnabled {
			return Result{}, apperrors.New(apperrors.KindProtocolDisabled, "ACP support is disabled")
		}
		return d.acp.Verify(rawPayload), nil
	default:
		return failure(StatusInvalidFormat, fmt.Sprintf("unknown protocol %q", protocol)), nil
	}
}

// ACPEnabled reports whether ACP payloads are accepted.
func (d *Dispatcher) ACPEnabled() bool { return d.acpEnabled }
