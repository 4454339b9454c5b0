package codec

import (
	"fmt"
)

// Opcode is a control point command opcode.
type Opcode uint8

const (
	OpStart Opcode = 0x02
	OpStop  Opcode = 0x03

	// OpResponse tags control point indications answering a command.
	OpResponse Opcode = 0xf0
)

func (op Opcode) String() string {
	switch op {
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpResponse:
		return "response"
	default:
		return fmt.Sprintf("opcode(%#x)", uint8(op))
	}
}

// SignatureSize is the length of the integrity tag appended to commands.
const SignatureSize = 16

// Signer computes the integrity tag of a command.
type Signer interface {
	Sign(data []byte) []byte
}

// BuildCommand frames a signed control point command:
//
//	| opcode | settings | signature (16 bytes) |
//
// where the signature covers the opcode and settings bytes.
func BuildCommand(op Opcode, settings []byte, s Signer) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("no signer for %v command", op)
	}
	msg := make([]byte, 0, 1+len(settings)+SignatureSize)
	msg = append(msg, byte(op))
	msg = append(msg, settings...)
	sig := s.Sign(msg)
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	return append(msg, sig...), nil
}

// StartCommand builds the signed acquisition start command for settings.
func StartCommand(settings Settings, s Signer) ([]byte, error) {
	payload, err := settings.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("invalid %v settings: %w", settings.Class(), err)
	}
	return BuildCommand(OpStart, payload, s)
}

// StopCommand builds the signed acquisition stop command.
func StopCommand(s Signer) ([]byte, error) {
	return BuildCommand(OpStop, nil, s)
}

// Response status codes.
const (
	StatusOK             uint8 = 0
	StatusBadSignature   uint8 = 1
	StatusInvalidSetting uint8 = 2
	StatusBusy           uint8 = 3
)

// Response is a control point response:
//
//	| 0xf0 | opcode | status |
type Response struct {
	Op     Opcode
	Status uint8
}

func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("short response: %#x", data)
	}
	if Opcode(data[0]) != OpResponse {
		return fmt.Errorf("invalid response: %#x", data)
	}
	*r = Response{Op: Opcode(data[1]), Status: data[2]}
	return nil
}

// OK reports whether the device accepted the command.
func (r Response) OK() bool { return r.Status == StatusOK }

func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	var reason string
	switch r.Status {
	case StatusBadSignature:
		reason = "signature rejected"
	case StatusInvalidSetting:
		reason = "invalid setting"
	case StatusBusy:
		reason = "device busy"
	default:
		reason = fmt.Sprintf("status %#x", r.Status)
	}
	return fmt.Errorf("%v command rejected: %s", r.Op, reason)
}
