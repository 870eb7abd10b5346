// Package pairing builds the QR-encoded pairing payload spec.md §3 and §6
// describe: the network address, certificate fingerprint, and one-time
// auth token a mobile client scans to establish a session.
package pairing

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/comacode/hostd/lib/protocol"
)

// Payload is the self-describing text map encoded into the QR code
// (spec.md §3, §6). JSON is used as the self-describing text-map encoding:
// every field name travels with its value, matching the "self-describing"
// requirement without inventing a bespoke format.
type Payload struct {
	IP              string `json:"ip"`
	Port            uint16 `json:"port"`
	Fingerprint     string `json:"fingerprint"`
	Token           string `json:"token"`
	ProtocolVersion uint16 `json:"protocol_version"`
}

// New builds a Payload for the current process's listening address,
// identity fingerprint, and auth token.
func New(ip string, port uint16, fingerprint, token string) Payload {
	return Payload{
		IP:              ip,
		Port:            port,
		Fingerprint:     fingerprint,
		Token:           token,
		ProtocolVersion: protocol.CurrentProtocolVersion,
	}
}

// Encode renders the payload as the JSON text the local pairing dashboard
// hands to the QR renderer (an external collaborator, out of scope per
// spec.md §1 — this function is the whole of the core's contract with it).
func (p Payload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, trace.Wrap(err, "encoding pairing payload")
	}
	return b, nil
}

// Decode parses a pairing payload. Provided for the CLI testing-client
// collaborator (spec.md §1) and for round-trip tests.
func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, trace.Wrap(err, "decoding pairing payload")
	}
	return p, nil
}
