package ucan

import (
	"crypto/ed25519"
	"fmt"

	"github.com/storacha/go-ucanto/principal"
	"github.com/storacha/go-ucanto/principal/ed25519/verifier"
	"github.com/storacha/go-ucanto/ucan/crypto/signature"

	"github.com/relves/groupsync/pkg/types"
)

// packetSigSize is the length of a multiformat-tagged Ed25519 signature.
var packetSigSize = len(signature.NewSignature(signature.EdDSA, make([]byte, ed25519.SignatureSize)).Bytes())

// SignPacket stamps pkt with s as the sender and signs it.
func SignPacket(s principal.Signer, pkt types.Packet) (types.Packet, error) {
	pkt.From = types.PeerID(s.DID().String())
	pkt.Signature = nil
	msg, err := pkt.SigningBytes()
	if err != nil {
		return types.Packet{}, fmt.Errorf("encode %s packet for signing: %w", pkt.Type, err)
	}
	pkt.Signature = signature.Encode(s.Sign(msg))
	return pkt, nil
}

// VerifyPacket checks that pkt was signed by the key its From DID names.
func VerifyPacket(pkt types.Packet) error {
	if len(pkt.Signature) == 0 {
		return fmt.Errorf("%w: unsigned %s packet from %s", types.ErrNotAuthorized, pkt.Type, pkt.From)
	}
	if len(pkt.Signature) != packetSigSize {
		return fmt.Errorf("%w: malformed signature on %s packet from %s", types.ErrNotAuthorized, pkt.Type, pkt.From)
	}
	vfr, err := verifier.Parse(string(pkt.From))
	if err != nil {
		return fmt.Errorf("%w: sender %q is not a did:key: %v", types.ErrNotAuthorized, pkt.From, err)
	}
	msg, err := pkt.SigningBytes()
	if err != nil {
		return fmt.Errorf("encode %s packet for verification: %w", pkt.Type, err)
	}
	if !vfr.Verify(msg, signature.Decode(pkt.Signature)) {
		return fmt.Errorf("%w: bad signature on %s packet from %s", types.ErrNotAuthorized, pkt.Type, pkt.From)
	}
	return nil
}
