package eventlog

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/formats/log"
	"golang.org/x/mod/sumdb/note"
)

// Signer signs group checkpoints in the signed note format (c2sp.org/signed-note).
// It satisfies note.Signer.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	name       string
}

var _ note.Signer = (*Signer)(nil)

// NewSigner creates a checkpoint signer from an Ed25519 private key.
func NewSigner(privateKey ed25519.PrivateKey, name string) (*Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(privateKey), ed25519.PrivateKeySize)
	}

	publicKey := privateKey.Public().(ed25519.PublicKey)
	if name == "" {
		name = fmt.Sprintf("groupsync-%x", publicKey[:4])
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
		name:       name,
	}, nil
}

// Name returns the key name written on signature lines.
func (s *Signer) Name() string {
	return s.name
}

// Sign creates an Ed25519 signature over msg.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, msg), nil
}

// KeyHash is SHA256(name + "\n" + 0x01 + public key)[:4].
func (s *Signer) KeyHash() uint32 {
	encoded := append([]byte{0x01}, s.publicKey...)
	h := sha256.Sum256([]byte(s.name + "\n" + string(encoded)))
	return binary.BigEndian.Uint32(h[:4])
}

// PublicKey returns the Ed25519 public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

// Verifier returns a note verifier for checkpoints signed by s.
func (s *Signer) Verifier() (note.Verifier, error) {
	vkey, err := note.NewEd25519VerifierKey(s.name, s.publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode verifier key: %w", err)
	}
	return note.NewVerifier(vkey)
}

// CheckpointBody formats the unsigned checkpoint text for a log state.
func CheckpointBody(origin string, height int64, root []byte) string {
	return string(log.Checkpoint{
		Origin: origin,
		Size:   uint64(height),
		Hash:   root,
	}.Marshal())
}

// Checkpoint returns a signed note committing to the log's current height and root.
func (l *Log) Checkpoint(origin string, s *Signer) ([]byte, error) {
	height, root, err := l.Head()
	if err != nil {
		return nil, err
	}
	signed, err := note.Sign(&note.Note{Text: CheckpointBody(origin, height, root)}, s)
	if err != nil {
		return nil, fmt.Errorf("failed to sign checkpoint: %w", err)
	}
	return signed, nil
}
