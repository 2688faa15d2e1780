package ucan

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/storacha/go-ucanto/core/delegation"
	"github.com/storacha/go-ucanto/did"
	"github.com/storacha/go-ucanto/principal"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/storacha/go-ucanto/ucan"

	"github.com/relves/groupsync/pkg/types"
)

// Issuer creates and signs group delegations with the node's key.
type Issuer struct {
	signer principal.Signer
}

// NewIssuer creates an issuer from a raw Ed25519 private key.
func NewIssuer(privateKey ed25519.PrivateKey) (*Issuer, error) {
	edSigner, err := signer.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create ed25519 signer: %w", err)
	}
	return &Issuer{signer: edSigner}, nil
}

// NewIssuerFromSigner wraps an existing signer.
func NewIssuerFromSigner(s principal.Signer) *Issuer {
	return &Issuer{signer: s}
}

// DID returns the issuer's DID.
func (i *Issuer) DID() string {
	return i.signer.DID().String()
}

// Signer returns the underlying signer.
func (i *Issuer) Signer() principal.Signer {
	return i.signer
}

// IssueJoin grants audienceDID the right to join group gid. Proofs are needed
// when the issuer is not the group owner.
func (i *Issuer) IssueJoin(
	audienceDID string,
	gid types.GroupChatID,
	ttl time.Duration,
	proofs ...delegation.Delegation,
) (delegation.Delegation, error) {
	return i.Issue(audienceDID, []CapabilityInfo{{
		With: types.ResourceURI(gid),
		Can:  types.CapabilityJoin,
	}}, ttl, proofs...)
}

// IssueAll grants audienceDID every group capability on gid, including the
// right to invite others.
func (i *Issuer) IssueAll(
	audienceDID string,
	gid types.GroupChatID,
	ttl time.Duration,
	proofs ...delegation.Delegation,
) (delegation.Delegation, error) {
	return i.Issue(audienceDID, []CapabilityInfo{{
		With: types.ResourceURI(gid),
		Can:  types.CapabilityAll,
	}}, ttl, proofs...)
}

// Issue creates a delegation with specific capabilities. A zero ttl issues a
// delegation without expiry.
func (i *Issuer) Issue(
	audienceDID string,
	capabilities []CapabilityInfo,
	ttl time.Duration,
	parentProofs ...delegation.Delegation,
) (delegation.Delegation, error) {
	audience, err := did.Parse(audienceDID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse audience DID: %w", err)
	}

	caps := make([]ucan.Capability[ucan.NoCaveats], len(capabilities))
	for j, cap := range capabilities {
		caps[j] = ucan.NewCapability(
			ucan.Ability(cap.Can),
			ucan.Resource(cap.With),
			ucan.NoCaveats{},
		)
	}

	proofs := make([]delegation.Proof, len(parentProofs))
	for j, proof := range parentProofs {
		proofs[j] = delegation.FromDelegation(proof)
	}

	opts := []delegation.Option{delegation.WithProof(proofs...)}
	if ttl > 0 {
		exp := ucan.UTCUnixTimestamp(time.Now().Add(ttl).Unix())
		opts = append(opts, delegation.WithExpiration(int(exp)))
	} else {
		opts = append(opts, delegation.WithNoExpiration())
	}

	dlg, err := delegation.Delegate(i.signer, audience, caps, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create delegation: %w", err)
	}
	return dlg, nil
}
