// Package ucan validates and issues the UCAN delegations that prove a peer may
// join a group.
package ucan

import (
	"fmt"
	"time"

	"github.com/storacha/go-ucanto/core/dag/blockstore"
	"github.com/storacha/go-ucanto/core/delegation"
	"github.com/storacha/go-ucanto/principal/ed25519/verifier"
	"github.com/storacha/go-ucanto/validator"

	"github.com/relves/groupsync/pkg/types"
)

// DelegationError represents an error with delegation validation.
type DelegationError struct {
	Code    string
	Message string
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets callers match any delegation failure against types.ErrInvalidProof.
func (e *DelegationError) Unwrap() error {
	return types.ErrInvalidProof
}

// NewDelegationError creates a new delegation error.
func NewDelegationError(code, message string) *DelegationError {
	return &DelegationError{Code: code, Message: message}
}

// Error codes for delegation validation
const (
	ErrCodeDelegationExpired           = "DELEGATION_EXPIRED"
	ErrCodeDelegationNotYetValid       = "DELEGATION_NOT_YET_VALID"
	ErrCodeDelegationWrongAudience     = "DELEGATION_WRONG_AUDIENCE"
	ErrCodeDelegationMissingCapability = "DELEGATION_MISSING_CAPABILITY"
	ErrCodeDelegationParseError        = "DELEGATION_PARSE_ERROR"
	ErrCodeDelegationNoAuthority       = "DELEGATION_NO_AUTHORITY"
	ErrCodeDelegationBadSignature      = "DELEGATION_BAD_SIGNATURE"
	ErrCodeDelegationRevoked           = "DELEGATION_REVOKED"
	ErrCodeRevocationNotAuthorized     = "REVOCATION_NOT_AUTHORIZED"
)

// ParseDelegation parses a base64-encoded UCAN delegation.
func ParseDelegation(encoded string) (delegation.Delegation, error) {
	dlg, err := delegation.Parse(encoded)
	if err != nil {
		return nil, NewDelegationError(ErrCodeDelegationParseError,
			fmt.Sprintf("failed to parse delegation: %v", err))
	}
	return dlg, nil
}

// FormatDelegation encodes a delegation to base64 string.
func FormatDelegation(dlg delegation.Delegation) (string, error) {
	return delegation.Format(dlg)
}

// ValidateJoinDelegation checks that dlg lets requesterDID join group gid
// owned by ownerDID.
func ValidateJoinDelegation(dlg delegation.Delegation, requesterDID, ownerDID string, gid types.GroupChatID) error {
	audience := dlg.Audience().DID().String()
	if audience != requesterDID {
		return NewDelegationError(ErrCodeDelegationWrongAudience,
			fmt.Sprintf("delegation audience is %s, expected requester %s", audience, requesterDID))
	}

	if err := validateLink(dlg, gid, types.CapabilityJoin, time.Now()); err != nil {
		return err
	}

	return ValidateProofChain(dlg, ownerDID, gid)
}

// validateLink checks a single delegation: it must be within its time bounds,
// grant ability on gid and carry a valid signature from its issuer.
func validateLink(dlg delegation.Delegation, gid types.GroupChatID, ability string, now time.Time) error {
	if err := validateTimeBounds(dlg, now); err != nil {
		return err
	}
	if !grants(dlg, gid, ability) {
		return NewDelegationError(ErrCodeDelegationMissingCapability,
			fmt.Sprintf("delegation %s does not grant %s on %s", dlg.Link(), ability, types.ResourceURI(gid)))
	}
	return verifySignature(dlg)
}

func validateTimeBounds(dlg delegation.Delegation, now time.Time) error {
	if exp := dlg.Expiration(); exp != nil {
		expTime := time.Unix(int64(*exp), 0)
		if now.After(expTime) {
			return NewDelegationError(ErrCodeDelegationExpired,
				fmt.Sprintf("delegation expired at %s", expTime))
		}
	}
	if nbf := dlg.NotBefore(); nbf != 0 {
		nbfTime := time.Unix(int64(nbf), 0)
		if now.Before(nbfTime) {
			return NewDelegationError(ErrCodeDelegationNotYetValid,
				fmt.Sprintf("delegation not valid before %s", nbfTime))
		}
	}
	return nil
}

// grants reports whether dlg holds a capability on group gid that covers ability.
func grants(dlg delegation.Delegation, gid types.GroupChatID, ability string) bool {
	for _, cap := range dlg.Capabilities() {
		resGroup, err := ParseResourceGroup(cap.With())
		if err != nil || resGroup != gid {
			continue
		}
		if CapabilityAllows(cap.Can(), ability) {
			return true
		}
	}
	return false
}

// verifySignature checks dlg against the public key named by its issuer DID.
// Only did:key issuers can be verified offline.
func verifySignature(dlg delegation.Delegation) error {
	issuer := dlg.Issuer().DID().String()
	vfr, err := verifier.Parse(issuer)
	if err != nil {
		return NewDelegationError(ErrCodeDelegationBadSignature,
			fmt.Sprintf("cannot verify issuer %s: %v", issuer, err))
	}
	if _, bad := validator.VerifySignature(dlg, vfr); bad != nil {
		return NewDelegationError(ErrCodeDelegationBadSignature, bad.Error())
	}
	return nil
}

// ValidateProofChain validates that the delegation traces back to the group
// owner, either directly or through its proofs. Every proof on the path must
// be signed by its issuer and grant group/* on gid.
func ValidateProofChain(dlg delegation.Delegation, ownerDID string, gid types.GroupChatID) error {
	issuerDID := dlg.Issuer().DID().String()
	if issuerDID == ownerDID {
		return nil
	}

	if hasAuthorityFrom(dlg, ownerDID, gid, time.Now()) {
		return nil
	}

	return NewDelegationError(ErrCodeDelegationNoAuthority,
		fmt.Sprintf("delegation issuer %s has no authority on %s from group owner %s",
			issuerDID, types.ResourceURI(gid), ownerDID))
}

// hasAuthorityFrom checks if the delegation has a valid proof chain back to ownerDID.
func hasAuthorityFrom(dlg delegation.Delegation, ownerDID string, gid types.GroupChatID, now time.Time) bool {
	for _, proofDlg := range resolveProofs(dlg) {
		// The proof must grant authority to this delegation's issuer.
		if proofDlg.Audience().DID().String() != dlg.Issuer().DID().String() {
			continue
		}
		if validateLink(proofDlg, gid, types.CapabilityAll, now) != nil {
			continue
		}
		if proofDlg.Issuer().DID().String() == ownerDID {
			return true
		}
		if hasAuthorityFrom(proofDlg, ownerDID, gid, now) {
			return true
		}
	}
	return false
}

// resolveProofs returns the proofs of dlg that are embedded in its blocks.
func resolveProofs(dlg delegation.Delegation) []delegation.Delegation {
	proofLinks := dlg.Proofs()
	if len(proofLinks) == 0 {
		return nil
	}

	bs, err := blockstore.NewBlockReader(blockstore.WithBlocksIterator(dlg.Blocks()))
	if err != nil {
		return nil
	}

	var out []delegation.Delegation
	for _, proof := range delegation.NewProofsView(proofLinks, bs) {
		if proofDlg, ok := proof.Delegation(); ok {
			out = append(out, proofDlg)
		}
	}
	return out
}

// ChainCIDs returns the CID of dlg followed by the CIDs of every embedded proof.
func ChainCIDs(dlg delegation.Delegation) []string {
	cids := []string{dlg.Link().String()}
	for _, proofDlg := range resolveProofs(dlg) {
		cids = append(cids, ChainCIDs(proofDlg)...)
	}
	return cids
}

// ValidateRevocationAuthority checks if revokerDID has authority to revoke the delegation.
// A principal can revoke a delegation it issued, or one that depends on a proof it issued.
func ValidateRevocationAuthority(revokerDID string, dlgToRevoke delegation.Delegation) error {
	if dlgToRevoke.Issuer().DID().String() == revokerDID {
		return nil
	}

	if isUpstreamAuthority(revokerDID, dlgToRevoke) {
		return nil
	}

	return NewDelegationError(ErrCodeRevocationNotAuthorized,
		fmt.Sprintf("principal %s is not authorized to revoke delegation issued by %s",
			revokerDID, dlgToRevoke.Issuer().DID().String()))
}

// isUpstreamAuthority checks if revokerDID issued any delegation in the proof chain.
func isUpstreamAuthority(revokerDID string, dlg delegation.Delegation) bool {
	for _, proofDlg := range resolveProofs(dlg) {
		if proofDlg.Issuer().DID().String() == revokerDID {
			return true
		}
		if isUpstreamAuthority(revokerDID, proofDlg) {
			return true
		}
	}
	return false
}

// ExtractDelegationCapabilities extracts capabilities from a delegation for debugging.
func ExtractDelegationCapabilities(dlg delegation.Delegation) []CapabilityInfo {
	caps := dlg.Capabilities()
	result := make([]CapabilityInfo, len(caps))
	for i, cap := range caps {
		result[i] = CapabilityInfo{
			Can:  cap.Can(),
			With: cap.With(),
		}
	}
	return result
}

// DelegationInfo contains information about a delegation for logging/debugging.
type DelegationInfo struct {
	CID          string           `json:"cid"`
	Issuer       string           `json:"issuer"`
	Audience     string           `json:"audience"`
	Capabilities []CapabilityInfo `json:"capabilities"`
	Expiration   *time.Time       `json:"expiration,omitempty"`
}

// GetDelegationInfo extracts information from a delegation for logging.
func GetDelegationInfo(dlg delegation.Delegation) DelegationInfo {
	info := DelegationInfo{
		CID:          dlg.Link().String(),
		Issuer:       dlg.Issuer().DID().String(),
		Audience:     dlg.Audience().DID().String(),
		Capabilities: ExtractDelegationCapabilities(dlg),
	}

	if exp := dlg.Expiration(); exp != nil {
		t := time.Unix(int64(*exp), 0)
		info.Expiration = &t
	}

	return info
}
