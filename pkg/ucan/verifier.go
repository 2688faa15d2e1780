package ucan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relves/groupsync/pkg/types"
)

// GroupAuthority answers ownership and revocation questions for a group.
type GroupAuthority interface {
	Owner(ctx context.Context, gid types.GroupChatID) (types.PeerID, error)
	IsRevoked(ctx context.Context, gid types.GroupChatID, delegationCID string) (bool, error)
}

// JoinVerifier checks join proofs carried by LayerConnect.
type JoinVerifier struct {
	authority GroupAuthority
	logger    *slog.Logger
}

// NewJoinVerifier creates a verifier backed by authority.
func NewJoinVerifier(authority GroupAuthority, logger *slog.Logger) *JoinVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &JoinVerifier{authority: authority, logger: logger}
}

// Verify reports whether proof admits requester to gid. The group owner needs
// no proof. A nil error with false means the proof was rejected.
func (v *JoinVerifier) Verify(ctx context.Context, gid types.GroupChatID, proof []byte, requester types.PeerID) (bool, error) {
	owner, err := v.authority.Owner(ctx, gid)
	if err != nil {
		return false, err
	}
	if requester == owner {
		return true, nil
	}
	if len(proof) == 0 {
		v.logger.Info("join rejected", "groupID", uint64(gid), "requester", requester, "reason", "missing proof")
		return false, nil
	}

	dlg, err := ParseDelegation(string(proof))
	if err != nil {
		v.logger.Info("join rejected", "groupID", uint64(gid), "requester", requester, "error", err)
		return false, nil
	}

	if err := ValidateJoinDelegation(dlg, string(requester), string(owner), gid); err != nil {
		v.logger.Info("join rejected", "groupID", uint64(gid), "requester", requester, "error", err)
		return false, nil
	}

	for _, c := range ChainCIDs(dlg) {
		revoked, err := v.authority.IsRevoked(ctx, gid, c)
		if err != nil {
			return false, fmt.Errorf("failed to check revocation of %s: %w", c, err)
		}
		if revoked {
			v.logger.Info("join rejected", "groupID", uint64(gid), "requester", requester,
				"error", NewDelegationError(ErrCodeDelegationRevoked, c))
			return false, nil
		}
	}

	return true, nil
}
