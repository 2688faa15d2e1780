// Package handshake admits peers that connect to a hosted group.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relves/groupsync/pkg/types"
)

// ProofVerifier decides whether a join proof admits requester to a group.
type ProofVerifier interface {
	Verify(ctx context.Context, gid types.GroupChatID, proof []byte, requester types.PeerID) (bool, error)
}

// Target is the group session a connect request is resolved to.
type Target interface {
	// Snapshot returns the group name and current height, read under the
	// group's log guard.
	Snapshot() (name string, height int64)
	// Admit registers requester as a connected peer reachable at addr.
	Admit(ctx context.Context, requester types.PeerID, addr string) error
}

// Resolver finds the session for a group. It fails with types.ErrUnknownGroup
// or types.ErrGroupClosed.
type Resolver interface {
	Lookup(ctx context.Context, gid types.GroupChatID) (Target, error)
}

// Handler answers LayerConnect requests.
type Handler struct {
	resolver Resolver
	verifier ProofVerifier
	logger   *slog.Logger
}

// New creates a Handler.
func New(resolver Resolver, verifier ProofVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{resolver: resolver, verifier: verifier, logger: logger}
}

// HandleConnect verifies a join request and returns the sync baseline for the
// requester. A rejected request leaves no state behind.
func (h *Handler) HandleConnect(ctx context.Context, requester types.PeerID, addr string, req types.LayerConnect) (types.LayerResult, error) {
	target, err := h.resolver.Lookup(ctx, req.GroupID)
	if err != nil {
		return types.LayerResult{}, err
	}

	ok, err := h.verifier.Verify(ctx, req.GroupID, req.Proof, requester)
	if err != nil {
		if errors.Is(err, types.ErrInvalidProof) {
			return types.LayerResult{}, err
		}
		return types.LayerResult{}, fmt.Errorf("failed to verify join proof: %w", err)
	}
	if !ok {
		return types.LayerResult{}, fmt.Errorf("%w: %s may not join group %s", types.ErrInvalidProof, requester, req.GroupID)
	}

	name, height := target.Snapshot()
	if err := target.Admit(ctx, requester, addr); err != nil {
		return types.LayerResult{}, err
	}

	h.logger.Info("peer connected", "groupID", uint64(req.GroupID), "peer", requester, "height", height)
	return types.LayerResult{GroupID: req.GroupID, Name: name, Height: height}, nil
}
