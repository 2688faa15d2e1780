package ucan

import (
	"fmt"
	"strings"

	"github.com/relves/groupsync/pkg/types"
)

// CapabilityInfo represents a validated capability
type CapabilityInfo struct {
	With string `json:"with"`
	Can  string `json:"can"`
}

// CapabilityAllows checks if a held capability grants the required capability.
func CapabilityAllows(held, required string) bool {
	// Wildcard grants everything
	if held == types.CapabilityAll {
		return true
	}

	if held == required {
		return true
	}

	// Hierarchical: group/admin allows group/admin/*
	return strings.HasPrefix(required, held+"/")
}

// ParseResourceGroup extracts the group chat ID from a resource URI.
func ParseResourceGroup(resource string) (types.GroupChatID, error) {
	const prefix = "group://"
	if !strings.HasPrefix(resource, prefix) {
		return 0, fmt.Errorf("invalid resource URI: %s", resource)
	}
	gid, err := types.ParseGroupChatID(strings.TrimPrefix(resource, prefix))
	if err != nil {
		return 0, fmt.Errorf("invalid resource URI %s: %w", resource, err)
	}
	return gid, nil
}
