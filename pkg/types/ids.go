// Package types defines the group chat wire contract shared by every peer.
package types

import (
	"strconv"
	"strings"
)

// AppGroupID is the application channel that carries group chat traffic.
const AppGroupID uint64 = 2

// GroupChatID identifies one group chat for its whole lifetime.
type GroupChatID uint64

func (g GroupChatID) String() string {
	return strconv.FormatUint(uint64(g), 10)
}

// ParseGroupChatID parses the decimal form produced by String.
func ParseGroupChatID(s string) (GroupChatID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return GroupChatID(v), nil
}

// PeerID is a peer identity, a DID such as did:key:z6Mk...
type PeerID string

func (p PeerID) String() string {
	return string(p)
}

// ResourceURI returns the UCAN resource naming a group.
func ResourceURI(gid GroupChatID) string {
	return "group://" + gid.String()
}

// Capability constants for group authorization.
const (
	CapabilityAll  = "group/*"
	CapabilityJoin = "group/join"
)
