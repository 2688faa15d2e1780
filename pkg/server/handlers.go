package server

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/storacha/go-ucanto/core/delegation"

	"github.com/relves/groupsync/pkg/eventlog"
	"github.com/relves/groupsync/pkg/group"
	"github.com/relves/groupsync/pkg/types"
	"github.com/relves/groupsync/pkg/ucan"
)

// HandleHealth handles GET /healthz.
func (h *HTTPHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Health != nil {
		if err := h.cfg.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "peer": string(h.d.Self())})
}

// CreateGroupRequest is the body of POST /groups.
type CreateGroupRequest struct {
	GroupID types.GroupChatID `json:"group_id"`
	Name    string            `json:"name"`
	Avatar  []byte            `json:"avatar,omitempty"`
}

// HandleCreateGroup handles POST /groups.
func (h *HTTPHandler) HandleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.GroupID == 0 {
		badRequest(w, "group_id is required")
		return
	}

	sess, err := h.d.CreateGroup(r.Context(), req.GroupID, req.Name, req.Avatar)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	head, err := headOf(sess)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, head)
}

// HeadResponse is the response for GET /groups/{groupID}/head.
type HeadResponse struct {
	GroupID types.GroupChatID `json:"group_id"`
	Name    string            `json:"name"`
	State   group.State       `json:"state"`
	Owner   types.PeerID      `json:"owner"`
	Height  int64             `json:"height"`
	Root    string            `json:"root"`
	Peers   []group.Peer      `json:"peers"`
}

func headOf(sess *group.Session) (HeadResponse, error) {
	height, root, err := sess.Log().Head()
	if err != nil {
		return HeadResponse{}, err
	}
	return HeadResponse{
		GroupID: sess.ID(),
		Name:    sess.Name(),
		State:   sess.State(),
		Owner:   sess.Owner(),
		Height:  height,
		Root:    hex.EncodeToString(root),
		Peers:   sess.Peers(),
	}, nil
}

// HandleGetHead handles GET /groups/{groupID}/head.
func (h *HTTPHandler) HandleGetHead(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	head, err := headOf(sess)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

// HandleCheckpoint handles GET /groups/{groupID}/checkpoint.
func (h *HTTPHandler) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	origin := fmt.Sprintf("%s/%s", h.cfg.Origin, sess.ID())
	note, err := sess.Log().Checkpoint(origin, h.cfg.Checkpoints)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(note)
}

// MemberResponse is one entry of GET /groups/{groupID}/members.
type MemberResponse struct {
	ID          types.PeerID `json:"id"`
	Name        string       `json:"name"`
	Avatar      []byte       `json:"avatar,omitempty"`
	Addr        string       `json:"addr,omitempty"`
	JoinHeight  int64        `json:"join_height"`
	LeaveHeight int64        `json:"leave_height,omitempty"`
	Active      bool         `json:"active"`
	Online      bool         `json:"online"`
}

// HandleGetMembers handles GET /groups/{groupID}/members. Pass ?all=true to
// include members that left.
func (h *HTTPHandler) HandleGetMembers(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	members, err := sess.Log().Members(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	all := r.URL.Query().Get("all") == "true"

	out := make([]MemberResponse, 0, len(members))
	for _, m := range members {
		if m.JoinHeight == 0 || (!all && !m.Active()) {
			continue
		}
		out = append(out, memberResponse(m, sess.Presence().IsOnline(m.ID)))
	}
	writeJSON(w, http.StatusOK, out)
}

func memberResponse(m eventlog.Member, online bool) MemberResponse {
	return MemberResponse{
		ID:          m.ID,
		Name:        m.Name,
		Avatar:      m.Avatar,
		Addr:        m.Addr,
		JoinHeight:  m.JoinHeight,
		LeaveHeight: m.LeaveHeight,
		Active:      m.Active(),
		Online:      online,
	}
}

// HandleGetOnline handles GET /groups/{groupID}/online.
func (h *HTTPHandler) HandleGetOnline(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": sess.Presence().OnlineMembers()})
}

// EventResponse is one entry of GET /groups/{groupID}/events.
type EventResponse struct {
	Height int64       `json:"height"`
	Event  types.Event `json:"event"`
}

// HandleGetEvents handles GET /groups/{groupID}/events?from=&to=. Both bounds
// are inclusive; to defaults to the current height.
func (h *HTTPHandler) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	from, ok := queryHeight(w, r, "from", 1)
	if !ok {
		return
	}
	to, ok := queryHeight(w, r, "to", sess.Log().CurrentHeight())
	if !ok {
		return
	}

	entries, err := sess.Log().ReadRange(r.Context(), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]EventResponse, len(entries))
	for i, e := range entries {
		out[i] = EventResponse{Height: e.Height, Event: e.Event}
	}
	writeJSON(w, http.StatusOK, out)
}

func queryHeight(w http.ResponseWriter, r *http.Request, key string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		badRequest(w, "invalid %s %q", key, raw)
		return 0, false
	}
	return v, true
}

// HeightResponse reports the height assigned to a new event.
type HeightResponse struct {
	Height int64 `json:"height"`
}

// HandlePostMessage handles POST /groups/{groupID}/messages. The body is a
// NetworkMessage.
func (h *HTTPHandler) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	gid, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	var msg types.NetworkMessage
	if !decodeBody(w, r, &msg) {
		return
	}
	if msg.Type == "" {
		msg.Type = types.MessageText
	}

	height, err := h.d.Post(r.Context(), gid, msg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, HeightResponse{Height: height})
}

// AddMemberRequest is the body of POST /groups/{groupID}/members.
type AddMemberRequest struct {
	Member types.PeerID `json:"member"`
	Name   string       `json:"name"`
	Avatar []byte       `json:"avatar,omitempty"`
	Addr   string       `json:"addr,omitempty"`
}

// HandleAddMember handles POST /groups/{groupID}/members.
func (h *HTTPHandler) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	gid, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	var req AddMemberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Member == "" {
		badRequest(w, "member is required")
		return
	}

	height, err := h.d.AddMember(r.Context(), gid, req.Member, req.Name, req.Avatar, req.Addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, HeightResponse{Height: height})
}

// HandleRemoveMember handles DELETE /groups/{groupID}/members/{memberID}.
func (h *HTTPHandler) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	gid, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	height, err := h.d.RemoveMember(r.Context(), gid, types.PeerID(r.PathValue("memberID")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HeightResponse{Height: height})
}

// JoinRequest is the body of POST /groups/{groupID}/join.
type JoinRequest struct {
	Host  types.PeerID `json:"host"`
	Proof string       `json:"proof"`
}

// HandleJoin handles POST /groups/{groupID}/join. The handshake completes
// asynchronously; poll /head for the result.
func (h *HTTPHandler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	gid, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	var req JoinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Host == "" {
		badRequest(w, "host is required")
		return
	}

	if err := h.d.Join(r.Context(), gid, req.Host, []byte(req.Proof)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"group_id": gid, "host": req.Host})
}

// StateRequest is the body of POST /groups/{groupID}/state.
type StateRequest struct {
	State string `json:"state"`
}

// HandleSetState handles POST /groups/{groupID}/state.
func (h *HTTPHandler) HandleSetState(w http.ResponseWriter, r *http.Request) {
	gid, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	var req StateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := group.ParseState(req.State)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}

	if err := h.d.SetState(r.Context(), gid, st); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateRequest{State: string(st)})
}

// RenameRequest is the body of PUT /groups/{groupID}/name.
type RenameRequest struct {
	Name string `json:"name"`
}

// HandleRename handles PUT /groups/{groupID}/name.
func (h *HTTPHandler) HandleRename(w http.ResponseWriter, r *http.Request) {
	gid, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	var req RenameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.d.Rename(r.Context(), gid, req.Name); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// HandleResync handles POST /groups/{groupID}/resync.
func (h *HTTPHandler) HandleResync(w http.ResponseWriter, r *http.Request) {
	gid, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	if err := h.d.Resync(r.Context(), gid); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// InviteRequest is the body of POST /groups/{groupID}/invites.
type InviteRequest struct {
	Audience types.PeerID `json:"audience"`
	// TTL is a Go duration; empty issues a proof without expiry.
	TTL string `json:"ttl,omitempty"`
	// Admin grants group/* so the audience may invite others.
	Admin bool `json:"admin,omitempty"`
	// Proof is the delegation that authorizes a non-owner to invite.
	Proof string `json:"proof,omitempty"`
}

// InviteResponse carries an encoded join proof.
type InviteResponse struct {
	Delegation string              `json:"delegation"`
	Info       ucan.DelegationInfo `json:"info"`
}

// HandleInvite handles POST /groups/{groupID}/invites.
func (h *HTTPHandler) HandleInvite(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req InviteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Audience == "" {
		badRequest(w, "audience is required")
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			badRequest(w, "invalid ttl %q", req.TTL)
			return
		}
		ttl = d
	}

	var proofs []delegation.Delegation
	if req.Proof != "" {
		p, err := ucan.ParseDelegation(req.Proof)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		proofs = append(proofs, p)
	} else if h.cfg.Issuer.DID() != string(sess.Owner()) {
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error: "only the group owner may invite without a proof",
			Code:  types.CodeNotAuthorized,
		})
		return
	}

	issue := h.cfg.Issuer.IssueJoin
	if req.Admin {
		issue = h.cfg.Issuer.IssueAll
	}
	dlg, err := issue(string(req.Audience), sess.ID(), ttl, proofs...)
	if err != nil {
		badRequest(w, "failed to issue delegation: %v", err)
		return
	}
	encoded, err := ucan.FormatDelegation(dlg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("issued invite", "groupID", uint64(sess.ID()), "audience", req.Audience, "cid", dlg.Link().String())
	writeJSON(w, http.StatusCreated, InviteResponse{Delegation: encoded, Info: ucan.GetDelegationInfo(dlg)})
}

// RevokeRequest is the body of POST /groups/{groupID}/revocations.
type RevokeRequest struct {
	Delegation string `json:"delegation"`
}

// HandleRevoke handles POST /groups/{groupID}/revocations. This node must have
// issued the delegation or one of its proofs.
func (h *HTTPHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req RevokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dlg, err := ucan.ParseDelegation(req.Delegation)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := ucan.ValidateRevocationAuthority(h.cfg.Issuer.DID(), dlg); err != nil {
		h.writeError(w, r, err)
		return
	}

	cid := dlg.Link().String()
	if err := h.d.Registry().Revoke(r.Context(), sess.ID(), cid); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"revoked": cid})
}

func (h *HTTPHandler) session(w http.ResponseWriter, r *http.Request) (*group.Session, bool) {
	gid, ok := pathGroupID(w, r)
	if !ok {
		return nil, false
	}
	sess, err := h.d.Registry().Get(r.Context(), gid)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return sess, true
}
