package types

// LayerConnect is a join request: group id and join proof.
type LayerConnect struct {
	GroupID GroupChatID
	Proof   []byte
}

// LayerResult accepts a join: group id, group name and current height.
type LayerResult struct {
	GroupID GroupChatID
	Name    string
	Height  int64
}

// LayerReject reports a refused join or dispatch to the requesting peer.
type LayerReject struct {
	GroupID GroupChatID
	Code    string
	Message string
}

func (c LayerConnect) MarshalJSON() ([]byte, error) {
	proof := c.Proof
	if proof == nil {
		proof = []byte{}
	}
	return marshalTuple(c.GroupID, proof)
}

func (c *LayerConnect) UnmarshalJSON(data []byte) error {
	return unmarshalTuple(data, &c.GroupID, &c.Proof)
}

func (r LayerResult) MarshalJSON() ([]byte, error) {
	return marshalTuple(r.GroupID, r.Name, r.Height)
}

func (r *LayerResult) UnmarshalJSON(data []byte) error {
	return unmarshalTuple(data, &r.GroupID, &r.Name, &r.Height)
}

func (r LayerReject) MarshalJSON() ([]byte, error) {
	return marshalTuple(r.GroupID, r.Code, r.Message)
}

func (r *LayerReject) UnmarshalJSON(data []byte) error {
	return unmarshalTuple(data, &r.GroupID, &r.Code, &r.Message)
}

// Err converts the reject back into the matching error kind.
func (r LayerReject) Err() error {
	return ErrorFromCode(r.Code, r.Message)
}
