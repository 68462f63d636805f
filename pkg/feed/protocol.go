package feed

import (
	"encoding/json"
	"fmt"
)

const (
	CmdIndex = "index"
	CmdFetch = "fetch"
)

type Request struct {
	Cmd  string `json:"cmd"`
	Name string `json:"name,omitempty"`
}

type ResponseType string

const (
	TypeIndex ResponseType = "index"
	TypeBegin ResponseType = "begin"
	TypeEnd   ResponseType = "end"
	TypeError ResponseType = "error"
)

// Response is a text frame sent by the server. A begin response is
// followed by the archive bytes as binary frames, then an end response.
type Response struct {
	Type ResponseType `json:"type"`

	Patches []Entry `json:"patches,omitempty"`

	Name   string `json:"name,omitempty"`
	File   string `json:"file,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Digest string `json:"digest,omitempty"`

	Message string `json:"message,omitempty"`
}

func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if req.Cmd == "" {
		return nil, fmt.Errorf("missing cmd field")
	}
	return &req, nil
}

func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Type == "" {
		return nil, fmt.Errorf("missing type field")
	}
	return &resp, nil
}
