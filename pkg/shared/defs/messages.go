package defs

import (
	"encoding/json"
	"fmt"
)

// MaxDatagram is the largest message the packet transport carries. Unix datagrams are
// delivered whole or not at all, so larger replies cannot be sent over that transport.
const MaxDatagram = 4 << 20

// ClientRequest is what a remote client sends over the socket
type ClientRequest struct {
	Type string            `json:"type"`
	Args []json.RawMessage `json:"args"`
}

// WorkerRequest is one request frame sent to a worker subprocess
type WorkerRequest struct {
	Type string            `json:"type"`
	Args []json.RawMessage `json:"args"`
	Id   string            `json:"id"`
}

// WorkerReply is the structured-channel reply. On failure Result holds a JSON string with
// the error detail.
type WorkerReply struct {
	Id      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

// Failure is what the client receives when its request could not be served
type Failure struct {
	Error   string `json:"error"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func EncodeReply(id string, result any, opErr error) ([]byte, error) {
	reply := WorkerReply{Id: id, Success: opErr == nil}
	var payload any = result
	if opErr != nil {
		payload = opErr.Error()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result for request %s: %w", id, err)
	}
	reply.Result = raw
	return json.Marshal(reply)
}

// FailureDetail extracts the plain-text error carried by an unsuccessful reply
func (r WorkerReply) FailureDetail() string {
	var msg string
	if err := json.Unmarshal(r.Result, &msg); err != nil {
		return string(r.Result)
	}
	return msg
}
