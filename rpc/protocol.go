package rpc

import (
	"encoding/json"
	"errors"

	"github.com/isdmx/gradebox/sandbox"
)

// Op names a remote sandbox operation
type Op string

// Supported operations
const (
	OpRun            Op = "run"
	OpCreate         Op = "create"
	OpStart          Op = "start"
	OpDestroy        Op = "destroy"
	OpWorkdirAcquire Op = "workdir_acquire"
	OpWorkdirRelease Op = "workdir_release"
)

// DefaultQueue is the request queue workers consume by default
const DefaultQueue = "gradebox:requests"

// Request is the envelope published on the request queue. ID doubles as the
// idempotency token: a worker executes each ID at most once.
type Request struct {
	ID      string          `json:"id"`
	Op      Op              `json:"op"`
	Args    json.RawMessage `json:"args,omitempty"`
	ReplyTo string          `json:"reply_to"`
}

// Reply is published on the request's reply destination
type Reply struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ReplyError     `json:"error,omitempty"`
}

// ReplyError carries a classified error across the wire
type ReplyError struct {
	Kind    sandbox.ErrorKind `json:"kind"`
	Message string            `json:"message"`
}

// ReplyKey is the reply destination of request id on queue
func ReplyKey(queue, id string) string {
	return queue + ":reply:" + id
}

type runArgs struct {
	Profile string                    `json:"profile"`
	Command string                    `json:"command"`
	Files   []sandbox.FileSpec        `json:"files,omitempty"`
	Limits  *sandbox.Limits           `json:"limits,omitempty"`
	Stdin   []byte                    `json:"stdin,omitempty"`
	Workdir *sandbox.WorkingDirectory `json:"workdir,omitempty"`
}

type createArgs struct {
	Profile string                    `json:"profile"`
	Files   []sandbox.FileSpec        `json:"files,omitempty"`
	Limits  *sandbox.Limits           `json:"limits,omitempty"`
	Workdir *sandbox.WorkingDirectory `json:"workdir,omitempty"`
}

type startArgs struct {
	Sandbox *sandbox.Sandbox `json:"sandbox"`
	Command string           `json:"command,omitempty"`
	Stdin   []byte           `json:"stdin,omitempty"`
}

type destroyArgs struct {
	Sandbox *sandbox.Sandbox `json:"sandbox"`
}

type workdirArgs struct {
	Workdir *sandbox.WorkingDirectory `json:"workdir"`
}

// newReply builds the reply to request id from an operation outcome
func newReply(id string, result any, err error) (Reply, error) {
	if err != nil {
		return Reply{ID: id, Error: replyError(err)}, nil
	}

	reply := Reply{ID: id, OK: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return Reply{}, err
		}
		reply.Result = data
	}
	return reply, nil
}

func replyError(err error) *ReplyError {
	var e *sandbox.Error
	if errors.As(err, &e) {
		return &ReplyError{Kind: e.Kind, Message: e.Message}
	}
	return &ReplyError{Kind: sandbox.KindInternal, Message: err.Error()}
}

// Err rebuilds the classified error
func (e *ReplyError) Err() error {
	if e == nil {
		return sandbox.NewError(sandbox.KindInternal, "failed reply without error")
	}
	kind := e.Kind
	if kind == "" {
		kind = sandbox.KindInternal
	}
	return &sandbox.Error{Kind: kind, Message: e.Message}
}
