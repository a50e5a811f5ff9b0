package rpc

import (
	"context"
	"encoding/json"
)

// Caller sends an encoded message to the process with id to, returns the encoded response
type Caller interface {
	Call(ctx context.Context, to string, input []byte) ([]byte, error)
}

func zeroPtr[T any]() *T {
	var v T
	return &v
}

// Call sends a typed request from the process with id from
func Call[Req any, Res any](
	ctx context.Context, caller Caller,
	from string, to string, cmd string, req *Req,
) (res *Res, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	msg := message{
		Cmd:  cmd,
		From: from,
		Body: body,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	b, err = caller.Call(ctx, to, b)
	if err != nil {
		return nil, err
	}

	res = zeroPtr[Res]()
	if err := json.Unmarshal(b, res); err != nil {
		return nil, err
	}
	return res, nil
}
