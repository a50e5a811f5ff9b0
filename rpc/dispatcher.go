package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

var (
	ErrUnknownCommand = errors.New("rpc: unknown command")
	ErrPlayDead       = errors.New("rpc: play dead")
	ErrUnreachable    = errors.New("rpc: unreachable")
)

type Dispatcher interface {
	// Register adds a handler of the form func(context.Context, *Req) (*Res, error)
	Register(name string, h any) Dispatcher

	Handle(ctx context.Context, input []byte) (output []byte, err error)
}

// NewDispatcher creates a dispatcher, playDead is checked with the caller of every message.
// When it returns true the message is refused with ErrPlayDead.
func NewDispatcher(playDead func(from string) bool) Dispatcher {
	if playDead == nil {
		playDead = func(string) bool { return false }
	}
	return &dispatcher{
		playDead:   playDead,
		handlerMap: make(map[string]handler),
	}
}

type message struct {
	Cmd  string          `json:"cmd"`
	From string          `json:"from"`
	Body json.RawMessage `json:"body"`
}

type handler struct {
	handlerFunc reflect.Value
	argType     reflect.Type
}

type dispatcher struct {
	playDead func(from string) bool

	mut        sync.RWMutex
	handlerMap map[string]handler
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

func (d *dispatcher) Register(name string, h any) Dispatcher {
	handlerFunc := reflect.ValueOf(h)
	handlerFuncType := handlerFunc.Type()
	if handlerFuncType.Kind() != reflect.Func || handlerFuncType.NumIn() != 2 || handlerFuncType.NumOut() != 2 {
		panic("handler must be of form func(context.Context, *SomeRequest) (*SomeResponse, error)")
	}
	if handlerFuncType.In(0) != contextType || handlerFuncType.Out(1) != errorType {
		panic("handler must take a context and return an error")
	}
	argType := handlerFuncType.In(1)
	if argType.Kind() != reflect.Ptr || handlerFuncType.Out(0).Kind() != reflect.Ptr {
		panic("handler arguments and return type must be pointers")
	}

	d.mut.Lock()
	defer d.mut.Unlock()

	d.handlerMap[name] = handler{
		handlerFunc: handlerFunc,
		argType:     argType,
	}
	return d
}

func (d *dispatcher) Handle(ctx context.Context, input []byte) (output []byte, err error) {
	msg := message{}
	if err := json.Unmarshal(input, &msg); err != nil {
		return nil, err
	}

	if d.playDead(msg.From) {
		return nil, ErrPlayDead
	}

	d.mut.RLock()
	h, ok := d.handlerMap[msg.Cmd]
	d.mut.RUnlock()
	if !ok {
		return nil, fmt.Errorf("command '%s': %w", msg.Cmd, ErrUnknownCommand)
	}

	argPtr := reflect.New(h.argType.Elem()).Interface()
	if err := json.Unmarshal(msg.Body, argPtr); err != nil {
		return nil, err
	}

	ctx = WithFrom(ctx, msg.From)
	results := h.handlerFunc.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(argPtr)})
	if errVal := results[1].Interface(); errVal != nil {
		return nil, errVal.(error)
	}

	return json.Marshal(results[0].Interface())
}

// ================================================================
// Caller Identity
// ================================================================

type fromKey struct{}

func WithFrom(ctx context.Context, from string) context.Context {
	return context.WithValue(ctx, fromKey{}, from)
}

// FromContext returns the id of the process that sent the message being handled
func FromContext(ctx context.Context) string {
	from, _ := ctx.Value(fromKey{}).(string)
	return from
}

// ================================================================
// Error Codes
// ================================================================

var knownErrors = []error{ErrUnknownCommand, ErrPlayDead, ErrUnreachable}

// errorFromText restores the sentinel errors after crossing the network
func errorFromText(text string) error {
	for _, known := range knownErrors {
		if text == known.Error() {
			return known
		}
	}
	for _, known := range knownErrors {
		if prefix, ok := strings.CutSuffix(text, ": "+known.Error()); ok {
			return fmt.Errorf("%s: %w", prefix, known)
		}
	}
	return errors.New(text)
}
