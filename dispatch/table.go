// Package dispatch maps method names to handlers and invokes them.
//
// Handlers are plain Go functions; the table adapts the call frame's params
// onto their parameters by reflection:
//
//	table.Register("GetValue", func(ctx context.Context, key string) (any, error) { ... })
//	table.Register("Message", func(d Diagnostic) { ... })
//	table.Register("ReadFile", func(name string) (string, error) { ... })
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
)

var (
	ErrInvalidHandler  = errors.New("dispatch: invalid handler")
	ErrDuplicateMethod = errors.New("dispatch: method already registered")
)

// RawHandler receives params undecoded. Its result is encoded as JSON, with
// nil sent as null.
type RawHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Table is the dispatch table of one or more connections. Registration is safe
// for concurrent use with itself and with lookups.
type Table struct {
	mu      sync.RWMutex
	methods map[string]*handler
}

func NewTable() *Table {
	return &Table{methods: make(map[string]*handler)}
}

// Register adds a handler for name. fn must be a function of the shape
//
//	func([context.Context,] [A1, ..., An]) ([R,] [error])
//
// Variadic functions are rejected. See codec.BindArgs for how params bind to
// A1..An. A returned *message.Error is sent to the peer as is; any other error
// is sent as InternalError.
func (t *Table) Register(name string, fn any) error {
	h, err := newHandler(name, fn)
	if err != nil {
		return err
	}
	return t.add(h)
}

// RegisterRaw adds a handler that decodes its own params.
func (t *Table) RegisterRaw(name string, fn RawHandler) error {
	if fn == nil {
		return fmt.Errorf("%w: %s: nil function", ErrInvalidHandler, name)
	}
	return t.add(&handler{name: name, raw: fn})
}

func (t *Table) add(h *handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.methods[h.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, h.name)
	}
	t.methods[h.name] = h
	return nil
}

// Has reports whether name is registered.
func (t *Table) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.methods[name]
	return ok
}

// Methods returns the registered method names in sorted order.
func (t *Table) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.methods))
	for name := range t.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the handler for name and returns its encoded result. Lookup and
// binding failures are returned as *message.Error (MethodNotFound,
// InvalidParams); handler errors are returned unchanged.
func (t *Table) Invoke(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	t.mu.RLock()
	h, ok := t.methods[name]
	t.mu.RUnlock()

	if !ok {
		return nil, message.NewError(message.MethodNotFound, "method not found: %s", name)
	}
	return h.call(ctx, params)
}

// Handler returns the innermost middleware.HandlerFunc for this table. Panics
// inside a handler are recovered here and turned into InternalError replies,
// since middlewares such as Timeout run the handler on its own goroutine.
func (t *Table) Handler() middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Message) (reply *message.Message) {
		defer func() {
			if r := recover(); r != nil {
				reply = message.NewErrorReply(req.ID, message.NewError(message.InternalError, "%s: panic: %v", req.Method, r))
			}
		}()

		result, err := t.Invoke(ctx, req.Method, req.Params)
		if err != nil {
			return message.NewErrorReply(req.ID, message.AsError(err))
		}
		return message.NewResult(req.ID, result)
	}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type handler struct {
	name string
	raw  RawHandler

	fn        reflect.Value
	withCtx   bool
	args      []reflect.Type
	hasResult bool
	hasErr    bool
}

func newHandler(name string, fn any) (*handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: %s: nil function", ErrInvalidHandler, name)
	}
	typ := reflect.TypeOf(fn)
	if typ.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %s: want a function, got %s", ErrInvalidHandler, name, typ.Kind())
	}
	if typ.IsVariadic() {
		return nil, fmt.Errorf("%w: %s: variadic functions are not supported", ErrInvalidHandler, name)
	}

	h := &handler{name: name, fn: reflect.ValueOf(fn)}

	first := 0
	if typ.NumIn() > 0 && typ.In(0) == contextType {
		h.withCtx = true
		first = 1
	}
	for i := first; i < typ.NumIn(); i++ {
		h.args = append(h.args, typ.In(i))
	}

	switch typ.NumOut() {
	case 0:
	case 1:
		if typ.Out(0) == errorType {
			h.hasErr = true
		} else {
			h.hasResult = true
		}
	case 2:
		if typ.Out(1) != errorType {
			return nil, fmt.Errorf("%w: %s: second result must be error, got %s", ErrInvalidHandler, name, typ.Out(1))
		}
		h.hasResult = true
		h.hasErr = true
	default:
		return nil, fmt.Errorf("%w: %s: at most two results allowed, got %d", ErrInvalidHandler, name, typ.NumOut())
	}
	return h, nil
}

func (h *handler) call(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if h.raw != nil {
		v, err := h.raw(ctx, params)
		if err != nil {
			return nil, err
		}
		return codec.EncodeResult(v)
	}

	args, err := codec.BindArgs(params, h.args)
	if err != nil {
		return nil, message.NewError(message.InvalidParams, "%s: %v", h.name, err)
	}

	in := make([]reflect.Value, 0, len(args)+1)
	if h.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)
	out := h.fn.Call(in)

	if h.hasErr {
		if errV := out[len(out)-1]; !errV.IsNil() {
			return nil, errV.Interface().(error)
		}
	}
	var result any
	if h.hasResult {
		result = out[0].Interface()
	}
	return codec.EncodeResult(result)
}
