package sessions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/relayrpc/relay/jsonrpc"
)

// Request is an inbound request as seen by a handler.
type Request struct {
	ID     *jsonrpc.RequestID
	Method string
	Params json.RawMessage
}

// HandlerFunc processes one inbound request and returns its result. Returning
// a *jsonrpc.Error forwards that error verbatim; any other error becomes an
// internal error on the wire.
type HandlerFunc func(ctx context.Context, s *Session, req *Request) (any, error)

// NotificationFunc processes one inbound notification. Errors are logged, not
// surfaced: notifications have no reply channel.
type NotificationFunc func(ctx context.Context, s *Session, method string, params json.RawMessage) error

type handlerDef struct {
	fn           HandlerFunc
	requiresInit bool
	required     []string // top-level params properties that must be present
}

// HandlerOption configures a registered handler.
type HandlerOption func(*handlerDef)

// WithoutInitCheck allows the handler to run before the handshake completes.
// The handshake method itself never needs this.
func WithoutInitCheck() HandlerOption {
	return func(d *handlerDef) {
		d.requiresInit = false
	}
}

// WithParamsShape derives a JSON schema from the sample value's type and
// rejects requests whose params omit any required top-level property.
func WithParamsShape(sample any) HandlerOption {
	return func(d *handlerDef) {
		reflector := jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		schema := reflector.Reflect(sample)
		d.required = append([]string(nil), schema.Required...)
	}
}

// Registry maps method names to handlers. Register all handlers before the
// first message is dispatched; the registry is not synchronized.
type Registry struct {
	handlers      map[string]*handlerDef
	notifications map[string]NotificationFunc
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:      make(map[string]*handlerDef),
		notifications: make(map[string]NotificationFunc),
	}
}

// Register binds a request handler to a method name. Handlers require an
// initialized session unless WithoutInitCheck is given.
func (r *Registry) Register(method string, fn HandlerFunc, opts ...HandlerOption) {
	def := &handlerDef{fn: fn, requiresInit: true}
	for _, opt := range opts {
		opt(def)
	}
	r.handlers[method] = def
}

// RegisterNotification binds a notification handler to a method name.
func (r *Registry) RegisterNotification(method string, fn NotificationFunc) {
	r.notifications[method] = fn
}

func (r *Registry) handler(method string) (*handlerDef, bool) {
	def, ok := r.handlers[method]
	return def, ok
}

func (r *Registry) notification(method string) (NotificationFunc, bool) {
	fn, ok := r.notifications[method]
	return fn, ok
}

// checkParams validates inbound params against the handler's required
// top-level properties.
func (d *handlerDef) checkParams(params json.RawMessage) error {
	if len(d.required) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return fmt.Errorf("params must be an object: %w", err)
	}
	for _, name := range d.required {
		if _, ok := obj[name]; !ok {
			return fmt.Errorf("missing required property %q", name)
		}
	}
	return nil
}
