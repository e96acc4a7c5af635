package jsonrpc

import "context"

// Handler is the interface for JSON-RPC method handlers. A handler
// returns either a result (marshaled into the response) or an *Error.
type Handler interface {
	Handle(ctx context.Context, req *Request) (interface{}, *Error)
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, req *Request) (interface{}, *Error)

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (interface{}, *Error) {
	return f(ctx, req)
}

// Dispatcher routes requests to handlers by method name.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new method dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for a method
func (d *Dispatcher) Register(method string, handler Handler) {
	d.handlers[method] = handler
}

// RegisterFunc registers a handler function for a method
func (d *Dispatcher) RegisterFunc(method string, handler HandlerFunc) {
	d.handlers[method] = handler
}

// HasHandler returns true if a handler is registered for the method
func (d *Dispatcher) HasHandler(method string) bool {
	_, ok := d.handlers[method]
	return ok
}

// Dispatch routes a request to its handler and builds the response.
// Notifications (no ID) produce a nil response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	handler, ok := d.handlers[req.Method]
	if !ok {
		if req.IsNotification() {
			return nil
		}
		return NewErrorResponse(req.ID, NewError(MethodNotFound,
			"unknown method: "+req.Method, nil))
	}

	result, rpcErr := handler.Handle(ctx, req)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	resp, err := NewResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, NewError(InternalError,
			"failed to encode result", nil))
	}
	return resp
}
