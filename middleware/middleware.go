// Package middleware provides the interception chain wrapped around every
// inbound invocation a peer dispatches: handshake replies, published
// procedures, and callback handles alike.
package middleware

import (
	"context"
	"fmt"
)

// CallKind tags the dispatch identifier variant that selected the callable.
type CallKind int

const (
	KindReady    CallKind = iota // reserved "ready" handshake message
	KindProc                     // string naming a published procedure
	KindCallback                 // integer naming a single-shot callback
)

// Call is one resolved inbound invocation about to run.
type Call struct {
	Kind CallKind
	Name string // published name; "ready" for the handshake
	Key  uint32 // callback handle, set when Kind is KindCallback
	Args []any

	proc func(args ...any)
}

// NewCall binds a resolved callable to its arguments.
func NewCall(kind CallKind, name string, key uint32, args []any, proc func(args ...any)) *Call {
	return &Call{Kind: kind, Name: name, Key: key, Args: args, proc: proc}
}

// Target names the callable for logs: the published name, "ready", or the
// callback key as "#<key>".
func (c *Call) Target() string {
	if c.Kind == KindCallback {
		return fmt.Sprintf("#%d", c.Key)
	}
	return c.Name
}

// Invoke runs the callable with the call's arguments.
func (c *Call) Invoke() {
	c.proc(c.Args...)
}

type HandlerFunc func(ctx context.Context, call *Call) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one. Chain(A, B, C)(h) runs
// A.before → B.before → C.before → h → C.after → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Terminal is the innermost handler: it just invokes the call.
func Terminal(ctx context.Context, call *Call) error {
	call.Invoke()
	return nil
}
