// Package events implements the Event Bus component.
//
// The bus is an in-process registry of named events. Consumers register
// handlers with Subscribe and receive every payload emitted for that event
// name, in registration order. Handlers are identified by opaque handles so
// the same function can be registered more than once.
//
// Emit iterates a snapshot of the handler list taken at emit time: a handler
// that unsubscribes itself (or registers new handlers) mid-emit does not
// affect the in-progress delivery. A panicking handler is recovered and
// logged; remaining handlers still run.
package events
