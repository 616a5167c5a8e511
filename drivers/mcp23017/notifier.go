package mcp23017

import (
	"fmt"
	"sync"
)

// ChangeHandler receives a change set. Every handler gets its own copy.
type ChangeHandler func(ChangeSet)

// ErrorHandler receives errors which have no caller to return to, like
// failed poll ticks or panicking change handlers.
type ErrorHandler func(error)

type notifier struct {
	lock     sync.Mutex
	handlers []ChangeHandler
	onError  ErrorHandler
}

func (n *notifier) subscribe(h ChangeHandler) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.handlers = append(n.handlers, h)
}

func (n *notifier) setErrorHandler(h ErrorHandler) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.onError = h
}

func (n *notifier) reportError(err error) {
	n.lock.Lock()
	onError := n.onError
	n.lock.Unlock()

	if onError != nil {
		onError(err)
	}
}

// emit delivers to handlers registered before the call, in registration order.
func (n *notifier) emit(changes ChangeSet) {
	n.lock.Lock()
	handlers := make([]ChangeHandler, len(n.handlers))
	copy(handlers, n.handlers)
	n.lock.Unlock()

	for ix, h := range handlers {
		n.deliver(ix, h, changes.clone())
	}
}

func (n *notifier) deliver(ix int, h ChangeHandler, changes ChangeSet) {
	defer func() {
		if r := recover(); r != nil {
			n.reportError(fmt.Errorf("change handler %d panicked: %v", ix, r))
		}
	}()

	h(changes)
}
