package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs a named function in a goroutine with panic recovery.
func SafeGo(name string, fn func(), onPanic func(interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				slog.Error("Panic recovered", "goroutine", name, "panic", r, "stack", string(stack))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
