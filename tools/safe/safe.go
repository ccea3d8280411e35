package safe

import (
	"reflect"

	"SupportChat/logger"
	"SupportChat/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required fields during struct initialization.
func MustNotNil(v any, name string) {
	if v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil()) {
		panic(name + " must not be nil")
	}
}

// SafeGo starts a new goroutine that recovers from panic,
// so that panics in engine callbacks don't crash the host program.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover is the deferred half of SafeGo, exported so long-lived loops
// can guard each iteration individually.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			zap.String("goroutine", name),
			zap.Error(errs.ErrPanic(r)))
	}
}
