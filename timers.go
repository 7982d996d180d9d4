package vmengine

import (
	"time"

	v8 "github.com/tommie/v8go"
)

// setupTimers installs global setTimeout/setInterval/clearTimeout/
// clearInterval backed directly by el. Unlike the id-indirection this is
// grounded on, v8go lets a Go closure hold a *v8.Function value directly,
// so there is no need to stash callbacks in a JS-side table keyed by id.
func setupTimers(iso *v8.Isolate, ctx *v8.Context, el *eventLoop) error {
	timeoutFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 || !args[0].IsFunction() {
			return zeroID(iso)
		}
		cb, err := args[0].AsFunction()
		if err != nil {
			return zeroID(iso)
		}
		id := el.setTimeout(cb, delayArg(args))
		v, _ := v8.NewValue(iso, int32(id))
		return v
	})
	if err := ctx.Global().Set("setTimeout", timeoutFn.GetFunction(ctx)); err != nil {
		return err
	}

	intervalFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 || !args[0].IsFunction() {
			return zeroID(iso)
		}
		cb, err := args[0].AsFunction()
		if err != nil {
			return zeroID(iso)
		}
		id := el.setInterval(cb, delayArg(args))
		v, _ := v8.NewValue(iso, int32(id))
		return v
	})
	if err := ctx.Global().Set("setInterval", intervalFn.GetFunction(ctx)); err != nil {
		return err
	}

	clearFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) > 0 && args[0].IsNumber() {
			el.clearTimer(int(args[0].Integer()))
		}
		return v8.Undefined(iso)
	})
	clearVal := clearFn.GetFunction(ctx)
	if err := ctx.Global().Set("clearTimeout", clearVal); err != nil {
		return err
	}
	return ctx.Global().Set("clearInterval", clearVal)
}

func delayArg(args []*v8.Value) time.Duration {
	if len(args) < 2 || !args[1].IsNumber() {
		return 0
	}
	ms := args[1].Number()
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func zeroID(iso *v8.Isolate) *v8.Value {
	v, _ := v8.NewValue(iso, int32(0))
	return v
}
