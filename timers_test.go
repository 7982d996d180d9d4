package vmengine

import (
	"testing"
	"time"

	v8 "github.com/tommie/v8go"
)

func newTimersTestContext(t *testing.T) (*v8.Context, *eventLoop) {
	t.Helper()
	iso := v8.NewIsolate()
	ctx := v8.NewContext(iso)
	t.Cleanup(func() {
		ctx.Close()
		iso.Dispose()
	})
	el := newEventLoop()
	if err := setupTimers(iso, ctx, el); err != nil {
		t.Fatalf("setupTimers: %v", err)
	}
	return ctx, el
}

func TestTimers_SetTimeoutFires(t *testing.T) {
	ctx, el := newTimersTestContext(t)
	if _, err := ctx.RunScript(`
		globalThis.__fired = false;
		setTimeout(() => { globalThis.__fired = true; }, 1);
	`, "test.js"); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if !el.hasPending() {
		t.Fatal("expected a pending timer after setTimeout")
	}
	el.drain(ctx.Isolate(), ctx, time.Now().Add(time.Second))

	val, err := ctx.Global().Get("__fired")
	if err != nil {
		t.Fatalf("Get __fired: %v", err)
	}
	if !val.Boolean() {
		t.Fatal("timer callback did not run")
	}
}

func TestTimers_ClearTimeoutPreventsFire(t *testing.T) {
	ctx, el := newTimersTestContext(t)
	if _, err := ctx.RunScript(`
		globalThis.__fired = false;
		const id = setTimeout(() => { globalThis.__fired = true; }, 5);
		clearTimeout(id);
	`, "test.js"); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if el.hasPending() {
		t.Fatal("cleared timer should not remain pending")
	}
	el.drain(ctx.Isolate(), ctx, time.Now().Add(50*time.Millisecond))

	val, err := ctx.Global().Get("__fired")
	if err != nil {
		t.Fatalf("Get __fired: %v", err)
	}
	if val.Boolean() {
		t.Fatal("cleared timer callback ran")
	}
}

func TestTimers_SetIntervalRepeatsUntilCleared(t *testing.T) {
	ctx, el := newTimersTestContext(t)
	if _, err := ctx.RunScript(`
		globalThis.__count = 0;
		globalThis.__id = setInterval(() => {
			globalThis.__count++;
			if (globalThis.__count >= 3) clearInterval(globalThis.__id);
		}, 1);
	`, "test.js"); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	el.drain(ctx.Isolate(), ctx, time.Now().Add(time.Second))

	val, err := ctx.Global().Get("__count")
	if err != nil {
		t.Fatalf("Get __count: %v", err)
	}
	if val.Integer() != 3 {
		t.Fatalf("count = %d, want 3", val.Integer())
	}
}

func TestTimers_NonFunctionArgumentIsIgnored(t *testing.T) {
	ctx, el := newTimersTestContext(t)
	if _, err := ctx.RunScript(`setTimeout(123, 10)`, "test.js"); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if el.hasPending() {
		t.Fatal("non-function callback should not register a timer")
	}
}
