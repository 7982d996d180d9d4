package vmengine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	v8 "github.com/tommie/v8go"
)

// Isolate wraps exactly one persistent V8 isolate and context for a
// single context's user code, kept warm across triggers rather than
// checked out from a pool.
type Isolate struct {
	iso *v8.Isolate
	ctx *v8.Context
	el  *eventLoop

	obj     *ObjectStore
	msg     *MessageHub
	envVars map[string]string
	ctxID   string

	logs []LogEntry

	// checking and checkDepth track the objCheckReq currently being
	// handled by CallHandler, if any. A handler-issued objPut made while
	// checking dispatches its own objCheckReq at checkDepth+1 before
	// writing; outside of one it dispatches at depth 0, same as
	// Engine.PutObject's top-level call.
	checking      bool
	checkDepth    int
	maxCheckDepth int
	// currentDeadline is the deadline of the CallHandler invocation
	// currently executing, reused for the nested objCheckReq dispatch a
	// handler-issued objPut may trigger.
	currentDeadline time.Time
}

// NewIsolate boots a fresh isolate for ctxID: installs console, ctx(),
// env(), and the VM() capability dispatcher, then runs code so it can
// register its handler via VM({call:'register', code}).
func NewIsolate(ctxID, code string, envVars map[string]string, obj *ObjectStore, msg *MessageHub, maxCheckDepth, memoryLimitMB int) (*Isolate, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heapSize := uint64(memoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)

	is := &Isolate{
		iso:           iso,
		ctx:           ctx,
		el:            newEventLoop(),
		obj:           obj,
		msg:           msg,
		envVars:       envVars,
		ctxID:         ctxID,
		maxCheckDepth: maxCheckDepth,
	}

	if err := setupConsole(iso, ctx, is.addLog); err != nil {
		is.Dispose()
		return nil, fmt.Errorf("setting up console: %w", err)
	}
	if err := setupEncoding(ctx); err != nil {
		is.Dispose()
		return nil, fmt.Errorf("setting up encoding: %w", err)
	}
	if err := setupTimers(iso, ctx, is.el); err != nil {
		is.Dispose()
		return nil, fmt.Errorf("setting up timers: %w", err)
	}
	if err := is.setupCtxEnv(); err != nil {
		is.Dispose()
		return nil, fmt.Errorf("setting up ctx/env: %w", err)
	}
	if err := is.setupVM(); err != nil {
		is.Dispose()
		return nil, fmt.Errorf("setting up VM: %w", err)
	}
	if _, err := ctx.RunScript(code, "handler.js"); err != nil {
		is.Dispose()
		return nil, wrapErr(KindInvalidInput, "compiling context code", err)
	}
	handlerVal, err := ctx.Global().Get("vm")
	if err != nil || handlerVal.IsUndefined() {
		is.Dispose()
		return nil, ErrInvalidInput("context code did not call VM({call:'register', ...})")
	}

	return is, nil
}

// Dispose releases the isolate's V8 resources. Safe to call more than
// once.
func (is *Isolate) Dispose() {
	is.el.reset()
	if is.ctx != nil {
		is.ctx.Close()
		is.ctx = nil
	}
	if is.iso != nil {
		is.iso.Dispose()
		is.iso = nil
	}
}

func (is *Isolate) addLog(level, msg string) {
	const maxLogEntries = 1000
	const maxLogMessageSize = 4096
	if len(is.logs) >= maxLogEntries {
		return
	}
	if len(msg) > maxLogMessageSize {
		msg = msg[:maxLogMessageSize] + "...(truncated)"
	}
	is.logs = append(is.logs, logEntry(level, msg))
}

// TakeLogs returns and clears the accumulated log buffer.
func (is *Isolate) TakeLogs() []LogEntry {
	logs := is.logs
	is.logs = nil
	return logs
}

func (is *Isolate) setupCtxEnv() error {
	iso, ctx := is.iso, is.ctx

	ctxFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v, _ := v8.NewValue(iso, is.ctxID)
		return v
	})
	if err := ctx.Global().Set("ctx", ctxFn.GetFunction(ctx)); err != nil {
		return err
	}

	envObj, err := newJSObject(iso, ctx)
	if err != nil {
		return err
	}
	for k, v := range is.envVars {
		val, _ := v8.NewValue(iso, v)
		if err := envObj.Set(k, val); err != nil {
			return err
		}
	}
	envFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		return envObj.Value
	})
	return ctx.Global().Set("env", envFn.GetFunction(ctx))
}

// vmCallEnvelope is the shape of every VM(...) argument. Fields not used
// by a given call are simply absent from the caller's object.
type vmCallEnvelope struct {
	Call      string  `json:"call"`
	AppPath   string  `json:"appPath"`
	Data      string  `json:"data"` // base64
	TTLSecs   float64 `json:"ttlSecs"`
	Prefix    string  `json:"prefix"`
	CreatedGt float64 `json:"createdGt"`
	Limit     int     `json:"limit"`
	MsgID     string  `json:"msgId"`
	Type      string  `json:"type"`
}

func (is *Isolate) setupVM() error {
	iso, ctx := is.iso, is.ctx

	ft := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 || !args[0].IsObject() {
			return is.throwTypeError("VM requires an object argument")
		}
		obj, err := args[0].AsObject()
		if err != nil {
			return is.throwTypeError("VM argument must be an object")
		}

		callVal, err := obj.Get("call")
		if err != nil {
			return is.throwTypeError("VM argument missing 'call'")
		}
		call := callVal.String()

		if call == "register" {
			codeVal, err := obj.Get("code")
			if err != nil || codeVal.IsUndefined() {
				return is.throwTypeError("VM register requires a 'code' function")
			}
			fn, err := codeVal.AsFunction()
			if err != nil {
				return is.throwTypeError("VM register 'code' is not a function")
			}
			if err := ctx.Global().Set("vm", fn); err != nil {
				return is.throwTypeError("failed to register handler")
			}
			return v8.Undefined(iso)
		}

		if err := ctx.Global().Set("__vm_tmp_args", args[0]); err != nil {
			return is.throwTypeError("internal VM error")
		}
		jsonVal, err := ctx.RunScript(`(function() {
			var a = globalThis.__vm_tmp_args;
			delete globalThis.__vm_tmp_args;
			return JSON.stringify(a);
		})()`, "vm_args.js")
		if err != nil {
			return is.throwTypeError("VM arguments must be JSON-serializable")
		}

		var env vmCallEnvelope
		if err := json.Unmarshal([]byte(jsonVal.String()), &env); err != nil {
			return is.throwTypeError("invalid VM arguments")
		}

		resolver, _ := v8.NewPromiseResolver(ctx)
		is.dispatchCapability(resolver, env)
		return resolver.GetPromise().Value
	})

	return ctx.Global().Set("VM", ft.GetFunction(ctx))
}

func (is *Isolate) throwTypeError(msg string) *v8.Value {
	return is.iso.ThrowException(mustV8Value(is.iso, msg))
}

func mustV8Value(iso *v8.Isolate, s string) *v8.Value {
	v, _ := v8.NewValue(iso, s)
	return v
}

func (is *Isolate) reject(r *v8.PromiseResolver, err error) {
	v, _ := v8.NewValue(is.iso, err.Error())
	r.Reject(v)
}

func (is *Isolate) resolveJSON(r *v8.PromiseResolver, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		is.reject(r, fmt.Errorf("marshaling result: %w", err))
		return
	}
	jsVal, err := is.ctx.RunScript(fmt.Sprintf("JSON.parse(%q)", string(data)), "vm_result.js")
	if err != nil {
		is.reject(r, fmt.Errorf("parsing result: %w", err))
		return
	}
	r.Resolve(jsVal)
}

func (is *Isolate) dispatchCapability(r *v8.PromiseResolver, env vmCallEnvelope) {
	switch env.Call {
	case "system":
		if env.Type == "trace" {
			is.addLog("trace", env.Data)
		}
		r.Resolve(v8.Undefined(is.iso))

	case "objPut":
		data, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			is.reject(r, ErrInvalidInput("objPut data must be base64"))
			return
		}
		ttl := secondsToDuration(env.TTLSecs)
		meta, err := is.putWithCheck(env.AppPath, data, ttl)
		if err != nil {
			is.reject(r, err)
			return
		}
		is.resolveJSON(r, objMetaJSON(meta))

	case "objGet":
		o, err := is.obj.Get(env.AppPath, time.Now())
		if err != nil {
			if Is(err, KindNotFound) {
				r.Resolve(v8.Null(is.iso))
				return
			}
			is.reject(r, err)
			return
		}
		is.resolveJSON(r, struct {
			objMeta
			Data string `json:"data"`
		}{objMetaJSON(o.Meta), base64.StdEncoding.EncodeToString(o.Data)})

	case "objList":
		metas, err := is.obj.List(ListOpts{Prefix: env.Prefix, CreatedGt: env.CreatedGt, Limit: env.Limit}, time.Now())
		if err != nil {
			is.reject(r, err)
			return
		}
		out := make([]objMeta, 0, len(metas))
		for _, m := range metas {
			out = append(out, objMetaJSON(m))
		}
		is.resolveJSON(r, out)

	case "objRm":
		if err := is.obj.Remove(env.AppPath); err != nil {
			is.reject(r, err)
			return
		}
		r.Resolve(v8.Undefined(is.iso))

	case "msgNew":
		is.resolveJSON(r, is.msg.New())

	case "msgList":
		is.resolveJSON(r, is.msg.List())

	case "msgSend":
		data, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			is.reject(r, ErrInvalidInput("msgSend data must be base64"))
			return
		}
		if err := is.msg.Send(env.MsgID, data); err != nil {
			is.reject(r, err)
			return
		}
		r.Resolve(v8.Undefined(is.iso))

	default:
		is.reject(r, ErrInvalidInput("unknown VM call: "+env.Call))
	}
}

type objMeta struct {
	AppPath     string  `json:"appPath"`
	CreatedSecs float64 `json:"createdSecs"`
	ExpiresSecs float64 `json:"expiresSecs"`
	ByteLength  int64   `json:"byteLength"`
}

// putWithCheck runs the objCheckReq pipeline for a handler-issued objPut
// before writing. Outside of an in-flight objCheckReq it dispatches at
// depth 0, same as Engine.PutObject's top-level call; from within one it
// dispatches one level deeper. Depths past maxCheckDepth are rejected
// without reaching the isolate again.
func (is *Isolate) putWithCheck(appPath string, data []byte, ttl time.Duration) (ObjMeta, error) {
	depth := 0
	if is.checking {
		depth = is.checkDepth + 1
	}
	if depth > is.maxCheckDepth {
		return ObjMeta{}, ErrInvalidInput("objCheckReq nesting exceeds bound")
	}
	candidate := ObjMeta{SysPrefix: SysPrefixCtx, Ctx: is.ctxID, AppPath: appPath}
	var checkRes ObjCheckRes
	if err := is.CallHandler(ObjCheckReq{Meta: candidate, Data: data, Depth: depth}, &checkRes, is.currentDeadline); err != nil {
		return ObjMeta{}, err
	}
	return is.obj.Put(appPath, data, ttl, time.Now())
}

func objMetaJSON(m ObjMeta) objMeta {
	return objMeta{
		AppPath:     m.AppPath,
		CreatedSecs: m.CreatedSecs,
		ExpiresSecs: m.ExpiresSecs,
		ByteLength:  m.ByteLength,
	}
}

// taggedRequestJSON marshals req and, if it is one of the four trigger
// request types, adds a "call" field naming its TriggerKind — the
// handler otherwise has no way to tell requests apart besides field
// presence.
func taggedRequestJSON(req any) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	kind, ok := triggerKindOf(req)
	if !ok {
		return data, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	callVal, err := json.Marshal(string(kind))
	if err != nil {
		return nil, err
	}
	fields["call"] = callVal
	return json.Marshal(fields)
}

// wrapHandlerErr classifies a raise or a rejected Promise from the
// handler. An already-typed error (e.g. a deadline's KindTimeout) passes
// through unchanged; otherwise a raise while handling an objCheckReq is
// the handler's rejection of the write (KindHandlerRejected), and any
// other raise is a general handler failure (KindHandlerError).
func (is *Isolate) wrapHandlerErr(isObjCheck bool, err error) error {
	if _, ok := KindOf(err); ok {
		return err
	}
	if isObjCheck {
		return ErrHandlerRejected(err.Error())
	}
	return ErrHandlerError(err)
}

// CallHandler invokes globalThis.vm(req) with req marshaled to JSON,
// awaits its returned Promise (draining timers and microtasks in the
// meantime), and unmarshals the settled value into res.
func (is *Isolate) CallHandler(req any, res any, deadline time.Time) error {
	_, isObjCheck := req.(ObjCheckReq)

	prevChecking, prevDepth, prevDeadline := is.checking, is.checkDepth, is.currentDeadline
	if oc, ok := req.(ObjCheckReq); ok {
		is.checking = true
		is.checkDepth = oc.Depth
	}
	is.currentDeadline = deadline
	defer func() {
		is.checking, is.checkDepth, is.currentDeadline = prevChecking, prevDepth, prevDeadline
	}()

	handlerVal, err := is.ctx.Global().Get("vm")
	if err != nil || handlerVal.IsUndefined() {
		return ErrEngineDown("context has no registered handler")
	}
	handler, err := handlerVal.AsFunction()
	if err != nil {
		return ErrEngineDown("registered vm global is not a function")
	}

	reqData, err := taggedRequestJSON(req)
	if err != nil {
		return fmt.Errorf("marshaling trigger request: %w", err)
	}
	reqVal, err := is.ctx.RunScript(fmt.Sprintf("JSON.parse(%q)", string(reqData)), "trigger_req.js")
	if err != nil {
		return fmt.Errorf("parsing trigger request: %w", err)
	}

	resultVal, err := handler.Call(v8.Undefined(is.iso), reqVal)
	if err != nil {
		return is.wrapHandlerErr(isObjCheck, err)
	}

	is.el.drain(is.iso, is.ctx, deadline)

	settled, err := is.awaitValue(resultVal, deadline)
	if err != nil {
		return is.wrapHandlerErr(isObjCheck, err)
	}
	if settled == nil || settled.IsUndefined() {
		return nil
	}

	strVal, err := is.jsonStringify(settled)
	if err != nil {
		return fmt.Errorf("serializing handler response: %w", err)
	}
	if strVal == "" || strVal == "undefined" {
		return nil
	}
	return json.Unmarshal([]byte(strVal), res)
}

func (is *Isolate) jsonStringify(v *v8.Value) (string, error) {
	if err := is.ctx.Global().Set("__vm_tmp_result", v); err != nil {
		return "", err
	}
	out, err := is.ctx.RunScript(`(function() {
		var v = globalThis.__vm_tmp_result;
		delete globalThis.__vm_tmp_result;
		return JSON.stringify(v === undefined ? null : v);
	})()`, "stringify_result.js")
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// awaitValue resolves a Promise (or passes through a non-Promise value)
// by pumping V8's microtask queue, in the manner of Promise.resolve(v)
// .then(...) with the settled value captured into a temp global.
func (is *Isolate) awaitValue(val *v8.Value, deadline time.Time) (*v8.Value, error) {
	if val == nil || !val.IsPromise() {
		return val, nil
	}
	ctx := is.ctx
	if err := ctx.Global().Set("__await_input", val); err != nil {
		return nil, fmt.Errorf("setting await input: %w", err)
	}
	_, err := ctx.RunScript(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		Promise.resolve(globalThis.__await_input).then(
			r => { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			e => { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
		delete globalThis.__await_input;
	`, "await.js")
	if err != nil {
		return nil, fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		ctx.PerformMicrotaskCheckpoint()

		stateVal, err := ctx.Global().Get("__awaited_state")
		if err != nil {
			return nil, fmt.Errorf("checking promise state: %w", err)
		}
		if !stateVal.IsUndefined() {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout("handler promise did not settle before deadline")
		}
		runtime.Gosched()
	}

	stateVal, _ := ctx.Global().Get("__awaited_state")
	resultVal, _ := ctx.Global().Get("__awaited_result")
	_, _ = ctx.RunScript("delete globalThis.__awaited_result; delete globalThis.__awaited_state;", "cleanup.js")

	if stateVal.String() == "rejected" {
		return nil, fmt.Errorf("handler promise rejected: %s", resultVal.String())
	}
	return resultVal, nil
}

// Terminate aborts any in-flight JS execution. Used by the Supervisor's
// watchdog when a trigger exceeds its deadline.
func (is *Isolate) Terminate() {
	is.iso.TerminateExecution()
}
