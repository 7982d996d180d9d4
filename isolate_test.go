package vmengine

import (
	"testing"
	"time"
)

func newTestIsolate(t *testing.T, code string) (*Isolate, *ObjectStore, *MessageHub) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	obj, err := OpenObjectStore(t.TempDir(), "acme", cfg)
	if err != nil {
		t.Fatalf("OpenObjectStore: %v", err)
	}
	t.Cleanup(func() { _ = obj.Close() })
	msg := NewMessageHub(cfg.MsgQueueDepth)

	is, err := NewIsolate("acme", code, map[string]string{"FOO": "bar"}, obj, msg, cfg.ObjCheckMaxDepth, cfg.MemoryLimitMB)
	if err != nil {
		t.Fatalf("NewIsolate: %v", err)
	}
	t.Cleanup(is.Dispose)
	return is, obj, msg
}

func TestNewIsolate_RequiresRegister(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	obj, err := OpenObjectStore(t.TempDir(), "acme", cfg)
	if err != nil {
		t.Fatalf("OpenObjectStore: %v", err)
	}
	defer obj.Close()
	msg := NewMessageHub(cfg.MsgQueueDepth)

	_, err = NewIsolate("acme", `1 + 1;`, nil, obj, msg, cfg.ObjCheckMaxDepth, cfg.MemoryLimitMB)
	if !Is(err, KindInvalidInput) {
		t.Fatalf("expected KindInvalidInput for code that never calls VM(register), got %v", err)
	}
}

func TestIsolate_CtxAndEnvGlobals(t *testing.T) {
	code := `
		VM({call: 'register', code(req) {
			return {ctxId: ctx(), foo: env().FOO};
		}});
	`
	is, _, _ := newTestIsolate(t, code)

	var res map[string]any
	deadline := time.Now().Add(2 * time.Second)
	if err := is.CallHandler(FnReq{Method: "GET", Path: "/"}, &res, deadline); err != nil {
		t.Fatalf("CallHandler: %v", err)
	}
	if res["ctxId"] != "acme" {
		t.Errorf("ctxId = %v, want acme", res["ctxId"])
	}
	if res["foo"] != "bar" {
		t.Errorf("foo = %v, want bar", res["foo"])
	}
}

func TestIsolate_ObjPutGetRoundTrip(t *testing.T) {
	code := `
		VM({call: 'register', async code(req) {
			if (req.call === 'objCheckReq') return {};
			await VM({call: 'objPut', appPath: 'k', data: btoa('hello')});
			const got = await VM({call: 'objGet', appPath: 'k'});
			return {data: got.data};
		}});
	`
	is, _, _ := newTestIsolate(t, code)

	var res struct{ Data string }
	deadline := time.Now().Add(2 * time.Second)
	if err := is.CallHandler(FnReq{}, &res, deadline); err != nil {
		t.Fatalf("CallHandler: %v", err)
	}
	// base64("hello")
	if res.Data != "aGVsbG8=" {
		t.Errorf("data = %q, want base64 of hello", res.Data)
	}
}

func TestIsolate_ObjPutDuringObjCheckIncrementsNestingDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	cfg.ObjCheckMaxDepth = 2
	obj, err := OpenObjectStore(t.TempDir(), "acme", cfg)
	if err != nil {
		t.Fatalf("OpenObjectStore: %v", err)
	}
	defer obj.Close()
	msg := NewMessageHub(cfg.MsgQueueDepth)

	code := `
		globalThis.__maxSeen = 0;
		VM({call: 'register', async code(req) {
			if (req.meta !== undefined) {
				globalThis.__maxSeen = Math.max(globalThis.__maxSeen, req.depth);
				try {
					await VM({call: 'objPut', appPath: 'k', data: btoa('x')});
				} catch (e) {}
				return {};
			}
			if (req.report) return {maxSeen: globalThis.__maxSeen};
			await VM({call: 'objPut', appPath: 'k', data: btoa('x')});
			return {};
		}});
	`
	is, err := NewIsolate("acme", code, nil, obj, msg, cfg.ObjCheckMaxDepth, cfg.MemoryLimitMB)
	if err != nil {
		t.Fatalf("NewIsolate: %v", err)
	}
	defer is.Dispose()

	deadline := time.Now().Add(2 * time.Second)
	var res any
	if err := is.CallHandler(FnReq{}, &res, deadline); err != nil {
		t.Fatalf("CallHandler: %v", err)
	}

	var report struct {
		MaxSeen int `json:"maxSeen"`
	}
	if err := is.CallHandler(map[string]bool{"report": true}, &report, deadline); err != nil {
		t.Fatalf("CallHandler report: %v", err)
	}
	if report.MaxSeen != cfg.ObjCheckMaxDepth {
		t.Fatalf("maxSeen depth = %d, want %d (bound must actually be reachable)", report.MaxSeen, cfg.ObjCheckMaxDepth)
	}
}

func TestIsolate_MsgNewSendRoundTrip(t *testing.T) {
	code := `
		VM({call: 'register', async code(req) {
			const msgId = await VM({call: 'msgNew'});
			await VM({call: 'msgSend', msgId, data: btoa('ping')});
			return {msgId};
		}});
	`
	is, _, msgHub := newTestIsolate(t, code)

	var res struct{ MsgID string }
	deadline := time.Now().Add(2 * time.Second)
	if err := is.CallHandler(FnReq{}, &res, deadline); err != nil {
		t.Fatalf("CallHandler: %v", err)
	}
	if res.MsgID == "" {
		t.Fatal("expected a non-empty msgId")
	}
	ids := msgHub.List()
	if len(ids) != 1 || ids[0] != res.MsgID {
		t.Fatalf("hub does not know about %q: %v", res.MsgID, ids)
	}
}

func TestIsolate_HandlerThrowSurfacesAsHandlerError(t *testing.T) {
	code := `
		VM({call: 'register', code(req) {
			throw new Error('boom');
		}});
	`
	is, _, _ := newTestIsolate(t, code)

	var res any
	deadline := time.Now().Add(2 * time.Second)
	err := is.CallHandler(FnReq{}, &res, deadline)
	if !Is(err, KindHandlerError) {
		t.Fatalf("expected KindHandlerError, got %v", err)
	}
}

func TestIsolate_TextEncoderDecoderRoundTrip(t *testing.T) {
	code := `
		VM({call: 'register', code(req) {
			const bytes = new TextEncoder().encode('héllo');
			const back = new TextDecoder().decode(bytes);
			return {len: bytes.length, back};
		}});
	`
	is, _, _ := newTestIsolate(t, code)

	var res struct {
		Len  int
		Back string
	}
	deadline := time.Now().Add(2 * time.Second)
	if err := is.CallHandler(FnReq{}, &res, deadline); err != nil {
		t.Fatalf("CallHandler: %v", err)
	}
	if res.Back != "héllo" {
		t.Fatalf("round trip = %q, want héllo", res.Back)
	}
	if res.Len != 6 {
		t.Fatalf("encoded length = %d, want 6 (é is two UTF-8 bytes)", res.Len)
	}
}

func TestIsolate_ConsoleLogsCaptured(t *testing.T) {
	code := `
		VM({call: 'register', code(req) {
			console.log('from handler');
			return {};
		}});
	`
	is, _, _ := newTestIsolate(t, code)

	var res any
	deadline := time.Now().Add(2 * time.Second)
	if err := is.CallHandler(FnReq{}, &res, deadline); err != nil {
		t.Fatalf("CallHandler: %v", err)
	}
	logs := is.TakeLogs()
	if len(logs) != 1 || logs[0].Message != "from handler" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if len(is.TakeLogs()) != 0 {
		t.Fatal("TakeLogs should clear the buffer")
	}
}
