package vmengine

import "time"

// ObjMeta is the parsed form of an object's metadata key:
// "{sysPrefix}/{ctx}/{appPath}/{createdSecs}/{expiresSecs}/{byteLength}".
type ObjMeta struct {
	SysPrefix   string  `json:"sysPrefix"`
	Ctx         string  `json:"ctx"`
	AppPath     string  `json:"appPath"`
	CreatedSecs float64 `json:"createdSecs"`
	ExpiresSecs float64 `json:"expiresSecs"`
	ByteLength  int64   `json:"byteLength"`
}

// Reserved sys-prefix bytes. Only SysPrefixCtx is reachable through the
// public Object Store operations; the rest are parsed so an object under
// one of them does not corrupt the index but are otherwise reserved for
// host-internal bookkeeping.
const (
	SysPrefixSetup     = "s"
	SysPrefixCtxSetup  = "x"
	SysPrefixCtxConfig = "d"
	SysPrefixCtx       = "c"
)

// Obj is a stored object: its parsed metadata plus its bytes.
type Obj struct {
	Meta ObjMeta
	Data []byte
}

// Message is a payload sent through the Message Hub to the listener of
// the channel named by MsgID.
type Message struct {
	MsgID string
	Data  []byte
}

// TriggerKind names the four request shapes dispatched serially to a
// context's isolate.
type TriggerKind string

const (
	TriggerCodeConfig TriggerKind = "codeConfigReq"
	TriggerCron       TriggerKind = "cronReq"
	TriggerObjCheck   TriggerKind = "objCheckReq"
	TriggerFn         TriggerKind = "fnReq"
)

// CodeConfigReq is dispatched once after a context's code is (re)loaded,
// before any other trigger reaches the isolate.
type CodeConfigReq struct{}

// CodeConfigRes is the handler's response to a CodeConfigReq. A zero
// CronIntervalSecs disables cron dispatch for the context.
type CodeConfigRes struct {
	CronIntervalSecs float64 `json:"cronIntervalSecs"`
}

// CronReq is dispatched on the context's configured cron interval.
type CronReq struct {
	FireTime time.Time `json:"fireTime"`
}

// CronRes is the handler's response to a CronReq.
type CronRes struct{}

// ObjCheckReq is dispatched before a store commit so the handler can
// accept or reject the write. Depth tracks objCheckReq re-entrancy
// caused by the handler itself issuing objPut while handling one.
type ObjCheckReq struct {
	Meta  ObjMeta `json:"meta"`
	Data  []byte  `json:"data"`
	Depth int     `json:"depth"`
}

// ObjCheckRes is the handler's response to an ObjCheckReq: a normal
// return accepts the write. Rejection is signaled by the handler raising
// an error rather than by any field on this type.
type ObjCheckRes struct{}

// FnReq is a synchronous request/response invocation of a context's
// handler, e.g. issued from an external HTTP call.
type FnReq struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// FnRes is the handler's response to an FnReq.
type FnRes struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// triggerKindOf reports which TriggerKind req is, if it is one of the
// four trigger request types. Used to tag the JSON handed to a handler
// with a "call" field carrying that kind, since the request shapes alone
// are otherwise only distinguished by field presence.
func triggerKindOf(req any) (TriggerKind, bool) {
	switch req.(type) {
	case CodeConfigReq:
		return TriggerCodeConfig, true
	case CronReq:
		return TriggerCron, true
	case ObjCheckReq:
		return TriggerObjCheck, true
	case FnReq:
		return TriggerFn, true
	}
	return "", false
}

// ListOpts constrains an objList call.
type ListOpts struct {
	Prefix string

	// CreatedGt excludes objects with createdSecs <= this value. Zero
	// means no lower bound, since createdSecs is always positive.
	CreatedGt float64

	Limit int
}

// LogEntry is a single console.log/warn/error captured from a trigger.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
