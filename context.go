package vmengine

import (
	"fmt"
	"sync"
)

// ContextConfig is what a caller supplies to load or reload a context.
type ContextConfig struct {
	Code    string
	EnvVars map[string]string
}

// Engine owns every live context, created lazily on first reference.
// Unlike the per-site isolate pool it is grounded on, each context here
// keeps exactly one persistent isolate warm across triggers instead of
// checking workers in and out of a pool.
type Engine struct {
	cfg Config

	mu       sync.RWMutex
	contexts map[string]*Supervisor
	stores   map[string]*ObjectStore
	hubs     map[string]*MessageHub
}

// NewEngine constructs an Engine with the given tuning configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		contexts: make(map[string]*Supervisor),
		stores:   make(map[string]*ObjectStore),
		hubs:     make(map[string]*MessageHub),
	}
}

// EnsureContext loads and starts ctxID if it is not already running. A
// second call with the same ctxID while it is running is a no-op; use
// ReloadContext to replace already-running code.
func (e *Engine) EnsureContext(ctxID string, cc ContextConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[ctxID]; ok {
		return nil
	}
	return e.startLocked(ctxID, cc)
}

// ReloadContext stops ctxID's current isolate (if any) and starts a new
// one from cc, re-running the codeConfigReq handshake.
func (e *Engine) ReloadContext(ctxID string, cc ContextConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sup, ok := e.contexts[ctxID]; ok {
		sup.Shutdown()
		delete(e.contexts, ctxID)
	}
	return e.startLocked(ctxID, cc)
}

func (e *Engine) startLocked(ctxID string, cc ContextConfig) error {
	store, ok := e.stores[ctxID]
	if !ok {
		var err error
		store, err = OpenObjectStore(e.cfg.DataDir, ctxID, e.cfg)
		if err != nil {
			return fmt.Errorf("opening object store for context %s: %w", ctxID, err)
		}
		e.stores[ctxID] = store
	}
	hub, ok := e.hubs[ctxID]
	if !ok {
		hub = NewMessageHub(e.cfg.MsgQueueDepth)
		e.hubs[ctxID] = hub
	}

	sup, err := StartContext(ctxID, cc.Code, cc.EnvVars, e.cfg, store, hub)
	if err != nil {
		return fmt.Errorf("starting context %s: %w", ctxID, err)
	}
	e.contexts[ctxID] = sup
	return nil
}

func (e *Engine) supervisor(ctxID string) (*Supervisor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sup, ok := e.contexts[ctxID]
	if !ok {
		return nil, ErrNotFound("no such context: " + ctxID)
	}
	return sup, nil
}

// HandleFn dispatches an fnReq to ctxID's handler and returns its
// response.
func (e *Engine) HandleFn(ctxID string, req FnReq) (FnRes, error) {
	sup, err := e.supervisor(ctxID)
	if err != nil {
		return FnRes{}, err
	}
	var res FnRes
	err = sup.Dispatch(TriggerFn, req, &res)
	return res, err
}

// PutObject writes data under appPath in ctxID's object store, first
// dispatching an objCheckReq for the handler to accept or reject it.
func (e *Engine) PutObject(ctxID, appPath string, data []byte, ttlSecs float64) (ObjMeta, error) {
	sup, err := e.supervisor(ctxID)
	if err != nil {
		return ObjMeta{}, err
	}
	e.mu.RLock()
	store := e.stores[ctxID]
	e.mu.RUnlock()

	candidate := ObjMeta{
		SysPrefix: SysPrefixCtx,
		Ctx:       ctxID,
		AppPath:   appPath,
	}
	if err := sup.DispatchObjCheck(candidate, data, 0); err != nil {
		return ObjMeta{}, err
	}

	return store.Put(appPath, data, secondsToDuration(ttlSecs), nowFunc())
}

// GetObject reads the live object at appPath in ctxID's object store.
func (e *Engine) GetObject(ctxID, appPath string) (Obj, error) {
	e.mu.RLock()
	store, ok := e.stores[ctxID]
	e.mu.RUnlock()
	if !ok {
		return Obj{}, ErrNotFound("no such context: " + ctxID)
	}
	return store.Get(appPath, nowFunc())
}

// ListObjects lists live objects under a prefix in ctxID's object store.
func (e *Engine) ListObjects(ctxID string, opts ListOpts) ([]ObjMeta, error) {
	e.mu.RLock()
	store, ok := e.stores[ctxID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound("no such context: " + ctxID)
	}
	return store.List(opts, nowFunc())
}

// RemoveObject deletes the live object at appPath in ctxID's object
// store.
func (e *Engine) RemoveObject(ctxID, appPath string) error {
	e.mu.RLock()
	store, ok := e.stores[ctxID]
	e.mu.RUnlock()
	if !ok {
		return ErrNotFound("no such context: " + ctxID)
	}
	return store.Remove(appPath)
}

// NewMessageChannel creates a fresh message channel in ctxID's hub and
// returns its msgId, the same identifier a msgNew capability call would
// produce from inside the handler.
func (e *Engine) NewMessageChannel(ctxID string) (string, error) {
	e.mu.RLock()
	hub, ok := e.hubs[ctxID]
	e.mu.RUnlock()
	if !ok {
		return "", ErrNotFound("no such context: " + ctxID)
	}
	return hub.New(), nil
}

// ListMessageChannels lists the live msgIds in ctxID's hub.
func (e *Engine) ListMessageChannels(ctxID string) ([]string, error) {
	e.mu.RLock()
	hub, ok := e.hubs[ctxID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound("no such context: " + ctxID)
	}
	return hub.List(), nil
}

// SendMessage enqueues data on msgID in ctxID's hub.
func (e *Engine) SendMessage(ctxID, msgID string, data []byte) error {
	e.mu.RLock()
	hub, ok := e.hubs[ctxID]
	e.mu.RUnlock()
	if !ok {
		return ErrNotFound("no such context: " + ctxID)
	}
	return hub.Send(msgID, data)
}

// ListenMessage attaches to msgID in ctxID's hub. See MessageHub.Listen.
func (e *Engine) ListenMessage(ctxID, msgID string) (<-chan Message, func(), error) {
	e.mu.RLock()
	hub, ok := e.hubs[ctxID]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound("no such context: " + ctxID)
	}
	return hub.Listen(msgID)
}

// Shutdown stops every running context and closes its object store.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sup := range e.contexts {
		sup.Shutdown()
	}
	for _, store := range e.stores {
		_ = store.Close()
	}
	e.contexts = make(map[string]*Supervisor)
	e.stores = make(map[string]*ObjectStore)
	e.hubs = make(map[string]*MessageHub)
}
