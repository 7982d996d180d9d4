package vmengine

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// triggerJob is one entry in a Supervisor's FIFO trigger queue.
type triggerJob struct {
	kind TriggerKind
	req  any
	res  any
	done chan error
}

// Supervisor owns a single context's Isolate and serializes every
// trigger dispatched to it through a one-at-a-time FIFO queue drained by
// a single worker goroutine, so no two triggers are ever in flight
// concurrently against the same isolate.
type Supervisor struct {
	ctxID string
	cfg   Config

	obj *ObjectStore
	msg *MessageHub

	mu    sync.Mutex
	iso   *Isolate
	dead  bool
	cause error

	queue chan *triggerJob
	quit  chan struct{}
	wg    sync.WaitGroup

	cron *cronTicker
}

// StartContext boots the isolate for code, runs the codeConfigReq
// handshake, and starts the trigger worker and (if the handler
// requested one) the cron ticker.
func StartContext(ctxID, code string, envVars map[string]string, cfg Config, obj *ObjectStore, msg *MessageHub) (*Supervisor, error) {
	if cfg.MaxScriptSizeKB > 0 && len(code) > cfg.MaxScriptSizeKB*1024 {
		return nil, ErrInvalidInput(fmt.Sprintf("context code exceeds %d KB limit", cfg.MaxScriptSizeKB))
	}
	code, err := ValidateAndMinify(code)
	if err != nil {
		return nil, err
	}

	iso, err := NewIsolate(ctxID, code, envVars, obj, msg, cfg.ObjCheckMaxDepth, cfg.MemoryLimitMB)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		ctxID: ctxID,
		cfg:   cfg,
		obj:   obj,
		msg:   msg,
		iso:   iso,
		queue: make(chan *triggerJob, 64),
		quit:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()

	var configRes CodeConfigRes
	if err := s.Dispatch(TriggerCodeConfig, CodeConfigReq{}, &configRes); err != nil {
		s.Shutdown()
		return nil, fmt.Errorf("codeConfigReq handshake failed: %w", err)
	}

	if configRes.CronIntervalSecs > 0 {
		s.cron = newCronTicker(secondsToDuration(configRes.CronIntervalSecs), s.fireCron)
		s.cron.Start()
	}

	return s, nil
}

// Shutdown stops the cron ticker and trigger worker and disposes the
// isolate. Safe to call once.
func (s *Supervisor) Shutdown() {
	if s.cron != nil {
		s.cron.Stop()
	}
	close(s.quit)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.iso != nil {
		s.iso.Dispose()
		s.iso = nil
	}
}

func (s *Supervisor) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			s.drainWithEngineDown()
			return
		case job := <-s.queue:
			job.done <- s.runJob(job)
		}
	}
}

// drainWithEngineDown fails any jobs still queued at shutdown time.
func (s *Supervisor) drainWithEngineDown() {
	for {
		select {
		case job := <-s.queue:
			job.done <- ErrEngineDown("context is shutting down")
		default:
			return
		}
	}
}

// runJob executes one trigger against the isolate with panic recovery.
// A recovered panic transitions the context to its terminal Dead state;
// every trigger dispatched afterward is rejected with EngineDown.
func (s *Supervisor) runJob(job *triggerJob) (err error) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return ErrEngineDown(s.cause.Error())
	}
	iso := s.iso
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("panic dispatching %s: %v", job.kind, r)
			s.mu.Lock()
			s.dead = true
			s.cause = cause
			s.mu.Unlock()
			if iso.el.hasPending() {
				log.Printf("vmengine: context %s: dying with pending timers still registered", s.ctxID)
			}
			log.Printf("vmengine: context %s: %v, transitioning to Dead", s.ctxID, cause)
			err = ErrEngineDown(cause.Error())
		}
	}()

	deadline := time.Now().Add(s.cfg.TriggerTimeout)
	done := make(chan error, 1)
	panicked := make(chan any, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicked <- r
			}
		}()
		done <- iso.CallHandler(job.req, job.res, deadline)
	}()

	select {
	case err := <-done:
		return err
	case r := <-panicked:
		panic(r)
	case <-time.After(s.cfg.TriggerTimeout):
		iso.Terminate()
		select {
		case <-done:
		case r := <-panicked:
			panic(r)
		}
		return ErrTimeout(fmt.Sprintf("%s exceeded trigger timeout", job.kind))
	}
}

// Dispatch enqueues a trigger and blocks until it completes.
func (s *Supervisor) Dispatch(kind TriggerKind, req any, res any) error {
	s.mu.Lock()
	if s.dead {
		err := ErrEngineDown(s.cause.Error())
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	job := &triggerJob{kind: kind, req: req, res: res, done: make(chan error, 1)}
	select {
	case s.queue <- job:
	case <-s.quit:
		return ErrEngineDown("context is shutting down")
	}
	return <-job.done
}

// DispatchObjCheck runs an objCheckReq, enforcing the nesting bound
// against handler-issued objPut re-entrancy. A nil error means the
// handler accepted the write by returning normally; a raised handler
// error surfaces as KindHandlerRejected.
func (s *Supervisor) DispatchObjCheck(meta ObjMeta, data []byte, depth int) error {
	if depth > s.cfg.ObjCheckMaxDepth {
		return ErrInvalidInput("objCheckReq nesting exceeds bound")
	}
	var res ObjCheckRes
	return s.Dispatch(TriggerObjCheck, ObjCheckReq{Meta: meta, Data: data, Depth: depth}, &res)
}

func (s *Supervisor) fireCron(t time.Time) {
	var res CronRes
	if err := s.Dispatch(TriggerCron, CronReq{FireTime: t}, &res); err != nil {
		log.Printf("vmengine: context %s: cronReq failed: %v", s.ctxID, err)
	}
}

// Dead reports whether the context's isolate has transitioned to its
// terminal state.
func (s *Supervisor) Dead() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead, s.cause
}
