// Package transport is a reference HTTP surface over a vmengine.Engine.
// It is not part of the engine's contract: it exists so the engine can
// be exercised end to end, and a real deployment is free to expose the
// same operations however it likes.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/voidmerge/vmengine"
)

// Server adapts an *vmengine.Engine to net/http, routing by path prefix
// the way a small dedicated mux would.
type Server struct {
	Engine *vmengine.Engine
}

func New(engine *vmengine.Engine) *Server {
	return &Server{Engine: engine}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/obj/"):
		s.handleObject(w, r)
	case strings.HasPrefix(r.URL.Path, "/msg-listen/"):
		s.handleMessageListen(w, r)
	case strings.HasPrefix(r.URL.Path, "/msg/"):
		s.handleMessageControl(w, r)
	case strings.HasPrefix(r.URL.Path, "/fn/"):
		s.handleFn(w, r)
	default:
		http.NotFound(w, r)
	}
}

// splitCtxPath splits "/prefix/{ctx}/{rest...}" into ctx and rest.
func splitCtxPath(urlPath, trimPrefix string) (ctx, rest string, ok bool) {
	trimmed := strings.TrimPrefix(urlPath, trimPrefix)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return parts[0], "", true
	}
	return parts[0], parts[1], true
}

// handleObject serves GET/PUT/DELETE against /obj/{ctx}/{appPath...}.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	ctxID, appPath, ok := splitCtxPath(r.URL.Path, "/obj/")
	if !ok {
		http.Error(w, "missing context", http.StatusBadRequest)
		return
	}
	if appPath == "" && r.Method != http.MethodGet {
		http.Error(w, "missing app path", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if appPath == "" || strings.HasSuffix(r.URL.Path, "/") {
			opts := vmengine.ListOpts{Prefix: r.URL.Query().Get("prefix")}
			if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
				opts.Limit = limit
			}
			if createdGt, err := strconv.ParseFloat(r.URL.Query().Get("createdGt"), 64); err == nil {
				opts.CreatedGt = createdGt
			}
			metas, err := s.Engine.ListObjects(ctxID, opts)
			if writeErr(w, err) {
				return
			}
			writeJSON(w, http.StatusOK, metas)
			return
		}
		obj, err := s.Engine.GetObject(ctxID, appPath)
		if writeErr(w, err) {
			return
		}
		w.Header().Set("X-Object-Created", strconv.FormatFloat(obj.Meta.CreatedSecs, 'f', -1, 64))
		w.Header().Set("X-Object-Expires", strconv.FormatFloat(obj.Meta.ExpiresSecs, 'f', -1, 64))
		writeCompressible(w, r, obj.Data)

	case http.MethodPut:
		data, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
			return
		}
		var ttl float64
		if v := r.URL.Query().Get("ttl"); v != "" {
			ttl, _ = strconv.ParseFloat(v, 64)
		}
		meta, err := s.Engine.PutObject(ctxID, appPath, data, ttl)
		if writeErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, meta)

	case http.MethodDelete:
		err := s.Engine.RemoveObject(ctxID, appPath)
		if writeErr(w, err) {
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleFn dispatches a request of any method to /fn/{ctx}/{path...} to
// the context's registered handler as an fnReq.
func (s *Server) handleFn(w http.ResponseWriter, r *http.Request) {
	ctxID, rest, ok := splitCtxPath(r.URL.Path, "/fn/")
	if !ok {
		http.Error(w, "missing context", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	res, err := s.Engine.HandleFn(ctxID, vmengine.FnReq{
		Method:  r.Method,
		Path:    "/" + rest,
		Body:    body,
		Headers: headers,
	})
	if writeErr(w, err) {
		return
	}
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

// handleMessageControl serves POST /msg/{ctx} (create a channel), GET
// /msg/{ctx} (list channels), and POST /msg/{ctx}/{msgId} (send).
func (s *Server) handleMessageControl(w http.ResponseWriter, r *http.Request) {
	ctxID, rest, ok := splitCtxPath(r.URL.Path, "/msg/")
	if !ok {
		http.Error(w, "missing context", http.StatusBadRequest)
		return
	}

	if rest == "" {
		switch r.Method {
		case http.MethodPost:
			id, err := s.Engine.NewMessageChannel(ctxID)
			if writeErr(w, err) {
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"msgId": id})
		case http.MethodGet:
			ids, err := s.Engine.ListMessageChannels(ctxID)
			if writeErr(w, err) {
				return
			}
			writeJSON(w, http.StatusOK, ids)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Engine.SendMessage(ctxID, rest, data); writeErr(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessageListen upgrades GET /msg-listen/{ctx}/{msgId} to a
// WebSocket and bridges every message sent to that channel to the
// connection, the way the isolate-side WebSocket bridge relays frames
// between a JS WebSocket object and its underlying connection, minus
// the JS side.
func (s *Server) handleMessageListen(w http.ResponseWriter, r *http.Request) {
	ctxID, msgID, ok := splitCtxPath(r.URL.Path, "/msg-listen/")
	if !ok || msgID == "" {
		http.Error(w, "missing context or msgId", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	msgs, detach, err := s.Engine.ListenMessage(ctxID, msgID)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer detach()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "context canceled")
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case m, ok := <-msgs:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, m.Data); err != nil {
				return
			}
		}
	}
}

func writeErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	status := http.StatusInternalServerError
	if kind, ok := vmengine.KindOf(err); ok {
		switch kind {
		case vmengine.KindNotFound:
			status = http.StatusNotFound
		case vmengine.KindInvalidInput, vmengine.KindHandlerRejected:
			status = http.StatusBadRequest
		case vmengine.KindAlreadySubscribed, vmengine.KindQueueFull:
			status = http.StatusConflict
		case vmengine.KindTimeout:
			status = http.StatusGatewayTimeout
		case vmengine.KindEngineDown:
			status = http.StatusServiceUnavailable
		}
	}
	http.Error(w, err.Error(), status)
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
