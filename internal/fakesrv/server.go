// Package fakesrv runs an in-process websocket server speaking the
// wsstore protocol against any backing store.Store, normally a memstore.
// It exists for integration tests: dial it with wsstore.Dial and the
// whole client/server path is exercised without external infrastructure.
package fakesrv

import (
	"context"
	"errors"
	"net"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gofrs/uuid"
	"github.com/lxzan/gws"

	"github.com/docbind/docbind.go/pkg/logger"
	"github.com/docbind/docbind.go/pkg/store"
	"github.com/docbind/docbind.go/pkg/store/wsstore"
)

// Server accepts wsstore clients and serves every request from the
// backing store. Live subscriptions are forwarded as notification frames
// and torn down when the connection closes.
type Server struct {
	backing  store.Store
	log      logger.Logger
	listener net.Listener
	ws       *gws.Server

	mu    sync.Mutex
	conns map[*gws.Conn]*connState
}

type connState struct {
	mu   sync.Mutex
	subs map[string]store.Unsubscribe
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for connection-level events.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a server backed by st. Start must be called before dialing.
func New(st store.Store, opts ...Option) *Server {
	s := &Server{
		backing: st,
		log:     logger.Nop(),
		conns:   make(map[*gws.Conn]*connState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ws = gws.NewServer(&handler{server: s}, &gws.ServerOption{})
	s.ws.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) {
			s.log.Warn("fakesrv: server error", "error", err)
		}
	}
	return s
}

// Start binds addr and begins accepting connections. Use "127.0.0.1:0"
// for a random port and URL to learn the endpoint.
func (s *Server) Start(addr string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.ws.RunListener(listener); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("fakesrv: listener stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and tears down every live subscription.
func (s *Server) Stop() error {
	s.mu.Lock()
	states := make([]*connState, 0, len(s.conns))
	for _, st := range s.conns {
		states = append(states, st)
	}
	s.conns = map[*gws.Conn]*connState{}
	s.mu.Unlock()

	for _, st := range states {
		st.killAll()
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// URL returns the ws:// endpoint of the running server.
func (s *Server) URL() string {
	return "ws://" + s.listener.Addr().String()
}

func (cs *connState) addSub(id string, unsub store.Unsubscribe) {
	cs.mu.Lock()
	cs.subs[id] = unsub
	cs.mu.Unlock()
}

func (cs *connState) killSub(id string) bool {
	cs.mu.Lock()
	unsub, ok := cs.subs[id]
	delete(cs.subs, id)
	cs.mu.Unlock()
	if ok {
		unsub()
	}
	return ok
}

func (cs *connState) killAll() {
	cs.mu.Lock()
	subs := cs.subs
	cs.subs = map[string]store.Unsubscribe{}
	cs.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

type handler struct {
	gws.BuiltinEventHandler
	server *Server
}

func (h *handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.conns[socket] = &connState{subs: make(map[string]store.Unsubscribe)}
	h.server.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, _ error) {
	h.server.mu.Lock()
	cs := h.server.conns[socket]
	delete(h.server.conns, socket)
	h.server.mu.Unlock()
	if cs != nil {
		cs.killAll()
	}
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	var req wsstore.Request
	if err := json.Unmarshal(message.Bytes(), &req); err != nil {
		h.sendError(socket, "", wsstore.CodeParseError, "malformed request: "+err.Error())
		return
	}

	h.server.mu.Lock()
	cs := h.server.conns[socket]
	h.server.mu.Unlock()
	if cs == nil {
		return
	}

	switch req.Method {
	case "get":
		h.handleGet(socket, &req)
	case "listen":
		h.handleListen(socket, cs, &req)
	case "get_query":
		h.handleGetQuery(socket, &req)
	case "listen_query":
		h.handleListenQuery(socket, cs, &req)
	case "kill":
		h.handleKill(socket, cs, &req)
	case "add":
		h.handleAdd(socket, &req)
	case "set":
		h.handleSet(socket, &req)
	case "update":
		h.handleUpdate(socket, &req)
	case "delete":
		h.handleDelete(socket, &req)
	default:
		h.sendError(socket, req.ID, wsstore.CodeUnknownMethod, "unknown method: "+req.Method)
	}
}

func (h *handler) handleGet(socket *gws.Conn, req *wsstore.Request) {
	ref, ok := h.documentParam(socket, req)
	if !ok {
		return
	}
	snap, err := h.server.backing.Get(context.Background(), ref)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}
	payload, err := wsstore.NewDocumentPayload(snap)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}
	h.sendResult(socket, req.ID, payload)
}

func (h *handler) handleListen(socket *gws.Conn, cs *connState, req *wsstore.Request) {
	ref, ok := h.documentParam(socket, req)
	if !ok {
		return
	}
	subID := uuid.Must(uuid.NewV4()).String()

	unsub, err := h.server.backing.Listen(ref,
		func(snap store.DocumentSnapshot) {
			payload, perr := wsstore.NewDocumentPayload(snap)
			if perr != nil {
				h.notify(socket, wsstore.Notification{
					Subscription: subID,
					Error:        &wsstore.RPCError{Code: wsstore.CodeInternalError, Message: perr.Error()},
				})
				return
			}
			h.notify(socket, wsstore.Notification{Subscription: subID, Doc: &payload})
		},
		func(lerr error) {
			h.notify(socket, wsstore.Notification{
				Subscription: subID,
				Error:        &wsstore.RPCError{Code: wsstore.CodeInternalError, Message: lerr.Error()},
			})
		},
	)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}

	cs.addSub(subID, unsub)
	h.sendResult(socket, req.ID, wsstore.ListenResult{Subscription: subID})
}

func (h *handler) handleGetQuery(socket *gws.Conn, req *wsstore.Request) {
	q, ok := h.queryParam(socket, req)
	if !ok {
		return
	}
	snap, err := h.server.backing.GetQuery(context.Background(), q)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}
	payloads, err := docPayloads(snap.Docs)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}
	h.sendResult(socket, req.ID, payloads)
}

func (h *handler) handleListenQuery(socket *gws.Conn, cs *connState, req *wsstore.Request) {
	q, ok := h.queryParam(socket, req)
	if !ok {
		return
	}
	subID := uuid.Must(uuid.NewV4()).String()

	unsub, err := h.server.backing.ListenQuery(q,
		func(snap store.QuerySnapshot) {
			payloads, perr := docPayloads(snap.Docs)
			if perr != nil {
				h.notify(socket, wsstore.Notification{
					Subscription: subID,
					Error:        &wsstore.RPCError{Code: wsstore.CodeInternalError, Message: perr.Error()},
				})
				return
			}
			h.notify(socket, wsstore.Notification{Subscription: subID, Docs: &payloads})
		},
		func(lerr error) {
			h.notify(socket, wsstore.Notification{
				Subscription: subID,
				Error:        &wsstore.RPCError{Code: wsstore.CodeInternalError, Message: lerr.Error()},
			})
		},
	)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}

	cs.addSub(subID, unsub)
	h.sendResult(socket, req.ID, wsstore.ListenResult{Subscription: subID})
}

func (h *handler) handleKill(socket *gws.Conn, cs *connState, req *wsstore.Request) {
	var params wsstore.KillParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, "kill: "+err.Error())
		return
	}
	cs.killSub(params.Subscription)
	h.sendResult(socket, req.ID, nil)
}

func (h *handler) handleAdd(socket *gws.Conn, req *wsstore.Request) {
	params, data, ok := h.writeParams(socket, req)
	if !ok {
		return
	}
	col, err := store.NewCollection(params.Path)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, err.Error())
		return
	}
	ref, err := h.server.backing.Add(context.Background(), col, data)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}
	h.sendResult(socket, req.ID, wsstore.AddResult{Path: ref.Path()})
}

func (h *handler) handleSet(socket *gws.Conn, req *wsstore.Request) {
	params, data, ok := h.writeParams(socket, req)
	if !ok {
		return
	}
	ref, err := store.ParseDocumentPath(params.Path)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, err.Error())
		return
	}
	if err := h.server.backing.Set(context.Background(), ref, data); err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}
	h.sendResult(socket, req.ID, nil)
}

func (h *handler) handleUpdate(socket *gws.Conn, req *wsstore.Request) {
	params, data, ok := h.writeParams(socket, req)
	if !ok {
		return
	}
	ref, err := store.ParseDocumentPath(params.Path)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, err.Error())
		return
	}
	if err := h.server.backing.Update(context.Background(), ref, data); err != nil {
		if errors.Is(err, store.ErrMissingDocument) {
			h.sendError(socket, req.ID, wsstore.CodeMissingDocument, err.Error())
			return
		}
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}
	h.sendResult(socket, req.ID, nil)
}

func (h *handler) handleDelete(socket *gws.Conn, req *wsstore.Request) {
	ref, ok := h.documentParam(socket, req)
	if !ok {
		return
	}
	if err := h.server.backing.Delete(context.Background(), ref); err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInternalError, err.Error())
		return
	}
	h.sendResult(socket, req.ID, nil)
}

func (h *handler) documentParam(socket *gws.Conn, req *wsstore.Request) (store.DocumentRef, bool) {
	var params wsstore.GetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, req.Method+": "+err.Error())
		return store.DocumentRef{}, false
	}
	ref, err := store.ParseDocumentPath(params.Path)
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, err.Error())
		return store.DocumentRef{}, false
	}
	return ref, true
}

func (h *handler) queryParam(socket *gws.Conn, req *wsstore.Request) (store.Query, bool) {
	var spec wsstore.QuerySpec
	if err := json.Unmarshal(req.Params, &spec); err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, req.Method+": "+err.Error())
		return store.Query{}, false
	}
	q, err := spec.Query()
	if err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, err.Error())
		return store.Query{}, false
	}
	return q, true
}

func (h *handler) writeParams(socket *gws.Conn, req *wsstore.Request) (wsstore.WriteParams, any, bool) {
	var params wsstore.WriteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, req.Method+": "+err.Error())
		return params, nil, false
	}
	var data any
	if err := json.Unmarshal(params.Data, &data); err != nil {
		h.sendError(socket, req.ID, wsstore.CodeInvalidParams, req.Method+": decoding data: "+err.Error())
		return params, nil, false
	}
	return params, wsstore.NormalizeNumbers(data), true
}

func docPayloads(docs []store.DocumentSnapshot) ([]wsstore.DocumentPayload, error) {
	payloads := make([]wsstore.DocumentPayload, 0, len(docs))
	for _, doc := range docs {
		p, err := wsstore.NewDocumentPayload(doc)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

func (h *handler) sendResult(socket *gws.Conn, id string, result any) {
	res := wsstore.Response{ID: id}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			h.sendError(socket, id, wsstore.CodeInternalError, "encoding result: "+err.Error())
			return
		}
		res.Result = data
	}
	h.write(socket, res)
}

func (h *handler) sendError(socket *gws.Conn, id string, code int, message string) {
	h.write(socket, wsstore.Response{ID: id, Error: &wsstore.RPCError{Code: code, Message: message}})
}

func (h *handler) notify(socket *gws.Conn, n wsstore.Notification) {
	h.write(socket, n)
}

func (h *handler) write(socket *gws.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.server.log.Warn("fakesrv: encoding frame", "error", err)
		return
	}
	if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
		h.server.log.Warn("fakesrv: writing frame", "error", err)
	}
}
