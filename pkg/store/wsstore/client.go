package wsstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	json "github.com/goccy/go-json"
	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"

	"github.com/docbind/docbind.go/pkg/logger"
	"github.com/docbind/docbind.go/pkg/store"
)

// DefaultTimeout bounds every RPC round trip unless overridden.
const DefaultTimeout = 30 * time.Second

// ErrClosed is returned by calls made after the connection closed.
var ErrClosed = errors.New("wsstore: connection closed")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for connection-level events.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// subscription holds the callbacks of one live listen. Exactly one of
// onDoc and onQuery is set.
type subscription struct {
	onDoc   func(store.DocumentSnapshot)
	onQuery func(store.QuerySnapshot)
	onError func(error)
}

// Client is a store.Store backed by a single websocket connection.
//
// One read loop routes every inbound frame: responses go to the pending
// request that carries the same id, notifications to the registered
// subscription. Notifications that arrive before their subscription is
// registered are parked and flushed on registration, so the initial
// snapshot of a listen is never lost to the registration race.
type Client struct {
	conn    *websocket.Conn
	log     logger.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu       sync.RWMutex
	pending  map[string]chan Response
	subs     map[string]*subscription
	backlog  map[string][]Notification
	closed   bool
	closeErr error

	done chan struct{}
}

// Dial connects to a wsstore server at url (a ws:// or wss:// endpoint).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsstore: dialing %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		log:     logger.Nop(),
		timeout: DefaultTimeout,
		pending: make(map[string]chan Response),
		subs:    make(map[string]*subscription),
		backlog: make(map[string][]Notification),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c, nil
}

// Close tears down the connection. Pending requests fail with ErrClosed
// and every live subscription receives it on its error callback.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.fail(ErrClosed)
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("wsstore: connection lost: %w", err))
			return
		}

		// Notifications carry a subscription id, responses a request id.
		if sub, err := jsonparser.GetString(data, "subscription"); err == nil && sub != "" {
			var n Notification
			if err := json.Unmarshal(data, &n); err != nil {
				c.log.Warn("wsstore: dropping malformed notification", "error", err)
				continue
			}
			c.routeNotification(n)
			continue
		}

		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			c.log.Warn("wsstore: dropping malformed response", "error", err)
			continue
		}
		c.routeResponse(res)
	}
}

func (c *Client) routeResponse(res Response) {
	c.mu.Lock()
	ch, ok := c.pending[res.ID]
	delete(c.pending, res.ID)
	c.mu.Unlock()

	if !ok {
		c.log.Warn("wsstore: response for unknown request", "id", res.ID)
		return
	}
	ch <- res
}

func (c *Client) routeNotification(n Notification) {
	c.mu.Lock()
	sub, ok := c.subs[n.Subscription]
	if !ok {
		// The listen response has not been processed yet; park the
		// frame so registration can replay it in order.
		c.backlog[n.Subscription] = append(c.backlog[n.Subscription], n)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go c.dispatch(sub, n)
}

func (c *Client) dispatch(sub *subscription, n Notification) {
	switch {
	case n.Error != nil:
		sub.onError(n.Error)

	case n.Doc != nil && sub.onDoc != nil:
		snap, err := n.Doc.Snapshot()
		if err != nil {
			sub.onError(err)
			return
		}
		sub.onDoc(snap)

	case n.Docs != nil && sub.onQuery != nil:
		snap := store.QuerySnapshot{Docs: make([]store.DocumentSnapshot, 0, len(*n.Docs))}
		for _, p := range *n.Docs {
			ds, err := p.Snapshot()
			if err != nil {
				sub.onError(err)
				return
			}
			snap.Docs = append(snap.Docs, ds)
		}
		sub.onQuery(snap)

	default:
		c.log.Warn("wsstore: notification shape does not match subscription", "subscription", n.Subscription)
	}
}

// registerSub installs the subscription and replays any parked frames.
// Replay runs off the registering goroutine: Listen executes on the
// caller's own call path, often with the caller's lock held, and the
// snapshot callback takes that same lock.
func (c *Client) registerSub(id string, sub *subscription) {
	c.mu.Lock()
	c.subs[id] = sub
	parked := c.backlog[id]
	delete(c.backlog, id)
	c.mu.Unlock()

	if len(parked) == 0 {
		return
	}
	go func() {
		for _, n := range parked {
			c.dispatch(sub, n)
		}
	}()
}

func (c *Client) removeSub(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	delete(c.backlog, id)
	c.mu.Unlock()
}

// fail closes the client exactly once, failing pending requests and
// notifying live subscriptions.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = map[string]*subscription{}
	c.backlog = map[string][]Notification{}
	close(c.done)
	c.mu.Unlock()

	if !errors.Is(err, ErrClosed) {
		c.log.Error("wsstore: connection failed", "error", err)
	}
	for _, sub := range subs {
		go sub.onError(err)
	}
}

// call performs one RPC round trip.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.RLock()
	if c.closed {
		err := c.closeErr
		c.mu.RUnlock()
		return nil, err
	}
	c.mu.RUnlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("wsstore: encoding %s params: %w", method, err)
	}
	id := uuid.Must(uuid.NewV4()).String()
	req := Request{ID: id, Method: method, Params: raw}

	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wsstore: encoding %s request: %w", method, err)
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("wsstore: sending %s request: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("wsstore: %s request timed out after %s", method, c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return nil, c.closeErr
	}
}

// Get implements store.Store.
func (c *Client) Get(ctx context.Context, ref store.DocumentRef) (store.DocumentSnapshot, error) {
	result, err := c.call(ctx, methodGet, GetParams{Path: ref.Path()})
	if err != nil {
		return store.DocumentSnapshot{}, err
	}
	var p DocumentPayload
	if err := json.Unmarshal(result, &p); err != nil {
		return store.DocumentSnapshot{}, fmt.Errorf("wsstore: decoding get result: %w", err)
	}
	return p.Snapshot()
}

// Listen implements store.Store.
func (c *Client) Listen(ref store.DocumentRef, onSnapshot func(store.DocumentSnapshot), onError func(error)) (store.Unsubscribe, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.call(ctx, methodListen, GetParams{Path: ref.Path()})
	if err != nil {
		return nil, err
	}
	var lr ListenResult
	if err := json.Unmarshal(result, &lr); err != nil {
		return nil, fmt.Errorf("wsstore: decoding listen result: %w", err)
	}

	c.registerSub(lr.Subscription, &subscription{onDoc: onSnapshot, onError: onError})
	return c.killFunc(lr.Subscription), nil
}

// GetQuery implements store.Store.
func (c *Client) GetQuery(ctx context.Context, q store.Query) (store.QuerySnapshot, error) {
	result, err := c.call(ctx, methodGetQuery, NewQuerySpec(q))
	if err != nil {
		return store.QuerySnapshot{}, err
	}
	var payloads []DocumentPayload
	if err := json.Unmarshal(result, &payloads); err != nil {
		return store.QuerySnapshot{}, fmt.Errorf("wsstore: decoding get_query result: %w", err)
	}
	snap := store.QuerySnapshot{Query: q, Docs: make([]store.DocumentSnapshot, 0, len(payloads))}
	for _, p := range payloads {
		ds, err := p.Snapshot()
		if err != nil {
			return store.QuerySnapshot{}, err
		}
		snap.Docs = append(snap.Docs, ds)
	}
	return snap, nil
}

// ListenQuery implements store.Store.
func (c *Client) ListenQuery(q store.Query, onSnapshot func(store.QuerySnapshot), onError func(error)) (store.Unsubscribe, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.call(ctx, methodListenQuery, NewQuerySpec(q))
	if err != nil {
		return nil, err
	}
	var lr ListenResult
	if err := json.Unmarshal(result, &lr); err != nil {
		return nil, fmt.Errorf("wsstore: decoding listen_query result: %w", err)
	}

	wrapped := func(snap store.QuerySnapshot) {
		snap.Query = q
		onSnapshot(snap)
	}
	c.registerSub(lr.Subscription, &subscription{onQuery: wrapped, onError: onError})
	return c.killFunc(lr.Subscription), nil
}

func (c *Client) killFunc(id string) store.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.removeSub(id)
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			if _, err := c.call(ctx, methodKill, KillParams{Subscription: id}); err != nil && !errors.Is(err, ErrClosed) {
				c.log.Warn("wsstore: killing subscription", "subscription", id, "error", err)
			}
		})
	}
}

// Add implements store.Store.
func (c *Client) Add(ctx context.Context, col store.CollectionRef, data any) (store.DocumentRef, error) {
	payload, err := EncodeData(data)
	if err != nil {
		return store.DocumentRef{}, err
	}
	result, err := c.call(ctx, methodAdd, WriteParams{Path: col.Path(), Data: payload})
	if err != nil {
		return store.DocumentRef{}, err
	}
	var ar AddResult
	if err := json.Unmarshal(result, &ar); err != nil {
		return store.DocumentRef{}, fmt.Errorf("wsstore: decoding add result: %w", err)
	}
	return store.ParseDocumentPath(ar.Path)
}

// Set implements store.Store.
func (c *Client) Set(ctx context.Context, ref store.DocumentRef, data any) error {
	payload, err := EncodeData(data)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, methodSet, WriteParams{Path: ref.Path(), Data: payload})
	return err
}

// Update implements store.Store.
func (c *Client) Update(ctx context.Context, ref store.DocumentRef, data any) error {
	payload, err := EncodeData(data)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, methodUpdate, WriteParams{Path: ref.Path(), Data: payload})
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == CodeMissingDocument {
		return fmt.Errorf("wsstore: update %s: %w", ref.Path(), store.ErrMissingDocument)
	}
	return err
}

// Delete implements store.Store.
func (c *Client) Delete(ctx context.Context, ref store.DocumentRef) error {
	_, err := c.call(ctx, methodDelete, GetParams{Path: ref.Path()})
	return err
}

var _ store.Store = (*Client)(nil)
