// Package wsstore implements the store.Store interface over a JSON-RPC
// style websocket protocol.
//
// Every client request carries a unique id and is answered by exactly one
// response frame with the same id. Live subscriptions additionally receive
// notification frames, identified by a server-assigned subscription id
// instead of a request id. Document payloads travel as JSON on the wire
// and are re-encoded to CBOR at the client boundary, so the rest of the
// module never sees the transport encoding.
package wsstore

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"

	"github.com/docbind/docbind.go/pkg/store"
)

// cborDec decodes untyped CBOR maps to map[string]any so the result is
// JSON-marshalable; the default map[interface{}]interface{} is not.
var cborDec = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// RPC method names understood by the server.
const (
	methodGet         = "get"
	methodListen      = "listen"
	methodGetQuery    = "get_query"
	methodListenQuery = "listen_query"
	methodKill        = "kill"
	methodAdd         = "add"
	methodSet         = "set"
	methodUpdate      = "update"
	methodDelete      = "delete"
)

// Request is a single client-to-server RPC frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request, matched by id.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a protocol-level failure reported by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes used by RPCError.
const (
	CodeParseError      = -32700
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeUnknownMethod   = -32601
	CodeMissingDocument = -32001
)

func (e *RPCError) Error() string {
	return fmt.Sprintf("wsstore: rpc error %d: %s", e.Code, e.Message)
}

// Notification is a server-to-client push frame for one live subscription.
// Exactly one of Doc, Docs or Error is populated, matching the kind of
// subscription it belongs to.
type Notification struct {
	Subscription string             `json:"subscription"`
	Doc          *DocumentPayload   `json:"doc,omitempty"`
	Docs         *[]DocumentPayload `json:"docs,omitempty"`
	Error        *RPCError          `json:"error,omitempty"`
}

// DocumentPayload is the wire shape of one document snapshot.
type DocumentPayload struct {
	Path   string          `json:"path"`
	Exists bool            `json:"exists"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ConditionSpec is the wire shape of one query condition.
type ConditionSpec struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// OrderSpec is the wire shape of one query ordering.
type OrderSpec struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// QuerySpec is the wire shape of a query.
type QuerySpec struct {
	From    string          `json:"from"`
	Where   []ConditionSpec `json:"where,omitempty"`
	OrderBy []OrderSpec     `json:"order_by,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

// GetParams carries the target of get, listen and delete requests.
type GetParams struct {
	Path string `json:"path"`
}

// KillParams tears down one live subscription.
type KillParams struct {
	Subscription string `json:"subscription"`
}

// WriteParams carries the target and JSON payload of add, set and update
// requests. For add, Path names a collection; otherwise a document.
type WriteParams struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// AddResult reports the document created by an add request.
type AddResult struct {
	Path string `json:"path"`
}

// ListenResult reports the subscription id assigned by listen and
// listen_query requests.
type ListenResult struct {
	Subscription string `json:"subscription"`
}

// NewQuerySpec converts a query to its wire shape.
func NewQuerySpec(q store.Query) QuerySpec {
	spec := QuerySpec{From: q.From().Path(), Limit: q.LimitN()}
	for _, c := range q.Conditions() {
		spec.Where = append(spec.Where, ConditionSpec{Field: c.Field, Op: string(c.Op), Value: c.Value})
	}
	for _, o := range q.Orders() {
		spec.OrderBy = append(spec.OrderBy, OrderSpec{Field: o.Field, Desc: o.Desc})
	}
	return spec
}

// Query reconstructs the store query described by the spec.
func (s QuerySpec) Query() (store.Query, error) {
	col, err := store.NewCollection(s.From)
	if err != nil {
		return store.Query{}, fmt.Errorf("wsstore: invalid query collection %q: %w", s.From, err)
	}
	q := col.Query()
	for _, c := range s.Where {
		q = q.Where(c.Field, store.Op(c.Op), c.Value)
	}
	for _, o := range s.OrderBy {
		if o.Desc {
			q = q.OrderByDesc(o.Field)
		} else {
			q = q.OrderBy(o.Field)
		}
	}
	if s.Limit > 0 {
		q = q.Limit(s.Limit)
	}
	return q, nil
}

// NewDocumentPayload converts a document snapshot to its wire shape,
// transcoding the CBOR payload to JSON.
func NewDocumentPayload(snap store.DocumentSnapshot) (DocumentPayload, error) {
	p := DocumentPayload{Path: snap.Ref.Path(), Exists: snap.Exists}
	if !snap.Exists {
		return p, nil
	}
	var v any
	if err := cborDec.Unmarshal(snap.Data, &v); err != nil {
		return DocumentPayload{}, fmt.Errorf("wsstore: decoding document %s: %w", snap.Ref.Path(), err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return DocumentPayload{}, fmt.Errorf("wsstore: encoding document %s: %w", snap.Ref.Path(), err)
	}
	p.Data = data
	return p, nil
}

// Snapshot reconstructs the document snapshot described by the payload,
// transcoding the JSON payload back to CBOR.
func (p DocumentPayload) Snapshot() (store.DocumentSnapshot, error) {
	ref, err := store.ParseDocumentPath(p.Path)
	if err != nil {
		return store.DocumentSnapshot{}, fmt.Errorf("wsstore: invalid document path %q: %w", p.Path, err)
	}
	snap := store.DocumentSnapshot{Ref: ref, Exists: p.Exists}
	if !p.Exists {
		return snap, nil
	}
	var v any
	if err := json.Unmarshal(p.Data, &v); err != nil {
		return store.DocumentSnapshot{}, fmt.Errorf("wsstore: decoding document %s: %w", p.Path, err)
	}
	data, err := cbor.Marshal(NormalizeNumbers(v))
	if err != nil {
		return store.DocumentSnapshot{}, fmt.Errorf("wsstore: encoding document %s: %w", p.Path, err)
	}
	snap.Data = data
	return snap, nil
}

// NormalizeNumbers rewrites integral float64 values produced by JSON
// decoding back to int64, recursively through maps and slices. JSON has a
// single number type; without this, an integer field round-tripped over
// the wire would come back as a CBOR float and no longer decode into
// integer-typed struct fields.
func NormalizeNumbers(v any) any {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = NormalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = NormalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}

// EncodeData renders a mutation payload as wire JSON. Every payload is
// canonicalized through CBOR first, so the wire carries the field names
// the stores persist under (cbor tags), not Go identifiers.
func EncodeData(data any) (json.RawMessage, error) {
	raw, ok := data.(cbor.RawMessage)
	if !ok {
		enc, err := cbor.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("wsstore: encoding payload: %w", err)
		}
		raw = enc
	}
	var v any
	if err := cborDec.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("wsstore: transcoding payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wsstore: encoding payload: %w", err)
	}
	return out, nil
}
