package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IMEsec-USP/vumos-common/internal/agent"
	"github.com/IMEsec-USP/vumos-common/internal/message"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
)

// EntryType names a collection of the data service.
type EntryType string

const (
	Host          EntryType = "host"
	Machine       EntryType = "machine"
	Vulnerability EntryType = "vulnerability"
	Path          EntryType = "path"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrUnknownEntryType = errors.New("unknown entry type")
	ErrRequestFailed    = errors.New("data request failed")
	ErrClosed           = errors.New("database client is closed")
)

// Options configures a Client.
type Options struct {
	// Target is the subject of the data service. Empty broadcasts requests.
	Target string
	// Timeout bounds a request when ctx has no deadline.
	Timeout time.Duration
}

// Query selects the entries a request applies to.
type Query struct {
	ID     string
	Filter map[string]any
}

// Result is the answer of the data service to one request.
type Result struct {
	RequestID string
	Entries   []map[string]any
	Error     string
}

// Client sends data requests on behalf of an agent and waits for their
// results.
type Client struct {
	svc     *agent.Service
	target  string
	timeout time.Duration
	logger  *slog.Logger

	sub transport.Subscription

	mu      sync.Mutex
	pending map[string]chan *Result
	closed  bool
}

// New subscribes to the directed subject of svc on t to collect results.
// t must be the transport svc publishes on.
func New(ctx context.Context, svc *agent.Service, t transport.Transport, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	c := &Client{
		svc:     svc,
		target:  opts.Target,
		timeout: opts.Timeout,
		logger:  svc.Logger().With("component", "database_client"),
		pending: make(map[string]chan *Result),
	}

	sub, err := t.Subscribe(ctx, svc.DirectedSubject(), c.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribing for data results: %w", err)
	}
	c.sub = sub
	return c, nil
}

// Put stores data as an entry of typ. The query selects the entries to
// replace; an empty query inserts.
func (c *Client) Put(ctx context.Context, typ EntryType, data map[string]any, q Query) (*Result, error) {
	req := q.fields(typ)
	req["data"] = data
	return c.do(ctx, message.TagDataPut, req)
}

// Delete removes the entries of typ selected by q.
func (c *Client) Delete(ctx context.Context, typ EntryType, q Query) (*Result, error) {
	return c.do(ctx, message.TagDataDelete, q.fields(typ))
}

// Get returns fields of the entries of typ selected by q. No fields means
// all of them.
func (c *Client) Get(ctx context.Context, typ EntryType, fields []string, q Query) (*Result, error) {
	req := q.fields(typ)
	if fields == nil {
		fields = []string{}
	}
	req["fields"] = fields
	return c.do(ctx, message.TagDataGet, req)
}

func (q Query) fields(typ EntryType) map[string]any {
	m := map[string]any{"type": string(typ)}
	if q.ID != "" {
		m["id"] = q.ID
	}
	if len(q.Filter) > 0 {
		m["filter"] = q.Filter
	}
	return m
}

func (c *Client) do(ctx context.Context, tag string, req map[string]any) (*Result, error) {
	if !validType(EntryType(fmt.Sprint(req["type"]))) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEntryType, req["type"])
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	requestID := uuid.NewString()
	ch, err := c.createRequest(requestID)
	if err != nil {
		return nil, err
	}
	defer c.closeRequest(requestID)

	req["request_id"] = requestID
	if err := c.svc.SendMessage(ctx, tag, req, c.target); err != nil {
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if res.Error != "" {
			return res, fmt.Errorf("%w: %s", ErrRequestFailed, res.Error)
		}
		return res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s result: %w", tag, ctx.Err())
	}
}

func validType(t EntryType) bool {
	switch t {
	case Host, Machine, Vulnerability, Path:
		return true
	}
	return false
}

func (c *Client) createRequest(requestID string) (<-chan *Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	ch := make(chan *Result, 1)
	c.pending[requestID] = ch
	return ch, nil
}

func (c *Client) closeRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.pending[requestID]; ok {
		close(ch)
		delete(c.pending, requestID)
	}
}

func (c *Client) handle(ctx context.Context, msg *transport.Msg) {
	env, err := message.Decode(msg.Data)
	if err != nil || env.Message != message.TagDataResult {
		return
	}

	res := parseResult(env.Data)

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.pending[res.RequestID]
	if !ok {
		c.logger.WarnContext(ctx, "received result for unknown request",
			"request_id", res.RequestID,
			"from", env.ID,
		)
		return
	}

	select {
	case ch <- res:
	default:
		c.logger.WarnContext(ctx, "result already delivered, dropping duplicate",
			"request_id", res.RequestID,
		)
	}
}

func parseResult(data map[string]any) *Result {
	res := &Result{}
	res.RequestID, _ = data["request_id"].(string)
	res.Error, _ = data["error"].(string)

	if entries, ok := data["entries"].([]any); ok {
		for _, e := range entries {
			if m, ok := e.(map[string]any); ok {
				res.Entries = append(res.Entries, m)
			}
		}
	}
	return res
}

// Close stops collecting results and fails pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	return c.sub.Unsubscribe()
}
