package onem2m

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout bounds every non-poll request.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultPollTimeout bounds a single long-poll on the client side. It must
	// exceed the broker's own poll window.
	DefaultPollTimeout = 2 * time.Minute

	// DefaultBreakerFailures is the number of consecutive transport failures
	// that opens the circuit breaker.
	DefaultBreakerFailures = 5

	// DefaultBreakerTimeout is how long the breaker stays open.
	DefaultBreakerTimeout = 30 * time.Second

	// maxErrorBody caps the response body quoted in error messages.
	maxErrorBody = 512
)

// Operation names used in errors, logs and metric labels.
const (
	opConnect     = "connect"
	opDiscover    = "discover"
	opRetrieve    = "retrieve"
	opCreate      = "create"
	opUpdate      = "update"
	opDelete      = "delete"
	opPoll        = "poll"
	opAcknowledge = "acknowledge"
)

// Recorder receives per-operation metrics.
type Recorder interface {
	RecordCSEOperation(operation string, duration time.Duration, err error)
}

// Identity is the broker endpoint and caller identity a Connection talks with.
type Identity struct {
	// URL is the broker base URL, e.g. "http://localhost:8081".
	URL string

	// Originator is the X-M2M-Origin credential, e.g. "Cdash1".
	Originator string

	// RootID is the resource id of the CSE base, e.g. "id-in".
	RootID string
}

// Config holds configuration for creating a Connection.
type Config struct {
	Identity

	// RequestTimeout bounds every non-poll request (default: 10s).
	RequestTimeout time.Duration

	// PollTimeout bounds a single long-poll request (default: 2m).
	PollTimeout time.Duration

	// BreakerFailures is the consecutive failure count that opens the breaker (default: 5).
	BreakerFailures uint32

	// BreakerTimeout is the open-state duration of the breaker (default: 30s).
	BreakerTimeout time.Duration

	// HTTPClient overrides the default HTTP client. Its Timeout should be zero;
	// deadlines are applied per request.
	HTTPClient *http.Client

	// Logger provides structured logging.
	Logger *zap.Logger

	// Recorder receives operation metrics (optional).
	Recorder Recorder
}

// Connection identifies a broker endpoint and an originator, and issues the
// protocol operations against it. It is the client-side view of the CSE
// root and is safe for concurrent use.
type Connection struct {
	mu        sync.RWMutex
	identity  Identity
	connected bool

	httpClient     *http.Client
	requestTimeout time.Duration
	pollTimeout    time.Duration
	breaker        *gobreaker.CircuitBreaker
	logger         *zap.Logger
	recorder       Recorder
}

// request describes one HTTP exchange with the broker.
type request struct {
	op        string
	method    string
	target    string
	query     url.Values
	ty        ResourceType
	body      any
	requestID string
	timeout   time.Duration
}

// response is a read and classified broker response.
type response struct {
	status int
	rsc    ResponseStatusCode
	body   []byte
}

// NewConnection creates a Connection. It does not contact the broker; call
// Connect before issuing operations.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}

	pollTimeout := cfg.PollTimeout
	if pollTimeout == 0 {
		pollTimeout = DefaultPollTimeout
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = DefaultBreakerFailures
	}

	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout == 0 {
		breakerTimeout = DefaultBreakerTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	c := &Connection{
		identity:       cfg.Identity,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		pollTimeout:    pollTimeout,
		logger:         logger,
		recorder:       cfg.Recorder,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cse",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transport failures count against the broker.
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err) || IsConflict(err) || IsPollTimeout(err) ||
				errors.Is(err, ErrKindMismatch) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return c, nil
}

// Identity returns the current endpoint and originator.
func (c *Connection) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Reconfigure replaces the endpoint and originator and marks the connection
// as disconnected until the next successful Connect.
func (c *Connection) Reconfigure(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
	c.connected = false
}

// Connected reports whether the last Connect succeeded.
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect discovers the root resource and marks the connection as connected
// only on success.
func (c *Connection) Connect(ctx context.Context) error {
	id := c.Identity()
	if id.URL == "" || id.Originator == "" || id.RootID == "" {
		return fmt.Errorf("connect requires url, originator and root id")
	}

	if _, err := c.discover(ctx, opConnect, Filters{}); err != nil {
		c.Disconnect()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to CSE",
		zap.String("url", id.URL),
		zap.String("originator", id.Originator),
		zap.String("root_id", id.RootID),
	)
	return nil
}

// Disconnect clears the connected flag. It does not contact the broker.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Root returns a CSEBase handle for the configured root id.
func (c *Connection) Root() *CSEBase {
	id := c.Identity()
	return &CSEBase{Resource: Resource{Type: TypeCSEBase, ID: id.RootID}}
}

// Discover issues a filtered lookup against the root resource and returns
// the matching resource ids in broker order.
func (c *Connection) Discover(ctx context.Context, filters Filters) ([]string, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}
	return c.discover(ctx, opDiscover, filters)
}

func (c *Connection) discover(ctx context.Context, op string, filters Filters) ([]string, error) {
	resp, err := c.execute(ctx, &request{
		op:     op,
		method: http.MethodGet,
		target: c.Identity().RootID,
		query:  filters.values(),
	})
	if err != nil {
		return nil, err
	}

	if len(resp.body) == 0 {
		return nil, nil
	}

	var result struct {
		URIs []string `json:"m2m:uril"`
	}
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, &TransportError{Op: op, URL: c.Identity().RootID, StatusCode: resp.status, Err: fmt.Errorf("malformed discovery response: %w", err)}
	}
	return result.URIs, nil
}

// Retrieve fetches the current representation of k by id and refreshes it.
func (c *Connection) Retrieve(ctx context.Context, k Kind) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if k.Meta().ID == "" {
		return fmt.Errorf("retrieve %s: resource id is empty", k.WireKey())
	}

	resp, err := c.execute(ctx, &request{
		op:     opRetrieve,
		method: http.MethodGet,
		target: k.Meta().ID,
	})
	if err != nil {
		return err
	}

	return c.refreshFromResponse(opRetrieve, k, resp)
}

// Create posts k to its parent. On success the broker-assigned id and the
// returned representation are applied to k.
func (c *Connection) Create(ctx context.Context, k Kind) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	parentID := k.Meta().ParentID
	if parentID == "" {
		return fmt.Errorf("create %s: parent id is empty", k.WireKey())
	}

	body, err := createBody(k)
	if err != nil {
		return err
	}

	resp, err := c.execute(ctx, &request{
		op:     opCreate,
		method: http.MethodPost,
		target: parentID,
		ty:     k.ResourceType(),
		body:   body,
	})
	if err != nil {
		return err
	}

	if k.Meta().Type == 0 {
		k.Meta().Type = k.ResourceType()
	}
	return c.refreshFromResponse(opCreate, k, resp)
}

// Update puts a partial representation to k's own id and refreshes k from
// the response. The name is never sent.
func (c *Connection) Update(ctx context.Context, k Kind, partial map[string]any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if k.Meta().ID == "" {
		return fmt.Errorf("update %s: resource id is empty", k.WireKey())
	}

	resp, err := c.execute(ctx, &request{
		op:     opUpdate,
		method: http.MethodPut,
		target: k.Meta().ID,
		body:   updateBody(k, partial),
	})
	if err != nil {
		return err
	}

	return c.refreshFromResponse(opUpdate, k, resp)
}

// Delete removes k from the broker.
func (c *Connection) Delete(ctx context.Context, k Kind) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if k.Meta().ID == "" {
		return fmt.Errorf("delete %s: resource id is empty", k.WireKey())
	}

	_, err := c.execute(ctx, &request{
		op:     opDelete,
		method: http.MethodDelete,
		target: k.Meta().ID,
	})
	return err
}

// Close releases idle connections.
func (c *Connection) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Connection) refreshFromResponse(op string, k Kind, resp *response) error {
	if len(resp.body) == 0 {
		return nil
	}
	raw, err := unwrap(resp.body, k.WireKey())
	if err != nil {
		if errors.Is(err, ErrKindMismatch) {
			return fmt.Errorf("%s %s: %w", op, k.Meta().ID, err)
		}
		return &TransportError{Op: op, URL: k.Meta().ID, StatusCode: resp.status, Err: err}
	}
	if err := refresh(k, raw); err != nil {
		return &TransportError{Op: op, URL: k.Meta().ID, StatusCode: resp.status, Err: err}
	}
	return nil
}

// execute runs a request through the circuit breaker and records metrics.
func (c *Connection) execute(ctx context.Context, req *request) (*response, error) {
	start := time.Now()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &TransportError{Op: req.op, URL: req.target, Err: err}
	}

	c.observe(req, start, err)
	if err != nil {
		return nil, err
	}

	resp, ok := result.(*response)
	if !ok {
		return nil, &TransportError{Op: req.op, URL: req.target, Err: errors.New("unexpected breaker result")}
	}
	return resp, nil
}

func (c *Connection) observe(req *request, start time.Time, err error) {
	duration := time.Since(start)
	if c.recorder != nil {
		c.recorder.RecordCSEOperation(req.op, duration, err)
	}

	switch {
	case err == nil:
		c.logger.Debug("CSE operation completed",
			zap.String("operation", req.op),
			zap.String("resource_id", req.target),
			zap.Duration("duration", duration),
		)
	case IsNotFound(err), IsConflict(err), IsPollTimeout(err):
		c.logger.Debug("CSE operation returned status",
			zap.String("operation", req.op),
			zap.String("resource_id", req.target),
			zap.Error(err),
		)
	default:
		c.logger.Error("CSE operation failed",
			zap.String("operation", req.op),
			zap.String("resource_id", req.target),
			zap.String("originator", c.Identity().Originator),
			zap.Error(err),
		)
	}
}

// roundTrip performs one HTTP exchange and classifies the outcome.
func (c *Connection) roundTrip(ctx context.Context, req *request) (*response, error) {
	id := c.Identity()
	target := buildURL(id.URL, req.target, req.query)

	timeout := req.timeout
	if timeout == 0 {
		timeout = c.requestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bodyReader, err := marshalRequestBody(req.body)
	if err != nil {
		return nil, &TransportError{Op: req.op, URL: target, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.method, target, bodyReader)
	if err != nil {
		return nil, &TransportError{Op: req.op, URL: target, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	requestID := req.requestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	httpReq.Header.Set(HeaderOrigin, id.Originator)
	httpReq.Header.Set(HeaderRequestID, requestID)
	httpReq.Header.Set(HeaderReleaseVersion, ReleaseVersion)
	httpReq.Header.Set("Accept", "application/json")
	switch {
	case req.ty != 0:
		httpReq.Header.Set("Content-Type", "application/json;ty="+strconv.Itoa(int(req.ty)))
	case req.body != nil:
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if req.op == opPoll && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s: %w", req.op, req.target, ErrPollTimeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", req.op, req.target, ctx.Err())
		}
		return nil, &TransportError{Op: req.op, URL: target, Err: err}
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Op: req.op, URL: target, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	resp := &response{status: httpResp.StatusCode, body: body}
	if rsc, convErr := strconv.Atoi(httpResp.Header.Get(HeaderResponseStatus)); convErr == nil {
		resp.rsc = ResponseStatusCode(rsc)
	}

	if err := classify(req, target, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(req *request, target string, resp *response) error {
	if resp.status >= 200 && resp.status < 300 {
		return nil
	}

	switch {
	case resp.status == http.StatusNotFound || resp.rsc == RSCNotFound:
		return fmt.Errorf("%s %s: %w", req.op, req.target, ErrNotFound)
	case resp.status == http.StatusConflict || resp.rsc == RSCConflict:
		return fmt.Errorf("%s %s: %w", req.op, req.target, ErrConflict)
	case resp.status == http.StatusGatewayTimeout || resp.rsc == RSCRequestTimeout:
		return fmt.Errorf("%s %s: %w", req.op, req.target, ErrPollTimeout)
	default:
		return &TransportError{
			Op:         req.op,
			URL:        target,
			StatusCode: resp.status,
			RSC:        resp.rsc,
			Err:        fmt.Errorf("unexpected response: %s", truncate(resp.body)),
		}
	}
}

func marshalRequestBody(body any) (io.Reader, error) {
	if body == nil {
		return http.NoBody, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return bytes.NewReader(payload), nil
}

func buildURL(base, target string, query url.Values) string {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(target, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
