// Package onem2mtest provides an in-memory CSE broker served over HTTP for
// tests of code that talks to a broker through onem2m.Connection.
package onem2mtest

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/piwi3910/trafficweave/internal/onem2m"
)

// Operation names counted by the broker.
const (
	OpDiscover    = "discover"
	OpRetrieve    = "retrieve"
	OpCreate      = "create"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpPoll        = "poll"
	OpAcknowledge = "acknowledge"
)

// DefaultPollWindow is how long a pickup request waits for a notification.
const DefaultPollWindow = 50 * time.Millisecond

type entry struct {
	key    string
	fields map[string]any
}

// Failure is an injected error response.
type Failure struct {
	Status int
	RSC    onem2m.ResponseStatusCode
}

// Ack is a recorded notification acknowledgement.
type Ack struct {
	PollingChannel string
	RequestID      string
	Status         int
}

// Broker is a minimal CSE. Resources live in memory and are addressed by
// their resource id directly below the base URL.
type Broker struct {
	mu         sync.Mutex
	rootID     string
	resources  map[string]*entry
	order      []string
	seq        int
	counts     map[string]int
	created    []string
	queues     map[string][]json.RawMessage
	acks       []Ack
	failures   map[string][]Failure
	pollWindow time.Duration

	server *httptest.Server
}

// New starts a broker whose CSE base has id rootID. The server is closed
// when the test ends.
func New(t testing.TB, rootID string) *Broker {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := &Broker{
		rootID:     rootID,
		resources:  map[string]*entry{},
		counts:     map[string]int{},
		queues:     map[string][]json.RawMessage{},
		failures:   map[string][]Failure{},
		pollWindow: DefaultPollWindow,
	}
	b.resources[rootID] = &entry{
		key: onem2m.KeyCSEBase,
		fields: map[string]any{
			"ty":  int(onem2m.TypeCSEBase),
			"ri":  rootID,
			"rn":  "cse-in",
			"csi": "/" + rootID,
			"cst": 1,
			"srt": []int{1, 2, 3, 4, 5, 9, 14, 15, 23, 28},
		},
	}
	b.order = append(b.order, rootID)

	router := gin.New()
	router.Any("/*path", b.handle)
	b.server = httptest.NewServer(router)
	t.Cleanup(b.server.Close)

	return b
}

// URL returns the base URL of the broker.
func (b *Broker) URL() string {
	return b.server.URL
}

// RootID returns the id of the CSE base.
func (b *Broker) RootID() string {
	return b.rootID
}

// SetPollWindow changes how long pickup requests wait.
func (b *Broker) SetPollWindow(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollWindow = d
}

// FailNext makes the next request of op fail with the given status.
func (b *Broker) FailNext(op string, status int, rsc onem2m.ResponseStatusCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], Failure{Status: status, RSC: rsc})
}

// Seed stores a resource without counting it as a client create and returns
// its id. fields holds the typed attributes; rn is taken from fields. A
// seeded AE keeps its aei, which defaults to rn.
func (b *Broker) Seed(key string, ty onem2m.ResourceType, parentID string, fields map[string]any) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store(key, ty, parentID, "", maps.Clone(fields))
}

// Resource returns a copy of the stored attributes of id.
func (b *Broker) Resource(id string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.resources[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(e.fields), true
}

// Representation returns the wrapped representation of id as sent in
// notifications.
func (b *Broker) Representation(id string) json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.resources[id]
	if !ok {
		return nil
	}
	raw, _ := json.Marshal(map[string]any{e.key: e.fields})
	return raw
}

// Modify merges fields into a stored resource, as if a device had updated it.
func (b *Broker) Modify(id string, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.resources[id]; ok {
		maps.Copy(e.fields, fields)
		e.fields["lt"] = timestamp()
	}
}

// Count returns how many requests of op the broker has served.
func (b *Broker) Count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[op]
}

// Created returns the names of client-created resources in creation order.
func (b *Broker) Created() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.created)
}

// Find returns the id of the resource named name under parentID.
func (b *Broker) Find(parentID, name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		e := b.resources[id]
		if e.fields["pi"] == parentID && e.fields["rn"] == name {
			return id, true
		}
	}
	return "", false
}

// Acks returns the recorded acknowledgements.
func (b *Broker) Acks() []Ack {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.acks)
}

// Enqueue queues a notification for the polling channel pchID and returns
// its request id.
func (b *Broker) Enqueue(pchID, subscriptionRef string, event onem2m.NotificationEventType, rep json.RawMessage) string {
	sgn := map[string]any{
		"nev": map[string]any{"rep": rep, "net": int(event)},
		"sur": subscriptionRef,
	}
	return b.enqueue(pchID, sgn)
}

// EnqueueVerification queues a subscription verification request.
func (b *Broker) EnqueueVerification(pchID, subscriptionRef string) string {
	return b.enqueue(pchID, map[string]any{"vrq": true, "sur": subscriptionRef})
}

func (b *Broker) enqueue(pchID string, sgn map[string]any) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	rqi := "rqi-" + strconv.Itoa(b.seq)
	raw, _ := json.Marshal(map[string]any{
		"rqi": rqi,
		"op":  5,
		"fr":  "/" + b.rootID,
		"to":  pchID,
		"pc":  map[string]any{onem2m.KeyNotification: sgn},
	})
	b.queues[pchID] = append(b.queues[pchID], raw)
	return rqi
}

// Pending returns the number of undelivered notifications for pchID.
func (b *Broker) Pending(pchID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[pchID])
}

func (b *Broker) handle(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")

	if pchID, ok := strings.CutSuffix(path, "/pcu"); ok {
		switch c.Request.Method {
		case http.MethodGet:
			b.poll(c, pchID)
		case http.MethodPost:
			b.acknowledge(c, pchID)
		default:
			b.fail(c, http.StatusMethodNotAllowed, onem2m.RSCBadRequest)
		}
		return
	}

	switch c.Request.Method {
	case http.MethodGet:
		if c.Query("fu") == strconv.Itoa(onem2m.FilterUsageDiscovery) {
			b.discover(c, path)
			return
		}
		b.retrieve(c, path)
	case http.MethodPost:
		b.create(c, path)
	case http.MethodPut:
		b.update(c, path)
	case http.MethodDelete:
		b.remove(c, path)
	default:
		b.fail(c, http.StatusMethodNotAllowed, onem2m.RSCBadRequest)
	}
}

// begin counts op and pops an injected failure, if any.
func (b *Broker) begin(op string) (Failure, bool) {
	b.counts[op]++
	queue := b.failures[op]
	if len(queue) == 0 {
		return Failure{}, false
	}
	b.failures[op] = queue[1:]
	return queue[0], true
}

func (b *Broker) fail(c *gin.Context, status int, rsc onem2m.ResponseStatusCode) {
	c.Header(onem2m.HeaderResponseStatus, strconv.Itoa(int(rsc)))
	c.JSON(status, gin.H{"m2m:dbg": http.StatusText(status)})
}

func (b *Broker) reply(c *gin.Context, status int, rsc onem2m.ResponseStatusCode, body any) {
	c.Header(onem2m.HeaderResponseStatus, strconv.Itoa(int(rsc)))
	c.Header(onem2m.HeaderRequestID, c.GetHeader(onem2m.HeaderRequestID))
	c.JSON(status, body)
}

func (b *Broker) discover(c *gin.Context, target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.begin(OpDiscover); ok {
		b.fail(c, f.Status, f.RSC)
		return
	}
	if _, ok := b.resources[target]; !ok {
		b.fail(c, http.StatusNotFound, onem2m.RSCNotFound)
		return
	}

	ids := []string{}
	for _, id := range b.order {
		if id == target || !b.descends(id, target) {
			continue
		}
		fields := b.resources[id].fields
		if ty := c.Query("ty"); ty != "" && fmt.Sprint(fields["ty"]) != ty {
			continue
		}
		if rn := c.Query("rn"); rn != "" && fields["rn"] != rn {
			continue
		}
		if pi := c.Query("pi"); pi != "" && fields["pi"] != pi {
			continue
		}
		if api := c.Query("api"); api != "" && fields["api"] != api {
			continue
		}
		ids = append(ids, id)
	}

	b.reply(c, http.StatusOK, onem2m.RSCOK, gin.H{onem2m.KeyURIList: ids})
}

func (b *Broker) descends(id, ancestor string) bool {
	for hops := 0; hops < len(b.order); hops++ {
		e, ok := b.resources[id]
		if !ok {
			return false
		}
		parent, _ := e.fields["pi"].(string)
		if parent == "" {
			return false
		}
		if parent == ancestor {
			return true
		}
		id = parent
	}
	return false
}

func (b *Broker) retrieve(c *gin.Context, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.begin(OpRetrieve); ok {
		b.fail(c, f.Status, f.RSC)
		return
	}
	e, ok := b.resources[id]
	if !ok {
		b.fail(c, http.StatusNotFound, onem2m.RSCNotFound)
		return
	}
	b.reply(c, http.StatusOK, onem2m.RSCOK, gin.H{e.key: e.fields})
}

func (b *Broker) create(c *gin.Context, parentID string) {
	ty, err := createType(c.GetHeader("Content-Type"))
	if err != nil {
		b.mu.Lock()
		b.counts[OpCreate]++
		b.mu.Unlock()
		b.fail(c, http.StatusBadRequest, onem2m.RSCBadRequest)
		return
	}
	key, fields, err := readEnvelope(c.Request.Body)

	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.begin(OpCreate); ok {
		b.fail(c, f.Status, f.RSC)
		return
	}
	if err != nil {
		b.fail(c, http.StatusBadRequest, onem2m.RSCBadRequest)
		return
	}
	if _, ok := b.resources[parentID]; !ok {
		b.fail(c, http.StatusNotFound, onem2m.RSCNotFound)
		return
	}
	if name, _ := fields["rn"].(string); name != "" {
		for _, id := range b.order {
			sibling := b.resources[id].fields
			if sibling["pi"] == parentID && sibling["rn"] == name {
				b.fail(c, http.StatusConflict, onem2m.RSCConflict)
				return
			}
		}
	}

	id := b.store(key, ty, parentID, c.GetHeader(onem2m.HeaderOrigin), fields)
	b.created = append(b.created, b.resources[id].fields["rn"].(string))

	e := b.resources[id]
	b.reply(c, http.StatusCreated, onem2m.RSCCreated, gin.H{e.key: e.fields})
}

// store must be called with b.mu held.
func (b *Broker) store(key string, ty onem2m.ResourceType, parentID, origin string, fields map[string]any) string {
	b.seq++
	id := fmt.Sprintf("%s%d", ty, b.seq)

	if fields == nil {
		fields = map[string]any{}
	}
	if name, _ := fields["rn"].(string); name == "" {
		fields["rn"] = id
	}
	now := timestamp()
	fields["ty"] = int(ty)
	fields["ri"] = id
	fields["pi"] = parentID
	fields["ct"] = now
	fields["lt"] = now
	if ty == onem2m.TypeApplicationEntity {
		switch aei, _ := fields["aei"].(string); {
		case origin != "":
			fields["aei"] = origin
		case aei == "":
			fields["aei"] = fields["rn"]
		}
	}

	b.resources[id] = &entry{key: key, fields: fields}
	b.order = append(b.order, id)
	return id
}

func (b *Broker) update(c *gin.Context, id string) {
	_, fields, err := readEnvelope(c.Request.Body)

	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.begin(OpUpdate); ok {
		b.fail(c, f.Status, f.RSC)
		return
	}
	if err != nil {
		b.fail(c, http.StatusBadRequest, onem2m.RSCBadRequest)
		return
	}
	e, ok := b.resources[id]
	if !ok {
		b.fail(c, http.StatusNotFound, onem2m.RSCNotFound)
		return
	}
	maps.Copy(e.fields, fields)
	e.fields["lt"] = timestamp()

	b.reply(c, http.StatusOK, onem2m.RSCUpdated, gin.H{e.key: e.fields})
}

func (b *Broker) remove(c *gin.Context, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.begin(OpDelete); ok {
		b.fail(c, f.Status, f.RSC)
		return
	}
	if _, ok := b.resources[id]; !ok || id == b.rootID {
		b.fail(c, http.StatusNotFound, onem2m.RSCNotFound)
		return
	}

	var kept, removed []string
	for _, other := range b.order {
		if other == id || b.descends(other, id) {
			removed = append(removed, other)
			continue
		}
		kept = append(kept, other)
	}
	for _, other := range removed {
		delete(b.resources, other)
	}
	b.order = kept

	b.reply(c, http.StatusOK, onem2m.RSCDeleted, gin.H{})
}

func (b *Broker) poll(c *gin.Context, pchID string) {
	b.mu.Lock()
	if f, ok := b.begin(OpPoll); ok {
		b.mu.Unlock()
		b.fail(c, f.Status, f.RSC)
		return
	}
	window := b.pollWindow
	b.mu.Unlock()

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		b.mu.Lock()
		if queue := b.queues[pchID]; len(queue) > 0 {
			next := queue[0]
			b.queues[pchID] = queue[1:]
			b.mu.Unlock()
			b.reply(c, http.StatusOK, onem2m.RSCOK, gin.H{onem2m.KeyRequestPrimitive: next})
			return
		}
		b.mu.Unlock()

		select {
		case <-c.Request.Context().Done():
			return
		case <-deadline.C:
			b.fail(c, http.StatusGatewayTimeout, onem2m.RSCRequestTimeout)
			return
		case <-ticker.C:
		}
	}
}

func (b *Broker) acknowledge(c *gin.Context, pchID string) {
	var body struct {
		Response struct {
			RequestID string `json:"rqi"`
			Status    int    `json:"rsc"`
		} `json:"m2m:rsp"`
	}
	decodeErr := json.NewDecoder(c.Request.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.begin(OpAcknowledge); ok {
		b.fail(c, f.Status, f.RSC)
		return
	}
	if decodeErr != nil {
		b.fail(c, http.StatusBadRequest, onem2m.RSCBadRequest)
		return
	}

	b.acks = append(b.acks, Ack{
		PollingChannel: pchID,
		RequestID:      body.Response.RequestID,
		Status:         body.Response.Status,
	})
	c.Header(onem2m.HeaderResponseStatus, strconv.Itoa(int(onem2m.RSCOK)))
	c.Status(http.StatusOK)
}

func createType(contentType string) (onem2m.ResourceType, error) {
	_, params, ok := strings.Cut(contentType, ";")
	if !ok {
		return 0, fmt.Errorf("content type %q has no ty parameter", contentType)
	}
	for _, param := range strings.Split(params, ";") {
		if value, found := strings.CutPrefix(strings.TrimSpace(param), "ty="); found {
			ty, err := strconv.Atoi(value)
			if err != nil {
				return 0, fmt.Errorf("invalid ty %q: %w", value, err)
			}
			return onem2m.ResourceType(ty), nil
		}
	}
	return 0, fmt.Errorf("content type %q has no ty parameter", contentType)
}

func readEnvelope(r io.Reader) (string, map[string]any, error) {
	var envelope map[string]map[string]any
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return "", nil, err
	}
	if len(envelope) != 1 {
		return "", nil, fmt.Errorf("envelope has %d keys", len(envelope))
	}
	for key, fields := range envelope {
		if fields == nil {
			fields = map[string]any{}
		}
		return key, fields, nil
	}
	return "", nil, nil
}

func timestamp() string {
	return time.Now().UTC().Format("20060102T150405")
}
