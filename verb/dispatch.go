package verb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dgoldman0/Rabbit/frame"
	"github.com/dgoldman0/Rabbit/handshake"
	"github.com/dgoldman0/Rabbit/internal/rabbitlog"
	"github.com/dgoldman0/Rabbit/status"
	"github.com/dgoldman0/Rabbit/subscribe"
	"github.com/dgoldman0/Rabbit/tunnel"
)

// Config wires the Dispatch's external collaborators (spec.md §6) and the
// supplemented warren-forwarding/idempotency pieces together.
type Config struct {
	Resolver   Resolver
	Discoverer Discoverer
	Router     *WarrenRouter
	Forwarder  Forwarder
	Engine     *subscribe.Engine

	NonChunkedBodyMax int
	ChunkSize         int
	HopLimit          int
	IdemCacheSize     int
	IdemTTL           time.Duration

	Log rabbitlog.Logger
}

// Dispatch implements tunnel.Dispatcher: it is the process-wide handler
// every accepted tunnel hands its non-control verb frames to, the
// generalization of p2p/protocol.go's per-subprotocol Run callback to
// Rabbit's single dynamic verb switch.
type Dispatch struct {
	resolver   Resolver
	discoverer Discoverer
	router     *WarrenRouter
	forwarder  Forwarder
	engine     *subscribe.Engine

	bodyMax   int
	chunkSize int
	hopLimit  int

	idem *idemWindow
	log  rabbitlog.Logger
}

// New builds a Dispatch from cfg, defaulting unset tunables to spec.md §5
// recommendations.
func New(cfg Config) (*Dispatch, error) {
	if cfg.NonChunkedBodyMax <= 0 {
		cfg.NonChunkedBodyMax = frame.DefaultMaxBody
	}
	if cfg.HopLimit <= 0 {
		cfg.HopLimit = DefaultHopLimit
	}
	if cfg.IdemCacheSize <= 0 {
		cfg.IdemCacheSize = 4096
	}
	if cfg.IdemTTL <= 0 {
		cfg.IdemTTL = 5 * time.Minute
	}
	idem, err := newIdemWindow(cfg.IdemCacheSize, cfg.IdemTTL)
	if err != nil {
		return nil, err
	}
	return &Dispatch{
		resolver:   cfg.Resolver,
		discoverer: cfg.Discoverer,
		router:     cfg.Router,
		forwarder:  cfg.Forwarder,
		engine:     cfg.Engine,
		bodyMax:    cfg.NonChunkedBodyMax,
		chunkSize:  cfg.ChunkSize,
		hopLimit:   cfg.HopLimit,
		idem:       idem,
		log:        cfg.Log,
	}, nil
}

// Dispatch satisfies tunnel.Dispatcher. It never returns a value to the
// caller — errors become a response frame on the same lane/txn, per
// spec.md §4.7's "every error response echoes Lane/Txn... handler
// exceptions are caught at the dispatcher boundary and mapped to 520."
func (d *Dispatch) Dispatch(ctx context.Context, t *tunnel.Tunnel, laneID uint16, f *frame.Frame) {
	txn, _ := f.Txn()
	resp, err := d.route(ctx, t, laneID, f)
	if err != nil {
		resp = errorFrame(err)
	}
	if resp == nil {
		return
	}
	resp.SetTxn(txn)
	if err := d.send(ctx, t, laneID, resp); err != nil {
		d.log.Warn().Err(err).Uint16("lane", laneID).Str("verb", f.Verb).Msg("response send failed")
	}
}

// send writes resp, routing it through SendChunked instead of Send once
// its body exceeds bodyMax — spec.md §4.1's "bodies larger than the
// non-chunked limit MUST be sent chunked" applies to every verb response
// uniformly, so the check lives here rather than duplicated in each
// handler.
func (d *Dispatch) send(ctx context.Context, t *tunnel.Tunnel, laneID uint16, resp *frame.Frame) error {
	if len(resp.Body) <= d.bodyMax {
		return t.Send(ctx, laneID, resp)
	}
	body := resp.Body
	resp.Body = nil
	return t.SendChunked(ctx, laneID, resp, body, d.chunkSize)
}

func errorFrame(err error) *frame.Frame {
	se, ok := err.(*status.Error)
	if !ok {
		se = status.Newf(status.Internal, "%v", err)
	}
	resp := frame.NewResponse(int(se.Code), se.ReasonPhrase())
	if se.Detail != "" {
		resp.Headers.Set("Detail", se.Detail)
	}
	return resp
}

// route dispatches one verb frame to its handler. Selector-bearing verbs
// parse f.Args[0] first; PING never reaches here (package tunnel answers
// it inline).
func (d *Dispatch) route(ctx context.Context, t *tunnel.Tunnel, laneID uint16, f *frame.Frame) (*frame.Frame, error) {
	principal := handshake.Anonymous()
	if sess := t.Session(); sess != nil {
		principal = sess.Identity
	}

	switch f.Verb {
	case "OFFER":
		return d.handleOffer(f)
	case "LIST":
		return d.handleList(f, principal)
	case "FETCH":
		return d.handleFetch(f, principal)
	case "SEARCH":
		return d.handleSearch(f, principal)
	case "DESCRIBE":
		return d.handleDescribe(f, principal)
	case "SUBSCRIBE":
		return d.handleSubscribe(ctx, t, laneID, f, principal)
	case "PUBLISH":
		return d.handlePublish(ctx, f, principal)
	default:
		return nil, status.Newf(status.BadRequest, "unrecognized verb %q", f.Verb)
	}
}

func selectorArg(f *frame.Frame) (Selector, error) {
	if len(f.Args) == 0 {
		return Selector{}, status.Newf(status.BadRequest, "missing selector")
	}
	sel, err := Parse(f.Args[0])
	if err != nil {
		return Selector{}, status.Newf(status.BadRequest, "%v", err)
	}
	return sel, nil
}

// checkIdem looks up an Idem: header against the dedupe window (Open
// Question (c)); when a cached response exists it is returned to the
// caller to replay verbatim instead of re-running the handler.
func (d *Dispatch) checkIdem(principal handshake.Identity, sel Selector, f *frame.Frame) (*frame.Frame, bool) {
	idemVal, _ := f.Headers.Get("Idem")
	if idemVal == "" {
		return nil, false
	}
	cached, ok := d.idem.lookup(principal.String(), sel.Raw, idemVal)
	if !ok {
		return nil, false
	}
	resp := frame.NewResponse(cached.status, cached.reason)
	for k, v := range cached.headers {
		resp.Headers.Set(k, v)
	}
	resp.Body = cached.body
	return resp, true
}

func (d *Dispatch) recordIdem(principal handshake.Identity, sel Selector, f *frame.Frame, resp *frame.Frame) {
	idemVal, _ := f.Headers.Get("Idem")
	if idemVal == "" || resp == nil {
		return
	}
	headers := make(map[string]string, resp.Headers.Len())
	for _, k := range resp.Headers.Keys() {
		if v, ok := resp.Headers.Get(k); ok {
			headers[k] = v
		}
	}
	d.idem.record(principal.String(), sel.Raw, idemVal, idemResponse{
		status:  resp.Status,
		reason:  resp.Reason,
		headers: headers,
		body:    resp.Body,
	})
}

// delegate forwards f to target via the Forwarder collaborator, enforcing
// the hop-count limit of spec.md §9 ("no cycles... enforced by hop-count
// limits, recommended max 8").
func (d *Dispatch) delegate(f *frame.Frame, target, verbName string, sel Selector) (*frame.Frame, error) {
	if d.forwarder == nil {
		return nil, status.Newf(status.Internal, "no selector resolves locally and no forwarder is configured").WithLane(0)
	}
	hops := 0
	if v, ok := f.Headers.Get("Hops"); ok {
		hops, _ = strconv.Atoi(v)
	}
	if hops >= d.hopLimit {
		return nil, status.Newf(status.Internal, "warren forwarding hop limit exceeded").WithLane(0)
	}
	headers := map[string]string{"Hops": strconv.Itoa(hops + 1)}
	if q, ok := f.Headers.Get("Query"); ok {
		headers["Query"] = q
	}
	if v, ok := f.Headers.Get("Since"); ok {
		headers["Since"] = v
	}
	code, reason, respHeaders, body, err := d.forwarder.Relay(target, verbName, sel, headers, f.Body)
	if err != nil {
		return nil, status.Newf(status.Internal, "forward to %s failed: %v", target, err)
	}
	resp := frame.NewResponse(code, reason)
	for k, v := range respHeaders {
		resp.Headers.Set(k, v)
	}
	resp.Body = body
	return resp, nil
}

// resolveOrDelegate resolves sel and, when it belongs to another burrow,
// relays verbName onward instead of calling local. It returns the final
// response in the delegated case, or runs local() to produce the
// response in the local case.
func (d *Dispatch) resolveOrDelegate(f *frame.Frame, sel Selector, verbName string, local func() (*frame.Frame, error)) (*frame.Frame, error) {
	res, err := d.resolver.Resolve(sel)
	if err != nil {
		return nil, mapResolveErr(err)
	}
	if res.Local || res.Remote == nil {
		return local()
	}
	return d.delegate(f, res.Remote.Target, verbName, sel)
}

func mapResolveErr(err error) error {
	if _, ok := err.(*status.Error); ok {
		return err
	}
	if me, ok := err.(*Moved); ok {
		return me
	}
	return status.Newf(status.NotFound, "%v", err)
}

func (d *Dispatch) handleList(f *frame.Frame, principal handshake.Identity) (*frame.Frame, error) {
	sel, err := selectorArg(f)
	if err != nil {
		return nil, err
	}
	if !sel.Permits("LIST") {
		return nil, status.Newf(status.BadRequest, "LIST not legal against %s", sel.Raw)
	}
	if cached, ok := d.checkIdem(principal, sel, f); ok {
		return cached, nil
	}
	if !d.resolver.Permits(principal, "LIST", sel) {
		return nil, status.Newf(status.Forbidden, "permission denied")
	}
	resp, err := d.resolveOrDelegate(f, sel, "LIST", func() (*frame.Frame, error) {
		entries, _, err := redirectOnce(sel, d.resolver.List)
		if err != nil {
			if _, ok := err.(*Moved); ok {
				return nil, status.Newf(status.Internal, "redirect chain").WithLane(0)
			}
			return nil, mapResolveErr(err)
		}
		resp := frame.NewResponse(200, "MENU")
		d.attachBody(resp, EncodeRabbitmap(entries), "")
		return resp, nil
	})
	if err == nil {
		d.recordIdem(principal, sel, f, resp)
	}
	return resp, err
}

func (d *Dispatch) handleFetch(f *frame.Frame, principal handshake.Identity) (*frame.Frame, error) {
	sel, err := selectorArg(f)
	if err != nil {
		return nil, err
	}
	if !sel.Permits("FETCH") {
		return nil, status.Newf(status.BadRequest, "FETCH not legal against %s", sel.Raw)
	}
	if cached, ok := d.checkIdem(principal, sel, f); ok {
		return cached, nil
	}
	if !d.resolver.Permits(principal, "FETCH", sel) {
		return nil, status.Newf(status.Forbidden, "permission denied")
	}
	accept, _ := f.Headers.Get("Accept")
	resp, err := d.resolveOrDelegate(f, sel, "FETCH", func() (*frame.Frame, error) {
		content, _, err := redirectOnce(sel, func(s Selector) (Content, error) { return d.resolver.Fetch(s, accept) })
		if err != nil {
			if _, ok := err.(*Moved); ok {
				return nil, status.Newf(status.Internal, "redirect chain").WithLane(0)
			}
			return nil, mapResolveErr(err)
		}
		resp := frame.NewResponse(200, "CONTENT")
		d.attachBody(resp, content.Body, content.View)
		return resp, nil
	})
	if err == nil {
		d.recordIdem(principal, sel, f, resp)
	}
	return resp, err
}

func (d *Dispatch) handleSearch(f *frame.Frame, principal handshake.Identity) (*frame.Frame, error) {
	sel, err := selectorArg(f)
	if err != nil {
		return nil, err
	}
	if !sel.Permits("SEARCH") {
		return nil, status.Newf(status.BadRequest, "SEARCH not legal against %s", sel.Raw)
	}
	if !d.resolver.Permits(principal, "SEARCH", sel) {
		return nil, status.Newf(status.Forbidden, "permission denied")
	}
	query, _ := f.Headers.Get("Query")
	return d.resolveOrDelegate(f, sel, "SEARCH", func() (*frame.Frame, error) {
		entries, _, err := redirectOnce(sel, func(s Selector) ([]RabbitmapEntry, error) { return d.resolver.Search(s, query) })
		if err != nil {
			if _, ok := err.(*Moved); ok {
				return nil, status.Newf(status.Internal, "redirect chain").WithLane(0)
			}
			return nil, mapResolveErr(err)
		}
		resp := frame.NewResponse(200, "MENU")
		d.attachBody(resp, EncodeRabbitmap(entries), "")
		return resp, nil
	})
}

func (d *Dispatch) handleDescribe(f *frame.Frame, principal handshake.Identity) (*frame.Frame, error) {
	sel, err := selectorArg(f)
	if err != nil {
		return nil, err
	}
	if !sel.Permits("DESCRIBE") {
		return nil, status.Newf(status.BadRequest, "DESCRIBE not legal against %s", sel.Raw)
	}
	if !d.resolver.Permits(principal, "DESCRIBE", sel) {
		return nil, status.Newf(status.Forbidden, "permission denied")
	}
	return d.resolveOrDelegate(f, sel, "DESCRIBE", func() (*frame.Frame, error) {
		desc, _, err := redirectOnce(sel, d.resolver.Describe)
		if err != nil {
			if _, ok := err.(*Moved); ok {
				return nil, status.Newf(status.Internal, "redirect chain").WithLane(0)
			}
			return nil, mapResolveErr(err)
		}
		resp := frame.NewResponse(200, "DESCRIPTION")
		d.attachBody(resp, desc.Body, "")
		return resp, nil
	})
}

// handleSubscribe implements SUBSCRIBE <sel> (spec.md §4.5): type q only,
// optional Since: backfill, 201 SUBSCRIBED with Heartbeats: on success.
func (d *Dispatch) handleSubscribe(ctx context.Context, t *tunnel.Tunnel, laneID uint16, f *frame.Frame, principal handshake.Identity) (*frame.Frame, error) {
	sel, err := selectorArg(f)
	if err != nil {
		return nil, err
	}
	if sel.Type != TypeTopic {
		return nil, status.Newf(status.BadRequest, "SUBSCRIBE requires a q-type selector")
	}
	if !d.resolver.Permits(principal, "SUBSCRIBE", sel) {
		return nil, status.Newf(status.Forbidden, "permission denied")
	}
	if d.engine == nil {
		return nil, status.Newf(status.Internal, "subscription engine not configured")
	}

	var since *subscribe.Cursor
	if raw, ok := f.Headers.Get("Since"); ok {
		c, err := parseSince(raw)
		if err != nil {
			return nil, status.Newf(status.BadRequest, "%v", err)
		}
		if c.HasSeq {
			if sess := t.Session(); sess == nil || sess.Caps == nil || !sess.Caps.Contains(handshake.CapSinceSeq) {
				return nil, status.Newf(status.BadRequest, "seq-form Since: requires the %s capability", handshake.CapSinceSeq)
			}
		}
		since = &c
	}

	l, err := t.EnsureLane(laneID)
	if err != nil {
		return nil, err
	}
	if err := d.engine.Subscribe(ctx, t, laneID, l, sel.Topic(), since); err != nil {
		return nil, err
	}

	resp := frame.NewResponse(201, "SUBSCRIBED")
	resp.Headers.Set("Heartbeats", strconv.Itoa(int(subscribe.DefaultHeartbeatInterval.Seconds())))
	return resp, nil
}

// handlePublish implements PUBLISH <sel> (spec.md §4.5): type q only,
// total per-topic ordering via the engine, 204 DONE on success.
func (d *Dispatch) handlePublish(ctx context.Context, f *frame.Frame, principal handshake.Identity) (*frame.Frame, error) {
	sel, err := selectorArg(f)
	if err != nil {
		return nil, err
	}
	if sel.Type != TypeTopic {
		return nil, status.Newf(status.BadRequest, "PUBLISH requires a q-type selector")
	}
	if !d.resolver.Permits(principal, "PUBLISH", sel) {
		return nil, status.Newf(status.Forbidden, "permission denied")
	}
	if d.engine == nil {
		return nil, status.Newf(status.Internal, "subscription engine not configured")
	}
	if _, err := d.engine.Publish(ctx, sel.Topic(), f.Body); err != nil {
		return nil, err
	}
	return frame.NewResponse(204, "DONE"), nil
}

// handleOffer implements OFFER /warren (spec.md §4.5): 200 PEERS, a
// line-delimited identity list terminated by ".".
func (d *Dispatch) handleOffer(f *frame.Frame) (*frame.Frame, error) {
	sel, err := selectorArg(f)
	if err != nil {
		return nil, err
	}
	if !sel.IsWarren() {
		return nil, status.Newf(status.BadRequest, "OFFER only applies to /warren")
	}
	var identities []handshake.Identity
	if d.discoverer != nil {
		identities, err = d.discoverer.Peers()
		if err != nil {
			return nil, status.Newf(status.Internal, "%v", err)
		}
	}
	resp := frame.NewResponse(200, "PEERS")
	d.attachBody(resp, buildPeersBody(identities, d.router), "")
	return resp, nil
}

// attachBody sets Length and View: on f. d.send decides afterward whether
// the body actually goes out chunked (spec.md §4.1).
func (d *Dispatch) attachBody(f *frame.Frame, body []byte, view string) {
	if view != "" {
		f.Headers.Set("View", view)
	}
	f.Headers.Set("Length", strconv.Itoa(len(body)))
	f.Body = body
}

// parseSince decodes a Since: value as either an RFC 3339 timestamp or,
// when it is a bare integer, an opaque seq token — Open Question (a)'s
// resolution. parseSince itself accepts both forms; handleSubscribe
// rejects the seq form unless the session negotiated the since-seq
// capability.
func parseSince(raw string) (subscribe.Cursor, error) {
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return subscribe.Cursor{Seq: n, HasSeq: true}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return subscribe.Cursor{}, fmt.Errorf("invalid Since: value %q", raw)
	}
	return subscribe.Cursor{Timestamp: ts}, nil
}
