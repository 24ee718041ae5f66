// Package dispatch routes stanzas between the wire and the engine's
// subsystems.
//
// Outgoing IQs get a fresh session-unique id and a pending-request entry
// holding the caller's continuation and a deadline. Incoming stanzas are
// matched against the pending table first and otherwise routed by kind and
// namespace. All methods must be called from the engine loop goroutine; the
// dispatcher holds no locks because it has exactly one writer by contract.
package dispatch

import (
	"encoding/xml"
	"errors"
	"time"

	"github.com/google/uuid"

	"warble/internal/logging"
	"warble/internal/xmpp/stanza"
)

// DefaultTimeout bounds how long an IQ may stay pending unless the request
// overrides it.
const DefaultTimeout = 30 * time.Second

// Errors resolved into pending requests.
var (
	// ErrTimeout resolves a request whose deadline passed with no response.
	ErrTimeout = errors.New("dispatch: request timed out")

	// ErrCancelled resolves a request that was cancelled locally.
	ErrCancelled = errors.New("dispatch: request cancelled")
)

// Continuation receives the response IQ or a terminal error, exactly once.
// On an error-typed response the stanza error is passed as err with the raw
// IQ alongside it. An alias so that callers can declare the dispatcher
// behind their own single-method interfaces.
type Continuation = func(iq stanza.IQ, err error)

// IQPushHandler accepts server-initiated get/set IQs for one payload
// namespace (roster pushes, pings).
type IQPushHandler interface {
	HandleIQ(iq stanza.IQ) error
}

// MessageHandler accepts messages carrying a payload in its registered
// namespace, or the unhandled remainder for the fallback handler.
type MessageHandler interface {
	HandleMessage(msg stanza.Message) error
}

// PresenceHandler inspects a presence stanza and reports whether it claimed
// it. Handlers are consulted in registration order; the MUC manager claims
// presences from joined rooms, everything else falls through to the roster.
type PresenceHandler interface {
	HandlePresence(p stanza.Presence) (claimed bool, err error)
}

// Sender serializes a stanza onto the wire. Implemented by
// *stream.Transport.
type Sender interface {
	Send(v interface{}) error
}

type pending struct {
	id       string
	deadline time.Time
	done     Continuation
}

// Dispatcher owns the pending-request table and the routing tables for one
// session. A new dispatcher is created per session; ids are unique within
// it.
type Dispatcher struct {
	log  *logging.Logger
	out  Sender
	now  func() time.Time
	wait time.Duration

	pending  map[string]*pending
	iqPush   map[xml.Name]IQPushHandler
	msgRoute map[string]MessageHandler // keyed by payload namespace
	msgFall  MessageHandler
	presence []PresenceHandler
}

// New creates a dispatcher writing outgoing stanzas to out.
func New(out Sender, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		out:      out,
		now:      time.Now,
		wait:     DefaultTimeout,
		pending:  make(map[string]*pending),
		iqPush:   make(map[xml.Name]IQPushHandler),
		msgRoute: make(map[string]MessageHandler),
	}
}

// HandleIQPush registers a handler for unsolicited IQs whose first payload
// child matches name.
func (d *Dispatcher) HandleIQPush(name xml.Name, h IQPushHandler) {
	d.iqPush[name] = h
}

// HandleMessageNS registers a handler for messages carrying an extension in
// the given namespace.
func (d *Dispatcher) HandleMessageNS(ns string, h MessageHandler) {
	d.msgRoute[ns] = h
}

// HandleMessageFallback registers the handler for plain messages no
// namespace route claimed.
func (d *Dispatcher) HandleMessageFallback(h MessageHandler) {
	d.msgFall = h
}

// HandlePresence appends a presence handler to the routing chain.
func (d *Dispatcher) HandlePresence(h PresenceHandler) {
	d.presence = append(d.presence, h)
}

// Pending returns the number of in-flight requests.
func (d *Dispatcher) Pending() int { return len(d.pending) }

// SendIQ allocates an id for iq (unless the caller set one), registers the
// continuation with the default timeout and sends the stanza. The id is
// returned so the caller can cancel.
func (d *Dispatcher) SendIQ(iq stanza.IQ, done Continuation) (string, error) {
	return d.SendIQTimeout(iq, DefaultTimeout, done)
}

// SendIQTimeout is SendIQ with a per-request deadline.
func (d *Dispatcher) SendIQTimeout(iq stanza.IQ, timeout time.Duration, done Continuation) (string, error) {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}
	if _, exists := d.pending[iq.ID]; exists {
		return "", errors.New("dispatch: duplicate outgoing id " + iq.ID)
	}
	if err := d.out.Send(iq); err != nil {
		return "", err
	}
	if done != nil {
		d.pending[iq.ID] = &pending{
			id:       iq.ID,
			deadline: d.now().Add(timeout),
			done:     done,
		}
	}
	return iq.ID, nil
}

// Send passes a non-IQ stanza straight to the transport.
func (d *Dispatcher) Send(v interface{}) error {
	return d.out.Send(v)
}

// Cancel removes a pending request before its response arrives and resolves
// it with ErrCancelled. Cancelling an unknown or already-resolved id is a
// no-op.
func (d *Dispatcher) Cancel(id string) {
	p, ok := d.pending[id]
	if !ok {
		return
	}
	delete(d.pending, id)
	p.done(stanza.IQ{ID: id}, ErrCancelled)
}

// Reset resolves every pending request with err. Called when the session
// dies so that no caller is left hanging past the session itself.
func (d *Dispatcher) Reset(err error) {
	for id, p := range d.pending {
		delete(d.pending, id)
		p.done(stanza.IQ{ID: id}, err)
	}
}

// NextDeadline reports the earliest pending deadline, if any. The engine
// loop uses it to arm its timer.
func (d *Dispatcher) NextDeadline() (time.Time, bool) {
	var min time.Time
	for _, p := range d.pending {
		if min.IsZero() || p.deadline.Before(min) {
			min = p.deadline
		}
	}
	return min, !min.IsZero()
}

// Expire resolves every request whose deadline has passed with ErrTimeout.
// A response arriving later finds no entry and is discarded as an anomaly.
func (d *Dispatcher) Expire(now time.Time) {
	for id, p := range d.pending {
		if p.deadline.After(now) {
			continue
		}
		delete(d.pending, id)
		p.done(stanza.IQ{ID: id}, ErrTimeout)
	}
}

// Dispatch routes one incoming stanza. Routing never returns an error for
// protocol anomalies (duplicate ids, unmatched responses): those are logged
// and dropped. Errors from subsystem handlers are returned for the loop to
// report.
func (d *Dispatcher) Dispatch(st stanza.Stanza) error {
	switch s := st.(type) {
	case stanza.IQ:
		return d.dispatchIQ(s)
	case stanza.Presence:
		return d.dispatchPresence(s)
	case stanza.Message:
		return d.dispatchMessage(s)
	default:
		return nil
	}
}

func (d *Dispatcher) dispatchIQ(iq stanza.IQ) error {
	switch iq.Type {
	case stanza.ResultIQ, stanza.ErrorIQ:
		p, ok := d.pending[iq.ID]
		if !ok {
			d.log.Warn("dropping %s IQ with unmatched id %q from %s", iq.Type, iq.ID, iq.From)
			return nil
		}
		delete(d.pending, iq.ID)
		if iq.Type == stanza.ErrorIQ {
			stanzaErr := stanza.Error{Condition: stanza.UndefinedCondition}
			if iq.Error != nil {
				stanzaErr = *iq.Error
			}
			p.done(iq, stanzaErr)
			return nil
		}
		p.done(iq, nil)
		return nil

	case stanza.GetIQ, stanza.SetIQ:
		if h, ok := d.iqPush[iq.PayloadName()]; ok {
			return h.HandleIQ(iq)
		}
		// RFC 6120 §8.4: unhandled get/set must be answered with an error.
		resp := iq.Result()
		resp.Type = stanza.ErrorIQ
		resp.Error = &stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
		return d.out.Send(resp)

	default:
		d.log.Warn("dropping IQ with unknown type %q id %q", iq.Type, iq.ID)
		return nil
	}
}

func (d *Dispatcher) dispatchPresence(p stanza.Presence) error {
	for _, h := range d.presence {
		claimed, err := h.HandlePresence(p)
		if err != nil {
			return err
		}
		if claimed {
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) dispatchMessage(msg stanza.Message) error {
	for _, ext := range msg.Extensions {
		if h, ok := d.msgRoute[ext.XMLName.Space]; ok {
			return h.HandleMessage(msg)
		}
	}
	if d.msgFall != nil {
		return d.msgFall.HandleMessage(msg)
	}
	return nil
}
