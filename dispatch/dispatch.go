package dispatch

import (
	"log"

	"chatserv/db"
	"chatserv/metrics"
	"chatserv/models"
	"chatserv/protocol"
	"chatserv/registry"
)

// Session is the per-connection state the dispatcher attributes requests
// to. Identity stays empty until Login or Register succeeds. The transport
// invokes Handle from a single reader goroutine, so no two requests from
// the same session ever run concurrently.
type Session struct {
	Identity string
	Sink     registry.Sink
}

// Dispatcher turns one inbound request into responses, delivered through
// the requester's sink and, for pings and broadcasts, through presence
// lookups. It holds no per-connection state and is shared by every
// transport.
type Dispatcher struct {
	db  *db.DB
	reg *registry.Registry
}

func New(database *db.DB, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{db: database, reg: reg}
}

func (d *Dispatcher) Handle(sess *Session, req *protocol.Request) {
	metrics.ActionsTotal.WithLabelValues(string(req.Action)).Inc()

	switch req.Action {
	case protocol.ActionCheckUsername:
		d.checkUsername(sess, req)
	case protocol.ActionLogin:
		d.login(sess, req)
	case protocol.ActionRegister:
		d.register(sess, req)
	case protocol.ActionLoadChat:
		d.loadChat(sess, req)
	case protocol.ActionSendMessage:
		d.sendMessage(sess, req)
	case protocol.ActionPing:
		d.ping(sess, req)
	case protocol.ActionViewUndelivered:
		d.viewUndelivered(sess, req)
	case protocol.ActionDeleteMessage:
		d.deleteMessage(sess, req)
	case protocol.ActionDeleteAccount:
		d.deleteAccount(sess, req)
	case protocol.ActionPeerJoined, protocol.ActionPeerLeft:
		d.presenceEcho(sess, req)
	default:
		// Unreachable: the codec rejects unknown actions before dispatch.
		log.Printf("Dropping request with unknown action %q", req.Action)
	}
}

func (d *Dispatcher) checkUsername(sess *Session, req *protocol.Request) {
	exists, err := d.db.AccountExists(req.Username)
	if err != nil {
		log.Printf("Check username error: %v", err)
		metrics.StoreErrorsTotal.Inc()
	}
	sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionCheckUsername, Exists: exists})
}

func (d *Dispatcher) login(sess *Session, req *protocol.Request) {
	ok, err := d.db.Authenticate(req.Username, req.Passhash)
	if err != nil {
		log.Printf("Login error: %v", err)
		metrics.StoreErrorsTotal.Inc()
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionLogin})
		return
	}
	if !ok {
		// Wrong password and unknown user answer identically.
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionLogin})
		return
	}

	sess.Identity = req.Username
	d.reg.Register(req.Username, sess.Sink)

	roster, err := d.db.ListAccounts(req.Username)
	if err != nil {
		log.Printf("Login roster error for %s: %v", req.Username, err)
		metrics.StoreErrorsTotal.Inc()
		roster = nil
	}

	count, err := d.db.UndeliveredCount(req.Username)
	if err != nil {
		log.Printf("Login undelivered count error for %s: %v", req.Username, err)
		metrics.StoreErrorsTotal.Inc()
		count = 0
	}

	sess.Sink.Deliver(&protocol.Response{
		Action:           protocol.ActionLogin,
		OK:               true,
		Roster:           roster,
		UndeliveredCount: count,
	})
}

func (d *Dispatcher) register(sess *Session, req *protocol.Request) {
	exists, err := d.db.AccountExists(req.Username)
	if err != nil {
		log.Printf("Register error: %v", err)
		metrics.StoreErrorsTotal.Inc()
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionRegister})
		return
	}
	if exists {
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionRegister})
		return
	}

	if err := d.db.CreateAccount(req.Username, req.Passhash); err != nil {
		log.Printf("Register error: %v", err)
		metrics.StoreErrorsTotal.Inc()
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionRegister})
		return
	}

	sess.Identity = req.Username
	d.reg.Register(req.Username, sess.Sink)

	roster, err := d.db.ListAccounts(req.Username)
	if err != nil {
		log.Printf("Register roster error for %s: %v", req.Username, err)
		metrics.StoreErrorsTotal.Inc()
		roster = nil
	}

	sess.Sink.Deliver(&protocol.Response{
		Action: protocol.ActionRegister,
		OK:     true,
		Roster: roster,
	})

	d.reg.Broadcast(req.Username, &protocol.Response{
		Action:   protocol.ActionPeerJoined,
		Identity: req.Username,
	})
}

func (d *Dispatcher) loadChat(sess *Session, req *protocol.Request) {
	messages, err := d.db.Chat(req.Username, req.Peer)
	if err != nil {
		// Degrades to an empty chat rather than failing the request.
		log.Printf("Load chat error for %s/%s: %v", req.Username, req.Peer, err)
		metrics.StoreErrorsTotal.Inc()
		messages = nil
	}

	sess.Sink.Deliver(&protocol.Response{
		Action:   protocol.ActionLoadChat,
		Messages: wireMessages(messages),
	})
}

func (d *Dispatcher) sendMessage(sess *Session, req *protocol.Request) {
	id, err := d.db.SaveMessage(req.Username, req.Peer, req.Body)
	if err != nil {
		log.Printf("Send message error from %s to %s: %v", req.Username, req.Peer, err)
		metrics.StoreErrorsTotal.Inc()
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionSendMessage})
		return
	}

	sess.Sink.Deliver(&protocol.Response{
		Action:    protocol.ActionSendMessage,
		OK:        true,
		MessageID: id,
	})

	if sink, ok := d.reg.Lookup(req.Peer); ok {
		sink.Deliver(&protocol.Response{
			Action:    protocol.ActionPing,
			Sender:    req.Username,
			Body:      req.Body,
			MessageID: id,
		})
		metrics.PeerDeliveriesTotal.Inc()
	}
}

func (d *Dispatcher) ping(sess *Session, req *protocol.Request) {
	// Echo first: the round-trip acknowledges receipt to the requester.
	sess.Sink.Deliver(&protocol.Response{
		Action:    protocol.ActionPing,
		Sender:    req.Username,
		Body:      req.Body,
		MessageID: req.MessageID,
	})

	// At-most-once: if the message was deleted before its ping
	// round-tripped, the update matches zero rows and the flag stays false.
	if err := d.db.MarkDelivered(req.MessageID); err != nil {
		log.Printf("Mark delivered error for message %d: %v", req.MessageID, err)
		metrics.StoreErrorsTotal.Inc()
	}
}

func (d *Dispatcher) viewUndelivered(sess *Session, req *protocol.Request) {
	count, err := d.db.UndeliveredCount(req.Username)
	if err != nil {
		log.Printf("View undelivered error for %s: %v", req.Username, err)
		metrics.StoreErrorsTotal.Inc()
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionViewUndelivered})
		return
	}

	// The dispatcher re-validates the bound instead of trusting the client:
	// a negative n is dropped outright, an n past the current count is
	// clamped to it.
	if req.N < 0 {
		log.Printf("Dropping view_undelivered for %s: n=%d", req.Username, req.N)
		return
	}
	n := req.N
	if n > count {
		n = count
	}

	messages, err := d.db.TakeUndelivered(req.Username, n)
	if err != nil {
		log.Printf("View undelivered error for %s: %v", req.Username, err)
		metrics.StoreErrorsTotal.Inc()
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionViewUndelivered})
		return
	}

	sess.Sink.Deliver(&protocol.Response{
		Action:   protocol.ActionViewUndelivered,
		OK:       true,
		Messages: wireMessages(messages),
	})
}

func (d *Dispatcher) deleteMessage(sess *Session, req *protocol.Request) {
	// Snapshot the row before the delete so the recipient can still be
	// notified afterwards. Absent rows make the whole action a no-op echo.
	msg, lookupErr := d.db.Message(req.MessageID)

	if err := d.db.DeleteMessage(req.MessageID); err != nil {
		log.Printf("Delete message error for %d: %v", req.MessageID, err)
		metrics.StoreErrorsTotal.Inc()
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionDeleteMessage})
		return
	}

	sess.Sink.Deliver(&protocol.Response{
		Action:    protocol.ActionDeleteMessage,
		OK:        true,
		MessageID: req.MessageID,
	})

	if lookupErr != nil {
		if lookupErr != db.ErrNoRows {
			log.Printf("Delete message lookup error for %d: %v", req.MessageID, lookupErr)
			metrics.StoreErrorsTotal.Inc()
		}
		return
	}

	// Ping-shaped notification: the recipient's client drops the id from
	// its open chat view when it sees a ping for a message it already has.
	if sink, ok := d.reg.Lookup(msg.Recipient); ok {
		sink.Deliver(&protocol.Response{
			Action:    protocol.ActionPing,
			Sender:    msg.Sender,
			Body:      msg.Body,
			MessageID: msg.ID,
		})
		metrics.PeerDeliveriesTotal.Inc()
	}
}

func (d *Dispatcher) deleteAccount(sess *Session, req *protocol.Request) {
	ok, err := d.db.Authenticate(req.Username, req.Passhash)
	if err != nil {
		log.Printf("Delete account error for %s: %v", req.Username, err)
		metrics.StoreErrorsTotal.Inc()
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionDeleteAccount})
		return
	}
	if !ok {
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionDeleteAccount})
		return
	}

	if err := d.db.DeleteAccount(req.Username); err != nil {
		log.Printf("Delete account error for %s: %v", req.Username, err)
		metrics.StoreErrorsTotal.Inc()
		sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionDeleteAccount})
		return
	}

	d.reg.Remove(req.Username)
	if sess.Identity == req.Username {
		sess.Identity = ""
	}

	sess.Sink.Deliver(&protocol.Response{Action: protocol.ActionDeleteAccount, OK: true})

	d.reg.Broadcast(req.Username, &protocol.Response{
		Action:   protocol.ActionPeerLeft,
		Identity: req.Username,
	})
}

// presenceEcho relays a peer-joined/peer-left notification to every other
// connected sink. No store access.
func (d *Dispatcher) presenceEcho(sess *Session, req *protocol.Request) {
	d.reg.Broadcast(sess.Identity, &protocol.Response{
		Action:   req.Action,
		Identity: req.Username,
	})
}

func wireMessages(messages []models.Message) []protocol.Message {
	if len(messages) == 0 {
		return nil
	}

	wire := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, protocol.Message{
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Body:      m.Body,
			MessageID: m.ID,
		})
	}
	return wire
}
