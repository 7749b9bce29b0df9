package session

import (
	"context"
	"errors"
	"log"
	"time"

	"collabsync/backend/internal/replica"
)

// Subscriber is a live connection attached to a session. The session holds
// subscribers weakly: it pushes frames at them but does not own their
// lifecycle, and Detach only tells them the session is gone.
type Subscriber interface {
	SendUpdate(update []byte)
	SendMeta(payload []byte)
	Detach()
}

// SnapshotPersister is the durable side of a flush. *store.SnapshotStore
// satisfies it.
type SnapshotPersister interface {
	Save(ctx context.Context, storageKey string, state []byte, actorID string) error
	Compact(ctx context.Context, storageKey string, keep int) error
}

// Notifier receives best-effort side-channel events. May be nil.
type Notifier interface {
	SnapshotSaved(docID, actorID string)
}

type Config struct {
	Debounce     time.Duration // quiet period before a flush
	Periodic     time.Duration // unconditional staleness bound
	Keep         int           // history rows preserved by compaction
	FlushTimeout time.Duration // per-flush store deadline
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 5 * time.Second
	}
	if c.Periodic <= 0 {
		c.Periodic = 60 * time.Second
	}
	if c.Keep <= 0 {
		c.Keep = 10
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	return c
}

var ErrSessionClosed = errors.New("session closed")

type msgKind int

const (
	msgUpdate msgKind = iota
	msgSubscribe
	msgUnsubscribe
	msgFlush
	msgMeta
	msgEvict
)

type message struct {
	kind    msgKind
	update  []byte
	actorID string
	origin  Subscriber
	sub     Subscriber
	meta    []byte
	ctx     context.Context
	// 同步消息的应答通道
	errc   chan error
	statec chan []byte
}

// Session is the single-writer unit for one document: one goroutine owns the
// replica, the subscriber set, the dirty flag and both persistence timers.
// Everything else talks to it through the inbox, so update application and
// timer state never race.
type Session struct {
	key      Key
	rep      replica.Replica
	persist  SnapshotPersister
	notifier Notifier
	cfg      Config

	inbox chan message
	done  chan struct{}

	// 以下字段仅 run goroutine 触碰
	subs         map[Subscriber]struct{}
	dirty        bool
	lastUpdateAt time.Time
	lastActorID  string
}

// newSession wires the actor but does not start it; the Registry starts the
// run loop after handing it the cold-start state.
func newSession(key Key, rep replica.Replica, persist SnapshotPersister, notifier Notifier, cfg Config) *Session {
	return &Session{
		key:      key,
		rep:      rep,
		persist:  persist,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		inbox:    make(chan message, 64),
		done:     make(chan struct{}),
		subs:     make(map[Subscriber]struct{}),
	}
}

func (s *Session) Key() Key { return s.key }

func (s *Session) send(m message) error {
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// ApplyUpdate merges one local update into the replica, marks the session
// dirty and broadcasts the update to every subscriber except origin. Blocks
// until the actor has applied it, so updates from one connection keep their
// send order.
func (s *Session) ApplyUpdate(update []byte, actorID string, origin Subscriber) error {
	errc := make(chan error, 1)
	if err := s.send(message{kind: msgUpdate, update: update, actorID: actorID, origin: origin, errc: errc}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// Subscribe attaches a connection and returns the current encoded full state
// for catch-up.
func (s *Session) Subscribe(sub Subscriber) ([]byte, error) {
	errc := make(chan error, 1)
	statec := make(chan []byte, 1)
	if err := s.send(message{kind: msgSubscribe, sub: sub, errc: errc, statec: statec}); err != nil {
		return nil, err
	}
	select {
	case err := <-errc:
		if err != nil {
			return nil, err
		}
		return <-statec, nil
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

func (s *Session) Unsubscribe(sub Subscriber) {
	_ = s.send(message{kind: msgUnsubscribe, sub: sub})
}

// BroadcastMeta pushes an out-of-band payload to every subscriber without
// touching the replica. Best effort.
func (s *Session) BroadcastMeta(payload []byte) error {
	return s.send(message{kind: msgMeta, meta: payload})
}

// Flush persists the current state synchronously if the session is dirty.
func (s *Session) Flush(ctx context.Context) error {
	errc := make(chan error, 1)
	if err := s.send(message{kind: msgFlush, ctx: ctx, errc: errc}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close evicts the session: cancels both timers, flushes outstanding dirty
// state within ctx and detaches subscribers. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	errc := make(chan error, 1)
	if err := s.send(message{kind: msgEvict, ctx: ctx, errc: errc}); err != nil {
		return nil // already closed
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	// debounce 定时器常备但初始未武装
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	periodic := time.NewTicker(s.cfg.Periodic)
	defer periodic.Stop()
	defer debounce.Stop()

	rearm := func() {
		if !debounce.Stop() {
			select {
			case <-debounce.C:
			default:
			}
		}
		debounce.Reset(s.cfg.Debounce)
	}

	for {
		select {
		case m := <-s.inbox:
			switch m.kind {
			case msgUpdate:
				err := s.rep.ApplyUpdate(m.update)
				if err == nil {
					s.dirty = true
					s.lastUpdateAt = time.Now()
					s.lastActorID = m.actorID
					rearm()
					for sub := range s.subs {
						if sub != m.origin {
							sub.SendUpdate(m.update)
						}
					}
				}
				m.errc <- err

			case msgSubscribe:
				state, err := s.rep.EncodeState()
				if err != nil {
					m.errc <- err
					continue
				}
				s.subs[m.sub] = struct{}{}
				m.errc <- nil
				m.statec <- state

			case msgUnsubscribe:
				delete(s.subs, m.sub)

			case msgMeta:
				for sub := range s.subs {
					sub.SendMeta(m.meta)
				}

			case msgFlush:
				m.errc <- s.flush(m.ctx)

			case msgEvict:
				var err error
				if s.dirty {
					err = s.flush(m.ctx)
				}
				for sub := range s.subs {
					sub.Detach()
				}
				s.subs = make(map[Subscriber]struct{})
				close(s.done)
				m.errc <- err
				return
			}

		case <-debounce.C:
			if s.dirty {
				if err := s.flush(nil); err != nil {
					log.Printf("debounce flush failed doc=%s: %v", s.key.Full, err)
				}
			}

		case <-periodic.C:
			if s.dirty {
				if err := s.flush(nil); err != nil {
					log.Printf("periodic flush failed doc=%s: %v", s.key.Full, err)
				}
			}
		}
	}
}

// flush encodes, persists and compacts. On save failure the session stays
// dirty and the next timer firing is the retry. Compaction failure never
// fails the save.
func (s *Session) flush(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	defer cancel()

	state, err := s.rep.EncodeState()
	if err != nil {
		return err
	}
	if err := s.persist.Save(ctx, s.key.Storage, state, s.lastActorID); err != nil {
		return err
	}
	s.dirty = false
	if err := s.persist.Compact(ctx, s.key.Storage, s.cfg.Keep); err != nil {
		log.Printf("compact failed doc=%s: %v", s.key.Storage, err)
	}
	if s.notifier != nil {
		s.notifier.SnapshotSaved(s.key.Storage, s.lastActorID)
	}
	return nil
}
