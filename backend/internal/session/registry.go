package session

import (
	"context"
	"errors"
	"log"
	"sync"

	"collabsync/backend/internal/replica"
)

// ErrKeyConflict: a full key mapped to a storage key that is already live
// under a different namespace. Merging the two silently would corrupt the
// durable record, so the second caller is rejected.
var ErrKeyConflict = errors.New("document key conflict")

// ErrRegistryClosed: the process is shutting down; no new sessions.
var ErrRegistryClosed = errors.New("registry shut down")

// SnapshotLoader is the cold-start side of the store.
type SnapshotLoader interface {
	Load(ctx context.Context, storageKey string) ([]byte, error)
}

// Store is what the registry needs from the snapshot store.
// *store.SnapshotStore satisfies it.
type Store interface {
	SnapshotPersister
	SnapshotLoader
}

// Registry maps storage keys to live sessions. It is the one structure
// shared by every connection; the map lock is held only for map surgery,
// never across store I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	evicting map[string]chan struct{}
	closed   bool

	store    Store
	notifier Notifier
	cfg      Config
}

func NewRegistry(st Store, notifier Notifier, cfg Config) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		evicting: make(map[string]chan struct{}),
		store:    st,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
	}
}

// GetOrCreate resolves the session for a full document key, creating it on
// first use. Check-then-create happens inside one critical section, so
// concurrent first connections get the same session. The cold-start snapshot
// load runs in the session's own goroutine before its run loop starts;
// callers block on their first Subscribe until the load finishes.
func (r *Registry) GetOrCreate(full string) (*Session, error) {
	key, err := ParseKey(full)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for {
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		done, ok := r.evicting[key.Storage]
		if !ok {
			break
		}
		// 该文档正在驱逐落盘，等它结束后重建，避免拿到已关闭会话
		r.mu.Unlock()
		<-done
		r.mu.Lock()
	}
	if existing, ok := r.sessions[key.Storage]; ok {
		defer r.mu.Unlock()
		if existing.key.Full != key.Full {
			return nil, ErrKeyConflict
		}
		return existing, nil
	}
	s := newSession(key, replica.NewSet(), r.store, r.notifier, r.cfg)
	r.sessions[key.Storage] = s
	r.mu.Unlock()

	go func() {
		r.bootstrap(s)
		s.run()
	}()
	return s, nil
}

// bootstrap populates a fresh session's replica from the snapshot store.
// Corruption or an unreachable store is logged and the session starts
// empty: availability over a blob that cannot be trusted anyway.
func (r *Registry) bootstrap(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()

	state, err := r.store.Load(ctx, s.key.Storage)
	if err != nil {
		log.Printf("snapshot load failed doc=%s, starting empty: %v", s.key.Storage, err)
		return
	}
	if state == nil {
		return
	}
	// 快照必须是合法状态帧，坏帧按“无快照”处理
	if _, err := replica.Decode(state); err != nil {
		log.Printf("snapshot corrupt doc=%s, starting empty: %v", s.key.Storage, err)
		return
	}
	if err := s.rep.ApplyUpdate(state); err != nil {
		log.Printf("snapshot corrupt doc=%s, starting empty: %v", s.key.Storage, err)
		s.rep = replica.NewSet()
	}
}

// Lookup returns the live session for a storage key, if any.
func (r *Registry) Lookup(storageKey string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[storageKey]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Evict flushes outstanding dirty state synchronously, stops the session's
// timers and removes it from the registry. Subscribers are detached, not
// disconnected; closing their transport is the gateway's job.
func (r *Registry) Evict(ctx context.Context, storageKey string) error {
	r.mu.Lock()
	s, ok := r.sessions[storageKey]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if _, busy := r.evicting[storageKey]; busy {
		// 另一个驱逐已在进行，由它完成收尾
		r.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	r.evicting[storageKey] = done
	r.mu.Unlock()

	err := s.Close(ctx)

	// 先从表中摘除再放行等待者，等待者重建时不会再看到旧会话
	r.mu.Lock()
	if cur, ok := r.sessions[storageKey]; ok && cur == s {
		delete(r.sessions, storageKey)
	}
	delete(r.evicting, storageKey)
	r.mu.Unlock()
	close(done)
	return err
}

// ShutdownAll flushes and evicts every live session, in parallel, bounded by
// ctx. Once it begins, GetOrCreate refuses new sessions with
// ErrRegistryClosed. Used at process termination: after it returns no
// acknowledged edit is sitting only in memory, unless a flush missed the
// deadline (logged).
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				log.Printf("shutdown flush failed doc=%s: %v", s.key.Full, err)
			}
		}(s)
	}
	wg.Wait()
}
