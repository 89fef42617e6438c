// Package registry maps authenticated device IMEIs to their live session
// handle, plus a cached status snapshot the command dispatcher and HTTP
// surface can read without touching the store. Grounded on the teacher's
// ControlController (internal/http/controllers/control_controller.go),
// whose activeConnections map is the same "IMEI -> live socket" idea —
// generalized here with the periodic sweep/compaction spec §4.3 requires
// and a proper mutex instead of an unguarded map.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"luna-gateway/internal/store"
)

const (
	offlineSweepInterval = 60 * time.Second
	offlineAfter         = 300 * time.Second
	cacheCompactInterval = 600 * time.Second
	cacheStaleAfter      = 3600 * time.Second
)

// Handle is the capability the registry needs from a session: enough to
// displace it on a duplicate-IMEI login, without the registry importing
// the session package (breaking the cyclic reference spec §9 flags).
type Handle interface {
	IMEI() string
	Close() error
}

// DeviceStore is the slice of store.Store the registry depends on.
type DeviceStore interface {
	GetDeviceByIMEI(imei string) (*store.Device, error)
	SetOnline(imei string, online bool) error
	TouchHeartbeat(imei string) error
	TouchLogin(imei string) error
}

// Status is the cached per-device bookkeeping the registry keeps aside
// from the authoritative store row.
type Status struct {
	Online        bool
	LastSeen      time.Time
	LastHeartbeat time.Time
	LastLogin     time.Time
	LastActivity  time.Time
	ActivityCount int64
}

// Registry is the shared mutable IMEI -> session map. All mutation goes
// through the mutex; store calls happen outside the locked section, per
// spec §5 ("no business logic is performed while holding the registry
// lock").
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handle
	status   map[string]*Status

	store DeviceStore
	log   *logrus.Entry
}

func New(deviceStore DeviceStore, log *logrus.Entry) *Registry {
	return &Registry{
		sessions: make(map[string]Handle),
		status:   make(map[string]*Status),
		store:    deviceStore,
		log:      log,
	}
}

// Authenticate looks the device up in the store, rejects unknown/inactive
// devices, displaces any existing session for the same IMEI, and installs
// the new one. Returns (nil, nil) for "not authorized", distinct from
// (nil, err) for a store failure; on success returns the device row so the
// caller (the session) can learn its DeviceID without a second lookup.
func (r *Registry) Authenticate(handle Handle, imei string) (*store.Device, error) {
	device, err := r.store.GetDeviceByIMEI(imei)
	if errors.Is(err, store.ErrDeviceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !device.Active {
		return nil, nil
	}

	r.mu.Lock()
	old := r.sessions[imei]
	r.sessions[imei] = handle
	r.mu.Unlock()

	if old != nil && old != handle {
		old.Close()
	}

	r.touch(imei, func(st *Status) {
		st.Online = true
		st.LastLogin = time.Now().UTC()
	})

	if err := r.store.SetOnline(imei, true); err != nil {
		r.log.WithError(err).WithField("imei", imei).Warn("failed to persist online=true")
	}
	if err := r.store.TouchLogin(imei); err != nil {
		r.log.WithError(err).WithField("imei", imei).Warn("failed to persist last_login")
	}
	return device, nil
}

// MarkOffline removes any registered session for imei and records offline
// in the cache and store. The cached last_seen is preserved.
func (r *Registry) MarkOffline(imei string) {
	r.mu.Lock()
	delete(r.sessions, imei)
	if st, ok := r.status[imei]; ok {
		st.Online = false
	}
	r.mu.Unlock()

	if err := r.store.SetOnline(imei, false); err != nil {
		r.log.WithError(err).WithField("imei", imei).Warn("failed to persist online=false")
	}
}

// TouchHeartbeat records a heartbeat and implies online=true.
func (r *Registry) TouchHeartbeat(imei string) {
	r.touch(imei, func(st *Status) {
		st.Online = true
		st.LastHeartbeat = time.Now().UTC()
	})
	if err := r.store.TouchHeartbeat(imei); err != nil {
		r.log.WithError(err).WithField("imei", imei).Warn("failed to persist heartbeat")
	}
}

// TouchLogin records a login (e.g. a re-login on an already-tracked IMEI)
// and implies online=true.
func (r *Registry) TouchLogin(imei string) {
	r.touch(imei, func(st *Status) {
		st.Online = true
		st.LastLogin = time.Now().UTC()
	})
	if err := r.store.TouchLogin(imei); err != nil {
		r.log.WithError(err).WithField("imei", imei).Warn("failed to persist login")
	}
}

// Lookup returns the live session handle for imei, if any.
func (r *Registry) Lookup(imei string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[imei]
	return h, ok
}

// StatusOf returns a copy of the cached status for imei, if tracked.
func (r *Registry) StatusOf(imei string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.status[imei]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// ActiveCount returns the number of live sessions — used by the health
// surface.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) touch(imei string, mutate func(*Status)) {
	now := time.Now().UTC()
	r.mu.Lock()
	st, ok := r.status[imei]
	if !ok {
		st = &Status{}
		r.status[imei] = st
	}
	mutate(st)
	st.LastSeen = now
	st.LastActivity = now
	st.ActivityCount++
	r.mu.Unlock()
}

// RunSweeps blocks, running the offline and cache-compaction sweeps on
// their own tickers until ctx is cancelled. Intended to run in its own
// goroutine from cmd/gateway's wiring.
func (r *Registry) RunSweeps(ctx context.Context) {
	offlineTicker := time.NewTicker(offlineSweepInterval)
	defer offlineTicker.Stop()
	compactTicker := time.NewTicker(cacheCompactInterval)
	defer compactTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-offlineTicker.C:
			r.sweepOffline()
		case <-compactTicker.C:
			r.compactCache()
		}
	}
}

func (r *Registry) sweepOffline() {
	now := time.Now().UTC()
	var stale []string

	r.mu.RLock()
	for imei, st := range r.status {
		if st.Online && now.Sub(st.LastSeen) > offlineAfter {
			stale = append(stale, imei)
		}
	}
	r.mu.RUnlock()

	for _, imei := range stale {
		r.log.WithField("imei", imei).Info("offline sweep: marking device offline")
		r.MarkOffline(imei)
	}
}

func (r *Registry) compactCache() {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	for imei, st := range r.status {
		if now.Sub(st.LastActivity) > cacheStaleAfter {
			delete(r.status, imei)
		}
	}
}
