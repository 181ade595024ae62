package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

const (
	presenceBucket     = "PRESENCE"
	presenceConnBucket = "PRESENCE_CONN"
)

// presenceRecord is the KV value per user. LastSeen is unix milliseconds.
type presenceRecord struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	LastSeen int64  `json:"lastSeen"`
}

var validStatuses = map[string]bool{
	events.StatusOnline:  true,
	events.StatusAway:    true,
	events.StatusBusy:    true,
	events.StatusOffline: true,
}

// connTracker is a thread-safe in-memory mirror of the PRESENCE_CONN KV
// bucket. Because the bucket is shared, "last connection gone" is decided
// from cluster-wide state: a user split across two processes does not go
// offline when only one of them loses its local connection.
type connTracker struct {
	mu    sync.RWMutex
	conns map[string]map[string]bool // userId -> set of connIds
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]map[string]bool)}
}

func (ct *connTracker) add(userID, connID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.conns[userID] == nil {
		ct.conns[userID] = make(map[string]bool)
	}
	ct.conns[userID][connID] = true
}

// remove reports whether that was the user's last known connection.
func (ct *connTracker) remove(userID, connID string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if conns, ok := ct.conns[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(ct.conns, userID)
			return true
		}
	}
	return false
}

func (ct *connTracker) hasConns(userID string) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.conns[userID]) > 0
}

func (ct *connTracker) reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.conns = make(map[string]map[string]bool)
}

// presenceTracker owns the shared presence state: the status KV, the TTL'd
// connection-registry KV, and the announcements derived from transitions.
type presenceTracker struct {
	statusKV nats.KeyValue
	connKV   nats.KeyValue
	tracker  *connTracker
	store    Store
	bp       *backplane

	livenessWindow time.Duration
	opTimeout      time.Duration

	transitions metric.Int64Counter
	reaped      metric.Int64Counter
}

func newPresenceTracker(statusKV, connKV nats.KeyValue, store Store, bp *backplane, cfg Config, meter metric.Meter) *presenceTracker {
	transitions, _ := meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Presence status transitions written"))
	reaped, _ := meter.Int64Counter("presence_reaped_total",
		metric.WithDescription("Stale presence records deleted by the reaper"))
	return &presenceTracker{
		statusKV:       statusKV,
		connKV:         connKV,
		tracker:        newConnTracker(),
		store:          store,
		bp:             bp,
		livenessWindow: cfg.LivenessWindow,
		opTimeout:      cfg.OpTimeout,
		transitions:    transitions,
		reaped:         reaped,
	}
}

// Register records a new authenticated connection and, when the user was
// not already online, announces the online transition.
func (p *presenceTracker) Register(ctx context.Context, identity events.Identity, connID string) {
	key := identity.UserID + "." + connID
	if _, err := p.connKV.Put(key, []byte(`{}`)); err != nil {
		slog.WarnContext(ctx, "Failed to register connection in KV", "user", identity.UserID, "error", err)
	}
	p.tracker.add(identity.UserID, connID)

	wasOnline := false
	if entry, err := p.statusKV.Get(identity.UserID); err == nil {
		var rec presenceRecord
		if json.Unmarshal(entry.Value(), &rec) == nil && rec.Status != events.StatusOffline {
			wasOnline = true
		}
	}

	rec := presenceRecord{Status: events.StatusOnline, LastSeen: time.Now().UnixMilli()}
	data, _ := json.Marshal(rec)
	if _, err := p.statusKV.Put(identity.UserID, data); err != nil {
		slog.WarnContext(ctx, "Failed to write presence record", "user", identity.UserID, "error", err)
	}
	p.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", events.StatusOnline)))

	if !wasOnline {
		p.announce(ctx, identity.UserID, events.StatusOnline, "")
	}
}

// Heartbeat refreshes both the TTL'd connection key and the record's
// lastSeen, keeping the reaper at bay.
func (p *presenceTracker) Heartbeat(ctx context.Context, userID, connID string) {
	key := userID + "." + connID
	if _, err := p.connKV.Put(key, []byte(`{}`)); err != nil {
		slog.DebugContext(ctx, "Heartbeat KV refresh failed", "user", userID, "error", err)
	}
	p.tracker.add(userID, connID)

	rec := presenceRecord{Status: events.StatusOnline, LastSeen: time.Now().UnixMilli()}
	if entry, err := p.statusKV.Get(userID); err == nil {
		var existing presenceRecord
		if json.Unmarshal(entry.Value(), &existing) == nil && existing.Status != events.StatusOffline {
			rec.Status = existing.Status
			rec.Location = existing.Location
		}
	}
	data, _ := json.Marshal(rec)
	p.statusKV.Put(userID, data)
}

// UpdateStatus handles an explicit client presence signal.
func (p *presenceTracker) UpdateStatus(ctx context.Context, userID, status, location string) error {
	if !validStatuses[status] {
		return errors.New("invalid presence status")
	}

	rec := presenceRecord{Status: status, Location: location, LastSeen: time.Now().UnixMilli()}
	data, _ := json.Marshal(rec)
	if _, err := p.statusKV.Put(userID, data); err != nil {
		return err
	}
	p.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))

	p.announce(ctx, userID, status, location)
	return nil
}

// Disconnect removes one connection. When the cluster-wide count reaches
// zero the offline transition runs, deduplicated by CAS.
func (p *presenceTracker) Disconnect(ctx context.Context, userID, connID string) {
	key := userID + "." + connID
	p.connKV.Delete(key)
	if p.tracker.remove(userID, connID) {
		p.handleUserOffline(ctx, userID)
	}
}

// handleUserOffline marks a user offline exactly once across all gateway
// processes: only the process whose CAS update wins announces. Losers get
// a revision mismatch and stand down.
func (p *presenceTracker) handleUserOffline(ctx context.Context, userID string) {
	entry, err := p.statusKV.Get(userID)
	if err != nil {
		// Record already gone; nothing to announce.
		return
	}

	var rec presenceRecord
	if json.Unmarshal(entry.Value(), &rec) == nil && rec.Status == events.StatusOffline {
		return // another process already handled it
	}

	offline := presenceRecord{Status: events.StatusOffline, LastSeen: time.Now().UnixMilli()}
	data, _ := json.Marshal(offline)
	if _, err := p.statusKV.Update(userID, data, entry.Revision()); err != nil {
		slog.DebugContext(ctx, "Offline CAS lost, another process won", "user", userID)
		return
	}
	p.statusKV.Delete(userID)
	p.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", events.StatusOffline)))

	p.announce(ctx, userID, events.StatusOffline, "")
	slog.InfoContext(ctx, "User went offline", "user", userID)
}

// announce publishes the transition. online/offline go to every connected
// client; every transition additionally reaches the user's followers in
// their identity rooms.
func (p *presenceTracker) announce(ctx context.Context, userID, status, location string) {
	var event string
	var payload any
	switch status {
	case events.StatusOnline:
		event = events.UserOnline
		payload = events.PresencePayload{UserID: userID, Status: status}
	case events.StatusOffline:
		event = events.UserOffline
		payload = events.UserOfflinePayload{UserID: userID}
	}
	if event != "" {
		data, _ := json.Marshal(payload)
		if err := p.bp.PublishGlobal(ctx, envelope{Event: event, Payload: data}); err != nil {
			slog.WarnContext(ctx, "Failed to publish global presence event", "user", userID, "error", err)
		}
	}

	update := events.PresencePayload{UserID: userID, Status: status, Location: location}
	data, _ := json.Marshal(update)

	storeCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	followers, err := p.store.GetFollowers(storeCtx, userID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to enumerate followers for presence update", "user", userID, "error", err)
		return
	}
	for _, follower := range followers {
		env := envelope{Room: events.UserRoom(follower), Event: events.PresenceUpdate, Payload: data}
		if err := p.bp.PublishRoom(ctx, env); err != nil {
			slog.WarnContext(ctx, "Failed to publish presence update", "follower", follower, "error", err)
		}
	}
}

// RunReaper sweeps the status bucket on a fixed cadence: any record silent
// for longer than the liveness window is CAS-marked offline, deleted and
// announced. Runs on every process; CAS keeps the announcement single.
func (p *presenceTracker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *presenceTracker) sweep(ctx context.Context) {
	keys, err := p.statusKV.Keys()
	if err != nil {
		if !errors.Is(err, nats.ErrNoKeysFound) {
			slog.WarnContext(ctx, "Reaper failed to list presence keys", "error", err)
		}
		return
	}

	now := time.Now().UnixMilli()
	for _, userID := range keys {
		entry, err := p.statusKV.Get(userID)
		if err != nil {
			continue // deleted between Keys and Get
		}
		var rec presenceRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			p.statusKV.Delete(userID)
			continue
		}
		if now-rec.LastSeen <= p.livenessWindow.Milliseconds() {
			continue
		}

		if rec.Status == events.StatusOffline {
			// Residue from an interrupted offline transition.
			p.statusKV.Delete(userID)
			continue
		}

		offline := presenceRecord{Status: events.StatusOffline, LastSeen: now}
		data, _ := json.Marshal(offline)
		if _, err := p.statusKV.Update(userID, data, entry.Revision()); err != nil {
			continue // another process's sweep won
		}
		p.statusKV.Delete(userID)
		p.reaped.Add(ctx, 1)
		p.announce(ctx, userID, events.StatusOffline, "")
		slog.InfoContext(ctx, "Reaped stale presence record", "user", userID, "idle_ms", now-rec.LastSeen)
	}
}

// RunConnWatcher mirrors the PRESENCE_CONN bucket into the local tracker
// and reacts to TTL expirations: when an expired key was a user's last
// connection cluster-wide, the offline transition runs here.
func (p *presenceTracker) RunConnWatcher(ctx context.Context) {
	watcher, err := p.connKV.WatchAll()
	if err != nil {
		slog.Error("Failed to start connection KV watcher", "error", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue // end of initial replay
			}

			parts := strings.SplitN(entry.Key(), ".", 2)
			if len(parts) != 2 {
				continue
			}
			userID, connID := parts[0], parts[1]

			switch entry.Operation() {
			case nats.KeyValuePut:
				p.tracker.add(userID, connID)
			case nats.KeyValueDelete, nats.KeyValuePurge:
				if p.tracker.remove(userID, connID) {
					slog.Info("Connection expired, last connection gone", "user", userID, "conn", connID)
					p.handleUserOffline(ctx, userID)
				}
			}
		}
	}
}
