package yggdrasil

import (
	"sync"
	"time"
)

const defaultMaxPendingAuthentications = 100_000

type joinRecord struct {
	serverID  string
	character *Character
	clientIP  string
	createdAt time.Time
}

// SessionLedger records server-declared joins for the two-phase handshake. A
// game client publishes a record under the server-chosen serverId; the game
// server then verifies the connecting player against it. Records are
// single-use and expire after a short TTL.
type SessionLedger struct {
	mutex      sync.Mutex
	entries    map[string]*joinRecord
	order      []string
	ttl        time.Duration
	maxEntries int
	clock      Clock
}

// NewSessionLedger constructs a ledger whose records expire after ttl.
func NewSessionLedger(ttl time.Duration, clock Clock) *SessionLedger {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &SessionLedger{
		entries:    make(map[string]*joinRecord),
		ttl:        ttl,
		maxEntries: defaultMaxPendingAuthentications,
		clock:      clock,
	}
}

// RecordJoin stores a join declaration for the serverId. The token is assumed
// to be COMPLETE-valid with a bound character; callers enforce that. A later
// join for the same serverId replaces the earlier one.
func (ledger *SessionLedger) RecordJoin(serverID string, character *Character, clientIP string) {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	ledger.entries[serverID] = &joinRecord{
		serverID:  serverID,
		character: character,
		clientIP:  clientIP,
		createdAt: ledger.clock.Now(),
	}
	ledger.order = append(ledger.order, serverID)
	ledger.evictLocked()
}

// VerifyJoin consumes the record for serverId and returns the joined
// character when the claimed username matches and the record is unexpired.
// When expectedIP is non-empty it must equal the joining client's IP. A miss
// is an absent result, never an error.
func (ledger *SessionLedger) VerifyJoin(username string, serverID string, expectedIP string) (*Character, bool) {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	record, ok := ledger.entries[serverID]
	if !ok {
		return nil, false
	}
	delete(ledger.entries, serverID)
	ledger.compactLocked()

	if ledger.clock.Now().Sub(record.createdAt) > ledger.ttl {
		return nil, false
	}
	if record.character == nil || record.character.Name != username {
		return nil, false
	}
	if expectedIP != "" && expectedIP != record.clientIP {
		return nil, false
	}
	return record.character, true
}

// Count reports the number of stored (possibly expired) records.
func (ledger *SessionLedger) Count() int {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()
	return len(ledger.entries)
}

// compactLocked rebuilds order without consumed serverIds once they outnumber
// live entries. Without it order grows by one string per join forever on a
// server whose joins are all promptly verified.
func (ledger *SessionLedger) compactLocked() {
	if len(ledger.order) < 64 || len(ledger.order) <= 2*len(ledger.entries) {
		return
	}
	kept := ledger.order[:0]
	for _, serverID := range ledger.order {
		if _, exists := ledger.entries[serverID]; exists {
			kept = append(kept, serverID)
		}
	}
	ledger.order = kept
}

func (ledger *SessionLedger) evictLocked() {
	if len(ledger.entries) <= ledger.maxEntries {
		return
	}
	kept := ledger.order[:0]
	for _, serverID := range ledger.order {
		if _, exists := ledger.entries[serverID]; exists {
			kept = append(kept, serverID)
		}
	}
	ledger.order = kept
	for len(ledger.entries) > ledger.maxEntries && len(ledger.order) > 0 {
		oldest := ledger.order[0]
		ledger.order = ledger.order[1:]
		delete(ledger.entries, oldest)
	}
}
