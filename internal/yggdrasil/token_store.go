package yggdrasil

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AvailableLevel selects how strict a token lookup is. COMPLETE is required
// for session operations (validate, join); PARTIAL is enough to refresh or
// invalidate, so a token past its partial expiry can still be rotated.
type AvailableLevel int

// Availability levels.
const (
	AvailableComplete AvailableLevel = iota
	AvailablePartial
)

type tokenState int

const (
	tokenStateActive tokenState = iota
	tokenStateSuperseded
	tokenStateRevoked
)

// Token is one access/client token pair. BoundCharacter is nil until the
// lineage commits to a profile; once set it never changes.
type Token struct {
	AccessToken    string
	ClientToken    string
	UserID         uuid.UUID
	BoundCharacter *Character
	CreatedAt      time.Time
}

type tokenRecord struct {
	token        Token
	state        tokenState
	supersededBy string
}

// TokenPolicy tunes expiry and session-exclusivity behavior.
type TokenPolicy struct {
	TimeToFullyExpired       time.Duration
	TimeToPartiallyExpired   time.Duration
	EnablePartialExpiry      bool
	OnlyLastSessionAvailable bool
	MaxTokenCount            int
}

const defaultMaxTokenCount = 100_000

// TokenStore is the authoritative token state machine. Every record is keyed
// by its access token and carries an explicit Active / Superseded / Revoked
// state; all transitions happen under one mutex, which gives the required
// atomicity for concurrent refresh, validate, and invalidate calls.
type TokenStore struct {
	mutex         sync.Mutex
	policy        TokenPolicy
	clock         Clock
	records       map[string]*tokenRecord
	creationOrder []string
	lastAcquired  map[uuid.UUID]string
}

// NewTokenStore constructs a TokenStore with the given policy.
func NewTokenStore(policy TokenPolicy, clock Clock) *TokenStore {
	if policy.MaxTokenCount <= 0 {
		policy.MaxTokenCount = defaultMaxTokenCount
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenStore{
		policy:       policy,
		clock:        clock,
		records:      make(map[string]*tokenRecord),
		lastAcquired: make(map[uuid.UUID]string),
	}
}

// Acquire mints a fresh ACTIVE token pair for the user. A client token is
// generated when the client did not supply one. With no explicit selection,
// a user owning exactly one character is bound to it immediately; otherwise
// the pair starts unbound.
func (store *TokenStore) Acquire(user *User, clientToken string, selected *Character) (Token, error) {
	if selected != nil && selected.OwnerID != user.ID {
		return Token{}, ErrCharacterAccessDenied
	}
	bound := selected
	if bound == nil && len(user.Characters) == 1 {
		bound = &user.Characters[0]
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	return store.insertLocked(user.ID, clientToken, bound), nil
}

// Authenticate resolves an access token at the requested availability level.
// A superseded, revoked, expired, or unknown token fails; a supplied client
// token must match the lineage.
func (store *TokenStore) Authenticate(accessToken string, clientToken string, level AvailableLevel) (Token, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.resolveLocked(accessToken, clientToken, level)
	if err != nil {
		return Token{}, err
	}
	return record.token, nil
}

// Refresh atomically supersedes an ACTIVE pair and mints its successor,
// preserving the client token and profile binding. When requestedCharacter is
// non-nil the binding rules apply: an already-bound pair rejects re-selection
// and a character owned by another user is denied; both failures leave the
// old pair untouched and still refreshable.
func (store *TokenStore) Refresh(accessToken string, clientToken string, requestedCharacter *Character) (Token, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.resolveLocked(accessToken, clientToken, AvailablePartial)
	if err != nil {
		return Token{}, err
	}
	if requestedCharacter != nil {
		if record.token.BoundCharacter != nil {
			return Token{}, ErrTokenAlreadyBound
		}
		if requestedCharacter.OwnerID != record.token.UserID {
			return Token{}, ErrCharacterAccessDenied
		}
	}

	bound := record.token.BoundCharacter
	if requestedCharacter != nil {
		bound = requestedCharacter
	}
	successor := store.insertLocked(record.token.UserID, record.token.ClientToken, bound)
	record.state = tokenStateSuperseded
	record.supersededBy = successor.AccessToken
	return successor, nil
}

// Validate reports whether the pair is ACTIVE and COMPLETE-valid.
func (store *TokenStore) Validate(accessToken string, clientToken string) error {
	_, err := store.Authenticate(accessToken, clientToken, AvailableComplete)
	return err
}

// Invalidate revokes the specific pair when it resolves (and the client
// token, if supplied, matches). It reports whether a revocation happened, but
// callers treat the operation as unconditionally successful.
func (store *TokenStore) Invalidate(accessToken string, clientToken string) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.resolveLocked(accessToken, clientToken, AvailablePartial)
	if err != nil {
		return false
	}
	record.state = tokenStateRevoked
	if store.lastAcquired[record.token.UserID] == accessToken {
		delete(store.lastAcquired, record.token.UserID)
	}
	return true
}

// RevokeAll revokes every outstanding pair belonging to the user, across all
// lineages and devices. Other users' tokens are untouched.
func (store *TokenStore) RevokeAll(userID uuid.UUID) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	revoked := 0
	for _, record := range store.records {
		if record.token.UserID != userID || record.state == tokenStateRevoked {
			continue
		}
		record.state = tokenStateRevoked
		revoked++
	}
	delete(store.lastAcquired, userID)
	return revoked
}

// Count reports the number of live (ACTIVE, unexpired) pairs.
func (store *TokenStore) Count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.clock.Now()
	live := 0
	for _, record := range store.records {
		if record.state == tokenStateActive && !store.fullyExpired(record, now) {
			live++
		}
	}
	return live
}

func (store *TokenStore) insertLocked(userID uuid.UUID, clientToken string, bound *Character) Token {
	accessToken := randomUnsignedUUID()
	for {
		if _, taken := store.records[accessToken]; !taken {
			break
		}
		accessToken = randomUnsignedUUID()
	}
	if clientToken == "" {
		clientToken = randomUnsignedUUID()
	}
	token := Token{
		AccessToken:    accessToken,
		ClientToken:    clientToken,
		UserID:         userID,
		BoundCharacter: bound,
		CreatedAt:      store.clock.Now(),
	}
	store.records[accessToken] = &tokenRecord{token: token, state: tokenStateActive}
	store.creationOrder = append(store.creationOrder, accessToken)
	store.lastAcquired[userID] = accessToken
	store.evictOverCapacityLocked()
	return token
}

func (store *TokenStore) resolveLocked(accessToken string, clientToken string, level AvailableLevel) (*tokenRecord, error) {
	record, ok := store.records[accessToken]
	if !ok {
		return nil, ErrTokenNotFound
	}
	now := store.clock.Now()
	if store.fullyExpired(record, now) {
		store.dropLocked(record)
		return nil, ErrTokenNotFound
	}
	if record.state != tokenStateActive {
		return nil, ErrTokenUnavailable
	}
	if clientToken != "" && clientToken != record.token.ClientToken {
		return nil, ErrClientTokenMismatch
	}
	if level == AvailableComplete {
		if store.partiallyExpired(record, now) {
			return nil, ErrTokenUnavailable
		}
		if store.policy.OnlyLastSessionAvailable && store.lastAcquired[record.token.UserID] != accessToken {
			return nil, ErrTokenUnavailable
		}
	}
	return record, nil
}

func (store *TokenStore) fullyExpired(record *tokenRecord, now time.Time) bool {
	if store.policy.TimeToFullyExpired <= 0 {
		return false
	}
	return now.Sub(record.token.CreatedAt) > store.policy.TimeToFullyExpired
}

func (store *TokenStore) partiallyExpired(record *tokenRecord, now time.Time) bool {
	if !store.policy.EnablePartialExpiry || store.policy.TimeToPartiallyExpired <= 0 {
		return false
	}
	return now.Sub(record.token.CreatedAt) > store.policy.TimeToPartiallyExpired
}

func (store *TokenStore) dropLocked(record *tokenRecord) {
	delete(store.records, record.token.AccessToken)
	if store.lastAcquired[record.token.UserID] == record.token.AccessToken {
		delete(store.lastAcquired, record.token.UserID)
	}
	store.compactOrderLocked()
}

// compactOrderLocked rebuilds creationOrder without dropped access tokens once
// they outnumber live records. Without it the slice grows by one string per
// expired token for the lifetime of the process.
func (store *TokenStore) compactOrderLocked() {
	if len(store.creationOrder) < 64 || len(store.creationOrder) <= 2*len(store.records) {
		return
	}
	kept := store.creationOrder[:0]
	for _, accessToken := range store.creationOrder {
		if _, exists := store.records[accessToken]; exists {
			kept = append(kept, accessToken)
		}
	}
	store.creationOrder = kept
}

func (store *TokenStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for _, record := range store.records {
		if store.fullyExpired(record, now) {
			store.dropLocked(record)
		}
	}
}

// evictOverCapacityLocked bounds the record table by dropping the oldest
// entries first, matching the original capacity-bounded token cache.
func (store *TokenStore) evictOverCapacityLocked() {
	if len(store.records) <= store.policy.MaxTokenCount {
		return
	}
	kept := store.creationOrder[:0]
	for _, accessToken := range store.creationOrder {
		if _, exists := store.records[accessToken]; exists {
			kept = append(kept, accessToken)
		}
	}
	store.creationOrder = kept
	for len(store.records) > store.policy.MaxTokenCount && len(store.creationOrder) > 0 {
		oldest := store.creationOrder[0]
		store.creationOrder = store.creationOrder[1:]
		if record, exists := store.records[oldest]; exists {
			store.dropLocked(record)
		}
	}
}

func randomUnsignedUUID() string {
	return UnsignedUUID(uuid.New())
}
