package yggdrasil

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type controllableClock struct {
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

func newTestClock() *controllableClock {
	return &controllableClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestUser(characterNames ...string) *User {
	user := &User{
		ID:           uuid.New(),
		Email:        "owner@example.com",
		PasswordHash: []byte("unused"),
	}
	for _, name := range characterNames {
		user.Characters = append(user.Characters, Character{
			ID:       uuid.New(),
			Name:     name,
			Model:    ModelDefault,
			Textures: map[TextureType]Texture{},
			OwnerID:  user.ID,
		})
	}
	return user
}

func newTestTokenStore(policy TokenPolicy, clock Clock) *TokenStore {
	if policy.TimeToFullyExpired == 0 {
		policy.TimeToFullyExpired = 72 * time.Hour
	}
	return NewTokenStore(policy, clock)
}

func TestAcquireGeneratesClientTokenWhenMissing(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser()

	token, err := store.Acquire(user, "", nil)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if token.AccessToken == "" || token.ClientToken == "" {
		t.Fatalf("expected generated tokens, got %+v", token)
	}

	supplied, err := store.Acquire(user, "my-client-token", nil)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if supplied.ClientToken != "my-client-token" {
		t.Fatalf("expected supplied client token to be kept, got %s", supplied.ClientToken)
	}
}

func TestAcquireAutoBindsSingleCharacter(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())

	zero, err := store.Acquire(newTestUser(), "", nil)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if zero.BoundCharacter != nil {
		t.Fatalf("expected no binding for a user without characters")
	}

	single := newTestUser("Alice")
	one, err := store.Acquire(single, "", nil)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if one.BoundCharacter == nil || one.BoundCharacter.Name != "Alice" {
		t.Fatalf("expected auto-binding to the only character, got %+v", one.BoundCharacter)
	}

	two, err := store.Acquire(newTestUser("Bob", "Carol"), "", nil)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if two.BoundCharacter != nil {
		t.Fatalf("expected no auto-binding with two characters")
	}
}

func TestAcquireRejectsForeignCharacter(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser()
	stranger := newTestUser("Mallory")

	_, err := store.Acquire(user, "", &stranger.Characters[0])
	if !errors.Is(err, ErrCharacterAccessDenied) {
		t.Fatalf("expected ErrCharacterAccessDenied, got %v", err)
	}
}

func TestRefreshRotatesAndInvalidatesOldToken(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser("Alice")

	original, err := store.Acquire(user, "", nil)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}

	refreshed, refreshErr := store.Refresh(original.AccessToken, original.ClientToken, nil)
	if refreshErr != nil {
		t.Fatalf("refresh error: %v", refreshErr)
	}
	if refreshed.AccessToken == original.AccessToken {
		t.Fatalf("expected a new access token")
	}
	if refreshed.ClientToken != original.ClientToken {
		t.Fatalf("expected client token to survive refresh")
	}
	if refreshed.BoundCharacter == nil || refreshed.BoundCharacter.Name != "Alice" {
		t.Fatalf("expected binding to survive refresh")
	}

	if _, err := store.Authenticate(original.AccessToken, "", AvailablePartial); !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("expected superseded token to be unavailable, got %v", err)
	}
	if err := store.Validate(refreshed.AccessToken, refreshed.ClientToken); err != nil {
		t.Fatalf("expected successor to validate: %v", err)
	}
}

func TestRefreshDoesNotTouchSiblingTokens(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser("Alice")

	first, _ := store.Acquire(user, "device-one", nil)
	second, _ := store.Acquire(user, "device-two", nil)

	if _, err := store.Refresh(first.AccessToken, first.ClientToken, nil); err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if err := store.Validate(second.AccessToken, second.ClientToken); err != nil {
		t.Fatalf("expected sibling lineage to stay valid: %v", err)
	}
}

func TestRefreshWithWrongClientTokenFails(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser("Alice")

	token, _ := store.Acquire(user, "client-a", nil)
	if _, err := store.Refresh(token.AccessToken, "client-b", nil); !errors.Is(err, ErrClientTokenMismatch) {
		t.Fatalf("expected ErrClientTokenMismatch, got %v", err)
	}
	if err := store.Validate(token.AccessToken, "client-a"); err != nil {
		t.Fatalf("failed refresh must not mutate the token: %v", err)
	}
}

func TestRefreshSelectsProfileOnce(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser("Bob", "Carol")

	token, _ := store.Acquire(user, "", nil)
	if token.BoundCharacter != nil {
		t.Fatalf("expected unbound token")
	}

	bound, err := store.Refresh(token.AccessToken, token.ClientToken, &user.Characters[0])
	if err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if bound.BoundCharacter == nil || bound.BoundCharacter.Name != "Bob" {
		t.Fatalf("expected binding to Bob, got %+v", bound.BoundCharacter)
	}

	_, rebindErr := store.Refresh(bound.AccessToken, bound.ClientToken, &user.Characters[1])
	if !errors.Is(rebindErr, ErrTokenAlreadyBound) {
		t.Fatalf("expected ErrTokenAlreadyBound, got %v", rebindErr)
	}
	if err := store.Validate(bound.AccessToken, bound.ClientToken); err != nil {
		t.Fatalf("failed re-selection must not mutate the token: %v", err)
	}
}

func TestRefreshSelectingForeignCharacterDenied(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser()
	stranger := newTestUser("Mallory")

	token, _ := store.Acquire(user, "", nil)
	_, err := store.Refresh(token.AccessToken, token.ClientToken, &stranger.Characters[0])
	if !errors.Is(err, ErrCharacterAccessDenied) {
		t.Fatalf("expected ErrCharacterAccessDenied, got %v", err)
	}
	if err := store.Validate(token.AccessToken, token.ClientToken); err != nil {
		t.Fatalf("denied selection must not mutate the token: %v", err)
	}
}

func TestInvalidateRevokesOnlyThatToken(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser("Alice")

	first, _ := store.Acquire(user, "", nil)
	second, _ := store.Acquire(user, "", nil)

	if revoked := store.Invalidate(first.AccessToken, first.ClientToken); !revoked {
		t.Fatalf("expected revocation to happen")
	}
	if err := store.Validate(first.AccessToken, first.ClientToken); err == nil {
		t.Fatalf("expected revoked token to fail validate")
	}
	if _, err := store.Refresh(first.AccessToken, first.ClientToken, nil); err == nil {
		t.Fatalf("expected revoked token to fail refresh")
	}
	if err := store.Validate(second.AccessToken, second.ClientToken); err != nil {
		t.Fatalf("expected sibling token to stay valid: %v", err)
	}
}

func TestInvalidateUnknownTokenIsNoOp(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	if revoked := store.Invalidate("not-a-token", ""); revoked {
		t.Fatalf("expected no revocation for an unknown token")
	}
}

func TestRevokeAllClearsUserTokensOnly(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	alice := newTestUser("Alice")
	bob := newTestUser("Bob")

	aliceOne, _ := store.Acquire(alice, "", nil)
	aliceTwo, _ := store.Acquire(alice, "", nil)
	bobToken, _ := store.Acquire(bob, "", nil)

	if revoked := store.RevokeAll(alice.ID); revoked != 2 {
		t.Fatalf("expected 2 revocations, got %d", revoked)
	}
	if err := store.Validate(aliceOne.AccessToken, ""); err == nil {
		t.Fatalf("expected alice token one to be revoked")
	}
	if err := store.Validate(aliceTwo.AccessToken, ""); err == nil {
		t.Fatalf("expected alice token two to be revoked")
	}
	if err := store.Validate(bobToken.AccessToken, ""); err != nil {
		t.Fatalf("expected bob's token to survive: %v", err)
	}
}

func TestFullyExpiredTokenIsNotFound(t *testing.T) {
	clock := newTestClock()
	store := newTestTokenStore(TokenPolicy{TimeToFullyExpired: time.Hour}, clock)
	user := newTestUser("Alice")

	token, _ := store.Acquire(user, "", nil)
	clock.Advance(2 * time.Hour)

	if _, err := store.Authenticate(token.AccessToken, "", AvailablePartial); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound after full expiry, got %v", err)
	}
}

func TestPartiallyExpiredTokenRefreshesButFailsValidate(t *testing.T) {
	clock := newTestClock()
	store := newTestTokenStore(TokenPolicy{
		TimeToFullyExpired:     10 * time.Hour,
		TimeToPartiallyExpired: time.Hour,
		EnablePartialExpiry:    true,
	}, clock)
	user := newTestUser("Alice")

	token, _ := store.Acquire(user, "", nil)
	clock.Advance(2 * time.Hour)

	if err := store.Validate(token.AccessToken, token.ClientToken); !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("expected partially expired token to fail validate, got %v", err)
	}
	refreshed, refreshErr := store.Refresh(token.AccessToken, token.ClientToken, nil)
	if refreshErr != nil {
		t.Fatalf("expected partially expired token to refresh: %v", refreshErr)
	}
	if err := store.Validate(refreshed.AccessToken, refreshed.ClientToken); err != nil {
		t.Fatalf("expected successor to validate: %v", err)
	}
}

func TestPartiallyExpiredTokenStillInvalidates(t *testing.T) {
	clock := newTestClock()
	store := newTestTokenStore(TokenPolicy{
		TimeToFullyExpired:     10 * time.Hour,
		TimeToPartiallyExpired: time.Hour,
		EnablePartialExpiry:    true,
	}, clock)
	user := newTestUser("Alice")

	token, _ := store.Acquire(user, "", nil)
	clock.Advance(2 * time.Hour)

	if revoked := store.Invalidate(token.AccessToken, token.ClientToken); !revoked {
		t.Fatalf("expected partially expired token to invalidate")
	}
}

func TestOnlyLastSessionAvailable(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{OnlyLastSessionAvailable: true}, newTestClock())
	user := newTestUser("Alice")

	first, _ := store.Acquire(user, "", nil)
	second, _ := store.Acquire(user, "", nil)

	if err := store.Validate(first.AccessToken, first.ClientToken); !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("expected older token to fail validate, got %v", err)
	}
	if err := store.Validate(second.AccessToken, second.ClientToken); err != nil {
		t.Fatalf("expected latest token to validate: %v", err)
	}
	if _, err := store.Refresh(first.AccessToken, first.ClientToken, nil); err != nil {
		t.Fatalf("expected older token to still refresh: %v", err)
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{MaxTokenCount: 3}, newTestClock())
	user := newTestUser("Alice")

	oldest, _ := store.Acquire(user, "", nil)
	var newest Token
	for index := 0; index < 3; index++ {
		newest, _ = store.Acquire(user, "", nil)
	}

	if _, err := store.Authenticate(oldest.AccessToken, "", AvailablePartial); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected oldest token to be evicted, got %v", err)
	}
	if err := store.Validate(newest.AccessToken, newest.ClientToken); err != nil {
		t.Fatalf("expected newest token to survive: %v", err)
	}
	if count := store.Count(); count != 3 {
		t.Fatalf("expected 3 live tokens, got %d", count)
	}
}

func TestConcurrentRefreshAdmitsExactlyOne(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser("Alice")

	token, err := store.Acquire(user, "", nil)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}

	const attempts = 32
	var waitGroup sync.WaitGroup
	outcomes := make(chan error, attempts)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, refreshErr := store.Refresh(token.AccessToken, token.ClientToken, nil)
			outcomes <- refreshErr
		}()
	}
	waitGroup.Wait()
	close(outcomes)

	succeeded := 0
	for outcome := range outcomes {
		if outcome == nil {
			succeeded++
			continue
		}
		if !errors.Is(outcome, ErrTokenUnavailable) {
			t.Fatalf("losing refresh must see the superseded state, got %v", outcome)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one refresh to win, got %d", succeeded)
	}
}

func TestConcurrentProfileSelectionBindsOnce(t *testing.T) {
	store := newTestTokenStore(TokenPolicy{}, newTestClock())
	user := newTestUser("Bob", "Carol")

	token, err := store.Acquire(user, "", nil)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}

	const attempts = 16
	var waitGroup sync.WaitGroup
	winners := make(chan Token, attempts)
	for index := 0; index < attempts; index++ {
		selected := &user.Characters[index%2]
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			successor, refreshErr := store.Refresh(token.AccessToken, token.ClientToken, selected)
			if refreshErr == nil {
				winners <- successor
			}
		}()
	}
	waitGroup.Wait()
	close(winners)

	bound := make([]Token, 0, 1)
	for winner := range winners {
		bound = append(bound, winner)
	}
	if len(bound) != 1 {
		t.Fatalf("expected exactly one selection to commit, got %d", len(bound))
	}
	if bound[0].BoundCharacter == nil {
		t.Fatalf("expected the winning refresh to carry a binding")
	}
}

func TestPurgingExpiredTokensCompactsCreationOrder(t *testing.T) {
	clock := newTestClock()
	store := newTestTokenStore(TokenPolicy{TimeToFullyExpired: time.Hour}, clock)
	user := newTestUser("Alice")

	const cycles = 500
	for index := 0; index < cycles; index++ {
		if _, err := store.Acquire(user, "", nil); err != nil {
			t.Fatalf("acquire error: %v", err)
		}
		clock.Advance(2 * time.Hour)
	}
	if _, err := store.Acquire(user, "", nil); err != nil {
		t.Fatalf("acquire error: %v", err)
	}

	store.mutex.Lock()
	orderLength := len(store.creationOrder)
	recordCount := len(store.records)
	store.mutex.Unlock()

	if recordCount != 1 {
		t.Fatalf("expected a single live record, got %d", recordCount)
	}
	if orderLength >= cycles {
		t.Fatalf("expected dropped tokens to leave creationOrder, it holds %d entries", orderLength)
	}
	if orderLength > 100 {
		t.Fatalf("expected creationOrder to stay near the live record count, it holds %d entries", orderLength)
	}
}

func TestCountIgnoresRevokedAndExpired(t *testing.T) {
	clock := newTestClock()
	store := newTestTokenStore(TokenPolicy{TimeToFullyExpired: time.Hour}, clock)
	user := newTestUser("Alice")

	keep, _ := store.Acquire(user, "", nil)
	drop, _ := store.Acquire(user, "", nil)
	store.Invalidate(drop.AccessToken, drop.ClientToken)

	if count := store.Count(); count != 1 {
		t.Fatalf("expected 1 live token, got %d", count)
	}
	_ = keep
	clock.Advance(2 * time.Hour)
	if count := store.Count(); count != 0 {
		t.Fatalf("expected 0 live tokens after expiry, got %d", count)
	}
}
