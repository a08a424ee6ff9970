package synckit

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// MemoryIdentityStore is a simple identity backend used for demo and local
// runs. The principal id doubles as the login name.
type MemoryIdentityStore struct {
	mutex sync.RWMutex
	users map[string]identityRecord
}

type identityRecord struct {
	Email        string
	DisplayName  string
	Roles        []string
	PasswordHash string
	Attributes   map[string]any
}

// NewMemoryIdentityStore constructs a store with an empty user map.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{users: make(map[string]identityRecord)}
}

// AddUser registers a principal with an argon2id-hashed password.
func (store *MemoryIdentityStore) AddUser(userID string, userEmail string, userDisplayName string, userRoles []string, password string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("identity.add_user: empty user id")
	}
	passwordHash, hashErr := hashPassword(password)
	if hashErr != nil {
		return fmt.Errorf("identity.add_user: %w", hashErr)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.users[userID] = identityRecord{
		Email:        userEmail,
		DisplayName:  userDisplayName,
		Roles:        userRoles,
		PasswordHash: passwordHash,
	}
	return nil
}

// RemoveUser deletes a principal. Outstanding refresh tokens for the user
// fail with ErrRenewalFailed on their next renewal.
func (store *MemoryIdentityStore) RemoveUser(userID string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.users, userID)
}

// FindByID returns the principal for the given id.
func (store *MemoryIdentityStore) FindByID(ctx context.Context, userID string) (Principal, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.users[userID]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return record.principal(userID), nil
}

// RolesOf returns the role set for the given id.
func (store *MemoryIdentityStore) RolesOf(ctx context.Context, userID string) ([]string, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.users[userID]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return append([]string(nil), record.Roles...), nil
}

// VerifyCredentials checks a username/password pair.
func (store *MemoryIdentityStore) VerifyCredentials(ctx context.Context, username string, password string) (Principal, error) {
	store.mutex.RLock()
	record, ok := store.users[username]
	store.mutex.RUnlock()
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	match, verifyErr := verifyPassword(record.PasswordHash, password)
	if verifyErr != nil || !match {
		return Principal{}, ErrInvalidCredentials
	}
	return record.principal(username), nil
}

// UpsertGoogleUser inserts or updates a principal based on the Google sub claim.
func (store *MemoryIdentityStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (Principal, error) {
	userID := "google:" + googleSub
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.users[userID]
	if !ok {
		record = identityRecord{Roles: []string{"user"}}
	}
	record.Email = userEmail
	record.DisplayName = userDisplayName
	store.users[userID] = record
	return record.principal(userID), nil
}

func (record identityRecord) principal(userID string) Principal {
	return Principal{
		ID:          userID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		Roles:       append([]string(nil), record.Roles...),
		Attributes:  record.Attributes,
	}
}

// Argon2id parameters follow the RFC 9106 low-memory recommendation.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonSaltLen = 16
	argonKeyLen  = 32
)

func hashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func verifyPassword(encodedHash string, password string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("identity.verify: malformed hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, err
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, err
	}
	salt, saltErr := base64.RawStdEncoding.DecodeString(parts[4])
	if saltErr != nil {
		return false, saltErr
	}
	expected, keyErr := base64.RawStdEncoding.DecodeString(parts[5])
	if keyErr != nil {
		return false, keyErr
	}
	computed := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}
