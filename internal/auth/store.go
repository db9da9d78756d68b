// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gamelist1990/FileShare/internal/log"
)

// saveDebounce batches registry mutations into one write.
const saveDebounce = 200 * time.Millisecond

var (
	// ErrInvalidCredentials covers unknown users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotApproved is returned when a pending or denied user logs in.
	ErrNotApproved = errors.New("account not approved")
	// ErrTokenInvalid covers malformed, unknown and expired tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrDuplicateUser is returned when the username is already taken.
	ErrDuplicateUser = errors.New("username already exists")
	// ErrUserNotFound is returned by admin operations on unknown users.
	ErrUserNotFound = errors.New("user not found")
)

// Store is the process-wide auth service: persisted users plus in-memory
// sessions signed with a per-process secret.
type Store struct {
	mu       sync.Mutex
	path     string
	users    map[string]*User    // by id
	byName   map[string]string   // normalized username -> id
	byIP     map[string]string   // observed ip -> user id
	sessions map[string]*Session // token -> session
	secret   []byte

	saveTimer *time.Timer
	logger    zerolog.Logger
	now       func() time.Time
}

// Open loads users.json from the state directory. A missing file starts an
// empty registry.
func Open(stateDir string) (*Store, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	s := &Store{
		path:     filepath.Join(stateDir, "users.json"),
		users:    make(map[string]*User),
		byName:   make(map[string]string),
		byIP:     make(map[string]string),
		sessions: make(map[string]*Session),
		secret:   secret,
		logger:   log.WithComponent("auth"),
		now:      time.Now,
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read users: %w", err)
	}
	var list []*User
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	for _, u := range list {
		s.users[u.ID] = u
		s.byName[NormalizeUsername(u.Username)] = u.ID
	}
	return s, nil
}

// Register creates a pending user. Usernames are unique case-insensitively.
func (s *Store) Register(username, password, ip string) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	name := NormalizeUsername(username)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return nil, ErrDuplicateUser
	}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:             uuid.NewString(),
		Username:       name,
		PasswordHash:   hashPassword(salt, password),
		Salt:           salt,
		RegistrationIP: ip,
		Status:         StatusPending,
		OpLevel:        OpLevelUser,
		CreatedAt:      s.now().UTC(),
	}
	s.users[u.ID] = u
	s.byName[name] = u.ID
	s.scheduleSaveLocked()
	s.logger.Info().Str("event", "auth.registered").Str("username", name).Msg("user registered")
	copied := *u
	return &copied, nil
}

// Login verifies credentials and mints a session. Only approved users may
// log in.
func (s *Store) Login(username, password, ip string) (*Session, error) {
	name := NormalizeUsername(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	u := s.users[id]
	if !checkPassword(u, password) {
		return nil, ErrInvalidCredentials
	}
	if u.Status != StatusApproved {
		return nil, ErrNotApproved
	}

	// Re-index the observed IP for this user.
	for observed, uid := range s.byIP {
		if uid == u.ID {
			delete(s.byIP, observed)
		}
	}
	if ip != "" {
		s.byIP[ip] = u.ID
	}

	token, err := mintToken(s.secret, u.ID)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		UserID:          u.ID,
		CurrentUsername: u.Username,
		Token:           token,
		ObservedIP:      ip,
		ExpiresAt:       s.now().Add(SessionTTL),
	}
	s.sessions[token] = sess
	s.logger.Info().Str("event", "auth.login").Str("username", u.Username).Msg("session created")
	copied := *sess
	return &copied, nil
}

// Authenticate verifies credentials without minting a session. The FTP
// control loop uses it for USER/PASS.
func (s *Store) Authenticate(username, password string) error {
	name := NormalizeUsername(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return ErrInvalidCredentials
	}
	u := s.users[id]
	if !checkPassword(u, password) {
		return ErrInvalidCredentials
	}
	if u.Status != StatusApproved {
		return ErrNotApproved
	}
	return nil
}

// VerifyToken resolves a bearer token to its owning user. Expired sessions
// are deleted on sight; users that are missing or no longer approved fail
// verification immediately.
func (s *Store) VerifyToken(token string) (*User, error) {
	token = StripBearer(token)
	if token == "" || !verifyTokenSignature(s.secret, token) {
		return nil, ErrTokenInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrTokenInvalid
	}
	if !s.now().Before(sess.ExpiresAt) {
		delete(s.sessions, token)
		return nil, ErrTokenInvalid
	}
	u, ok := s.users[sess.UserID]
	if !ok || u.Status != StatusApproved {
		return nil, ErrTokenInvalid
	}
	// Reflect admin renames in the session's display name.
	sess.CurrentUsername = u.Username
	copied := *u
	return &copied, nil
}

// Logout drops the session for token, if any.
func (s *Store) Logout(token string) {
	token = StripBearer(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// UserByName returns a copy of the named user.
func (s *Store) UserByName(username string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[NormalizeUsername(username)]
	if !ok {
		return nil, false
	}
	copied := *s.users[id]
	return &copied, true
}

// Users returns all users sorted by creation time.
func (s *Store) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Approve marks a user approved.
func (s *Store) Approve(username string) error {
	return s.mutateUser(username, func(u *User) {
		u.Status = StatusApproved
	})
}

// Deny marks a user denied and invalidates all their sessions.
func (s *Store) Deny(username string) error {
	return s.mutateUser(username, func(u *User) {
		u.Status = StatusDenied
		s.dropSessionsLocked(u.ID)
	})
}

// ClearPending removes every pending user.
func (s *Store) ClearPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, u := range s.users {
		if u.Status == StatusPending {
			delete(s.byName, NormalizeUsername(u.Username))
			delete(s.users, id)
			removed++
		}
	}
	if removed > 0 {
		s.scheduleSaveLocked()
	}
	return removed
}

// ResetAll wipes the registry and all sessions.
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*User)
	s.byName = make(map[string]string)
	s.byIP = make(map[string]string)
	s.sessions = make(map[string]*Session)
	s.scheduleSaveLocked()
}

// ResetPassword sets a new password and invalidates the user's sessions.
func (s *Store) ResetPassword(username, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	return s.mutateUser(username, func(u *User) {
		salt, err := newSalt()
		if err != nil {
			return
		}
		u.Salt = salt
		u.PasswordHash = hashPassword(salt, newPassword)
		s.dropSessionsLocked(u.ID)
	})
}

// ResetUsername renames a user, updating the index and the display name of
// all live sessions. The user's ID is stable across renames.
func (s *Store) ResetUsername(oldName, newName string) error {
	if err := ValidateUsername(newName); err != nil {
		return err
	}
	normalizedNew := NormalizeUsername(newName)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[NormalizeUsername(oldName)]
	if !ok {
		return ErrUserNotFound
	}
	if other, exists := s.byName[normalizedNew]; exists && other != id {
		return ErrDuplicateUser
	}
	u := s.users[id]
	delete(s.byName, NormalizeUsername(u.Username))
	u.Username = normalizedNew
	s.byName[normalizedNew] = id
	for _, sess := range s.sessions {
		if sess.UserID == id {
			sess.CurrentUsername = normalizedNew
		}
	}
	s.scheduleSaveLocked()
	return nil
}

// DeleteUser removes a user and their sessions.
func (s *Store) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[NormalizeUsername(username)]
	if !ok {
		return ErrUserNotFound
	}
	delete(s.byName, NormalizeUsername(s.users[id].Username))
	delete(s.users, id)
	s.dropSessionsLocked(id)
	s.scheduleSaveLocked()
	return nil
}

// SetOpLevel changes a user's operator level.
func (s *Store) SetOpLevel(username string, level int) error {
	if level != OpLevelUser && level != OpLevelAdvanced {
		return fmt.Errorf("invalid op level %d", level)
	}
	return s.mutateUser(username, func(u *User) {
		u.OpLevel = level
	})
}

// Flush forces a pending debounced save to disk. Called on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	data, err := s.encodeLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *Store) mutateUser(username string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[NormalizeUsername(username)]
	if !ok {
		return ErrUserNotFound
	}
	fn(s.users[id])
	s.scheduleSaveLocked()
	return nil
}

func (s *Store) dropSessionsLocked(userID string) {
	for token, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, token)
		}
	}
}

func (s *Store) scheduleSaveLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		s.mu.Lock()
		s.saveTimer = nil
		data, err := s.encodeLocked()
		s.mu.Unlock()
		if err != nil {
			s.logger.Error().Err(err).Str("event", "auth.save_failed").Msg("could not encode users")
			return
		}
		if err := s.write(data); err != nil {
			s.logger.Error().Err(err).Str("event", "auth.save_failed").Msg("could not persist users")
		}
	})
}

func (s *Store) encodeLocked() ([]byte, error) {
	list := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	buf, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode users: %w", err)
	}
	return append(buf, '\n'), nil
}

func (s *Store) write(data []byte) error {
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write users: %w", err)
	}
	return nil
}
