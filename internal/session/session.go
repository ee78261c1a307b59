// Package session implements the session & auth layer of spec.md §4.I:
// registration, login with password + node binding, logout, password
// change, node binding management, lockout on repeated failed logins,
// and admin-assisted recovery.
package session

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/cryptoprim"
	"github.com/zvx-echo6/advbbs/internal/store"
)

// Session is live authenticated state for one (user, node) pair (spec.md
// §4.I: "Sessions are keyed by (user, current_node)").
type Session struct {
	UserID       uint
	Username     string
	NodeID       string
	IsAdmin      bool
	LoginAtUs    int64
	lastActivity time.Time
}

func sessionKey(username, nodeID string) string { return strings.ToLower(username) + "|" + nodeID }

// Engine drives registration, login, and the rest of the session
// lifecycle against the store.
type Engine struct {
	store     *store.Store
	cfg       *config.Config
	masterKey []byte
	log       *logrus.Entry

	mu           sync.Mutex
	sessions     map[string]*Session
	loginAttempt map[string][]time.Time
}

// New constructs a session Engine.
func New(s *store.Store, cfg *config.Config, masterKey []byte, log *logrus.Entry) *Engine {
	return &Engine{
		store: s, cfg: cfg, masterKey: masterKey, log: log,
		sessions:     make(map[string]*Session),
		loginAttempt: make(map[string][]time.Time),
	}
}

// Register atomically creates a new user and its first node binding
// (spec.md §4.I: "Registration atomically creates the user and the
// first binding; the registering node becomes primary").
func (e *Engine) Register(name, password, nodeID string) (*store.User, error) {
	if _, err := e.store.GetUserByName(name); err == nil {
		return nil, bbserr.ErrUserExists
	}

	verifier, err := cryptoprim.HashPassword(password)
	if err != nil {
		return nil, err
	}
	key, err := cryptoprim.NewKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := cryptoprim.WrapKey(e.masterKey, key, "user:"+strings.ToLower(name))
	if err != nil {
		return nil, fmt.Errorf("session: wrap user key: %w", err)
	}

	u := &store.User{Name: name, PasswordVerif: verifier, WrappedKey: wrapped}
	if e.cfg.RecoveryEnabled {
		recoveryWrap, err := cryptoprim.WrapKey(e.masterKey, key, "recovery:"+strings.ToLower(name))
		if err != nil {
			return nil, fmt.Errorf("session: wrap recovery key: %w", err)
		}
		u.RecoveryWrap = recoveryWrap
	}

	if err := e.store.CreateUserWithBinding(u, nodeID); err != nil {
		return nil, err
	}
	return u, nil
}

// rateLimited enforces spec.md §4.I's "rate limits on login attempts per
// node per minute", independent of the per-user failed-login lockout.
func (e *Engine) rateLimited(nodeID string, now time.Time) bool {
	cutoff := now.Add(-time.Minute)
	attempts := e.loginAttempt[nodeID]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.loginAttempt[nodeID] = kept
	return len(kept) > e.cfg.LoginAttemptsPerMinute
}

// Login authenticates name/password from nodeID, requiring both a
// correct password and an existing UserNodeBinding of nodeID to the
// user (spec.md §4.I).
func (e *Engine) Login(name, password, nodeID string) (*Session, error) {
	e.mu.Lock()
	if e.rateLimited(nodeID, time.Now()) {
		e.mu.Unlock()
		return nil, bbserr.ErrRateLimited
	}
	e.mu.Unlock()

	u, err := e.store.GetUserByName(name)
	if err != nil {
		return nil, bbserr.ErrInvalidCredentials
	}
	if u.Banned {
		return nil, bbserr.ErrUserBanned
	}
	now := time.Now()
	if u.LockedUntilUs > now.UnixMicro() {
		return nil, bbserr.ErrAccountLocked
	}

	if _, err := e.store.BindingForNode(u.ID, nodeID); err != nil {
		return nil, bbserr.ErrUserNotBoundToNode
	}

	match, err := cryptoprim.VerifyPassword(password, u.PasswordVerif)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, e.recordFailedLogin(u, now)
	}

	u.FailedLogins = 0
	u.LockedUntilUs = 0
	if err := e.store.UpdateUser(u); err != nil {
		return nil, err
	}
	if err := e.store.TouchLastSeen(u.ID); err != nil {
		return nil, err
	}

	sess := &Session{UserID: u.ID, Username: u.Name, NodeID: nodeID, IsAdmin: u.IsAdmin, LoginAtUs: now.UnixMicro(), lastActivity: now}
	e.mu.Lock()
	for key, old := range e.sessions {
		if old.NodeID == nodeID {
			delete(e.sessions, key)
		}
	}
	e.sessions[sessionKey(u.Name, nodeID)] = sess
	e.mu.Unlock()
	return sess, nil
}

// recordFailedLogin increments the failed-login counter and locks the
// account once it reaches cfg.MaxFailedLogins (spec.md §4.I).
func (e *Engine) recordFailedLogin(u *store.User, now time.Time) error {
	u.FailedLogins++
	if u.FailedLogins >= e.cfg.MaxFailedLogins {
		u.LockedUntilUs = now.Add(e.cfg.LockoutMinutes).UnixMicro()
		u.FailedLogins = 0
	}
	if err := e.store.UpdateUser(u); err != nil {
		return err
	}
	return bbserr.ErrInvalidCredentials
}

// Authenticate returns the live session for (name, nodeID), enforcing
// the idle timeout (spec.md §4.I: "session timeout default 30 min
// idle"). Expired sessions are evicted and reported as absent.
func (e *Engine) Authenticate(name, nodeID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := sessionKey(name, nodeID)
	sess, ok := e.sessions[key]
	if !ok {
		return nil, false
	}
	if time.Since(sess.lastActivity) > e.cfg.SessionIdleTimeout {
		delete(e.sessions, key)
		return nil, false
	}
	sess.lastActivity = time.Now()
	return sess, true
}

// SessionForNode returns whichever live session is bound to nodeID,
// regardless of username. The dispatcher uses this to resolve a sender's
// session from the transport node alone, since a command line carries no
// username until the session exists. At most one session is live per node
// at a time (a fresh Login for the same node replaces any prior one).
func (e *Engine) SessionForNode(nodeID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sess := range e.sessions {
		if sess.NodeID != nodeID {
			continue
		}
		if time.Since(sess.lastActivity) > e.cfg.SessionIdleTimeout {
			delete(e.sessions, sessionKey(sess.Username, sess.NodeID))
			return nil, false
		}
		sess.lastActivity = time.Now()
		return sess, true
	}
	return nil, false
}

// Logout ends the session for (name, nodeID).
func (e *Engine) Logout(name, nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionKey(name, nodeID))
}

// ChangePassword verifies the old password and replaces the stored
// verifier. The user's wrapped key is unaffected: it is wrapped under
// the master key, not the password (spec.md §4.A), so a password change
// never needs to touch WrappedKey.
func (e *Engine) ChangePassword(sess *Session, oldPassword, newPassword string) error {
	u, err := e.store.GetUserByName(sess.Username)
	if err != nil {
		return err
	}
	match, err := cryptoprim.VerifyPassword(oldPassword, u.PasswordVerif)
	if err != nil {
		return err
	}
	if !match {
		return bbserr.ErrInvalidCredentials
	}
	verifier, err := cryptoprim.HashPassword(newPassword)
	if err != nil {
		return err
	}
	u.PasswordVerif = verifier
	u.MustChangePass = false
	return e.store.UpdateUser(u)
}

// AddNode binds a new node to the authenticated user (spec.md §4.I).
func (e *Engine) AddNode(sess *Session, nodeID string) error {
	return e.store.AddBinding(sess.UserID, nodeID)
}

// RemoveNode unbinds a node from the authenticated user. Forbidden if it
// is the user's last binding or the binding for the current session's
// node (spec.md §4.I, enforced in store.RemoveBinding).
func (e *Engine) RemoveNode(sess *Session, nodeID string) error {
	return e.store.RemoveBinding(sess.UserID, nodeID, sess.NodeID)
}

// ListNodes returns every node bound to the authenticated user.
func (e *Engine) ListNodes(sess *Session) ([]store.UserNodeBinding, error) {
	return e.store.Bindings(sess.UserID)
}

// tempPassphraseLen is the length of the admin-recovery temporary
// passphrase; base32's A-Z2-7 alphabet naturally avoids the 0/O/1/I
// ambiguity a human has to read back over a radio link.
const tempPassphraseLen = 12

// Recover generates a random temporary passphrase for username, replaces
// its PasswordVerif with a verifier for it, and sets MustChangePass
// (spec.md §4.I). Login does not check MustChangePass: the temporary
// passphrase logs in like any password, and the flag is cleared only by
// ChangePassword. It never touches WrappedKey: that stays wrapped under
// the master key regardless of password, per §4.A, so the user's mail
// and board access survive the reset untouched.
func (e *Engine) Recover(username string) (string, error) {
	if !e.cfg.RecoveryEnabled {
		return "", bbserr.ErrRecoveryUnavailable
	}
	u, err := e.store.GetUserByName(username)
	if err != nil {
		return "", err
	}
	if len(u.RecoveryWrap) == 0 {
		return "", bbserr.ErrRecoveryUnavailable
	}

	temp, err := randomPassphrase(tempPassphraseLen)
	if err != nil {
		return "", err
	}
	verifier, err := cryptoprim.HashPassword(temp)
	if err != nil {
		return "", err
	}
	u.PasswordVerif = verifier
	u.MustChangePass = true
	u.FailedLogins = 0
	u.LockedUntilUs = 0
	if err := e.store.UpdateUser(u); err != nil {
		return "", err
	}
	return temp, nil
}

func randomPassphrase(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("session: generate temp passphrase: %w", err)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	if len(enc) > n {
		enc = enc[:n]
	}
	return enc, nil
}
