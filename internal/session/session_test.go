package session

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/store"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared&mode=memory&name=session_"+t.Name(), 16, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	return New(s, cfg, masterKey, logrus.NewEntry(logrus.New())), s
}

func TestRegisterThenLogin(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	u, err := e.Register("Alice", "correct horse battery staple", "node-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)

	sess, err := e.Login("Alice", "correct horse battery staple", "node-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, "node-1", sess.NodeID)

	got, ok := e.Authenticate("Alice", "node-1")
	require.True(t, ok)
	assert.Equal(t, sess.UserID, got.UserID)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Register("bob", "pw", "node-1")
	require.NoError(t, err)
	_, err = e.Register("bob", "pw2", "node-2")
	assert.ErrorIs(t, err, bbserr.ErrUserExists)
}

func TestLoginRequiresBoundNode(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Register("carl", "pw", "node-1")
	require.NoError(t, err)

	_, err = e.Login("carl", "pw", "node-2")
	assert.ErrorIs(t, err, bbserr.ErrUserNotBoundToNode)
}

func TestLoginWrongPasswordRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Register("dana", "correct", "node-1")
	require.NoError(t, err)

	_, err = e.Login("dana", "wrong", "node-1")
	assert.ErrorIs(t, err, bbserr.ErrInvalidCredentials)
}

func TestLockoutAfterMaxFailedLogins(t *testing.T) {
	e, s := newTestEngine(t, func(c *config.Config) {
		c.MaxFailedLogins = 3
		c.LoginAttemptsPerMinute = 100
	})
	_, err := e.Register("erin", "correct", "node-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Login("erin", "wrong", "node-1")
		assert.ErrorIs(t, err, bbserr.ErrInvalidCredentials)
	}

	_, err = e.Login("erin", "correct", "node-1")
	assert.ErrorIs(t, err, bbserr.ErrAccountLocked)

	u, err := s.GetUserByName("erin")
	require.NoError(t, err)
	assert.Greater(t, u.LockedUntilUs, time.Now().UnixMicro())
}

func TestLoginRateLimitPerNode(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.Config) {
		c.LoginAttemptsPerMinute = 2
	})
	_, err := e.Register("finn", "correct", "node-1")
	require.NoError(t, err)

	_, err = e.Login("finn", "wrong", "node-1")
	assert.ErrorIs(t, err, bbserr.ErrInvalidCredentials)
	_, err = e.Login("finn", "wrong", "node-1")
	assert.ErrorIs(t, err, bbserr.ErrInvalidCredentials)
	_, err = e.Login("finn", "correct", "node-1")
	assert.ErrorIs(t, err, bbserr.ErrRateLimited)
}

func TestChangePasswordThenLoginWithNew(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Register("gina", "old-pass", "node-1")
	require.NoError(t, err)
	sess, err := e.Login("gina", "old-pass", "node-1")
	require.NoError(t, err)

	require.NoError(t, e.ChangePassword(sess, "old-pass", "new-pass"))

	_, err = e.Login("gina", "old-pass", "node-1")
	assert.ErrorIs(t, err, bbserr.ErrInvalidCredentials)
	_, err = e.Login("gina", "new-pass", "node-1")
	assert.NoError(t, err)
}

func TestAddAndRemoveNode(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Register("hank", "pw", "node-1")
	require.NoError(t, err)
	sess, err := e.Login("hank", "pw", "node-1")
	require.NoError(t, err)

	require.NoError(t, e.AddNode(sess, "node-2"))
	nodes, err := e.ListNodes(sess)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	// Cannot remove the current session's node.
	err = e.RemoveNode(sess, "node-1")
	assert.ErrorIs(t, err, bbserr.ErrCurrentBinding)

	require.NoError(t, e.RemoveNode(sess, "node-2"))

	err = e.RemoveNode(sess, "node-1")
	assert.ErrorIs(t, err, bbserr.ErrLastBinding)
}

func TestSessionIdleTimeoutExpires(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.Config) {
		c.SessionIdleTimeout = time.Millisecond
	})
	_, err := e.Register("ivy", "pw", "node-1")
	require.NoError(t, err)
	_, err = e.Login("ivy", "pw", "node-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, ok := e.Authenticate("ivy", "node-1")
	assert.False(t, ok)
}

func TestRecoverRequiresOptIn(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Register("jan", "pw", "node-1")
	require.NoError(t, err)

	_, err = e.Recover("jan")
	assert.ErrorIs(t, err, bbserr.ErrRecoveryUnavailable)
}

func TestRecoverIssuesTempPassword(t *testing.T) {
	e, s := newTestEngine(t, func(c *config.Config) {
		c.RecoveryEnabled = true
	})
	_, err := e.Register("kim", "pw", "node-1")
	require.NoError(t, err)

	temp, err := e.Recover("kim")
	require.NoError(t, err)
	assert.NotEmpty(t, temp)

	u, err := s.GetUserByName("kim")
	require.NoError(t, err)
	assert.True(t, u.MustChangePass)

	sess, err := e.Login("kim", temp, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "kim", sess.Username)
}
