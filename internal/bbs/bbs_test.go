package bbs

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/store"
	"github.com/zvx-echo6/advbbs/internal/transport"
)

// fakeAdapter is a no-op transport.Adapter sufficient to exercise New and
// Close without a real socket.
type fakeAdapter struct {
	closed  bool
	inbound transport.InboundFunc
}

func (a *fakeAdapter) SendUnicast(ctx context.Context, peerNode, text string) error { return nil }
func (a *fakeAdapter) SendUnicastAwaitAck(ctx context.Context, peerNode, text string, timeout time.Duration) (transport.Ack, error) {
	return transport.Ack{Delivered: true}, nil
}
func (a *fakeAdapter) Broadcast(ctx context.Context, channel, text string) error { return nil }
func (a *fakeAdapter) SetInbound(fn transport.InboundFunc)                      { a.inbound = fn }
func (a *fakeAdapter) Close() error                                             { a.closed = true; return nil }

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Callsign = "B0"
	cfg.OperatorPassword = "hunter2"
	cfg.DatabasePath = "file::memory:?cache=shared&mode=memory&name=bbs_" + t.Name()
	cfg.Peers = []config.PeerConfig{
		{NodeID: "B1", Callsign: "B1", Enabled: true},
	}
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	log := logrus.NewEntry(logrus.New())

	b, err := New(cfg, masterKey, &fakeAdapter{}, log)
	require.NoError(t, err)
	defer b.Close()

	assert.NotNil(t, b.Store)
	assert.NotNil(t, b.Sessions)
	assert.NotNil(t, b.Mail)
	assert.NotNil(t, b.Board)
	assert.NotNil(t, b.RAP)
	assert.NotNil(t, b.Dispatch)
	assert.NotNil(t, b.Router)

	peer, err := b.Store.GetPeerByNodeID("B1")
	require.NoError(t, err)
	assert.True(t, peer.Enabled, "configured peers must be seeded into the store")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Callsign = ""

	_, err := New(cfg, []byte("k"), &fakeAdapter{}, logrus.NewEntry(logrus.New()))
	assert.Error(t, err)
}

func TestTasksRespectZeroIntervalDisabling(t *testing.T) {
	cfg := testConfig(t)
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	b, err := New(cfg, masterKey, &fakeAdapter{}, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	defer b.Close()

	all := b.tasks()
	assert.Len(t, all, 8, "every default interval is nonzero, so all tasks should be present")

	cfg2 := testConfig(t)
	cfg2.AnnounceInterval = 0
	b2, err := New(cfg2, masterKey, &fakeAdapter{}, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	defer b2.Close()

	names := make(map[string]bool)
	for _, task := range b2.tasks() {
		names[task.Name] = true
	}
	assert.Contains(t, names, "announce", "tasks() itself always lists announce; disabling happens in scheduler.New")

	sched := b2.scheduler
	assert.NotNil(t, sched, "New must still build a scheduler when announce is disabled; dropping zero-interval tasks is checked in the scheduler package")
}

func TestSweepMissedHeartbeatsDegradesNeverSeenPeer(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeartbeatInterval = time.Minute
	cfg.HeartbeatTimeoutSeconds = time.Second
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	b, err := New(cfg, masterKey, &fakeAdapter{}, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	defer b.Close()

	// A freshly seeded peer has LastSeenUs == 0: never having answered a
	// heartbeat, it's immediately eligible for miss accounting.
	peer, err := b.Store.GetPeerByNodeID("B1")
	require.NoError(t, err)
	require.Zero(t, peer.LastSeenUs)

	require.NoError(t, b.sweepMissedHeartbeats(context.Background()))

	after, err := b.Store.GetPeerByNodeID("B1")
	require.NoError(t, err)
	assert.Equal(t, 1, after.TotalMisses, "a peer that has never answered a heartbeat must accrue a miss")
}

func TestSweepMissedHeartbeatsSkipsFreshPeer(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeoutSeconds = time.Hour
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	b, err := New(cfg, masterKey, &fakeAdapter{}, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	defer b.Close()

	peer, err := b.Store.GetPeerByNodeID("B1")
	require.NoError(t, err)
	require.NoError(t, b.Store.TouchPeerSeen(peer.ID, 1000))
	require.NoError(t, b.Store.UpdatePeerHealth(peer.ID, store.HealthAlive, 0, 0))

	require.NoError(t, b.sweepMissedHeartbeats(context.Background()))

	after, err := b.Store.GetPeerByNodeID("B1")
	require.NoError(t, err)
	assert.Equal(t, store.HealthAlive, after.Health, "a recently-seen peer must not be degraded")
	assert.Zero(t, after.TotalMisses)
}

func TestCloseClosesTransport(t *testing.T) {
	cfg := testConfig(t)
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	adapter := &fakeAdapter{}
	b, err := New(cfg, masterKey, adapter, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.True(t, adapter.closed)
}
