package rap_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/rap"
	"github.com/zvx-echo6/advbbs/internal/store"
)

// mesh wires N rap.Engines together in-process, dispatching each
// "SendUnicast" straight into the target engine's frame handlers instead
// of going over a real transport — standing in for the federation router
// demux of spec.md §4.L for the purpose of this scenario.
type mesh struct {
	engines map[string]*rap.Engine
	stores  map[string]*store.Store
}

type meshSender struct {
	m    *mesh
	from string
}

func (s meshSender) SendUnicast(ctx context.Context, peerNode, text string) error {
	return s.m.deliver(ctx, s.from, peerNode, text)
}

func (m *mesh) deliver(ctx context.Context, from, to, text string) error {
	target, ok := m.engines[to]
	if !ok {
		return nil
	}
	frame, err := rap.Parse(text)
	if err != nil {
		return err
	}
	peer, err := m.stores[to].GetPeerByNodeID(from)
	if err != nil {
		return nil
	}
	switch frame.Type {
	case rap.FramePing:
		return target.HandlePing(ctx, peer)
	case rap.FramePong:
		return target.HandlePong(peer, frame.TsUs, frame.Routes)
	case rap.FrameRoutes:
		return target.HandleRoutes(peer, frame.Routes)
	}
	return nil
}

// newLinearMesh builds B0<->B1<->B2<->B3<->B4, each adjacent pair peered
// both ways, matching spec.md §8 scenario 1.
func newLinearMesh() *mesh {
	names := []string{"B0", "B1", "B2", "B3", "B4"}
	m := &mesh{engines: map[string]*rap.Engine{}, stores: map[string]*store.Store{}}

	stores := map[string]*store.Store{}
	for _, n := range names {
		s, err := store.Open("file::memory:?cache=shared&mode=memory&name="+n, 16, logrus.NewEntry(logrus.New()))
		Expect(err).NotTo(HaveOccurred())
		stores[n] = s
		m.stores[n] = s
	}

	for i, n := range names {
		cfg := config.Default()
		sender := meshSender{m: m, from: n}
		m.engines[n] = rap.New(stores[n], sender, cfg, n, logrus.NewEntry(logrus.New()))

		// peer with the immediate neighbors only.
		if i > 0 {
			prev := names[i-1]
			Expect(stores[n].UpsertPeer(&store.Peer{NodeID: prev, Callsign: prev, Enabled: true})).To(Succeed())
		}
		if i < len(names)-1 {
			next := names[i+1]
			Expect(stores[n].UpsertPeer(&store.Peer{NodeID: next, Callsign: next, Enabled: true})).To(Succeed())
		}
	}
	return m
}

var _ = Describe("RAP distance-vector convergence", func() {
	It("propagates routes to every node across a 5-node linear chain", func() {
		m := newLinearMesh()
		ctx := context.Background()

		// Two rounds, each a heartbeat pass (seeds direct-neighbor
		// knowledge via PONG's own table) followed by a route-sharing
		// pass, converge the whole chain, per spec.md §8 scenario 1
		// ("after >= 2 x route_share_interval").
		for round := 0; round < 2; round++ {
			for _, e := range m.engines {
				Expect(e.HeartbeatAll(ctx)).To(Succeed())
			}
			for _, e := range m.engines {
				Expect(e.ShareRoutesAll(ctx)).To(Succeed())
			}
		}

		b0 := m.engines["B0"]
		for dest, expectedHop := range map[string]int{"B0": 0, "B1": 1, "B2": 2, "B3": 3, "B4": 4} {
			route, err := m.stores["B0"].GetRoute(dest)
			if dest == "B0" {
				// self is implicit, never stored as a route row.
				continue
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(route.HopCount).To(Equal(expectedHop))
		}

		nextHop, err := b0.Lookup("B4")
		Expect(err).NotTo(HaveOccurred())
		Expect(nextHop).NotTo(BeNil())
		Expect(nextHop.Callsign).To(Equal("B1"))
	})
})
