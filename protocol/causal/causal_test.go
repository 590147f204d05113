package causal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/chorus/channel"
	"github.com/outofforest/chorus/group"
	"github.com/outofforest/chorus/message"
	"github.com/outofforest/chorus/protocol/causal"
	"github.com/outofforest/chorus/test/probe"
	"github.com/outofforest/qa"
)

var members = []string{"a", "b", "c"}

type env struct {
	ch     *channel.Channel
	bottom *probe.Probe
	causal *causal.Session
	top    *probe.Probe
}

func newEnv(t *testing.T, requireT *require.Assertions, self string) env {
	e := env{
		bottom: probe.New(),
		causal: causal.New(),
		top:    probe.New(),
	}
	e.ch = channel.New(qa.NewContext(t), channel.Config{Name: "causal"}, e.bottom, e.causal, e.top)
	requireT.NoError(e.installView(self, 1))
	e.top.Take()
	return e
}

func (e env) installView(self string, ltime uint64) error {
	vs := &group.ViewState{
		ID:      group.ViewID{Coordinator: members[0], LTime: ltime},
		Group:   "g",
		Members: members,
	}
	ls, err := group.NewLocalState(vs, self)
	if err != nil {
		return err
	}
	if err := e.ch.Dispatch(&group.View{VS: vs, LS: ls}, channel.Up, nil); err != nil {
		return err
	}
	return e.ch.Drain()
}

func (e env) receive(requireT *require.Assertions, orig int, vc causal.VC, payload byte) {
	msg := message.New([]byte{payload})
	for _, v := range vc {
		msg.PushUint64(v)
	}
	ev := &group.Cast{
		Mode: group.Multicast,
		Orig: orig,
	}
	ev.Msg = msg
	ev.From = members[orig]

	requireT.NoError(e.ch.Dispatch(ev, channel.Up, nil))
	requireT.NoError(e.ch.Drain())
}

func delivered(p *probe.Probe) []byte {
	var payloads []byte
	for _, ev := range probe.Filter[*group.Cast](p.Take(), channel.Up) {
		payloads = append(payloads, ev.Msg.Bytes()...)
	}
	return payloads
}

func TestVCCovers(t *testing.T) {
	requireT := require.New(t)

	requireT.True(causal.VC{1, 2}.Covers(causal.VC{1, 2}))
	requireT.True(causal.VC{2, 2}.Covers(causal.VC{1, 0}))
	requireT.False(causal.VC{0, 2}.Covers(causal.VC{1, 0}))
}

func TestSendStampsVectorClock(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "b")

	for range 2 {
		ev := &group.Cast{Mode: group.Multicast, Orig: 1}
		ev.Msg = message.New([]byte("x"))
		requireT.NoError(e.ch.Dispatch(ev, channel.Down, nil))
		requireT.NoError(e.ch.Drain())
	}

	sent := probe.Filter[*group.Cast](e.bottom.Take(), channel.Down)
	requireT.Len(sent, 2)
	for i, ev := range sent {
		vc := causal.VC{0, 0, 0}
		for j := len(vc) - 1; j >= 0; j-- {
			vc[j] = ev.Msg.PopUint64()
		}
		requireT.Equal(causal.VC{0, uint64(i), 0}, vc)
		requireT.Equal([]byte("x"), ev.Msg.Bytes())
	}
}

func TestOwnCastIsDeliveredImmediately(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "a")

	e.receive(requireT, 0, causal.VC{5, 0, 0}, 1)

	requireT.Equal([]byte{1}, delivered(e.top))
	requireT.Zero(e.causal.Pending())
}

func TestCausalOrderIsRestored(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "b")

	e.receive(requireT, 0, causal.VC{1, 0, 0}, 2)
	requireT.Empty(delivered(e.top))
	requireT.Equal(1, e.causal.Pending())

	e.receive(requireT, 0, causal.VC{0, 0, 0}, 1)
	requireT.Equal([]byte{1, 2}, delivered(e.top))
	requireT.Zero(e.causal.Pending())
}

func TestDeliveryUnblocksOtherSenders(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "b")

	// c sent its cast after delivering a's second cast.
	e.receive(requireT, 2, causal.VC{2, 0, 0}, 3)
	e.receive(requireT, 0, causal.VC{1, 0, 0}, 2)
	requireT.Empty(delivered(e.top))

	e.receive(requireT, 0, causal.VC{0, 0, 0}, 1)
	requireT.Equal([]byte{1, 2, 3}, delivered(e.top))
}

func TestConcurrentCastsAreDeliveredOnArrival(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "b")

	e.receive(requireT, 2, causal.VC{0, 0, 0}, 1)
	e.receive(requireT, 0, causal.VC{0, 0, 0}, 2)

	requireT.Equal([]byte{1, 2}, delivered(e.top))
}

func TestPointToPointBypassesStamping(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "b")

	ev := &group.Cast{Mode: group.Send, Orig: 0}
	ev.Msg = message.New([]byte{9})
	requireT.NoError(e.ch.Dispatch(ev, channel.Up, nil))
	requireT.NoError(e.ch.Drain())
	requireT.Equal([]byte{9}, delivered(e.top))

	ev = &group.Cast{Mode: group.Send, Orig: 1}
	ev.Msg = message.New([]byte{8})
	requireT.NoError(e.ch.Dispatch(ev, channel.Down, nil))
	requireT.NoError(e.ch.Drain())
	sent := probe.Filter[*group.Cast](e.bottom.Take(), channel.Down)
	requireT.Len(sent, 1)
	requireT.Equal([]byte{8}, sent[0].Msg.Bytes())
}

func TestViewWithPendingCastsHaltsChannel(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "b")

	e.receive(requireT, 0, causal.VC{1, 0, 0}, 2)
	requireT.Equal(1, e.causal.Pending())

	requireT.ErrorIs(e.installView("b", 2), causal.ErrPendingAtView)
	requireT.ErrorIs(e.ch.Dispatch(&group.Cast{}, channel.Up, nil), causal.ErrPendingAtView)
}

func TestViewResetsVectorClock(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "b")

	e.receive(requireT, 0, causal.VC{0, 0, 0}, 1)
	requireT.Equal([]byte{1}, delivered(e.top))

	requireT.NoError(e.installView("b", 2))
	e.top.Take()

	e.receive(requireT, 0, causal.VC{1, 0, 0}, 2)
	requireT.Empty(delivered(e.top))
	requireT.Equal(1, e.causal.Pending())
}

func TestOwnLoopbackDoesNotAdvanceClockOfOthers(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "c")

	ev := &group.Cast{Mode: group.Multicast}
	ev.Msg = message.New([]byte{7})
	requireT.NoError(e.ch.Dispatch(ev, channel.Down, nil))
	requireT.NoError(e.ch.Drain())

	sent := probe.Filter[*group.Cast](e.bottom.Take(), channel.Down)
	requireT.Len(sent, 1)
	requireT.Equal(2, sent[0].Orig)

	vc := causal.VC{0, 0, 0}
	for i := len(vc) - 1; i >= 0; i-- {
		vc[i] = sent[0].Msg.PopUint64()
	}
	e.receive(requireT, sent[0].Orig, vc, 7)
	requireT.Equal([]byte{7}, delivered(e.top))

	e.receive(requireT, 0, causal.VC{1, 0, 0}, 2)
	requireT.Empty(delivered(e.top))
	requireT.Equal(1, e.causal.Pending())
}
