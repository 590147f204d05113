package leave_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/chorus/channel"
	"github.com/outofforest/chorus/group"
	"github.com/outofforest/chorus/message"
	"github.com/outofforest/chorus/protocol/leave"
	"github.com/outofforest/chorus/test/probe"
	"github.com/outofforest/qa"
)

var viewID = group.ViewID{Coordinator: "a", LTime: 4}

type env struct {
	ch     *channel.Channel
	bottom *probe.Probe
	top    *probe.Probe
}

func newEnv(t *testing.T, requireT *require.Assertions, self string) env {
	e := env{
		bottom: probe.New(),
		top:    probe.New(),
	}
	e.ch = channel.New(qa.NewContext(t), channel.Config{Name: "leave"}, e.bottom, leave.New(), e.top)

	vs := newView()
	ls, err := group.NewLocalState(vs, self)
	requireT.NoError(err)
	e.dispatch(requireT, &group.View{VS: vs, LS: ls}, channel.Up)
	e.bottom.Take()
	e.top.Take()
	return e
}

func newView() *group.ViewState {
	return &group.ViewState{
		ID:      viewID,
		Group:   "g",
		Members: []string{"a", "b", "c"},
	}
}

func (e env) dispatch(requireT *require.Assertions, ev channel.Event, dir channel.Direction) {
	requireT.NoError(e.ch.Dispatch(ev, dir, nil))
	requireT.NoError(e.ch.Drain())
}

func newLeave(orig int) *group.Leave {
	ev := &group.Leave{}
	ev.Orig = orig
	ev.Msg = message.New(nil)
	return ev
}

func newExit(groupID string, id group.ViewID) *group.Exit {
	ev := &group.Exit{}
	ev.Mode = group.Send
	ev.Msg = message.New(nil)
	ev.Msg.PushString(groupID)
	ev.Msg.PushString(id.Coordinator)
	ev.Msg.PushUint64(id.LTime)
	return ev
}

func TestCoordinatorRequestsViewChangeOnce(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "a")

	e.dispatch(requireT, newLeave(2), channel.Up)
	e.dispatch(requireT, newLeave(1), channel.Up)

	requireT.Len(probe.Filter[*group.Leave](e.top.Take(), channel.Up), 2)
	requireT.Len(probe.Filter[*group.ViewChange](e.bottom.Take(), channel.Down), 1)
}

func TestNonCoordinatorDoesNotRequestViewChange(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "b")

	e.dispatch(requireT, newLeave(2), channel.Up)

	requireT.Empty(probe.Filter[*group.ViewChange](e.bottom.Take(), channel.Down))
}

func TestLeavingMembersAreRemovedFromPreView(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "a")

	e.dispatch(requireT, newLeave(2), channel.Up)
	e.dispatch(requireT, newLeave(1), channel.Up)
	e.bottom.Take()
	e.top.Take()

	e.dispatch(requireT, &group.PreView{VS: newView()}, channel.Up)

	previews := probe.Filter[*group.PreView](e.top.Take(), channel.Up)
	requireT.Len(previews, 1)
	requireT.Equal([]string{"a"}, previews[0].VS.Members)

	exits := probe.Filter[*group.Exit](e.bottom.Take(), channel.Down)
	requireT.Len(exits, 2)
	for i, dest := range []string{"b", "c"} {
		requireT.Equal(dest, exits[i].Dest)
		requireT.Equal(group.Send, exits[i].Mode)
		requireT.Equal(viewID.LTime, exits[i].Msg.PopUint64())
		requireT.Equal(viewID.Coordinator, exits[i].Msg.PopString())
		requireT.Equal("g", exits[i].Msg.PopString())
	}
}

func TestLeavingMemberReceivesExitFromItself(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "c")

	e.dispatch(requireT, newLeave(0), channel.Down)
	e.bottom.Take()
	e.top.Take()
	e.dispatch(requireT, &group.PreView{VS: newView()}, channel.Up)

	events := e.top.Take()
	exits := probe.Filter[*group.Exit](events, channel.Up)
	requireT.Len(exits, 1)
	requireT.Equal("c", exits[0].Dest)
	requireT.IsType(&group.Exit{}, events[0])

	previews := probe.Filter[*group.PreView](events, channel.Up)
	requireT.Len(previews, 1)
	requireT.Equal([]string{"a", "b"}, previews[0].VS.Members)

	requireT.Empty(probe.Filter[*group.Exit](e.bottom.Take(), channel.Down))
}

func TestMembersAlreadyGoneAreIgnored(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "a")

	e.dispatch(requireT, newLeave(2), channel.Up)
	e.bottom.Take()

	preview := newView()
	preview.Remove("c")
	e.dispatch(requireT, &group.PreView{VS: preview}, channel.Up)

	requireT.Empty(probe.Filter[*group.Exit](e.bottom.Take(), channel.Down))
	previews := probe.Filter[*group.PreView](e.top.Take(), channel.Up)
	requireT.Len(previews, 1)
	requireT.Equal([]string{"a", "b"}, previews[0].VS.Members)
}

func TestLeaveAfterPreViewIsNotApplied(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "a")

	e.dispatch(requireT, &group.PreView{VS: newView()}, channel.Up)
	e.dispatch(requireT, newLeave(2), channel.Up)
	e.dispatch(requireT, &group.PreView{VS: newView()}, channel.Up)

	requireT.Empty(probe.Filter[*group.Exit](e.bottom.Take(), channel.Down))
	requireT.Len(probe.Filter[*group.Leave](e.top.Take(), channel.Up), 1)
}

func TestExitIsValidated(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "c")

	e.dispatch(requireT, newExit("g", viewID), channel.Up)
	requireT.Empty(probe.Filter[*group.Exit](e.top.Take(), channel.Up))

	e.dispatch(requireT, newLeave(0), channel.Down)

	e.dispatch(requireT, newExit("other", viewID), channel.Up)
	e.dispatch(requireT, newExit("g", group.ViewID{Coordinator: "a", LTime: 3}), channel.Up)
	requireT.Empty(probe.Filter[*group.Exit](e.top.Take(), channel.Up))

	e.dispatch(requireT, newExit("g", viewID), channel.Up)
	requireT.Len(probe.Filter[*group.Exit](e.top.Take(), channel.Up), 1)
}

func TestViewResetsLeaveState(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "a")

	e.dispatch(requireT, newLeave(2), channel.Up)
	requireT.Len(probe.Filter[*group.ViewChange](e.bottom.Take(), channel.Down), 1)

	vs := newView()
	vs.ID.LTime++
	ls, err := group.NewLocalState(vs, "a")
	requireT.NoError(err)
	e.dispatch(requireT, &group.View{VS: vs, LS: ls}, channel.Up)

	e.dispatch(requireT, newLeave(1), channel.Up)
	requireT.Len(probe.Filter[*group.ViewChange](e.bottom.Take(), channel.Down), 1)

	e.dispatch(requireT, &group.PreView{VS: vs.Clone()}, channel.Up)
	exits := probe.Filter[*group.Exit](e.bottom.Take(), channel.Down)
	requireT.Len(exits, 1)
	requireT.Equal("b", exits[0].Dest)
}

type unknownEvent struct {
	channel.Base
}

func TestUnknownEventsAreForwarded(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "a")

	e.dispatch(requireT, &unknownEvent{}, channel.Up)
	requireT.Len(probe.Filter[*unknownEvent](e.top.Take(), channel.Up), 1)
}

func TestLeaveIsStampedWithRankOfLeavingMember(t *testing.T) {
	requireT := require.New(t)

	member := newEnv(t, requireT, "c")
	member.dispatch(requireT, newLeave(0), channel.Down)

	sent := probe.Filter[*group.Leave](member.bottom.Take(), channel.Down)
	requireT.Len(sent, 1)
	requireT.Equal(2, sent[0].Orig)

	coordinator := newEnv(t, requireT, "a")
	coordinator.dispatch(requireT, newLeave(sent[0].Orig), channel.Up)
	requireT.Len(probe.Filter[*group.ViewChange](coordinator.bottom.Take(), channel.Down), 1)
	coordinator.top.Take()

	coordinator.dispatch(requireT, &group.PreView{VS: newView()}, channel.Up)

	previews := probe.Filter[*group.PreView](coordinator.top.Take(), channel.Up)
	requireT.Len(previews, 1)
	requireT.Equal([]string{"a", "b"}, previews[0].VS.Members)

	exits := probe.Filter[*group.Exit](coordinator.bottom.Take(), channel.Down)
	requireT.Len(exits, 1)
	requireT.Equal("c", exits[0].Dest)
}

func TestNonCoordinatorDoesNotSendExits(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, requireT, "b")

	e.dispatch(requireT, newLeave(2), channel.Up)
	e.bottom.Take()
	e.top.Take()

	e.dispatch(requireT, &group.PreView{VS: newView()}, channel.Up)

	requireT.Empty(probe.Filter[*group.Exit](e.bottom.Take(), channel.Down))
	previews := probe.Filter[*group.PreView](e.top.Take(), channel.Up)
	requireT.Len(previews, 1)
	requireT.Equal([]string{"a", "b"}, previews[0].VS.Members)
}

func TestLeavingMemberReceivesSingleExit(t *testing.T) {
	requireT := require.New(t)

	// Exit from the coordinator arrives before the preview.
	e := newEnv(t, requireT, "c")
	e.dispatch(requireT, newLeave(0), channel.Down)
	e.top.Take()

	e.dispatch(requireT, newExit("g", viewID), channel.Up)
	e.dispatch(requireT, &group.PreView{VS: newView()}, channel.Up)
	e.dispatch(requireT, newExit("g", viewID), channel.Up)
	requireT.Len(probe.Filter[*group.Exit](e.top.Take(), channel.Up), 1)

	// Exit from the coordinator arrives after the preview.
	e = newEnv(t, requireT, "c")
	e.dispatch(requireT, newLeave(0), channel.Down)
	e.top.Take()

	e.dispatch(requireT, &group.PreView{VS: newView()}, channel.Up)
	e.dispatch(requireT, newExit("g", viewID), channel.Up)
	requireT.Len(probe.Filter[*group.Exit](e.top.Take(), channel.Up), 1)
}
