package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mediaFixture struct {
	worker *fakeWorker
	rooms  *RoomIndex
	rec    *recorder
	media  *Media
}

func newMediaFixture() *mediaFixture {
	f := &mediaFixture{worker: &fakeWorker{}, rooms: NewRoomIndex(), rec: &recorder{}}
	f.media = NewMedia(f.worker, f.rooms, f.rec, metrics.New(nil))
	return f
}

var opusParams = core.RTPParameters{Codecs: []core.RTPCodec{opus}, Encodings: []core.RTPEncoding{{SSRC: 1111}}}
var opusCaps = core.RTPCapabilities{Codecs: []core.RTPCodec{opus}}

// publish joins room, opens a transport and produces audio on it.
func (f *mediaFixture) publish(t *testing.T, conn *core.Connection, room domain.RoomID) (transportID, producerID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.media.JoinRoom(ctx, conn, room)
	require.NoError(t, err)
	tp, err := f.media.CreateTransport(ctx, conn, room)
	require.NoError(t, err)
	pid, err := f.media.Produce(ctx, conn, room, tp.ID, core.MediaAudio, opusParams)
	require.NoError(t, err)
	return tp.ID, pid
}

func TestJoinRoomValidation(t *testing.T) {
	f := newMediaFixture()
	c, _ := newConn(alice)
	_, err := f.media.JoinRoom(context.Background(), c, "")
	assert.Equal(t, core.ReasonInvalidPayload, reasonOf(err))

	f.worker.notReady = true
	_, err = f.media.JoinRoom(context.Background(), c, "standup")
	assert.Equal(t, core.ReasonWorkerNotReady, reasonOf(err))
	assert.Zero(t, f.media.RoomCount())
}

func TestLateJoinerSeesExistingProducers(t *testing.T) {
	f := newMediaFixture()
	ctx := context.Background()
	a, _ := newConn(alice)
	b, _ := newConn(bob)

	_, pid := f.publish(t, a, "standup")
	res, err := f.media.JoinRoom(ctx, b, "standup")
	require.NoError(t, err)
	assert.Equal(t, []string{pid}, res.ExistingProducerIDs)
	assert.NotEmpty(t, res.RTPCapabilities.Codecs)
	assert.Equal(t, 1, f.media.RoomCount())

	own, err := f.media.JoinRoom(ctx, a, "standup")
	require.NoError(t, err)
	assert.Empty(t, own.ExistingProducerIDs, "own producers are not listed")
}

func TestProduceAnnouncesToOthers(t *testing.T) {
	f := newMediaFixture()
	ctx := context.Background()
	a, _ := newConn(alice)
	b, _ := newConn(bob)
	_, err := f.media.JoinRoom(ctx, b, "standup")
	require.NoError(t, err)

	_, pid := f.publish(t, a, "standup")
	ev := f.rec.sent(EventNewProducer)
	require.Len(t, ev, 1)
	assert.Equal(t, "room:media:standup", ev[0].To)
	assert.Equal(t, []core.ConnID{a.ID}, ev[0].Except)
	assert.Equal(t, pid, ev[0].Event.Data.(ProducerEvent).ProducerID)
}

func TestProduceAndConsumeErrors(t *testing.T) {
	f := newMediaFixture()
	ctx := context.Background()
	a, _ := newConn(alice)
	b, _ := newConn(bob)

	_, err := f.media.CreateTransport(ctx, a, "nowhere")
	assert.Equal(t, core.ReasonRoomNotFound, reasonOf(err))

	tpA, pid := f.publish(t, a, "standup")
	_, err = f.media.Produce(ctx, a, "standup", tpA, "smell", opusParams)
	assert.Equal(t, core.ReasonInvalidPayload, reasonOf(err))
	_, err = f.media.Produce(ctx, a, "standup", tpA, core.MediaVideo, core.RTPParameters{Codecs: []core.RTPCodec{{MimeType: "video/H265", ClockRate: 90000}}})
	assert.Equal(t, core.ReasonUnsupportedCodec, reasonOf(err))

	_, err = f.media.CreateTransport(ctx, b, "standup")
	assert.Equal(t, core.ReasonRoomNotFound, reasonOf(err), "must join first")

	_, err = f.media.JoinRoom(ctx, b, "standup")
	require.NoError(t, err)
	tpB, err := f.media.CreateTransport(ctx, b, "standup")
	require.NoError(t, err)

	_, err = f.media.Produce(ctx, b, "standup", tpA, core.MediaAudio, opusParams)
	assert.Equal(t, core.ReasonTransportMissing, reasonOf(err), "transport of another peer")
	_, err = f.media.Consume(ctx, b, "standup", "missing", tpB.ID, opusCaps)
	assert.Equal(t, core.ReasonProducerMissing, reasonOf(err))
	_, err = f.media.Consume(ctx, b, "standup", pid, tpB.ID, core.RTPCapabilities{})
	assert.Equal(t, core.ReasonCannotConsume, reasonOf(err))

	cp, err := f.media.Consume(ctx, b, "standup", pid, tpB.ID, opusCaps)
	require.NoError(t, err)
	assert.Equal(t, pid, cp.ProducerID)
	assert.Equal(t, core.MediaAudio, cp.Kind)
}

func TestConnectTransport(t *testing.T) {
	f := newMediaFixture()
	ctx := context.Background()
	a, _ := newConn(alice)
	b, _ := newConn(bob)
	tp, _ := f.publish(t, a, "standup")
	params := core.ConnectParams{DTLSParameters: core.DTLSParameters{Fingerprints: []core.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA"}}}}

	assert.Equal(t, core.ReasonInvalidPayload, reasonOf(f.media.ConnectTransport(ctx, a, tp, core.ConnectParams{})))
	assert.Equal(t, core.ReasonTransportMissing, reasonOf(f.media.ConnectTransport(ctx, a, "nope", params)))
	_, err := f.media.JoinRoom(ctx, b, "standup")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonTransportMissing, reasonOf(f.media.ConnectTransport(ctx, b, tp, params)))

	require.NoError(t, f.media.ConnectTransport(ctx, a, tp, params))
	assert.Error(t, f.media.ConnectTransport(ctx, a, tp, params), "second connect fails")
}

func TestLeaveRoomReleasesEverythingOnce(t *testing.T) {
	f := newMediaFixture()
	ctx := context.Background()
	a, _ := newConn(alice)
	b, _ := newConn(bob)

	_, pid := f.publish(t, a, "standup")
	_, err := f.media.JoinRoom(ctx, b, "standup")
	require.NoError(t, err)
	tpB, err := f.media.CreateTransport(ctx, b, "standup")
	require.NoError(t, err)
	_, err = f.media.Consume(ctx, b, "standup", pid, tpB.ID, opusCaps)
	require.NoError(t, err)

	err = f.media.LeaveRoom(b, "standup", []string{pid})
	assert.Equal(t, core.ReasonProducerMissing, reasonOf(err), "cannot name someone else's producer")

	require.NoError(t, f.media.LeaveRoom(a, "standup", nil))
	left := f.rec.sent(EventParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, pid, left[0].Event.Data.(ProducerEvent).ProducerID)
	assert.Empty(t, f.media.ProducerIDs("standup"))
	assert.False(t, f.rooms.Has("media:standup", a.ID))
	assert.Equal(t, 1, f.media.RoomCount())

	f.media.Disconnect(b)
	assert.Zero(t, f.media.RoomCount())
	assert.Empty(t, f.worker.leaked())

	assert.Equal(t, core.ReasonRoomNotFound, reasonOf(f.media.LeaveRoom(a, "standup", nil)))
}

func TestRoomIsRecreatedAfterLastLeave(t *testing.T) {
	f := newMediaFixture()
	ctx := context.Background()
	a, _ := newConn(alice)
	f.publish(t, a, "standup")
	f.media.Disconnect(a)
	assert.Zero(t, f.media.RoomCount())

	b, _ := newConn(bob)
	res, err := f.media.JoinRoom(ctx, b, "standup")
	require.NoError(t, err)
	assert.Empty(t, res.ExistingProducerIDs)
	assert.Len(t, f.worker.routers, 2)
}

func TestClosedConnectionCannotJoin(t *testing.T) {
	f := newMediaFixture()
	c, _ := newConn(alice)
	c.MarkClosed()
	_, err := f.media.JoinRoom(context.Background(), c, "standup")
	assert.Error(t, err)
	f.media.Disconnect(c)
	assert.Zero(t, f.media.RoomCount())
	assert.Empty(t, f.worker.leaked())
}

func TestConcurrentJoinLeaveLeaksNothing(t *testing.T) {
	f := newMediaFixture()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := newConn(alice)
			if _, err := f.media.JoinRoom(ctx, c, "busy"); err != nil {
				return
			}
			tp, err := f.media.CreateTransport(ctx, c, "busy")
			if err == nil {
				_, _ = f.media.Produce(ctx, c, "busy", tp.ID, core.MediaAudio, opusParams)
			}
			f.media.Disconnect(c)
		}()
	}
	wg.Wait()
	assert.Zero(t, f.media.RoomCount())
	assert.Empty(t, f.worker.leaked())
}

func TestRoomMessage(t *testing.T) {
	f := newMediaFixture()
	sent := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	f.media.now = func() time.Time { return sent }
	ctx := context.Background()
	a, _ := newConn(alice)
	b, _ := newConn(bob)
	_, err := f.media.JoinRoom(ctx, a, "standup")
	require.NoError(t, err)

	assert.Equal(t, core.ReasonRoomNotFound, reasonOf(f.media.RoomMessage(b, "standup", "hi")))
	assert.Equal(t, core.ReasonEmptyMessage, reasonOf(f.media.RoomMessage(a, "standup", "  ")))

	require.NoError(t, f.media.RoomMessage(a, "standup", " hello "))
	ev := f.rec.sent(EventRoomMessage)
	require.Len(t, ev, 1)
	msg := ev[0].Event.Data.(RoomMessageEvent)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, alice, msg.FromUserID)
	assert.Equal(t, []core.ConnID{a.ID}, ev[0].Except)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, string(alice), wire["fromUserId"])
	assert.Equal(t, "hello", wire["text"])
	assert.Equal(t, "2024-05-06T07:08:09Z", wire["sentAt"])
}
