package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/events"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/protocol"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/transport"
)

func newEngine(link Link, opts ...Option) *Engine {
	return New(link, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

// pairedEngine returns an engine already paired with "peer" through the
// initiator path
func pairedEngine(t *testing.T, opts ...Option) (*Engine, *fakeLink) {
	t.Helper()
	link := &fakeLink{}
	e := newEngine(link, opts...)

	cb := newPairingRecorder()
	require.NoError(t, e.InitiatePairing("me", cb))
	link.hear("PAIR_RSP:peer")
	cb.wait(t, time.Second)
	require.Equal(t, StatePaired, e.State())
	return e, link
}

func TestNewEngine(t *testing.T) {
	e := newEngine(&fakeLink{})
	assertState(t, e, StateIdle)
	assert.NotEmpty(t, e.DeviceID())
	assert.False(t, e.IsPaired())

	named := newEngine(&fakeLink{}, WithDeviceID("pos-7"))
	assert.Equal(t, "pos-7", named.DeviceID())
}

func TestInitiatePairingValidation(t *testing.T) {
	e := newEngine(&fakeLink{})
	cb := newPairingRecorder()

	assert.ErrorIs(t, e.InitiatePairing("", cb), ErrInvalidArgument)
	assert.ErrorIs(t, e.InitiatePairing("   ", cb), ErrInvalidArgument)
	assert.ErrorIs(t, e.InitiatePairing("me", nil), ErrInvalidArgument)
	assert.ErrorIs(t, e.InitiatePairing(strings.Repeat("x", 140), cb), ErrInvalidArgument)
	assert.ErrorIs(t, e.WaitForPairing(time.Second, nil), ErrInvalidArgument)

	assertState(t, e, StateIdle)
	assert.Zero(t, cb.terminal(), "argument errors are not reported through the callback")
}

func TestInitiatePairingSendsRequest(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link)

	cb := newPairingRecorder()
	require.NoError(t, e.InitiatePairing("me", cb))

	assertState(t, e, StatePairing)
	assert.Equal(t, "me", e.DeviceID())
	assert.Equal(t, []string{"PAIR_REQ:me"}, link.sentFrames())
	assert.True(t, link.isListening())

	link.hear("PAIR_RSP:peer")
	cb.wait(t, time.Second)

	successes, _, _, _ := cb.snapshot()
	assert.Equal(t, []string{"peer"}, successes)
	assertState(t, e, StatePaired)
	assert.True(t, e.IsPaired())
	assert.Equal(t, "peer", e.PairedDeviceID())
	assert.True(t, link.isListening(), "paired engines keep listening for data")
}

func TestMutualExclusion(t *testing.T) {
	link := &fakeLink{hold: true}
	e := newEngine(link)

	const n = 8
	callbacks := make([]*pairingRecorder, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		callbacks[i] = newPairingRecorder()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.InitiatePairing("me", callbacks[i])
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var serr *StateError
		require.ErrorAs(t, err, &serr)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, StatePairing, serr.State)

		_, _, failures, _ := callbacks[i].snapshot()
		assert.Equal(t, []string{"Already in PAIRING state"}, failures)
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, link.sentFrames(), 1)
	assertState(t, e, StatePairing)
}

func TestWaitForPairingAccept(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link, WithDeviceID("pos"))

	cb := newPairingRecorder()
	cb.onRequest = func(peer string, r PairingResponse) {
		require.NoError(t, r.Accept())
		assert.Error(t, r.Accept(), "a request is answered once")
	}
	require.NoError(t, e.WaitForPairing(time.Second, cb))
	assertState(t, e, StatePairing)

	link.hear("PAIR_REQ:phone")
	cb.wait(t, time.Second)

	successes, requests, _, _ := cb.snapshot()
	assert.Equal(t, []string{"phone"}, requests)
	assert.Equal(t, []string{"phone"}, successes)
	assertState(t, e, StatePaired)

	assert.Eventually(t, func() bool {
		frames := link.sentFrames()
		return len(frames) == 1 && frames[0] == "PAIR_RSP:pos"
	}, time.Second, 5*time.Millisecond)
}

func TestRejectKeepsWaiting(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link, WithDeviceID("pos"))

	cb := newPairingRecorder()
	cb.onRequest = func(peer string, r PairingResponse) {
		if peer == "stranger" {
			r.Reject("unknown device")
			return
		}
		require.NoError(t, r.Accept())
	}
	require.NoError(t, e.WaitForPairing(time.Second, cb))

	link.hear("PAIR_REQ:stranger")
	assertState(t, e, StatePairing)

	link.hear("PAIR_REQ:friend")
	cb.wait(t, time.Second)
	assert.Equal(t, "friend", e.PairedDeviceID())
}

func TestAcceptAfterCancelIsRefused(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link)

	cb := newPairingRecorder()
	require.NoError(t, e.WaitForPairing(time.Second, cb))
	link.hear("PAIR_REQ:phone")

	cb.mu.Lock()
	resp := cb.responses[0]
	cb.mu.Unlock()

	e.CancelOperation()
	err := resp.Accept()
	assert.ErrorIs(t, err, ErrInvalidState)
	assertState(t, e, StateIdle)
}

func TestPairingTimeout(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link)

	cb := newPairingRecorder()
	require.NoError(t, e.WaitForPairing(30*time.Millisecond, cb))
	cb.wait(t, time.Second)

	_, _, failures, timeouts := cb.snapshot()
	assert.Equal(t, 1, timeouts)
	assert.Empty(t, failures)
	assertState(t, e, StateIdle)
	assert.False(t, link.isListening())
}

func TestInitiatorTimeout(t *testing.T) {
	e := newEngine(&fakeLink{}, WithInitiatorTimeout(30*time.Millisecond))

	cb := newPairingRecorder()
	require.NoError(t, e.InitiatePairing("me", cb))
	cb.wait(t, time.Second)

	_, _, _, timeouts := cb.snapshot()
	assert.Equal(t, 1, timeouts)
	assertState(t, e, StateIdle)
}

func TestDefaultPairingTimeout(t *testing.T) {
	e := newEngine(&fakeLink{}, WithPairingTimeout(30*time.Millisecond))

	cb := newPairingRecorder()
	require.NoError(t, e.WaitForPairing(0, cb))
	cb.wait(t, time.Second)
	assertState(t, e, StateIdle)
}

func TestCancelDuringPairing(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link)

	cb := newPairingRecorder()
	require.NoError(t, e.WaitForPairing(50*time.Millisecond, cb))
	e.CancelOperation()

	_, _, failures, _ := cb.snapshot()
	assert.Equal(t, []string{"Operation cancelled"}, failures, "cancel fails the callback before returning")
	assertState(t, e, StateIdle)
	assert.False(t, link.isListening())

	// the disarmed timer must stay silent
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, cb.terminal())
}

func TestCancelRacingTimeout(t *testing.T) {
	e := newEngine(&fakeLink{})

	for range 50 {
		cb := newPairingRecorder()
		require.NoError(t, e.WaitForPairing(time.Millisecond, cb))

		time.Sleep(time.Millisecond)
		e.CancelOperation()

		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, 1, cb.terminal())
		assertState(t, e, StateIdle)
	}
}

func TestTieBreak(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link)

	cb := newPairingRecorder()
	require.NoError(t, e.InitiatePairing("m-device", cb))

	link.hear("PAIR_REQ:m-device") // echo of our own request
	link.hear("PAIR_REQ:a-device") // lower id yields to us
	_, requests, _, _ := cb.snapshot()
	assert.Empty(t, requests)
	assertState(t, e, StatePairing)

	link.hear("PAIR_REQ:z-device") // higher id wins
	_, requests, _, _ = cb.snapshot()
	assert.Equal(t, []string{"z-device"}, requests)

	cb.mu.Lock()
	resp := cb.responses[0]
	cb.mu.Unlock()
	require.NoError(t, resp.Accept())
	assert.Equal(t, "z-device", e.PairedDeviceID())
}

func TestResponseWithoutRequestIgnored(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link)

	cb := newPairingRecorder()
	require.NoError(t, e.WaitForPairing(time.Second, cb))

	link.hear("PAIR_RSP:someone")
	assertState(t, e, StatePairing)
	assert.Zero(t, cb.terminal())

	link.hear("not a frame")
	link.hear("DATA:too early")
	assertState(t, e, StatePairing)
}

func TestPairingSendFailure(t *testing.T) {
	link := &fakeLink{sendErr: transport.ErrBusy}
	e := newEngine(link)

	cb := newPairingRecorder()
	err := e.InitiatePairing("me", cb)
	assert.ErrorIs(t, err, ErrChannel)

	_, _, failures, _ := cb.snapshot()
	require.Len(t, failures, 1)
	assert.True(t, strings.HasPrefix(failures[0], "Failed to send pairing request: "))
	assertState(t, e, StateIdle)
}

func TestAsyncPairingSendFailure(t *testing.T) {
	link := &fakeLink{hold: true}
	e := newEngine(link)

	cb := newPairingRecorder()
	require.NoError(t, e.InitiatePairing("me", cb))
	link.finish(errors.New("speaker unavailable"))

	_, _, failures, _ := cb.snapshot()
	assert.Equal(t, []string{"Failed to send pairing request: speaker unavailable"}, failures)
	assertState(t, e, StateIdle)
}

func TestCaptureFailureDuringPairing(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link)

	cb := newPairingRecorder()
	require.NoError(t, e.WaitForPairing(time.Second, cb))
	link.captureFails(errors.New("mic unplugged"))

	_, _, failures, _ := cb.snapshot()
	assert.Equal(t, []string{"Sound transmission error: mic unplugged"}, failures)
	assertState(t, e, StateIdle)
}

func TestListenFailure(t *testing.T) {
	link := &fakeLink{listenErr: errors.New("device busy")}
	e := newEngine(link)

	cb := newPairingRecorder()
	err := e.WaitForPairing(time.Second, cb)
	assert.ErrorIs(t, err, ErrChannel)
	assert.Equal(t, 1, cb.terminal())
	_, _, failures, _ := cb.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, "Failed to start listening: device busy", failures[0])
	assertState(t, e, StateIdle)

	cb = newPairingRecorder()
	err = e.InitiatePairing("me", cb)
	assert.ErrorIs(t, err, ErrChannel)
	assert.Equal(t, 1, cb.terminal())
	_, _, failures, _ = cb.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, "Failed to start listening: device busy", failures[0])
	assertState(t, e, StateIdle)
	assert.Empty(t, link.sentFrames(), "nothing is sent when listening fails")
}

func TestTransferData(t *testing.T) {
	e, link := pairedEngine(t)

	rec := newTransferRecorder()
	require.NoError(t, e.TransferData("hello", rec))

	assert.Equal(t, "success:hello", rec.next(t, time.Second))
	assert.Equal(t, []int{10, 100}, rec.progressSeen())
	assertState(t, e, StatePaired)
	assert.Contains(t, link.sentFrames(), "DATA:hello")
}

func TestTransferDataStateErrors(t *testing.T) {
	e := newEngine(&fakeLink{})

	rec := newTransferRecorder()
	err := e.TransferData("hello", rec)
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateIdle, serr.State)
	assert.Equal(t, "failed:Not paired with any device", rec.next(t, time.Second))

	err = e.RequestData("balance", rec)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "failed:Not paired with any device", rec.next(t, time.Second))

	assert.ErrorIs(t, e.AwaitData(rec), ErrInvalidState)
}

func TestTransferWhileTransferring(t *testing.T) {
	e, link := pairedEngine(t)
	link.mu.Lock()
	link.hold = true
	link.mu.Unlock()

	first := newTransferRecorder()
	require.NoError(t, e.TransferData("one", first))
	assertState(t, e, StateTransferring)

	second := newTransferRecorder()
	assert.ErrorIs(t, e.TransferData("two", second), ErrInvalidState)
	assert.Equal(t, "failed:Already transferring data", second.next(t, time.Second))

	link.finish(nil)
	assert.Equal(t, "success:one", first.next(t, time.Second))
	assertState(t, e, StatePaired)
}

func TestTransferSendFailureReturnsToPaired(t *testing.T) {
	e, link := pairedEngine(t)
	link.mu.Lock()
	link.hold = true
	link.mu.Unlock()

	rec := newTransferRecorder()
	require.NoError(t, e.TransferData("hello", rec))
	link.finish(errors.New("playback failed"))

	assert.Equal(t, "failed:Transfer failed: playback failed", rec.next(t, time.Second))
	assert.Equal(t, []int{10}, rec.progressSeen())
	assertState(t, e, StatePaired)
	assert.Equal(t, "peer", e.PairedDeviceID())
}

func TestOversizedTransfer(t *testing.T) {
	e, link := pairedEngine(t)
	before := len(link.sentFrames())

	rec := newTransferRecorder()
	err := e.TransferData(strings.Repeat("x", 141), rec)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, e.TransferData("", rec), ErrInvalidArgument)
	assert.ErrorIs(t, e.TransferData("ok", nil), ErrInvalidArgument)

	assert.Len(t, link.sentFrames(), before, "nothing is transmitted")
	assertState(t, e, StatePaired)
}

func TestCancelDuringTransfer(t *testing.T) {
	e, link := pairedEngine(t)
	link.mu.Lock()
	link.hold = true
	link.mu.Unlock()

	rec := newTransferRecorder()
	require.NoError(t, e.TransferData("hello", rec))
	e.CancelOperation()

	assert.Equal(t, "failed:Transfer cancelled", rec.next(t, time.Second))
	assertState(t, e, StateIdle)

	// the late send outcome belongs to a dead session
	link.finish(nil)
	select {
	case ev := <-rec.events:
		t.Fatalf("unexpected callback after cancel: %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiveDataAndRequests(t *testing.T) {
	e, link := pairedEngine(t)

	rec := newTransferRecorder()
	require.NoError(t, e.AwaitData(rec))

	link.hear("DATA:order-42")
	assert.Equal(t, "received:order-42", rec.next(t, time.Second))

	link.hear("REQ:balance")
	assert.Equal(t, "received:REQUEST:balance", rec.next(t, time.Second))

	link.hear("ACK:deadbeef")
	assertState(t, e, StatePaired)
}

func TestRequestData(t *testing.T) {
	e, link := pairedEngine(t)

	rec := newTransferRecorder()
	require.NoError(t, e.RequestData("balance", rec))
	assert.Contains(t, link.sentFrames(), "REQ:balance")

	link.hear("DATA:1200")
	assert.Equal(t, "received:1200", rec.next(t, time.Second))
}

func TestAcksSent(t *testing.T) {
	e, link := pairedEngine(t, WithAcks(true))
	require.NoError(t, e.AwaitData(newTransferRecorder()))

	link.hear("DATA:hello")
	want := "ACK:" + protocol.AckPayload("hello")
	assert.Eventually(t, func() bool {
		for _, f := range link.sentFrames() {
			if f == want {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestUnpair(t *testing.T) {
	e, link := pairedEngine(t)

	e.Unpair()
	assertState(t, e, StateIdle)
	assert.Empty(t, e.PairedDeviceID())
	assert.False(t, link.isListening())

	link.hear("DATA:late")
	assertState(t, e, StateIdle)

	e.Unpair()
	assertState(t, e, StateIdle)
}

func TestCleanupIdempotent(t *testing.T) {
	link := &fakeLink{}
	e := newEngine(link)

	cb := newPairingRecorder()
	require.NoError(t, e.WaitForPairing(time.Second, cb))

	require.NoError(t, e.Cleanup())
	require.NoError(t, e.Cleanup())

	assert.Equal(t, 1, cb.terminal())
	assert.Equal(t, 1, link.closes)
	assertState(t, e, StateIdle)

	assert.ErrorIs(t, e.InitiatePairing("me", newPairingRecorder()), ErrClosed)
	assert.ErrorIs(t, e.WaitForPairing(time.Second, newPairingRecorder()), ErrClosed)
}

type memoryRecorder struct {
	mu        sync.Mutex
	paired    []string
	unpaired  []string
	transfers []TransferRecord
}

func (m *memoryRecorder) PeerPaired(_ context.Context, peerID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paired = append(m.paired, peerID)
	return nil
}

func (m *memoryRecorder) PeerUnpaired(_ context.Context, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpaired = append(m.unpaired, peerID)
	return nil
}

func (m *memoryRecorder) TransferLogged(_ context.Context, rec TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, rec)
	return nil
}

func TestRecorderAndBus(t *testing.T) {
	mem := &memoryRecorder{}
	bus := events.NewBus(events.WithHistory(64))
	e, link := pairedEngine(t, WithRecorder(mem), WithBus(bus))

	rec := newTransferRecorder()
	require.NoError(t, e.TransferData("hello", rec))
	rec.next(t, time.Second)
	link.hear("DATA:back")
	e.Unpair()

	mem.mu.Lock()
	assert.Equal(t, []string{"peer"}, mem.paired)
	assert.Equal(t, []string{"peer"}, mem.unpaired)
	require.Len(t, mem.transfers, 2)
	assert.Equal(t, DirectionOutbound, mem.transfers[0].Direction)
	assert.Equal(t, OutcomeSuccess, mem.transfers[0].Outcome)
	assert.Equal(t, DirectionInbound, mem.transfers[1].Direction)
	assert.Equal(t, "back", mem.transfers[1].Payload)
	mem.mu.Unlock()

	var types []events.Type
	for _, ev := range bus.History() {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.TypePaired)
	assert.Contains(t, types, events.TypeTransferCompleted)
	assert.Contains(t, types, events.TypeDataReceived)
	assert.Contains(t, types, events.TypeUnpaired)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "TRANSFERRING", StateTransferring.String())
	assert.Equal(t, "ERROR", StateFailed.String())
	assert.Equal(t, "State(9)", State(9).String())

	err := &StateError{Op: "transfer data", State: StatePairing}
	assert.Equal(t, "transfer data: not allowed in PAIRING state", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidState))
}
