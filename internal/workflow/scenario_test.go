package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/modem"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/transport"
)

const airWait = 5 * time.Second

// airPair builds two engines whose transports share one loopback air
func airPair(t *testing.T, optsA, optsB []Option) (*Engine, *Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Transport.CaptureIntervalMs = 10

	air := audio.NewAir(cfg.Transport.SamplesPerFrame, cfg.Transport.GetCaptureInterval())
	build := func(opts []Option) *Engine {
		p, err := modem.ProfileByID(modem.AudibleFastest)
		require.NoError(t, err)
		m, err := modem.NewFSK(p, cfg.Transport.MaxPayloadLength)
		require.NoError(t, err)
		tr, err := transport.New(cfg, m, air.Attach(), quietLogger(), nil)
		require.NoError(t, err)

		e := newEngine(tr, opts...)
		t.Cleanup(func() { _ = e.Cleanup() })
		return e
	}
	return build(optsA), build(optsB)
}

func acceptAll(t *testing.T) *pairingRecorder {
	cb := newPairingRecorder()
	cb.onRequest = func(_ string, r PairingResponse) {
		assert.NoError(t, r.Accept())
	}
	return cb
}

// pairOverAir runs the initiator/responder handshake between a and b
func pairOverAir(t *testing.T, a, b *Engine) {
	t.Helper()
	responder := acceptAll(t)
	require.NoError(t, b.WaitForPairing(airWait, responder))

	initiator := newPairingRecorder()
	require.NoError(t, a.InitiatePairing("A", initiator))
	requireInvariant(t, a)

	responder.wait(t, airWait)
	initiator.wait(t, airWait)
}

func TestScenarioPairing(t *testing.T) {
	a, b := airPair(t, nil, []Option{WithDeviceID("B")})
	pairOverAir(t, a, b)

	assertState(t, a, StatePaired)
	assertState(t, b, StatePaired)
	assert.Equal(t, "B", a.PairedDeviceID())
	assert.Equal(t, "A", b.PairedDeviceID())
}

func TestScenarioTransfer(t *testing.T) {
	a, b := airPair(t, nil, []Option{WithDeviceID("B")})
	pairOverAir(t, a, b)

	inbox := newTransferRecorder()
	require.NoError(t, b.AwaitData(inbox))

	outbox := newTransferRecorder()
	require.NoError(t, a.TransferData("hello", outbox))
	requireInvariant(t, a)

	assert.Equal(t, "success:hello", outbox.next(t, airWait))
	assert.Equal(t, "received:hello", inbox.next(t, airWait))
	assert.Eventually(t, func() bool {
		return a.State() == StatePaired
	}, airWait, 10*time.Millisecond)
	assertState(t, b, StatePaired)
}

func TestScenarioRequest(t *testing.T) {
	a, b := airPair(t, nil, []Option{WithDeviceID("B")})
	pairOverAir(t, a, b)

	inbox := newTransferRecorder()
	require.NoError(t, b.AwaitData(inbox))
	require.NoError(t, a.RequestData("balance", newTransferRecorder()))

	assert.Equal(t, "received:REQUEST:balance", inbox.next(t, airWait))
}

func TestScenarioOversizedPayload(t *testing.T) {
	a, b := airPair(t, nil, []Option{WithDeviceID("B")})
	pairOverAir(t, a, b)

	err := a.TransferData(strings.Repeat("x", 141), newTransferRecorder())
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assertState(t, a, StatePaired)
}

func TestScenarioCancelPairing(t *testing.T) {
	a, _ := airPair(t, nil, nil)

	cb := newPairingRecorder()
	require.NoError(t, a.InitiatePairing("A", cb))
	assertState(t, a, StatePairing)

	a.CancelOperation()
	_, _, failures, _ := cb.snapshot()
	assert.Equal(t, []string{"Operation cancelled"}, failures)
	assertState(t, a, StateIdle)
}

func TestScenarioSimultaneousInitiation(t *testing.T) {
	a, b := airPair(t, nil, nil)

	low := acceptAll(t)
	high := acceptAll(t)
	require.NoError(t, a.InitiatePairing("alpha", low))
	require.NoError(t, b.InitiatePairing("beta", high))

	low.wait(t, airWait)
	high.wait(t, airWait)

	assertState(t, a, StatePaired)
	assertState(t, b, StatePaired)
	assert.Equal(t, "beta", a.PairedDeviceID())
	assert.Equal(t, "alpha", b.PairedDeviceID())

	_, requests, _, _ := high.snapshot()
	assert.Empty(t, requests, "the higher id never yields")
	_, requests, _, _ = low.snapshot()
	assert.Equal(t, []string{"beta"}, requests)
}
