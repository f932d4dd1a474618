package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/events"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/protocol"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/transport"
)

const (
	DefaultPairingTimeout = 30 * time.Second

	progressStarted = 10
	progressDone    = 100

	// control frames owed to the peer wait this long for a busy channel
	controlSendWait  = 3 * time.Second
	controlSendRetry = 20 * time.Millisecond

	recordTimeout = 2 * time.Second
)

// Link is the channel the engine drives. *transport.Transport satisfies it.
type Link interface {
	Send(data string, h transport.Handler) error
	Listen(h transport.Handler) error
	Stop()
	Close() error
}

// Recorder persists pairing and transfer history
type Recorder interface {
	PeerPaired(ctx context.Context, peerID string, initiator bool) error
	PeerUnpaired(ctx context.Context, peerID string) error
	TransferLogged(ctx context.Context, rec TransferRecord) error
}

// Transfer directions and outcomes as recorded
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"

	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeReceived  = "received"
	OutcomeTimeout   = "timeout"
)

// TransferRecord is one logged frame exchange with the paired device
type TransferRecord struct {
	PeerID    string    `json:"peer_id"`
	Direction string    `json:"direction"`
	Tag       string    `json:"tag"`
	Payload   string    `json:"payload"`
	Outcome   string    `json:"outcome"`
	At        time.Time `json:"at"`
}

type pairingSession struct {
	cb        PairingCallback
	timer     *time.Timer
	requested bool // a PAIR_REQ went out in this session
	initiator bool // still contending as initiator
}

type transferSession struct {
	cb   TransferCallback
	data string
}

// Engine is the pairing and transfer state machine. All state lives behind
// one mutex; sessions are compared by identity so a timer or send outcome
// that outlived its session finds nothing to act on. Callbacks never run
// with the mutex held.
type Engine struct {
	link     Link
	logger   *slog.Logger
	bus      *events.Bus
	mx       *metrics.Metrics
	recorder Recorder

	pairingTimeout   time.Duration
	initiatorTimeout time.Duration
	maxLength        int
	sendAcks         bool

	closed atomic.Bool

	mu       sync.Mutex
	state    State
	myID     string
	peerID   string
	pairing  *pairingSession
	transfer *transferSession
	receiver TransferCallback
}

// New creates an idle engine over link
func New(link Link, opts ...Option) *Engine {
	e := &Engine{
		link:             link,
		logger:           slog.Default(),
		pairingTimeout:   DefaultPairingTimeout,
		initiatorTimeout: DefaultPairingTimeout,
		maxLength:        protocol.MaxPayloadLength,
		myID:             uuid.NewString(),
		state:            StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.mx.SetWorkflowState(int(StateIdle))
	return e
}

// InitiatePairing announces deviceID as our id and waits for a peer to answer.
//
// A session refused or cut short before this returns (wrong state, channel
// failure) is reported twice: cb.OnPairingFailed fires with the reason and the
// error is returned. Argument errors are only returned.
func (e *Engine) InitiatePairing(deviceID string, cb PairingCallback) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return fmt.Errorf("%w: device id cannot be empty", ErrInvalidArgument)
	}
	if cb == nil {
		return fmt.Errorf("%w: callback cannot be nil", ErrInvalidArgument)
	}
	frame, err := protocol.NewFrame(protocol.TagPairRequest, deviceID, e.maxLength)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if e.closed.Load() {
		return ErrClosed
	}

	e.mu.Lock()
	if e.state != StateIdle {
		serr := &StateError{Op: "initiate pairing", State: e.state}
		e.mu.Unlock()
		cb.OnPairingFailed(fmt.Sprintf("Already in %s state", serr.State))
		return serr
	}
	s := &pairingSession{cb: cb, requested: true, initiator: true}
	if e.initiatorTimeout > 0 {
		s.timer = e.armTimeout(s, e.initiatorTimeout)
	}
	e.myID = deviceID
	e.pairing = s
	e.setStateLocked(StatePairing)
	e.mu.Unlock()

	e.logger.Info("Initiating pairing", slog.String("device_id", deviceID))
	e.bus.Publish(events.Event{Type: events.TypePairingStarted, Data: "initiator"})

	if err := e.link.Listen(e.handleTransportEvent); err != nil {
		e.failPairing(s, "Failed to start listening: "+err.Error())
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}

	err = e.link.Send(frame.Encode(), func(ev transport.Event) {
		switch ev.Kind {
		case transport.EventDataSent:
			e.logger.Debug("Pairing request sent")
		case transport.EventError:
			e.failPairing(s, "Failed to send pairing request: "+errText(ev.Err))
		}
	})
	if err != nil {
		e.failPairing(s, "Failed to send pairing request: "+err.Error())
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}

	return nil
}

// WaitForPairing listens for pairing requests until one is accepted or the
// timeout elapses. A timeout <= 0 uses the configured default. Failures to
// start are reported as for InitiatePairing.
func (e *Engine) WaitForPairing(timeout time.Duration, cb PairingCallback) error {
	if cb == nil {
		return fmt.Errorf("%w: callback cannot be nil", ErrInvalidArgument)
	}
	if e.closed.Load() {
		return ErrClosed
	}
	if timeout <= 0 {
		timeout = e.pairingTimeout
	}

	e.mu.Lock()
	if e.state != StateIdle {
		serr := &StateError{Op: "wait for pairing", State: e.state}
		e.mu.Unlock()
		cb.OnPairingFailed(fmt.Sprintf("Already in %s state", serr.State))
		return serr
	}
	s := &pairingSession{cb: cb}
	s.timer = e.armTimeout(s, timeout)
	e.pairing = s
	e.setStateLocked(StatePairing)
	e.mu.Unlock()

	e.logger.Info("Waiting for pairing requests", slog.Duration("timeout", timeout))
	e.bus.Publish(events.Event{Type: events.TypePairingStarted, Data: "responder"})

	if err := e.link.Listen(e.handleTransportEvent); err != nil {
		e.failPairing(s, "Failed to start listening: "+err.Error())
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}
	return nil
}

func (e *Engine) armTimeout(s *pairingSession, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() { e.pairingTimedOut(s) })
}

func (e *Engine) pairingTimedOut(s *pairingSession) {
	e.mu.Lock()
	if e.pairing != s {
		e.mu.Unlock()
		return
	}
	e.resetLocked()
	e.mu.Unlock()
	e.link.Stop()

	e.logger.Info("Pairing timed out")
	e.mx.RecordPairing(OutcomeTimeout)
	e.bus.Publish(events.Event{Type: events.TypePairingTimeout})
	s.cb.OnPairingTimeout()
}

func (e *Engine) failPairing(s *pairingSession, reason string) {
	e.mu.Lock()
	if e.pairing != s {
		e.mu.Unlock()
		return
	}
	e.resetLocked()
	e.mu.Unlock()
	e.link.Stop()

	e.logger.Warn("Pairing failed", slog.String("reason", reason))
	e.mx.RecordPairing(OutcomeFailed)
	e.bus.Publish(events.Event{Type: events.TypePairingFailed, Reason: reason})
	s.cb.OnPairingFailed(reason)
}

// TransferData sends data to the paired device. Success and failure are
// reported to cb; argument errors are returned. A transfer refused by state or
// by the channel is both reported to cb and returned.
func (e *Engine) TransferData(data string, cb TransferCallback) error {
	if strings.TrimSpace(data) == "" {
		return fmt.Errorf("%w: data cannot be empty", ErrInvalidArgument)
	}
	if cb == nil {
		return fmt.Errorf("%w: callback cannot be nil", ErrInvalidArgument)
	}
	frame, err := protocol.NewFrame(protocol.TagData, data, e.maxLength)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if e.closed.Load() {
		return ErrClosed
	}

	e.mu.Lock()
	if e.state != StatePaired {
		serr := &StateError{Op: "transfer data", State: e.state}
		e.mu.Unlock()
		cb.OnTransferFailed(stateReason(serr.State))
		return serr
	}
	s := &transferSession{cb: cb, data: data}
	e.transfer = s
	peer := e.peerID
	e.setStateLocked(StateTransferring)
	e.mu.Unlock()

	e.logger.Info("Transferring data",
		slog.String("peer_id", peer),
		slog.String("data", protocol.Truncate(data)),
	)
	e.bus.Publish(events.Event{Type: events.TypeTransferStarted, PeerID: peer, Data: protocol.Truncate(data)})

	// events for one send arrive in order on one goroutine
	succeeded := false
	err = e.link.Send(frame.Encode(), func(ev transport.Event) {
		switch ev.Kind {
		case transport.EventTransmissionStarted:
			if e.transferActive(s) {
				cb.OnTransferProgress(progressStarted)
			}
		case transport.EventDataSent:
			succeeded = e.finishTransfer(s, "")
		case transport.EventError:
			e.finishTransfer(s, "Transfer failed: "+errText(ev.Err))
		case transport.EventTransmissionCompleted:
			if succeeded {
				cb.OnTransferProgress(progressDone)
			}
		}
	})
	if err != nil {
		e.finishTransfer(s, "Transfer failed: "+err.Error())
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}

	return nil
}

// Transfer sends data to the paired device and only logs the outcome
func (e *Engine) Transfer(data string) error {
	return e.TransferData(data, TransferFuncs{
		Success: func(string) {
			e.logger.Debug("Data transferred")
		},
		Received: func(d string) {
			e.logger.Debug("Data received", slog.String("data", protocol.Truncate(d)))
		},
		Failed: func(reason string) {
			e.logger.Warn("Data transfer failed", slog.String("reason", reason))
		},
	})
}

func (e *Engine) transferActive(s *transferSession) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transfer == s
}

// finishTransfer ends the transfer session; reason is empty on success
func (e *Engine) finishTransfer(s *transferSession, reason string) bool {
	e.mu.Lock()
	if e.transfer != s {
		e.mu.Unlock()
		return false
	}
	e.transfer = nil
	peer := e.peerID
	e.setStateLocked(StatePaired)
	e.mu.Unlock()

	outcome := OutcomeSuccess
	if reason != "" {
		outcome = OutcomeFailed
	}
	e.mx.RecordTransfer(DirectionOutbound, outcome)
	e.recordTransfer(TransferRecord{
		PeerID:    peer,
		Direction: DirectionOutbound,
		Tag:       protocol.TagData.String(),
		Payload:   s.data,
		Outcome:   outcome,
	})

	if reason != "" {
		e.logger.Warn("Data transfer failed", slog.String("reason", reason))
		e.bus.Publish(events.Event{Type: events.TypeTransferFailed, PeerID: peer, Reason: reason})
		s.cb.OnTransferFailed(reason)
		return false
	}

	e.logger.Info("Data transfer completed", slog.String("peer_id", peer))
	e.bus.Publish(events.Event{Type: events.TypeTransferCompleted, PeerID: peer, Data: protocol.Truncate(s.data)})
	s.cb.OnTransferSuccess(s.data)
	return true
}

// RequestData asks the paired device for data of requestType. Inbound data
// is then delivered to cb.
func (e *Engine) RequestData(requestType string, cb TransferCallback) error {
	if strings.TrimSpace(requestType) == "" {
		return fmt.Errorf("%w: request type cannot be empty", ErrInvalidArgument)
	}
	if cb == nil {
		return fmt.Errorf("%w: callback cannot be nil", ErrInvalidArgument)
	}
	frame, err := protocol.NewFrame(protocol.TagDataRequest, requestType, e.maxLength)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if e.closed.Load() {
		return ErrClosed
	}

	e.mu.Lock()
	if e.state != StatePaired {
		serr := &StateError{Op: "request data", State: e.state}
		e.mu.Unlock()
		cb.OnTransferFailed(stateReason(serr.State))
		return serr
	}
	e.receiver = cb
	e.mu.Unlock()

	e.logger.Info("Requesting data", slog.String("type", requestType))

	err = e.link.Send(frame.Encode(), func(ev transport.Event) {
		if ev.Kind == transport.EventError {
			cb.OnTransferFailed("Request failed: " + errText(ev.Err))
		}
	})
	if err != nil {
		cb.OnTransferFailed("Request failed: " + err.Error())
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}
	return nil
}

// AwaitData registers cb to receive inbound DATA and REQ frames while paired
func (e *Engine) AwaitData(cb TransferCallback) error {
	if cb == nil {
		return fmt.Errorf("%w: callback cannot be nil", ErrInvalidArgument)
	}

	e.mu.Lock()
	if e.state != StatePaired {
		serr := &StateError{Op: "await data", State: e.state}
		e.mu.Unlock()
		cb.OnTransferFailed(stateReason(serr.State))
		return serr
	}
	e.receiver = cb
	e.mu.Unlock()
	return nil
}

func stateReason(s State) string {
	if s == StateTransferring {
		return "Already transferring data"
	}
	return "Not paired with any device"
}

// CancelOperation resets to idle, failing the pending pairing or transfer
// callback before it returns.
func (e *Engine) CancelOperation() {
	e.mu.Lock()
	state := e.state
	pairing, xfer := e.pairing, e.transfer
	peer := e.peerID
	e.resetLocked()
	e.mu.Unlock()
	e.link.Stop()

	e.logger.Info("Operation cancelled", slog.String("state", state.String()))
	e.bus.Publish(events.Event{Type: events.TypeCancelled, State: state.String(), PeerID: peer})

	switch {
	case pairing != nil:
		e.mx.RecordPairing(OutcomeCancelled)
		pairing.cb.OnPairingFailed(ReasonCancelled)
	case xfer != nil:
		e.mx.RecordTransfer(DirectionOutbound, OutcomeCancelled)
		e.recordTransfer(TransferRecord{
			PeerID:    peer,
			Direction: DirectionOutbound,
			Tag:       protocol.TagData.String(),
			Payload:   xfer.data,
			Outcome:   OutcomeCancelled,
		})
		xfer.cb.OnTransferFailed(ReasonTransferCancelled)
	}

	if peer != "" {
		e.recordUnpaired(peer)
	}
}

// Unpair forgets the paired device and stops listening. No callback fires.
func (e *Engine) Unpair() {
	e.mu.Lock()
	peer := e.peerID
	e.resetLocked()
	e.mu.Unlock()
	e.link.Stop()

	if peer == "" {
		return
	}
	e.logger.Info("Unpaired", slog.String("peer_id", peer))
	e.bus.Publish(events.Event{Type: events.TypeUnpaired, PeerID: peer})
	e.recordUnpaired(peer)
}

// Cleanup cancels any operation and closes the link. Later calls do nothing.
func (e *Engine) Cleanup() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.logger.Debug("Cleaning up workflow engine")
	e.CancelOperation()

	if err := e.link.Close(); err != nil {
		return fmt.Errorf("failed to close link: %w", err)
	}
	return nil
}

// IsPaired reports whether the engine is idle-paired with a device
func (e *Engine) IsPaired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StatePaired && e.peerID != ""
}

// PairedDeviceID returns the paired device id, or "" when not paired
func (e *Engine) PairedDeviceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerID
}

// State returns the current workflow state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DeviceID returns the id this engine announces
func (e *Engine) DeviceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.myID
}

// Status is a consistent snapshot of the engine
type Status struct {
	State          string `json:"state"`
	DeviceID       string `json:"device_id"`
	PairedDeviceID string `json:"paired_device_id,omitempty"`
	Paired         bool   `json:"paired"`
	Transferring   bool   `json:"transferring"`
	Pairing        bool   `json:"pairing"`
}

// Status returns a snapshot of state, ids and session flags taken under one lock
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:          e.state.String(),
		DeviceID:       e.myID,
		PairedDeviceID: e.peerID,
		Paired:         e.state == StatePaired && e.peerID != "",
		Transferring:   e.transfer != nil,
		Pairing:        e.pairing != nil,
	}
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	prev := e.state
	e.state = s
	e.mx.SetWorkflowState(int(s))
	e.bus.Publish(events.Event{Type: events.TypeStateChanged, State: s.String(), PeerID: e.peerID})
	e.logger.Debug("State changed",
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
	)
}

// resetLocked returns to idle and drops every session and the peer
func (e *Engine) resetLocked() {
	if e.pairing != nil && e.pairing.timer != nil {
		e.pairing.timer.Stop()
	}
	e.pairing = nil
	e.transfer = nil
	e.receiver = nil
	e.peerID = ""
	e.setStateLocked(StateIdle)
}

func (e *Engine) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventDataReceived:
		e.dispatch(ev.Data)
	case transport.EventError:
		e.channelFailed(ev.Err)
	}
}

// channelFailed handles a capture failure: the engine returns to idle and
// the active callback, if any, is failed.
func (e *Engine) channelFailed(err error) {
	reason := "Sound transmission error: " + errText(err)

	e.mu.Lock()
	state := e.state
	pairing, xfer, receiver := e.pairing, e.transfer, e.receiver
	peer := e.peerID
	e.resetLocked()
	e.mu.Unlock()
	e.link.Stop()

	e.logger.Error("Channel error", slog.String("state", state.String()), slog.String("error", errText(err)))
	if state == StateIdle {
		return
	}

	switch {
	case pairing != nil:
		e.mx.RecordPairing(OutcomeFailed)
		e.bus.Publish(events.Event{Type: events.TypePairingFailed, Reason: reason})
		pairing.cb.OnPairingFailed(reason)
	case xfer != nil:
		e.mx.RecordTransfer(DirectionOutbound, OutcomeFailed)
		e.bus.Publish(events.Event{Type: events.TypeTransferFailed, PeerID: peer, Reason: reason})
		xfer.cb.OnTransferFailed(reason)
	case receiver != nil:
		receiver.OnTransferFailed(reason)
	}

	if peer != "" {
		e.recordUnpaired(peer)
	}
}

func (e *Engine) dispatch(text string) {
	f, ok := protocol.Parse(text)
	if !ok {
		e.logger.Debug("Dropping unrecognised message", slog.String("data", protocol.Truncate(text)))
		e.mx.RecordFrameDropped()
		return
	}
	e.mx.RecordFrameReceived(f.Tag.String())
	e.logger.Debug("Frame received", slog.String("frame", f.String()))

	switch f.Tag {
	case protocol.TagPairRequest:
		e.handlePairRequest(f.Payload)
	case protocol.TagPairResponse:
		e.handlePairResponse(f.Payload)
	case protocol.TagData, protocol.TagDataRequest:
		e.handleData(f)
	case protocol.TagAck:
		e.handleAck(f.Payload)
	}
}

// drop logs and counts a frame the current state has no use for
func (e *Engine) drop(tag protocol.Tag, why string) {
	e.logger.Debug("Ignoring frame", slog.String("tag", tag.String()), slog.String("reason", why))
	e.mx.RecordFrameDropped()
}

// handlePairRequest applies the tie-break: an engine that sent its own
// request only yields to a higher id.
func (e *Engine) handlePairRequest(peer string) {
	e.mu.Lock()
	s := e.pairing
	switch {
	case e.state != StatePairing || s == nil:
		e.mu.Unlock()
		e.drop(protocol.TagPairRequest, "not pairing")
		return
	case peer == "" || peer == e.myID:
		e.mu.Unlock()
		e.drop(protocol.TagPairRequest, "own request")
		return
	case s.initiator && peer < e.myID:
		e.mu.Unlock()
		e.logger.Info("Ignoring pairing request from lower id", slog.String("peer_id", peer))
		e.mx.RecordFrameDropped()
		return
	}
	if s.initiator {
		s.initiator = false
		e.logger.Info("Yielding to pairing request from higher id", slog.String("peer_id", peer))
	}
	e.mu.Unlock()

	e.logger.Info("Pairing request received", slog.String("peer_id", peer))
	e.bus.Publish(events.Event{Type: events.TypePairingRequest, PeerID: peer})
	s.cb.OnPairingRequest(peer, &pairingResponse{engine: e, session: s, peerID: peer})
}

func (e *Engine) handlePairResponse(peer string) {
	e.mu.Lock()
	s := e.pairing
	switch {
	case e.state != StatePairing || s == nil || !s.requested:
		e.mu.Unlock()
		e.drop(protocol.TagPairResponse, "no pairing request outstanding")
		return
	case peer == "" || peer == e.myID:
		e.mu.Unlock()
		e.drop(protocol.TagPairResponse, "own response")
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	e.pairing = nil
	e.peerID = peer
	e.setStateLocked(StatePaired)
	e.mu.Unlock()

	e.paired(s, peer, true)
}

func (e *Engine) paired(s *pairingSession, peer string, initiator bool) {
	e.logger.Info("Paired", slog.String("peer_id", peer), slog.Bool("initiator", initiator))
	e.mx.RecordPairing(OutcomeSuccess)
	e.bus.Publish(events.Event{Type: events.TypePaired, PeerID: peer})
	e.record("pairing", func(ctx context.Context, r Recorder) error {
		return r.PeerPaired(ctx, peer, initiator)
	})
	s.cb.OnPairingSuccess(peer)
}

// handleData delivers DATA and REQ frames to the transfer callback
func (e *Engine) handleData(f protocol.Frame) {
	e.mu.Lock()
	if e.state != StatePaired && e.state != StateTransferring {
		e.mu.Unlock()
		e.drop(f.Tag, "not paired")
		return
	}
	cb := e.receiver
	if e.transfer != nil {
		cb = e.transfer.cb
	}
	peer := e.peerID
	e.mu.Unlock()

	data := f.Payload
	if f.Tag == protocol.TagDataRequest {
		data = protocol.RequestMarker + f.Payload
		e.logger.Info("Data request received", slog.String("type", f.Payload))
	} else {
		e.logger.Info("Data received",
			slog.String("peer_id", peer),
			slog.String("data", protocol.Truncate(f.Payload)),
		)
		if e.sendAcks {
			if ack, err := protocol.NewFrame(protocol.TagAck, protocol.AckPayload(f.Payload), e.maxLength); err == nil {
				e.sendControl(ack)
			}
		}
	}

	e.mx.RecordTransfer(DirectionInbound, OutcomeReceived)
	e.bus.Publish(events.Event{Type: events.TypeDataReceived, PeerID: peer, Data: protocol.Truncate(data)})
	e.recordTransfer(TransferRecord{
		PeerID:    peer,
		Direction: DirectionInbound,
		Tag:       f.Tag.String(),
		Payload:   f.Payload,
		Outcome:   OutcomeReceived,
	})

	if cb != nil {
		cb.OnDataReceived(data)
	}
}

func (e *Engine) handleAck(payload string) {
	e.mu.Lock()
	paired := e.state == StatePaired || e.state == StateTransferring
	peer := e.peerID
	e.mu.Unlock()

	if !paired {
		e.drop(protocol.TagAck, "not paired")
		return
	}
	e.logger.Info("Acknowledgement received", slog.String("peer_id", peer), slog.String("checksum", payload))
	e.bus.Publish(events.Event{Type: events.TypeAckReceived, PeerID: peer, Data: payload})
}

// sendControl transmits a frame owed to the peer, waiting out a busy channel
func (e *Engine) sendControl(f protocol.Frame) {
	go func() {
		deadline := time.Now().Add(controlSendWait)
		for {
			err := e.link.Send(f.Encode(), func(ev transport.Event) {
				if ev.Kind == transport.EventError {
					e.logger.Warn("Failed to send control frame",
						slog.String("tag", f.Tag.String()),
						slog.String("error", errText(ev.Err)),
					)
				}
			})
			if err == nil {
				return
			}
			if !errors.Is(err, transport.ErrBusy) || time.Now().After(deadline) {
				e.logger.Warn("Failed to send control frame",
					slog.String("tag", f.Tag.String()),
					slog.String("error", err.Error()),
				)
				return
			}
			time.Sleep(controlSendRetry)
		}
	}()
}

func (e *Engine) record(what string, fn func(ctx context.Context, r Recorder) error) {
	if e.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx, e.recorder); err != nil {
		e.logger.Warn("Failed to record "+what, slog.String("error", err.Error()))
	}
}

func (e *Engine) recordTransfer(rec TransferRecord) {
	rec.At = time.Now().UTC()
	e.record("transfer", func(ctx context.Context, r Recorder) error {
		return r.TransferLogged(ctx, rec)
	})
}

func (e *Engine) recordUnpaired(peer string) {
	e.record("unpairing", func(ctx context.Context, r Recorder) error {
		return r.PeerUnpaired(ctx, peer)
	})
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// pairingResponse answers one inbound pairing request
type pairingResponse struct {
	engine   *Engine
	session  *pairingSession
	peerID   string
	answered atomic.Bool
}

func (r *pairingResponse) Accept() error {
	e := r.engine
	if !r.answered.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: pairing request from %s already answered", ErrInvalidState, r.peerID)
	}

	e.mu.Lock()
	if e.pairing != r.session || e.state != StatePairing {
		serr := &StateError{Op: "accept pairing", State: e.state}
		e.mu.Unlock()
		return serr
	}
	frame, err := protocol.NewFrame(protocol.TagPairResponse, e.myID, e.maxLength)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if r.session.timer != nil {
		r.session.timer.Stop()
	}
	e.pairing = nil
	e.peerID = r.peerID
	e.setStateLocked(StatePaired)
	e.mu.Unlock()

	e.logger.Info("Accepting pairing request", slog.String("peer_id", r.peerID))
	e.sendControl(frame)
	e.paired(r.session, r.peerID, false)
	return nil
}

func (r *pairingResponse) Reject(reason string) {
	if !r.answered.CompareAndSwap(false, true) {
		return
	}
	r.engine.logger.Info("Rejecting pairing request",
		slog.String("peer_id", r.peerID),
		slog.String("reason", reason),
	)
}
