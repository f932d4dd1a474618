package workflow

// PairingCallback receives the outcome of a pairing session. Exactly one of
// OnPairingSuccess, OnPairingFailed and OnPairingTimeout ends a session;
// OnPairingRequest may fire any number of times before that.
type PairingCallback interface {
	OnPairingSuccess(peerID string)
	OnPairingRequest(peerID string, response PairingResponse)
	OnPairingFailed(reason string)
	OnPairingTimeout()
}

// PairingResponse answers an inbound pairing request
type PairingResponse interface {
	// Accept pairs with the requesting device and sends our response.
	Accept() error
	// Reject declines; the engine keeps waiting for other requests.
	Reject(reason string)
}

// Failure reasons reported when an operation is cut short by CancelOperation
const (
	ReasonCancelled         = "Operation cancelled"
	ReasonTransferCancelled = "Transfer cancelled"
)

// TransferCallback receives transfer outcomes and inbound data
type TransferCallback interface {
	OnTransferSuccess(data string)
	OnDataReceived(data string)
	OnTransferFailed(reason string)
	OnTransferProgress(percent int)
}

// PairingFuncs adapts plain functions to PairingCallback. Nil fields are skipped.
type PairingFuncs struct {
	Success func(peerID string)
	Request func(peerID string, response PairingResponse)
	Failed  func(reason string)
	Timeout func()
}

func (f PairingFuncs) OnPairingSuccess(peerID string) {
	if f.Success != nil {
		f.Success(peerID)
	}
}

func (f PairingFuncs) OnPairingRequest(peerID string, response PairingResponse) {
	if f.Request != nil {
		f.Request(peerID, response)
	}
}

func (f PairingFuncs) OnPairingFailed(reason string) {
	if f.Failed != nil {
		f.Failed(reason)
	}
}

func (f PairingFuncs) OnPairingTimeout() {
	if f.Timeout != nil {
		f.Timeout()
	}
}

// TransferFuncs adapts plain functions to TransferCallback. Nil fields are skipped.
type TransferFuncs struct {
	Success  func(data string)
	Received func(data string)
	Failed   func(reason string)
	Progress func(percent int)
}

func (f TransferFuncs) OnTransferSuccess(data string) {
	if f.Success != nil {
		f.Success(data)
	}
}

func (f TransferFuncs) OnDataReceived(data string) {
	if f.Received != nil {
		f.Received(data)
	}
}

func (f TransferFuncs) OnTransferFailed(reason string) {
	if f.Failed != nil {
		f.Failed(reason)
	}
}

func (f TransferFuncs) OnTransferProgress(percent int) {
	if f.Progress != nil {
		f.Progress(percent)
	}
}
