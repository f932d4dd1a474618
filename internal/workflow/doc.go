// Package workflow implements the pairing and data transfer state machine
// that two devices run over a shared acoustic link.
//
// An engine starts IDLE. InitiatePairing or WaitForPairing moves it to
// PAIRING; a PAIR_RSP, or accepting a PAIR_REQ, moves it to PAIRED.
// TransferData moves PAIRED to TRANSFERRING until the send finishes.
// Timeouts, capture failures, CancelOperation and Unpair return to IDLE.
//
// When both devices initiate at once the higher device id wins: the lower
// one yields and answers the higher one's request.
package workflow
