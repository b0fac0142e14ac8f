// Package transfer implements the segmented file transfer used to push
// files to a device's debug console over a raw serial link.
//
// The host drives the exchange:
//
//  1. write "xdebug", expect the debug-mode reply (one stray line tolerated)
//  2. write "_", expect the transfer-mode reply
//  3. write "PUT <encoded-length> <filename>\r\n" in Latin-1
//  4. write the base64 payload in 500-character windows, each answered by
//     "SEGMENT OK ..." (advance), "SEGMENT FAIL ..." (resend the same
//     window) or "TRANSFER END" (done)
//  5. write "x" and discard one reply line
//
// Every read is bounded by a per-line timeout. During the handshake a
// timeout fails the session. In the send loop a timeout counts as an empty
// reply; more than five consecutive empty replies fail the session with
// ErrDeviceUnresponsive. A failed session performs no further I/O.
package transfer
