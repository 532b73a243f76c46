package rpc

import "fmt"

// ErrorKind classifies RPC failures.
type ErrorKind int

const (
	KindTransport ErrorKind = iota // dial/connection failure
	KindTimeout                    // caller-imposed deadline hit
	KindRemote                     // the remote handler raised
	KindRedirectLoop               // a forwarded call would forward again
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindRemote:
		return "remote"
	case KindRedirectLoop:
		return "redirect-loop"
	}
	return "unknown"
}

// Error is a typed RPC failure.
type Error struct {
	Kind ErrorKind
	GSID string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("rpc %s (%s): %s", e.Kind, e.GSID, e.Msg)
	}
	return fmt.Sprintf("rpc %s (%s): %v", e.Kind, e.GSID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// redirectLoopMsg marks redirect-loop failures on the wire; the client maps
// it back to KindRedirectLoop.
const redirectLoopMsg = "redirect loop"
