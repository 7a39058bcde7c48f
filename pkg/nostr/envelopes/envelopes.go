// Package envelopes is the nostr wire vocabulary as a closed set of types. A
// frame is decoded once by Parse and dispatched with a type switch.
package envelopes

import (
	"errors"

	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

const (
	LabelEvent    = "EVENT"
	LabelReq      = "REQ"
	LabelClose    = "CLOSE"
	LabelEOSE     = "EOSE"
	LabelOK       = "OK"
	LabelNotice   = "NOTICE"
	LabelAuth     = "AUTH"
	LabelClosed   = "CLOSED"
	LabelNegOpen  = "NEG-OPEN"
	LabelNegMsg   = "NEG-MSG"
	LabelNegClose = "NEG-CLOSE"
	LabelNegErr   = "NEG-ERR"
	// LabelNegError is the spelling used by some early relay implementations.
	LabelNegError = "NEG-ERROR"
)

// Envelope is implemented only by the types in this package.
type Envelope interface {
	Label() string
	MarshalJSON() ([]byte, error)
	sealed()
}

var (
	ErrMalformed = errors.New("malformed envelope")
	ErrUnknown   = errors.New("unknown envelope label")
)

// Parse decodes one frame. Frames that are not JSON arrays, or whose fields
// have the wrong shape, return ErrMalformed; unrecognised labels return
// ErrUnknown.
func Parse(b []byte) (env Envelope, err error) {
	if !gjson.ValidBytes(b) {
		return nil, ErrMalformed
	}
	r := gjson.ParseBytes(b)
	if !r.IsArray() {
		return nil, ErrMalformed
	}
	arr := r.Array()
	if len(arr) < 2 || arr[0].Type != gjson.String {
		return nil, ErrMalformed
	}
	switch arr[0].Str {
	case LabelEvent:
		env, err = parseEvent(arr)
	case LabelReq:
		env, err = parseReq(arr)
	case LabelClose:
		env = &Close{Sub: arr[1].Str}
	case LabelEOSE:
		env = &EOSE{Sub: arr[1].Str}
	case LabelOK:
		if len(arr) < 3 {
			return nil, ErrMalformed
		}
		ok := &OK{ID: arr[1].Str, OK: arr[2].Bool()}
		if len(arr) > 3 {
			ok.Reason = arr[3].Str
		}
		env = ok
	case LabelNotice:
		env = &Notice{Message: arr[1].Str}
	case LabelAuth:
		env, err = parseAuth(arr)
	case LabelClosed:
		c := &Closed{Sub: arr[1].Str}
		if len(arr) > 2 {
			c.Reason = arr[2].Str
		}
		env = c
	case LabelNegOpen:
		env, err = parseNegOpen(arr)
	case LabelNegMsg:
		if len(arr) < 3 {
			return nil, ErrMalformed
		}
		env = &NegMsg{Sub: arr[1].Str, Message: arr[2].Str}
	case LabelNegClose:
		env = &NegClose{Sub: arr[1].Str}
	case LabelNegErr, LabelNegError:
		n := &NegErr{Sub: arr[1].Str}
		if len(arr) > 2 {
			n.Reason = arr[2].Str
		}
		env = n
	default:
		return nil, ErrUnknown
	}
	return
}

// label starts an envelope array with its label.
func label(w *jwriter.Writer, l string) {
	w.RawString(`["`)
	w.RawString(l)
	w.RawByte('"')
}

func str(w *jwriter.Writer, s string) {
	w.RawByte(',')
	w.String(s)
}

func end(w *jwriter.Writer) ([]byte, error) {
	w.RawByte(']')
	return w.BuildBytes()
}
