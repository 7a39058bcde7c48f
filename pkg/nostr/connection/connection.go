// Package connection is a client websocket with permessage-deflate, framed
// for the nostr text protocol.
package connection

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
)

var log, chk = slog.New(os.Stderr)

var ErrTooLarge = errors.New("message exceeds size limit")

type C struct {
	Conn              net.Conn
	wmx               sync.Mutex
	enableCompression bool
	maxMessageSize    int64
	controlHandler    wsutil.FrameHandlerFunc
	flateReader       *wsflate.Reader
	reader            *wsutil.Reader
	flateWriter       *wsflate.Writer
	writer            *wsutil.Writer
	msgStateR         *wsflate.MessageState
	msgStateW         *wsflate.MessageState
}

// Dial opens a websocket to url. maxMessageSize of zero means unlimited.
func Dial(c context.T, url string, requestHeader http.Header,
	maxMessageSize int64) (*C, error) {

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(requestHeader),
		Extensions: []httphead.Option{
			wsflate.DefaultParameters.Option(),
		},
	}
	conn, br, hs, err := dialer.Dial(c, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	// frames that arrived with the handshake response, an AUTH challenge
	// usually, are read before the socket
	var source io.Reader = conn
	if br != nil {
		head := make([]byte, br.Buffered())
		_, err = io.ReadFull(br, head)
		ws.PutReader(br)
		if chk.E(err) {
			conn.Close()
			return nil, err
		}
		source = io.MultiReader(bytes.NewReader(head), conn)
	}
	enableCompression := false
	state := ws.StateClientSide
	for _, extension := range hs.Extensions {
		if string(extension.Name) == wsflate.ExtensionName {
			enableCompression = true
			state |= ws.StateExtended
			break
		}
	}
	var flateReader *wsflate.Reader
	var msgStateR wsflate.MessageState
	if enableCompression {
		msgStateR.SetCompressed(true)
		flateReader = wsflate.NewReader(nil, func(r io.Reader) wsflate.Decompressor {
			return flate.NewReader(r)
		})
	}
	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	reader := &wsutil.Reader{
		Source:         source,
		State:          state,
		OnIntermediate: controlHandler,
		CheckUTF8:      false,
		Extensions: []wsutil.RecvExtension{
			&msgStateR,
		},
	}
	var flateWriter *wsflate.Writer
	var msgStateW wsflate.MessageState
	if enableCompression {
		msgStateW.SetCompressed(true)
		flateWriter = wsflate.NewWriter(nil, func(w io.Writer) wsflate.Compressor {
			fw, e := flate.NewWriter(w, 4)
			chk.E(e)
			return fw
		})
	}
	writer := wsutil.NewWriter(conn, state, ws.OpText)
	writer.SetExtensions(&msgStateW)
	return &C{
		Conn:              conn,
		enableCompression: enableCompression,
		maxMessageSize:    maxMessageSize,
		controlHandler:    controlHandler,
		flateReader:       flateReader,
		reader:            reader,
		msgStateR:         &msgStateR,
		flateWriter:       flateWriter,
		writer:            writer,
		msgStateW:         &msgStateW,
	}, nil
}

func (c *C) WriteMessage(data []byte) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	if c.msgStateW.IsCompressed() && c.enableCompression {
		c.flateWriter.Reset(c.writer)
		if _, err := io.Copy(c.flateWriter, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		if err := c.flateWriter.Close(); err != nil {
			return fmt.Errorf("failed to close flate writer: %w", err)
		}
	} else {
		if _, err := io.Copy(c.writer, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// Ping sends a websocket ping control frame.
func (c *C) Ping() error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	return wsutil.WriteClientMessage(c.Conn, ws.OpPing, nil)
}

// ReadMessage blocks until a complete data message has been copied into buf.
func (c *C) ReadMessage(cx context.T, buf io.Writer) error {
	for {
		select {
		case <-cx.Done():
			return context.Canceled
		default:
		}
		h, err := c.reader.NextFrame()
		if err != nil {
			c.Conn.Close()
			return fmt.Errorf("failed to advance frame: %w", err)
		}
		if h.OpCode.IsControl() {
			if err = c.controlHandler(h, c.reader); err != nil {
				return fmt.Errorf("failed to handle control frame: %w", err)
			}
		} else if h.OpCode == ws.OpBinary || h.OpCode == ws.OpText {
			break
		}
		if err = c.reader.Discard(); err != nil {
			return fmt.Errorf("failed to discard: %w", err)
		}
	}
	var src io.Reader = c.reader
	if c.msgStateR.IsCompressed() && c.enableCompression {
		c.flateReader.Reset(c.reader)
		src = c.flateReader
	}
	if c.maxMessageSize > 0 {
		n, err := io.Copy(buf, io.LimitReader(src, c.maxMessageSize+1))
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		if n > c.maxMessageSize {
			c.reader.Discard()
			return ErrTooLarge
		}
		return nil
	}
	if _, err := io.Copy(buf, src); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	return nil
}

// Close sends a normal closure frame and closes the socket.
func (c *C) Close() error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	chk.T(ws.WriteFrame(c.Conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body))))
	return c.Conn.Close()
}
