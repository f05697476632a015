package realtime

import (
	"errors"
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/parkdog_dm/internal/monitoring"
)

var errFrameTooLarge = errors.New("frame exceeds size limit")

// readPump reads frames until the connection fails, then runs the
// disconnect path. Pongs and application frames both extend the deadline.
func (s *Server) readPump(c *Client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.id,
	})

	reason := monitoring.DisconnectReasonReadError
	initiatedBy := monitoring.DisconnectInitiatedByClient
	defer func() {
		s.disconnectClient(c, reason, initiatedBy)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	controlHandler := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	reader := &wsutil.Reader{
		Source:    c.conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error {
			if hdr.OpCode == ws.OpPong {
				_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			}
			return controlHandler(hdr, r)
		},
	}

	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			reason = readErrorReason(err)
			return
		}

		if hdr.OpCode.IsControl() {
			if hdr.OpCode == ws.OpPong {
				_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			}
			if err := controlHandler(hdr, reader); err != nil {
				reason = readErrorReason(err)
				return
			}
			continue
		}

		if hdr.Length > maxFrameBytes {
			s.logger.Warn().Str("conn_id", c.id).Int64("length", hdr.Length).Msg("Frame too large")
			body := ws.NewCloseFrameBody(ws.StatusMessageTooBig, errFrameTooLarge.Error())
			_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
			reason = monitoring.DisconnectReasonProtocolError
			initiatedBy = monitoring.DisconnectInitiatedByServer
			return
		}

		if hdr.OpCode != ws.OpText {
			if err := reader.Discard(); err != nil {
				return
			}
			continue
		}

		msg, err := io.ReadAll(io.LimitReader(reader, maxFrameBytes+1))
		if err != nil {
			reason = readErrorReason(err)
			return
		}
		if len(msg) > maxFrameBytes {
			reason = monitoring.DisconnectReasonProtocolError
			initiatedBy = monitoring.DisconnectInitiatedByServer
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		monitoring.UpdateFrameMetrics(0, 1)

		s.service.Handle(s.ctx, c, msg)
	}
}

func readErrorReason(err error) string {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return monitoring.DisconnectReasonClientClose
	}
	return monitoring.DisconnectReasonReadError
}
