package realtime

import (
	"bufio"
	"context"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/parkdog_dm/internal/monitoring"
)

// writePump drains the send buffer in batches through a buffered writer and
// pings on pingPeriod. Each ping tick also renews the presence leases, so a
// quiet but healthy connection stays online.
func (s *Server) writePump(c *Client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.id,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to write frame")
				return
			}
			sent := int64(1)

			n := len(c.send)
			for i := 0; i < n; i++ {
				frame = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to write frame")
					return
				}
				sent++
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to flush writer")
				return
			}
			monitoring.UpdateFrameMetrics(sent, 0)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to send ping")
				return
			}

			ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
			s.service.Refresh(ctx, c)
			cancel()
		}
	}
}
