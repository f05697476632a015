package realtime

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/adred-codev/parkdog_dm/internal/auth"
	"github.com/adred-codev/parkdog_dm/internal/limits"
	"github.com/adred-codev/parkdog_dm/internal/monitoring"
)

// handleWebSocket authenticates before upgrading: a bad token is a plain
// 401 and never becomes a WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)

	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.connectionRateLimiter != nil && !s.connectionRateLimiter.CheckConnectionAllowed(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		monitoring.ConnectionsFailed.WithLabelValues("ip_rate_limited").Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token, err := auth.ExtractToken(r)
	var claims *auth.Claims
	if err == nil {
		claims, err = s.verifier.VerifyRealtime(r.Context(), token)
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("Connection rejected: authentication failed")
		monitoring.ConnectionsFailed.WithLabelValues("unauthorized").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.limiter.Allow(r.Context(), claims.UserID, limits.ActionConnection) {
		s.logger.Warn().Str("user_id", claims.UserID).Msg("Connection rejected: too many connection attempts")
		monitoring.ConnectionsFailed.WithLabelValues("user_rate_limited").Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		s.logger.Warn().Int("max_connections", s.config.MaxConnections).Msg("Connection rejected: at capacity")
		monitoring.ConnectionsFailed.WithLabelValues("capacity").Inc()
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		monitoring.ConnectionsFailed.WithLabelValues("upgrade").Inc()
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.Header.Get("User-Agent")).
			Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(uuid.NewString(), claims.UserID, conn)
	client.ip = clientIP

	s.clients.Store(client, struct{}{})
	current := atomic.AddInt64(&s.currentConns, 1)
	monitoring.RecordConnect()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	s.service.Connect(ctx, client)
	cancel()

	s.logger.Info().
		Str("conn_id", client.id).
		Str("user_id", client.userID).
		Str("client_ip", clientIP).
		Int64("current_connections", current).
		Dur("setup", time.Since(startTime)).
		Msg("Client connected")

	s.wg.Add(2)
	go s.writePump(client)
	go s.readPump(client)
}

// getClientIP prefers the first X-Forwarded-For hop set by the load
// balancer, then RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// disconnectClient runs once per connection, from the read pump's exit.
// A reason recorded by the server (slow client, shutdown) wins over the
// read error that followed it.
func (s *Server) disconnectClient(c *Client, reason, initiatedBy string) {
	if serverReason := c.serverCloseReason(); serverReason != "" {
		reason = serverReason
		initiatedBy = monitoring.DisconnectInitiatedByServer
	}
	c.close()

	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}
	current := atomic.AddInt64(&s.currentConns, -1)
	<-s.connectionsSem

	duration := time.Since(c.connectedAt)
	monitoring.RecordDisconnect(reason, initiatedBy, duration)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.service.Disconnect(ctx, c)

	s.logger.Info().
		Str("conn_id", c.id).
		Str("user_id", c.userID).
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("duration", duration).
		Int64("current_connections", current).
		Msg("Client disconnected")
}
