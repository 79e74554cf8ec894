package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Tyrowin/gochat-presence/internal/dispatch"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.origins.allows(r) {
		return true
	}
	s.log.Warn("blocked websocket connection from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")))
	return false
}

var errMissingIdentity = errors.New("missing credentials")

// authenticate resolves the caller from the token query parameter or an
// Authorization bearer header. With auth disabled a user_id parameter is
// trusted instead.
func (s *Server) authenticate(r *http.Request) (registry.UserID, error) {
	q := r.URL.Query()
	if s.auth.Enabled() {
		token := q.Get("token")
		if h := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" {
			return 0, errMissingIdentity
		}
		return s.auth.Verify(token)
	}
	raw := q.Get("user_id")
	if raw == "" {
		return 0, errMissingIdentity
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user_id %q", raw)
	}
	return registry.UserID(id), nil
}

func parseConnectParams(r *http.Request) (registry.ChannelID, registry.Class, error) {
	q := r.URL.Query()
	ch := registry.NoChannel
	if raw := q.Get("channel_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return 0, "", fmt.Errorf("invalid channel_id %q", raw)
		}
		ch = registry.ChannelID(id)
	}
	return ch, registry.ParseClass(q.Get("class")), nil
}

// WebSocketHandler upgrades GET /ws, authenticates the caller and admits the
// connection. Authentication failures close with 1008 and admission
// rejections with 1013, after the upgrade so browsers see the reason.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	userID, authErr := s.authenticate(r)
	channelID, class, paramErr := parseConnectParams(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.dispatch.HandshakeFailed(err)
		return
	}
	client := newClient(conn, s, r.RemoteAddr)

	if authErr != nil {
		s.dispatch.Metrics().ConnectionError()
		client.log.Info("websocket authentication failed", zap.Error(authErr))
		client.reject(registry.ClosePolicyViolation, "authentication failed")
		return
	}
	if paramErr != nil {
		client.reject(registry.ClosePolicyViolation, paramErr.Error())
		return
	}

	rc, err := s.dispatch.Connect(s.ctx, userID, channelID, class, client)
	if err != nil {
		var admission *dispatch.AdmissionError
		if errors.As(err, &admission) {
			client.reject(registry.CloseTryAgainLater, admission.Reason)
			return
		}
		client.log.Error("admitting connection", zap.Error(err))
		client.reject(websocket.CloseInternalServerErr, "internal error")
		return
	}
	client.rc = rc

	s.wg.Add(2)
	go client.readPump()
	go client.keepalive(s.cfg.KeepaliveInterval)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

type healthzResponse struct {
	Status      string `json:"status"`
	Node        string `json:"node"`
	Connections int    `json:"connections"`
	Breaker     string `json:"circuit_breaker"`
}

// HealthzHandler reports liveness as JSON. An open admission breaker is
// reported as degraded with 503.
func (s *Server) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	snap := s.dispatch.Snapshot()
	resp := healthzResponse{
		Status:      "ok",
		Node:        snap.Node,
		Connections: snap.Connections,
		Breaker:     snap.Breaker.State,
	}
	code := http.StatusOK
	if snap.Breaker.Open {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

// SnapshotHandler serves the dispatch counters as JSON.
func (s *Server) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.dispatch.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("writing json response", zap.Error(err))
	}
}

// TestPageHandler serves an HTML page for exercising the WebSocket endpoint
// by hand.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 320px; padding: 10px; overflow-y: scroll; margin: 10px 0; background: #f9f9f9; font-family: monospace; font-size: 12px; }
        input { padding: 5px; margin-right: 6px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat WebSocket Test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input id="token" placeholder="token or user id" size="30">
        <input id="channel" placeholder="channel id" size="8" value="1">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 8px">
        <input id="message" placeholder="Type a message..." size="50" disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>
    <div id="log"></div>
    <script>
        let ws = null;
        const log = document.getElementById('log');
        const input = document.getElementById('message');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = text;
            log.appendChild(line);
            log.scrollTop = log.scrollHeight;
        }

        function setConnected(connected) {
            const status = document.getElementById('status');
            status.textContent = connected ? 'Connected' : 'Disconnected';
            status.className = 'status ' + (connected ? 'connected' : 'disconnected');
            input.disabled = !connected;
            document.getElementById('sendButton').disabled = !connected;
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) { ws.close(); return; }
            const cred = document.getElementById('token').value.trim();
            const channel = document.getElementById('channel').value.trim();
            const param = /^\d+$/.test(cred) ? 'user_id=' + cred : 'token=' + encodeURIComponent(cred);
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?' + param + '&channel_id=' + channel);
            ws.onopen = () => { addLine('connected'); setConnected(true); };
            ws.onmessage = (e) => addLine(e.data, 'green');
            ws.onclose = (e) => { addLine('closed ' + e.code + ' ' + e.reason); setConnected(false); ws = null; };
        }

        function sendMessage() {
            const content = input.value.trim();
            if (!content || !ws) return;
            const channel = parseInt(document.getElementById('channel').value, 10);
            ws.send(JSON.stringify({ type: 'chat_message', channel_id: channel, content: content }));
            addLine(content, 'blue');
            input.value = '';
        }

        input.addEventListener('keypress', (e) => { if (e.key === 'Enter') sendMessage(); });
    </script>
</body>
</html>`
