// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, relay statistics and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-relay/internal/logging"
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  s.cfg.Server.ReadBuffer,
		WriteBufferSize: s.cfg.Server.ReadBuffer,
		CheckOrigin:     s.origins.check,
	}
}

// WebSocketHandler upgrades the request and serves the connection with the
// same handler TCP clients get. One WebSocket text message is one frame.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str(logging.FieldRemoteAddr, r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s.ServeConn(newWSConn(ws, int64(s.cfg.Server.ReadBuffer), s.cfg.Server.WriteTimeout))
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat relay is running!")
}

// StatsHandler reports Stats as JSON.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.logger.Error().Err(err).Msg("error writing stats response")
	}
}

// TestPageHandler serves an HTML page that joins the relay over /ws and
// shows every envelope it receives.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chat Relay Test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="username" placeholder="Username">
        <button id="connectButton" onclick="toggleConnection()">Join</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="syncButton" onclick="syncClock()" disabled>Sync clock</button>
    </div>
    <div id="messages"></div>

    <script>
        let ws = null;
        let syncSent = 0;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const statusDiv = document.getElementById('status');

        function now() { return Date.now() / 1000; }

        function addLine(text) {
            const el = document.createElement('div');
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function setConnected(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            document.getElementById('sendButton').disabled = !connected;
            document.getElementById('syncButton').disabled = !connected;
            document.getElementById('connectButton').textContent = connected ? 'Leave' : 'Join';
        }

        function send(msg) { ws.send(JSON.stringify(msg)); }

        function connect() {
            ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
            ws.onopen = function() {
                setConnected(true);
                send({type: 'join', username: document.getElementById('username').value, timestamp: now()});
            };
            ws.onmessage = function(event) {
                const msg = JSON.parse(event.data);
                switch (msg.type) {
                case 'chat_message': addLine(msg.username + ': ' + msg.message); break;
                case 'clock_sync_response': {
                    const t1 = now();
                    const offset = msg.server_time + (t1 - syncSent) / 2 - t1;
                    addLine('clock offset ' + offset.toFixed(3) + 's');
                    break;
                }
                case 'message_delivered': break;
                default: addLine(msg.message || JSON.stringify(msg));
                }
            };
            ws.onclose = function() { addLine('Connection closed'); setConnected(false); ws = null; };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                send({type: 'leave', username: document.getElementById('username').value, timestamp: now()});
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                send({type: 'chat', message: text, timestamp: now()});
                addLine('You: ' + text);
                messageInput.value = '';
            }
        }

        function syncClock() {
            syncSent = now();
            send({type: 'clock_sync', client_time: syncSent});
        }

        messageInput.addEventListener('keypress', function(e) { if (e.key === 'Enter') { sendMessage(); } });
    </script>
</body>
</html>`
