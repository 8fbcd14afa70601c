package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/gateway"
)

// HandleWebSocket upgrades the request and runs admission on the new
// connection. The token is read from the "token" query parameter or an
// "Authorization: Bearer" header.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	r := c.Request
	hs := handshakeFromRequest(r)

	conn, err := g.upgrader.Upgrade(c.Writer, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	client := NewClient(conn, r.RemoteAddr, g.cfg, g.logger.Named("client"))
	g.admit(client, hs)
}

func handshakeFromRequest(r *http.Request) gateway.TokenHandshake {
	if token := r.URL.Query().Get("token"); strings.TrimSpace(token) != "" {
		return gateway.TokenHandshake(token)
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return gateway.TokenHandshake(token)
	}
	return ""
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "GoChat server is running!")
}

// HealthzHandler reports occupancy as JSON.
func (g *Gateway) HealthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": g.registry.Count(),
		"members":     len(g.registry.Members()),
		"capacity":    g.registry.Capacity(),
	})
}

// TestPageHandler serves an HTML page for trying the chat from a browser.
// Paste a token, connect, and send messages.
func TestPageHandler(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(testPageHTML))
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="JWT token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color;
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(tokenInput.value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);

            ws.onopen = function() {
                addLine('Connected to GoChat server', 'gray');
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                const msg = JSON.parse(event.data);
                if (msg.event === 'chat message') {
                    addLine(msg.text, 'green');
                } else if (msg.event === 'new user') {
                    addLine(msg.identity + ' joined', 'gray');
                } else if (msg.event === 'user left') {
                    addLine(msg.identity + ' left', 'gray');
                }
            };

            ws.onclose = function(event) {
                addLine('Connection closed (' + event.code + ') ' + event.reason, 'gray');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: 'chat message', text: text}));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
