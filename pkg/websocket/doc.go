// Package websocket provides the server side of a pubsubd connection.
//
// It upgrades HTTP requests to WebSocket and wraps the result in a
// Connection: a bidirectional, message-oriented handle with per-connection
// counters, request metadata and close bookkeeping. The broker only sees the
// Read/Write/Close surface, so the framing library stays an implementation
// detail of this package.
//
// Usage:
//
//	conn, err := websocket.Accept(w, r, websocket.AcceptOptions{
//		MaxMessageSize: 64 << 10,
//	})
//	if err != nil {
//		return
//	}
//	defer conn.Close(websocket.CloseNormalClosure, "")
//
//	for {
//		data, err := conn.Read(ctx)
//		if err != nil {
//			return
//		}
//		_ = conn.Write(ctx, data)
//	}
//
// The package uses github.com/coder/websocket for the underlying protocol.
package websocket
