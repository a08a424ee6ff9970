package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/mprlab/rtsync/internal/synckit"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout   = 5 * time.Second
	defaultHeartbeatEvery = 30 * time.Second
	heartbeatTimeout      = 10 * time.Second
	maxPingFailures       = 3

	maxFrameBytes = 1 << 20
)

// Gateway is the websocket entrypoint. It accepts connections, runs one
// sequential read loop per connection, and routes decoded envelopes into the
// command pipeline. Responses and change notifications drain through a
// bounded per-client send queue.
type Gateway struct {
	pipeline *Pipeline
	hub      *Hub
	clock    synckit.Clock
	logger   *zap.Logger

	sendQueueSize  int
	writeTimeout   time.Duration
	heartbeatEvery time.Duration

	originPatterns     []string
	insecureSkipVerify bool
}

// GatewayOptions tune the gateway. Zero values select defaults.
type GatewayOptions struct {
	SendQueueSize      int
	WriteTimeout       time.Duration
	HeartbeatEvery     time.Duration
	OriginPatterns     []string
	InsecureSkipVerify bool
}

// NewGateway constructs a gateway over the pipeline and hub.
func NewGateway(pipeline *Pipeline, hub *Hub, clock synckit.Clock, logger *zap.Logger, options GatewayOptions) *Gateway {
	if clock == nil {
		clock = synckit.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gateway := &Gateway{
		pipeline:           pipeline,
		hub:                hub,
		clock:              clock,
		logger:             logger,
		sendQueueSize:      options.SendQueueSize,
		writeTimeout:       options.WriteTimeout,
		heartbeatEvery:     options.HeartbeatEvery,
		originPatterns:     options.OriginPatterns,
		insecureSkipVerify: options.InsecureSkipVerify,
	}
	if gateway.sendQueueSize < minSendQueueSize {
		gateway.sendQueueSize = defaultSendQueueSize
	}
	if gateway.writeTimeout <= 0 {
		gateway.writeTimeout = defaultWriteTimeout
	}
	if gateway.heartbeatEvery <= 0 {
		gateway.heartbeatEvery = defaultHeartbeatEvery
	}
	return gateway
}

// ServeHTTP upgrades the request and runs the connection loop.
func (gateway *Gateway) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	conn, acceptErr := websocket.Accept(responseWriter, request, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     gateway.originPatterns,
		InsecureSkipVerify: gateway.insecureSkipVerify,
	})
	if acceptErr != nil {
		gateway.logger.Info("websocket accept rejected",
			zap.String("code", "gateway.accept_failure"),
			zap.Error(acceptErr))
		return
	}
	if negotiated := conn.Subprotocol(); negotiated != Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	session := NewConnectionSession(gateway.clock.Now())
	client := NewClient(session, gateway.sendQueueSize)
	gateway.hub.Register(client)

	ctx, cancel := context.WithCancel(request.Context())
	defer cancel()

	shutdown := func(code websocket.StatusCode, reason string) {
		gateway.hub.Unregister(session.ConnectionID)
		client.Close()
		_ = conn.Close(code, reason)
		cancel()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case envelope := <-client.Send:
				if writeErr := gateway.writeEnvelope(ctx, conn, envelope); writeErr != nil {
					gateway.logger.Info("websocket write failed",
						zap.String("code", "gateway.write_failure"),
						zap.String("connection_id", session.ConnectionID),
						zap.Error(writeErr))
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(gateway.heartbeatEvery)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, heartbeatTimeout)
				pingErr := conn.Ping(pingCtx)
				pingCancel()
				if pingErr != nil {
					failures++
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	gateway.logger.Info("connection opened",
		zap.String("code", "gateway.connected"),
		zap.String("connection_id", session.ConnectionID))

	// The read blocks indefinitely: a subscriber that only listens for
	// changes is healthy. Dead peers are detected by the heartbeat pings,
	// whose failure path closes the connection and unblocks this read.
readLoop:
	for {
		_, frame, readErr := conn.Read(ctx)
		if readErr != nil {
			if websocket.CloseStatus(readErr) != -1 || errors.Is(readErr, context.Canceled) {
				shutdown(websocket.StatusNormalClosure, "peer closed")
			} else {
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		var envelope Envelope
		if unmarshalErr := json.Unmarshal(frame, &envelope); unmarshalErr != nil {
			client.TryEnqueue(newErrorResponse("", ErrorKindBadEnvelope, "invalid JSON"))
			continue readLoop
		}

		// Commands from one connection run strictly in order; concurrency
		// exists only across connections.
		response := gateway.pipeline.Handle(ctx, session, envelope)
		if !client.TryEnqueue(response) {
			shutdown(websocket.StatusPolicyViolation, "send queue overflow")
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	gateway.logger.Info("connection closed",
		zap.String("code", "gateway.disconnected"),
		zap.String("connection_id", session.ConnectionID))
}

func (gateway *Gateway) writeEnvelope(ctx context.Context, conn *websocket.Conn, envelope Envelope) error {
	encoded, encodeErr := json.Marshal(envelope)
	if encodeErr != nil {
		return encodeErr
	}
	writeCtx, writeCancel := context.WithTimeout(ctx, gateway.writeTimeout)
	defer writeCancel()
	return conn.Write(writeCtx, websocket.MessageText, encoded)
}
