package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lobbykit/internal/lobby"
	"github.com/ent0n29/lobbykit/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsOutboundSize = 64
)

// handleEventsWS streams coordinator events to the client and accepts
// leave/refresh controls and member attribute writes.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.lobby.Subscribe()
	defer unsubscribe()

	outbound := make(chan any, wsOutboundSize)
	hello := protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "connected", Detail: s.lobby.LocalUserID()}
	if cur, ok := s.lobby.CurrentSession(); ok {
		hello.SessionID = cur.SessionID
	}
	outbound <- hello

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the connection unblocks the read loop.
		defer conn.Close()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				msg = protocol.NewLobbyEvent(evt)
			case msg = <-outbound:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueue(ctx, outbound, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		s.enqueue(ctx, outbound, s.dispatchClientMessage(ctx, parsed))
	}

	cancel()
	<-writerDone
}

func (s *Server) dispatchClientMessage(ctx context.Context, msg any) any {
	var (
		code string
		err  error
	)
	switch m := msg.(type) {
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionLeave:
			code, err = "left", s.lobby.LeaveSession(ctx)
		case protocol.ActionRefresh:
			code = "refreshed"
			_, err = s.lobby.RefreshSession(ctx)
		}
	case protocol.MemberAttribute:
		code, err = "member_attributes_updated", s.lobby.SetMemberAttributesBatch(ctx, m.Batch())
	}
	if err != nil {
		status := lobby.StatusOf(err)
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      string(status),
			Source:    "lobby",
			Retryable: status == lobby.StatusBackendError,
			Detail:    err.Error(),
		}
	}
	ack := protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: code}
	if cur, ok := s.lobby.CurrentSession(); ok {
		ack.SessionID = cur.SessionID
	}
	return ack
}

func (s *Server) enqueue(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case <-ctx.Done():
	case outbound <- msg:
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.MemberAttribute:
		return m.Type, true
	case protocol.LobbyEvent:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
