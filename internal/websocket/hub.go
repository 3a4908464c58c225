// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package websocket

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/metrics"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled is the normal graceful shutdown path.
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline indicates a hung operation during shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Message types for WebSocket communication
const (
	MessageTypeRunSnapshot = "run_snapshot"
	MessageTypeRunProgress = "run_progress"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
)

// ErrSourceClosed is returned by Serve when the event source ends while
// the hub is still wanted. The supervisor restarts the hub.
var ErrSourceClosed = errors.New("run event source closed")

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventSource yields run events until ctx ends.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan ledger.Event, error)
}

// Hub routes run events to the clients watching that run.
type Hub struct {
	source     EventSource
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
	// done is closed when the current Serve call returns.
	done chan struct{}
}

// NewHub creates a hub reading from source.
func NewHub(source EventSource) *Hub {
	return &Hub{
		source:     source,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Serve subscribes to the event source and dispatches until ctx is done.
// It implements suture.Service.
//
// Priority order of the select loop: shutdown, client lifecycle, events.
// Client state is settled before any event is routed.
func (h *Hub) Serve(ctx context.Context) error {
	events, err := h.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	select {
	case <-h.done:
		h.done = make(chan struct{})
	default:
	}
	done := h.done
	h.mu.Unlock()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.add(client)
			continue
		case client := <-h.Unregister:
			h.remove(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.add(client)
		case client := <-h.Unregister:
			h.remove(client)
		case e, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					h.logGracefulShutdown(ctx)
					return ctx.Err()
				}
				h.closeAllClients()
				return ErrSourceClosed
			}
			h.dispatch(e)
		}
	}
}

func (h *Hub) String() string { return "websocket-hub" }

// Attach registers a client for one run and starts its pumps. initial is
// the first message the client receives.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn, kind ledger.Kind, runID string, initial ledger.Snapshot) error {
	client := NewClient(h, conn, kind, runID)
	client.send <- Message{Type: MessageTypeRunSnapshot, Data: initial}
	select {
	case h.Register <- client:
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
	client.Start()
	return nil
}

// unregister removes client unless the hub has already stopped.
func (h *Hub) unregister(client *Client) {
	h.mu.RLock()
	done := h.done
	h.mu.RUnlock()
	select {
	case h.Unregister <- client:
	case <-done:
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketConnections.Set(float64(n))
	logging.Debug().Str("run_id", client.runID).Int("total_clients", n).Msg("websocket client connected")
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketConnections.Set(float64(n))
	logging.Debug().Str("run_id", client.runID).Int("total_clients", n).Msg("websocket client disconnected")
}

// logGracefulShutdown closes every client and logs without an error field;
// cancellation is the expected path.
func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}

// dispatch sends e to every client watching its run, in client id order.
// A client whose buffer is full is dropped; it can reconnect and poll.
func (h *Hub) dispatch(e ledger.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var targets []*Client
	for client := range h.clients {
		if client.runID == e.RunID && client.kind == e.Kind {
			targets = append(targets, client)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	msg := Message{Type: MessageTypeRunProgress, Data: e}
	for _, client := range targets {
		select {
		case client.send <- msg:
		default:
			close(client.send)
			delete(h.clients, client)
			logging.Warn().Str("run_id", e.RunID).Uint64("client", client.id).Msg("websocket client too slow, dropped")
		}
	}
	metrics.WebSocketConnections.Set(float64(len(h.clients)))
}

// closeAllClients closes clients in id order.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.WebSocketConnections.Set(0)
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Watching returns the number of clients attached to one run.
func (h *Hub) Watching(kind ledger.Kind, runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.kind == kind && client.runID == runID {
			n++
		}
	}
	return n
}
