// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package websocket pushes live job and settlement updates to
// connected dashboard clients.
package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// Message types for WebSocket communication
const (
	MessageTypeJobUpdate          = "job_update"
	MessageTypeSettlementDone     = "settlement_completed"
	MessageTypePendingAttribution = "pending_attribution"
	MessageTypeLedgerVoided       = "ledger_voided"
	MessageTypePing               = "ping"
	MessageTypePong               = "pong"
)

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to
// the clients. It implements the tracker's notifier interface.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// RunWithContext starts the hub with context support for graceful
// shutdown. Designed for use under suture supervision.
//
// Go's select picks randomly among ready channels, so the loop checks
// channels in priority order: shutdown, then client lifecycle, then
// broadcasts. Client state is always consistent before messages go out.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: shutdown (non-blocking check)
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: client lifecycle events (non-blocking check)
		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		// Priority 3: broadcasts, or block until anything arrives
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()

		case client := <-h.Register:
			h.addClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSClientsConnected.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSClientsConnected.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

// shutdown closes all connected clients and logs the reason. Context
// cancellation is expected during graceful shutdown, so it is not
// logged as an error.
func (h *Hub) shutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()

	reason := "context_canceled"
	if ctx.Err() == context.DeadlineExceeded {
		reason = "context_deadline"
	}

	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", reason).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

// broadcastToClients sends a message to all connected clients in
// client-ID order. The stable order keeps delivery reproducible in
// tests. Clients with a full send buffer are dropped.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
	if len(toRemove) > 0 {
		metrics.WSClientsConnected.Set(float64(len(h.clients)))
	}
}

// closeAllClients closes clients in ID order during shutdown.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.WSClientsConnected.Set(0)
	logging.Info().Msg("closed all websocket clients during shutdown")
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) enqueue(msg Message) {
	select {
	case h.broadcast <- msg:
		metrics.RecordWSBroadcast(msg.Type)
	default:
		logging.Warn().Str("message_type", msg.Type).Msg("broadcast channel full, dropping message")
	}
}

// JobUpdated pushes the current job state to all clients.
func (h *Hub) JobUpdated(job *models.PrintJob) {
	h.enqueue(Message{Type: MessageTypeJobUpdate, Data: job})
}

// SettlementData is the payload of a settlement_completed message.
type SettlementData struct {
	Timestamp string                     `json:"timestamp"`
	Job       *models.PrintJob           `json:"job"`
	Records   []models.ConsumptionRecord `json:"records"`
	Pending   int                        `json:"pending"`
}

// JobSettled notifies all clients that a job's consumption has been
// settled, including any records that wait for manual attribution.
func (h *Hub) JobSettled(job *models.PrintJob, records []models.ConsumptionRecord) {
	pending := 0
	for i := range records {
		if records[i].Pending() {
			pending++
		}
	}

	h.enqueue(Message{
		Type: MessageTypeSettlementDone,
		Data: SettlementData{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Job:       job,
			Records:   records,
			Pending:   pending,
		},
	})
}

// PendingAttributionResolved notifies clients that a pending record was
// matched to a stock item.
func (h *Hub) PendingAttributionResolved(record *models.ConsumptionRecord) {
	h.enqueue(Message{Type: MessageTypePendingAttribution, Data: record})
}

// LedgerVoided notifies clients that a ledger entry was voided and a
// reversal appended.
func (h *Hub) LedgerVoided(original, reversal *models.MaterialLedgerEntry) {
	h.enqueue(Message{
		Type: MessageTypeLedgerVoided,
		Data: map[string]interface{}{
			"original": original,
			"reversal": reversal,
		},
	})
}

// MarshalMessage converts a message to JSON
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
