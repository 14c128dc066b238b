package dispatch

import (
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/cab-dispatch/internal/models"
)

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the currently connected driver sessions. It is an
// injectable registry so a distributed session store can replace it when
// multiple dispatcher instances run.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

// Offer pushes a booking offer to the driver's live session.
func (r *WSRegistry) Offer(driverID string, offer models.Offer) error {
	return r.send(driverID, map[string]interface{}{"type": "offer", "offer": offer})
}

// Send pushes an arbitrary event (offer withdrawn, status change) to the
// driver's live session.
func (r *WSRegistry) Send(driverID string, v interface{}) error {
	return r.send(driverID, v)
}

func (r *WSRegistry) send(driverID string, v interface{}) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

var ErrNoSession = errors.New("no ws session")
