package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/cab-dispatch/internal/observability"
)

var upgrader = websocket.Upgrader{}

// handleDriverWS attaches a driver's live session to the dispatch registry
// so offers reach them without polling.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	observability.DriversOnline.Inc()
	go func() {
		defer func() {
			s.WSReg.Remove(id)
			observability.DriversOnline.Dec()
			_ = conn.Close()
		}()
		// drain until the peer goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleBookingStream subscribes the caller to one booking's live position
// channel. Positions for other bookings never cross over.
func (s *Server) handleBookingStream(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]
	if _, err := s.Rides.Get(r.Context(), bookingID); err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sub := s.Relay.Subscribe(bookingID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() {
			s.Relay.Unsubscribe(bookingID, sub)
			_ = conn.Close()
		}()
		for {
			select {
			case upd, ok := <-sub.C():
				if !ok {
					return
				}
				if err := conn.WriteJSON(upd); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}
