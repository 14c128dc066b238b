package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cab-dispatch/internal/config"
	"github.com/example/cab-dispatch/internal/dispatch"
	"github.com/example/cab-dispatch/internal/fare"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/ingest"
	"github.com/example/cab-dispatch/internal/logging"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/payment"
	"github.com/example/cab-dispatch/internal/ride"
	"github.com/example/cab-dispatch/internal/storage"
	"github.com/example/cab-dispatch/internal/stream"
)

type Server struct {
	Rides   *ride.Service
	Relay   *stream.Relay
	Drivers storage.DriverStore
	Kafka   *ingest.KafkaProducer
	WSReg   *dispatch.WSRegistry

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

// defaultRates is the cab-class price card used until an external catalog
// is wired in.
var defaultRates = map[string]models.CabClassRate{
	"mini":       {Class: "mini", BaseFare: 20, PerKm: 10},
	"sedan":      {Class: "sedan", BaseFare: 30, PerKm: 14},
	"suv":        {Class: "suv", BaseFare: 40, PerKm: 18},
	"accessible": {Class: "accessible", BaseFare: 25, PerKm: 12},
}

func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var (
		ggeo    geo.Geo
		drivers storage.DriverStore
	)
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		ggeo, drivers = rg, rg
	} else {
		idx := geo.NewIndex()
		ggeo, drivers = idx, idx
	}

	var store storage.BookingStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var notifier dispatch.Notifier = dispatch.NopNotifier{}
	if cfg.PushEndpoint != "" {
		notifier = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)
	}

	wsreg := dispatch.NewWSRegistry()
	broadcaster := &dispatch.Broadcaster{
		Rounds:  dispatch.NewRounds(),
		WS:      wsreg,
		Push:    notifier,
		Logger:  logger,
		Timeout: cfg.DispatchTimeout,
		Mode:    dispatch.Mode(cfg.DispatchMode),
	}
	coordinator := &payment.Coordinator{
		Provider: payment.NewStripeProvider(cfg.StripeAPIKey),
		Currency: cfg.Currency,
		Rule: func() models.PenaltyRule {
			return models.PenaltyRule{DeductionPercent: cfg.PenaltyPercent, MinimumAmount: cfg.PenaltyMinimum}
		},
	}
	rides := &ride.Service{
		Bookings:  store,
		Drivers:   drivers,
		Geo:       ggeo,
		Payments:  coordinator,
		Broadcast: broadcaster,
		Notify:    notifier,
		Rates:     defaultRates,
		RadiusKm:  cfg.SearchRadiusKm,
		Logger:    logger,
	}
	relay := stream.NewRelay(store, drivers, logger)

	s := &Server{
		Rides:   rides,
		Relay:   relay,
		Drivers: drivers,
		Kafka:   kp,
		WSReg:   wsreg,
		cfg:     cfg,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) Config() config.ServerConfig { return s.cfg }
func (s *Server) Logger() *slog.Logger        { return s.logger }

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/ignore", s.handleIgnore).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/verify-otp", s.handleVerifyOTP).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/bookings/{id}/stream", s.handleBookingStream)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req ride.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.Rides.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"booking_id":     b.ID,
		"status":         b.Status,
		"distance_km":    b.DistanceKm,
		"estimated_fare": b.EstimatedFare,
	})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.Rides.Accept(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// the OTP goes to the winning driver only
	writeJSON(w, http.StatusOK, map[string]interface{}{"booking": b, "otp": b.OTP})
}

func (s *Server) handleIgnore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Rides.Ignore(mux.Vars(r)["id"], req.DriverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Rides.VerifyOTP(r.Context(), mux.Vars(r)["id"], req.DriverID, req.Code); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusInProgress)})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID        string  `json:"driver_id"`
		FinalDistanceKm float64 `json:"final_distance_km"`
		FinalFare       float64 `json:"final_fare"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.Rides.Complete(r.Context(), mux.Vars(r)["id"], req.DriverID, req.FinalDistanceKm, req.FinalFare)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		By     string `json:"by"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	by := ride.CancelActor(req.By)
	if by != ride.ByDriver {
		by = ride.ByRider
	}
	penalty, err := s.Rides.Cancel(r.Context(), mux.Vars(r)["id"], by, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": string(models.StatusCancelled), "penalty": penalty})
}

// handleDriverLocation ingests a driver position report. Updates tied to a
// booking flow through the relay (which validates the driver is serving it);
// bare updates just refresh the geo index. Either way the update also goes
// to the kafka pipeline when one is configured.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.PositionUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := fare.Validate(models.Coord{Lat: u.Lat, Lng: u.Lng}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishPosition(u); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", u.DriverID, "error", err)
		}
	}
	if u.BookingID != "" {
		if err := s.Relay.Publish(r.Context(), u.BookingID, u.DriverID, u.Lat, u.Lng); err != nil {
			s.writeError(w, err)
			return
		}
	} else if err := s.Drivers.UpdatePosition(r.Context(), u.DriverID, u.Lat, u.Lng); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fare.ErrInvalidLocation),
		errors.Is(err, ride.ErrInvalidOtp),
		errors.Is(err, ride.ErrUnknownCabClass):
		status = http.StatusBadRequest
	case errors.Is(err, ride.ErrBookingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ride.ErrBookingAlreadyTaken),
		errors.Is(err, ride.ErrInvalidStateTransition):
		status = http.StatusConflict
	case errors.Is(err, ride.ErrDriverNotEligible):
		status = http.StatusForbidden
	case errors.Is(err, ride.ErrNoDriverAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, payment.ErrHoldFailed),
		errors.Is(err, payment.ErrCaptureFailed):
		status = http.StatusBadGateway
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
