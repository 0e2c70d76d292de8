// Package telemetry publishes the §6 "Published telemetry" fields over a
// small HTTP+WebSocket dashboard, grounded on scheduler/server.go's
// WebServer: health/ready endpoints (scheduler/health.go) plus a
// broadcasting websocket hub (scheduler/server.go).
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sixdouglas/suncalc"

	"github.com/devskill-org/s2-ems/phasevalue"
)

// Snapshot is the published state of the control loop at a point in time —
// exactly the fields §6 names under "Published telemetry", plus the
// informational (non-forecasting) sun-elevation field from Part D.
type Snapshot struct {
	Active                  bool    `json:"active"`
	SystemType              string  `json:"system_type"`
	BatteryReservationWatts float64 `json:"battery_reservation_watts"`
	BatteryReservationState string  `json:"battery_reservation_state"`
	LoopTimeMillis          float64 `json:"loop_time_ms"`

	PrimaryPower        phasevalue.Value `json:"primary_power"`
	SecondaryPower      phasevalue.Value `json:"secondary_power"`
	PrimaryEnergyKWh    phasevalue.Value `json:"primary_energy_kwh"`
	SecondaryEnergyKWh  phasevalue.Value `json:"secondary_energy_kwh"`

	SunElevationDegrees float64   `json:"sun_elevation_degrees"`
	Timestamp           time.Time `json:"timestamp"`
}

// Source supplies the latest Snapshot on demand; ems.Controller implements it.
type Source interface {
	Snapshot() Snapshot
}

// Server is the dashboard: health/ready endpoints plus a websocket hub
// broadcasting Snapshot updates, the way scheduler/server.go's WebServer
// does for miner status.
type Server struct {
	source Source
	logger *log.Logger
	port   int

	latitude, longitude float64

	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    sync.Map // *websocket.Conn -> struct{}
	broadcast  chan []byte
	done       chan struct{}
	startTime  time.Time
}

// NewServer constructs a dashboard server. If port <= 0 the server is
// disabled, matching scheduler/server.go's NewWebServer(port=0) convention.
func NewServer(source Source, logger *log.Logger, port int, latitude, longitude float64) *Server {
	if port <= 0 {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		source:    source,
		logger:    logger,
		port:      port,
		latitude:  latitude,
		longitude: longitude,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		startTime: time.Now(),
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/ws", s.wsHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server and the broadcast loop in the background.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	go s.handleBroadcasts()
	go s.broadcastLoop()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("dashboard server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the dashboard down.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	close(s.done)
	s.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ready": true})
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade error: %v", err)
		return
	}
	s.clients.Store(conn, struct{}{})
	_ = conn.WriteJSON(s.buildSnapshot())

	defer func() {
		s.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleBroadcasts() {
	for {
		select {
		case msg := <-s.broadcast:
			s.clients.Range(func(key, _ any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			data, err := json.Marshal(s.buildSnapshot())
			if err != nil {
				s.logger.Printf("marshal snapshot: %v", err)
				continue
			}
			select {
			case s.broadcast <- data:
			default:
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) buildSnapshot() Snapshot {
	snap := s.source.Snapshot()
	snap.Timestamp = time.Now()
	snap.SunElevationDegrees = sunElevationDegrees(snap.Timestamp, s.latitude, s.longitude)
	return snap
}

// sunElevationDegrees is instantaneous geometry, not a forecast — the same
// narrow, non-predictive use scheduler/server.go makes of suncalc.
func sunElevationDegrees(at time.Time, latitude, longitude float64) float64 {
	pos := suncalc.GetPosition(at, latitude, longitude)
	return pos.Altitude * 180 / math.Pi
}
