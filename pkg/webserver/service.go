package webserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/Taronyu/bmvd/pkg/bmv600s"
	"github.com/Taronyu/bmvd/pkg/monitor"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SnapshotSource hands out the latest decoded snapshot, or nil before the
// first block arrived. The battery reader implements it.
type SnapshotSource interface {
	CurrentSnapshot() *bmv600s.Snapshot
}

// Server exposes the latest battery snapshot over HTTP: a JSON status
// endpoint, a websocket push channel for live readings and prometheus
// metrics.
type Server struct {
	source SnapshotSource
	log    logrus.FieldLogger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	wsClients      map[*websocket.Conn]bool
	wsClientsMutex sync.RWMutex

	// Serializes websocket writes; snapshots may be broadcast from
	// concurrent goroutines but a connection allows only one writer.
	broadcastMutex sync.Mutex
}

func New(addr string, source SnapshotSource, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		source: source,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		wsClients: make(map[*websocket.Conn]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/bmv600s", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start serves HTTP until Shutdown is called. Like http.ListenAndServe it
// always returns a non-nil error; after a clean shutdown that error is
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.log.Infof("Serving battery monitor API on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new connections, drains in-flight requests and
// closes all websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.closeAllClients()
	return err
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJson(w, http.StatusOK, map[string]string{
		"message": "bmvd battery monitor API",
		"status":  "running",
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.source.CurrentSnapshot()
	if snap == nil {
		writeJson(w, http.StatusNotFound, map[string]string{
			"error": "No readings available yet",
		})
		return
	}
	writeJson(w, http.StatusOK, snap)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("Websocket upgrade failed: %v", err)
		return
	}

	// Send the current snapshot right away, before the client is
	// registered for broadcasts, so the write cannot race one.
	if snap := s.source.CurrentSnapshot(); snap != nil {
		conn.WriteMessage(websocket.TextMessage, snap.ToJsonBytes())
	}

	s.addClient(conn)

	// Drain the connection until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.removeClient(conn)
			return
		}
	}
}

// Broadcast pushes snap to every connected websocket client. Clients whose
// write fails are dropped.
func (s *Server) Broadcast(snap *bmv600s.Snapshot) {
	s.wsClientsMutex.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for client := range s.wsClients {
		clients = append(clients, client)
	}
	s.wsClientsMutex.RUnlock()

	if len(clients) == 0 {
		return
	}
	data := snap.ToJsonBytes()

	s.broadcastMutex.Lock()
	defer s.broadcastMutex.Unlock()
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			s.removeClient(client)
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn) {
	s.wsClientsMutex.Lock()
	s.wsClients[conn] = true
	monitor.WebsocketClients.Set(float64(len(s.wsClients)))
	s.wsClientsMutex.Unlock()
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.wsClientsMutex.Lock()
	delete(s.wsClients, conn)
	monitor.WebsocketClients.Set(float64(len(s.wsClients)))
	s.wsClientsMutex.Unlock()
	conn.Close()
}

func (s *Server) closeAllClients() {
	s.wsClientsMutex.Lock()
	for client := range s.wsClients {
		client.Close()
		delete(s.wsClients, client)
	}
	monitor.WebsocketClients.Set(0)
	s.wsClientsMutex.Unlock()
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
