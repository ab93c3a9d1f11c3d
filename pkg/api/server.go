// Package api provides the HTTP and WebSocket control surface of the
// filament host. Frontends query object status over REST or JSON-RPC and
// receive filament event notifications over the WebSocket.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"filament-host/pkg/event"
	"filament-host/pkg/log"
)

// Server exposes the filament host over HTTP.
type Server struct {
	host HostInterface

	httpServer *http.Server
	addr       string
	version    string
	logger     *log.Logger

	// WebSocket management
	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// Status subscriptions, clientID -> object -> attributes
	subscriptions map[int64]map[string][]string
	subMu         sync.RWMutex

	history *History

	running   atomic.Bool
	startTime time.Time
}

// HostInterface is what the server needs from the filament host runtime.
type HostInterface interface {
	// GetObjectsList returns the names of the queryable host objects.
	GetObjectsList() []string

	// GetObjectStatus returns the status of one host object. A nil attrs
	// slice selects all attributes.
	GetObjectStatus(name string, attrs []string) map[string]any

	// RunScript executes a console command script.
	RunScript(script string) error

	// EmergencyStop halts the host immediately.
	EmergencyStop()

	// HostState returns one of "startup", "ready", "shutdown", "error".
	HostState() string
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":7125").
	Addr string

	// Host is the runtime the server fronts.
	Host HostInterface

	// Bus, when set, is relayed to WebSocket clients and drives the
	// operation history.
	Bus *event.Bus

	// Version reported in host.info. Defaults to the build version.
	Version string
}

// New creates an API server. Start begins serving.
func New(cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "filament-host-0.1.0"
	}

	s := &Server{
		host:          cfg.Host,
		addr:          cfg.Addr,
		version:       version,
		logger:        log.GetLogger("api"),
		wsClients:     make(map[int64]*WSClient),
		subscriptions: make(map[int64]map[string][]string),
		history:       NewHistory(),
		startTime:     time.Now(),
	}

	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Frontends are served from other origins.
		},
	}

	if cfg.Bus != nil {
		s.history.BindBus(cfg.Bus)
		s.bindBus(cfg.Bus)
	}

	return s
}

// History returns the operation history.
func (s *Server) History() *History {
	return s.history
}

// Start serves HTTP on the configured address. It blocks until the
// server is closed.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// JSON-RPC over plain HTTP, for clients without a WebSocket.
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)

	mux.HandleFunc("/websocket", s.handleWebSocket)

	mux.HandleFunc("/host/info", s.handleHostInfo)
	mux.HandleFunc("/host/emergency_stop", s.handleEmergencyStop)
	mux.HandleFunc("/filament/status", s.handleFilamentStatus)
	mux.HandleFunc("/filament/cut", s.handleFilamentCut)
	mux.HandleFunc("/filament/unload", s.handleFilamentUnload)
	mux.HandleFunc("/gcode/script", s.handleGCodeScript)
	mux.HandleFunc("/objects/list", s.handleObjectsList)
	mux.HandleFunc("/objects/query", s.handleObjectsQuery)

	s.history.RegisterEndpoints(mux)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.corsMiddleware(mux),
	}

	s.running.Store(true)
	s.logger.Info("API server starting on %s", s.addr)

	go s.statusBroadcastLoop()

	return s.httpServer.ListenAndServe()
}

// Stop closes the server and every WebSocket client.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONRPCError(w, nil, -32700, "Parse error")
		return
	}

	result, err := s.dispatchMethod(req.Method, req.Params, nil)
	if err != nil {
		s.writeJSONRPCError(w, req.ID, -32000, err.Error())
		return
	}

	s.writeJSONRPCResult(w, req.ID, result)
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "host.info":
		return s.methodHostInfo()
	case "host.emergency_stop":
		return s.methodEmergencyStop()
	case "objects.list":
		return s.methodObjectsList()
	case "objects.query":
		return s.methodObjectsQuery(params)
	case "objects.subscribe":
		return s.methodObjectsSubscribe(params, client)
	case "gcode.script":
		return s.methodGCodeScript(params)
	case "filament.cut":
		return s.methodFilamentCut(params)
	case "filament.unload":
		return s.methodFilamentUnload(params)
	case "connection.identify":
		return s.methodIdentify(params, client)
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

// Method implementations

func (s *Server) methodHostInfo() (any, error) {
	hostname, _ := os.Hostname()
	state := "ready"
	if s.host != nil {
		state = s.host.HostState()
	}
	stateMessage := "Filament host is ready"
	if state != "ready" {
		stateMessage = "Filament host is not ready"
	}

	s.wsClientMu.RLock()
	wsCount := len(s.wsClients)
	s.wsClientMu.RUnlock()

	return map[string]any{
		"state":              state,
		"state_message":      stateMessage,
		"hostname":           hostname,
		"software_version":   s.version,
		"api_version":        []int{1, 0, 0},
		"api_version_string": "1.0.0",
		"components":         []string{"history", "websocket"},
		"websocket_count":    wsCount,
		"uptime":             time.Since(s.startTime).Seconds(),
	}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	var objects []string
	if s.host != nil {
		objects = s.host.GetObjectsList()
	}
	if objects == nil {
		objects = []string{}
	}
	return map[string]any{"objects": objects}, nil
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	objectsParam, ok := params["objects"]
	if !ok {
		return nil, fmt.Errorf("missing 'objects' parameter")
	}

	objects, ok := objectsParam.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}

	result := make(map[string]any)
	for objName, attrsVal := range objects {
		// Attributes: null selects all, an array selects specific ones.
		var attrs []string
		if attrList, ok := attrsVal.([]any); ok {
			for _, attr := range attrList {
				if attrStr, ok := attr.(string); ok {
					attrs = append(attrs, attrStr)
				}
			}
		}

		if s.host == nil {
			continue
		}
		if status := s.host.GetObjectStatus(objName, attrs); status != nil {
			result[objName] = status
		}
	}

	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    result,
	}, nil
}

// methodFilamentStatus reports every registered object with all
// attributes.
func (s *Server) methodFilamentStatus() (any, error) {
	status := make(map[string]any)
	if s.host != nil {
		for _, name := range s.host.GetObjectsList() {
			if st := s.host.GetObjectStatus(name, nil); st != nil {
				status[name] = st
			}
		}
	}
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    status,
	}, nil
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires WebSocket connection")
	}

	objectsParam, ok := params["objects"]
	if !ok {
		return nil, fmt.Errorf("missing 'objects' parameter")
	}

	objects, ok := objectsParam.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}

	s.subMu.Lock()
	s.subscriptions[client.id] = make(map[string][]string)
	for objName, attrsVal := range objects {
		var attrs []string
		if attrList, ok := attrsVal.([]any); ok {
			for _, attr := range attrList {
				if attrStr, ok := attr.(string); ok {
					attrs = append(attrs, attrStr)
				}
			}
		}
		s.subscriptions[client.id][objName] = attrs
	}
	s.subMu.Unlock()

	return s.methodObjectsQuery(params)
}

func (s *Server) methodGCodeScript(params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'script' parameter")
	}

	if s.host != nil {
		if err := s.host.RunScript(script); err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("script with no host attached: %s", script)
	}

	return map[string]any{}, nil
}

func (s *Server) methodFilamentCut(params map[string]any) (any, error) {
	sensor, _ := params["sensor"].(string)
	if sensor == "" {
		return nil, fmt.Errorf("missing 'sensor' parameter")
	}

	script := "CUT SENSOR=" + sensor
	if temp, ok := asFloat(params["temperature"]); ok {
		script += fmt.Sprintf(" TEMPERATURE=%g", temp)
	}
	return s.methodGCodeScript(map[string]any{"script": script})
}

func (s *Server) methodFilamentUnload(params map[string]any) (any, error) {
	script := "UNLOAD_FILAMENT"
	if temp, ok := asFloat(params["temperature"]); ok {
		script += fmt.Sprintf(" TEMPERATURE=%g", temp)
	}
	if toolhead, ok := params["toolhead"].(string); ok && toolhead != "" {
		script += " TOOLHEAD=" + toolhead
	}
	return s.methodGCodeScript(map[string]any{"script": script})
}

func (s *Server) methodEmergencyStop() (any, error) {
	s.logger.Warn("emergency stop requested over the API")
	if s.host != nil {
		s.host.EmergencyStop()
	}
	return map[string]any{}, nil
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	clientName := "unknown"
	if name, ok := params["client_name"].(string); ok {
		clientName = name
	}
	var connectionID int64
	if client != nil {
		connectionID = client.id
	}
	s.logger.Info("client %d identified as %s", connectionID, clientName)
	return map[string]any{
		"connection_id": connectionID,
	}, nil
}

func (s *Server) eventtime() float64 {
	return float64(time.Since(s.startTime).Milliseconds()) / 1000.0
}

// asFloat normalizes a decoded JSON number.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// REST endpoint handlers

func (s *Server) handleHostInfo(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodHostInfo()
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleFilamentStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodFilamentStatus()
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleFilamentCut(w http.ResponseWriter, r *http.Request) {
	s.handlePostMethod(w, r, s.methodFilamentCut)
}

func (s *Server) handleFilamentUnload(w http.ResponseWriter, r *http.Request) {
	s.handlePostMethod(w, r, s.methodFilamentUnload)
}

func (s *Server) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	s.handlePostMethod(w, r, s.methodGCodeScript)
}

func (s *Server) handleObjectsList(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodObjectsList()
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	s.handlePostMethod(w, r, s.methodObjectsQuery)
}

// handlePostMethod decodes a JSON body and runs a params-taking method.
func (s *Server) handlePostMethod(w http.ResponseWriter, r *http.Request, fn func(map[string]any) (any, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := make(map[string]any)
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
	}

	result, err := fn(params)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"result": result})
}

// Emergency stop takes any method. Pedantry must not delay it.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodEmergencyStop()
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"result": result})
}

// corsMiddleware allows cross-origin requests from browser frontends.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    -32000,
			"message": err.Error(),
		},
	})
}

func (s *Server) writeJSONRPCResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	})
}

func (s *Server) writeJSONRPCError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	id := atomic.AddInt64(&s.nextWSID, 1)
	return &WSClient{
		id:     id,
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// Send queues a message for the client. Messages are dropped rather than
// blocking a slow client.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping message to client %d (channel full)", c.id)
	}
}

// Close closes the client connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	c.conn.Close()
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error: %v", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump sends messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Error("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(nil, -32700, "Parse error")
		return
	}

	result, err := c.server.dispatchMethod(req.Method, req.Params, c)
	if err != nil {
		c.sendError(req.ID, -32000, err.Error())
		return
	}

	c.Send(jsonRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

func (c *WSClient) sendError(id any, code int, message string) {
	c.Send(jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

// handleWebSocket handles WebSocket upgrade and connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade error: %v", err)
		return
	}

	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.logger.Info("WebSocket client %d connected", client.id)

	go client.writePump()

	// Tell the new client where the host stands.
	go func() {
		time.Sleep(100 * time.Millisecond)

		client.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_host_connected",
		})

		state := "ready"
		if s.host != nil {
			state = s.host.HostState()
		}
		if state == "ready" {
			client.Send(map[string]any{
				"jsonrpc": "2.0",
				"method":  "notify_host_ready",
			})
		}
	}()

	client.readPump() // Blocks until connection closes
}

// removeClient removes a client and cleans up its subscriptions.
func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	delete(s.subscriptions, client.id)
	s.subMu.Unlock()

	s.logger.Info("WebSocket client %d disconnected", client.id)
}

// bindBus relays filament events to every connected client.
func (s *Server) bindBus(bus *event.Bus) {
	topics := []string{
		event.TopicFilamentPresent,
		event.TopicNoFilament,
		event.TopicCutStart,
		event.TopicCutEnd,
		event.TopicCutFailed,
		event.TopicUnloadStart,
		event.TopicUnloadEnd,
		event.TopicUnloadTimeout,
		event.TopicHostReady,
		event.TopicHostShutdown,
	}
	for _, topic := range topics {
		topic := topic
		bus.Subscribe(topic, func(eventtime float64) {
			s.notifyEvent(topic, eventtime)
		})
	}
}

// notifyEvent broadcasts one bus event as a JSON-RPC notification.
func (s *Server) notifyEvent(topic string, eventtime float64) {
	notification := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_filament_event",
		"params":  []any{map[string]any{"topic": topic, "eventtime": eventtime}},
	}

	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(notification)
	}
}

// statusBroadcastLoop periodically pushes status to subscribed clients.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		s.broadcastStatusUpdates()
	}
}

// broadcastStatusUpdates sends status updates to all subscribed clients.
func (s *Server) broadcastStatusUpdates() {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	eventtime := s.eventtime()

	for clientID, objects := range s.subscriptions {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[clientID]
		s.wsClientMu.RUnlock()

		if !ok {
			continue
		}

		status := make(map[string]any)
		for objName, attrs := range objects {
			if s.host == nil {
				continue
			}
			if objStatus := s.host.GetObjectStatus(objName, attrs); objStatus != nil {
				status[objName] = objStatus
			}
		}

		if len(status) == 0 {
			continue
		}

		client.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_status_update",
			"params":  []any{status, eventtime},
		})
	}
}
