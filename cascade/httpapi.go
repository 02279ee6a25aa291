/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
)

// Server bundles every collaborator the HTTP control plane dispatches
// into as named fields, since Cascade's daemon state isn't itself
// unmarshaled from the config file.
type Server struct {
	config       atomic.Pointer[Config]
	ConfigPath   string
	Registry     *ZoneRegistry
	Publish      *Registry
	Policies     *PolicyStore
	Orchestrator *Orchestrator
	Reviews      *ReviewServer
	Scheduler    *Scheduler
	Keys         *KeyManager
	Kmip         *KmipStore
	StateDir     string
}

// Config returns the currently active configuration snapshot.
func (s *Server) Config() *Config { return s.config.Load() }

// SetConfig installs a new configuration snapshot, used both at startup and
// by ConfigReload.
func (s *Server) SetConfig(c *Config) { s.config.Store(c) }

// apiResponse is the common JSON envelope every handler replies with: a
// timestamp, the app name, an error flag/message pair, and a free-form
// message, with handler-specific payload fields added alongside.
type apiResponse struct {
	Time     time.Time   `json:"time"`
	AppName  string      `json:"app_name"`
	Error    bool        `json:"error,omitempty"`
	ErrorMsg string      `json:"error_msg,omitempty"`
	Msg      string      `json:"msg,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

func (s *Server) newResponse() apiResponse {
	appName := "cascaded"
	if c := s.Config(); c != nil && c.Service.Name != "" {
		appName = c.Service.Name
	}
	return apiResponse{Time: time.Now(), AppName: appName}
}

func writeJSON(w http.ResponseWriter, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error {
		w.WriteHeader(http.StatusBadRequest)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("httpapi: error encoding response: %v", err)
	}
}

func errResponse(resp apiResponse, err error) apiResponse {
	resp.Error = true
	resp.ErrorMsg = err.Error()
	return resp
}

// SetupRouter builds the `/api/v1` route table behind the X-API-Key
// subrouter: one mux subrouter gated on the configured header, with every
// control-plane endpoint registered onto it.
func (s *Server) SetupRouter() (*mux.Router, error) {
	apikey := s.Config().Apiserver.ApiKey
	if apikey == "" {
		return nil, fmt.Errorf("httpapi: apiserver.apikey is not set")
	}

	r := mux.NewRouter().StrictSlash(true)
	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", apikey).Subrouter()

	sr.HandleFunc("/config/reload", s.handleConfigReload).Methods("POST")

	sr.HandleFunc("/zones/list", s.handleZonesList).Methods("GET")
	sr.HandleFunc("/zone/add", s.handleZoneAdd).Methods("POST")
	sr.HandleFunc("/zone/{name}/remove", s.handleZoneRemove).Methods("POST")
	sr.HandleFunc("/zone/{name}/reload", s.handleZoneReload).Methods("POST")
	sr.HandleFunc("/zone/{name}/status", s.handleZoneStatus).Methods("GET")
	sr.HandleFunc("/zone/{name}/history", s.handleZoneHistory).Methods("GET")

	sr.HandleFunc("/policy/", s.handlePolicyList).Methods("GET")
	sr.HandleFunc("/policy/reload", s.handlePolicyReload).Methods("POST")
	sr.HandleFunc("/policy/{name}", s.handlePolicyGet).Methods("GET")

	sr.HandleFunc("/kmip", s.handleKmipAdd).Methods("POST")
	sr.HandleFunc("/kmip", s.handleKmipList).Methods("GET")
	sr.HandleFunc("/kmip/{id}", s.handleKmipGet).Methods("GET")

	sr.HandleFunc("/key/{zone}/roll", s.handleKeyRoll).Methods("POST")
	sr.HandleFunc("/key/{zone}/remove", s.handleKeyRemove).Methods("POST")

	// Manual review decisions, for policies that require review but have
	// no hook configured (review.go's ReviewServer.Decide is blocked until
	// something calls it). The API-key-gated counterpart of the hook
	// callback below.
	sr.HandleFunc("/zone/{name}/review", s.handleZoneReviewDecide).Methods("POST")

	// Hook callbacks are unauthenticated via X-API-Key (a hook script
	// running as a hook user may not hold the daemon's API key); the
	// token itself, minted per pending review in review.go, is the
	// credential.
	r.HandleFunc("/hook/review-unsigned/{decision}/{token}", s.handleReviewUnsignedHook).Methods("GET")
	r.HandleFunc("/hook/review-signed/{decision}/{token}", s.handleReviewSignedHook).Methods("GET")

	return r, nil
}

// WalkRoutes logs every registered route.
func WalkRoutes(router *mux.Router, address string) {
	log.Printf("httpapi: endpoints for router on %s:", address)
	err := router.Walk(func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for _, m := range methods {
			log.Printf("%-6s %s", m, path)
		}
		return nil
	})
	if err != nil {
		log.Printf("httpapi: WalkRoutes: %v", err)
	}
}

// Dispatch starts the HTTP (or HTTPS) listener for router and shuts it
// down when done is closed, for a single configured address and
// Cascade's UseTLS toggle.
func Dispatch(conf *ApiserverConf, router *mux.Router, done <-chan struct{}) error {
	if conf.Address == "" {
		return fmt.Errorf("httpapi: apiserver.address not set, not starting")
	}

	WalkRoutes(router, conf.Address)

	srv := &http.Server{Addr: conf.Address, Handler: router}

	go func() {
		var err error
		if conf.UseTLS {
			log.Printf("httpapi: listening on %s (TLS)", conf.Address)
			err = srv.ListenAndServeTLS(conf.CertFile, conf.KeyFile)
		} else {
			log.Printf("httpapi: listening on %s", conf.Address)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("httpapi: ListenAndServe: %v", err)
		}
	}()

	go func() {
		<-done
		log.Println("httpapi: shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Printf("httpapi: shutdown: %v", err)
		}
	}()

	return nil
}

// --- /config -----------------------------------------------------------

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	config, err := ReloadConfig(s.ConfigPath)
	if err != nil {
		resp = errResponse(resp, err)
		return
	}
	s.SetConfig(config)
	resp.Msg = "configuration reloaded"
}

// --- /zones, /zone/... ---------------------------------------------------

func (s *Server) handleZonesList(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	resp.Data = struct {
		Zones []string `json:"zones"`
	}{Zones: s.Registry.List()}
	writeJSON(w, resp)
}

// zoneAddRequest is the decodable shape of `POST /zone/add`.
type zoneAddRequest struct {
	Name       string   `json:"name"`
	Policy     string   `json:"policy"`
	Zonefile   string   `json:"zonefile,omitempty"`
	Server     string   `json:"server,omitempty"`
	TsigKey    string   `json:"tsig_key,omitempty"`
	KeyImports []string `json:"key_imports,omitempty"`
}

func (s *Server) handleZoneAdd(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	var req zoneAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp = errResponse(resp, fmt.Errorf("decoding request: %w", err))
		return
	}

	policy, err := s.Policies.Get(req.Policy)
	if err != nil {
		resp = errResponse(resp, err)
		return
	}

	var src Source
	if req.Zonefile != "" {
		src.Zonefile = req.Zonefile
	} else if req.Server != "" {
		src.Server = &ServerSource{Addr: req.Server, TsigKey: req.TsigKey}
	}

	if len(req.KeyImports) > 0 {
		log.Printf("httpapi: zone/add %s: key_imports not applied; importing pre-existing keys is not yet supported, zone will generate its own", req.Name)
	}

	z := NewZone(req.Name, policy, src, s.zoneSaveFunc(req.Name))
	if err := s.Registry.Add(z); err != nil {
		resp = errResponse(resp, err)
		return
	}
	if _, err := s.Publish.AddZone(req.Name); err != nil {
		resp = errResponse(resp, err)
		return
	}
	s.Orchestrator.Submit(r.Context(), Event{Kind: EvReloadZone, Zone: req.Name})

	resp.Msg = fmt.Sprintf("zone %s added", req.Name)
}

func (s *Server) zoneSaveFunc(name string) func() {
	if s.StateDir == "" {
		return nil
	}
	return func() {
		z, err := s.Registry.Get(name)
		if err != nil {
			return
		}
		if err := WriteZoneState(s.StateDir, z); err != nil {
			log.Printf("httpapi: zone %s: writing zone state: %v", name, err)
		}
	}
}

func (s *Server) handleZoneRemove(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	name := mux.Vars(r)["name"]
	if err := s.Registry.Remove(name); err != nil {
		resp = errResponse(resp, err)
		return
	}
	if err := s.Publish.RemoveZone(name); err != nil {
		log.Printf("httpapi: zone %s: publish registry cleanup: %v", name, err)
	}
	s.Scheduler.RemoveZone(name)
	resp.Msg = fmt.Sprintf("zone %s removed", name)
}

func (s *Server) handleZoneReload(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	name := mux.Vars(r)["name"]
	if _, err := s.Registry.Get(name); err != nil {
		resp = errResponse(resp, err)
		return
	}
	s.Orchestrator.Submit(r.Context(), Event{Kind: EvReloadZone, Zone: name})
	resp.Msg = fmt.Sprintf("zone %s reload submitted", name)
}

// zoneStatusResponse is the payload for `GET /zone/{name}/status`, with
// enough detail that operator tooling doesn't need a second round-trip.
type zoneStatusResponse struct {
	Name              string    `json:"name"`
	Policy            string    `json:"policy"`
	Halt              string    `json:"halt"`
	CurrentUnsigned   uint32    `json:"current_unsigned_serial,omitempty"`
	CurrentSigned     uint32    `json:"current_signed_serial,omitempty"`
	MinExpiration     time.Time `json:"min_expiration,omitempty"`
	NextMinExpiration time.Time `json:"next_min_expiration,omitempty"`
}

func (s *Server) handleZoneStatus(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	name := mux.Vars(r)["name"]
	z, err := s.Registry.Get(name)
	if err != nil {
		resp = errResponse(resp, err)
		return
	}

	status := zoneStatusResponse{
		Name:   z.Name,
		Policy: z.Policy().Name,
		Halt:   z.Halt().String(),
	}
	if cu := z.Store.CurrentUnsigned(); cu.IsComplete() {
		status.CurrentUnsigned = soaSerial(cu.Soa)
	}
	if cs := z.Store.CurrentSigned(); cs.IsComplete() {
		status.CurrentSigned = soaSerial(cs.Soa)
	}
	status.MinExpiration = z.MinExpiration()
	z.Lock()
	status.NextMinExpiration = z.nextMinExpiration
	z.Unlock()
	resp.Data = status
}

func (s *Server) handleZoneHistory(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	name := mux.Vars(r)["name"]
	z, err := s.Registry.Get(name)
	if err != nil {
		resp = errResponse(resp, err)
		return
	}
	resp.Data = z.History().Snapshot()
}

// --- /policy -------------------------------------------------------------

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	resp.Data = struct {
		Policies []string `json:"policies"`
	}{Policies: s.Policies.List()}
	writeJSON(w, resp)
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	warnings, err := s.Policies.LoadDir()
	if err != nil {
		resp = errResponse(resp, err)
		return
	}
	resp.Msg = "policies reloaded"
	if len(warnings) > 0 {
		resp.Data = struct {
			Warnings []string `json:"warnings"`
		}{Warnings: warnings}
	}
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	name := mux.Vars(r)["name"]
	p, err := s.Policies.Get(name)
	if err != nil {
		resp = errResponse(resp, err)
		return
	}
	resp.Data = p
}

// --- /kmip -----------------------------------------------------------

func (s *Server) handleKmipAdd(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	var cfg KmipServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		resp = errResponse(resp, fmt.Errorf("decoding request: %w", err))
		return
	}
	if err := s.Kmip.AddServer(cfg); err != nil {
		resp = errResponse(resp, err)
		return
	}
	resp.Msg = fmt.Sprintf("kmip server %s registered", cfg.ID)
}

func (s *Server) handleKmipList(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	resp.Data = s.Kmip.ListServers()
	writeJSON(w, resp)
}

func (s *Server) handleKmipGet(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	id := mux.Vars(r)["id"]
	cfg, err := s.Kmip.GetServer(id)
	if err != nil {
		resp = errResponse(resp, err)
		return
	}
	resp.Data = cfg
}

// --- /key ------------------------------------------------------------

type keyRollRequest struct {
	KeyType string `json:"key_type"` // "KSK" | "ZSK"
}

func (s *Server) handleKeyRoll(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	zone := mux.Vars(r)["zone"]
	z, err := s.Registry.Get(zone)
	if err != nil {
		resp = errResponse(resp, err)
		return
	}

	var req keyRollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp = errResponse(resp, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.KeyType != "KSK" && req.KeyType != "ZSK" {
		resp = errResponse(resp, fmt.Errorf("key_type must be KSK or ZSK"))
		return
	}

	if err := s.Keys.Roll(zone, req.KeyType, z.Policy().KeyMgr); err != nil {
		z.History().KeySetError(err.Error())
		resp = errResponse(resp, err)
		return
	}
	z.History().KeySetCommand()
	resp.Msg = fmt.Sprintf("zone %s: %s rolled", zone, req.KeyType)
}

type keyRemoveRequest struct {
	KeyId uint16 `json:"key_id"`
}

func (s *Server) handleKeyRemove(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	zone := mux.Vars(r)["zone"]
	z, err := s.Registry.Get(zone)
	if err != nil {
		resp = errResponse(resp, err)
		return
	}

	var req keyRemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp = errResponse(resp, fmt.Errorf("decoding request: %w", err))
		return
	}

	if err := s.Keys.Remove(zone, req.KeyId); err != nil {
		z.History().KeySetError(err.Error())
		resp = errResponse(resp, err)
		return
	}
	z.History().KeySetCommand()
	resp.Msg = fmt.Sprintf("zone %s: key %d retired", zone, req.KeyId)
}

// zoneReviewDecideRequest is the decodable shape of `POST
// /zone/{name}/review`.
type zoneReviewDecideRequest struct {
	Serial  uint32 `json:"serial"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleZoneReviewDecide(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	name := mux.Vars(r)["name"]
	var req zoneReviewDecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp = errResponse(resp, fmt.Errorf("decoding request: %w", err))
		return
	}

	if err := s.Reviews.Decide(name, req.Serial, req.Approve, req.Reason); err != nil {
		resp = errResponse(resp, err)
		return
	}
	resp.Msg = fmt.Sprintf("zone %s serial %d: review decision recorded", name, req.Serial)
}

// --- /hook/review-* ----------------------------------------------------

func (s *Server) handleReviewUnsignedHook(w http.ResponseWriter, r *http.Request) {
	s.handleReviewHook(w, r)
}

func (s *Server) handleReviewSignedHook(w http.ResponseWriter, r *http.Request) {
	s.handleReviewHook(w, r)
}

// handleReviewHook implements both `/hook/review-unsigned/{decision}/{token}`
// and `/hook/review-signed/{decision}/{token}`: {decision} is
// "approve" or "reject", {token} is the CASCADE_REVIEW_TOKEN a hook script
// was started with. Both paths resolve to the same ReviewServer since
// ReviewServer.SeekApproval is not itself stage-scoped; the token already
// identifies which (zone, serial) is being decided.
func (s *Server) handleReviewHook(w http.ResponseWriter, r *http.Request) {
	resp := s.newResponse()
	defer func() { writeJSON(w, resp) }()

	vars := mux.Vars(r)
	decision := vars["decision"]
	token := vars["token"]

	var approved bool
	switch decision {
	case "approve":
		approved = true
	case "reject":
		approved = false
	default:
		resp = errResponse(resp, fmt.Errorf("decision must be approve or reject, got %q", decision))
		return
	}

	reason := r.URL.Query().Get("reason")
	if err := s.Reviews.DecideByToken(token, approved, reason); err != nil {
		resp = errResponse(resp, err)
		return
	}
	resp.Msg = fmt.Sprintf("review decision %q recorded", decision)
}
