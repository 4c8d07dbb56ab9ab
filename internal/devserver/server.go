// Package devserver is an in-memory implementation of the inspection backend's
// mobile API. It backs the client's integration tests and local development.
package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fieldsync/internal/api"
	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
)

// DefaultTokenTTL is the lifetime of issued device tokens.
const DefaultTokenTTL = 24 * time.Hour

const maxPhotoSize = 10 << 20

type Options struct {
	Secret   string
	TokenTTL time.Duration
	// Vehicles and PermitHolders default to the seed data when nil.
	Vehicles      []model.Vehicle
	PermitHolders []model.PermitHolder
	Logger        fieldsync.Logger
}

// ReceivedInspection is an inspection accepted by the server.
type ReceivedInspection struct {
	ServerID   int64
	DeviceID   string
	Inspection api.Inspection
}

// ReceivedPhoto is a photo accepted by the server.
type ReceivedPhoto struct {
	InspectionID string
	Category     string
	Filename     string
	ContentType  string
	Size         int
}

// Server holds the backend state. All methods are safe for concurrent use.
type Server struct {
	tokens *tokenIssuer
	logger fieldsync.Logger
	router chi.Router

	mu              sync.Mutex
	vehicles        []model.Vehicle
	holders         []model.PermitHolder
	inspections     []ReceivedInspection
	photos          []ReceivedPhoto
	nextServerID    int64
	epoch           int
	unhealthy       bool
	essentialOff    bool
	failSubmissions int
}

func New(opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Vehicles == nil {
		opts.Vehicles = SeedVehicles
	}
	if opts.PermitHolders == nil {
		opts.PermitHolders = SeedPermitHolders
	}
	if opts.Logger == nil {
		opts.Logger = fieldsync.NewNopLogger()
	}

	s := &Server{
		tokens:       &tokenIssuer{secret: []byte(opts.Secret), ttl: opts.TokenTTL},
		logger:       opts.Logger,
		vehicles:     slices.Clone(opts.Vehicles),
		holders:      slices.Clone(opts.PermitHolders),
		nextServerID: 1000,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get(api.PathHealth, s.health)

	r.Route("/api/mobile", func(r chi.Router) {
		r.Post("/auth/device", s.registerDevice)
		r.Post("/auth/validate", s.validateToken)

		r.Get("/vehicles/essential", s.listVehicles)
		r.Get("/kimper/essential", s.listPermitHolders)
		r.Get("/vehicles/{id}", s.getVehicle)
		r.Get("/kimper/{id}", s.getPermitHolder)

		r.Group(func(r chi.Router) {
			r.Use(s.requireDevice)
			r.Post("/inspections", s.createInspection)
			r.Post("/photos", s.createPhoto)
		})
	})

	r.Get(api.PathLegacyVehicles, s.legacyVehicles)
	r.Get(api.PathLegacyUsers, s.legacyUsers)

	return r
}

// Test and development controls

// SetHealthy makes /health answer 503 when false.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhealthy = !healthy
}

// SetEssentialEnabled makes the essential list routes answer 404 when false.
func (s *Server) SetEssentialEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.essentialOff = !enabled
}

// FailNextSubmissions makes the next n inspection or photo submissions answer 500.
func (s *Server) FailNextSubmissions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubmissions = n
}

// RevokeTokens invalidates every token issued so far.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// SetReferenceData replaces the served vehicles and permit holders.
func (s *Server) SetReferenceData(vehicles []model.Vehicle, holders []model.PermitHolder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles = slices.Clone(vehicles)
	s.holders = slices.Clone(holders)
}

func (s *Server) Inspections() []ReceivedInspection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.inspections)
}

func (s *Server) Photos() []ReceivedPhoto {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.photos)
}

// Handlers

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	unhealthy := s.unhealthy
	s.mu.Unlock()
	if unhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req api.DeviceAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, api.DeviceAuthResponse{Message: "device_id is required"})
		return
	}

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	token, expires, err := s.tokens.issue(req.DeviceID, epoch, time.Now())
	if err != nil {
		s.logger.Error("issuing device token", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.DeviceAuthResponse{Message: "could not issue token"})
		return
	}
	s.logger.Info("device registered", "device_id", req.DeviceID, "platform", req.DeviceInfo.Platform)
	writeJSON(w, http.StatusOK, api.DeviceAuthResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: expires.UnixMilli(),
	})
}

func (s *Server) validateToken(w http.ResponseWriter, r *http.Request) {
	var req api.ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ValidateResponse{})
		return
	}
	_, err := s.deviceFor(req.Token)
	writeJSON(w, http.StatusOK, api.ValidateResponse{Valid: err == nil})
}

func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	off := s.essentialOff
	out := make([]api.Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, api.VehicleFromModel(v))
	}
	s.mu.Unlock()
	if off {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, api.VehicleList{Data: out})
}

func (s *Server) listPermitHolders(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	off := s.essentialOff
	out := make([]api.PermitHolder, 0, len(s.holders))
	for _, p := range s.holders {
		out = append(out, api.PermitHolderFromModel(p))
	}
	s.mu.Unlock()
	if off {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, api.PermitHolderList{Data: out})
}

func (s *Server) getVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.SuccessResponse{Message: "invalid id"})
		return
	}
	s.mu.Lock()
	idx := slices.IndexFunc(s.vehicles, func(v model.Vehicle) bool { return v.ID == id })
	var found *api.Vehicle
	if idx >= 0 {
		v := api.VehicleFromModel(s.vehicles[idx])
		found = &v
	}
	s.mu.Unlock()

	if found == nil {
		writeJSON(w, http.StatusNotFound, api.VehicleResponse{})
		return
	}
	var resp api.VehicleResponse
	resp.Success = true
	resp.Data.Vehicle = found
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getPermitHolder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.SuccessResponse{Message: "invalid id"})
		return
	}
	s.mu.Lock()
	idx := slices.IndexFunc(s.holders, func(p model.PermitHolder) bool { return p.ID == id })
	var found *api.PermitHolder
	if idx >= 0 {
		p := api.PermitHolderFromModel(s.holders[idx])
		found = &p
	}
	s.mu.Unlock()

	if found == nil {
		writeJSON(w, http.StatusNotFound, api.PermitHolderResponse{})
		return
	}
	writeJSON(w, http.StatusOK, api.PermitHolderResponse{Success: true, Kimper: found})
}

// createInspection is idempotent on local_id: a resubmission returns the original server ID.
func (s *Server) createInspection(w http.ResponseWriter, r *http.Request) {
	var ins api.Inspection
	if err := json.NewDecoder(r.Body).Decode(&ins); err != nil {
		writeJSON(w, http.StatusBadRequest, api.InspectionResponse{Message: "malformed inspection"})
		return
	}
	if ins.EquipNo == "" && ins.VehicleID == 0 {
		writeJSON(w, http.StatusBadRequest, api.InspectionResponse{Message: "equip_no or vehicle_id is required"})
		return
	}
	if s.consumeFailure() {
		writeJSON(w, http.StatusInternalServerError, api.InspectionResponse{Message: "simulated failure"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ins.LocalID != "" {
		for _, prev := range s.inspections {
			if prev.Inspection.LocalID == ins.LocalID {
				writeJSON(w, http.StatusOK, api.InspectionResponse{Success: true, InspectionID: prev.ServerID})
				return
			}
		}
	}
	s.nextServerID++
	s.inspections = append(s.inspections, ReceivedInspection{
		ServerID:   s.nextServerID,
		DeviceID:   deviceFromContext(r.Context()),
		Inspection: ins,
	})
	writeJSON(w, http.StatusOK, api.InspectionResponse{Success: true, InspectionID: s.nextServerID})
}

func (s *Server) createPhoto(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPhotoSize); err != nil {
		writeJSON(w, http.StatusBadRequest, api.SuccessResponse{Message: "malformed multipart body"})
		return
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.SuccessResponse{Message: "photo is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.SuccessResponse{Message: "reading photo"})
		return
	}
	inspectionID := r.FormValue("inspection_id")
	if inspectionID == "" {
		writeJSON(w, http.StatusBadRequest, api.SuccessResponse{Message: "inspection_id is required"})
		return
	}
	if s.consumeFailure() {
		writeJSON(w, http.StatusInternalServerError, api.SuccessResponse{Message: "simulated failure"})
		return
	}

	s.mu.Lock()
	s.photos = append(s.photos, ReceivedPhoto{
		InspectionID: inspectionID,
		Category:     r.FormValue("category"),
		Filename:     header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Size:         len(data),
	})
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.SuccessResponse{Success: true})
}

func (s *Server) legacyVehicles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]api.LegacyVehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, api.LegacyVehicle{
			ID:              v.ID,
			EquipmentNumber: v.EquipNo,
			Description:     v.Description,
			Company:         v.Company,
			Manufacturer:    v.Manufacturer,
			Model:           v.UnitModel,
			Year:            v.Year,
			Status:          v.CommissioningStatus,
		})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.LegacyVehicleList{Vehicles: out})
}

func (s *Server) legacyUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]api.LegacyUser, 0, len(s.holders))
	for _, p := range s.holders {
		out = append(out, api.LegacyUser{
			ID:         p.ID,
			Name:       p.Name,
			EmployeeID: p.IDNumber,
			Department: p.Department,
			Status:     p.Status,
		})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.LegacyUserList{Users: out})
}

// Middleware

type deviceKey struct{}

func deviceFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey{}).(string)
	return id
}

func (s *Server) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, api.SuccessResponse{Message: err.Error()})
			return
		}
		deviceID, err := s.deviceFor(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, api.SuccessResponse{Message: "invalid or expired token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey{}, deviceID)))
	})
}

// deviceFor verifies token against the current epoch and returns its device ID.
func (s *Server) deviceFor(token string) (string, error) {
	claims, err := s.tokens.verify(token)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	if claims.Epoch != epoch {
		return "", errRevoked
	}
	return claims.DeviceID, nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) consumeFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSubmissions > 0 {
		s.failSubmissions--
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
