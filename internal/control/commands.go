package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/pairing"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
)

// Thermostat setpoint safety clamps in degrees Celsius. Commands
// outside this range are clamped, not rejected, matching what the
// firmware itself enforces.
const (
	minTargetTemp = 9.0
	maxTargetTemp = 32.0
)

// commandRequest is the body of POST /command.
type commandRequest struct {
	Serial string `json:"serial"`
	Action string `json:"action"`

	// temp / temperature
	Mode  string   `json:"mode,omitempty"`
	Value *float64 `json:"value,omitempty"`
	Low   *float64 `json:"low,omitempty"`
	High  *float64 `json:"high,omitempty"`

	// set
	Object string `json:"object,omitempty"`
	Field  string `json:"field,omitempty"`
	Raw    any    `json:"raw_value,omitempty"`

	// away
	Away *bool `json:"away,omitempty"`
}

// handleCommand dispatches dashboard commands into the shared write
// path. Every write lands in the state service, so parked device
// subscriptions wake exactly as for device-originated changes.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	kc := authContext(r)
	if !kc.HasScope(ScopeCommand) {
		writeForbidden(w, "command scope required")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body")
		return
	}
	if req.Serial == "" || req.Action == "" {
		writeBadRequest(w, "serial and action are required")
		return
	}
	if !kc.AllowsSerial(req.Serial) {
		writeForbidden(w, "serial not permitted for this key")
		return
	}

	var written []*state.Object
	var err error
	switch req.Action {
	case "temp", "temperature":
		written, err = s.commandTemp(r, kc, req)
	case "away":
		written, err = s.commandAway(r, kc, req)
	case "set":
		written, err = s.commandSet(r, req)
	default:
		writeBadRequest(w, fmt.Sprintf("unknown action %q", req.Action))
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, errBadCommand):
			writeBadRequest(w, err.Error())
		case errors.Is(err, errNotFoundCommand):
			writeNotFound(w, err.Error())
		default:
			s.logger.Error("command failed", "action", req.Action, "serial", req.Serial, "error", err)
			writeInternalError(w, "command failed")
		}
		return
	}

	if len(written) > 0 && s.subs != nil {
		s.subs.NotifyAll(r.Context(), req.Serial, written)
	}

	s.audit(r, kc, req)

	refs := make([]*state.Object, 0, len(written))
	for _, obj := range written {
		refs = append(refs, obj.Ref())
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": refs})
}

// errBadCommand marks user errors in command payloads.
var errBadCommand = errors.New("bad command")

// commandTemp writes a clamped setpoint into the shared object.
func (s *Server) commandTemp(r *http.Request, kc *store.KeyContext, req commandRequest) ([]*state.Object, error) {
	if req.Value == nil {
		return nil, fmt.Errorf("%w: temp requires value", errBadCommand)
	}
	mode := req.Mode
	if mode == "" {
		mode = "heat"
	}

	value := state.Value{
		"target_temperature":      clampTemp(*req.Value),
		"target_temperature_type": mode,
		"target_change_pending":   true,
		"touched_by": state.Value{
			"touched_id": kc.UserID,
			"touched_at": float64(time.Now().UnixMilli()),
		},
	}
	if req.Low != nil {
		value["target_temperature_low"] = clampTemp(*req.Low)
	}
	if req.High != nil {
		value["target_temperature_high"] = clampTemp(*req.High)
	}

	res, err := s.state.ApplyMerge(r.Context(), req.Serial, state.PrefixShared+req.Serial, value)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return nil, nil
	}
	return []*state.Object{res.Object}, nil
}

// commandAway flips the device away state and updates the owner's
// aggregate directly.
func (s *Server) commandAway(r *http.Request, kc *store.KeyContext, req commandRequest) ([]*state.Object, error) {
	if req.Away == nil {
		return nil, fmt.Errorf("%w: away requires away flag", errBadCommand)
	}
	ctx := r.Context()

	res, err := s.state.ApplyMerge(ctx, req.Serial, state.PrefixDevice+req.Serial, state.Value{
		"auto_away":      float64(0),
		"away":           *req.Away,
		"away_timestamp": float64(time.Now().UnixMilli()),
		"away_setter":    kc.UserID,
	})
	if err != nil {
		return nil, err
	}

	var written []*state.Object
	if res.Changed {
		written = append(written, res.Object)
	}

	if s.derive != nil {
		userObj, err := s.derive.RecomputeOwnerAway(ctx, req.Serial)
		if err != nil {
			s.logger.Warn("away recomputation failed", "serial", req.Serial, "error", err)
		} else if userObj != nil {
			written = append(written, userObj)
		}
	}
	return written, nil
}

// commandSet writes one field of any object. The object may be a full
// key ("shared.ABC") or a bare prefix ("shared") completed with the
// command serial.
func (s *Server) commandSet(r *http.Request, req commandRequest) ([]*state.Object, error) {
	if req.Object == "" || req.Field == "" {
		return nil, fmt.Errorf("%w: set requires object and field", errBadCommand)
	}

	key := req.Object
	if state.KeySuffix(key) == "" {
		key = req.Object + "." + req.Serial
	}
	bucket := state.BucketFor(key, req.Serial)

	existing, err := s.state.Get(r.Context(), bucket, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: object %s not found", errNotFoundCommand, key)
	}

	res, err := s.state.ApplyMerge(r.Context(), bucket, key, state.Value{req.Field: req.Raw})
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return nil, nil
	}
	return []*state.Object{res.Object}, nil
}

// errNotFoundCommand marks set commands referencing missing objects.
var errNotFoundCommand = errors.New("object not found")

// handleStatus serves a read-only projection of the cache.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	kc := authContext(r)
	if !kc.HasScope(ScopeRead) {
		writeForbidden(w, "read scope required")
		return
	}

	serials := s.state.Serials()
	sort.Strings(serials)

	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"devices":        len(serials),
		"serials":        serials,
	})
}

// handleDevices serves the full cached state of every device the key
// may see.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	kc := authContext(r)
	if !kc.HasScope(ScopeRead) {
		writeForbidden(w, "read scope required")
		return
	}

	ctx := r.Context()
	devices := make(map[string]map[string]*state.Object)
	for _, serial := range s.state.Serials() {
		if !kc.AllowsSerial(serial) {
			continue
		}
		objects, err := s.state.GetAll(ctx, serial)
		if err != nil {
			writeInternalError(w, "state unavailable")
			return
		}
		devices[serial] = objects
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleNotifyDevice forces a fan-out of a device's current objects to
// its parked subscribers. Debug surface.
func (s *Server) handleNotifyDevice(w http.ResponseWriter, r *http.Request) {
	kc := authContext(r)
	if !kc.HasScope(ScopeCommand) {
		writeForbidden(w, "command scope required")
		return
	}

	var req struct {
		Serial string `json:"serial"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Serial == "" {
		writeBadRequest(w, "serial is required")
		return
	}
	if !kc.AllowsSerial(req.Serial) {
		writeForbidden(w, "serial not permitted for this key")
		return
	}

	objects, err := s.state.GetAll(r.Context(), req.Serial)
	if err != nil {
		writeInternalError(w, "state unavailable")
		return
	}
	objs := make([]*state.Object, 0, len(objects))
	for _, obj := range objects {
		objs = append(objs, obj)
	}

	notified, removed := 0, 0
	if s.subs != nil {
		notified, removed = s.subs.NotifyAll(r.Context(), req.Serial, objs)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notified": notified,
		"removed":  removed,
	})
}

// handleClaim redeems a pairing code on behalf of the dashboard user.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	kc := authContext(r)
	if !kc.HasScope(ScopePair) {
		writeForbidden(w, "pair scope required")
		return
	}

	var req struct {
		Code   string `json:"code"`
		UserID string `json:"user_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeBadRequest(w, "code is required")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = kc.UserID
	}

	err := s.pairing.Claim(r.Context(), req.Code, userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"claimed": true})
	case errors.Is(err, pairing.ErrCodeNotFound):
		writeNotFound(w, "entry code not found")
	case errors.Is(err, pairing.ErrCodeExpired):
		writeBadRequest(w, "entry code expired")
	case errors.Is(err, pairing.ErrCodeClaimed), errors.Is(err, pairing.ErrAlreadyLinked):
		writeConflict(w, err.Error())
	default:
		s.logger.Error("claim failed", "error", err)
		writeInternalError(w, "claim failed")
	}
}

// audit records the command in the audit trail, best effort.
func (s *Server) audit(r *http.Request, kc *store.KeyContext, req commandRequest) {
	detail, _ := json.Marshal(req) //nolint:errcheck // commandRequest always marshals
	err := s.store.AppendAudit(r.Context(), store.AuditEntry{
		Actor:  kc.UserID,
		Action: req.Action,
		Serial: req.Serial,
		Detail: string(detail),
	})
	if err != nil {
		s.logger.Warn("audit append failed", "error", err)
	}
}

// clampTemp bounds a setpoint to the device-safe range.
func clampTemp(v float64) float64 {
	if v < minTargetTemp {
		return minTargetTemp
	}
	if v > maxTargetTemp {
		return maxTargetTemp
	}
	return v
}
