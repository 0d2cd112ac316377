package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hearthwire/hearthwire-core/internal/derive"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/subscribe"
)

// serviceTimestampHeader carries the server wall clock (milliseconds)
// on sync responses so devices can gauge clock skew.
const serviceTimestampHeader = "X-nl-service-timestamp"

// wireObject is the sync protocol's object shape. Revision and
// timestamp are pointers because "absent" and "zero" both mean the
// device holds nothing, and the update/probe split depends on telling a
// value-carrying write from a revision probe.
type wireObject struct {
	ObjectKey       string      `json:"object_key"`
	ObjectRevision  *int64      `json:"object_revision,omitempty"`
	ObjectTimestamp *int64      `json:"object_timestamp,omitempty"`
	Value           state.Value `json:"value,omitempty"`
}

// revision returns the claimed revision, zero when absent.
func (o *wireObject) revision() int64 {
	if o.ObjectRevision == nil {
		return 0
	}
	return *o.ObjectRevision
}

// timestamp returns the claimed timestamp, zero when absent.
func (o *wireObject) timestamp() int64 {
	if o.ObjectTimestamp == nil {
		return 0
	}
	return *o.ObjectTimestamp
}

// isUpdate reports whether this body object is a value write rather
// than a subscription probe.
func (o *wireObject) isUpdate() bool {
	return o.Value != nil && o.revision() == 0 && o.timestamp() == 0
}

// subscribeRequest is the body of POST /nest/transport.
type subscribeRequest struct {
	Session string       `json:"session,omitempty"`
	Chunked bool         `json:"chunked,omitempty"`
	Objects []wireObject `json:"objects"`
}

// putRequest is the body of POST /nest/transport/put.
type putRequest struct {
	Objects []wireObject `json:"objects"`
}

// objectsResponse is the JSON document every sync endpoint returns.
type objectsResponse struct {
	Objects []*state.Object `json:"objects"`
}

// handleList returns the identity of every object the server holds for
// a device, without values. Firmware calls this after a reconnect to
// discover what to probe.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serial := chi.URLParam(r, "serial")
	if serial == "" {
		serial = requestSerial(r)
	}

	if _, err := s.derive.EnsureAlertDialog(ctx, serial); err != nil {
		s.logger.Warn("ensuring alert dialog", "serial", serial, "error", err)
	}

	objects, err := s.state.GetAll(ctx, serial)
	if err != nil {
		writeUnavailable(w, "state unavailable")
		return
	}

	refs := make([]*state.Object, 0, len(objects))
	for _, obj := range objects {
		refs = append(refs, obj.Ref())
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })

	s.stampServiceTime(w)
	writeJSON(w, http.StatusOK, objectsResponse{Objects: refs})
}

// handleSubscribe is the sync protocol's core: it reconciles the
// device's claimed object revisions against server state, applies any
// value updates the device sent, and either answers immediately with
// the objects the device is behind on or parks the response until one
// of them advances.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serial := requestSerial(r)

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body")
		return
	}

	clientID := r.Header.Get(deviceIdentityHeader)

	var written []*state.Object
	var probes []wireObject

	for _, obj := range req.Objects {
		if obj.ObjectKey == "" {
			writeBadRequest(w, "object without object_key")
			return
		}
		if obj.isUpdate() {
			updated, err := s.applyDeviceUpdate(ctx, serial, clientID, obj)
			if err != nil {
				writeUnavailable(w, "state unavailable")
				return
			}
			if updated != nil {
				written = append(written, updated)
			}
			continue
		}
		probes = append(probes, obj)
	}

	written = append(written, s.applyDerived(ctx, serial, req.Objects)...)
	if len(written) > 0 {
		s.subs.NotifyAll(ctx, serial, written)
	}

	// Classify the probes: answer immediately when the client asked for
	// current state or holds stale state, absorb client-newer objects.
	var outdated []*state.Object
	var interests []subscribe.Interest
	for _, probe := range probes {
		bucket := state.BucketFor(probe.ObjectKey, serial)
		current, err := s.state.Get(ctx, bucket, probe.ObjectKey)
		if err != nil {
			writeUnavailable(w, "state unavailable")
			return
		}

		switch {
		case probe.revision() == 0 && probe.timestamp() == 0:
			// The client wants the current value now.
			if current != nil {
				outdated = append(outdated, current)
			}
		case state.IsServerNewer(current, probe.revision(), probe.timestamp()):
			outdated = append(outdated, current)
		case isClientNewer(current, probe.revision(), probe.timestamp()):
			accepted, err := s.state.AcceptClient(ctx, bucket, probe.ObjectKey,
				probe.revision(), probe.timestamp(), probe.Value)
			if err != nil {
				writeUnavailable(w, "state unavailable")
				return
			}
			s.subs.Notify(ctx, serial, probe.ObjectKey, accepted)
		}

		interests = append(interests, subscribe.Interest{
			Key:       probe.ObjectKey,
			Revision:  probe.revision(),
			Timestamp: probe.timestamp(),
		})
	}

	if len(outdated) > 0 {
		s.stampServiceTime(w)
		writeJSON(w, http.StatusOK, objectsResponse{Objects: outdated})
		return
	}

	if req.Chunked && len(interests) > 0 {
		s.parkSubscription(w, r, serial, req.Session, interests)
		return
	}

	s.stampServiceTime(w)
	w.WriteHeader(http.StatusOK)
}

// handlePut applies device pushes: every object deep-merges into server
// state, revisions advance only on real change, and parked subscribers
// wake afterwards.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serial := requestSerial(r)

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body")
		return
	}

	var responses []*state.Object
	var changed []*state.Object

	for _, obj := range req.Objects {
		if obj.ObjectKey == "" {
			writeBadRequest(w, "object without object_key")
			return
		}

		bucket := state.BucketFor(obj.ObjectKey, serial)
		res, err := s.state.ApplyMerge(ctx, bucket, obj.ObjectKey, obj.Value, s.deviceMutators(ctx, obj.ObjectKey)...)
		if err != nil {
			writeUnavailable(w, "state unavailable")
			return
		}

		if res.Changed {
			responses = append(responses, res.Object)
			changed = append(changed, res.Object)
		} else {
			// No-op writes mirror the identity without the value.
			responses = append(responses, res.Object.Ref())
		}
	}

	changed = append(changed, s.applyDerived(ctx, serial, req.Objects)...)
	if len(changed) > 0 {
		s.subs.NotifyAll(ctx, serial, changed)
	}

	s.stampServiceTime(w)
	writeJSON(w, http.StatusOK, objectsResponse{Objects: responses})
}

// applyDeviceUpdate merges a device-originated value write.
func (s *Server) applyDeviceUpdate(ctx context.Context, serial, clientID string, obj wireObject) (*state.Object, error) {
	bucket := state.BucketFor(obj.ObjectKey, serial)

	mutators := s.deviceMutators(ctx, obj.ObjectKey)
	if clientID != "" && state.KeyType(obj.ObjectKey) == "device" {
		mutators = append(mutators, annotateSource(clientID))
	}

	res, err := s.state.ApplyMerge(ctx, bucket, obj.ObjectKey, obj.Value, mutators...)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return nil, nil
	}
	return res.Object, nil
}

// deviceMutators returns the derivation mutators for a key: fan-timer
// preservation and structure backfill on device objects, nothing
// otherwise.
func (s *Server) deviceMutators(ctx context.Context, key string) []state.Mutator {
	if state.KeyType(key) != "device" {
		return nil
	}
	return []state.Mutator{
		derive.PreserveFanTimer,
		s.derive.StructureBackfill(ctx),
	}
}

// applyDerived recomputes user aggregates and kicks weather
// propagation for the device fields the request touched. Returns any
// derived objects that changed so they join the notify batch.
func (s *Server) applyDerived(ctx context.Context, serial string, objects []wireObject) []*state.Object {
	var derivedObjects []*state.Object
	awayTouched := false
	postal := ""

	for _, obj := range objects {
		if obj.Value == nil || state.KeyType(obj.ObjectKey) != "device" {
			continue
		}
		if derive.TouchesAwayState(obj.Value) {
			awayTouched = true
		}
		if pc, ok := obj.Value["postal_code"].(string); ok && pc != "" {
			postal = pc
		}
	}

	if awayTouched {
		userObj, err := s.derive.RecomputeOwnerAway(ctx, serial)
		if err != nil {
			s.logger.Warn("away recomputation failed", "serial", serial, "error", err)
		} else if userObj != nil {
			derivedObjects = append(derivedObjects, userObj)
		}
	}

	if postal != "" && s.weather != nil {
		// A fresh postal code warrants a weather refresh; the cache's
		// refresh hook handles propagation into user objects.
		go func() {
			lookupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.weather.Lookup(lookupCtx, postal); err != nil {
				s.logger.Debug("weather refresh after postal change failed", "postal", postal, "error", err)
			}
		}()
	}

	return derivedObjects
}

// parkSubscription holds the response open until a subscribed object
// advances or the sweeper expires the subscription. The goroutine
// blocks here but holds no locks; the subscription entry in the
// manager is what notify and shutdown operate on.
func (s *Server) parkSubscription(w http.ResponseWriter, r *http.Request, serial, session string, interests []subscribe.Interest) {
	sub := subscribe.NewSubscription(serial, session, interests)
	if !s.subs.Add(sub) {
		writeRateLimited(w, "too many subscriptions for device")
		return
	}
	defer s.subs.Remove(sub)
	defer sub.Finish()

	if s.presence != nil {
		s.presence.DeviceConnected(serial)
		defer func() {
			s.subs.Remove(sub)
			if s.subs.Count(serial) == 0 {
				s.presence.DeviceDisconnected(serial)
			}
		}()
	}

	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "application/json")
	s.stampServiceTime(w)
	w.WriteHeader(http.StatusOK)
	// First chunk is the empty keep-alive: flushing the header frame
	// tells the device the subscription is live.
	if flusher != nil {
		flusher.Flush()
	}

	select {
	case objs := <-sub.Result():
		if objs == nil {
			// Timeout or shutdown: close with an empty result.
			//nolint:errcheck // Best-effort write to response
			json.NewEncoder(w).Encode(objectsResponse{Objects: []*state.Object{}})
			return
		}
		//nolint:errcheck // Best-effort write to response
		json.NewEncoder(w).Encode(objectsResponse{Objects: objs})
		if flusher != nil {
			flusher.Flush()
		}
	case <-r.Context().Done():
		// Device went away; the deferred Remove discards the entry.
	}
}

// isClientNewer mirrors the server-newer rule from the client's side:
// the client wins on a higher revision or, at equal revisions, a later
// timestamp. A missing server object counts as revision zero.
func isClientNewer(server *state.Object, clientRev, clientTS int64) bool {
	var serverRev, serverTS int64
	if server != nil {
		serverRev = server.Revision
		serverTS = server.Timestamp
	}
	if clientRev != serverRev {
		return clientRev > serverRev
	}
	return clientTS > serverTS
}

// stampServiceTime sets the server wall clock header.
func (s *Server) stampServiceTime(w http.ResponseWriter) {
	w.Header().Set(serviceTimestampHeader, strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// annotateSource stamps a device update with the identity header it
// arrived under, so dashboards can tell device writes from their own.
func annotateSource(clientID string) state.Mutator {
	return func(_, _ string, merged, _ state.Value) state.Value {
		merged["touched_by"] = state.Value{"device_id": clientID}
		return merged
	}
}
