package derive

import (
	"context"
	"strings"

	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
)

// Logger defines the logging interface used by the Engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// userPrefix is the well-known account prefix stripped when a user id
// becomes a structure id or an object key suffix.
const userPrefix = "user_"

// FanTimerFields are the device fields that must survive a partial
// update that omits them. Firmware drops them from updates when the fan
// is idle, and losing them cancels a running fan timer.
var FanTimerFields = []string{
	"fan_timer_timeout",
	"fan_control_state",
	"fan_timer_duration",
	"fan_current_speed",
	"fan_mode",
}

// awayFields are the device fields whose change triggers user-aggregate
// recomputation.
var awayFields = []string{
	"away",
	"away_timestamp",
	"vacation_mode",
	"manual_away_timestamp",
}

// OwnerStore is the slice of the persistent store the engine consumes.
type OwnerStore interface {
	GetDeviceOwner(ctx context.Context, serial string) (*store.Owner, error)
	ListUserDevices(ctx context.Context, userID string) ([]string, error)
}

// Engine applies the derivation rules that keep user- and structure-
// level objects consistent with raw device updates.
type Engine struct {
	store  OwnerStore
	state  *state.Service
	logger Logger
}

// NewEngine creates a derivation engine.
func NewEngine(os OwnerStore, svc *state.Service) *Engine {
	return &Engine{
		store:  os,
		state:  svc,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// BareUserID strips the account prefix from a user id, yielding the
// form used in structure ids and object key suffixes.
func BareUserID(userID string) string {
	return strings.TrimPrefix(userID, userPrefix)
}

// PreserveFanTimer is a merge mutator restoring fan control fields the
// incoming update dropped. Runs post-merge, before revision comparison,
// so a no-op restoration does not advance the revision.
func PreserveFanTimer(_, key string, merged, prior state.Value) state.Value {
	if state.KeyType(key) != "device" || prior == nil {
		return merged
	}
	for _, field := range FanTimerFields {
		if merged[field] != nil {
			continue
		}
		if pv, ok := prior[field]; ok && pv != nil {
			merged[field] = pv
		}
	}
	return merged
}

// StructureBackfill returns a merge mutator that fills a missing
// structure_id on device objects from the registered owner.
func (e *Engine) StructureBackfill(ctx context.Context) state.Mutator {
	return func(serial, key string, merged, prior state.Value) state.Value {
		if state.KeyType(key) != "device" {
			return merged
		}
		if sid, ok := merged["structure_id"].(string); ok && sid != "" {
			return merged
		}

		owner, err := e.store.GetDeviceOwner(ctx, serial)
		if err != nil {
			e.logger.Warn("owner lookup for structure backfill failed", "serial", serial, "error", err)
			return merged
		}
		if owner == nil {
			return merged
		}
		merged["structure_id"] = BareUserID(owner.UserID)
		return merged
	}
}

// TouchesAwayState reports whether an incoming device update carries
// any of the fields feeding the user away aggregate.
func TouchesAwayState(incoming state.Value) bool {
	for _, field := range awayFields {
		if _, ok := incoming[field]; ok {
			return true
		}
	}
	return false
}

// RecomputeUserAway rebuilds the away aggregate on the owner's user
// object from every device they own: away iff all devices report away,
// the most recent away/manual-away stamps win, and vacation mode is an
// any-of. Returns the updated user object when it changed.
func (e *Engine) RecomputeUserAway(ctx context.Context, userID string) (*state.Object, error) {
	serials, err := e.store.ListUserDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(serials) == 0 {
		return nil, nil
	}

	allAway := true
	anyVacation := false
	var latestAwayTS, latestManualTS float64
	var awaySetter any

	for _, serial := range serials {
		obj, err := e.state.Get(ctx, serial, state.PrefixDevice+serial)
		if err != nil {
			return nil, err
		}
		if obj == nil || obj.Value == nil {
			allAway = false
			continue
		}

		if away, _ := obj.Value["away"].(bool); !away {
			allAway = false
		}
		if vacation, _ := obj.Value["vacation_mode"].(bool); vacation {
			anyVacation = true
		}
		if ts, ok := obj.Value["away_timestamp"].(float64); ok && ts > latestAwayTS {
			latestAwayTS = ts
			awaySetter = obj.Value["away_setter"]
		}
		if ts, ok := obj.Value["manual_away_timestamp"].(float64); ok && ts > latestManualTS {
			latestManualTS = ts
		}
	}

	aggregate := state.Value{
		"away":          allAway,
		"vacation_mode": anyVacation,
	}
	if latestAwayTS > 0 {
		aggregate["away_timestamp"] = latestAwayTS
	}
	if latestManualTS > 0 {
		aggregate["manual_away_timestamp"] = latestManualTS
	}
	if awaySetter != nil {
		aggregate["away_setter"] = awaySetter
	}

	bare := BareUserID(userID)
	res, err := e.state.ApplyMerge(ctx, bare, state.PrefixUser+bare, aggregate)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return nil, nil
	}
	return res.Object, nil
}

// RecomputeOwnerAway resolves a device's owner and recomputes their
// away aggregate. Used after device-originated updates.
func (e *Engine) RecomputeOwnerAway(ctx context.Context, serial string) (*state.Object, error) {
	owner, err := e.store.GetDeviceOwner(ctx, serial)
	if err != nil || owner == nil {
		return nil, err
	}
	return e.RecomputeUserAway(ctx, owner.UserID)
}

// EnsureAlertDialog creates the pairing-confirm alert dialog object for
// a serial if it does not already exist. Idempotent.
func (e *Engine) EnsureAlertDialog(ctx context.Context, serial string) (*state.Object, error) {
	key := state.PrefixAlertDialog + serial
	existing, err := e.state.Get(ctx, serial, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	res, err := e.state.ApplyMerge(ctx, serial, key, state.Value{
		"dialog_id":   "confirm-pairing",
		"dialog_data": "",
	})
	if err != nil {
		return nil, err
	}
	return res.Object, nil
}

// PropagateWeather pushes a freshly fetched weather payload into the
// user object of every owner whose devices report the postal code.
func (e *Engine) PropagateWeather(ctx context.Context, postal, country string, payload state.Value) {
	seen := make(map[string]bool)
	for _, serial := range e.state.Serials() {
		obj, err := e.state.Get(ctx, serial, state.PrefixDevice+serial)
		if err != nil || obj == nil {
			continue
		}
		pc, _ := obj.Value["postal_code"].(string)
		if pc != postal {
			continue
		}

		owner, err := e.store.GetDeviceOwner(ctx, serial)
		if err != nil || owner == nil {
			continue
		}
		if seen[owner.UserID] {
			continue
		}
		seen[owner.UserID] = true

		bare := BareUserID(owner.UserID)
		_, err = e.state.ApplyMerge(ctx, bare, state.PrefixUser+bare, state.Value{
			"weather": state.Value{
				"postal_code": postal,
				"country":     country,
				"data":        payload,
			},
		})
		if err != nil {
			e.logger.Warn("weather propagation failed", "user", owner.UserID, "error", err)
		}
	}
}
