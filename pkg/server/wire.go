package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/backend"
	"github.com/ltessier/mediastore/pkg/compression"
	"github.com/ltessier/mediastore/pkg/record"
	"github.com/ltessier/mediastore/pkg/recordstore"
)

// OptionalKey distinguishes an absent key facet (the server generates one)
// from an explicit null (the facet is anonymous).
type OptionalKey struct {
	Set   bool
	Value *string
}

func (k *OptionalKey) UnmarshalJSON(b []byte) error {
	k.Set = true
	if string(b) == "null" {
		k.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	k.Value = &s
	return nil
}

type keysEnvelope struct {
	Read  OptionalKey `json:"read"`
	Write OptionalKey `json:"write"`
}

// presentedKeys are the credentials attached to a request.
type presentedKeys struct {
	Read  *string `json:"read"`
	Write *string `json:"write"`
}

type putFormat struct {
	Mime string `json:"mime"`
	Comp string `json:"comp"`
	Ext  string `json:"ext"`
}

type putPhysical struct {
	Family *string    `json:"family"`
	Format *putFormat `json:"format"`
}

type putPolicies struct {
	Delete   *record.PolicyRequest `json:"delete"`
	Compress *record.PolicyRequest `json:"compress"`
}

// putHeader is the JSON header part of an upload.
type putHeader struct {
	UID      string         `json:"uid"`
	Keys     *keysEnvelope  `json:"keys"`
	Physical *putPhysical   `json:"physical"`
	Policy   *putPolicies   `json:"policy"`
	Meta     map[string]any `json:"meta"`
}

type uidRequest struct {
	UID  string         `json:"uid"`
	Keys *presentedKeys `json:"keys"`
}

type metaUpdate struct {
	New     map[string]any `json:"new"`
	Removed []string       `json:"removed"`
}

type updateRequest struct {
	UID    string         `json:"uid"`
	Keys   *presentedKeys `json:"keys"`
	Policy *putPolicies   `json:"policy"`
	Meta   metaUpdate     `json:"meta"`
}

// describeView renders a record for clients: keys and physical.minRes are
// stripped; trusted callers additionally receive the resolved blob path and,
// on query results, the keys.
func describeView(r *record.Record, path string, withKeys bool) map[string]any {
	physical := map[string]any{
		"family": r.Physical.Family,
		"ctime":  r.Physical.Ctime,
		"atime":  r.Physical.Atime,
		"format": r.Physical.Format,
	}
	if path != "" {
		physical["path"] = path
	}
	view := map[string]any{
		"uid":      r.UID,
		"physical": physical,
		"policy":   r.Policy,
		"stats":    r.Stats,
		"meta":     r.Meta,
	}
	if withKeys {
		view["keys"] = r.Keys
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("unable to write response", logger.Err(err))
	}
}

// respondError translates an error into its HTTP status per the server's
// error taxonomy, alerting on conditions that indicate infrastructure
// trouble rather than client mistakes.
func (s *Server) respondError(w http.ResponseWriter, operation string, err error) {
	var unknownFormat *compression.ErrUnknownFormat

	switch {
	case errors.Is(err, recordstore.ErrNotFound):
		http.Error(w, "no such record", http.StatusNotFound)
	case errors.Is(err, recordstore.ErrExists):
		http.Error(w, "record already exists", http.StatusConflict)
	case errors.Is(err, recordstore.ErrUnavailable):
		logger.Error("record store unavailable", logger.KeyOperation, operation, logger.Err(err))
		s.alerts.Send("Record store unavailable during " + operation + ": " + err.Error())
		http.Error(w, "record store unavailable", http.StatusServiceUnavailable)
	case backend.IsNotFound(err):
		http.Error(w, "no such entity", http.StatusNotFound)
	case errors.As(err, &unknownFormat):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("request failed", logger.KeyOperation, operation, logger.Err(err))
		s.alerts.Send("Error during " + operation + ": " + err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// badRequest reports a malformed envelope.
func badRequest(w http.ResponseWriter, reason string) {
	http.Error(w, reason, http.StatusConflict)
}
