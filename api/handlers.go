package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/medseal/config"
	"github.com/jmcleod/medseal/content"
	"github.com/jmcleod/medseal/envelope"
	"github.com/jmcleod/medseal/internal/util"
)

// requiredEnvelopeFields must be present and non-empty in POST /upload.
var requiredEnvelopeFields = []string{"schema", "timestamp", "iv", "encrypted", "authTag"}

// multipartOverhead is allowed on top of the file limit for form framing.
const multipartOverhead = 1 << 20

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

// Config handles GET /config. The configuration is read on every request
// so operators can fix the environment without a restart.
func (a *API) Config(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.loadConfig()
	switch {
	case errors.Is(err, config.ErrInvalidMasterKey):
		a.audit.logFailure(AuditConfigIncomplete, r, "invalid master key")
		writeJSON(w, http.StatusInternalServerError, ConfigErrorResponse{
			Error:   "invalid master key",
			Message: "MASTER_KEY must be a 64-character hexadecimal string (32 bytes)",
		})
		return
	case err != nil:
		resp := ConfigErrorResponse{
			Error:   "configuration incomplete",
			Message: "Set CONTRACT_ADDRESS, CHAIN_ID, NETWORK_NAME and MASTER_KEY (or their NEXT_PUBLIC_ variants)",
		}
		if cfg != nil {
			resp.Missing = cfg.Missing()
		}
		a.audit.logFailure(AuditConfigIncomplete, r, err.Error())
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	a.audit.log(AuditConfigServed, r,
		slog.String("contract_address", cfg.ContractAddress),
		slog.Int64("chain_id", cfg.ChainID),
		slog.String("network", cfg.NetworkName),
	)
	writeJSON(w, http.StatusOK, cfg)
}

// Upload handles POST /upload. The body is an envelope; it is pinned as
// JSON and its meta hash is returned for the on-chain record.
func (a *API) Upload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxJSONBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.audit.logFailure(AuditEnvelopeRejected, r, "body too large")
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	env, err := parseUpload(body)
	if err != nil {
		a.audit.logFailure(AuditEnvelopeRejected, r, err.Error())
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Detail: err.Error()})
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		mapError(w, err)
		return
	}
	hash, err := envelope.MetaHashHex(env)
	if err != nil {
		mapError(w, err)
		return
	}

	pin, err := a.store.PinJSON(r.Context(), "", data)
	if err != nil {
		a.audit.logFailure(AuditPinFailed, r, err.Error(), slog.String("kind", "json"))
		writePinError(w, "Failed to pin payload", err)
		return
	}

	a.audit.logPin(AuditEnvelopePinned, r, pin.CID, pin.PinSize, slog.String("schema", env.Schema))
	writeJSON(w, http.StatusCreated, UploadResponse{
		CID:       pin.CID,
		PinSize:   pin.PinSize,
		Timestamp: formatPinTime(pin.Timestamp),
		MetaHash:  hash,
	})
}

// parseUpload checks the required fields and parses the envelope.
func parseUpload(body []byte) (*envelope.Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, errors.New("missing payload")
	}
	var missing []string
	for _, name := range requiredEnvelopeFields {
		v, ok := fields[name]
		if !ok || isEmptyJSON(v) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing fields in payload: %s", strings.Join(missing, ", "))
	}
	return envelope.Parse(body)
}

func isEmptyJSON(v json.RawMessage) bool {
	s := string(bytes.TrimSpace(v))
	return s == "" || s == "null" || s == `""` || s == "0" || s == "false"
}

// UploadFile handles POST /upload-file with a multipart "file" field. The
// attachment is pinned as-is; callers encrypt it beforehand if needed.
func (a *API) UploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxFileBytes+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.audit.logFailure(AuditFileRejected, r, "file too large")
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		a.audit.logFailure(AuditFileRejected, r, "no file")
		writeError(w, http.StatusBadRequest, `No file provided. Use multipart/form-data with field "file".`)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, a.maxFileBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if int64(len(data)) > a.maxFileBytes {
		a.audit.logFailure(AuditFileRejected, r, "file too large", slog.Int64("limit", a.maxFileBytes))
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	pin, err := a.store.PinFile(r.Context(), header.Filename, data)
	if err != nil {
		a.audit.logFailure(AuditPinFailed, r, err.Error(), slog.String("kind", "file"))
		writePinError(w, "Failed to pin file", err)
		return
	}

	sum := sha256.Sum256(data)
	a.audit.logPin(AuditFilePinned, r, pin.CID, pin.PinSize, slog.String("file_name", header.Filename))
	writeJSON(w, http.StatusCreated, UploadFileResponse{
		CID:       pin.CID,
		PinSize:   pin.PinSize,
		Timestamp: formatPinTime(pin.Timestamp),
		SHA256:    util.Hex0x(sum[:]),
		FileName:  header.Filename,
	})
}

// GetContent handles GET /content/{cid}. Content ids are immutable, so
// responses may be cached indefinitely.
func (a *API) GetContent(w http.ResponseWriter, r *http.Request) {
	id, err := content.ParseCID(chi.URLParam(r, "cid"))
	if err != nil {
		mapError(w, err)
		return
	}
	data, err := a.store.Fetch(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}

	ct := http.DetectContentType(data)
	if json.Valid(data) {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+id+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func formatPinTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}
