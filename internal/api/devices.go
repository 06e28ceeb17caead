package api

import (
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-sonoff/internal/account"
	"github.com/nerrad567/gray-logic-sonoff/internal/audit"
	"github.com/nerrad567/gray-logic-sonoff/internal/bridge"
	"github.com/nerrad567/gray-logic-sonoff/internal/command"
)

// maxDeviceIDLen bounds path parameters; eWeLink ids are ten hex digits.
const maxDeviceIDLen = 64

// commandAccepted is the 202 body for queued commands.
type commandAccepted struct {
	DeviceID string `json:"deviceid,omitempty"`
	Command  string `json:"command"`
	Sequence int64  `json:"sequence"`
}

// handleListDevices returns every known device, sorted by id.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.account.Devices()
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	st, found := s.account.DeviceState(id)
	if !found {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

// handleDeviceCommand decodes a command body and queues it for the device.
//
//	POST /api/v1/devices/1000abcdef/command
//	{"command":"switch","params":{"switch":"on"}}
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	req, err := command.DecodeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if req.Command == command.Devices {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "use /api/v1/refresh for a full refresh")
		return
	}

	s.submit(w, r, id, req)
}

// handleDeviceRefresh asks the cloud for one device's full record.
func (s *Server) handleDeviceRefresh(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	s.submit(w, r, id, command.Request{Command: command.Device})
}

// handleRefresh queues a refresh of every device on the account.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "", command.Request{Command: command.Devices})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, deviceID string, req command.Request) {
	seq, err := s.account.Submit(deviceID, req)
	if s.commands != nil {
		subject, _ := r.Context().Value(ctxKeySubject).(string)
		audit.Record(r.Context(), s.commands, s.logger, audit.NewEntry(audit.SourceAPI, subject, deviceID, req, seq, err))
	}

	switch {
	case err == nil:
		s.logger.Debug("command queued",
			"device_id", deviceID,
			"command", req.Command,
			"sequence", seq,
			"subject", r.Context().Value(ctxKeySubject),
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeJSON(w, http.StatusAccepted, commandAccepted{
			DeviceID: deviceID,
			Command:  req.Command,
			Sequence: seq,
		})
	case errors.Is(err, account.ErrUnknownDevice):
		writeNotFound(w, "device not found")
	case errors.Is(err, account.ErrNotReady):
		writeUnavailable(w, "account is not connected")
	case errors.Is(err, command.ErrInvalidMessage),
		errors.Is(err, command.ErrInvalidParams),
		errors.Is(err, command.ErrUnknownCommand):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		s.logger.Error("command submission failed", "device_id", deviceID, "command", req.Command, "error", err)
		writeInternalError(w, "failed to queue command")
	}
}

// connectionResponse combines account status with bridge counters.
type connectionResponse struct {
	account.Status
	Bridge *bridge.Metrics `json:"bridge,omitempty"`
}

func (s *Server) handleConnection(w http.ResponseWriter, _ *http.Request) {
	resp := connectionResponse{Status: s.account.Status()}
	if s.bridge != nil {
		m := s.bridge.Metrics()
		resp.Bridge = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

func deviceIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxDeviceIDLen {
		writeBadRequest(w, "invalid device ID")
		return "", false
	}
	return id, true
}
