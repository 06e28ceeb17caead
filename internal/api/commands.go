package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-sonoff/internal/audit"
)

// handleListCommands pages through the command log.
//
//	GET /api/v1/commands?device_id=1000abcdef&source=mqtt&outcome=rejected&limit=20&offset=40
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeUnavailable(w, "command log unavailable")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: q.Get("device_id"),
		Source:   q.Get("source"),
		Outcome:  q.Get("outcome"),
	}
	if len(filter.DeviceID) > maxDeviceIDLen {
		writeBadRequest(w, "invalid device ID")
		return
	}

	var err error
	if filter.Limit, err = optionalInt(q.Get("limit")); err != nil || filter.Limit < 0 {
		writeBadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = optionalInt(q.Get("offset")); err != nil || filter.Offset < 0 {
		writeBadRequest(w, "invalid offset")
		return
	}

	page, err := s.commands.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing command log", "error", err)
		writeInternalError(w, "failed to load command log")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
