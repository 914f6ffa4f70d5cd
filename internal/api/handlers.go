package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// bookingsHandler lists the completed bookings of one user (GET /bookings?user=).
// The user parameter is required.
func (s *Server) bookingsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.bookingsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.bookingsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user := strings.TrimPrefix(strings.TrimSpace(r.URL.Query().Get("user")), "+")
	if user == "" {
		slog.Warn("Server.bookingsHandler: missing user parameter")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Query parameter 'user' is required"))
		return
	}
	bookings, err := s.st.ListBookings(r.Context(), user)
	if err != nil {
		slog.Error("Server.bookingsHandler: failed to list bookings", "error", err, "user", user)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch bookings"))
		return
	}
	if bookings == nil {
		bookings = []models.Booking{}
	}
	slog.Debug("Server.bookingsHandler: bookings fetched", "user", user, "count", len(bookings))
	writeJSONResponse(w, http.StatusOK, models.Success(bookings))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if s.media != nil {
		healthData["media_items"] = s.media.Len()
	}

	writeJSONResponse(w, http.StatusOK, models.Success(healthData))
}
