package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Liveroom/internal/room"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins restricts websocket upgrades by Origin header.
	// Empty allows every origin.
	AllowedOrigins []string
}

// NewRouter returns the relay's HTTP surface: the websocket endpoint, the
// room REST API and a health check.
func NewRouter(hub *Hub, opts RouterOptions) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	api := &roomAPI{hub: hub, log: hub.log.With("component", "room-api")}

	r := mux.NewRouter()
	r.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", ServeWs(hub, upgrader))

	r.HandleFunc("/api/room/{roomId}", api.getState).Methods(http.MethodGet)
	r.HandleFunc("/api/room/{roomId}/update", api.updateState).Methods(http.MethodPost)
	r.HandleFunc("/api/room/{roomId}/messages", api.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/room/{roomId}/message", api.postMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/room/{roomId}/participants", api.participants).Methods(http.MethodGet)

	return r
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Relay is healthy."))
}

// ServeWs returns an http.HandlerFunc that upgrades the request and hands the
// connection to the hub.
func ServeWs(hub *Hub, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection", "error", err)
			return
		}

		client := NewClient(hub, conn)
		if err := post(hub, hub.register, client); err != nil {
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients such as the CLI send no Origin.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

type roomAPI struct {
	hub *Hub
	log *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *roomAPI) getState(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	state, err := a.hub.store.GetRoomState(r.Context(), roomID)
	if err != nil {
		a.log.Error("failed to read room state", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *roomAPI) updateState(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	var patch room.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if patch.IsEmpty() {
		writeError(w, http.StatusBadRequest, ErrEmptyPatch)
		return
	}

	// The change is announced to the room even if persisting it failed.
	state, err := a.hub.UpdateRoomState(r.Context(), roomID, patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *roomAPI) listMessages(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	msgs, err := a.hub.store.ListChatMessages(r.Context(), roomID)
	if err != nil {
		a.log.Error("failed to list chat messages", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// postMessage persists a chat message without broadcasting it.
func (a *roomAPI) postMessage(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	var msg room.ChatMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	msg.ID = uuid.NewString()
	msg.RoomID = roomID
	msg.Role = room.ParseRole(string(msg.Role))
	msg.CreatedAt = time.Now().UTC()

	if err := a.hub.store.AppendChatMessage(r.Context(), roomID, msg); err != nil {
		a.log.Error("failed to persist chat message", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *roomAPI) participants(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	writeJSON(w, http.StatusOK, a.hub.Members(roomID))
}
