package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rubble-game/rubble-backend/internal/registry"
)

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ListRooms reports the codes of live rooms.
func ListRooms(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []registry.RoomInfo, 1)
		select {
		case reg.Inbox() <- registry.List{Reply: reply}:
		case <-r.Context().Done():
			return
		}

		select {
		case rooms := <-reply:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(struct {
				Rooms []registry.RoomInfo `json:"rooms"`
			}{Rooms: rooms})
		case <-r.Context().Done():
		}
	}
}
