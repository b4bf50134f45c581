package rooms

import (
	"context"
	"net/http"
	"sort"

	"docsync-server/core"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	RoomInfo struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive *int64 `json:"lastActive,omitempty"`
	}

	// ActiveRooms reports the member count of every open room.
	ActiveRooms interface {
		ActiveRooms() map[string]int
	}
)

// HandleList merges open rooms with the activity the store remembers.
// tracker may be nil.
func HandleList(active ActiveRooms, tracker core.RoomTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, List(r.Context(), active, tracker))
	}
}

// List orders rooms by member count, then most recently active, then id.
func List(ctx context.Context, active ActiveRooms, tracker core.RoomTracker) []RoomInfo {
	roomMap := make(map[string]*RoomInfo)
	for id, count := range active.ActiveRooms() {
		roomMap[id] = &RoomInfo{ID: id, Users: count}
	}

	if tracker != nil {
		if storedRooms, err := tracker.ListRooms(ctx); err != nil {
			logrus.WithError(err).Warn("failed to list rooms from store")
		} else {
			for _, room := range storedRooms {
				entry, exists := roomMap[room.ID]
				if !exists {
					entry = &RoomInfo{ID: room.ID}
					roomMap[room.ID] = entry
				}
				if room.LastActive > 0 {
					lastActive := room.LastActive
					entry.LastActive = &lastActive
				}
			}
		}
	}

	roomList := make([]RoomInfo, 0, len(roomMap))
	for _, entry := range roomMap {
		roomList = append(roomList, *entry)
	}

	sort.Slice(roomList, func(i, j int) bool {
		if roomList[i].Users != roomList[j].Users {
			return roomList[i].Users > roomList[j].Users
		}
		li, lj := lastActive(roomList[i]), lastActive(roomList[j])
		if li != lj {
			return li > lj
		}
		return roomList[i].ID < roomList[j].ID
	})
	return roomList
}

func lastActive(r RoomInfo) int64 {
	if r.LastActive == nil {
		return 0
	}
	return *r.LastActive
}
