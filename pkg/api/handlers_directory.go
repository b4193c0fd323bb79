package api

import (
	"fmt"
	"net/http"
	"strings"

	"wequi-guard/pkg/directory"
)

// UserView is a directory user with its device count and login status.
type UserView struct {
	*directory.User
	Devices  int  `json:"device_count"`
	CanLogin bool `json:"login_enabled"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.writeError(w, http.StatusServiceUnavailable, "directory not available")
		return
	}
	users := s.directory.Users()
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		v := UserView{User: u, Devices: len(s.directory.DevicesOf(u.ID))}
		for _, acct := range s.auth.accounts {
			if acct.IsActive() && (acct.ID == u.ID || strings.EqualFold(acct.Username, u.Name)) {
				v.CanLogin = true
				break
			}
		}
		out = append(out, v)
	}
	s.writePage(w, out, Pagination{Limit: len(out), Total: len(out)})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.writeError(w, http.StatusServiceUnavailable, "directory not available")
		return
	}
	var devices []*directory.Device
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		if _, ok := s.directory.User(userID); !ok {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("user %q not found", userID))
			return
		}
		devices = s.directory.DevicesOf(userID)
	} else {
		devices = s.directory.Devices()
	}
	if devices == nil {
		devices = []*directory.Device{}
	}
	s.writePage(w, devices, Pagination{Limit: len(devices), Total: len(devices)})
}
