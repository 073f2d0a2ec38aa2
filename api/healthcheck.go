package api

import "net/http"

type subscriberCounter interface {
	Count() int
}

// healthCheckHandler reports liveness. Hubs that can count their subscribers add it to the metadata.
func (s *server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	resp := apiResponse{
		Success: true,
		Message: "OK",
	}

	if c, ok := s.hub.(subscriberCounter); ok {
		resp.Metadata = map[string]any{"live-subscribers": c.Count()}
	}

	s.writeJson(w, http.StatusOK, resp, nil) //nolint:errcheck
}
