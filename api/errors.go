package api

import (
	"errors"
	"net/http"

	"github.com/thisisjab/logcast/fault"
)

func (s *server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var f fault.Fault
	if errors.As(err, &f) {
		switch f.Code() {
		case fault.BadInputCode:
			res := apiResponse{Success: false, Message: f.Message()}
			if md, ok := f.Metadata().(fault.FieldErrorsMetadata); ok {
				res.Metadata = map[string]any{"fields": md}
			} else if f.Metadata() != nil {
				res.Metadata = map[string]any{"context": f.Metadata()}
			}
			s.writeError(w, r, http.StatusBadRequest, res, nil)

		case fault.StorageCode:
			s.logError(w, r, f)
			s.writeError(w, r, http.StatusInternalServerError, apiResponse{Success: false, Message: f.Message()}, nil)

		case fault.DispatchCode:
			// The message is stored already, only bus consumers missed it.
			s.logError(w, r, f)
			s.writeError(w, r, http.StatusBadGateway, apiResponse{Success: false, Message: f.Message()}, nil)

		default:
			s.internalServerError(w, r, f)
		}

		return
	}

	s.internalServerError(w, r, err)
}

func (s *server) logError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.RequestURI, "remote-addr", r.RemoteAddr, "request-id", requestID(r.Context()), "error", err)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, response apiResponse, headers http.Header) {
	s.writeJson(w, status, response, headers) //nolint:errcheck
}

func (s *server) internalServerError(w http.ResponseWriter, r *http.Request, err error) {
	s.logError(w, r, err)
	s.writeError(w, r, http.StatusInternalServerError, apiResponse{Success: false, Message: "Internal server error"}, nil)
}
