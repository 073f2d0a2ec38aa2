package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thisisjab/logcast/engine"
	"github.com/thisisjab/logcast/entity"
)

// Line breaks in an event name would end the SSE field early.
var eventNameReplacer = strings.NewReplacer("\r", " ", "\n", " ")

type broadcastRequest struct {
	Text string `json:"text"`
	// Message is accepted as an alias of Text.
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata"`
	EmitType string         `json:"emitType"`
}

// broadcastMessageHandler stores a message and fans it out to live subscribers and the bus.
func (s *server) broadcastMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req broadcastRequest
	if s.returnOnError(w, r, s.readJson(w, r, &req)) {
		return
	}

	text := req.Text
	if text == "" {
		text = req.Message
	}

	if text == "" {
		s.writeError(w, r, http.StatusBadRequest, apiResponse{
			Success: false,
			Message: `Bad Request, "message" not set`,
		}, nil)
		return
	}

	msg, err := s.messages.Submit(r.Context(), engine.Submission{
		Text:     text,
		Metadata: req.Metadata,
		EmitType: req.EmitType,
	})
	if s.returnOnError(w, r, err) {
		return
	}

	s.writeJson( // nolint:errcheck
		w,
		http.StatusOK,
		apiResponse{
			Success: true,
			Message: "OK",
			Data:    msg,
		},
		nil,
	)
}

// getMessagesHandler returns today's messages, oldest first.
// `limit` keeps the newest N stored messages and `level` (repeatable) filters them afterwards.
func (s *server) getMessagesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r, http.MethodGet)
		return
	}

	params := r.URL.Query()

	// Anything that is not a positive integer means no limit.
	limit, err := strconv.Atoi(params.Get("limit"))
	if err != nil || limit < 0 {
		limit = 0
	}

	var levels []string
	for _, l := range params["level"] {
		if l != "" {
			levels = append(levels, l)
		}
	}

	msgs, err := s.messages.Query(r.Context(), engine.Query{Limit: limit, Levels: levels})
	if s.returnOnError(w, r, err) {
		return
	}

	if msgs == nil {
		msgs = []entity.LogMessage{}
	}

	s.writeJson(w, http.StatusOK, msgs, nil) //nolint:errcheck
}

// subscribeHandler streams broadcasts as server-sent events. `event` (repeatable) narrows the stream.
func (s *server) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	sub := s.hub.Subscribe(r.URL.Query()["event"]...)
	defer sub.Close()

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		s.logError(w, r, fmt.Errorf("streaming is not supported: %w", err))
		return
	}

	keepAlive := time.NewTicker(s.cfg.SubscribeKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventNameReplacer.Replace(ev.Name), ev.Data); err != nil {
				return
			}

		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}
