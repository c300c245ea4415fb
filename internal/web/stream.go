package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

// handleLiquidationStream replays liquidations after Last-Event-ID and then
// follows the log. Each event id is the record's log index.
func (s *Server) handleLiquidationStream(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	if !caller.IsAdmin() {
		writeError(w, &domain.Error{Kind: domain.KindUnauthorized, Message: "liquidation stream requires the admin role"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastIndex := s.parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("lastEventId"))

	var wake <-chan struct{}
	if s.broadcaster != nil {
		sub := s.broadcaster.Subscribe()
		defer s.broadcaster.Unsubscribe(sub)
		notify := make(chan struct{}, 1)
		go func() {
			for range sub {
				select {
				case notify <- struct{}{}:
				default:
				}
			}
		}()
		wake = notify
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	send := func() error {
		entries, err := s.engine.LiquidationsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			payload, err := json.Marshal(entry.Record)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", entry.Index)
			fmt.Fprintf(w, "event: liquidation\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			lastIndex = entry.Index
		}
		if len(entries) > 0 {
			flusher.Flush()
		}
		return nil
	}

	if err := send(); err != nil {
		s.logger.Error("liquidation stream initial load", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := send(); err != nil {
				s.logger.Error("liquidation stream poll", zap.Error(err))
			}
		case <-wake:
			if err := send(); err != nil {
				s.logger.Error("liquidation stream wake", zap.Error(err))
			}
		}
	}
}

// parseLastEventID extracts an SSE event ID from either the Last-Event-ID header or a query parameter.
// The header is preferred; the query parameter allows manual reconnects to resume from a known index.
func (s *Server) parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		s.logger.Debug("invalid last event id", zap.String("id", idStr), zap.Error(err))
		return 0
	}
	return id
}
