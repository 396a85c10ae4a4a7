package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"adaptivechain/consensus/orchestrator"
)

const (
	wsWriteTimeout = 10 * time.Second
	maxBacklog     = 1000
)

// handleFinalizedWS streams finalized blocks. With ?from=<height> the
// certificates already issued from that height are replayed first.
func (s *Server) handleFinalizedWS(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid from height", http.StatusBadRequest)
			return
		}
		from = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamFinalized(ctx, conn, from); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Debug("finalized stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamFinalized(ctx context.Context, conn *websocket.Conn, from uint64) error {
	updates, cancel := s.cfg.Consensus.Subscribe(s.streamBuf)
	defer cancel()

	var replayed uint64
	if from > 0 {
		head := s.cfg.Certificates.FinalizedHeight()
		for h := from; h <= head && h-from < maxBacklog; h++ {
			cert, ok := s.cfg.Certificates.Certificate(h)
			if !ok {
				continue
			}
			if err := writeFinalized(ctx, conn, orchestrator.Finalized{Certificate: cert}); err != nil {
				return err
			}
			replayed = h
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Certificate == nil || update.Certificate.Height <= replayed {
				continue
			}
			if err := writeFinalized(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writeFinalized(ctx context.Context, conn *websocket.Conn, update orchestrator.Finalized) error {
	data, err := json.Marshal(finalizedView(update))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

