package feed

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tqbf/patchkit/pkg/paths"
)

// ChunkSize bounds the binary frames an archive is streamed in.
const ChunkSize = 256 << 10

// Server publishes the patches under a patches directory.
type Server struct {
	dir    string
	token  string
	logger *slog.Logger
}

func NewServer(patchesDir, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dir: patchesDir, token: token, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/feed/{platform}", s.handleFeed)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("feed listening", "addr", addr, "dir", s.dir)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSONError(w, http.StatusUnauthorized, "invalid or missing token", "unauthorized")
		return
	}
	platform := r.PathValue("platform")
	if err := validatePlatform(platform); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error(), "unknown_platform")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(64 << 10)
	defer conn.CloseNow()

	logger := s.logger.With("platform", platform, "remote", r.RemoteAddr)
	ctx := r.Context()
	for {
		var req Request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Debug("feed read", "err", err)
			}
			return
		}

		var serveErr error
		switch req.Cmd {
		case CmdIndex:
			serveErr = s.serveIndex(ctx, conn, platform)
		case CmdFetch:
			serveErr = s.serveFetch(ctx, conn, platform, req.Name)
		default:
			serveErr = wsjson.Write(ctx, conn, Response{
				Type:    TypeError,
				Message: fmt.Sprintf("unknown cmd %q", req.Cmd),
			})
		}
		if serveErr != nil {
			logger.Warn("feed request failed", "cmd", req.Cmd, "err", serveErr)
			return
		}
	}
}

func (s *Server) serveIndex(ctx context.Context, conn *websocket.Conn, platform string) error {
	idx, err := LoadIndex(s.dir, platform)
	if err != nil {
		return s.sendError(ctx, conn, err)
	}
	return wsjson.Write(ctx, conn, Response{Type: TypeIndex, Patches: idx.Patches})
}

func (s *Server) serveFetch(ctx context.Context, conn *websocket.Conn, platform, name string) error {
	idx, err := LoadIndex(s.dir, platform)
	if err != nil {
		return s.sendError(ctx, conn, err)
	}
	entry, ok := idx.Lookup(name)
	if !ok {
		return s.sendError(ctx, conn, fmt.Errorf("no patch named %q", name))
	}
	path, err := paths.Resolve(PlatformDir(s.dir, platform), entry.File)
	if err != nil {
		return s.sendError(ctx, conn, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return s.sendError(ctx, conn, fmt.Errorf("open %s: %w", entry.File, err))
	}
	defer f.Close()

	err = wsjson.Write(ctx, conn, Response{
		Type:   TypeBegin,
		Name:   entry.Name,
		File:   entry.File,
		Size:   entry.Size,
		Digest: entry.Digest,
	})
	if err != nil {
		return err
	}

	buf := make([]byte, ChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.sendError(ctx, conn, fmt.Errorf("read %s: %w", entry.File, err))
		}
	}
	return wsjson.Write(ctx, conn, Response{Type: TypeEnd, Name: entry.Name})
}

// sendError reports err to the client and keeps the session open.
func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, err error) error {
	return wsjson.Write(ctx, conn, Response{Type: TypeError, Message: err.Error()})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
