package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tqbf/patchkit/pkg/digest"
	"github.com/tqbf/patchkit/pkg/paths"
)

// ErrDigestMismatch is returned when a downloaded archive does not
// match the size or digest the server announced.
var ErrDigestMismatch = errors.New("downloaded patch does not match its digest")

// Client talks to a patch feed for one platform.
type Client struct {
	BaseURL    string
	Platform   string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, platform, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Platform:   platform,
		Token:      token,
		HTTPClient: http.DefaultClient,
	}
}

// APIError is a failure reported by the feed server, either as an
// HTTP status during the handshake or as an error frame.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode == 0:
		return "feed: " + e.Message
	case e.Code != "":
		return fmt.Sprintf("feed %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("feed %d: %s", e.StatusCode, e.Message)
}

func parseAPIError(status int, body []byte) error {
	var parsed struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return &APIError{StatusCode: status, Message: parsed.Error, Code: parsed.Code}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}

// Session is an open feed connection. It is not safe for concurrent use.
type Session struct {
	ws *websocket.Conn
}

func (c *Client) feedURL() string {
	return httpToWS(fmt.Sprintf("%s/v1/feed/%s", c.BaseURL, c.Platform))
}

func (c *Client) Dial(ctx context.Context) (*Session, error) {
	opts := &websocket.DialOptions{HTTPClient: c.HTTPClient}
	if c.Token != "" {
		opts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + c.Token},
		}
	}
	conn, resp, err := websocket.Dial(ctx, c.feedURL(), opts)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, parseAPIError(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	conn.SetReadLimit(16 << 20)
	return &Session{ws: conn}, nil
}

func (s *Session) Close() error {
	return s.ws.Close(websocket.StatusNormalClosure, "")
}

// Index returns every patch the feed publishes, oldest first.
func (s *Session) Index(ctx context.Context) ([]Entry, error) {
	if err := wsjson.Write(ctx, s.ws, Request{Cmd: CmdIndex}); err != nil {
		return nil, fmt.Errorf("send index request: %w", err)
	}
	resp, err := s.readResponse(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Type != TypeIndex {
		return nil, fmt.Errorf("unexpected %q response to index", resp.Type)
	}
	return resp.Patches, nil
}

// Fetch downloads the named patch into destDir and returns the path of
// the completed file. Nothing is left in destDir unless the download
// is complete and matches the announced size and digest.
func (s *Session) Fetch(ctx context.Context, name, destDir string) (string, error) {
	if err := wsjson.Write(ctx, s.ws, Request{Cmd: CmdFetch, Name: name}); err != nil {
		return "", fmt.Errorf("send fetch request: %w", err)
	}
	begin, err := s.readResponse(ctx)
	if err != nil {
		return "", err
	}
	if begin.Type != TypeBegin {
		return "", fmt.Errorf("unexpected %q response to fetch", begin.Type)
	}
	dest, err := paths.Resolve(destDir, begin.File)
	if err != nil || strings.Contains(begin.File, "/") {
		return "", fmt.Errorf("server sent unusable file name %q", begin.File)
	}

	tmp, err := os.CreateTemp(destDir, ".tmp-"+begin.File+"-")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	tmpPath := tmp.Name()
	done := false
	defer func() {
		if !done {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	dw := digest.NewWriter()
	w := io.MultiWriter(tmp, dw)
	for {
		typ, data, err := s.ws.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", name, err)
		}
		if typ == websocket.MessageBinary {
			if _, err := w.Write(data); err != nil {
				return "", fmt.Errorf("write %s: %w", tmpPath, err)
			}
			continue
		}
		resp, err := ParseResponse(data)
		if err != nil {
			return "", err
		}
		if resp.Type == TypeError {
			return "", &APIError{Message: resp.Message}
		}
		if resp.Type == TypeEnd {
			break
		}
		return "", fmt.Errorf("unexpected %q frame during download", resp.Type)
	}

	if dw.Size() != begin.Size || dw.Sum() != begin.Digest {
		return "", fmt.Errorf("%w: %s", ErrDigestMismatch, name)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("rename download: %w", err)
	}
	done = true
	return dest, nil
}

func (s *Session) readResponse(ctx context.Context) (*Response, error) {
	typ, data, err := s.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected binary frame")
	}
	resp, err := ParseResponse(data)
	if err != nil {
		return nil, err
	}
	if resp.Type == TypeError {
		return nil, &APIError{Message: resp.Message}
	}
	return resp, nil
}

func httpToWS(u string) string {
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "ws://" + rest
	}
	return u
}
