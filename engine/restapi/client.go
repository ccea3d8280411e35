package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"SupportChat/engine/wire"
	"SupportChat/global"
	"SupportChat/tools/errs"
)

// Client is the request/response fallback to the persistence backend,
// used when the stream is unavailable and for history fetches on
// resume/reconnect. The backend itself is an external collaborator;
// only its endpoint shapes are fixed here.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(base, token string, cfg global.EngineConfig) *Client {
	cfg.Norm()
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// HistoryMessage is one entry of GET /sessions/{id}/messages.
type HistoryMessage struct {
	MessageID     string            `json:"messageId"`
	ParticipantID string            `json:"participantId,omitempty"`
	Sender        wire.Sender       `json:"sender"`
	Body          string            `json:"body,omitempty"`
	Attachments   []wire.Attachment `json:"attachments,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// CreateSession requests a new session for the participant.
func (c *Client) CreateSession(ctx context.Context, participantID string) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	in := map[string]string{"participantId": participantID}
	if err := c.do(ctx, http.MethodPost, "/sessions", in, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", errs.New("backend returned empty sessionId")
	}
	return out.SessionID, nil
}

// History returns the ordered message history of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]HistoryMessage, error) {
	var out struct {
		Messages []HistoryMessage `json:"messages"`
	}
	path := "/sessions/" + sessionID + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PostMessage delivers a message over REST when the stream is down,
// returning the backend-assigned message id.
func (c *Client) PostMessage(ctx context.Context, sessionID, body string, atts []wire.Attachment) (string, error) {
	var out struct {
		MessageID string `json:"messageId"`
	}
	in := map[string]any{"body": body, "attachments": atts}
	path := "/sessions/" + sessionID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

func (c *Client) MarkRead(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/read", nil, nil)
}

func (c *Client) CloseSession(ctx context.Context, sessionID, reason string) error {
	in := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPatch, "/sessions/"+sessionID+"/close", in, nil)
}

// Upload pushes attachment bytes to the backend and returns the
// attachment descriptor with its served URL.
func (c *Client) Upload(ctx context.Context, filename, mimeType string, data []byte) (wire.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return wire.Attachment{}, errs.ErrUploadFailed.WrapMsg("form file", "err", err)
	}
	if _, err := fw.Write(data); err != nil {
		return wire.Attachment{}, errs.ErrUploadFailed.WrapMsg("write form", "err", err)
	}
	_ = mw.WriteField("mimeType", mimeType)
	if err := mw.Close(); err != nil {
		return wire.Attachment{}, errs.ErrUploadFailed.WrapMsg("close form", "err", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/uploads", &buf)
	if err != nil {
		return wire.Attachment{}, errs.ErrUploadFailed.WrapMsg("build request", "err", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return wire.Attachment{}, errs.ErrUploadFailed.WrapMsg("upload", "err", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return wire.Attachment{}, errs.ErrUploadFailed.WrapMsg("upload status", "status", resp.StatusCode)
	}
	var att wire.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		return wire.Attachment{}, errs.ErrUploadFailed.WrapMsg("decode upload response", "err", err)
	}
	return att, nil
}

// ---- plumbing ----

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errs.WrapMsg(err, "marshal request", "path", path)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errs.WrapMsg(err, "build request", "path", path)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.ErrTransportUnavailable.WrapMsg("backend request", "path", path, "err", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.ErrSendFailed.WrapMsg("backend status",
			"path", path, "status", resp.StatusCode, "body", strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.WrapMsg(err, fmt.Sprintf("decode response %s", path))
	}
	return nil
}
