package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
	"github.com/angelmondragon/packfinderz-offline/pkg/types"
)

const maxResponseBytes = 1 << 20

// HTTPSenderParams configure an HTTPSender.
type HTTPSenderParams struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
	Logger    *logger.Logger
}

// HTTPSender maps mutations onto the sync endpoints:
//
//	create  POST   {base}/sync/{entity_type}
//	update  PUT    {base}/sync/{entity_type}/{id}
//	delete  DELETE {base}/sync/{entity_type}/{id}
type HTTPSender struct {
	base      *url.URL
	client    *http.Client
	userAgent string
	logg      *logger.Logger
}

func NewHTTPSender(params HTTPSenderParams) (*HTTPSender, error) {
	if strings.TrimSpace(params.BaseURL) == "" {
		return nil, errors.New("remote base url is required")
	}
	base, err := url.Parse(strings.TrimRight(params.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	client := params.Client
	if client == nil {
		timeout := params.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &HTTPSender{base: base, client: client, userAgent: params.UserAgent, logg: logg}, nil
}

func (s *HTTPSender) Send(ctx context.Context, req Request) (*Response, error) {
	method, endpoint, err := s.route(req)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Action != enums.ActionDelete && len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, Permanent(0, fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if s.userAgent != "" {
		httpReq.Header.Set("User-Agent", s.userAgent)
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, Transient("request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Transient("read response", err)
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"method":      method,
		"url":         endpoint,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	s.logg.Debug(logCtx, "remote.send")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, raw)
	}
	return decodeSuccess(req, raw)
}

func (s *HTTPSender) route(req Request) (string, string, error) {
	if !req.EntityType.IsValid() {
		return "", "", Permanent(0, fmt.Sprintf("unknown entity type %q", req.EntityType))
	}
	path := s.base.JoinPath("sync", string(req.EntityType))
	switch req.Action {
	case enums.ActionCreate:
		return http.MethodPost, path.String(), nil
	case enums.ActionUpdate, enums.ActionDelete:
		if req.EntityID == "" {
			return "", "", Permanent(0, "entity id is required")
		}
		method := http.MethodPut
		if req.Action == enums.ActionDelete {
			method = http.MethodDelete
		}
		return method, path.JoinPath(req.EntityID).String(), nil
	default:
		return "", "", Permanent(0, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func decodeSuccess(req Request, raw []byte) (*Response, error) {
	out := &Response{CanonicalID: req.EntityID}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}

	var record json.RawMessage
	if err := json.Unmarshal(raw, &types.SuccessEnvelope{Data: &record}); err != nil {
		return nil, Transient("decode response envelope", err)
	}
	if len(record) == 0 || string(record) == "null" {
		return out, nil
	}
	out.Record = record

	var ident struct {
		ID any `json:"id"`
	}
	// Numeric ids stay json.Number so large ones keep every digit.
	dec := json.NewDecoder(bytes.NewReader(record))
	dec.UseNumber()
	if err := dec.Decode(&ident); err == nil {
		switch id := ident.ID.(type) {
		case string:
			if id != "" {
				out.CanonicalID = id
			}
		case json.Number:
			out.CanonicalID = id.String()
		}
	}
	return out, nil
}

func decodeError(status int, raw []byte) error {
	remoteErr := &Error{
		Kind:       ClassifyStatus(status),
		StatusCode: status,
		Message:    http.StatusText(status),
	}
	var envelope types.ErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		remoteErr.Code = envelope.Error.Code
		remoteErr.Message = envelope.Error.Message
	}
	return remoteErr
}
