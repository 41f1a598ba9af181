package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const DefaultHumeStreamURL = "wss://api.hume.ai/v0/stream/models"

// StreamClassifier sends a single frame over the Hume streaming WebSocket and
// reads the first prediction back.
type StreamClassifier struct {
	url string
}

// NewStreamClassifier creates a streaming classifier for the given endpoint.
func NewStreamClassifier(url string) *StreamClassifier {
	if url == "" {
		url = DefaultHumeStreamURL
	}
	return &StreamClassifier{url: url}
}

type streamRequest struct {
	Data   string         `json:"data"`
	Models map[string]any `json:"models"`
}

type streamResponse struct {
	Error string          `json:"error,omitempty"`
	Code  json.RawMessage `json:"code,omitempty"`
	Face  *struct {
		Warning     string `json:"warning,omitempty"`
		Predictions []struct {
			Emotions []humeEmotion `json:"emotions"`
		} `json:"predictions"`
	} `json:"face,omitempty"`
}

// Classify implements Classifier.
func (s *StreamClassifier) Classify(ctx context.Context, apiKey string, frame []byte) (Scores, error) {
	if apiKey == "" {
		return nil, NewError(KindConfigurationMissing, "classifier api key is not configured", nil)
	}
	if len(frame) == 0 {
		return nil, NewError(KindDeviceUnavailable, "empty frame", nil)
	}

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{humeAPIKeyHeader: []string{apiKey}}),
	}
	conn, _, _, err := dialer.Dial(ctx, s.url)
	if err != nil {
		return nil, AsError(fmt.Errorf("hume stream: dial: %w", err))
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("hume stream close failed", "error", err)
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			slog.Debug("hume stream set deadline failed", "error", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	payload, err := json.Marshal(streamRequest{
		Data:   base64.StdEncoding.EncodeToString(frame),
		Models: map[string]any{"face": map[string]any{}},
	})
	if err != nil {
		return nil, fmt.Errorf("hume stream: marshal: %w", err)
	}
	if err := wsutil.WriteClientText(conn, payload); err != nil {
		return nil, s.ioError(ctx, "send frame", err)
	}

	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return nil, s.ioError(ctx, "read prediction", err)
	}
	return parseStreamResponse(data)
}

func (s *StreamClassifier) ioError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return NewError(KindTimeout, "timed out", ctx.Err())
	}
	return NewError(KindNetworkFailure, "hume stream: "+op, err)
}

func parseStreamResponse(data []byte) (Scores, error) {
	var resp streamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, NewError(KindMalformedResponse, "decode stream message", err)
	}
	if resp.Error != "" {
		msg := resp.Error
		if len(resp.Code) > 0 {
			msg = fmt.Sprintf("%s (code %s)", resp.Error, string(resp.Code))
		}
		return nil, NewError(KindClassifierError, msg, nil)
	}
	if resp.Face == nil {
		return nil, NewError(KindMalformedResponse, "stream message has no face model output", nil)
	}

	scores := Scores{}
	if len(resp.Face.Predictions) == 0 {
		if resp.Face.Warning != "" {
			slog.Debug("hume stream face warning", "warning", resp.Face.Warning)
		}
		return scores, nil
	}
	for _, e := range resp.Face.Predictions[0].Emotions {
		scores[e.Name] = e.Score
	}
	return scores, nil
}
