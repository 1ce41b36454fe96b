package api

import (
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/nerrad567/sitelink-core/internal/gateway"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt"
)

// publishRequest is the body of POST /publish. Payload may be any JSON value;
// a JSON string is sent as its raw text, anything else as encoded JSON.
type publishRequest struct {
	Topic   string              `json:"topic"`
	Payload jsoniter.RawMessage `json:"payload"`
	QoS     *byte               `json:"qos,omitempty"`
	Retain  bool                `json:"retain"`
}

func (p publishRequest) payloadBytes() ([]byte, error) {
	if len(p.Payload) > 0 && p.Payload[0] == '"' {
		var text string
		if err := json.Unmarshal(p.Payload, &text); err != nil {
			return nil, err
		}
		return []byte(text), nil
	}
	return p.Payload, nil
}

// handlePublish publishes a message on every connected broker leg.
//
// Responses:
//   - 200: sent on at least one leg
//   - 202: no leg connected, the message is held until one connects
//   - 400: invalid topic, QoS or payload
//   - 502: every connected leg rejected the publish
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "topic is required")
		return
	}
	payload, err := req.payloadBytes()
	if err != nil {
		writeBadRequest(w, "invalid payload")
		return
	}

	opts := mqtt.PublishOptions{QoS: 1, Retain: req.Retain}
	if req.QoS != nil {
		opts.QoS = *req.QoS
	}

	err = s.gateway.Publish(req.Topic, payload, opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "published", "topic": req.Topic})
	case errors.Is(err, gateway.ErrNoActiveConnection):
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "deferred", "topic": req.Topic})
	case errors.Is(err, gateway.ErrPublishAllFailed):
		s.logger.Warn("publish failed on all legs", "topic", req.Topic, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "publish failed on all broker connections")
	case errors.Is(err, mqtt.ErrInvalidTopic), errors.Is(err, mqtt.ErrInvalidQoS), errors.Is(err, mqtt.ErrPublishFailed):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		s.logger.Error("publish failed", "topic", req.Topic, "error", err)
		writeInternalError(w, "publish failed")
	}
}
