package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/getpup/pupledger/es"
)

type appendRequest struct {
	// ExpectedVersion is "any", "no_stream" or a version number
	ExpectedVersion json.RawMessage `json:"expected_version"`
	Events          []eventRequest  `json:"events"`
}

type eventRequest struct {
	TenantID  *uuid.UUID      `json:"tenant_id,omitempty"`
	EventID   *uuid.UUID      `json:"event_id,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type eventResponse struct {
	CreatedAt     time.Time       `json:"created_at"`
	TenantID      *string         `json:"tenant_id,omitempty"`
	EventID       string          `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata"`
	StreamVersion int64           `json:"stream_version"`
	GlobalID      int64           `json:"global_id"`
}

type appendResponse struct {
	StreamID  string  `json:"stream_id"`
	Versions  []int64 `json:"versions"`
	GlobalIDs []int64 `json:"global_ids"`
}

type cursorRequest struct {
	Position *int64 `json:"position"`
}

//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func toResponse(e es.Event) eventResponse {
	r := eventResponse{
		CreatedAt:     e.CreatedAt.UTC(),
		EventID:       e.EventID.String(),
		StreamID:      e.StreamID,
		EventType:     e.EventType,
		Payload:       json.RawMessage(e.Payload),
		Metadata:      json.RawMessage(es.MetadataOrDefault(e.Metadata)),
		StreamVersion: e.StreamVersion,
		GlobalID:      e.GlobalID,
	}
	if e.TenantID.Valid {
		tenant := e.TenantID.UUID.String()
		r.TenantID = &tenant
	}
	return r
}

func toResponses(events []es.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for i := range events {
		out = append(out, toResponse(events[i]))
	}
	return out
}

func parseExpected(raw json.RawMessage) (es.ExpectedVersion, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return es.Any(), nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return es.ParseExpectedVersion(text)
	}
	var number int64
	if err := json.Unmarshal(raw, &number); err != nil {
		return es.ExpectedVersion{}, &es.ValidationError{Field: "expected_version", Reason: "must be a string or an integer", Index: -1}
	}
	return es.ParseExpectedVersion(strconv.FormatInt(number, 10))
}

func queryInt64(c *gin.Context, name string, def int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &es.ValidationError{Field: name, Reason: "must be an integer", Index: -1}
	}
	return v, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAppend(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)

	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &es.ValidationError{Field: "body", Reason: err.Error(), Index: -1})
		return
	}
	expected, err := parseExpected(req.ExpectedVersion)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(req.Events) == 0 {
		writeError(c, &es.ValidationError{Field: "events", Reason: "must not be empty", Index: -1})
		return
	}

	pending := make([]es.PendingEvent, 0, len(req.Events))
	for _, e := range req.Events {
		p := es.PendingEvent{
			EventType: e.EventType,
			Payload:   []byte(e.Payload),
			Metadata:  []byte(e.Metadata),
		}
		if e.TenantID != nil {
			p.TenantID = uuid.NullUUID{UUID: *e.TenantID, Valid: true}
		}
		if e.EventID != nil {
			p.EventID = *e.EventID
		}
		pending = append(pending, p)
	}

	result, err := s.ledger.Append(c.Request.Context(), c.Param("stream"), expected, pending...)
	if err != nil {
		if es.IsConcurrencyConflict(err) {
			s.logger.Info(c.Request.Context(), "append conflict", "stream_id", c.Param("stream"), "error", err)
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, appendResponse{
		StreamID:  result.StreamID,
		Versions:  result.Versions,
		GlobalIDs: result.GlobalIDs,
	})
}

func (s *Server) handleReadStream(c *gin.Context) {
	from, err := queryInt64(c, "from_version", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	limit, err := queryInt64(c, "limit", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	opts := es.ReadStreamOptions{FromVersion: from, Limit: int(limit)}
	if c.Query("to_version") != "" {
		to, err := queryInt64(c, "to_version", 0)
		if err != nil {
			writeError(c, err)
			return
		}
		opts.ToVersion = &to
	}

	stream, err := s.ledger.ReadStream(c.Request.Context(), c.Param("stream"), opts)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream_id": c.Param("stream"),
		"version":   stream.Version(),
		"events":    toResponses(stream.Events),
	})
}

func (s *Server) handleStreamVersion(c *gin.Context) {
	version, err := s.ledger.GetStreamVersion(c.Request.Context(), c.Param("stream"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": c.Param("stream"),
		"version":   version,
		"exists":    version != es.NoStreamVersion,
	})
}

func (s *Server) handleReadAll(c *gin.Context) {
	after, err := queryInt64(c, "after", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	batch, err := queryInt64(c, "batch_size", 0)
	if err != nil {
		writeError(c, err)
		return
	}

	events, err := s.ledger.ReadAll(c.Request.Context(), es.ReadAllOptions{
		After:      after,
		BatchSize:  int(batch),
		EventTypes: c.QueryArray("type"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	next := after
	if len(events) > 0 {
		next = events[len(events)-1].GlobalID
	}
	c.JSON(http.StatusOK, gin.H{
		"events":     toResponses(events),
		"next_after": next,
	})
}

func (s *Server) handleGetCursor(c *gin.Context) {
	position, err := s.ledger.GetSubscriptionPosition(c.Request.Context(), c.Param("subscription"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription_id": c.Param("subscription"),
		"position":        position,
	})
}

func (s *Server) handleSetCursor(c *gin.Context) {
	var req cursorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &es.ValidationError{Field: "body", Reason: err.Error(), Index: -1})
		return
	}
	if req.Position == nil {
		writeError(c, &es.ValidationError{Field: "position", Reason: "is required", Index: -1})
		return
	}

	if err := s.ledger.UpdateSubscriptionPosition(c.Request.Context(), c.Param("subscription"), *req.Position); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
