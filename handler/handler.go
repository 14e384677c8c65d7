package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"care-mediator/internal/usecase"
)

// Mediator handles one inbound messaging event to completion.
type Mediator interface {
	HandleEvent(ctx context.Context, ev usecase.Event) error
}

// SignatureVerifier checks a webhook body against its X-Line-Signature header.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, body []byte, signature string) (bool, error)
}

type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type okResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// webhookPayload is the Messaging API delivery shape: a batch of events, each
// processed independently.
type webhookPayload struct {
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Source     struct {
		UserID string `json:"userId"`
	} `json:"source"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

type Handler struct {
	mediator Mediator
	verifier SignatureVerifier
}

func NewHandler(m Mediator, v SignatureVerifier) (*Handler, error) {
	if m == nil {
		return nil, errors.New("handler: mediator must not be nil")
	}
	if v == nil {
		return nil, errors.New("handler: signature verifier must not be nil")
	}
	return &Handler{mediator: m, verifier: v}, nil
}

// Handle processes one webhook delivery. The signature is verified against
// the raw body before anything is parsed; events in the batch run
// concurrently and any single failure fails the delivery so the platform
// retries it.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (Response, error) {
	correlationID := headerValue(event.Headers, "x-correlation-id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := slog.With("correlation_id", correlationID)

	signature := headerValue(event.Headers, "x-line-signature")
	valid, err := h.verifier.VerifySignature(ctx, []byte(event.Body), signature)
	if err != nil {
		logger.Error("signature verification failed", "err", err)
		return jsonResponse(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal), Reason: "signature_check_error"}), nil
	}
	if !valid {
		logger.Warn("webhook signature rejected")
		return jsonResponse(http.StatusForbidden, correlationID, errorResponse{Error: "INVALID_SIGNATURE"}), nil
	}

	var payload webhookPayload
	if err := json.Unmarshal([]byte(event.Body), &payload); err != nil {
		logger.Warn("malformed webhook body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidCommand), Reason: "malformed_body"}), nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(payload.Events))
	for _, ev := range payload.Events {
		if ev.Type != "message" {
			continue
		}
		wg.Add(1)
		go func(ev webhookEvent) {
			defer wg.Done()
			err := h.mediator.HandleEvent(ctx, usecase.Event{
				SenderID:    ev.Source.UserID,
				MessageType: ev.Message.Type,
				Text:        ev.Message.Text,
				ReplyToken:  ev.ReplyToken,
			})
			if err != nil {
				logger.Error("event handling failed", "sender", ev.Source.UserID, "err", err)
				errCh <- err
			}
		}(ev)
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		status, body := errorBody(err)
		return jsonResponse(status, correlationID, body), nil
	}

	logger.Info("webhook processed", "events", len(payload.Events))
	return jsonResponse(http.StatusOK, correlationID, okResponse{Status: "ok"}), nil
}

func errorBody(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		return statusFor(ucErr.Code), errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
	}
	return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidCommand:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorDecision, usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, body any) Response {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"error":%q}`, usecase.ErrorInternal))
		status = http.StatusInternalServerError
	}
	return Response{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": correlationID,
		},
		Body: string(raw),
	}
}
