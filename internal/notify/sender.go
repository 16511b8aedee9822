package notify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sensoralert/internal/domain"
	"sensoralert/internal/recipients"

	"github.com/go-resty/resty/v2"
)

// SendResult returns channel-specific metadata after successful delivery.
// Params: sender-specific response body.
// Returns: response text stored in the execution record.
type SendResult struct {
	Response string
}

// Delivery is one rendered outbound unit for one channel and optional recipient.
// Params: alert/action identity, recipient address, and rendered subject/body.
// Returns: sender input.
type Delivery struct {
	AlertID   string
	Action    domain.Action
	Recipient *recipients.Recipient
	Address   string
	Subject   string
	Body      string
}

// RecipientID returns recipient user ID or zero for webhook deliveries.
func (d Delivery) RecipientID() int64 {
	if d.Recipient == nil {
		return 0
	}
	return d.Recipient.UserID
}

// ChannelSender sends one outbound delivery to one channel.
// Params: context carrying action timeout and rendered delivery.
// Returns: channel send metadata and classified error when send fails.
type ChannelSender interface {
	Channel() domain.Channel
	Send(ctx context.Context, delivery Delivery) (SendResult, error)
}

// classifyTransportError maps client-side failures onto dispatch taxonomy.
// Params: attempt context and raw error.
// Returns: timeout or transport DispatchError.
func classifyTransportError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var dispatchErr *domain.DispatchError
	if errors.As(err, &dispatchErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Timeout(err)
	}
	return domain.Transport(err)
}

// classifyResponse converts resty outcome into send result or dispatch error.
// Params: attempt context, response, request error, and clock reading for Retry-After dates.
// Returns: send result for 2xx, otherwise classified error.
func classifyResponse(ctx context.Context, response *resty.Response, err error, now time.Time) (SendResult, error) {
	if err != nil {
		return SendResult{}, classifyTransportError(ctx, err)
	}
	body := strings.TrimSpace(response.String())
	if !response.IsSuccess() {
		retryAfter := parseRetryAfter(response.Header().Get("Retry-After"), now)
		return SendResult{}, domain.Rejected(response.StatusCode(), body, retryAfter)
	}
	return SendResult{Response: body}, nil
}

// parseRetryAfter reads Retry-After as delta seconds or HTTP date.
// Params: header value and current time.
// Returns: non-negative delay or zero when absent/invalid.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if delay := at.Sub(now); delay > 0 {
		return delay
	}
	return 0
}
