package notify

import (
	"fmt"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"

	"medidrop/internal/modules/broadcast"
)

var titles = map[broadcast.Kind]string{
	broadcast.KindDelivery:     "New delivery request",
	broadcast.KindCart:         "New medicine order",
	broadcast.KindPrescription: "New prescription order",
}

// buildMessage renders n as an FCM data message for deviceToken. eta is
// omitted when zero.
func buildMessage(deviceToken string, n broadcast.Notification, eta time.Duration) *messaging.Message {
	data := map[string]string{
		"type":         "broadcast_request",
		"kind":         string(n.Kind),
		"request_id":   string(n.RequestID),
		"broadcast_id": string(n.BroadcastID),
		"order_id":     string(n.OrderID),
		"origin_lat":   strconv.FormatFloat(n.Origin.Lat, 'f', 6, 64),
		"origin_lng":   strconv.FormatFloat(n.Origin.Lng, 'f', 6, 64),
		"distance_km":  strconv.FormatFloat(n.DistanceKm, 'f', 2, 64),
		"expires_at":   n.ExpiresAt.UTC().Format(time.RFC3339),
		"summary":      n.Summary,
	}
	if eta > 0 {
		data["eta_seconds"] = strconv.Itoa(int(eta.Seconds()))
	}

	return &messaging.Message{
		Token: deviceToken,
		Data:  data,
		Notification: &messaging.Notification{
			Title: titles[n.Kind],
			Body:  fmt.Sprintf("%.1f km away, respond before %s", n.DistanceKm, n.ExpiresAt.Format("15:04:05")),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      ttl(n.ExpiresAt),
		},
	}
}

func ttl(expires time.Time) *time.Duration {
	d := time.Until(expires)
	if d <= 0 {
		return nil
	}
	return &d
}
