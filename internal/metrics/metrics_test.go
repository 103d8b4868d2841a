package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"local-deals-api/internal/events"
	"local-deals-api/internal/models"
)

func TestEventCounters(t *testing.T) {
	m := New()
	em := events.NewManager(true, nil)
	m.Subscribe(em)

	ctx := context.Background()
	em.Publish(ctx, events.EventEligibilityChecked, events.EligibilityData{PromotionID: "p"})
	em.Publish(ctx, events.EventEligibilityChecked, events.EligibilityData{PromotionID: "p", Reason: "business_closed"})
	em.Publish(ctx, events.EventRedemptionOpened, events.SessionData{SessionID: "s1"})
	em.Publish(ctx, events.EventRedemptionOpened, events.SessionData{SessionID: "s2"})
	em.Publish(ctx, events.EventRedemptionExpired, events.SessionData{SessionID: "s2"})
	em.Publish(ctx, events.EventRedemptionConfirmed, events.RedemptionData{
		SessionID:  "s1",
		Redemption: models.Redemption{Method: models.MethodQR},
	})
	em.Wait()

	require.Equal(t, 1.0, testutil.ToFloat64(m.eligibility.WithLabelValues("eligible")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.eligibility.WithLabelValues("business_closed")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.sessions.WithLabelValues("opened")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("expired")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.redemptions.WithLabelValues("qr")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.openSession))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/promotions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/promotions/abc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/promotions/{id}", "GET", "404")))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "local_deals_http_requests_total"))
}
