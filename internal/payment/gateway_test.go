package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupMapsGatewayStatuses(t *testing.T) {
	cases := []struct {
		status  string
		outcome Outcome
	}{
		{"Completed", OutcomeCompleted},
		{"Pending", OutcomePending},
		{"Initiated", OutcomePending},
		{"Refunded", OutcomeRefunded},
		{"Expired", OutcomeExpired},
		{"User canceled", OutcomeCanceled},
	}

	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/epayment/lookup/", r.URL.Path)
				assert.Equal(t, "Key test-secret", r.Header.Get("Authorization"))

				var req map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "pidx-42", req["pidx"])

				json.NewEncoder(w).Encode(map[string]any{
					"status":         tc.status,
					"transaction_id": "txn-1",
					"total_amount":   130000,
				})
			}))
			defer srv.Close()

			client := NewClient(Config{BaseURL: srv.URL, SecretKey: "test-secret"})

			res, err := client.Lookup(context.Background(), "pidx-42")
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, res.Outcome)
			assert.Equal(t, "txn-1", res.TransactionID)
			assert.Equal(t, int64(130000), res.AmountCents)
		})
	}
}

func TestLookupRejectsUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "Weird"})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})

	_, err := client.Lookup(context.Background(), "pidx-42")
	assert.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestLookupNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})

	_, err := client.Lookup(context.Background(), "pidx-42")
	assert.Error(t, err)
}

func TestLookupHonorsContextDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client := NewClient(Config{BaseURL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Lookup(ctx, "pidx-42")
	assert.Error(t, err)
}
