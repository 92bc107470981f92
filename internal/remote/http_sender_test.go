package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
)

func TestHTTPSenderCreateReturnsCanonicalRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sync/message", r.URL.Path)
		assert.Equal(t, "entry-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"id":"offline_1_abcd","body":"hi"}`, string(body))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"msg_77","body":"hi"}}`))
	}))
	defer srv.Close()

	sender, err := NewHTTPSender(HTTPSenderParams{BaseURL: srv.URL + "/v1/"})
	require.NoError(t, err)

	resp, err := sender.Send(context.Background(), Request{
		IdempotencyKey: "entry-1",
		EntityType:     enums.EntityMessage,
		Action:         enums.ActionCreate,
		EntityID:       "offline_1_abcd",
		Payload:        json.RawMessage(`{"id":"offline_1_abcd","body":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_77", resp.CanonicalID)
	assert.JSONEq(t, `{"id":"msg_77","body":"hi"}`, string(resp.Record))
}

func TestHTTPSenderUpdateAndDeleteRoutes(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"id":"rfq_1","title":"new"}}`))
	}))
	defer srv.Close()

	sender, err := NewHTTPSender(HTTPSenderParams{BaseURL: srv.URL, UserAgent: "pf-test"})
	require.NoError(t, err)

	resp, err := sender.Send(context.Background(), Request{EntityType: enums.EntityRFQ, Action: enums.ActionUpdate, EntityID: "rfq_1", Payload: json.RawMessage(`{"title":"new"}`)})
	require.NoError(t, err)
	assert.Equal(t, "rfq_1", resp.CanonicalID)

	resp, err = sender.Send(context.Background(), Request{EntityType: enums.EntityRFQ, Action: enums.ActionDelete, EntityID: "rfq_1"})
	require.NoError(t, err)
	assert.Equal(t, "rfq_1", resp.CanonicalID)
	assert.Nil(t, resp.Record)

	assert.Equal(t, []string{"PUT /sync/rfq/rfq_1", "DELETE /sync/rfq/rfq_1"}, seen)
}

func TestHTTPSenderClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		kind   enums.FailureKind
	}{
		{http.StatusBadRequest, enums.FailurePermanent},
		{http.StatusConflict, enums.FailurePermanent},
		{http.StatusUnprocessableEntity, enums.FailurePermanent},
		{http.StatusRequestTimeout, enums.FailureTransient},
		{http.StatusTooManyRequests, enums.FailureTransient},
		{http.StatusServiceUnavailable, enums.FailureTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"code":"VALIDATION_ERROR","message":"amount must be positive"}}`))
		}))
		sender, err := NewHTTPSender(HTTPSenderParams{BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = sender.Send(context.Background(), Request{EntityType: enums.EntityTransaction, Action: enums.ActionCreate, Payload: json.RawMessage(`{}`)})
		srv.Close()

		var remoteErr *Error
		require.True(t, errors.As(err, &remoteErr), "status %d", tc.status)
		assert.Equal(t, tc.kind, remoteErr.Kind, "status %d", tc.status)
		assert.Equal(t, tc.status, remoteErr.StatusCode)
		assert.Equal(t, "amount must be positive", remoteErr.Message)
		assert.Equal(t, tc.kind, KindOf(err))
	}
}

func TestHTTPSenderTimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	sender, err := NewHTTPSender(HTTPSenderParams{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), Request{EntityType: enums.EntityWallet, Action: enums.ActionUpdate, EntityID: "w1", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, enums.FailureTransient, KindOf(err))
}

func TestHTTPSenderRejectsBadRequests(t *testing.T) {
	sender, err := NewHTTPSender(HTTPSenderParams{BaseURL: "http://localhost"})
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), Request{EntityType: enums.EntityWallet, Action: enums.ActionUpdate})
	assert.Equal(t, enums.FailurePermanent, KindOf(err))

	_, err = sender.Send(context.Background(), Request{EntityType: "invoice", Action: enums.ActionCreate})
	assert.Equal(t, enums.FailurePermanent, KindOf(err))

	_, err = NewHTTPSender(HTTPSenderParams{})
	require.Error(t, err)
}

func TestKindOfFallbacks(t *testing.T) {
	assert.Equal(t, enums.FailureTransient, KindOf(errors.New("boom")))
	assert.Equal(t, enums.FailurePermanent, KindOf(pkgerrors.New(pkgerrors.CodeRejected, "no")))
	assert.Equal(t, enums.FailureTransient, KindOf(Transient("x", context.DeadlineExceeded)))
	assert.Equal(t, enums.FailurePermanent, ClassifyStatus(http.StatusNotFound))
	assert.Equal(t, enums.FailureTransient, ClassifyStatus(http.StatusTooEarly))
}

func TestDecodeSuccessKeepsLargeNumericIDs(t *testing.T) {
	req := Request{EntityType: enums.EntityTransaction, Action: enums.ActionCreate, EntityID: "offline_1_abcd"}

	resp, err := decodeSuccess(req, []byte(`{"data":{"id":9007199254740993,"amount":"5.00"}}`))
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", resp.CanonicalID)

	resp, err = decodeSuccess(req, []byte(`{"data":{"id":"txn_5"}}`))
	require.NoError(t, err)
	assert.Equal(t, "txn_5", resp.CanonicalID)

	resp, err = decodeSuccess(req, []byte(`{"data":{"amount":"5.00"}}`))
	require.NoError(t, err)
	assert.Equal(t, "offline_1_abcd", resp.CanonicalID)
}
