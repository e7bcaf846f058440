package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/asmrlabs/asmr-api/internal/domain/credit"
)

const testSecret = "webhook-secret"

/* =========================
   Fake credit service
   ========================= */

type fakeCredits struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int
	grants   map[string]bool // by payment id
}

func newFakeCredits() *fakeCredits {
	return &fakeCredits{
		balances: make(map[uuid.UUID]int),
		grants:   make(map[string]bool),
	}
}

func (f *fakeCredits) Debit(ctx context.Context, userID uuid.UUID, amount int, meta credit.TransactionMeta) error {
	return nil
}

func (f *fakeCredits) RefundForTask(ctx context.Context, userID uuid.UUID, amount int, meta credit.TransactionMeta) (bool, error) {
	return false, nil
}

func (f *fakeCredits) Grant(ctx context.Context, userID uuid.UUID, amount int, txType credit.TxType, meta credit.TransactionMeta) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta.RelatedTaskID != "" && f.grants[meta.RelatedTaskID] {
		return false, nil
	}
	f.grants[meta.RelatedTaskID] = true
	f.balances[userID] += amount
	return true, nil
}

func (f *fakeCredits) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeCredits) HasRefund(ctx context.Context, taskID string) (bool, error) {
	return false, nil
}

func (f *fakeCredits) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]credit.Transaction, error) {
	return nil, nil
}

/* =========================
   Tests
   ========================= */

func newBillingServer(t *testing.T, credits credit.Service) *httptest.Server {
	t.Helper()
	h := NewHandler(credits, testSecret)
	srv := httptest.NewServer(h.WebhookRoutes())
	t.Cleanup(srv.Close)
	return srv
}

func postSigned(t *testing.T, srv *httptest.Server, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func grantBody(t *testing.T, paymentID string, userID uuid.UUID, credits int) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"payment_id": paymentID,
		"user_id":    userID.String(),
		"credits":    credits,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestCreditGrant(t *testing.T) {
	credits := newFakeCredits()
	srv := newBillingServer(t, credits)

	userID := uuid.New()
	body := grantBody(t, "pay_1", userID, 100)

	resp := postSigned(t, srv, body, GenerateSignature(body, testSecret))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	balance, _ := credits.GetBalance(context.Background(), userID)
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}
}

// Provider retries deliver the same payment several times; all after the
// first are acked but grant nothing.
func TestCreditGrantIdempotent(t *testing.T) {
	credits := newFakeCredits()
	srv := newBillingServer(t, credits)

	userID := uuid.New()
	body := grantBody(t, "pay_1", userID, 100)
	sig := GenerateSignature(body, testSecret)

	for i := 0; i < 3; i++ {
		resp := postSigned(t, srv, body, sig)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, resp.StatusCode)
		}
	}

	balance, _ := credits.GetBalance(context.Background(), userID)
	if balance != 100 {
		t.Errorf("balance = %d, want 100 after duplicate deliveries", balance)
	}
}

func TestCreditGrantRejectsBadSignature(t *testing.T) {
	credits := newFakeCredits()
	srv := newBillingServer(t, credits)

	userID := uuid.New()
	body := grantBody(t, "pay_1", userID, 100)

	cases := []string{
		"",
		"deadbeef",
		GenerateSignature(body, "wrong-secret"),
		GenerateSignature([]byte("other body"), testSecret),
	}

	for _, sig := range cases {
		resp := postSigned(t, srv, body, sig)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("signature %q: status = %d, want 401", sig, resp.StatusCode)
		}
	}

	balance, _ := credits.GetBalance(context.Background(), userID)
	if balance != 0 {
		t.Errorf("balance = %d, nothing should have been granted", balance)
	}
}

func TestCreditGrantRejectsBadPayload(t *testing.T) {
	credits := newFakeCredits()
	srv := newBillingServer(t, credits)

	cases := [][]byte{
		[]byte(`{"payment_id":"","user_id":"` + uuid.NewString() + `","credits":100}`),
		[]byte(`{"payment_id":"p","user_id":"not-a-uuid","credits":100}`),
		[]byte(`{"payment_id":"p","user_id":"` + uuid.NewString() + `","credits":0}`),
		[]byte(`{"payment_id":"p","user_id":"` + uuid.NewString() + `","credits":-5}`),
	}

	for _, body := range cases {
		resp := postSigned(t, srv, body, GenerateSignature(body, testSecret))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"payment_id":"pay_1"}`)

	sig := GenerateSignature(payload, testSecret)
	if !VerifySignature(payload, sig, testSecret) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature(payload, sig, "other-secret") {
		t.Fatal("signature accepted under wrong secret")
	}
	if VerifySignature([]byte("tampered"), sig, testSecret) {
		t.Fatal("signature accepted for tampered payload")
	}
	if VerifySignature(payload, "", testSecret) {
		t.Fatal("empty signature accepted")
	}
}
