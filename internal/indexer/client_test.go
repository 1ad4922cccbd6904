package indexer_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"fractallend/internal/indexer"
	"fractallend/internal/lending"
	"fractallend/internal/money"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *indexer.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := indexer.NewClient(srv.URL, "test-key", indexer.WithHTTPClient(srv.Client()))
	return srv, client
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal envelope data: %v", err)
	}
	resp := map[string]interface{}{"code": 0, "msg": "ok", "data": json.RawMessage(raw)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
}

// ============================================================
// Prices
// ============================================================

func TestGetTokenPrice(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cat20-dex/getTokenPrice" {
			t.Errorf("path = %q, want /cat20-dex/getTokenPrice", r.URL.Path)
		}
		if got := r.URL.Query().Get("tokenId"); got != "token-1" {
			t.Errorf("tokenId = %q, want token-1", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want Bearer test-key", got)
		}
		writeEnvelope(t, w, map[string]interface{}{
			"latestTradePrice": "2.5",
			"askPrice":         "2.6",
			"bidPrice":         "2.4",
			"height":           100,
		})
	})

	price, err := client.GetTokenPrice(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("GetTokenPrice() error = %v", err)
	}
	if want := money.MustParse("2.5"); price.LatestTradePrice != want {
		t.Errorf("LatestTradePrice = %v, want %v", price.LatestTradePrice, want)
	}
	if price.Height != 100 {
		t.Errorf("Height = %d, want 100", price.Height)
	}
}

func TestGetInscriptionPrice_BareNumberPrice(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/indexer/inscription/insc-1/price" {
			t.Errorf("path = %q", r.URL.Path)
		}
		writeEnvelope(t, w, map[string]interface{}{"latestTradePrice": 0.5})
	})

	price, err := client.GetInscriptionPrice(context.Background(), "insc-1")
	if err != nil {
		t.Fatalf("GetInscriptionPrice() error = %v", err)
	}
	if want := money.MustParse("0.5"); price.LatestTradePrice != want {
		t.Errorf("LatestTradePrice = %v, want %v", price.LatestTradePrice, want)
	}
}

// ============================================================
// Ownership
// ============================================================

func TestVerifyOwnership(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, map[string]string{"address": "bc1pholder"})
	})

	owned, err := client.VerifyOwnership(context.Background(), "insc-1", "bc1pholder")
	if err != nil {
		t.Fatalf("VerifyOwnership() error = %v", err)
	}
	if !owned {
		t.Error("VerifyOwnership() = false, want true")
	}

	owned, err = client.VerifyOwnership(context.Background(), "insc-1", "bc1pother")
	if err != nil {
		t.Fatalf("VerifyOwnership() error = %v", err)
	}
	if owned {
		t.Error("VerifyOwnership() = true, want false")
	}
}

func TestVerifyOwnership_UpstreamFailureIsNotFalse(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.VerifyOwnership(context.Background(), "insc-1", "bc1pholder")
	if !errors.Is(err, lending.ErrUpstream) {
		t.Fatalf("VerifyOwnership() error = %v, want ErrUpstream", err)
	}
}

// ============================================================
// Transfer drafting and broadcast
// ============================================================

func TestCreateInscriptionTransfer_DeductsFee(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/indexer/inscription/insc-1/utxo":
			writeEnvelope(t, w, map[string]interface{}{
				"txId":        "aa00",
				"outputIndex": 0,
				"satoshis":    10000,
			})
		case "/indexer/tx/create":
			var body struct {
				Outputs []struct {
					Address  string `json:"address"`
					Satoshis int64  `json:"satoshis"`
				} `json:"outputs"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode create body: %v", err)
			}
			if len(body.Outputs) != 1 {
				t.Fatalf("outputs = %d, want 1", len(body.Outputs))
			}
			if got := body.Outputs[0].Satoshis; got != 9000 {
				t.Errorf("output satoshis = %d, want 9000", got)
			}
			if got := body.Outputs[0].Address; got != "bc1pvault" {
				t.Errorf("output address = %q, want bc1pvault", got)
			}
			writeEnvelope(t, w, map[string]string{"psbt": "unsigned-hex"})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	draft, err := client.CreateInscriptionTransfer(context.Background(), "insc-1", "bc1pborrower", "bc1pvault")
	if err != nil {
		t.Fatalf("CreateInscriptionTransfer() error = %v", err)
	}
	if draft.UnsignedTx != "unsigned-hex" {
		t.Errorf("UnsignedTx = %q, want unsigned-hex", draft.UnsignedTx)
	}
}

func TestBroadcast(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/indexer/tx/broadcast" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["tx"] != "signed-hex" {
			t.Errorf("tx = %q, want signed-hex", body["tx"])
		}
		writeEnvelope(t, w, map[string]string{"txId": "deadbeef"})
	})

	txid, err := client.Broadcast(context.Background(), "signed-hex")
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if txid != "deadbeef" {
		t.Errorf("txid = %q, want deadbeef", txid)
	}
}

// ============================================================
// Error classification and retry
// ============================================================

func TestEnvelopeErrorClassifiesUpstream(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{"code": -1, "msg": "rate limited", "data": nil}
		json.NewEncoder(w).Encode(resp)
	})

	_, err := client.GetTokenPrice(context.Background(), "token-1")
	if !errors.Is(err, lending.ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
}

func TestNoRetryOnHTTPError(t *testing.T) {
	var calls int64
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetTokenPrice(context.Background(), "token-1")
	if !errors.Is(err, lending.ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (HTTP errors are not retried)", got)
	}
}

func TestRetryOnTransportError(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			// Kill the first connection mid-response.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("response writer does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			conn.Close()
			return
		}
		writeEnvelope(t, w, map[string]interface{}{"latestTradePrice": "1"})
	}))
	defer srv.Close()

	client := indexer.NewClient(srv.URL, "test-key")
	price, err := client.GetTokenPrice(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("GetTokenPrice() error = %v", err)
	}
	if want := money.MustParse("1"); price.LatestTradePrice != want {
		t.Errorf("LatestTradePrice = %v, want %v", price.LatestTradePrice, want)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}
