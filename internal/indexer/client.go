package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"fractallend/internal/lending"
	"fractallend/internal/money"
	"fractallend/internal/observability"
)

// dustFee is subtracted from the inscription UTXO value when drafting a
// transfer, matching the indexer's flat relay fee.
const dustFee = 1000

// Client talks to the UniSat-style indexer / CAT20 DEX API: spot prices,
// inscription ownership, unsigned transfer drafting and broadcast. All
// failures are classified lending.ErrUpstream; a single retry on transport
// errors is the only retry policy in the system — the accounting core
// never retries.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *observability.Metrics
}

// PriceData is a spot-price quote for a token or inscription. Prices are
// fixed-point decimals in the lending token's unit.
type PriceData struct {
	AskPrice         money.Amount `json:"askPrice"`
	BidPrice         money.Amount `json:"bidPrice"`
	LatestTradePrice money.Amount `json:"latestTradePrice"`
	Timestamp        string       `json:"timestamp"`
	Height           int64        `json:"height"`
}

// UTXO locates the chain output currently holding an inscription.
type UTXO struct {
	TxID        string `json:"txId"`
	OutputIndex int    `json:"outputIndex"`
	Satoshis    int64  `json:"satoshis"`
}

// TransferDraft is an unsigned transaction descriptor (PSBT) prepared by
// the indexer for the caller's wallet to sign. The service never signs.
type TransferDraft struct {
	UnsignedTx string `json:"unsignedTx"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics attaches upstream-call metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates an indexer client. baseURL is the API root, e.g.
// https://open-api-fractal.unisat.io/v1. The API key is sent as a Bearer
// token.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: observability.NewLogger("indexer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetTokenPrice returns the spot price for a CAT20 token.
func (c *Client) GetTokenPrice(ctx context.Context, tokenID string) (*PriceData, error) {
	var price PriceData
	path := "/cat20-dex/getTokenPrice?tokenId=" + url.QueryEscape(tokenID)
	if err := c.doJSON(ctx, http.MethodGet, "getTokenPrice", path, nil, &price); err != nil {
		return nil, err
	}
	return &price, nil
}

// GetInscriptionPrice returns the spot price for an inscription.
func (c *Client) GetInscriptionPrice(ctx context.Context, inscriptionID string) (*PriceData, error) {
	var price PriceData
	path := "/indexer/inscription/" + url.PathEscape(inscriptionID) + "/price"
	if err := c.doJSON(ctx, http.MethodGet, "inscriptionPrice", path, nil, &price); err != nil {
		return nil, err
	}
	return &price, nil
}

// VerifyOwnership reports whether address currently holds the inscription.
// An upstream failure is an upstream failure — never "not owner".
func (c *Client) VerifyOwnership(ctx context.Context, inscriptionID, address string) (bool, error) {
	var info struct {
		Address string `json:"address"`
	}
	path := "/indexer/inscription/" + url.PathEscape(inscriptionID)
	if err := c.doJSON(ctx, http.MethodGet, "inscriptionInfo", path, nil, &info); err != nil {
		return false, err
	}
	return info.Address == address, nil
}

// GetInscriptionUtxo returns the UTXO holding the inscription.
func (c *Client) GetInscriptionUtxo(ctx context.Context, inscriptionID string) (*UTXO, error) {
	var utxo UTXO
	path := "/indexer/inscription/" + url.PathEscape(inscriptionID) + "/utxo"
	if err := c.doJSON(ctx, http.MethodGet, "inscriptionUtxo", path, nil, &utxo); err != nil {
		return nil, err
	}
	return &utxo, nil
}

// CreateInscriptionTransfer drafts an unsigned transfer of an inscription
// from one address to another: locate the UTXO, then ask the indexer to
// build a PSBT spending it minus the relay fee.
func (c *Client) CreateInscriptionTransfer(ctx context.Context, inscriptionID, fromAddress, toAddress string) (*TransferDraft, error) {
	utxo, err := c.GetInscriptionUtxo(ctx, inscriptionID)
	if err != nil {
		return nil, err
	}

	req := map[string]interface{}{
		"inputs": []map[string]interface{}{{
			"txId":          utxo.TxID,
			"outputIndex":   utxo.OutputIndex,
			"satoshis":      utxo.Satoshis,
			"address":       fromAddress,
			"inscriptionId": inscriptionID,
		}},
		"outputs": []map[string]interface{}{{
			"address":  toAddress,
			"satoshis": utxo.Satoshis - dustFee,
		}},
	}

	var resp struct {
		PSBT string `json:"psbt"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "txCreate", "/indexer/tx/create", req, &resp); err != nil {
		return nil, err
	}
	return &TransferDraft{UnsignedTx: resp.PSBT}, nil
}

// CreateTokenTransfer drafts an unsigned CAT20 token transfer.
func (c *Client) CreateTokenTransfer(ctx context.Context, tokenID, fromAddress, toAddress, amount string) (*TransferDraft, error) {
	req := map[string]string{
		"tokenId":     tokenID,
		"fromAddress": fromAddress,
		"toAddress":   toAddress,
		"amount":      amount,
	}

	var resp struct {
		PSBT string `json:"psbt"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "createTransfer", "/cat20-dex/createTransfer", req, &resp); err != nil {
		return nil, err
	}
	return &TransferDraft{UnsignedTx: resp.PSBT}, nil
}

// Broadcast submits a signed transaction and returns its txid.
func (c *Client) Broadcast(ctx context.Context, signedTx string) (string, error) {
	req := map[string]string{"tx": signedTx}

	var resp struct {
		TxID string `json:"txId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "broadcast", "/indexer/tx/broadcast", req, &resp); err != nil {
		return "", err
	}
	return resp.TxID, nil
}

// envelope is the indexer's standard response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doJSON performs one API call, unwrapping the response envelope into out.
// Transport errors get exactly one retry; HTTP and envelope errors do not.
func (c *Client) doJSON(ctx context.Context, method, endpoint, path string, body interface{}, out interface{}) error {
	start := time.Now()
	err := c.doOnce(ctx, method, path, body, out)
	if err != nil && isTransportError(err) && ctx.Err() == nil {
		if c.metrics != nil {
			c.metrics.IndexerRetries.Inc()
		}
		c.log.Warn().Str("endpoint", endpoint).Err(err).Msg("retrying after transport error")
		err = c.doOnce(ctx, method, path, body, out)
	}

	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.IndexerRequests.WithLabelValues(endpoint, outcome).Inc()
		c.metrics.IndexerDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", lending.ErrUpstream, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", lending.ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: indexer returned %d: %s", lending.ErrUpstream, resp.StatusCode, bytes.TrimSpace(data))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decode response: %v", lending.ErrUpstream, err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%w: indexer error %d: %s", lending.ErrUpstream, env.Code, env.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode payload: %v", lending.ErrUpstream, err)
		}
	}
	return nil
}

// transportError marks connection-level failures eligible for the single
// retry. It still classifies as ErrUpstream for callers.
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("%v: transport: %v", lending.ErrUpstream, e.err)
}

func (e *transportError) Unwrap() error { return lending.ErrUpstream }

func isTransportError(err error) bool {
	_, ok := err.(*transportError)
	return ok
}
