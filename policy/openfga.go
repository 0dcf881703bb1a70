package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// maxBatchChecks is the default per-request limit of the batch-check endpoint.
const maxBatchChecks = 50

// OpenFGA is a Backend backed by the OpenFGA HTTP API. The store is expected
// to carry the model in model.fga.
type OpenFGA struct {
	httpClient *http.Client
	apiURL     string
	storeID    string
	modelID    string
}

type OpenFGAConfig struct {
	APIURL               string
	StoreID              string
	AuthorizationModelID string
	// client credentials; when ClientID is empty APIToken is sent as a static
	// bearer token, and with neither set requests are unauthenticated.
	TokenIssuer  string
	Audience     string
	ClientID     string
	ClientSecret string
	APIToken     string
	Timeout      time.Duration
}

func NewOpenFGA(cfg OpenFGAConfig) (*OpenFGA, error) {
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		return nil, errors.New("policy: FGA_API_URL is required")
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("policy: parse FGA API URL: %w", err)
	}
	if strings.TrimSpace(cfg.StoreID) == "" {
		return nil, errors.New("policy: FGA_STORE_ID is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	base := &http.Client{Timeout: timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := base
	switch {
	case cfg.ClientID != "":
		tokenURL := cfg.TokenIssuer
		if !strings.HasPrefix(tokenURL, "http://") && !strings.HasPrefix(tokenURL, "https://") {
			tokenURL = "https://" + tokenURL
		}
		creds := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     strings.TrimRight(tokenURL, "/") + "/oauth/token",
		}
		if cfg.Audience != "" {
			creds.EndpointParams = url.Values{"audience": {cfg.Audience}}
		}
		client = creds.Client(ctx)
		client.Timeout = timeout
	case cfg.APIToken != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIToken}))
		client.Timeout = timeout
	}

	return &OpenFGA{
		httpClient: client,
		apiURL:     apiURL,
		storeID:    strings.TrimSpace(cfg.StoreID),
		modelID:    strings.TrimSpace(cfg.AuthorizationModelID),
	}, nil
}

func NewOpenFGAFromEnv() (*OpenFGA, error) {
	return NewOpenFGA(OpenFGAConfig{
		APIURL:               os.Getenv("FGA_API_URL"),
		StoreID:              os.Getenv("FGA_STORE_ID"),
		AuthorizationModelID: os.Getenv("FGA_AUTHORIZATION_MODEL_ID"),
		TokenIssuer:          os.Getenv("FGA_API_TOKEN_ISSUER"),
		Audience:             os.Getenv("FGA_API_AUDIENCE"),
		ClientID:             os.Getenv("FGA_CLIENT_ID"),
		ClientSecret:         os.Getenv("FGA_CLIENT_SECRET"),
		APIToken:             os.Getenv("FGA_API_TOKEN"),
	})
}

type fgaTupleKey struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

func toKeys(tuples []Tuple) []fgaTupleKey {
	keys := make([]fgaTupleKey, 0, len(tuples))
	for _, t := range tuples {
		keys = append(keys, fgaTupleKey(t))
	}
	return keys
}

func (f *OpenFGA) Write(ctx context.Context, tuples []Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	body := map[string]any{
		"writes": map[string]any{
			"tuple_keys":   toKeys(tuples),
			"on_duplicate": "ignore",
		},
	}
	err := f.post(ctx, "write", body, nil)
	if err != nil && isDuplicateWrite(err) {
		return nil
	}
	return err
}

func (f *OpenFGA) Delete(ctx context.Context, tuples []Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	body := map[string]any{
		"deletes": map[string]any{
			"tuple_keys": toKeys(tuples),
			"on_missing": "ignore",
		},
	}
	return f.post(ctx, "write", body, nil)
}

// DeleteObject reads every tuple on object page by page and deletes them.
func (f *OpenFGA) DeleteObject(ctx context.Context, object string) error {
	var all []Tuple
	token := ""
	for {
		body := map[string]any{
			"tuple_key": map[string]string{"object": object},
			"page_size": 100,
		}
		if token != "" {
			body["continuation_token"] = token
		}
		var resp struct {
			Tuples []struct {
				Key fgaTupleKey `json:"key"`
			} `json:"tuples"`
			ContinuationToken string `json:"continuation_token"`
		}
		if err := f.post(ctx, "read", body, &resp); err != nil {
			return err
		}
		for _, t := range resp.Tuples {
			all = append(all, Tuple(t.Key))
		}
		if resp.ContinuationToken == "" {
			break
		}
		token = resp.ContinuationToken
	}
	return f.Delete(ctx, all)
}

func (f *OpenFGA) Check(ctx context.Context, tuple Tuple) (bool, error) {
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	if err := f.post(ctx, "check", map[string]any{"tuple_key": fgaTupleKey(tuple)}, &resp); err != nil {
		return false, err
	}
	return resp.Allowed, nil
}

// BatchCheck sends the checks in pages of maxBatchChecks, correlating each
// result with its input position.
func (f *OpenFGA) BatchCheck(ctx context.Context, tuples []Tuple) ([]bool, error) {
	results := make([]bool, len(tuples))
	for start := 0; start < len(tuples); start += maxBatchChecks {
		end := start + maxBatchChecks
		if end > len(tuples) {
			end = len(tuples)
		}
		checks := make([]map[string]any, 0, end-start)
		for i := start; i < end; i++ {
			checks = append(checks, map[string]any{
				"tuple_key":      fgaTupleKey(tuples[i]),
				"correlation_id": strconv.Itoa(i),
			})
		}
		var resp struct {
			Result map[string]struct {
				Allowed bool            `json:"allowed"`
				Error   json.RawMessage `json:"error,omitempty"`
			} `json:"result"`
		}
		if err := f.post(ctx, "batch-check", map[string]any{"checks": checks}, &resp); err != nil {
			return nil, err
		}
		for id, outcome := range resp.Result {
			i, err := strconv.Atoi(id)
			if err != nil || i < start || i >= end {
				return nil, fmt.Errorf("policy: unexpected correlation id %q", id)
			}
			// an errored check stays denied
			results[i] = outcome.Allowed && len(outcome.Error) == 0
		}
	}
	return results, nil
}

type fgaError struct {
	status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *fgaError) Error() string {
	return fmt.Sprintf("policy: openfga status %d: %s %s", e.status, e.Code, e.Message)
}

func isDuplicateWrite(err error) bool {
	var fe *fgaError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.status == http.StatusBadRequest && strings.Contains(fe.Message, "already exists")
}

func (f *OpenFGA) post(ctx context.Context, op string, body map[string]any, out any) error {
	if f.modelID != "" && op != "read" {
		body["authorization_model_id"] = f.modelID
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return fmt.Errorf("policy: encode %s payload: %w", op, err)
	}
	endpoint := fmt.Sprintf("%s/stores/%s/%s", f.apiURL, url.PathEscape(f.storeID), op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return fmt.Errorf("policy: create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("policy: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fe := &fgaError{status: resp.StatusCode}
		if json.Unmarshal(raw, fe) != nil {
			fe.Message = strings.TrimSpace(string(raw))
		}
		return fe
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("policy: decode %s response: %w", op, err)
	}
	return nil
}
