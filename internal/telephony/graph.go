package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultGraphScope = "https://graph.microsoft.com/.default"
	maxResponseBytes  = 4 << 20
	maxListPages      = 50
)

// GraphConfig configures the Graph-style REST adapter.
type GraphConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration

	// HTTPClient is the base client for both token and API requests. Optional.
	HTTPClient *http.Client
}

// GraphProvider talks to a Microsoft-Graph-style calling API with app-only
// (client credentials) tokens.
type GraphProvider struct {
	baseURL string
	client  *http.Client
	tokens  oauth2.TokenSource
	timeout time.Duration
	log     *slog.Logger
}

func NewGraphProvider(cfg GraphConfig, log *slog.Logger) (*GraphProvider, error) {
	if cfg.BaseURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("telephony: graph base url and token url are required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("telephony: graph client credentials are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{defaultGraphScope}
	}
	if log == nil {
		log = slog.Default()
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	ctx := context.Background()
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	ts := cc.TokenSource(ctx)

	return &GraphProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  oauth2.NewClient(ctx, ts),
		tokens:  ts,
		timeout: cfg.Timeout,
		log:     log,
	}, nil
}

func (p *GraphProvider) Name() string { return "graph" }

// HealthCheck verifies that an app-only token can be obtained.
func (p *GraphProvider) HealthCheck(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := p.tokens.Token()
		done <- err
	}()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	select {
	case err := <-done:
		if err != nil {
			return classifyTransport("HealthCheck", err)
		}
		return nil
	case <-ctx.Done():
		return NewError(KindTransient, "HealthCheck", ctx.Err())
	}
}

type graphSubscription struct {
	ID                       string    `json:"id,omitempty"`
	Resource                 string    `json:"resource,omitempty"`
	ChangeType               string    `json:"changeType,omitempty"`
	NotificationURL          string    `json:"notificationUrl,omitempty"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl,omitempty"`
	ClientState              string    `json:"clientState,omitempty"`
	ExpirationDateTime       time.Time `json:"expirationDateTime"`
}

func (g graphSubscription) toSubscription() Subscription {
	return Subscription{
		ID:              g.ID,
		Resource:        g.Resource,
		ChangeTypes:     splitChangeTypes(g.ChangeType),
		NotificationURL: g.NotificationURL,
		ClientState:     g.ClientState,
		ExpiresAt:       g.ExpirationDateTime,
	}
}

func (p *GraphProvider) CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
	const op = "CreateSubscription"
	if req.Resource == "" || len(req.ChangeTypes) == 0 || req.NotificationURL == "" {
		return Subscription{}, NewError(KindInvalid, op, errors.New("resource, change types and notification url are required"))
	}
	in := graphSubscription{
		Resource:                 req.Resource,
		ChangeType:               strings.Join(req.ChangeTypes, ","),
		NotificationURL:          req.NotificationURL,
		LifecycleNotificationURL: req.LifecycleNotificationURL,
		ClientState:              req.ClientState,
		ExpirationDateTime:       req.ExpiresAt.UTC(),
	}
	var out graphSubscription
	if err := p.do(ctx, op, http.MethodPost, "/subscriptions", in, &out); err != nil {
		return Subscription{}, err
	}
	sub := out.toSubscription()
	if sub.ClientState == "" {
		sub.ClientState = req.ClientState
	}
	return sub, nil
}

func (p *GraphProvider) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (Subscription, error) {
	const op = "RenewSubscription"
	if id == "" {
		return Subscription{}, NewError(KindInvalid, op, errors.New("id is required"))
	}
	in := struct {
		ExpirationDateTime time.Time `json:"expirationDateTime"`
	}{ExpirationDateTime: expiresAt.UTC()}
	var out graphSubscription
	if err := p.do(ctx, op, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), in, &out); err != nil {
		return Subscription{}, err
	}
	return out.toSubscription(), nil
}

func (p *GraphProvider) DeleteSubscription(ctx context.Context, id string) error {
	const op = "DeleteSubscription"
	if id == "" {
		return NewError(KindInvalid, op, errors.New("id is required"))
	}
	return p.do(ctx, op, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

func (p *GraphProvider) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	const op = "ListSubscriptions"
	var subs []Subscription
	next := "/subscriptions"
	for page := 0; next != "" && page < maxListPages; page++ {
		var out struct {
			Value    []graphSubscription `json:"value"`
			NextLink string              `json:"@odata.nextLink"`
		}
		if err := p.do(ctx, op, http.MethodGet, next, nil, &out); err != nil {
			return nil, err
		}
		for _, g := range out.Value {
			subs = append(subs, g.toSubscription())
		}
		next = out.NextLink
	}
	return subs, nil
}

func (p *GraphProvider) AnswerCall(ctx context.Context, req AnswerRequest) error {
	const op = "AnswerCall"
	if req.CallID == "" || req.CallbackURL == "" {
		return NewError(KindInvalid, op, errors.New("call id and callback url are required"))
	}
	in := map[string]any{
		"callbackUri":        req.CallbackURL,
		"acceptedModalities": []string{"audio"},
		"mediaConfig": map[string]any{
			"@odata.type": "#microsoft.graph.serviceHostedMediaConfig",
		},
	}
	return p.do(ctx, op, http.MethodPost, "/communications/calls/"+url.PathEscape(req.CallID)+"/answer", in, nil)
}

func (p *GraphProvider) UpdateRecordingStatus(ctx context.Context, req RecordingStatusRequest) error {
	const op = "UpdateRecordingStatus"
	if req.CallID == "" {
		return NewError(KindInvalid, op, errors.New("call id is required"))
	}
	switch req.Status {
	case StatusRecording, StatusNotRecording, StatusFailed:
	default:
		return NewError(KindInvalid, op, fmt.Errorf("unknown recording status %q", req.Status))
	}
	in := map[string]string{
		"clientContext": req.ClientContext,
		"status":        string(req.Status),
	}
	return p.do(ctx, op, http.MethodPost, "/communications/calls/"+url.PathEscape(req.CallID)+"/updateRecordingStatus", in, nil)
}

type graphIdentitySet struct {
	User *struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"user,omitempty"`
}

func (p *GraphProvider) GetCallRecord(ctx context.Context, id string) (CallRecord, error) {
	const op = "GetCallRecord"
	if id == "" {
		return CallRecord{}, NewError(KindInvalid, op, errors.New("id is required"))
	}
	var out struct {
		ID            string             `json:"id"`
		Type          string             `json:"type"`
		StartDateTime time.Time          `json:"startDateTime"`
		EndDateTime   time.Time          `json:"endDateTime"`
		Participants  []graphIdentitySet `json:"participants"`
	}
	if err := p.do(ctx, op, http.MethodGet, "/communications/callRecords/"+url.PathEscape(id), nil, &out); err != nil {
		return CallRecord{}, err
	}
	rec := CallRecord{ID: out.ID, Type: out.Type, StartTime: out.StartDateTime, EndTime: out.EndDateTime}
	for _, is := range out.Participants {
		if is.User == nil || is.User.ID == "" {
			continue
		}
		rec.Participants = append(rec.Participants, Participant{ID: is.User.ID, DisplayName: is.User.DisplayName})
	}
	return rec, nil
}

func (p *GraphProvider) ListActiveCalls(ctx context.Context) ([]ActiveCall, error) {
	const op = "ListActiveCalls"
	var out struct {
		Value []struct {
			ID          string `json:"id"`
			State       string `json:"state"`
			Direction   string `json:"direction"`
			Subject     string `json:"subject"`
			TenantID    string `json:"tenantId"`
			CallChainID string `json:"callChainId"`
		} `json:"value"`
	}
	if err := p.do(ctx, op, http.MethodGet, "/communications/calls", nil, &out); err != nil {
		return nil, err
	}
	calls := make([]ActiveCall, 0, len(out.Value))
	for _, v := range out.Value {
		calls = append(calls, ActiveCall{
			ID:            v.ID,
			State:         v.State,
			Direction:     v.Direction,
			Subject:       v.Subject,
			TenantID:      v.TenantID,
			CorrelationID: v.CallChainID,
		})
	}
	return calls, nil
}

// do executes one bounded request. path may be absolute (paging links).
func (p *GraphProvider) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return NewError(KindInvalid, op, err)
		}
		body = bytes.NewReader(b)
	}

	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = p.baseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return NewError(KindInvalid, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("platform request failed", "op", op, "err", err)
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	p.log.Debug("platform request", "op", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 300 {
		return &Error{
			Kind:   KindForStatus(resp.StatusCode),
			Op:     op,
			Status: resp.StatusCode,
			Err:    errors.New(readGraphError(resp.Body)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewError(KindTransient, op, err)
		}
		return NewError(KindInvalid, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func readGraphError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
		return env.Error.Code + ": " + env.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "empty response"
	}
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

func splitChangeTypes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
