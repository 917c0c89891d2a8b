package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/migrate"
	"intakeline/internal/pipeline"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := pipeline.New(conn, *config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"title": "Ship search",
		"type":  "feature",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(data))
	}
	var created domain.Request
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if created.RequestNumber != "REQ-0001" {
		t.Fatalf("request number = %q", created.RequestNumber)
	}
	id := created.ID

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+id+"/transition", map[string]any{
		"to": "estimation",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+id+"/estimate", map[string]any{
		"story_points": 3,
		"confidence":   "high",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("estimate status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+id+"/transition", map[string]any{
		"to": "ready",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("to ready status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+id+"/convert", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("convert status %d: %s", res.StatusCode, string(body))
	}
	var converted ConvertResponse
	if err := json.Unmarshal(body, &converted); err != nil {
		t.Fatalf("unmarshal convert: %v", err)
	}
	if converted.Destination != "ticket" || converted.EntityNumber != "TKT-0001" {
		t.Fatalf("convert response: %+v", converted)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+id+"/convert", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second convert status %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "already_converted" {
		t.Fatalf("second convert code = %q", code)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+id+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(body))
	}
	var events []EventResponse
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Type != "request.converted" {
		t.Fatalf("history = %+v", events)
	}
}

func TestTransitionErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{"title": "x"}, nil)
	var created domain.Request
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/transition", map[string]any{
		"to": "ready",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("illegal edge status %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "invalid_transition" {
		t.Fatalf("code = %q", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/estimate", map[string]any{
		"story_points": 5,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("estimate wrong stage status %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "wrong_stage" {
		t.Fatalf("code = %q", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/transition", map[string]any{
		"to": "archived",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown stage status %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "bad_request" {
		t.Fatalf("code = %q", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/hold", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("hold without reason status %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "bad_request" {
		t.Fatalf("code = %q", code)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/does-not-exist", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing request status %d: %s", res.StatusCode, string(body))
	}
}

func TestBulkEndpointPartialFailure(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, aData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{"title": "a"}, nil)
	_, bData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{"title": "b"}, nil)
	var a, b domain.Request
	_ = json.Unmarshal(aData, &a)
	_ = json.Unmarshal(bData, &b)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+b.ID+"/cancel", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/bulk/transition", map[string]any{
		"ids": []string{a.ID, b.ID},
		"to":  "estimation",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk status %d, want 200 even with failures: %s", res.StatusCode, string(body))
	}
	var result domain.BulkResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("unmarshal bulk: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != a.ID {
		t.Fatalf("succeeded = %v", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != b.ID || result.Failed[0].Reason == "" {
		t.Fatalf("failed = %+v", result.Failed)
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// No credentials at all.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/requests", nil)
	res, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no auth status %d", res.StatusCode)
	}

	// The liveness endpoint stays open.
	res, err = client.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", res.StatusCode)
	}

	// A signed bearer token resolves to its subject.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}
	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"title": "via jwt",
	}, map[string]string{"Authorization": "Bearer " + signed, "X-Actor-Id": ""})
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("jwt create status %d: %s", createRes.StatusCode, string(data))
	}
	var created domain.Request
	_ = json.Unmarshal(data, &created)
	if created.RequesterID != "jwt-user" {
		t.Fatalf("requester = %q, want jwt subject", created.RequesterID)
	}

	// A garbage bearer token is rejected.
	badRes, badBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", badRes.StatusCode, string(badBody))
	}
}
