package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestHandler(f *fakeStore) http.Handler {
	return NewHTTPServer(newTestService(f), "http://localhost:3000").Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	decodeResponse(t, rec, &body)
	if body["ok"] != true {
		t.Errorf("body = %v, want ok true", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	decodeResponse(t, rec, &body)
	if body["status"] != "ready" {
		t.Errorf("status = %v, want ready", body["status"])
	}
}

func TestPreflightAndCORSHeaders(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodOptions, "/api/nodes", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow-origin = %q", got)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "PATCH") {
		t.Errorf("allow-methods missing PATCH: %q", methods)
	}
}

func TestLoginAndSessionEndpoints(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodPost, "/api/session/login", `{"name":"Robin"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", rec.Code)
	}
	var session Session
	decodeResponse(t, rec, &session)
	if session.Token == "" || session.UserName != "Robin" {
		t.Fatalf("unexpected session: %+v", session)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/session", "", map[string]string{
		"Authorization": "Bearer " + session.Token,
	})
	var body map[string]any
	decodeResponse(t, rec, &body)
	if body["authenticated"] != true || body["userName"] != "Robin" {
		t.Errorf("session body = %v", body)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/session", "", nil)
	decodeResponse(t, rec, &body)
	if body["authenticated"] != false {
		t.Errorf("anonymous session body = %v", body)
	}
}

func TestCreateNodeEndpoint(t *testing.T) {
	f := fixtureStore()
	handler := newTestHandler(f)

	loginRec := doRequest(t, handler, http.MethodPost, "/api/session/login", `{"name":"Robin"}`, nil)
	var session Session
	decodeResponse(t, loginRec, &session)

	rec := doRequest(t, handler, http.MethodPost, "/api/nodes",
		`{"kind":"page","parentId":"sub1","afterId":"p1","title":"Tooling"}`,
		map[string]string{"Authorization": "Bearer " + session.Token})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	var created NodeView
	decodeResponse(t, rec, &created)
	if !strings.HasPrefix(created.ID, "page_") {
		t.Errorf("id = %q, want page_ prefix", created.ID)
	}
	if created.SortOrder != 1 {
		t.Errorf("sortOrder = %d, want 1", created.SortOrder)
	}
	if created.UpdatedBy != "Robin" {
		t.Errorf("updatedBy = %q, want Robin", created.UpdatedBy)
	}
}

func TestCreateNodeEndpointValidation(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodPost, "/api/nodes", `{"kind":"folder","title":"X"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var body map[string]any
	decodeResponse(t, rec, &body)
	if body["code"] != "VALIDATION_ERROR" {
		t.Errorf("code = %v, want VALIDATION_ERROR", body["code"])
	}
}

func TestNodeNotFoundEndpoint(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodGet, "/api/nodes/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]any
	decodeResponse(t, rec, &body)
	if body["code"] != "NOT_FOUND" {
		t.Errorf("code = %v, want NOT_FOUND", body["code"])
	}
}

func TestMoveEndpointRejectsCycle(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodPost, "/api/nodes/p1/move", `{"newParentId":"p1a"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body map[string]any
	decodeResponse(t, rec, &body)
	if body["code"] != "CIRCULAR_REFERENCE" {
		t.Errorf("code = %v, want CIRCULAR_REFERENCE", body["code"])
	}
}

func TestDeleteEndpointCascadeFlag(t *testing.T) {
	f := fixtureStore()
	handler := newTestHandler(f)

	rec := doRequest(t, handler, http.MethodDelete, "/api/nodes/p1", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 without cascade", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodDelete, "/api/nodes/p1?cascade=true", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var result DeleteResult
	decodeResponse(t, rec, &result)
	if len(result.DeletedIDs) != 2 {
		t.Errorf("deletedIds = %v, want 2 ids", result.DeletedIDs)
	}
}

func TestTreeEndpoint(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodGet, "/api/tree", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Tree []NodeView `json:"tree"`
	}
	decodeResponse(t, rec, &body)
	if len(body.Tree) != 2 || body.Tree[0].ID != "s1" {
		t.Errorf("unexpected tree roots: %+v", body.Tree)
	}
}

func TestBreadcrumbsEndpoint(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodGet, "/api/nodes/p1a/breadcrumbs", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Breadcrumbs []BreadcrumbView `json:"breadcrumbs"`
	}
	decodeResponse(t, rec, &body)
	if len(body.Breadcrumbs) != 4 || body.Breadcrumbs[0].ID != "s1" {
		t.Errorf("unexpected breadcrumbs: %+v", body.Breadcrumbs)
	}
}

func TestBlockEndpoints(t *testing.T) {
	f := fixtureStore()
	handler := newTestHandler(f)

	rec := doRequest(t, handler, http.MethodGet, "/api/pages/p1/blocks", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var list struct {
		Blocks []BlockView `json:"blocks"`
	}
	decodeResponse(t, rec, &list)
	if len(list.Blocks) != 2 {
		t.Fatalf("blocks = %+v, want 2", list.Blocks)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/pages/p1/blocks",
		`{"afterId":"b1","blockType":"quote","content":{"text":"hi"}}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	var created BlockView
	decodeResponse(t, rec, &created)
	if created.SortOrder != 1 || created.BlockType != "quote" {
		t.Errorf("unexpected created block: %+v", created)
	}
	if f.blocks["b2"].SortOrder != 2 {
		t.Errorf("b2 order = %d, want 2 after insert", f.blocks["b2"].SortOrder)
	}

	rec = doRequest(t, handler, http.MethodDelete, "/api/blocks/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", rec.Code)
	}
	if f.blocks["b2"].SortOrder != 1 {
		t.Errorf("b2 order = %d, want 1 after gap close", f.blocks["b2"].SortOrder)
	}
}

func TestSearchEndpointValidatesPaging(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodGet, "/api/search?q=welcome&limit=abc", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	// without a configured search backend the endpoint degrades to empty results
	rec = doRequest(t, handler, http.MethodGet, "/api/search?q=welcome", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	decodeResponse(t, rec, &body)
	if body["query"] != "welcome" {
		t.Errorf("query = %v, want welcome", body["query"])
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	handler := newTestHandler(fixtureStore())

	rec := doRequest(t, handler, http.MethodGet, "/api/unknown", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
