package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"threatdeck/api/internal/auth"
	"threatdeck/api/internal/history"
	"threatdeck/api/internal/search"
	"threatdeck/api/internal/state"
	"threatdeck/api/internal/store"
)

const testSecret = "test-secret"

const sampleModel = `{
	"version": "2.3.0",
	"summary": {"title": "Demo Model"},
	"detail": {
		"diagrams": [
			{
				"id": 7,
				"title": "Main",
				"cells": [
					{
						"id": "cell-a",
						"shape": "process",
						"position": {"x": 10, "y": 20},
						"size": {"width": 100, "height": 60},
						"data": {"type": "tm.Process", "name": "Web App", "threats": []}
					},
					{
						"id": "cell-b",
						"shape": "store",
						"position": {"x": 200, "y": 20},
						"size": {"width": 100, "height": 60},
						"data": {"type": "tm.Store", "name": "DB"}
					}
				]
			}
		]
	}
}`

const sampleState = `{
	"phase": "play",
	"round": 1,
	"threats": {
		"0": {
			"cell-a": {
				"threat-1": {"title": "First finding", "severity": "High"},
				"threat-2": {"title": "Second finding"}
			}
		}
	}
}`

type stubStore struct {
	matches   map[string]store.Match
	secrets   map[string]string
	setCalls  int
	lastKind  string
	lastBody  json.RawMessage
	lastMatch string
}

func secretKey(matchID string, position int) string {
	return matchID + "#" + strconv.Itoa(position)
}

func (s *stubStore) CreateMatch(_ context.Context, match store.Match) error {
	if s.matches == nil {
		s.matches = map[string]store.Match{}
	}
	if existing, ok := s.matches[match.ID]; ok {
		match.Model = existing.Model
	}
	s.matches[match.ID] = match
	return nil
}

func (s *stubStore) SetPlayerSecret(_ context.Context, matchID string, position int, secret string) error {
	if _, ok := s.matches[matchID]; !ok {
		return store.ErrMatchNotFound
	}
	if s.secrets == nil {
		s.secrets = map[string]string{}
	}
	s.secrets[secretKey(matchID, position)] = secret
	return nil
}

func (s *stubStore) VerifyPlayerSecret(_ context.Context, matchID string, position int, secret string) (bool, error) {
	stored, ok := s.secrets[secretKey(matchID, position)]
	if !ok {
		return false, store.ErrMatchNotFound
	}
	return stored != "" && stored == secret, nil
}

func (s *stubStore) FetchMatch(_ context.Context, matchID string, projection store.Projection) (store.Match, error) {
	match, ok := s.matches[matchID]
	if !ok {
		return store.Match{}, store.ErrMatchNotFound
	}
	out := match
	if !projection.Players {
		out.Players = nil
	}
	if !projection.Model {
		out.Model = nil
	}
	return out, nil
}

func (s *stubStore) SetModel(_ context.Context, matchID, kind string, body json.RawMessage) error {
	if _, ok := s.matches[matchID]; !ok {
		return store.ErrMatchNotFound
	}
	s.setCalls++
	s.lastMatch = matchID
	s.lastKind = kind
	s.lastBody = body
	match := s.matches[matchID]
	match.Model = &store.StoredModel{MatchID: matchID, Kind: kind, Body: body}
	s.matches[matchID] = match
	return nil
}

type stubState struct {
	states map[string]string
}

func (s *stubState) Snapshot(_ context.Context, matchID string) (state.MatchState, error) {
	raw, ok := s.states[matchID]
	if !ok {
		return state.MatchState{}, state.ErrNoState
	}
	var st state.MatchState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return state.MatchState{}, err
	}
	return st, nil
}

type stubHistory struct {
	commits []string
	models  map[string]json.RawMessage
}

func (h *stubHistory) CommitModel(matchID string, model json.RawMessage, author, message string) (history.Revision, error) {
	h.commits = append(h.commits, matchID)
	return history.Revision{Hash: "abc1234", Author: author, Message: message, CreatedAt: time.Now()}, nil
}

func (h *stubHistory) Revisions(matchID string, limit int) ([]history.Revision, error) {
	if strings.ContainsAny(matchID, "/\\.") {
		return nil, history.ErrBadMatchID
	}
	return []history.Revision{{Hash: "abc1234", Author: "Alice", Message: "Update model"}}, nil
}

func (h *stubHistory) ModelAt(matchID, hash string) (json.RawMessage, error) {
	raw, ok := h.models[hash]
	if !ok {
		return nil, io.EOF
	}
	return raw, nil
}

type stubSearch struct {
	indexed  map[string][]search.ThreatRecord
	response search.Response
}

func (s *stubSearch) Search(q search.Query) search.Response {
	resp := s.response
	resp.Query = q.Text
	return resp
}

func (s *stubSearch) IndexThreats(matchID string, records []search.ThreatRecord) {
	if s.indexed == nil {
		s.indexed = map[string][]search.ThreatRecord{}
	}
	s.indexed[matchID] = records
}

type stubImages struct {
	uploads []string
}

func (s *stubImages) PutImage(_ context.Context, matchID, filename string, body io.Reader, _ int64) error {
	if _, err := io.ReadAll(body); err != nil {
		return err
	}
	s.uploads = append(s.uploads, matchID+"/"+filename)
	return nil
}

func (s *stubImages) GetImage(_ context.Context, matchID, filename string) (io.ReadCloser, string, int64, error) {
	return io.NopCloser(strings.NewReader("png-bytes")), "image/png", 9, nil
}

type testEnv struct {
	store   *stubStore
	state   *stubState
	history *stubHistory
	search  *stubSearch
	images  *stubImages
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	matches := &stubStore{matches: map[string]store.Match{
		"match-1": {
			ID:       "match-1",
			GameMode: "EoP",
			Players:  []store.Player{{Position: 0, Name: "Alice"}, {Position: 1, Name: "Bob"}},
			Model:    &store.StoredModel{MatchID: "match-1", Kind: store.ModelKindDocument, Body: json.RawMessage(sampleModel)},
		},
		"match-img": {
			ID:    "match-img",
			Model: &store.StoredModel{MatchID: "match-img", Kind: store.ModelKindImage, Body: json.RawMessage(`{"name":"arch.png","extension":"png"}`)},
		},
	}}
	states := &stubState{states: map[string]string{"match-1": sampleState}}
	hist := &stubHistory{models: map[string]json.RawMessage{"abc1234": json.RawMessage(sampleModel)}}
	idx := &stubSearch{response: search.Response{Results: []search.Result{{ID: "match-1:0:cell-a:threat-1", Title: "First finding"}}, Total: 1}}
	imgs := &stubImages{}

	service := NewService(ServiceDeps{
		Matches:     matches,
		State:       states,
		History:     hist,
		Search:      idx,
		Images:      imgs,
		TokenSecret: []byte(testSecret),
	})
	server := NewHTTPServer(service, "*")
	return &testEnv{store: matches, state: states, history: hist, search: idx, images: imgs, handler: server.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func playerToken(t *testing.T, matchID, name string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		MatchID: matchID,
		Name:    name,
		Exp:     time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestExportModelAttachmentHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/matches/match-1/export/model", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	disposition := rec.Header().Get("Content-Disposition")
	if !strings.HasPrefix(disposition, `attachment; filename="Demo-Model-`) {
		t.Fatalf("unexpected Content-Disposition: %q", disposition)
	}
	if rec.Header().Get("Access-Control-Expose-Headers") != "Content-Disposition" {
		t.Fatal("Content-Disposition must be exposed for browser clients")
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected Content-Type: %q", rec.Header().Get("Content-Type"))
	}

	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("exported model is not JSON: %v", err)
	}
	if _, ok := doc["detail"]; !ok {
		t.Fatal("exported model missing detail")
	}
}

func TestExportModelMergesGameplayThreats(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/matches/match-1/export/model", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "First finding") || !strings.Contains(body, "Second finding") {
		t.Fatal("expected gameplay threats merged into exported model")
	}

	// merge-export reindexes the match
	if len(env.search.indexed["match-1"]) != 2 {
		t.Fatalf("expected 2 indexed threats, got %d", len(env.search.indexed["match-1"]))
	}
}

func TestExportRejectsImageModel(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/api/matches/match-img/export/model",
		"/api/matches/match-img/export/report",
		"/api/matches/match-img/threats",
	} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "IMAGE_MODEL") {
			t.Errorf("%s: expected IMAGE_MODEL code, got %s", path, rec.Body.String())
		}
	}
}

func TestExportReportMarkdownDisplayOrder(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/matches/match-1/export/report", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/markdown; charset=utf-8" {
		t.Fatalf("unexpected Content-Type: %q", rec.Header().Get("Content-Type"))
	}

	body := rec.Body.String()
	first := strings.Index(body, "Second finding")
	second := strings.Index(body, "First finding")
	if first == -1 || second == -1 {
		t.Fatalf("report missing threats: %s", body)
	}
	if first > second {
		t.Fatal("display order must be reverse discovery order")
	}
}

func TestExportReportRejectsUnknownFormat(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/matches/match-1/export/report?format=xlsx", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestThreatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/matches/match-1/threats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Threats []map[string]any `json:"threats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode threats: %v", err)
	}
	if len(payload.Threats) != 2 {
		t.Fatalf("expected 2 threats, got %d", len(payload.Threats))
	}
	if payload.Threats[0]["title"] != "Second finding" {
		t.Fatalf("expected newest first, got %v", payload.Threats[0]["title"])
	}
	if payload.Threats[1]["severity"] != "High" {
		t.Fatalf("expected severity carried through, got %v", payload.Threats[1])
	}
}

func TestGraphEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/matches/match-1/diagrams/0/graph", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var graph struct {
		Cells []map[string]any `json:"cells"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &graph); err != nil {
		t.Fatalf("decode graph: %v", err)
	}
	if len(graph.Cells) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(graph.Cells))
	}

	rec = env.do(t, http.MethodGet, "/api/matches/match-1/diagrams/5/graph", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("out-of-range diagram: status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/matches/match-1/diagrams/x/graph", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric diagram: status = %d, want 400", rec.Code)
	}
}

func TestPutModelRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/matches/match-1/model", sampleModel, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	wrongMatch := playerToken(t, "match-other", "Alice")
	rec = env.do(t, http.MethodPut, "/api/matches/match-1/model", sampleModel, map[string]string{
		"Authorization": "Bearer " + wrongMatch,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong match token: status = %d, want 403", rec.Code)
	}
	if env.store.setCalls != 0 {
		t.Fatal("rejected writes must not reach the store")
	}
}

func TestPutModelCommitsAndReindexes(t *testing.T) {
	env := newTestEnv(t)
	token := playerToken(t, "match-1", "Alice")

	rec := env.do(t, http.MethodPut, "/api/matches/match-1/model", sampleModel, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if env.store.setCalls != 1 || env.store.lastKind != store.ModelKindDocument {
		t.Fatalf("unexpected store write: calls=%d kind=%s", env.store.setCalls, env.store.lastKind)
	}
	if len(env.history.commits) != 1 || env.history.commits[0] != "match-1" {
		t.Fatalf("expected one history commit, got %v", env.history.commits)
	}
	if len(env.search.indexed["match-1"]) == 0 {
		t.Fatal("expected search reindex after model write")
	}

	var payload struct {
		Revision struct {
			Hash   string `json:"hash"`
			Author string `json:"author"`
		} `json:"revision"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Revision.Hash != "abc1234" || payload.Revision.Author != "Alice" {
		t.Fatalf("unexpected revision: %+v", payload.Revision)
	}
}

func TestPutModelRejectsGarbageBody(t *testing.T) {
	env := newTestEnv(t)
	token := playerToken(t, "match-1", "Alice")

	rec := env.do(t, http.MethodPut, "/api/matches/match-1/model", "{not json", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/matches/match-1/model", `{"unrelated":true}`, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unrecognizable model: status = %d, want 400", rec.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/matches/match-1/history", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "abc1234") {
		t.Fatalf("expected revision list, got %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/matches/match-1/history/abc1234/export/model", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revision export: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment;") {
		t.Fatal("revision export must be an attachment")
	}

	rec = env.do(t, http.MethodGet, "/api/matches/match-1/history/ffffff0/export/model", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown revision: status = %d, want 404", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/matches/match-1/threats/search?q=finding", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Results []map[string]any `json:"results"`
		Total   int              `json:"total"`
		Query   string           `json:"query"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 1 || resp.Query != "finding" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestImageEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/matches/match-img/image", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected Content-Type: %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "png-bytes" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/matches/match-1/image", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("document match image: status = %d, want 404", rec.Code)
	}
}

func TestPutImage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/matches/match-img/image?filename=arch.png", "png-bytes", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if len(env.images.uploads) != 0 {
		t.Fatal("rejected uploads must not reach object storage")
	}

	token := playerToken(t, "match-img", "Alice")
	rec = env.do(t, http.MethodPut, "/api/matches/match-img/image?filename=arch.png", "png-bytes", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(env.images.uploads) != 1 || env.images.uploads[0] != "match-img/arch.png" {
		t.Fatalf("unexpected uploads: %v", env.images.uploads)
	}
	if env.store.lastKind != store.ModelKindImage {
		t.Fatalf("model kind = %q, want image placeholder", env.store.lastKind)
	}
	var placeholder struct {
		Name      string `json:"name"`
		Extension string `json:"extension"`
	}
	if err := json.Unmarshal(env.store.lastBody, &placeholder); err != nil {
		t.Fatalf("decode placeholder: %v", err)
	}
	if placeholder.Name != "arch.png" || placeholder.Extension != "png" {
		t.Fatalf("unexpected placeholder: %+v", placeholder)
	}

	rec = env.do(t, http.MethodPut, "/api/matches/match-img/image?filename=noext", "png-bytes", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("extensionless filename: status = %d, want 400", rec.Code)
	}
}

func TestRegisterMatchAndIssueToken(t *testing.T) {
	env := newTestEnv(t)

	registration := `{
		"id": "match-new",
		"gameMode": "EoP",
		"spectators": 1,
		"players": [
			{"position": 0, "name": "Carol", "secret": "carol-secret"},
			{"position": 1, "name": "Dave", "secret": "dave-secret"}
		]
	}`
	rec := env.do(t, http.MethodPost, "/api/matches", registration, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	match, ok := env.store.matches["match-new"]
	if !ok || len(match.Players) != 2 || match.Players[1].Name != "Dave" {
		t.Fatalf("registered match = %+v", match)
	}

	rec = env.do(t, http.MethodPost, "/api/matches/match-new/token", `{"position": 0, "secret": "wrong"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INVALID_SECRET") {
		t.Fatalf("expected INVALID_SECRET, got %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/matches/match-new/token", `{"position": 9, "secret": "carol-secret"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown position: status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/matches/match-new/token", `{"position": 0, "secret": "carol-secret"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("issue token: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var issued struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil || issued.Token == "" {
		t.Fatalf("token response = %s, err = %v", rec.Body.String(), err)
	}
	claims, err := auth.ParseToken([]byte(testSecret), issued.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.MatchID != "match-new" || claims.Name != "Carol" || claims.Position != 0 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	// the issued token authorizes writes to its match
	rec = env.do(t, http.MethodPut, "/api/matches/match-new/model", sampleModel, map[string]string{
		"Authorization": "Bearer " + issued.Token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("write with issued token: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterMatchValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"garbage body", `{not json`, http.StatusBadRequest},
		{"missing id", `{"gameMode": "EoP", "players": [{"position": 0, "name": "Carol"}]}`, http.StatusUnprocessableEntity},
		{"no players", `{"id": "match-x", "gameMode": "EoP", "players": []}`, http.StatusUnprocessableEntity},
		{"unnamed player", `{"id": "match-x", "players": [{"position": 0, "name": ""}]}`, http.StatusUnprocessableEntity},
		{"traversal id", `{"id": "../escape", "players": [{"position": 0, "name": "Carol"}]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range cases {
		rec := env.do(t, http.MethodPost, "/api/matches", tt.body, nil)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
	if _, ok := env.store.matches["match-x"]; ok {
		t.Fatal("rejected registrations must not reach the store")
	}
}

func TestGraphIgnoresMalformedState(t *testing.T) {
	env := newTestEnv(t)
	env.state.states["match-1"] = `{"threats": [42]}`

	rec := env.do(t, http.MethodGet, "/api/matches/match-1/diagrams/0/graph", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("graph: status = %d, body = %s (rendering must not read gameplay state)", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/matches/match-1/threats", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("threats: status = %d, want 400 for malformed state", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "BAD_THREAT_INDEX") {
		t.Fatalf("expected BAD_THREAT_INDEX, got %s", rec.Body.String())
	}
}

func TestHistoryRejectsTraversalMatchID(t *testing.T) {
	env := newTestEnv(t)
	env.store.matches["m..id"] = store.Match{ID: "m..id"}

	rec := env.do(t, http.MethodGet, "/api/matches/m..id/history", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INVALID_MATCH_ID") {
		t.Fatalf("expected INVALID_MATCH_ID, got %s", rec.Body.String())
	}
}

func TestUnknownMatch(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/matches/nope/export/model", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "MATCH_NOT_FOUND") {
		t.Fatalf("expected MATCH_NOT_FOUND, got %s", rec.Body.String())
	}
}

func TestHealthAndOptions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodOptions, "/api/matches/match-1/threats", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("options: status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS origin header")
	}

	rec = env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready with no pingers: status = %d", rec.Code)
	}
}
