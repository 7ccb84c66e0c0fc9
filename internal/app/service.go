package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"threatdeck/api/internal/aggregate"
	"threatdeck/api/internal/auth"
	"threatdeck/api/internal/export"
	"threatdeck/api/internal/history"
	"threatdeck/api/internal/render"
	"threatdeck/api/internal/search"
	"threatdeck/api/internal/state"
	"threatdeck/api/internal/store"
	"threatdeck/api/internal/threatmodel"
)

type MatchStore interface {
	CreateMatch(ctx context.Context, match store.Match) error
	FetchMatch(ctx context.Context, matchID string, projection store.Projection) (store.Match, error)
	SetModel(ctx context.Context, matchID, kind string, body json.RawMessage) error
	SetPlayerSecret(ctx context.Context, matchID string, position int, secret string) error
	VerifyPlayerSecret(ctx context.Context, matchID string, position int, secret string) (bool, error)
}

type StateReader interface {
	Snapshot(ctx context.Context, matchID string) (state.MatchState, error)
}

type HistoryKeeper interface {
	CommitModel(matchID string, model json.RawMessage, author, message string) (history.Revision, error)
	Revisions(matchID string, limit int) ([]history.Revision, error)
	ModelAt(matchID, hash string) (json.RawMessage, error)
}

type ThreatSearch interface {
	Search(q search.Query) search.Response
	IndexThreats(matchID string, records []search.ThreatRecord)
}

type ImageStore interface {
	PutImage(ctx context.Context, matchID, filename string, body io.Reader, size int64) error
	GetImage(ctx context.Context, matchID, filename string) (io.ReadCloser, string, int64, error)
}

type Service struct {
	matches MatchStore
	state   StateReader
	history HistoryKeeper
	search  ThreatSearch
	images  ImageStore
	events  Events
	secret  []byte
	now     func() time.Time

	dbPing    func(context.Context) error
	redisPing func(context.Context) error
}

type ServiceDeps struct {
	Matches     MatchStore
	State       StateReader
	History     HistoryKeeper
	Search      ThreatSearch
	Images      ImageStore
	Events      Events
	TokenSecret []byte
	DBPing      func(context.Context) error
	RedisPing   func(context.Context) error
}

func NewService(deps ServiceDeps) *Service {
	events := deps.Events
	if events == nil {
		events = LogEvents()
	}
	return &Service{
		matches:   deps.Matches,
		state:     deps.State,
		history:   deps.History,
		search:    deps.Search,
		images:    deps.Images,
		events:    events,
		secret:    deps.TokenSecret,
		now:       time.Now,
		dbPing:    deps.DBPing,
		redisPing: deps.RedisPing,
	}
}

// matchContext is everything an export or render operation needs: the match
// row, its parsed document, the live gameplay arena and the player roster.
type matchContext struct {
	match  store.Match
	doc    threatmodel.Document
	arena  threatmodel.Arena
	roster []string
}

// loadMatch resolves a match for export or render operations. The gameplay
// arena is only fetched and parsed when withArena is set: rendering needs no
// gameplay data and must not fail on a malformed live state.
func (s *Service) loadMatch(ctx context.Context, matchID string, withArena bool) (matchContext, error) {
	match, err := s.matches.FetchMatch(ctx, matchID, store.FullProjection())
	if err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			return matchContext{}, domainError(http.StatusNotFound, "MATCH_NOT_FOUND", "Match not found", nil)
		}
		return matchContext{}, fmt.Errorf("fetch match %s: %w", matchID, err)
	}
	if match.Model == nil {
		return matchContext{}, domainError(http.StatusNotFound, "MODEL_MISSING", "Match has no stored model", nil)
	}

	// Image-backed matches are rejected here, before any aggregation runs.
	switch threatmodel.DetectKind(match.Model.Body) {
	case threatmodel.KindImage:
		return matchContext{}, domainError(http.StatusBadRequest, "IMAGE_MODEL", "Match stores an uploaded image, not a structured model", nil)
	case threatmodel.KindUnknown:
		return matchContext{}, domainError(http.StatusBadRequest, "BAD_MODEL", "Stored model is not a recognizable document", nil)
	}

	doc, err := threatmodel.ParseDocument(match.Model.Body)
	if err != nil {
		return matchContext{}, domainError(http.StatusBadRequest, "BAD_MODEL", "Stored model could not be parsed", nil)
	}

	var arena threatmodel.Arena
	if withArena {
		arena, err = s.loadArena(ctx, matchID)
		if err != nil {
			return matchContext{}, err
		}
	}

	roster := make([]string, 0, len(match.Players))
	for _, player := range match.Players {
		roster = append(roster, player.Name)
	}

	return matchContext{match: match, doc: doc, arena: arena, roster: roster}, nil
}

func (s *Service) loadArena(ctx context.Context, matchID string) (threatmodel.Arena, error) {
	snap, err := s.state.Snapshot(ctx, matchID)
	if errors.Is(err, state.ErrNoState) {
		return threatmodel.Arena{}, nil
	}
	if err != nil {
		return threatmodel.Arena{}, fmt.Errorf("snapshot match %s: %w", matchID, err)
	}
	arena, err := threatmodel.ParseArena(snap.Threats)
	if err != nil {
		return threatmodel.Arena{}, domainError(http.StatusBadRequest, "BAD_THREAT_INDEX", "Identified-threats index is malformed", nil)
	}
	return arena, nil
}

// ExportModel merges gameplay threats into the stored document and returns
// it as a downloadable, re-importable JSON artifact. The stored model is not
// modified; the merge exists only in the export.
func (s *Service) ExportModel(ctx context.Context, matchID string) (*export.Result, error) {
	mc, err := s.loadMatch(ctx, matchID, true)
	if err != nil {
		return nil, err
	}

	merged := aggregate.MergeIntoDocument(mc.doc, mc.arena, mc.roster, mc.match.GameMode, matchID)
	result, err := export.ModelJSON(merged, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("serialize model: %w", err)
	}

	s.search.IndexThreats(matchID, buildSearchRecords(matchID, merged))
	s.events.Emit(Event{Name: "model_exported", MatchID: matchID, Fields: map[string]any{"filename": result.Filename}})
	return result, nil
}

// ExportModelAt re-exports a historical revision of the model.
func (s *Service) ExportModelAt(ctx context.Context, matchID, hash string) (*export.Result, error) {
	raw, err := s.history.ModelAt(matchID, hash)
	if errors.Is(err, history.ErrBadMatchID) {
		return nil, err
	}
	if err != nil {
		return nil, domainError(http.StatusNotFound, "REVISION_NOT_FOUND", "Model revision not found", nil)
	}
	if threatmodel.DetectKind(raw) != threatmodel.KindDocument {
		return nil, domainError(http.StatusBadRequest, "IMAGE_MODEL", "Revision stores an uploaded image, not a structured model", nil)
	}
	doc, err := threatmodel.ParseDocument(raw)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "BAD_MODEL", "Revision could not be parsed", nil)
	}
	result, err := export.ModelJSON(doc, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("serialize model revision: %w", err)
	}
	return result, nil
}

// ExportReport renders the flattened threat list in display order as a
// Markdown, PDF or DOCX report.
func (s *Service) ExportReport(ctx context.Context, matchID string, format export.Format) (*export.Result, error) {
	mc, err := s.loadMatch(ctx, matchID, true)
	if err != nil {
		return nil, err
	}

	threats := displayOrder(aggregate.Flatten(mc.arena, &mc.doc, mc.roster))
	slug := export.ReportSlug(mc.doc.Summary.Title, mc.match.GameMode)
	result, err := export.ThreatsReport(format, threats, slug, s.timestamp())
	if err != nil {
		return nil, err
	}

	s.events.Emit(Event{Name: "report_exported", MatchID: matchID, Fields: map[string]any{"format": string(format), "threats": len(threats)}})
	return result, nil
}

// Threats returns the flattened threat list in display order.
func (s *Service) Threats(ctx context.Context, matchID string) ([]threatmodel.Threat, error) {
	mc, err := s.loadMatch(ctx, matchID, true)
	if err != nil {
		return nil, err
	}
	return displayOrder(aggregate.Flatten(mc.arena, &mc.doc, mc.roster)), nil
}

// RenderGraph derives the UI rendering graph for one diagram, addressed by
// array position.
func (s *Service) RenderGraph(ctx context.Context, matchID string, index int) (render.Graph, error) {
	mc, err := s.loadMatch(ctx, matchID, false)
	if err != nil {
		return render.Graph{}, err
	}
	diagram, ok := mc.doc.DiagramAt(index)
	if !ok {
		return render.Graph{}, domainError(http.StatusNotFound, "DIAGRAM_NOT_FOUND", "Diagram index out of range", nil)
	}
	return render.ToGraph(*diagram), nil
}

// MatchRegistration is the lobby hand-off payload: the match, its roster and
// each player's shared secret. Secrets are exchanged for write tokens via
// IssuePlayerToken; they are never stored in the clear.
type MatchRegistration struct {
	ID         string               `json:"id"`
	GameMode   string               `json:"gameMode"`
	Spectators int                  `json:"spectators"`
	Players    []PlayerRegistration `json:"players"`
}

type PlayerRegistration struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
	Secret   string `json:"secret"`
}

// RegisterMatch records a match handed off by the lobby. Registration is
// idempotent on the match id; player names and secrets are upserted.
func (s *Service) RegisterMatch(ctx context.Context, reg MatchRegistration) error {
	if strings.TrimSpace(reg.ID) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Match id is required", nil)
	}
	// The id names a revision repository directory; see history.ErrBadMatchID.
	if strings.ContainsAny(reg.ID, "/\\.") {
		return domainError(http.StatusUnprocessableEntity, "INVALID_MATCH_ID", "Match id must not contain path separators or dots", nil)
	}
	if len(reg.Players) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "At least one player is required", nil)
	}

	match := store.Match{ID: reg.ID, GameMode: reg.GameMode, Spectators: reg.Spectators}
	for _, player := range reg.Players {
		if strings.TrimSpace(player.Name) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Player name is required", map[string]any{"position": player.Position})
		}
		match.Players = append(match.Players, store.Player{MatchID: reg.ID, Position: player.Position, Name: player.Name})
	}

	if err := s.matches.CreateMatch(ctx, match); err != nil {
		return fmt.Errorf("create match %s: %w", reg.ID, err)
	}
	for _, player := range reg.Players {
		if player.Secret == "" {
			continue
		}
		if err := s.matches.SetPlayerSecret(ctx, reg.ID, player.Position, player.Secret); err != nil {
			return fmt.Errorf("set player secret %s/%d: %w", reg.ID, player.Position, err)
		}
	}

	s.events.Emit(Event{Name: "match_registered", MatchID: reg.ID, Fields: map[string]any{"gameMode": reg.GameMode, "players": len(reg.Players)}})
	return nil
}

const playerTokenTTL = 24 * time.Hour

// IssuePlayerToken exchanges a player's lobby secret for a signed token that
// authorizes writes to this match.
func (s *Service) IssuePlayerToken(ctx context.Context, matchID string, position int, secret string) (string, error) {
	match, err := s.matches.FetchMatch(ctx, matchID, store.Projection{Players: true})
	if err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			return "", domainError(http.StatusNotFound, "MATCH_NOT_FOUND", "Match not found", nil)
		}
		return "", fmt.Errorf("fetch match %s: %w", matchID, err)
	}

	var name string
	found := false
	for _, player := range match.Players {
		if player.Position == position {
			name = player.Name
			found = true
			break
		}
	}
	if !found {
		return "", domainError(http.StatusNotFound, "PLAYER_NOT_FOUND", "No player at this position", nil)
	}

	ok, err := s.matches.VerifyPlayerSecret(ctx, matchID, position, secret)
	if err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			return "", domainError(http.StatusNotFound, "PLAYER_NOT_FOUND", "No player at this position", nil)
		}
		return "", fmt.Errorf("verify player secret %s/%d: %w", matchID, position, err)
	}
	if !ok {
		return "", domainError(http.StatusUnauthorized, "INVALID_SECRET", "Player secret does not match", nil)
	}

	token, err := auth.IssueToken(s.secret, auth.Claims{
		MatchID:  matchID,
		Position: position,
		Name:     name,
		Exp:      s.now().Add(playerTokenTTL).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("issue player token %s/%d: %w", matchID, position, err)
	}

	s.events.Emit(Event{Name: "token_issued", MatchID: matchID, Fields: map[string]any{"position": position, "player": name}})
	return token, nil
}

// SearchThreats queries the threat index for one match.
func (s *Service) SearchThreats(ctx context.Context, matchID, text string, limit, offset int) (search.Response, error) {
	if _, err := s.matches.FetchMatch(ctx, matchID, store.Projection{}); err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			return search.Response{}, domainError(http.StatusNotFound, "MATCH_NOT_FOUND", "Match not found", nil)
		}
		return search.Response{}, fmt.Errorf("fetch match %s: %w", matchID, err)
	}
	return s.search.Search(search.Query{MatchID: matchID, Text: text, Limit: limit, Offset: offset}), nil
}

// PutModel replaces the stored model. The caller must present a player token
// for this match; every accepted write is committed to the revision history
// and reindexed for search.
func (s *Service) PutModel(ctx context.Context, matchID, token string, body json.RawMessage) (history.Revision, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return history.Revision{}, err
	}
	if claims.MatchID != matchID {
		return history.Revision{}, domainError(http.StatusForbidden, "FORBIDDEN", "Token is not valid for this match", nil)
	}

	if _, err := s.matches.FetchMatch(ctx, matchID, store.Projection{}); err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			return history.Revision{}, domainError(http.StatusNotFound, "MATCH_NOT_FOUND", "Match not found", nil)
		}
		return history.Revision{}, fmt.Errorf("fetch match %s: %w", matchID, err)
	}

	var kind string
	switch threatmodel.DetectKind(body) {
	case threatmodel.KindDocument:
		kind = store.ModelKindDocument
		if _, err := threatmodel.ParseDocument(body); err != nil {
			return history.Revision{}, domainError(http.StatusBadRequest, "BAD_MODEL", "Model body could not be parsed", nil)
		}
	case threatmodel.KindImage:
		kind = store.ModelKindImage
	default:
		return history.Revision{}, domainError(http.StatusBadRequest, "BAD_MODEL", "Model body is not a recognizable document", nil)
	}

	if err := s.matches.SetModel(ctx, matchID, kind, body); err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			return history.Revision{}, domainError(http.StatusNotFound, "MATCH_NOT_FOUND", "Match not found", nil)
		}
		return history.Revision{}, fmt.Errorf("set model %s: %w", matchID, err)
	}

	rev, err := s.history.CommitModel(matchID, body, claims.Name, "Update model")
	if err != nil {
		return history.Revision{}, fmt.Errorf("commit model %s: %w", matchID, err)
	}

	if kind == store.ModelKindDocument {
		s.reindexMatch(ctx, matchID, body)
	}

	s.events.Emit(Event{Name: "model_updated", MatchID: matchID, Fields: map[string]any{"author": claims.Name, "revision": rev.Hash, "kind": kind}})
	return rev, nil
}

func (s *Service) reindexMatch(ctx context.Context, matchID string, body json.RawMessage) {
	doc, err := threatmodel.ParseDocument(body)
	if err != nil {
		return
	}
	arena, err := s.loadArena(ctx, matchID)
	if err != nil {
		arena = threatmodel.Arena{}
	}
	match, err := s.matches.FetchMatch(ctx, matchID, store.Projection{Players: true})
	if err != nil {
		return
	}
	roster := make([]string, 0, len(match.Players))
	for _, player := range match.Players {
		roster = append(roster, player.Name)
	}
	merged := aggregate.MergeIntoDocument(doc, arena, roster, match.GameMode, matchID)
	s.search.IndexThreats(matchID, buildSearchRecords(matchID, merged))
}

// PutImage stores an uploaded diagram image and replaces the match's model
// with an image placeholder, which excludes the match from structured
// exports until a document is written back.
func (s *Service) PutImage(ctx context.Context, matchID, token, filename string, body io.Reader, size int64) error {
	if s.images == nil {
		return domainError(http.StatusServiceUnavailable, "IMAGES_UNAVAILABLE", "Image storage not configured", nil)
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return err
	}
	if claims.MatchID != matchID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Token is not valid for this match", nil)
	}
	ext := strings.TrimPrefix(path.Ext(filename), ".")
	if ext == "" {
		return domainError(http.StatusBadRequest, "INVALID_FILENAME", "Filename must carry an image extension", nil)
	}

	if _, err := s.matches.FetchMatch(ctx, matchID, store.Projection{}); err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			return domainError(http.StatusNotFound, "MATCH_NOT_FOUND", "Match not found", nil)
		}
		return fmt.Errorf("fetch match %s: %w", matchID, err)
	}

	if err := s.images.PutImage(ctx, matchID, filename, body, size); err != nil {
		return fmt.Errorf("store image %s: %w", matchID, err)
	}

	placeholder, err := json.Marshal(threatmodel.ImagePlaceholder{Name: filename, Extension: ext})
	if err != nil {
		return fmt.Errorf("marshal image placeholder: %w", err)
	}
	if err := s.matches.SetModel(ctx, matchID, store.ModelKindImage, placeholder); err != nil {
		return fmt.Errorf("set image model %s: %w", matchID, err)
	}

	s.events.Emit(Event{Name: "image_uploaded", MatchID: matchID, Fields: map[string]any{"author": claims.Name, "filename": filename}})
	return nil
}

// History lists model revisions, newest first.
func (s *Service) History(ctx context.Context, matchID string, limit int) ([]history.Revision, error) {
	if _, err := s.matches.FetchMatch(ctx, matchID, store.Projection{}); err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			return nil, domainError(http.StatusNotFound, "MATCH_NOT_FOUND", "Match not found", nil)
		}
		return nil, fmt.Errorf("fetch match %s: %w", matchID, err)
	}
	return s.history.Revisions(matchID, limit)
}

// Image streams the uploaded diagram for an image-backed match.
func (s *Service) Image(ctx context.Context, matchID string) (io.ReadCloser, string, int64, error) {
	if s.images == nil {
		return nil, "", 0, domainError(http.StatusServiceUnavailable, "IMAGES_UNAVAILABLE", "Image storage not configured", nil)
	}
	match, err := s.matches.FetchMatch(ctx, matchID, store.Projection{Model: true})
	if err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			return nil, "", 0, domainError(http.StatusNotFound, "MATCH_NOT_FOUND", "Match not found", nil)
		}
		return nil, "", 0, fmt.Errorf("fetch match %s: %w", matchID, err)
	}
	if match.Model == nil || threatmodel.DetectKind(match.Model.Body) != threatmodel.KindImage {
		return nil, "", 0, domainError(http.StatusNotFound, "IMAGE_NOT_FOUND", "Match has no uploaded image", nil)
	}

	var placeholder threatmodel.ImagePlaceholder
	if err := json.Unmarshal(match.Model.Body, &placeholder); err != nil {
		return nil, "", 0, domainError(http.StatusBadRequest, "BAD_MODEL", "Image placeholder could not be parsed", nil)
	}
	filename := placeholder.Name
	if filename == "" {
		filename = "model." + placeholder.Extension
	}
	return s.images.GetImage(ctx, matchID, filename)
}

// Ready reports per-dependency readiness. An empty map means everything
// reachable.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failures := map[string]error{}
	if s.dbPing != nil {
		if err := s.dbPing(ctx); err != nil {
			failures["database"] = err
		}
	}
	if s.redisPing != nil {
		if err := s.redisPing(ctx); err != nil {
			failures["redis"] = err
		}
	}
	return failures
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// displayOrder reverses discovery order: the UI and reports show the newest
// finding first.
func displayOrder(threats []threatmodel.Threat) []threatmodel.Threat {
	out := make([]threatmodel.Threat, len(threats))
	for i, t := range threats {
		out[len(threats)-1-i] = t
	}
	return out
}

// buildSearchRecords walks a merged document and produces one index record
// per embedded threat, keyed so reindexing overwrites prior entries.
func buildSearchRecords(matchID string, doc threatmodel.Document) []search.ThreatRecord {
	records := make([]search.ThreatRecord, 0)
	for dgIdx := range doc.Detail.Diagrams {
		diagram := &doc.Detail.Diagrams[dgIdx]
		for cellIdx := range diagram.Cells {
			cell := &diagram.Cells[cellIdx]
			for thIdx, threat := range cell.Data.Threats {
				id := threat.ID
				if id == "" {
					id = fmt.Sprintf("t%d", thIdx)
				}
				records = append(records, search.ThreatRecord{
					ID:          fmt.Sprintf("%s:%d:%s:%s", matchID, dgIdx, cell.ID, id),
					MatchID:     matchID,
					Title:       threat.Title,
					Description: threat.Description,
					Mitigation:  threat.Mitigation,
					Category:    threat.Type,
					Severity:    threat.Severity,
					Status:      threat.Status,
					Owner:       threat.Owner,
				})
			}
		}
	}
	return records
}
