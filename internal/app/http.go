package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"worldloom/api/internal/accounts"
	"worldloom/api/internal/auth"
	"worldloom/api/internal/storage"
)

// Slightly above the storage layer's image cap so multipart overhead
// never trips the reader before validation runs.
const maxUploadBytes = storage.MaxImageSize + (1 << 20)

type HTTPServer struct {
	service      *Service
	corsOrigin   string
	postLoginURL string

	limiterMu      sync.Mutex
	uploadLimiters map[string]*rate.Limiter
	uploadRate     rate.Limit
	uploadBurst    int
}

func NewHTTPServer(service *Service, corsOrigin, postLoginURL string, uploadPerMinute, uploadBurst int) *HTTPServer {
	if uploadPerMinute <= 0 {
		uploadPerMinute = 10
	}
	if uploadBurst <= 0 {
		uploadBurst = 3
	}
	return &HTTPServer{
		service:        service,
		corsOrigin:     corsOrigin,
		postLoginURL:   postLoginURL,
		uploadLimiters: make(map[string]*rate.Limiter),
		uploadRate:     rate.Limit(float64(uploadPerMinute) / 60),
		uploadBurst:    uploadBurst,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	// Liveness only; the aggregate dependency report lives under /db.
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health/db" {
		status, payload := s.service.HealthReport(r.Context())
		writeJSON(w, status, payload)
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/verify-email" {
		s.handleAuthVerifyEmail(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password/request" {
		s.handleAuthRequestReset(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password" {
		s.handleAuthResetPassword(w, r)
		return
	}

	// OAuth browser flow
	if r.Method == http.MethodGet && r.URL.Path == "/auth/login" {
		s.handleOAuthLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/auth/callback" {
		s.handleOAuthCallback(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/auth/signout" {
		refreshToken := strings.TrimSpace(r.URL.Query().Get("refreshToken"))
		if refreshToken != "" {
			_ = s.service.Logout(r.Context(), refreshToken)
		}
		http.Redirect(w, r, s.postLoginURL, http.StatusFound)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"userName":     session.UserName,
			"expiresAt":    session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Service-role routes carry their own token, not a user session.
	if strings.HasPrefix(r.URL.Path, "/api/admin/") {
		s.handleAdmin(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/invites/accept" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AcceptInvite(r.Context(), session, body.Token)
		if err != nil {
			var domainErr *DomainError
			if errors.As(err, &domainErr) && domainErr.Code == "INVITE_REJECTED" {
				// Rejections carry the acceptance flags in the body itself
				// so clients can branch without parsing details.
				writeJSON(w, domainErr.Status, map[string]any{
					"ok":       false,
					"accepted": false,
					"code":     domainErr.Code,
					"error":    domainErr.Message,
				})
				return
			}
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/profile" {
		s.handleProfile(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/templates" {
		items, err := s.service.ListSystemTemplates(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"templates": items})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "worlds" {
		s.handleWorlds(w, r, session, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request, session Session) {
	if r.Method == http.MethodGet {
		payload, err := s.service.GetProfile(r.Context(), session.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPut {
		body, ok := decodeMapBody(w, r)
		if !ok {
			return
		}
		payload, err := s.service.UpdateProfile(r.Context(), session.UserID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// handleWorlds dispatches everything under /api/worlds by path shape.
func (s *HTTPServer) handleWorlds(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	// /api/worlds
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListWorlds(ctx, session.UserID)
			s.respond(w, map[string]any{"worlds": items}, err)
		case http.MethodPost:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.CreateWorld(ctx, session, body)
			s.respond(w, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	worldID := parts[2]

	// /api/worlds/{id}
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetWorld(ctx, worldID, session.UserID)
			s.respond(w, payload, err)
		case http.MethodPut:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.UpdateWorld(ctx, session, worldID, body)
			s.respond(w, payload, err)
		case http.MethodDelete:
			s.respondOK(w, s.service.DeleteWorld(ctx, session, worldID))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch parts[3] {
	case "members":
		s.handleMembers(w, r, session, worldID, parts)
	case "invites":
		s.handleInvites(w, r, session, worldID, parts)
	case "reseed":
		if len(parts) == 4 && r.Method == http.MethodPost {
			payload, err := s.service.ReseedWorld(ctx, session, worldID)
			s.respond(w, payload, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "folders":
		s.handleFolders(w, r, session, worldID, parts)
	case "templates":
		s.handleTemplates(w, r, session, worldID, parts)
	case "entities":
		s.handleEntities(w, r, session, worldID, parts)
	case "relationships":
		s.handleRelationships(w, r, session, worldID, parts)
	case "maps":
		s.handleMaps(w, r, session, worldID, parts)
	case "activity":
		if len(parts) == 4 && r.Method == http.MethodGet {
			limit := queryInt(r, "limit", 50)
			items, err := s.service.ListActivity(ctx, worldID, session.UserID, limit)
			s.respond(w, map[string]any{"activity": items}, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "search":
		if len(parts) == 4 && r.Method == http.MethodGet {
			q := strings.TrimSpace(r.URL.Query().Get("q"))
			limit := queryInt(r, "limit", 20)
			offset := queryInt(r, "offset", 0)
			payload, err := s.service.SearchEntities(ctx, worldID, session.UserID, q, limit, offset)
			s.respond(w, payload, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, session Session, worldID string, parts []string) {
	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		items, err := s.service.ListWorldMembers(ctx, worldID, session.UserID)
		s.respond(w, map[string]any{"members": items}, err)
	case http.MethodPut:
		body, ok := decodeMapBody(w, r)
		if !ok {
			return
		}
		payload, err := s.service.UpdateMemberRole(ctx, session, worldID, body)
		s.respond(w, payload, err)
	case http.MethodDelete:
		memberID := strings.TrimSpace(r.URL.Query().Get("memberId"))
		s.respondOK(w, s.service.RemoveMember(ctx, session, worldID, memberID))
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleInvites(w http.ResponseWriter, r *http.Request, session Session, worldID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 4 && r.Method == http.MethodPost {
		body, ok := decodeMapBody(w, r)
		if !ok {
			return
		}
		payload, err := s.service.CreateInvite(ctx, session, worldID, body)
		s.respond(w, payload, err)
		return
	}
	if len(parts) == 5 && r.Method == http.MethodDelete {
		s.respondOK(w, s.service.RevokeInvite(ctx, session, worldID, parts[4]))
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleFolders(w http.ResponseWriter, r *http.Request, session Session, worldID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListFolders(ctx, worldID, session.UserID)
			s.respond(w, map[string]any{"folders": items}, err)
		case http.MethodPost:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.CreateFolder(ctx, session, worldID, body)
			s.respond(w, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}
	if len(parts) == 5 {
		folderID := parts[4]
		switch r.Method {
		case http.MethodPut:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.UpdateFolder(ctx, session, worldID, folderID, body)
			s.respond(w, payload, err)
		case http.MethodDelete:
			s.respondOK(w, s.service.DeleteFolder(ctx, session, worldID, folderID))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleTemplates(w http.ResponseWriter, r *http.Request, session Session, worldID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListWorldTemplates(ctx, worldID, session.UserID)
			s.respond(w, map[string]any{"templates": items}, err)
		case http.MethodPost:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.CreateTemplate(ctx, session, worldID, body)
			s.respond(w, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}
	if len(parts) == 5 {
		templateID := parts[4]
		switch r.Method {
		case http.MethodPut:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.UpdateTemplate(ctx, session, worldID, templateID, body)
			s.respond(w, payload, err)
		case http.MethodDelete:
			s.respondOK(w, s.service.DeleteTemplate(ctx, session, worldID, templateID))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleEntities(w http.ResponseWriter, r *http.Request, session Session, worldID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			folderID := strings.TrimSpace(r.URL.Query().Get("folderId"))
			items, err := s.service.ListEntities(ctx, worldID, session.UserID, folderID)
			s.respond(w, map[string]any{"entities": items}, err)
		case http.MethodPost:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.CreateEntity(ctx, session, worldID, body)
			s.respond(w, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}
	if len(parts) == 5 {
		entityID := parts[4]
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetEntity(ctx, worldID, session.UserID, entityID)
			s.respond(w, payload, err)
		case http.MethodPut:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.UpdateEntity(ctx, session, worldID, entityID, body)
			s.respond(w, payload, err)
		case http.MethodDelete:
			s.respondOK(w, s.service.DeleteEntity(ctx, session, worldID, entityID))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRelationships(w http.ResponseWriter, r *http.Request, session Session, worldID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListRelationships(ctx, worldID, session.UserID)
			s.respond(w, map[string]any{"relationships": items}, err)
		case http.MethodPost:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.CreateRelationship(ctx, session, worldID, body)
			s.respond(w, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}
	if len(parts) == 5 && r.Method == http.MethodDelete {
		s.respondOK(w, s.service.DeleteRelationship(ctx, session, worldID, parts[4]))
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMaps(w http.ResponseWriter, r *http.Request, session Session, worldID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListMaps(ctx, worldID, session.UserID)
			s.respond(w, map[string]any{"maps": items}, err)
		case http.MethodPost:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.CreateMap(ctx, session, worldID, body)
			s.respond(w, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 5 && parts[4] == "upload" && r.Method == http.MethodPost {
		s.handleMapUpload(w, r, session, worldID)
		return
	}

	if len(parts) == 5 && r.Method == http.MethodDelete {
		s.respondOK(w, s.service.DeleteMap(ctx, session, worldID, parts[4]))
		return
	}

	if len(parts) == 6 && parts[5] == "markers" {
		mapID := parts[4]
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListMarkers(ctx, worldID, session.UserID, mapID)
			s.respond(w, map[string]any{"markers": items}, err)
		case http.MethodPost:
			body, ok := decodeMapBody(w, r)
			if !ok {
				return
			}
			payload, err := s.service.CreateMarker(ctx, session, worldID, mapID, body)
			s.respond(w, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 7 && parts[5] == "markers" && r.Method == http.MethodDelete {
		s.respondOK(w, s.service.DeleteMarker(ctx, session, worldID, parts[4], parts[6]))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

func (s *HTTPServer) handleMapUpload(w http.ResponseWriter, r *http.Request, session Session, worldID string) {
	if !s.allowUpload(session.UserID) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many uploads, slow down", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not parse upload", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "A file field is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !allowedImageTypes[contentType] {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Only PNG, JPEG and WebP images are accepted", nil)
		return
	}

	payload, err := s.service.UploadMapImage(r.Context(), session, worldID, contentType, header.Size, file)
	s.respond(w, payload, err)
}

// handleAdmin serves operational routes authorized by the service-role
// token instead of a user session.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	expected := s.service.cfg.ServiceRoleToken
	token := bearerToken(r)
	if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)

	// POST /api/admin/worlds/{id}/reindex
	if len(parts) == 5 && parts[2] == "worlds" && parts[4] == "reindex" && r.Method == http.MethodPost {
		if err := s.service.ReindexWorldSearch(r.Context(), parts[3]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "worldId": parts[3]})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// allowUpload enforces a per-user token bucket on map image uploads.
func (s *HTTPServer) allowUpload(userID string) bool {
	s.limiterMu.Lock()
	limiter, ok := s.uploadLimiters[userID]
	if !ok {
		limiter = rate.NewLimiter(s.uploadRate, s.uploadBurst)
		s.uploadLimiters[userID] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) respondOK(w http.ResponseWriter, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// ── OAuth handlers ──

func (s *HTTPServer) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider := s.service.OAuthProvider()
	if provider == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "OAuth is not configured", nil)
		return
	}
	http.Redirect(w, r, provider.AuthURL(), http.StatusFound)
}

func (s *HTTPServer) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := s.service.OAuthProvider()
	if provider == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "OAuth is not configured", nil)
		return
	}
	if err := provider.VerifyState(r.URL.Query().Get("state")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_STATE", "OAuth state is invalid or expired", nil)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Missing authorization code", nil)
		return
	}
	info, err := provider.Exchange(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusBadGateway, "OAUTH_FAILED", "Could not complete sign in", nil)
		return
	}
	session, err := s.service.SessionForOAuthUser(r.Context(), info)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}
	// Tokens ride the fragment so they never hit server logs.
	target := fmt.Sprintf("%s#token=%s&refreshToken=%s", s.postLoginURL, session.Token, session.RefreshToken)
	http.Redirect(w, r, target, http.StatusFound)
}

// ── Password auth handlers ──

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	accountsSvc := s.service.AccountsService()
	if accountsSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	resp, err := accountsSvc.SignUp(r.Context(), accounts.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		if err.Error() == "email already registered" {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		return
	}

	response := map[string]any{
		"userId":  resp.UserID,
		"message": "Please check your email to verify your account",
	}
	if s.service.SMTPConfigured() {
		s.service.SendVerificationEmail(body.Email, body.DisplayName, resp.VerificationToken)
	} else {
		// Dev bypass: surface the token when no mailer is wired up.
		response["devVerificationToken"] = resp.VerificationToken
		response["message"] = "Account created. Verify your email to continue."
	}

	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	accountsSvc := s.service.AccountsService()
	if accountsSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	resp, err := accountsSvc.SignIn(r.Context(), accounts.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}

	if resp.RequiresVerify {
		writeError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), resp.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	accountsSvc := s.service.AccountsService()
	if accountsSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := accountsSvc.VerifyEmail(r.Context(), body.Token); err != nil {
		writeError(w, http.StatusBadRequest, "VERIFICATION_FAILED", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Email verified successfully",
	})
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	accountsSvc := s.service.AccountsService()
	if accountsSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, _ := accountsSvc.RequestPasswordReset(r.Context(), body.Email)

	response := map[string]any{
		"message": "If an account exists, a reset email has been sent",
	}
	if s.service.SMTPConfigured() {
		if token != "" {
			s.service.SendPasswordResetEmail(body.Email, token)
		}
	} else if token != "" {
		response["devResetToken"] = token
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	accountsSvc := s.service.AccountsService()
	if accountsSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := accountsSvc.ResetPassword(r.Context(), accounts.ResetPasswordRequest{
		Token:       body.Token,
		NewPassword: body.NewPassword,
	}); err != nil {
		writeError(w, http.StatusBadRequest, "RESET_FAILED", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successfully",
	})
}

// ── Middleware and helpers ──

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeMapBody reads a generic JSON object body and writes the 400
// itself on failure.
func decodeMapBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body := map[string]any{}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return nil, false
	}
	return body, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
