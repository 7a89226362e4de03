package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nextcloud/app-api-sub001/pkg/manager"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// AcceptedResponse is returned for an asynchronous deploy
type AcceptedResponse struct {
	AppID  string `json:"appid"`
	Status string `json:"status"`
}

func (s *Server) deployExApp(w http.ResponseWriter, r *http.Request) {
	var body DeployExApp
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := manager.DeployRequest{
		AppID:    body.AppID,
		Daemon:   body.Daemon,
		Manifest: body.Manifest,
		Env:      body.Env,
		JSONInfo: body.JSONInfo,
	}

	async, err := boolParam(r, "async")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if async {
		prepared, err := s.manager.PrepareDeploy(req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		// The deploy outlives the request; progress is reported through
		// the ExApp status and /api/events.
		go func() {
			if _, err := prepared.Run(context.Background()); err != nil {
				s.logger.Error().Err(err).Str("appid", prepared.AppID()).Msg("Asynchronous deploy failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, AcceptedResponse{AppID: req.AppID, Status: "deploying"})
		return
	}

	app, err := s.manager.Deploy(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, maskExApp(app))
}

func (s *Server) updateExApp(w http.ResponseWriter, r *http.Request) {
	var body UpdateExApp
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	app, err := s.manager.Update(r.Context(), chi.URLParam(r, "appid"), manager.UpdateRequest{
		Manifest:       body.Manifest,
		Env:            body.Env,
		ApprovedScopes: body.ApprovedScopes,
		RotateSecret:   body.RotateSecret,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.purgeProxyCache()
	writeJSON(w, http.StatusOK, maskExApp(app))
}

func (s *Server) removeExApp(w http.ResponseWriter, r *http.Request) {
	var opts manager.RemoveOptions
	var err error
	if opts.KeepContainer, err = boolParam(r, "keep_container"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.RemoveData, err = boolParam(r, "remove_data"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Force, err = boolParam(r, "force"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.manager.Remove(r.Context(), chi.URLParam(r, "appid"), opts); err != nil {
		writeServiceError(w, err)
		return
	}
	s.purgeProxyCache()
	w.WriteHeader(http.StatusNoContent)
}

// purgeProxyCache drops cached assets once an ExApp is replaced or gone
func (s *Server) purgeProxyCache() {
	if s.proxy != nil {
		s.proxy.Cache().Purge()
	}
}

func (s *Server) listExApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.manager.ListExApps()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]*types.ExApp, 0, len(apps))
	for _, app := range apps {
		out = append(out, maskExApp(app))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getExApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.manager.GetExApp(chi.URLParam(r, "appid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskExApp(app))
}

// exAppInfo reads the identity back from the daemon. ?daemon= looks up an
// ExApp that is not registered yet.
func (s *Server) exAppInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.LoadInfo(r.Context(), chi.URLParam(r, "appid"), r.URL.Query().Get("daemon"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	info.Secret = ""
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) exAppScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := s.manager.ListScopes(chi.URLParam(r, "appid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if scopes == nil {
		scopes = []types.Scope{}
	}
	writeJSON(w, http.StatusOK, scopes)
}

func (s *Server) enableExApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.manager.Enable(r.Context(), chi.URLParam(r, "appid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskExApp(app))
}

func (s *Server) disableExApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.manager.Disable(r.Context(), chi.URLParam(r, "appid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskExApp(app))
}

// setInitStatus receives init progress from the ExApp. The call is signed
// with the ExApp secret instead of the admin token.
func (s *Server) setInitStatus(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	app, _, err := s.manager.ValidateExAppRequest(r, body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if appID := chi.URLParam(r, "appid"); app.AppID != appID {
		writeError(w, http.StatusForbidden, fmt.Sprintf("ExApp %s may not report status of %s", app.AppID, appID))
		return
	}

	var status SetInitStatus
	if err := json.Unmarshal(body, &status); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := validate.Struct(&status); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
		return
	}

	if err := s.manager.SetInitProgress(r.Context(), app.AppID, status.Progress, status.Error); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("query parameter %s: %q is not a boolean", name, raw)
	}
	return v, nil
}

// maskExApp returns a copy without the ExApp secret
func maskExApp(app *types.ExApp) *types.ExApp {
	out := *app
	out.Secret = ""
	return &out
}
