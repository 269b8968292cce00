package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"biostream/cmd/internal/authclient"
	"biostream/cmd/internal/realtime"
	"biostream/cmd/internal/session"
	"biostream/cmd/security/token"

	"github.com/gorilla/mux"
)

// controlAPI is the HTTP surface over the session controller.
type controlAPI struct {
	log     Logger
	ctl     *session.Controller
	auth    *authclient.Client
	hub     *realtime.Hub
	metrics *Metrics
	userID  string
}

type deviceView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type sessionView struct {
	ID        string    `json:"id"`
	DataTypes []string  `json:"data_types"`
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"started_at"`
}

type transportView struct {
	Transport string       `json:"transport"`
	Supported bool         `json:"supported"`
	State     string       `json:"state"`
	Device    *deviceView  `json:"device,omitempty"`
	Session   *sessionView `json:"session,omitempty"`
}

type startStreamRequest struct {
	DataTypes []string `json:"data_types"`
	UserID    string   `json:"user_id"`
}

// readiness tracks the startup SDK token bootstrap.
type readiness struct {
	mu        sync.Mutex
	attempted bool
	required  bool
	err       error
}

func (r *readiness) done(required bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempted = true
	r.required = required
	r.err = err
}

func (r *readiness) check() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.attempted:
		return false, "bootstrapping"
	case r.required && r.err != nil:
		return false, "sdk token unavailable"
	default:
		return true, ""
	}
}

func registerHTTP(
	r *mux.Router,
	api *controlAPI,
	ready *readiness,
	metrics *Metrics,
	ws http.Handler,
	companion http.Handler,
) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ok, why := ready.check(); !ok {
			http.Error(w, why, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	const base = "/v1/transports/{transport}"
	r.HandleFunc(base, api.getTransport).Methods(http.MethodGet)
	r.HandleFunc(base+"/connect", api.connect).Methods(http.MethodPost)
	r.HandleFunc(base+"/stream", api.startStream).Methods(http.MethodPost)
	r.HandleFunc(base+"/stream", api.stopStream).Methods(http.MethodDelete)
	r.HandleFunc(base+"/disconnect", api.disconnect).Methods(http.MethodPost)

	if ws != nil {
		r.Handle("/ws", ws)
	}
	if companion != nil {
		r.Handle("/companion", companion)
	}
}

func (a *controlAPI) transport(w http.ResponseWriter, r *http.Request) (session.Transport, bool) {
	t, err := session.ParseTransport(mux.Vars(r)["transport"])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_transport", "unknown transport")
		return 0, false
	}
	return t, true
}

func (a *controlAPI) view(t session.Transport) transportView {
	v := transportView{
		Transport: t.String(),
		Supported: a.ctl.Supported(t),
		State:     a.ctl.State(t).String(),
	}
	if dev, ok := a.ctl.CurrentDevice(t); ok {
		v.Device = &deviceView{ID: dev.ID, Name: dev.Name}
	}
	if s, ok := a.ctl.Session(t); ok {
		v.Session = &sessionView{
			ID:        s.ID,
			DataTypes: s.DataTypes.Names(),
			Active:    s.Active,
			StartedAt: s.StartedAt,
		}
	}
	return v
}

func (a *controlAPI) getTransport(w http.ResponseWriter, r *http.Request) {
	t, ok := a.transport(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.view(t))
}

func (a *controlAPI) connect(w http.ResponseWriter, r *http.Request) {
	t, ok := a.transport(w, r)
	if !ok {
		return
	}
	if _, err := a.ctl.Connect(r.Context(), t); err != nil {
		a.fail(w, "connect", t, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(t))
}

func (a *controlAPI) startStream(w http.ResponseWriter, r *http.Request) {
	t, ok := a.transport(w, r)
	if !ok {
		return
	}

	var req startStreamRequest
	if err := decodeJSON(w, r, maxRequestBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	types, err := session.ParseDataTypeSet(req.DataTypes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_data_type", err.Error())
		return
	}

	// Fail fast before spending a token fetch; the controller checks again under its lock.
	if types.Empty() {
		a.metrics.StreamStarted(t, session.ErrEmptyDataTypes)
		a.fail(w, "stream.start", t, session.ErrEmptyDataTypes)
		return
	}
	if st := a.ctl.State(t); a.ctl.Supported(t) && st != session.StateConnected && st != session.StateStreaming {
		err := fmt.Errorf("%w: %s is %s", session.ErrNotConnected, t, st)
		a.metrics.StreamStarted(t, err)
		a.fail(w, "stream.start", t, err)
		return
	}

	var tok string
	if t.RequiresToken() {
		tok, err = a.userToken(r.Context(), req.UserID)
		if err != nil {
			a.metrics.StreamStarted(t, err)
			a.fail(w, "stream.start", t, err)
			return
		}
	}

	handler := func(u session.SensorUpdate) {
		a.metrics.Delivered(u.Transport)
		a.hub.PublishUpdate(u)
	}

	_, err = a.ctl.StartStream(r.Context(), t, types, tok, handler)
	a.metrics.StreamStarted(t, err)
	if err != nil {
		a.fail(w, "stream.start", t, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(t))
}

func (a *controlAPI) stopStream(w http.ResponseWriter, r *http.Request) {
	t, ok := a.transport(w, r)
	if !ok {
		return
	}
	if err := a.ctl.StopStream(t); err != nil {
		a.fail(w, "stream.stop", t, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(t))
}

func (a *controlAPI) disconnect(w http.ResponseWriter, r *http.Request) {
	t, ok := a.transport(w, r)
	if !ok {
		return
	}
	if err := a.ctl.Disconnect(t); err != nil {
		a.fail(w, "disconnect", t, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(t))
}

// errTokenUnavailable marks a stream start that could not obtain a user token.
var errTokenUnavailable = errors.New("token unavailable")

func (a *controlAPI) userToken(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = a.userID
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user id", errTokenUnavailable)
	}

	tok, err := a.auth.FetchUserToken(ctx, a.auth.Credentials(), userID)
	a.metrics.TokenFetched(authclient.EndpointUser, err)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errTokenUnavailable, err)
	}
	a.log.Info("control.token.ok", "user_id", userID, "token_fp", token.Fingerprint(tok.Token))
	return tok.Token, nil
}

func (a *controlAPI) fail(w http.ResponseWriter, op string, t session.Transport, err error) {
	status, code := classifyControlErr(err)
	a.log.Warn("control."+op+".fail", "transport", t.String(), "status", status, "code", code, "err", err)
	writeError(w, status, code, err.Error())
}

func classifyControlErr(err error) (int, string) {
	switch {
	case errors.Is(err, errTokenUnavailable):
		return http.StatusBadGateway, "token_unavailable"
	case errors.Is(err, session.ErrPrecondition):
		return http.StatusBadRequest, "precondition"
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, session.ErrConnectInProgress):
		return http.StatusConflict, "connect_in_progress"
	case errors.Is(err, session.ErrConnectAborted):
		return http.StatusConflict, "connect_aborted"
	case errors.Is(err, session.ErrUnsupportedFeature):
		return http.StatusNotImplemented, "unsupported"
	case errors.Is(err, session.ErrConnection):
		return http.StatusBadGateway, "connection_failed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
