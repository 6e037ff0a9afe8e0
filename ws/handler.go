package ws

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/bus"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/gorilla/websocket"
)

// Handlers routes incoming connections to room or alert sessions and
// supplies the connection scope (authenticated user, optional tenant).
type Handlers struct {
	Bus    bus.Bus
	Oracle membership.Oracle
	Store  persistence.Store
	Cfg    *config.Config

	upgrader websocket.Upgrader
}

func NewHandlers(b bus.Bus, oracle membership.Oracle, store persistence.Store, cfg *config.Config) *Handlers {
	return &Handlers{
		Bus:    b,
		Oracle: oracle,
		Store:  store,
		Cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// scopeFromRequest builds the connection scope exactly once, at connect
// time: resolve the acting user from the presented credentials and pick up
// the tenant discriminator. Scope validation errors are configuration
// errors, fatal to the connection attempt.
func (h *Handlers) scopeFromRequest(r *http.Request) (types.Scope, error) {
	vals := r.URL.Query()
	creds := auth.Credentials{
		IDToken:  vals.Get("id_token"),
		Provider: vals.Get("provider"),
		Bearer:   vals.Get("token"),
	}
	if creds.Bearer == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			creds.Bearer = strings.TrimPrefix(header, "Bearer ")
		}
	}
	user, err := auth.Resolve(r.Context(), creds, h.Cfg)
	if err != nil {
		return types.Scope{}, err
	}
	tenant := r.Header.Get("X-Tenant")
	if tenant == "" {
		tenant = vals.Get("tenant")
	}
	scope := types.Scope{
		User:        user,
		Tenant:      tenant,
		Multitenant: h.Cfg.Multitenant,
	}
	return scope, scope.Validate()
}

func rejectStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrForbidden), errors.Is(err, types.ErrValidation):
		// generic rejection, no detail leaked to the client
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// RoomHandler serves /ws/rooms/{room}.
func (h *Handlers) RoomHandler(w http.ResponseWriter, r *http.Request) {
	scope, err := h.scopeFromRequest(r)
	if err != nil {
		globals.AppLogger.Warn("room connection refused", "error", err)
		w.WriteHeader(rejectStatus(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(conn)
	session := NewRoomSession(h.Bus, h.Oracle, h.Store, h.Cfg, scope, client)
	if err := session.Connect(r.Context(), r.URL.Path); err != nil {
		globals.AppLogger.Warn("room session rejected", "error", err)
		client.CloseWithPolicyViolation()
		return
	}
	defer session.Close()
	h.touchUser(r, scope)

	go client.WriteLoop()
	client.ReadLoop(func(raw []byte) error {
		return session.HandleInbound(r.Context(), raw)
	})
}

// AlertHandler serves /ws/alerts and, for compatibility, /ws/users/{user}.
// The bound identity is always the authenticated user from the scope; a
// user-id path parameter is accepted but ignored.
func (h *Handlers) AlertHandler(w http.ResponseWriter, r *http.Request) {
	scope, err := h.scopeFromRequest(r)
	if err != nil {
		globals.AppLogger.Warn("alert connection refused", "error", err)
		w.WriteHeader(rejectStatus(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(conn)
	session := NewAlertSession(h.Bus, scope, client)
	if err := session.Connect(r.Context()); err != nil {
		globals.AppLogger.Warn("alert session rejected", "error", err)
		client.CloseWithPolicyViolation()
		return
	}
	defer session.Close()
	h.touchUser(r, scope)

	go client.WriteLoop()
	client.ReadLoop(func(raw []byte) error {
		return session.HandleInbound(r.Context(), raw)
	})
}

// touchUser records the user's last-online time. Guests are not persisted.
func (h *Handlers) touchUser(r *http.Request, scope types.Scope) {
	if scope.User.Guest {
		return
	}
	user := *scope.User
	user.LastOnline = time.Now().UTC()
	if err := h.Store.StoreUser(r.Context(), scope, user); err != nil {
		globals.AppLogger.Error("could not store user", "error", err)
	}
}
