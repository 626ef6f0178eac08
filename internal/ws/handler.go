package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/fanout"
)

// Registrar is the part of the router the handler needs
type Registrar interface {
	Register(sub fanout.Subscriber)
	Remove(sub fanout.Subscriber) bool
}

// Handler upgrades requests to websockets and registers them for change
// notifications. The request goroutine then watches the connection.
type Handler struct {
	registrar Registrar
	upgrader  websocket.Upgrader
	logger    *logrus.Logger
}

// NewHandler accepts any origin
func NewHandler(registrar Registrar, logger *logrus.Logger) *Handler {
	return &Handler{
		registrar: registrar,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Errorf("problem initiating websocket: %v", err)
		return
	}

	sub := NewSubscriber(conn, h.logger)
	h.logger.WithField("subscriber", sub.ID()).Info("Client connected")
	h.registrar.Register(sub)

	sub.Watch(req.Context(), h.registrar.Remove)
}
