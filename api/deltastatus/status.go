// Package deltastatus exposes the operator-visible HTTP surface: a health
// check and the per-table status listing the consumer orchestrator keeps
// instead of a host callback.
package deltastatus

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chendingplano/deltatarget/api/deltalog"
	"github.com/chendingplano/deltatarget/api/deltatypes"
)

const (
	LOC_STATUS_HEALTH = "DLT_STS_001"
	LOC_STATUS_TABLES = "DLT_STS_002"
)

// TableStatusProvider is the narrow slice of the Consumer Orchestrator this
// package depends on.
type TableStatusProvider interface {
	TableStatuses() []deltatypes.TableStatus
}

// Server wraps an echo.Echo serving the status endpoints on their own
// listen address, independent of any producer-facing RPC surface.
type Server struct {
	echo     *echo.Echo
	consumer TableStatusProvider
	logger   *deltalog.Logger
}

// New builds the status server and registers its routes.
func New(consumer TableStatusProvider, logger *deltalog.Logger) *Server {
	s := &Server{
		echo:     echo.New(),
		consumer: consumer,
		logger:   logger,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/status/tables", s.handleTableStatus)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// tableStatusView is the wire shape for one table's status, keeping
// deltatypes.TableStatus free of JSON tags.
type tableStatusView struct {
	Database      string `json:"database"`
	Table         string `json:"table"`
	Snapshotting  bool   `json:"snapshotting"`
	Replicating   bool   `json:"replicating"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorTime string `json:"last_error_time,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

func (s *Server) handleTableStatus(c echo.Context) error {
	statuses := s.consumer.TableStatuses()
	views := make([]tableStatusView, 0, len(statuses))
	for _, st := range statuses {
		v := tableStatusView{
			Database:     st.Table.Dataset,
			Table:        st.Table.Table,
			Snapshotting: st.Snapshotting,
			Replicating:  st.Replicating,
			UpdatedAt:    st.UpdatedAt.Format(timeLayout),
		}
		if st.LastError != "" {
			v.LastError = st.LastError
			v.LastErrorTime = st.LastErrorTime.Format(timeLayout)
		}
		views = append(views, v)
	}
	return c.JSON(http.StatusOK, map[string]any{"tables": views})
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// Start serves on addr, blocking until the listener fails or Shutdown is
// called from another goroutine.
func (s *Server) Start(addr string) error {
	s.logger.Info(LOC_STATUS_HEALTH, "status server listening", "addr", addr)
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server immediately, closing the listener and any
// active connections without waiting for in-flight requests.
func (s *Server) Shutdown() error {
	return s.echo.Close()
}
