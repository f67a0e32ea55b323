package worker

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/cortexproject/querynode/pkg/queryctx"
	"github.com/cortexproject/querynode/pkg/uniqueid"
	"github.com/cortexproject/querynode/pkg/util"
)

const defaultCancelReason = "cancelled by operator"

// RegisterRoutes adds the admin endpoints of the worker to r.
func (w *Worker) RegisterRoutes(r *mux.Router) {
	r.Path("/admin/queries").Methods(http.MethodGet).HandlerFunc(w.ListQueriesHandler)
	r.Path("/admin/queries/{query}").Methods(http.MethodGet).HandlerFunc(w.QueryHandler)
	r.Path("/admin/queries/{query}/cancel").Methods(http.MethodPost).HandlerFunc(w.CancelQueryHandler)
	r.Path("/admin/queries/{query}/fragments/{fragment}").Methods(http.MethodGet).HandlerFunc(w.FragmentHandler)
}

type listQueriesResponse struct {
	Live       int             `json:"live"`
	Tombstoned int             `json:"tombstoned"`
	Queries    []queryctx.Info `json:"queries"`
}

// ListQueriesHandler lists every live and tombstoned query, oldest first.
func (w *Worker) ListQueriesHandler(rw http.ResponseWriter, _ *http.Request) {
	queries := w.contexts.Snapshot()
	sort.Slice(queries, func(i, j int) bool {
		if !queries[i].CreatedAt.Equal(queries[j].CreatedAt) {
			return queries[i].CreatedAt.Before(queries[j].CreatedAt)
		}
		return queries[i].QueryID.String() < queries[j].QueryID.String()
	})

	resp := listQueriesResponse{Queries: queries}
	for _, q := range queries {
		if q.Tombstoned {
			resp.Tombstoned++
		} else {
			resp.Live++
		}
	}
	util.WriteJSONResponse(rw, resp)
}

// QueryHandler describes one query and its fragments.
func (w *Worker) QueryHandler(rw http.ResponseWriter, r *http.Request) {
	queryID, ok := w.parseID(rw, r, "query")
	if !ok {
		return
	}

	report, err := w.QueryStatus(r.Context(), queryID)
	if err != nil {
		w.writeError(rw, err)
		return
	}
	util.WriteJSONResponse(rw, report)
}

// CancelQueryHandler cancels a query. The optional reason form value is
// recorded as the cancellation status.
func (w *Worker) CancelQueryHandler(rw http.ResponseWriter, r *http.Request) {
	queryID, ok := w.parseID(rw, r, "query")
	if !ok {
		return
	}

	reason := r.FormValue("reason")
	if reason == "" {
		reason = defaultCancelReason
	}
	if err := w.CancelQuery(r.Context(), queryID, reason); err != nil {
		w.writeError(rw, err)
		return
	}
	util.WriteJSONResponse(rw, map[string]string{"query_id": queryID.String(), "status": "cancelled"})
}

// FragmentHandler reports the status of one fragment instance.
func (w *Worker) FragmentHandler(rw http.ResponseWriter, r *http.Request) {
	queryID, ok := w.parseID(rw, r, "query")
	if !ok {
		return
	}
	instanceID, ok := w.parseID(rw, r, "fragment")
	if !ok {
		return
	}

	report, err := w.ReportStatus(r.Context(), queryID, instanceID)
	if err != nil {
		w.writeError(rw, err)
		return
	}
	util.WriteJSONResponse(rw, report)
}

func (w *Worker) parseID(rw http.ResponseWriter, r *http.Request, name string) (uniqueid.ID, bool) {
	id, err := uniqueid.Parse(mux.Vars(r)[name])
	if err != nil {
		util.WriteJSONError(w.logger, rw, http.StatusBadRequest, err)
		return uniqueid.Zero, false
	}
	return id, true
}

func (w *Worker) writeError(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownQuery), errors.Is(err, ErrUnknownFragment):
		util.WriteJSONError(w.logger, rw, http.StatusNotFound, err)
	default:
		util.WriteJSONError(w.logger, rw, http.StatusInternalServerError, err)
	}
}
