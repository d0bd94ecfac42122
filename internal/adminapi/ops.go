package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/partydesk/partydesk/internal/webserver"
)

func registerOpsRoutes() {
	webserver.ApiGET("/ops/consensus", listConsensus)
	webserver.ApiGET("/ops/consensus/:service", getConsensus)
	webserver.ApiGET("/ops/regions", listRegions)
	webserver.ApiPOST("/ops/regions/failover", postFailover)
	webserver.ApiGET("/ops/incidents", listIncidents)
}

func listConsensus(c echo.Context) error {
	if deps.Consensus == nil {
		return fail(c, http.StatusServiceUnavailable, "MONITOR_DISABLED", "health monitoring not enabled", nil)
	}
	ctx := c.Request().Context()
	services, err := deps.Consensus.Services(ctx)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "list services failed", nil)
	}
	results := make([]interface{}, 0, len(services))
	for _, svc := range services {
		r, err := deps.Consensus.GetConsensus(ctx, svc)
		if err != nil {
			continue
		}
		results = append(results, r)
	}
	return ok(c, results)
}

func getConsensus(c echo.Context) error {
	if deps.Consensus == nil {
		return fail(c, http.StatusServiceUnavailable, "MONITOR_DISABLED", "health monitoring not enabled", nil)
	}
	r, err := deps.Consensus.GetConsensus(c.Request().Context(), c.Param("service"))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "consensus lookup failed", nil)
	}
	return ok(c, r)
}

func listRegions(c echo.Context) error {
	if deps.Failover == nil {
		return fail(c, http.StatusServiceUnavailable, "FAILOVER_DISABLED", "region failover not enabled", nil)
	}
	return ok(c, map[string]interface{}{
		"active":  deps.Failover.GetActiveRegion(),
		"regions": deps.Failover.Regions(),
	})
}

// postFailover forces a switch to the next region, bypassing the failure
// threshold. Intended for drills and planned maintenance.
func postFailover(c echo.Context) error {
	if deps.Failover == nil {
		return fail(c, http.StatusServiceUnavailable, "FAILOVER_DISABLED", "region failover not enabled", nil)
	}
	deps.Failover.Failover(c.Request().Context())
	active := deps.Failover.GetActiveRegion()
	zap.L().Warn("adminapi: manual failover requested", zap.String("active", active.Name))
	oprLog(c, "manual_failover", "active region switched to "+active.Name)
	return ok(c, map[string]interface{}{"active": active})
}

func listIncidents(c echo.Context) error {
	_, pageSize := parsePagination(c)
	items, err := deps.Incidents.List(c.Request().Context(), pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "list incidents failed", nil)
	}
	return ok(c, items)
}
