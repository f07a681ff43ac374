package controller

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xpert-gate/xpert/adminlog"
	"github.com/xpert-gate/xpert/aggregator"
	"github.com/xpert-gate/xpert/auth"
	"github.com/xpert-gate/xpert/directconfig"
	"github.com/xpert-gate/xpert/notify"
	"github.com/xpert-gate/xpert/policy"
	"github.com/xpert-gate/xpert/probe"
	"github.com/xpert-gate/xpert/sources"
	"github.com/xpert-gate/xpert/traffic"
	"github.com/xpert-gate/xpert/util/crypto"
)

// AdminController serves the bearer-token-protected admin endpoints:
// sources, direct configs, policy, traffic.
type AdminController struct {
	registry     *sources.Registry
	orchestrator *aggregator.Orchestrator
	directStore  *directconfig.Store
	policies     *policy.Store
	traffic      *traffic.Service
	auditLog     *adminlog.Logger
	notifier     *notify.Notifier
	resolver     auth.Resolver
}

// NewAdminController wires every admin route under g, protected by
// bearerToken (empty disables the check, for local/dev use).
func NewAdminController(
	g *gin.RouterGroup,
	bearerToken string,
	registry *sources.Registry,
	orchestrator *aggregator.Orchestrator,
	directStore *directconfig.Store,
	policies *policy.Store,
	trafficSvc *traffic.Service,
	auditLog *adminlog.Logger,
	notifier *notify.Notifier,
	resolver auth.Resolver,
) *AdminController {
	ac := &AdminController{
		registry:     registry,
		orchestrator: orchestrator,
		directStore:  directStore,
		policies:     policies,
		traffic:      trafficSvc,
		auditLog:     auditLog,
		notifier:     notifier,
		resolver:     resolver,
	}

	admin := g.Group("/xpert", requireBearerToken(bearerToken))

	admin.GET("/sources", ac.listSources)
	admin.POST("/sources", ac.addSource)
	admin.DELETE("/sources/:id", ac.deleteSource)
	admin.POST("/sources/:id/toggle", ac.toggleSource)
	admin.POST("/update", ac.forceUpdate)

	admin.GET("/direct-configs", ac.listDirectConfigs)
	admin.POST("/direct-configs", ac.addDirectConfig)
	admin.PUT("/direct-configs/:id", ac.updateDirectConfig)
	admin.DELETE("/direct-configs/:id", ac.deleteDirectConfig)
	// gin's POST tree can't hold static siblings next to :id, so the
	// batch and ping-refresh collection actions dispatch off the same
	// wildcard segment.
	admin.POST("/direct-configs/:id", ac.directConfigCollectionAction)
	admin.POST("/direct-configs/:id/move", ac.moveDirectConfig)
	admin.GET("/direct-configs/stats", ac.directConfigStats)

	admin.GET("/ping-check", ac.pingCheck)

	admin.POST("/hwid/reset", ac.resetHWID)
	admin.GET("/ip-limit", ac.getIPLimit)
	admin.POST("/ip-limit", ac.setIPLimit)
	admin.POST("/crypto-link", ac.cryptoLink)

	admin.POST("/traffic-webhook", ac.trafficWebhook)
	admin.GET("/traffic-stats/user/:token", ac.userTrafficStats)
	admin.GET("/traffic-stats/global", ac.globalTrafficStats)
	admin.GET("/traffic-stats/server", ac.serverTrafficStats)
	admin.POST("/traffic-stats/cleanup", ac.cleanupTrafficStats)
	admin.POST("/traffic-limit/check", ac.checkTrafficLimit)
	admin.POST("/traffic-limit/reset", ac.resetTrafficLimit)

	return ac
}

func intParam(c *gin.Context, name string) (int, error) {
	return strconv.Atoi(c.Param(name))
}

func (ac *AdminController) log(c *gin.Context, action, targetType, target, meta string) {
	admin := c.GetHeader("X-Admin-Username")
	if admin == "" {
		admin = "unknown"
	}
	ac.auditLog.Record(nil, admin, action, targetType, target, meta)
	if ac.notifier != nil {
		ac.notifier.AdminAction(c.Request.Context(), admin, action, target)
	}
}

// --- Sources ---

func (ac *AdminController) listSources(c *gin.Context) {
	jsonObj(c, ac.registry.List(), nil)
}

type addSourceRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
}

func (ac *AdminController) addSource(c *gin.Context) {
	var req addSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid source payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	src, err := ac.registry.Add(req.Name, req.URL, req.Enabled, req.Priority)
	if err != nil {
		jsonMsg(c, "failed to add source", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	ac.log(c, "source.add", "source", req.URL, "")
	jsonObj(c, src, nil)
}

func (ac *AdminController) deleteSource(c *gin.Context) {
	id, err := intParam(c, "id")
	if err != nil {
		jsonMsg(c, "invalid id", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	if err := ac.registry.Delete(id); err != nil {
		jsonMsg(c, "source not found", newAPIError(http.StatusNotFound, err.Error()))
		return
	}
	ac.log(c, "source.delete", "source", strconv.Itoa(id), "")
	jsonMsg(c, "deleted", nil)
}

func (ac *AdminController) toggleSource(c *gin.Context) {
	id, err := intParam(c, "id")
	if err != nil {
		jsonMsg(c, "invalid id", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	if err := ac.registry.Toggle(id); err != nil {
		jsonMsg(c, "source not found", newAPIError(http.StatusNotFound, err.Error()))
		return
	}
	ac.log(c, "source.toggle", "source", strconv.Itoa(id), "")
	jsonMsg(c, "toggled", nil)
}

func (ac *AdminController) forceUpdate(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), aggregator.ForceUpdateTimeout)
	defer cancel()
	if err := ac.orchestrator.Update(ctx); err != nil {
		jsonMsg(c, "update failed", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	ac.log(c, "aggregation.force_update", "aggregator", "", "")
	jsonMsg(c, "update complete", nil)
}

// --- Direct configs ---

func (ac *AdminController) listDirectConfigs(c *gin.Context) {
	jsonObj(c, ac.directStore.All(), nil)
}

type addDirectConfigRequest struct {
	Raw     string `json:"raw"`
	Remarks string `json:"remarks"`
	AddedBy string `json:"addedBy"`
}

func (ac *AdminController) addDirectConfig(c *gin.Context) {
	var req addDirectConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid direct config payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	cfg, err := ac.directStore.Add(c.Request.Context(), req.Raw, req.Remarks, req.AddedBy)
	if err != nil {
		jsonMsg(c, "failed to add direct config", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	ac.log(c, "direct_config.add", "direct_config", cfg.Remarks, "")
	jsonObj(c, cfg, nil)
}

type updateDirectConfigRequest struct {
	Raw     *string `json:"raw"`
	Remarks *string `json:"remarks"`
	AddedBy *string `json:"addedBy"`
}

func (ac *AdminController) updateDirectConfig(c *gin.Context) {
	id, err := intParam(c, "id")
	if err != nil {
		jsonMsg(c, "invalid id", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	var req updateDirectConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	cfg, err := ac.directStore.Update(c.Request.Context(), id, req.Raw, req.Remarks, req.AddedBy)
	if err != nil {
		jsonMsg(c, "update failed", newAPIError(http.StatusNotFound, err.Error()))
		return
	}
	ac.log(c, "direct_config.update", "direct_config", strconv.Itoa(id), "")
	jsonObj(c, cfg, nil)
}

func (ac *AdminController) deleteDirectConfig(c *gin.Context) {
	id, err := intParam(c, "id")
	if err != nil {
		jsonMsg(c, "invalid id", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	if err := ac.directStore.Delete(id); err != nil {
		jsonMsg(c, "direct config not found", newAPIError(http.StatusNotFound, err.Error()))
		return
	}
	ac.log(c, "direct_config.delete", "direct_config", strconv.Itoa(id), "")
	jsonMsg(c, "deleted", nil)
}

// directConfigCollectionAction serves POST /xpert/direct-configs/batch
// and POST /xpert/direct-configs/ping-refresh, which share the :id slot
// in the route tree with the per-item mutations.
func (ac *AdminController) directConfigCollectionAction(c *gin.Context) {
	switch c.Param("id") {
	case "batch":
		ac.batchDirectConfigs(c)
	case "ping-refresh":
		ac.refreshDirectConfigPings(c)
	default:
		jsonMsg(c, "not found", newAPIError(http.StatusNotFound, "unknown direct-config action"))
	}
}

type batchDirectConfigsRequest struct {
	Action string `json:"action"` // "move"
	IDs    []int  `json:"ids"`
	Dir    string `json:"direction"`
}

func (ac *AdminController) batchDirectConfigs(c *gin.Context) {
	var req batchDirectConfigsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid batch payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	if err := ac.directStore.MoveBatch(req.IDs, req.Dir); err != nil {
		jsonMsg(c, "batch move failed", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	ac.log(c, "direct_config.batch_move", "direct_config", req.Dir, "")
	jsonMsg(c, "batch move complete", nil)
}

type moveDirectConfigRequest struct {
	Direction string `json:"direction"`
}

func (ac *AdminController) moveDirectConfig(c *gin.Context) {
	id, err := intParam(c, "id")
	if err != nil {
		jsonMsg(c, "invalid id", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	var req moveDirectConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	if err := ac.directStore.Move(id, req.Direction); err != nil {
		jsonMsg(c, "move failed", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	jsonMsg(c, "moved", nil)
}

type pingRefreshRequest struct {
	Force bool `json:"force"`
}

func (ac *AdminController) refreshDirectConfigPings(c *gin.Context) {
	var req pingRefreshRequest
	_ = c.ShouldBindJSON(&req)
	ac.directStore.RefreshAllPings(c.Request.Context(), req.Force)
	jsonMsg(c, "refresh complete", nil)
}

func (ac *AdminController) directConfigStats(c *gin.Context) {
	jsonObj(c, ac.directStore.Stats(), nil)
}

// pingCheck is a diagnostic ICMP probe of one host, off the aggregation
// hot path entirely.
func (ac *AdminController) pingCheck(c *gin.Context) {
	host := c.Query("host")
	if host == "" {
		jsonMsg(c, "host is required", newAPIError(http.StatusBadRequest, "host is required"))
		return
	}
	avg, jitter, loss := probe.CheckPing(c.Request.Context(), host)
	jsonObj(c, gin.H{"host": host, "avgMs": avg, "jitterMs": jitter, "packetLossPct": loss}, nil)
}

// --- Policy ---

type resetHWIDRequest struct {
	Username string `json:"username"`
}

func (ac *AdminController) resetHWID(c *gin.Context) {
	var req resetHWIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	existed := ac.policies.ClearHWIDPolicy(req.Username)
	ac.log(c, "policy.hwid_reset", "subscriber", req.Username, "")
	jsonObj(c, gin.H{"existed": existed}, nil)
}

func (ac *AdminController) getIPLimit(c *gin.Context) {
	username := c.Query("username")
	p := ac.policies.Get(username)
	if p == nil || p.UniqueIPLimit <= 0 {
		jsonObj(c, gin.H{"username": username, "enabled": false, "limit": 0}, nil)
		return
	}
	jsonObj(c, gin.H{"username": username, "enabled": true, "limit": p.UniqueIPLimit}, nil)
}

type setIPLimitRequest struct {
	Username string `json:"username"`
	Limit    int    `json:"limit"`
}

// setIPLimit enables IP limiting at the given limit (0 means the default
// of 3); a negative limit disables it.
func (ac *AdminController) setIPLimit(c *gin.Context) {
	var req setIPLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	if req.Limit < 0 {
		ac.policies.ClearUniqueIPLimit(req.Username)
		ac.log(c, "user.ip_limit_set", "subscriber", req.Username, `{"enabled":false}`)
		jsonMsg(c, "ip limit disabled", nil)
		return
	}
	if err := ac.policies.SetUniqueIPLimit(req.Username, req.Limit); err != nil {
		jsonMsg(c, "failed to set ip limit", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	ac.log(c, "user.ip_limit_set", "subscriber", req.Username, "")
	jsonMsg(c, "ip limit updated", nil)
}

type cryptoLinkRequest struct {
	URL       string `json:"url"`
	HWID      string `json:"hwid"`
	HWIDLimit *int   `json:"hwidLimit"`
}

// cryptoLink wraps a subscription URL for happ clients that expect an
// obfuscated crypto link rather than a raw subscription URL. If
// hwid options are given, the policy for the URL's subscriber is updated
// before the link is minted.
func (ac *AdminController) cryptoLink(c *gin.Context) {
	var req cryptoLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	if req.URL == "" {
		jsonMsg(c, "url is required", newAPIError(http.StatusBadRequest, "url is required"))
		return
	}
	if req.HWIDLimit != nil && (*req.HWIDLimit < 1 || *req.HWIDLimit > 5) {
		jsonMsg(c, "hwidLimit must be between 1 and 5", newAPIError(http.StatusBadRequest, "hwidLimit out of range"))
		return
	}

	if req.HWID != "" || req.HWIDLimit != nil {
		token := extractTokenFromSubscriptionURL(req.URL)
		username, err := ac.resolver.Resolve(token)
		if err != nil {
			jsonMsg(c, "could not resolve subscriber for hwid options", newAPIError(http.StatusBadRequest, err.Error()))
			return
		}
		if req.HWID != "" {
			if err := ac.policies.SetRequiredHWID(username, req.HWID); err != nil {
				jsonMsg(c, "failed to set required hwid", newAPIError(http.StatusInternalServerError, err.Error()))
				return
			}
		}
		if req.HWIDLimit != nil {
			if err := ac.policies.SetHWIDLimit(username, *req.HWIDLimit); err != nil {
				jsonMsg(c, "failed to set hwid limit", newAPIError(http.StatusInternalServerError, err.Error()))
				return
			}
		}
		ac.log(c, "policy.hwid_set_via_crypto_link", "subscriber", username, "")
	}

	link, err := crypto.EncryptForHapp(req.URL)
	if err != nil {
		jsonMsg(c, "crypto link generation failed", newAPIError(http.StatusBadGateway, err.Error()))
		return
	}
	jsonObj(c, gin.H{"link": link}, nil)
}

// extractTokenFromSubscriptionURL pulls the trailing path segment (the
// subscription token) out of a full "https://host/sub/<token>" URL,
// ignoring any query string or fragment.
func extractTokenFromSubscriptionURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
		raw = raw[:idx]
	}
	raw = strings.TrimSuffix(raw, "/")
	parts := strings.Split(raw, "/")
	return parts[len(parts)-1]
}

// --- Traffic ---

type trafficWebhookRequest struct {
	UserToken string `json:"userToken"`
	Server    string `json:"server"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	BytesUp   int64  `json:"bytesUp"`
	BytesDown int64  `json:"bytesDown"`
}

func (ac *AdminController) trafficWebhook(c *gin.Context) {
	var req trafficWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	if err := ac.traffic.Record(req.UserToken, req.Server, req.Port, req.Protocol, req.BytesUp, req.BytesDown); err != nil {
		jsonMsg(c, "failed to record traffic", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	jsonMsg(c, "recorded", nil)
}

func (ac *AdminController) userTrafficStats(c *gin.Context) {
	token := c.Param("token")
	days := queryDays(c)
	stats, err := ac.traffic.UserStats(token, days)
	if err != nil {
		jsonMsg(c, "failed to compute stats", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	jsonObj(c, stats, nil)
}

func (ac *AdminController) globalTrafficStats(c *gin.Context) {
	stats, err := ac.traffic.GlobalStats(queryDays(c))
	if err != nil {
		jsonMsg(c, "failed to compute stats", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	jsonObj(c, stats, nil)
}

func (ac *AdminController) serverTrafficStats(c *gin.Context) {
	server := c.Query("server")
	port, _ := strconv.Atoi(c.Query("port"))
	stats, err := ac.traffic.ServerStats(server, port, queryDays(c))
	if err != nil {
		jsonMsg(c, "failed to compute stats", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	jsonObj(c, stats, nil)
}

type cleanupRequest struct {
	Days int `json:"days"`
}

func (ac *AdminController) cleanupTrafficStats(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	deleted, err := ac.traffic.Cleanup(req.Days)
	if err != nil {
		jsonMsg(c, "cleanup failed", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	jsonObj(c, gin.H{"deletedRows": deleted}, nil)
}

type trafficLimitCheckRequest struct {
	AdminUsername string `json:"adminUsername"`
	LimitBytes    int64  `json:"limitBytes"`
}

func (ac *AdminController) checkTrafficLimit(c *gin.Context) {
	var req trafficLimitCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	check, err := ac.traffic.CheckAdminTrafficLimit(req.AdminUsername, req.LimitBytes)
	if err != nil {
		jsonMsg(c, "limit check failed", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	if ac.notifier != nil {
		ac.notifier.TrafficLimitThreshold(c.Request.Context(), req.AdminUsername, check.PercentageUsed, check.UsedBytes, check.LimitBytes)
	}
	jsonObj(c, check, nil)
}

type trafficLimitResetRequest struct {
	AdminUsername string `json:"adminUsername"`
}

func (ac *AdminController) resetTrafficLimit(c *gin.Context) {
	var req trafficLimitResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, "invalid payload", newAPIError(http.StatusBadRequest, err.Error()))
		return
	}
	result, err := ac.traffic.ResetAdminExternalTraffic(req.AdminUsername)
	if err != nil {
		jsonMsg(c, "reset failed", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	ac.log(c, "admin.traffic_limit_reset", "admin", req.AdminUsername, "")
	jsonObj(c, result, nil)
}

func queryDays(c *gin.Context) int {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		return 30
	}
	return days
}
