package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xpert-gate/xpert/auth"
	"github.com/xpert-gate/xpert/policy"
	"github.com/xpert-gate/xpert/subscription"
	"github.com/xpert-gate/xpert/traffic"
)

// SubscriptionController serves the public subscription endpoints:
// GET /sub/{token}, /xpert/sub, /xpert/direct-configs/sub.
type SubscriptionController struct {
	publisher *subscription.Publisher
	resolver  auth.Resolver
	policies  *policy.Store
	traffic   *traffic.Service
}

// NewSubscriptionController wires routes onto g.
func NewSubscriptionController(g *gin.RouterGroup, publisher *subscription.Publisher, resolver auth.Resolver, policies *policy.Store, trafficSvc *traffic.Service) *SubscriptionController {
	sc := &SubscriptionController{publisher: publisher, resolver: resolver, policies: policies, traffic: trafficSvc}
	g.GET("/sub/:token", sc.serveUniversal)
	g.GET("/sub/:token/qr.png", sc.serveQR)
	g.GET("/xpert/sub", sc.serveUniversalQuery)
	g.GET("/xpert/direct-configs/sub", sc.serveDirectOnly)
	return sc
}

// anonymousTokenMinBytes: tokens below 8 bytes are treated as anonymous,
// skipping policy and traffic entirely.
const anonymousTokenMinBytes = 8

func (sc *SubscriptionController) resolveUsername(token string) (username string, anonymous bool) {
	if len(token) < anonymousTokenMinBytes {
		return "", true
	}
	username, err := sc.resolver.Resolve(token)
	if err != nil {
		return "", true
	}
	return username, false
}

func (sc *SubscriptionController) checkPolicy(c *gin.Context, username string) bool {
	if username == "" {
		return true
	}
	presented := policy.ExtractPresentedHWID(c.Request)
	meta := policy.DeviceMeta{
		DeviceOS:  c.GetHeader("X-Device-OS"),
		Model:     c.GetHeader("X-Device-Model"),
		OSVersion: c.GetHeader("X-Ver-OS"),
		ClientIP:  policy.ClientIP(c.Request),
	}
	if !sc.policies.CheckAndRegisterHWID(username, presented, meta) {
		c.AbortWithStatusJSON(http.StatusForbidden, jsonResponse{Success: false, Msg: "hwid policy denied"})
		return false
	}
	clientIP := policy.ClientIP(c.Request)
	if !sc.policies.CheckAndRegisterIP(username, clientIP) {
		c.AbortWithStatusJSON(http.StatusForbidden, jsonResponse{Success: false, Msg: "ip policy denied"})
		return false
	}
	return true
}

// usageFor sums the token's recorded traffic; rows are keyed by the raw
// subscription token, the same key the traffic webhook records under.
func (sc *SubscriptionController) usageFor(token string, anonymous bool) subscription.UsageInfo {
	if anonymous || sc.traffic == nil {
		return subscription.UsageInfo{}
	}
	stats, err := sc.traffic.UserStats(token, 30)
	if err != nil {
		return subscription.UsageInfo{}
	}
	var usage subscription.UsageInfo
	for _, s := range stats {
		usage.UploadBytes += s.UploadBytes
		usage.DownloadBytes += s.DownloadBytes
	}
	usage.TotalBytes = usage.UploadBytes + usage.DownloadBytes
	return usage
}

func formatFromQuery(c *gin.Context) subscription.Format {
	if c.Query("format") == "base64" {
		return subscription.FormatBase64
	}
	return subscription.FormatUniversal
}

func (sc *SubscriptionController) writeResult(c *gin.Context, result subscription.Result) {
	for k, v := range result.Headers {
		c.Header(k, v)
	}
	c.String(http.StatusOK, result.Body)
}

func (sc *SubscriptionController) serveUniversal(c *gin.Context) {
	token := c.Param("token")
	username, anonymous := sc.resolveUsername(token)
	if !sc.checkPolicy(c, username) {
		return
	}
	result := sc.publisher.Build(formatFromQuery(c), sc.usageFor(token, anonymous))
	sc.writeResult(c, result)
}

func (sc *SubscriptionController) serveUniversalQuery(c *gin.Context) {
	token := c.Query("token")
	username, anonymous := sc.resolveUsername(token)
	if !sc.checkPolicy(c, username) {
		return
	}
	result := sc.publisher.Build(formatFromQuery(c), sc.usageFor(token, anonymous))
	sc.writeResult(c, result)
}

func (sc *SubscriptionController) serveDirectOnly(c *gin.Context) {
	token := c.Query("token")
	username, anonymous := sc.resolveUsername(token)
	if !sc.checkPolicy(c, username) {
		return
	}
	result := sc.publisher.BuildDirectOnly(formatFromQuery(c), sc.usageFor(token, anonymous))
	sc.writeResult(c, result)
}

func (sc *SubscriptionController) serveQR(c *gin.Context) {
	token := c.Param("token")
	subURL := c.Request.Host + "/sub/" + token
	png, err := subscription.QRCode(subURL, 256)
	if err != nil {
		jsonMsg(c, "failed to render qr code", newAPIError(http.StatusInternalServerError, err.Error()))
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}
