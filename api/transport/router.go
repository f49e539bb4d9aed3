package transport

import (
	"net/http"
	"strings"

	"github.com/alex-pricope/ranked-polls/api/models"
	"github.com/alex-pricope/ranked-polls/auth"
	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/alex-pricope/ranked-polls/polls"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

const identityKey = "identity"

// CredentialVerifier checks a participant credential.
type CredentialVerifier interface {
	Verify(token string) (auth.Identity, error)
}

func NewRouter(ginMode string, c *cors.Cors) *gin.Engine {
	gin.SetMode(ginMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(CORSMiddleware(c))
	engine.NoRoute(NoRouteHandler())

	return engine
}

// NewCORS allows the configured browser origins. An empty list allows any origin.
func NewCORS(origins []string) *cors.Cors {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "token"},
	})
}

// WebsocketOriginCheck applies the CORS origin policy to websocket upgrades. Requests without an
// Origin header come from non-browser clients and are accepted.
func WebsocketOriginCheck(c *cors.Cors) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if r.Header.Get("Origin") == "" {
			return true
		}
		return c.OriginAllowed(r)
	}
}

func CORSMiddleware(c *cors.Cors) gin.HandlerFunc {
	return func(g *gin.Context) {
		c.HandlerFunc(g.Writer, g.Request)

		// Preflight requests are answered by cors itself.
		if g.Request.Method == http.MethodOptions && g.GetHeader("Access-Control-Request-Method") != "" {
			logging.Log.Debugf("HTTP: preflight request received:%s", g.Request.URL.Path)
			g.Abort()
			return
		}

		g.Next()
	}
}

func NoRouteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logging.Log.Infof("HTTP: no routed request received for:%s", c.Request.URL.Path)
		c.JSON(http.StatusNotFound, &models.ErrorResponse{Code: polls.CodeNotFound, Message: "page not found"})
	}
}

// BearerToken reads the credential from the Authorization header, falling back to the token header.
func BearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.GetHeader("token")
}

func CredentialMiddleware(verifier CredentialVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := verifier.Verify(BearerToken(c))
		if err != nil {
			logging.Log.Warnf("HTTP: unauthorized access attempt to %s: %v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, &models.ErrorResponse{Code: polls.CodeUnauthorized, Message: "invalid credential"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity CredentialMiddleware stored on the request.
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}
