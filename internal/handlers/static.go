package handlers

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

const defaultStaticRoot = "/web"

// ServeStatic mounts the built frontend, when present. API routes are never
// shadowed; anything else falls through to index.html for client-side routing.
func ServeStatic(router *gin.Engine) {
	root := os.Getenv("SHELFARR_WEB_ROOT")
	if root == "" {
		root = defaultStaticRoot
	}

	if _, err := os.Stat(root); err != nil {
		return
	}

	router.StaticFS("/assets", http.Dir(root+"/assets"))
	router.StaticFile("/favicon.svg", root+"/favicon.svg")

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.File(root + "/index.html")
	})
}
