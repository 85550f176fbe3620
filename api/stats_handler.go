package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandlersResponse lists the registered job handler names.
type HandlersResponse struct {
	Handlers []string `json:"handlers"`
}

func (a *API) listHandlers(c *gin.Context) {
	names := a.eng.Registry().Names()
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, HandlersResponse{Handlers: names})
}

func (a *API) stats(c *gin.Context) {
	s, err := a.eng.Stats(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}
