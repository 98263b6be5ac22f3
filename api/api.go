/*
Copyright 2024 Innsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/innsync/innsync"
	"github.com/innsync/innsync/api/middleware"
	"github.com/innsync/innsync/config"
	"github.com/innsync/innsync/internal/apierror"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	innsync *innsync.Innsync
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/sync/actions", a.SubmitActions)
	router.POST("/sync/actions/prioritize", a.PrioritizeActions)
	router.GET("/sync/actions/:id", a.GetAction)
	router.GET("/sync/dead-letters", a.GetDeadLetters)
	router.POST("/sync/recover", a.RecoverStuckActions)

	router.GET("/folios/:id/charges", a.GetFolioCharges)
	router.POST("/folios/:id/charges/reconcile", a.ReconcileFolioCharges)

	router.GET("/rooms/:id/status", a.GetRoomStatus)
	router.POST("/rooms/:id/status/resolve", a.ResolveRoomStatus)
	router.GET("/rooms/:id/conflicts", a.GetRoomConflicts)

	router.POST("/idempotency-keys", a.CreateIdempotencyKey)
	return a.router
}

func NewAPI(i *innsync.Innsync) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}

	r := gin.Default()
	r.Use(otelgin.Middleware(serviceName(conf)))
	r.Use(middleware.RateLimitMiddleware(conf))
	r.Use(middleware.SecretKeyAuthMiddleware())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{innsync: i, router: r}
}

func serviceName(conf *config.Configuration) string {
	if conf.ProjectName != "" {
		return conf.ProjectName
	}
	return "innsync"
}

// respondError writes err with the status its apierror code maps to.
func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}
