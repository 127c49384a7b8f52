// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the ingestion control API with the router.
//
// Description:
//
//	Registers all /v1/ingest/* endpoints with the given Gin router
//	group. The group should already have any required middleware
//	applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/ingest/publish - Resilient batch publish (connectors)
//	GET  /v1/ingest/health - Aggregated dependency health
//	GET  /v1/ingest/metrics - JSON counter snapshot
//	POST /v1/ingest/recover - Trigger a recovery scan
//	POST /v1/ingest/checkpoint - Append a chain checkpoint marker
//	POST /v1/ingest/stop - Drain the pipeline without exiting
//	GET  /v1/ingest/points - List/search registered points
//	GET  /v1/ingest/chain/:source - A source's retained chain entries
//	GET  /v1/ingest/gaps/:source - A source's recorded gaps
//	GET  /v1/ingest/shadow/stats - Shadow buffer totals and size
//
// Example:
//
//	svc, _ := ingest.NewService(ctx, cfg)
//	handlers := ingest.NewHandlers(svc, logger)
//
//	v1 := router.Group("/v1")
//	ingest.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	grp := rg.Group("/ingest")
	{
		// Producer surface
		grp.POST("/publish", handlers.HandlePublish)

		// Operations
		grp.GET("/health", handlers.HandleHealth)
		grp.GET("/metrics", handlers.HandleMetrics)
		grp.POST("/recover", handlers.HandleRecover)
		grp.POST("/checkpoint", handlers.HandleCheckpoint)
		grp.POST("/stop", handlers.HandleStop)

		// Diagnostics and metadata
		grp.GET("/points", handlers.HandleListPoints)
		grp.GET("/chain/:source", handlers.HandleChain)
		grp.GET("/gaps/:source", handlers.HandleGaps)
		grp.GET("/shadow/stats", handlers.HandleShadowStats)
	}
}
