package router

import (
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/monkeyarch/monkeyarch/config"
	"github.com/monkeyarch/monkeyarch/filesystem"
	"github.com/monkeyarch/monkeyarch/router/middleware"
)

// Configure configures the routing infrastructure for this instance. Every
// route that touches the disk goes through the jailed filesystem.
func Configure(fs *filesystem.Filesystem) *gin.Engine {
	gin.SetMode("release")
	cfg := config.Get()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.AttachRequestID(), middleware.RequestLogger(), middleware.CaptureErrors())
	router.Use(middleware.LimitRequestBody(cfg.MaxUploadSize))
	// @see https://github.com/gin-gonic/gin/issues/2809
	_ = router.SetTrustedProxies(nil)

	api := router.Group("/api")
	api.Use(middleware.AttachFilesystem(fs))
	{
		api.GET("/list", getListDirectory)
		api.GET("/file", getFile)
		api.POST("/upload", postUpload)
		api.POST("/move", postMove)
		api.POST("/mkdir", postCreateDirectory)
		api.POST("/delete", middleware.DeleteEnabled(cfg.EnableDelete), postDelete)
	}

	router.NoRoute(staticHandler(cfg.StaticDirectory))

	log.WithField("subsystem", "router").Debug("configured HTTP routes")
	return router
}
