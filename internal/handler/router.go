package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/timetrack-api/internal/middleware"
	"github.com/noah-isme/timetrack-api/internal/models"
)

// Routes bundles the handlers mounted by Register.
type Routes struct {
	Prefix  string
	Auth    *AuthHandler
	Admin   *AdminHandler
	Metrics *MetricsHandler
	JWT     gin.HandlerFunc
}

// Register mounts every API route on r.
func Register(r gin.IRouter, routes Routes) {
	r.GET("/health", routes.Metrics.Health)
	r.GET("/ready", routes.Metrics.Ready)
	r.GET("/metrics", routes.Metrics.Prometheus)

	api := r.Group(routes.Prefix)

	auth := api.Group("/auth")
	auth.POST("/register", routes.Auth.Register)
	auth.POST("/login", routes.Auth.Login)
	auth.POST("/refresh", routes.Auth.Refresh)
	auth.POST("/forgot-password", routes.Auth.ForgotPassword)
	auth.POST("/reset-password", routes.Auth.ResetPassword)
	auth.POST("/logout", routes.JWT, routes.Auth.Logout)
	auth.POST("/change-password", routes.JWT, routes.Auth.ChangePassword)
	auth.GET("/me", routes.JWT, routes.Auth.Me)

	admin := api.Group("/admin", routes.JWT, middleware.RequireRoles(models.RoleAdmin))
	admin.GET("/login-attempts", routes.Admin.LoginAttempts)
	admin.POST("/users/:id/unlock", routes.Admin.Unlock)
}
