package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"storyteller/internal/config"
	"storyteller/internal/llm"
	"storyteller/internal/model"
	"storyteller/internal/service"
	"storyteller/internal/sse"
	"storyteller/internal/store"
	"storyteller/internal/tools"
	"storyteller/internal/workflow"
)

func main() {
	// 初始化日志
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// 加载配置
	cfgPath := os.Getenv("STORYTELLER_CONFIG")
	if cfgPath == "" {
		cfgPath = "storyteller.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	// 初始化存储
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logrus.Fatalf("打开数据库失败: %v", err)
	}
	defer st.Close()

	// 初始化聊天模型
	ctx := context.Background()
	chatModel, err := llm.New(ctx, cfg.LLM, cfg)
	if err != nil {
		logrus.Fatalf("初始化聊天模型失败: %v", err)
	}

	// 初始化工具和流水线
	storyTool := tools.NewStoryTool(chatModel)
	safetyTool := tools.NewSafetyTool(cfg.Generation.SafetyThreshold)
	pipeline := workflow.New(storyTool, safetyTool, cfg.Generation)
	svc := service.NewStoryService(st, pipeline, cfg)

	// 初始化Gin路由
	router := gin.Default()

	// 添加路由
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/v1/children", handleCreateChild(svc))
	router.GET("/api/v1/stories", handleListStories(svc))
	router.POST("/api/v1/stories/generate", handleGenerate(svc))
	router.POST("/api/v1/stories/generate/stream", handleGenerateStream(svc, cfg))

	// 启动服务器
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	// 在goroutine中启动服务器
	go func() {
		logrus.Infof("服务器启动在 %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("启动服务器失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("关闭服务器...")

	// 优雅关闭服务器
	if err := srv.Close(); err != nil {
		logrus.Fatalf("服务器关闭失败: %v", err)
	}

	logrus.Info("服务器已关闭")
}

// callerParentID 从认证层注入的请求头中取家长ID
func callerParentID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.GetHeader("X-Parent-ID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// abortWithServiceError 把服务层错误映射为常规状态码，流式接口只在开流前使用
func abortWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrChildNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "child not found"})
	case errors.Is(err, service.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied to this child profile"})
	default:
		logrus.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// handleGenerateStream 处理流式故事生成请求
func handleGenerateStream(svc *service.StoryService, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		parentID, ok := callerParentID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
			return
		}

		var req model.GenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求格式"})
			return
		}
		req.ParentID = parentID

		// 校验和鉴权失败都发生在开流之前，客户端拿到的是常规状态码
		in, err := svc.Prepare(c.Request.Context(), req)
		if err != nil {
			abortWithServiceError(c, err)
			return
		}

		w := sse.NewWriter(c.Writer)
		if w == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}

		// 心跳保活，直到本次运行结束；返回前必须等协程退出，
		// 避免向已经交还给gin的ResponseWriter写入
		if interval := cfg.HeartbeatInterval(); interval > 0 {
			ticker := time.NewTicker(interval)
			done := make(chan struct{})
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				for {
					select {
					case <-done:
						return
					case <-c.Request.Context().Done():
						return
					case <-ticker.C:
						w.Heartbeat()
					}
				}
			}()
			defer func() {
				ticker.Stop()
				close(done)
				<-finished
			}()
		}

		svc.Stream(c.Request.Context(), in, w)
	}
}

// handleGenerate 处理非流式故事生成请求
func handleGenerate(svc *service.StoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		parentID, ok := callerParentID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
			return
		}

		var req model.GenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求格式"})
			return
		}
		req.ParentID = parentID

		record, err := svc.Generate(c.Request.Context(), req)
		if err != nil {
			abortWithServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// handleCreateChild 创建孩子档案
func handleCreateChild(svc *service.StoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		parentID, ok := callerParentID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
			return
		}

		var child model.ChildProfile
		if err := c.ShouldBindJSON(&child); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求格式"})
			return
		}
		child.ParentID = parentID

		created, err := svc.CreateChild(c.Request.Context(), child)
		if err != nil {
			abortWithServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

// handleListStories 查询孩子的故事列表
func handleListStories(svc *service.StoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		parentID, ok := callerParentID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
			return
		}
		childID, err := strconv.ParseInt(c.Query("child_id"), 10, 64)
		if err != nil || childID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "child_id required"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

		stories, err := svc.ListStories(c.Request.Context(), parentID, childID, limit)
		if err != nil {
			abortWithServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, stories)
	}
}
