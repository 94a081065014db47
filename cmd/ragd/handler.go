package main

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/quiverai/ragcore/chat"
	"github.com/quiverai/ragcore/common/config"
	"github.com/quiverai/ragcore/common/logger"
	"github.com/quiverai/ragcore/history"
	"github.com/quiverai/ragcore/pipeline"
	"github.com/quiverai/ragcore/providers/openai"
	"github.com/quiverai/ragcore/quota"
	"github.com/quiverai/ragcore/retrieval"
	"github.com/quiverai/ragcore/store"
)

// wsHandler upgrades /ws requests into chat sessions. Query parameters:
// user (required), collection (required), conversation (optional, a new
// one is started when absent), bot (optional JSON merge-patch over the
// default bot config).
type wsHandler struct {
	cfg      *config.Config
	pipe     *pipeline.Pipeline
	counter  *quota.Counter
	rdb      *goredis.Client
	vectors  store.VectorStore
	fulltext store.FullTextIndex
	graph    store.GraphStore
	oai      *openai.Client
	log      *logger.Logger

	upgrader websocket.Upgrader
}

func (h *wsHandler) handle(c echo.Context) error {
	user := c.QueryParam("user")
	collectionName := c.QueryParam("collection")
	if user == "" || collectionName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user and collection are required")
	}

	conversation := c.QueryParam("conversation")
	if conversation == "" {
		conversation = uuid.New().String()
	}

	bot := pipeline.DefaultBotConfig(h.cfg)
	if patch := c.QueryParam("bot"); patch != "" {
		var err error
		bot, err = bot.WithOverlay([]byte(patch))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	embedder := h.oai.Embedder(bot.Embedding.Model)

	// Cached per model after the first session
	dim, err := retrieval.ProbeDimension(c.Request().Context(), embedder)
	if err != nil {
		h.log.Warn("dimension probe failed", "model", bot.Embedding.Model, "error", err)
	}

	col := &store.Collection{
		Name:           collectionName,
		Embedding:      embedder,
		Vectors:        h.vectors,
		Fulltext:       h.fulltext,
		Graph:          h.graph,
		EnableGraph:    bot.EnableKnowledgeGraph && h.graph != nil,
		VectorDim:      dim,
		EmbedModelName: bot.Embedding.Model,
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	hist := history.NewRedisHistory(h.rdb, user, conversation)
	session := chat.NewSession(conn, h.pipe, h.counter, bot, col, hist, user, h.log)

	// Blocks until the connection closes
	session.Run()
	return nil
}
