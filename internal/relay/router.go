package relay

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sprintsync/internal/api"
	"github.com/dkeye/sprintsync/internal/config"
)

// ClientTokenMiddleware tags every browser/client with a stable token
// cookie so socket logs can be correlated across reconnects.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter wires the REST endpoints and the WebSocket upgrade.
//   - GET  /getRoomDetails?room_id={id}
//   - POST /createRoom
//   - GET  /ws
func SetupRouter(ctx context.Context, cfg *config.Config, store *Store, hub *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookies := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("SprintSyncSessions", cookies))
	r.Use(ClientTokenMiddleware())

	r.GET("/getRoomDetails", func(c *gin.Context) {
		roomID := c.Query("room_id")
		if roomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing room_id"})
			return
		}
		snap, err := store.Get(roomID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	r.POST("/createRoom", func(c *gin.Context) {
		var req api.CreateRoomRequest
		if err := c.BindJSON(&req); err != nil || req.RoomID == "" || req.RoomName == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room"})
			return
		}
		snap, err := store.CreateRoom(req)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	ctl := NewController(store, hub)
	r.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "relay.http").Str("sid", c.GetString("client_token")).Msg("ws endpoint hit")
		ctl.HandleWS(ctx, c)
	})

	return r
}
