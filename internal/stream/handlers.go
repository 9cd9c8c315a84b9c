package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func RegisterRoutes(r fiber.Router, hub *Hub) {
	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		client := hub.Register()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		// unregister first: closing Send unblocks the writer, so waiting on
		// it cannot stall until the next broadcast
		hub.Unregister(client)
		<-done
	}))
}
