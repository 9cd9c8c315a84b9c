package position

import "github.com/gofiber/fiber/v2"

func newTestApp(src *ChannelSource) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app.Group("/position"), src)
	return app
}
