package position

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes exposes the bridge the platform location layer feeds fixes
// through.
func RegisterRoutes(r fiber.Router, src *ChannelSource) {
	r.Post("/fix", func(c *fiber.Ctx) error {
		var req Fix
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
			return fiber.NewError(fiber.StatusBadRequest, "lat/lng out of range")
		}
		if req.RecordedAt.IsZero() {
			req.RecordedAt = time.Now()
		}
		src.Publish(req)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"mode": src.Mode()})
	})

	r.Get("/mode", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"mode": src.Mode()})
	})

	r.Get("/capability", func(c *fiber.Ctx) error {
		return c.JSON(CapabilityOf(src, time.Now()))
	})
}
