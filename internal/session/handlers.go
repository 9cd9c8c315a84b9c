package session

import "github.com/gofiber/fiber/v2"

type chargerRequest struct {
	ChargerID string  `json:"charger_id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

type activateRequest struct {
	SessionID  string  `json:"session_id"`
	MerchantID string  `json:"merchant_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

type visitRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// RegisterRoutes exposes the engine's command and query surface to the UI
// layer. Precondition violations come back as 409 with a structured reason,
// never as a 500.
func RegisterRoutes(r fiber.Router, eng *Engine) {
	r.Post("/charger", func(c *fiber.Ctx) error {
		var req chargerRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.ChargerID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "charger_id required")
		}
		if err := eng.SetChargerTarget(req.ChargerID, req.Lat, req.Lng); err != nil {
			return rejectionResponse(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(eng.Status())
	})

	r.Post("/activate", func(c *fiber.Ctx) error {
		var req activateRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.SessionID == "" || req.MerchantID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "session_id and merchant_id required")
		}
		if err := eng.ConfirmActivation(req.SessionID, req.MerchantID, req.Lat, req.Lng); err != nil {
			return rejectionResponse(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(eng.Status())
	})

	r.Post("/visit", func(c *fiber.Ctx) error {
		var req visitRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := eng.ConfirmMerchantVisit(req.SessionID, req.Code); err != nil {
			return rejectionResponse(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(eng.Status())
	})

	r.Post("/end", func(c *fiber.Ctx) error {
		if err := eng.RequestEnd(); err != nil {
			return rejectionResponse(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(eng.Status())
	})

	r.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(eng.Status())
	})
}

func rejectionResponse(c *fiber.Ctx, err error) error {
	if reason, ok := Rejection(err); ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"rejected": true, "reason": reason})
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
