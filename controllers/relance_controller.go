package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"marki/middleware"
	"marki/services"
	"marki/utils"
)

type RelanceController struct {
	Sequences *services.SequenceService
	Relances  *services.RelanceService
	Histories *services.HistoryService
	Logger    *logrus.Entry
}

func NewRelanceController(sequences *services.SequenceService, relances *services.RelanceService, history *services.HistoryService) *RelanceController {
	return &RelanceController{
		Sequences: sequences,
		Relances:  relances,
		Histories: history,
		Logger:    utils.Component("relance_controller"),
	}
}

func (rc *RelanceController) Scheduled(c *fiber.Ctx) error {
	rows, err := rc.Sequences.ScheduledRelances(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération des relances")
	}
	return c.JSON(utils.SuccessResponse(rows))
}

func (rc *RelanceController) Cancel(c *fiber.Ctx) error {
	if err := rc.Sequences.CancelRelance(c.UserContext(), c.Params("id")); err != nil {
		return serviceError(c, err, "Erreur lors de l'annulation de la relance")
	}
	return c.JSON(fiber.Map{"success": true, "message": "Relance annulée"})
}

// Update edits a pending relance; the diff is recorded in the e-mail history.
func (rc *RelanceController) Update(c *fiber.Ctx) error {
	var req services.RelanceEdit
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	r, err := rc.Sequences.UpdateRelance(c.UserContext(), c.Params("id"), middleware.CurrentSession(c), req)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la mise à jour de la relance")
	}
	return c.JSON(utils.SuccessResponse(r))
}

func (rc *RelanceController) History(c *fiber.Ctx) error {
	limit, err := utils.ParsePositiveInt(c.Query("limit"), 20)
	if err != nil {
		return badRequest(c, "limit doit être un entier positif")
	}
	entries, err := rc.Histories.Fetch(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération de l'historique")
	}
	return c.JSON(utils.SuccessResponse(entries))
}

func (rc *RelanceController) HistoryDiff(c *fiber.Ctx) error {
	diff, err := rc.Histories.GetDiffForField(c.UserContext(), c.Params("historyId"), c.Params("field"))
	if err != nil {
		return serviceError(c, err, "Erreur lors du calcul du diff")
	}
	return c.JSON(utils.SuccessResponse(diff))
}

// ProcessDue sends the relances that are due right now.
func (rc *RelanceController) ProcessDue(c *fiber.Ctx) error {
	res, err := rc.Relances.ProcessDue(c.UserContext())
	if err != nil {
		return serviceError(c, err, "Erreur lors de l'envoi des relances")
	}
	return c.JSON(res)
}
