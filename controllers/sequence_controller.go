package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"marki/models"
	"marki/services"
	"marki/utils"
)

type SequenceController struct {
	Sequences *services.SequenceService
	Logger    *logrus.Entry
}

func NewSequenceController(sequences *services.SequenceService) *SequenceController {
	return &SequenceController{
		Sequences: sequences,
		Logger:    utils.Component("sequence_controller"),
	}
}

func (sc *SequenceController) List(c *fiber.Ctx) error {
	seqs, err := sc.Sequences.List(c.UserContext())
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération des séquences")
	}
	return c.JSON(utils.SuccessResponse(seqs))
}

func (sc *SequenceController) Get(c *fiber.Ctx) error {
	seq, err := sc.Sequences.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération de la séquence")
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) Create(c *fiber.Ctx) error {
	var req services.SequenceInput
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	seq, err := sc.Sequences.Create(c.UserContext(), req)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la création de la séquence")
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) Update(c *fiber.Ctx) error {
	var req services.SequenceUpdate
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	seq, err := sc.Sequences.Update(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la mise à jour de la séquence")
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) AddAction(c *fiber.Ctx) error {
	var action models.SequenceAction
	if err := bind(c, &action); err != nil {
		return badRequest(c, err.Error())
	}
	seq, err := sc.Sequences.AddAction(c.UserContext(), c.Params("id"), action)
	if err != nil {
		return serviceError(c, err, "Erreur lors de l'ajout de l'action")
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) GenerateEmail(c *fiber.Ctx) error {
	var req services.SingleEmailRequest
	if err := bindValid(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := sc.Sequences.GenerateSingleEmail(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la génération de l'email")
	}
	return c.JSON(utils.SuccessResponse(res))
}

func (sc *SequenceController) GenerateSequence(c *fiber.Ctx) error {
	var req services.FullSequenceRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := sc.Sequences.GenerateFullSequence(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la génération de la séquence")
	}
	return c.JSON(utils.SuccessResponse(res))
}

func (sc *SequenceController) Delete(c *fiber.Ctx) error {
	res, err := sc.Sequences.Delete(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la suppression de la séquence")
	}
	return c.JSON(utils.SuccessResponse(res))
}

func (sc *SequenceController) SetStatus(c *fiber.Ctx) error {
	var req struct {
		IsActif *bool `json:"isActif"`
	}
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.IsActif == nil {
		return badRequest(c, "isActif est requis")
	}
	res, err := sc.Sequences.SetStatus(c.UserContext(), c.Params("id"), *req.IsActif)
	if err != nil {
		return serviceError(c, err, "Erreur lors du changement de statut")
	}
	return c.JSON(fiber.Map{"success": true, "message": res.Message, "data": res})
}

func (sc *SequenceController) Deactivate(c *fiber.Ctx) error {
	res, err := sc.Sequences.Deactivate(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la désactivation de la séquence")
	}
	return c.JSON(res)
}

type sequenceIDRequest struct {
	IDSequence string `json:"idSequence"`
	SequenceID string `json:"sequenceId"`
}

func (r sequenceIDRequest) id() string {
	if r.IDSequence != "" {
		return r.IDSequence
	}
	return r.SequenceID
}

func (sc *SequenceController) Populate(c *fiber.Ctx) error {
	var req sequenceIDRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := sc.Sequences.Populate(c.UserContext(), req.id())
	if err != nil {
		return serviceError(c, err, "Erreur lors du peuplement des relances")
	}
	return c.JSON(fiber.Map{"success": true, "message": res.Message, "data": res})
}

func (sc *SequenceController) Cleanup(c *fiber.Ctx) error {
	var req sequenceIDRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := sc.Sequences.Cleanup(c.UserContext(), req.id())
	if err != nil {
		return serviceError(c, err, "Erreur lors du nettoyage des relances")
	}
	return c.JSON(fiber.Map{"success": true, "message": res.Message, "data": res})
}

type assignRequest struct {
	ImpayeID   string `json:"impayeId"`
	SequenceID string `json:"sequenceId"`
}

func (sc *SequenceController) Assign(c *fiber.Ctx) error {
	var req assignRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := sc.Sequences.Assign(c.UserContext(), req.ImpayeID, req.SequenceID)
	if err != nil {
		return serviceError(c, err, "Erreur lors de l'association de la séquence")
	}
	return c.JSON(fiber.Map{"success": true, "message": res.Message, "data": res})
}

type autoFilterRequest struct {
	SequenceID string             `json:"sequenceId"`
	Filters    models.AutoFilters `json:"filters"`
}

func (sc *SequenceController) TestFilters(c *fiber.Ctx) error {
	var req autoFilterRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := sc.Sequences.TestAutoFilters(c.UserContext(), req.Filters)
	if err != nil {
		return serviceError(c, err, "Erreur lors du test des filtres")
	}
	return c.JSON(res)
}

func (sc *SequenceController) ConvertToAuto(c *fiber.Ctx) error {
	var req autoFilterRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	seq, err := sc.Sequences.ConvertToAuto(c.UserContext(), c.Params("id"), req.Filters)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la conversion de la séquence")
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) ApplyAuto(c *fiber.Ctx) error {
	res, err := sc.Sequences.ApplyAutoSequence(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de l'application des filtres")
	}
	return c.JSON(fiber.Map{"success": true, "message": res.Message, "data": res})
}

// StatusChangeHook is called by the frontend after it saved isActif on a sequence.
func (sc *SequenceController) StatusChangeHook(c *fiber.Ctx) error {
	var req struct {
		SequenceID string `json:"sequenceId"`
		IsActif    bool   `json:"isActif"`
	}
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := sc.Sequences.SetStatus(c.UserContext(), req.SequenceID, req.IsActif)
	if err != nil {
		return serviceError(c, err, "Erreur lors du traitement du changement de statut")
	}
	var data interface{} = res.Cleanup
	if res.Populate != nil {
		data = res.Populate
	}
	return c.JSON(fiber.Map{"success": true, "message": res.Message, "data": data})
}

// DeletionHook is called before the frontend deletes a sequence.
func (sc *SequenceController) DeletionHook(c *fiber.Ctx) error {
	var req struct {
		SequenceID string `json:"sequenceId"`
	}
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := sc.Sequences.PrepareDeletion(c.UserContext(), req.SequenceID)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la préparation de la suppression")
	}
	return c.JSON(fiber.Map{"success": true, "message": res.Message, "warning": res.Warning})
}

// AssignmentHook is called after the frontend linked an invoice to a sequence.
func (sc *SequenceController) AssignmentHook(c *fiber.Ctx) error {
	return sc.Assign(c)
}
